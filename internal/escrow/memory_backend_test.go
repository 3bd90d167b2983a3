package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/escrowledger/internal/identity"
	"github.com/mbd888/escrowledger/internal/ledger"
	"github.com/mbd888/escrowledger/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) (*MemoryBackend, *wallet.MemoryStore, *MemoryStore, *ledger.MemoryStore) {
	t.Helper()
	wallets := wallet.NewMemoryStore()
	holds := NewMemoryStore()
	entries := ledger.NewMemoryStore()
	require.NoError(t, wallets.Create(context.Background(), &wallet.Wallet{ID: "W1", OwnerID: "o", Currency: "USD", Balance: 1000}))
	return NewMemoryBackend(identity.NewMemoryStore(), wallets, holds, entries), wallets, holds, entries
}

func TestMemoryBackend_RollbackDiscardsEverything(t *testing.T) {
	b, wallets, holds, entries := newTestBackend(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := b.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.AdjustEscrowBalance(ctx, "W1", 400))
		require.NoError(t, tx.InsertHold(ctx, &Hold{ID: "h1", PayerWalletID: "W1", Status: StatusHeld}))
		require.NoError(t, tx.InsertTransaction(ctx, &ledger.Transaction{ID: "t1", WalletID: "W1"}))
		_, err := tx.SetEscrowEnabled(ctx, "W1", true)
		require.NoError(t, err)

		w, err := tx.GetWallet(ctx, "W1")
		require.NoError(t, err)
		assert.Equal(t, int64(400), w.EscrowBalance, "staged writes are visible inside the unit")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	w, _ := wallets.Get(ctx, "W1")
	assert.Equal(t, int64(0), w.EscrowBalance)
	assert.False(t, w.IsEscrowEnabled)
	_, err = holds.Get(ctx, "h1")
	assert.ErrorIs(t, err, ErrHoldNotFound)
	txns, _ := entries.ListByWallet(ctx, "W1", 0)
	assert.Empty(t, txns)
}

func TestMemoryBackend_CommitApplies(t *testing.T) {
	b, wallets, holds, entries := newTestBackend(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, b.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertHold(ctx, &Hold{ID: "h1", PayerWalletID: "W1", Status: StatusHeld, CreatedAt: now}); err != nil {
			return err
		}
		if err := tx.AdjustEscrowBalance(ctx, "W1", 250); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &ledger.Transaction{ID: "t1", WalletID: "W1"})
	}))

	w, _ := wallets.Get(ctx, "W1")
	assert.Equal(t, int64(250), w.EscrowBalance)
	h, err := holds.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, h.Status)
	txns, _ := entries.ListByWallet(ctx, "W1", 0)
	assert.Len(t, txns, 1)

	require.NoError(t, b.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		h, err := tx.LockHold(ctx, "h1")
		if err != nil {
			return err
		}
		h.Status = StatusRefunded
		return tx.UpdateHold(ctx, h)
	}))
	h, _ = holds.Get(ctx, "h1")
	assert.Equal(t, StatusRefunded, h.Status)
}

func TestMemoryBackend_InvariantChecksPerStep(t *testing.T) {
	b, _, _, _ := newTestBackend(t)
	ctx := context.Background()

	err := b.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.AdjustEscrowBalance(ctx, "W1", 800); err != nil {
			return err
		}
		return tx.AdjustBalance(ctx, "W1", -300)
	})
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	err = b.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AdjustEscrowBalance(ctx, "W1", -1)
	})
	assert.ErrorIs(t, err, wallet.ErrNegativeEscrow)
}

func TestMemoryBackend_DuplicateAndMissingHolds(t *testing.T) {
	b, _, holds, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, holds.Insert(ctx, &Hold{ID: "h1"}))

	err := b.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertHold(ctx, &Hold{ID: "h1"})
	})
	assert.ErrorIs(t, err, ErrDuplicateHold)

	err = b.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.UpdateHold(ctx, &Hold{ID: "nope"})
	})
	assert.ErrorIs(t, err, ErrHoldNotFound)

	err = b.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockWallet(ctx, "nope")
		return err
	})
	assert.ErrorIs(t, err, wallet.ErrWalletNotFound)
}

func TestMemoryBackend_CancelledContext(t *testing.T) {
	b, _, _, _ := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := b.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemoryBackend_ViewsWaitForCommit(t *testing.T) {
	b, _, _, _ := newTestBackend(t)
	ctx := context.Background()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			if err := tx.AdjustEscrowBalance(ctx, "W1", 400); err != nil {
				return err
			}
			if err := tx.InsertHold(ctx, &Hold{ID: "h1", PayerWalletID: "W1", Amount: 400, Status: StatusHeld}); err != nil {
				return err
			}
			close(entered)
			<-proceed
			return nil
		})
	}()
	<-entered

	got := make(chan *wallet.Wallet, 1)
	go func() {
		w, _ := b.Wallets().Get(ctx, "W1")
		got <- w
	}()
	select {
	case <-got:
		t.Fatal("wallet view returned while a unit was open")
	case <-time.After(50 * time.Millisecond):
	}

	close(proceed)
	require.NoError(t, <-done)
	w := <-got
	require.NotNil(t, w)
	assert.Equal(t, int64(400), w.EscrowBalance)

	h, err := b.Holds().Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), h.Amount)
}

func TestMemoryBackend_ListWalletsByOwnerSeesStagedWrites(t *testing.T) {
	b, wallets, _, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, wallets.Create(ctx, &wallet.Wallet{ID: "W2", OwnerID: "o", Currency: "EUR"}))

	err := b.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.SetEscrowEnabled(ctx, "W2", true)
		require.NoError(t, err)

		list, err := tx.ListWalletsByOwner(ctx, "o")
		require.NoError(t, err)
		require.Len(t, list, 2)
		byID := map[string]*wallet.Wallet{list[0].ID: list[0], list[1].ID: list[1]}
		assert.True(t, byID["W2"].IsEscrowEnabled)
		assert.False(t, byID["W1"].IsEscrowEnabled)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryBackend_FindUser(t *testing.T) {
	users := identity.NewMemoryStore()
	require.NoError(t, users.Create(context.Background(), &identity.User{ID: "u1", Role: identity.RoleBuyer}))
	b := NewMemoryBackend(users, wallet.NewMemoryStore(), NewMemoryStore(), ledger.NewMemoryStore())

	err := b.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		u, err := tx.FindUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, identity.RoleBuyer, u.Role)
		_, err = tx.FindUser(ctx, "ghost")
		assert.ErrorIs(t, err, identity.ErrUserNotFound)
		return nil
	})
	require.NoError(t, err)
}
