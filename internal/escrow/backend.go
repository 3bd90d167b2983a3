package escrow

import (
	"context"

	"github.com/mbd888/escrowledger/internal/identity"
	"github.com/mbd888/escrowledger/internal/ledger"
	"github.com/mbd888/escrowledger/internal/wallet"
)

// Tx is the unit of work a ledger operation runs in. Every write made
// through it commits together or not at all. Reads made inside a unit must
// go through it too: a unit must never need a second connection.
type Tx interface {
	// FindUser resolves a party inside the unit.
	FindUser(ctx context.Context, id string) (*identity.User, error)

	GetWallet(ctx context.Context, id string) (*wallet.Wallet, error)
	ListWalletsByOwner(ctx context.Context, ownerID string) ([]*wallet.Wallet, error)
	// LockWallet reads a wallet and keeps it locked until the unit ends.
	LockWallet(ctx context.Context, id string) (*wallet.Wallet, error)
	AdjustEscrowBalance(ctx context.Context, walletID string, delta int64) error
	SetEscrowEnabled(ctx context.Context, walletID string, enabled bool) (*wallet.Wallet, error)

	InsertHold(ctx context.Context, h *Hold) error
	// LockHold reads a hold and keeps it locked until the unit ends.
	LockHold(ctx context.Context, id string) (*Hold, error)
	UpdateHold(ctx context.Context, h *Hold) error

	// ledger.Writer lets the recorder append entries inside the unit.
	ledger.Writer
}

// Backend runs units of work. If fn returns an error nothing it wrote is
// persisted and the error is returned unchanged.
type Backend interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// txWallets adapts a Tx to wallet.Reader so a Selector can run inside a unit.
type txWallets struct {
	tx Tx
}

func (r txWallets) Get(ctx context.Context, id string) (*wallet.Wallet, error) {
	return r.tx.GetWallet(ctx, id)
}

func (r txWallets) ListByOwner(ctx context.Context, ownerID string) ([]*wallet.Wallet, error) {
	return r.tx.ListWalletsByOwner(ctx, ownerID)
}
