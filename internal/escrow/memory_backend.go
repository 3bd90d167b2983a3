package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowledger/internal/identity"
	"github.com/mbd888/escrowledger/internal/ledger"
	"github.com/mbd888/escrowledger/internal/wallet"
)

// MemoryBackend runs units of work against the in-memory stores. Units are
// serialized by one mutex and their writes are staged, then applied only
// when fn succeeds.
//
// A commit touches each store under that store's own lock. Readers that
// must not see a unit half applied use Holds, Wallets and Entries instead of
// the stores directly.
type MemoryBackend struct {
	mu      sync.RWMutex
	users   identity.Lookup
	wallets *wallet.MemoryStore
	holds   *MemoryStore
	entries *ledger.MemoryStore
}

// NewMemoryBackend creates a backend over the given memory stores.
func NewMemoryBackend(users identity.Lookup, wallets *wallet.MemoryStore, holds *MemoryStore, entries *ledger.MemoryStore) *MemoryBackend {
	return &MemoryBackend{users: users, wallets: wallets, holds: holds, entries: entries}
}

// Holds returns a hold reader that waits for in-flight units to commit.
func (b *MemoryBackend) Holds() HoldReader { return memHolds{b} }

// Wallets returns a wallet reader that waits for in-flight units to commit.
func (b *MemoryBackend) Wallets() wallet.Reader { return memWallets{b} }

// Entries returns a transaction reader that waits for in-flight units to commit.
func (b *MemoryBackend) Entries() ledger.Store { return memEntries{b} }

func (b *MemoryBackend) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		b:       b,
		wallets: make(map[string]*wallet.Wallet),
		holds:   make(map[string]*Hold),
		created: make(map[string]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit(ctx)
	return nil
}

// memTx stages copies of every record it touches.
type memTx struct {
	b       *MemoryBackend
	wallets map[string]*wallet.Wallet
	holds   map[string]*Hold
	created map[string]bool
	entries []*ledger.Transaction
}

func (t *memTx) stagedWallet(ctx context.Context, id string) (*wallet.Wallet, error) {
	if w, ok := t.wallets[id]; ok {
		return w, nil
	}
	w, err := t.b.wallets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.wallets[id] = w
	return w, nil
}

func (t *memTx) FindUser(ctx context.Context, id string) (*identity.User, error) {
	return t.b.users.FindUser(ctx, id)
}

// ListWalletsByOwner overlays staged copies on the committed wallets.
func (t *memTx) ListWalletsByOwner(ctx context.Context, ownerID string) ([]*wallet.Wallet, error) {
	committed, err := t.b.wallets.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]*wallet.Wallet, 0, len(committed))
	for _, w := range committed {
		if staged, ok := t.wallets[w.ID]; ok {
			w = staged.Clone()
		}
		out = append(out, w)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) GetWallet(ctx context.Context, id string) (*wallet.Wallet, error) {
	w, err := t.stagedWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.Clone(), nil
}

func (t *memTx) LockWallet(ctx context.Context, id string) (*wallet.Wallet, error) {
	return t.GetWallet(ctx, id)
}

func (t *memTx) AdjustEscrowBalance(ctx context.Context, walletID string, delta int64) error {
	w, err := t.stagedWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if err := w.ApplyDelta(0, delta); err != nil {
		return err
	}
	w.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) AdjustBalance(ctx context.Context, walletID string, delta int64) error {
	w, err := t.stagedWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if err := w.ApplyDelta(delta, 0); err != nil {
		return err
	}
	w.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) SetEscrowEnabled(ctx context.Context, walletID string, enabled bool) (*wallet.Wallet, error) {
	w, err := t.stagedWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	w.IsEscrowEnabled = enabled
	w.UpdatedAt = time.Now()
	return w.Clone(), nil
}

func (t *memTx) InsertHold(ctx context.Context, h *Hold) error {
	if _, ok := t.holds[h.ID]; ok {
		return ErrDuplicateHold
	}
	if _, err := t.b.holds.Get(ctx, h.ID); err == nil {
		return ErrDuplicateHold
	}
	t.holds[h.ID] = h.Clone()
	t.created[h.ID] = true
	return nil
}

func (t *memTx) LockHold(ctx context.Context, id string) (*Hold, error) {
	if h, ok := t.holds[id]; ok {
		return h.Clone(), nil
	}
	return t.b.holds.Get(ctx, id)
}

func (t *memTx) UpdateHold(ctx context.Context, h *Hold) error {
	if _, ok := t.holds[h.ID]; !ok {
		if _, err := t.b.holds.Get(ctx, h.ID); err != nil {
			return err
		}
	}
	t.holds[h.ID] = h.Clone()
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *ledger.Transaction) error {
	cp := *txn
	t.entries = append(t.entries, &cp)
	return nil
}

// commit cannot fail: every check already ran against the staged copies.
func (t *memTx) commit(ctx context.Context) {
	for _, w := range t.wallets {
		t.b.wallets.Put(w)
	}
	for id, h := range t.holds {
		if t.created[id] {
			_ = t.b.holds.Insert(ctx, h)
		} else {
			_ = t.b.holds.Update(ctx, h)
		}
	}
	for _, e := range t.entries {
		_ = t.b.entries.InsertTransaction(ctx, e)
	}
}

type memHolds struct{ b *MemoryBackend }

func (v memHolds) Get(ctx context.Context, id string) (*Hold, error) {
	v.b.mu.RLock()
	defer v.b.mu.RUnlock()
	return v.b.holds.Get(ctx, id)
}

func (v memHolds) ListByWallet(ctx context.Context, walletID string, status Status, limit int) ([]*Hold, error) {
	v.b.mu.RLock()
	defer v.b.mu.RUnlock()
	return v.b.holds.ListByWallet(ctx, walletID, status, limit)
}

type memWallets struct{ b *MemoryBackend }

func (v memWallets) Get(ctx context.Context, id string) (*wallet.Wallet, error) {
	v.b.mu.RLock()
	defer v.b.mu.RUnlock()
	return v.b.wallets.Get(ctx, id)
}

func (v memWallets) ListByOwner(ctx context.Context, ownerID string) ([]*wallet.Wallet, error) {
	v.b.mu.RLock()
	defer v.b.mu.RUnlock()
	return v.b.wallets.ListByOwner(ctx, ownerID)
}

type memEntries struct{ b *MemoryBackend }

func (v memEntries) ListByWallet(ctx context.Context, walletID string, limit int) ([]*ledger.Transaction, error) {
	v.b.mu.RLock()
	defer v.b.mu.RUnlock()
	return v.b.entries.ListByWallet(ctx, walletID, limit)
}

func (v memEntries) ListByReference(ctx context.Context, referenceID string) ([]*ledger.Transaction, error) {
	v.b.mu.RLock()
	defer v.b.mu.RUnlock()
	return v.b.entries.ListByReference(ctx, referenceID)
}

var (
	_ Backend       = (*MemoryBackend)(nil)
	_ HoldReader    = memHolds{}
	_ wallet.Reader = memWallets{}
	_ ledger.Store  = memEntries{}
)
