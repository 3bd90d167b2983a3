package wallet

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets map[string]*Wallet
	mu      sync.RWMutex
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		now:     time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[w.ID]; ok {
		return ErrDuplicateWallet
	}
	now := m.now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = StatusActive
	}
	m.wallets[w.ID] = w.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return w.Clone(), nil
}

// GetForUpdate is Get; the memory store has no row locks.
func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Wallet, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Wallet
	for _, w := range m.wallets {
		if w.OwnerID == ownerID {
			result = append(result, w.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// List returns every wallet ordered by ID.
func (m *MemoryStore) List(ctx context.Context) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		result = append(result, w.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) AdjustBalance(ctx context.Context, id string, delta int64) error {
	return m.apply(id, delta, 0)
}

func (m *MemoryStore) AdjustEscrowBalance(ctx context.Context, id string, delta int64) error {
	return m.apply(id, 0, delta)
}

func (m *MemoryStore) apply(id string, balanceDelta, escrowDelta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	next := w.Clone()
	if err := next.ApplyDelta(balanceDelta, escrowDelta); err != nil {
		return err
	}
	next.UpdatedAt = m.now()
	m.wallets[id] = next
	return nil
}

func (m *MemoryStore) SetEscrowEnabled(ctx context.Context, id string, enabled bool) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	next := w.Clone()
	next.IsEscrowEnabled = enabled
	next.UpdatedAt = m.now()
	m.wallets[id] = next
	return next.Clone(), nil
}

// Put replaces a stored wallet with w. It is how staged transactional
// state is committed into the memory store.
func (m *MemoryStore) Put(w *Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.ID] = w.Clone()
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
