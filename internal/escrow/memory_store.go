package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory hold store for demo/development mode.
type MemoryStore struct {
	holds map[string]*Hold
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory hold store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{holds: make(map[string]*Hold)}
}

func (m *MemoryStore) Insert(ctx context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.holds[h.ID]; ok {
		return ErrDuplicateHold
	}
	m.holds[h.ID] = h.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return h.Clone(), nil
}

// GetForUpdate is Get; callers serialize through MemoryBackend.
func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Hold, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(ctx context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.holds[h.ID]; !ok {
		return ErrHoldNotFound
	}
	m.holds[h.ID] = h.Clone()
	return nil
}

func (m *MemoryStore) ListByWallet(ctx context.Context, walletID string, status Status, limit int) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Hold
	for _, h := range m.holds {
		if h.PayerWalletID != walletID && h.SellerWalletID != walletID {
			continue
		}
		if status != "" && h.Status != status {
			continue
		}
		result = append(result, h.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ HoldStore = (*MemoryStore)(nil)
