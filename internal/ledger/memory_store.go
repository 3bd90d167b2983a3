package ledger

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory transaction log for demo/development mode.
type MemoryStore struct {
	entries []*Transaction
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make([]*Transaction, 0)}
}

// InsertTransaction appends t.
func (m *MemoryStore) InsertTransaction(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.Metadata = copyMetadata(t.Metadata)
	m.entries = append(m.entries, &cp)
	return nil
}

// ListByWallet returns the newest entries first.
func (m *MemoryStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.entries) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		if m.entries[i].WalletID == walletID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// ListByReference returns entries in append order.
func (m *MemoryStore) ListByReference(ctx context.Context, referenceID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, e := range m.entries {
		if e.ReferenceID == referenceID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
