// Package ledger is the append-only transaction record. Appending a
// completed entry is the only way a wallet's balance changes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowledger/internal/idgen"
)

var (
	ErrInvalidEntry = errors.New("ledger: invalid entry")
)

// Type classifies an entry.
type Type string

const (
	TypeEscrowHold    Type = "ESCROW_HOLD"
	TypeEscrowRelease Type = "ESCROW_RELEASE"
	TypeEscrowRefund  Type = "ESCROW_REFUND"
)

// Status says whether an entry moved spendable balance.
type Status string

const (
	// StatusHeldInEscrow marks an escrow reservation change. It never
	// touches balance; the paired escrow balance adjustment is explicit.
	StatusHeldInEscrow Status = "HELD_IN_ESCROW"
	// StatusCompleted entries apply NetAmount to the wallet balance.
	StatusCompleted Status = "COMPLETED"
)

// Transaction is an immutable ledger entry. Amount is negative for debits.
type Transaction struct {
	ID          string            `json:"id"`
	WalletID    string            `json:"walletId"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Type        Type              `json:"type"`
	Status      Status            `json:"status"`
	ReferenceID string            `json:"referenceId"`
	Fee         int64             `json:"fee"`
	NetAmount   int64             `json:"netAmount"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Entry is what callers append; the recorder fills in identity and totals.
type Entry struct {
	Amount      int64
	Currency    string
	Type        Type
	Status      Status
	ReferenceID string
	Fee         int64
	Metadata    map[string]string
}

func (e Entry) validate() error {
	switch {
	case e.Amount == 0:
		return fmt.Errorf("%w: zero amount", ErrInvalidEntry)
	case e.Fee < 0:
		return fmt.Errorf("%w: negative fee", ErrInvalidEntry)
	case e.Currency == "":
		return fmt.Errorf("%w: currency required", ErrInvalidEntry)
	}
	switch e.Type {
	case TypeEscrowHold, TypeEscrowRelease, TypeEscrowRefund:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, e.Type)
	}
	switch e.Status {
	case StatusHeldInEscrow, StatusCompleted:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntry, e.Status)
	}
	return nil
}

// Writer is the transactional surface the recorder writes through. Both
// calls must belong to the caller's enclosing transaction.
type Writer interface {
	InsertTransaction(ctx context.Context, t *Transaction) error
	AdjustBalance(ctx context.Context, walletID string, delta int64) error
}

// Store reads ledger history.
type Store interface {
	ListByWallet(ctx context.Context, walletID string, limit int) ([]*Transaction, error)
	ListByReference(ctx context.Context, referenceID string) ([]*Transaction, error)
}

// Recorder appends entries and applies completed ones to wallet balances.
type Recorder struct {
	now func() time.Time
}

// NewRecorder creates a recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Append writes one transaction for walletID through w. A completed entry
// also moves the wallet balance by its net amount.
func (r *Recorder) Append(ctx context.Context, w Writer, walletID string, e Entry) (*Transaction, error) {
	if walletID == "" {
		return nil, fmt.Errorf("%w: wallet id required", ErrInvalidEntry)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}

	t := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		WalletID:    walletID,
		Amount:      e.Amount,
		Currency:    e.Currency,
		Type:        e.Type,
		Status:      e.Status,
		ReferenceID: e.ReferenceID,
		Fee:         e.Fee,
		NetAmount:   e.Amount - e.Fee,
		Metadata:    copyMetadata(e.Metadata),
		Timestamp:   r.now().UTC(),
	}

	if t.Status == StatusCompleted {
		if err := w.AdjustBalance(ctx, walletID, t.NetAmount); err != nil {
			return nil, fmt.Errorf("apply %s to wallet %s: %w", t.Type, walletID, err)
		}
	}
	if err := w.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("insert %s entry: %w", t.Type, err)
	}
	return t, nil
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
