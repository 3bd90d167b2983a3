package escrow

import (
	"context"
	"time"
)

// Status of an escrow hold. A hold leaves StatusHeld exactly once.
type Status string

const (
	StatusHeld     Status = "HELD_IN_ESCROW"
	StatusReleased Status = "RELEASED"
	StatusRefunded Status = "REFUNDED"
)

// IsTerminal returns true if the hold can no longer transition.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusHeld, StatusReleased, StatusRefunded:
		return true
	}
	return false
}

// Hold is one conditional payment from a payer wallet to a seller wallet.
type Hold struct {
	ID             string     `json:"id"`
	PayerWalletID  string     `json:"payerWalletId"`
	SellerWalletID string     `json:"sellerWalletId,omitempty"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	BuyerID        string     `json:"buyerId"`
	SellerID       string     `json:"sellerId"`
	OrderID        string     `json:"orderId,omitempty"`
	Gateway        string     `json:"gateway,omitempty"`
	ReferenceID    string     `json:"referenceId"`
	Status         Status     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	Metadata       Metadata   `json:"metadata,omitempty"`
	ReleaseDate    *time.Time `json:"releaseDate,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy.
func (h *Hold) Clone() *Hold {
	c := *h
	c.Metadata = h.Metadata.Clone()
	if h.ReleaseDate != nil {
		t := *h.ReleaseDate
		c.ReleaseDate = &t
	}
	if h.ResolvedAt != nil {
		t := *h.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// HoldReader is the read side of hold storage.
type HoldReader interface {
	Get(ctx context.Context, id string) (*Hold, error)
	// ListByWallet returns holds where walletID is payer or seller, newest
	// first. An empty status matches every status.
	ListByWallet(ctx context.Context, walletID string, status Status, limit int) ([]*Hold, error)
}

// HoldStore persists holds.
type HoldStore interface {
	HoldReader
	GetForUpdate(ctx context.Context, id string) (*Hold, error)
	Insert(ctx context.Context, h *Hold) error
	Update(ctx context.Context, h *Hold) error
}
