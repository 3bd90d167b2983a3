// Package wallet stores party wallets: spendable balance, escrow reservation
// and the flags that drive escrow decisions.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrWalletNotFound    = errors.New("wallet: not found")
	ErrNoEligibleWallet  = errors.New("wallet: no eligible wallet")
	ErrInsufficientFunds = errors.New("wallet: available balance would go negative")
	ErrNegativeEscrow    = errors.New("wallet: escrow balance would go negative")
	ErrDuplicateWallet   = errors.New("wallet: already exists")
)

// Status of a wallet. Wallets are deactivated, never deleted.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Wallet is owned by exactly one party. Amounts are integer minor units.
type Wallet struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"ownerId"`
	Currency        string    `json:"currency"`
	Balance         int64     `json:"balance"`
	EscrowBalance   int64     `json:"escrowBalance"`
	IsEscrowEnabled bool      `json:"isEscrowEnabled"`
	EscrowThreshold int64     `json:"escrowThreshold"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Available is the amount the owner may spend or place into a new hold.
func (w *Wallet) Available() int64 {
	return w.Balance - w.EscrowBalance
}

// IsActive reports whether the wallet may take part in new holds.
func (w *Wallet) IsActive() bool {
	return w.Status == StatusActive
}

// ApplyDelta adjusts balance and escrow balance together, refusing any result
// where escrow goes negative or available goes negative.
func (w *Wallet) ApplyDelta(balanceDelta, escrowDelta int64) error {
	nb := w.Balance + balanceDelta
	ne := w.EscrowBalance + escrowDelta
	if ne < 0 {
		return fmt.Errorf("%w: wallet %s", ErrNegativeEscrow, w.ID)
	}
	if nb-ne < 0 {
		return fmt.Errorf("%w: wallet %s", ErrInsufficientFunds, w.ID)
	}
	w.Balance = nb
	w.EscrowBalance = ne
	return nil
}

// Clone returns an independent copy.
func (w *Wallet) Clone() *Wallet {
	c := *w
	return &c
}

// Reader is the read side of the wallet store.
type Reader interface {
	Get(ctx context.Context, id string) (*Wallet, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Wallet, error)
}

// Store persists wallets.
type Store interface {
	Reader
	Create(ctx context.Context, w *Wallet) error
	// GetForUpdate reads a wallet and holds a row lock until the
	// surrounding transaction ends. Stores without transactions behave like Get.
	GetForUpdate(ctx context.Context, id string) (*Wallet, error)
	AdjustBalance(ctx context.Context, id string, delta int64) error
	AdjustEscrowBalance(ctx context.Context, id string, delta int64) error
	SetEscrowEnabled(ctx context.Context, id string, enabled bool) (*Wallet, error)
}
