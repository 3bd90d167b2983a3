// Package notify delivers escrow state changes to buyers and sellers after
// the ledger has committed them. Delivery is best effort.
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies a notification.
type Kind string

const (
	KindHoldCreated Kind = "escrow.hold_created"
	KindReleased    Kind = "escrow.released"
	KindRefunded    Kind = "escrow.refunded"
)

// Notification describes one committed escrow change, addressed to both
// the buyer and the seller.
type Notification struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	HoldID         string    `json:"holdId"`
	BuyerID        string    `json:"buyerId"`
	SellerID       string    `json:"sellerId"`
	PayerWalletID  string    `json:"payerWalletId"`
	SellerWalletID string    `json:"sellerWalletId,omitempty"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	DisplayAmount  string    `json:"displayAmount"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Recipients returns the parties the notification is addressed to.
func (n Notification) Recipients() []string {
	if n.BuyerID == n.SellerID {
		return []string{n.BuyerID}
	}
	return []string{n.BuyerID, n.SellerID}
}

// Sink delivers notifications somewhere. Deliver may be retried.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// minorUnitExponents lists ISO 4217 currencies whose minor unit is not 1/100.
var minorUnitExponents = map[string]int32{
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0,
	"XOF": 0, "XPF": 0,
}

// DisplayAmount renders minor units as a decimal string with the
// currency code, e.g. 123456 USD -> "1234.56 USD".
func DisplayAmount(amount int64, currency string) string {
	code := strings.ToUpper(currency)
	exp, ok := minorUnitExponents[code]
	if !ok {
		exp = 2
	}
	return decimal.New(amount, -exp).StringFixed(exp) + " " + code
}
