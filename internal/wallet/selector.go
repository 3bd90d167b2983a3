package wallet

import (
	"context"
	"sort"
	"strings"
)

// Selector picks the wallet that receives released funds for a seller.
type Selector struct {
	wallets Reader
}

// NewSelector creates a selector over the given wallet reader.
func NewSelector(wallets Reader) *Selector {
	return &Selector{wallets: wallets}
}

// SelectSellerWallet returns explicitWalletID unchanged when set. Otherwise it
// chooses among the seller's active wallets, preferring the target currency
// with escrow enabled, then the target currency, then the earliest wallet.
func (s *Selector) SelectSellerWallet(ctx context.Context, sellerID, currency, explicitWalletID string) (string, error) {
	if explicitWalletID != "" {
		return explicitWalletID, nil
	}

	all, err := s.wallets.ListByOwner(ctx, sellerID)
	if err != nil {
		return "", err
	}
	w := Pick(all, currency)
	if w == nil {
		return "", ErrNoEligibleWallet
	}
	return w.ID, nil
}

// Pick applies the selection preference to a set of wallets. It returns nil
// when no wallet is active.
func Pick(wallets []*Wallet, currency string) *Wallet {
	active := make([]*Wallet, 0, len(wallets))
	for _, w := range wallets {
		if w.IsActive() {
			active = append(active, w)
		}
	}
	if len(active) == 0 {
		return nil
	}

	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})

	var sameCurrency *Wallet
	for _, w := range active {
		if !strings.EqualFold(w.Currency, currency) {
			continue
		}
		if w.IsEscrowEnabled {
			return w
		}
		if sameCurrency == nil {
			sameCurrency = w
		}
	}
	if sameCurrency != nil {
		return sameCurrency
	}
	return active[0]
}
