package server

import (
	"context"

	"github.com/mbd888/escrowledger/internal/identity"
	"github.com/mbd888/escrowledger/internal/wallet"
)

// Demo parties and wallets. buyer-1 pays from W1 (escrow required from
// 5000 minor units up); seller-1 receives into S1.
var (
	demoUsers = []*identity.User{
		{ID: "buyer-1", Name: "Demo Buyer", Email: "buyer@example.com", Role: identity.RoleBuyer},
		{ID: "seller-1", Name: "Demo Seller", Email: "seller@example.com", Role: identity.RoleSeller},
	}
	demoWallets = []*wallet.Wallet{
		{ID: "W1", OwnerID: "buyer-1", Currency: "USD", Balance: 10000, EscrowThreshold: 5000},
		{ID: "S1", OwnerID: "seller-1", Currency: "USD", IsEscrowEnabled: true, EscrowThreshold: 5000},
		{ID: "S2", OwnerID: "seller-1", Currency: "EUR"},
	}
)

func seedDemo(ctx context.Context, users identity.Store, wallets wallet.Store) error {
	for _, u := range demoUsers {
		cp := *u
		if err := users.Create(ctx, &cp); err != nil {
			return err
		}
	}
	for _, w := range demoWallets {
		if err := wallets.Create(ctx, w.Clone()); err != nil {
			return err
		}
	}
	return nil
}
