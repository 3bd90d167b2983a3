package escrow

import (
	"context"
	"sort"
	"time"
)

// Position is a wallet's escrow balance next to the active holds it pays
// into. A consistent ledger has EscrowBalance == HeldTotal for every wallet.
type Position struct {
	WalletID      string `json:"walletId"`
	EscrowBalance int64  `json:"escrowBalance"`
	HeldTotal     int64  `json:"heldTotal"`
	ActiveHolds   int    `json:"activeHolds"`
	OverdueHolds  int    `json:"overdueHolds"`
}

// Balanced reports whether the escrow balance matches the held total.
func (p Position) Balanced() bool {
	return p.EscrowBalance == p.HeldTotal
}

// Positions reads every wallet's position under the backend lock, so no
// unit of work is observed half applied.
func (b *MemoryBackend) Positions(ctx context.Context, now time.Time) ([]Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	wallets, err := b.wallets.List(ctx)
	if err != nil {
		return nil, err
	}
	byWallet := make(map[string]*Position, len(wallets))
	out := make([]Position, 0, len(wallets))
	for _, w := range wallets {
		byWallet[w.ID] = &Position{WalletID: w.ID, EscrowBalance: w.EscrowBalance}
	}

	b.holds.mu.RLock()
	for _, h := range b.holds.holds {
		if h.Status != StatusHeld {
			continue
		}
		p, ok := byWallet[h.PayerWalletID]
		if !ok {
			p = &Position{WalletID: h.PayerWalletID}
			byWallet[h.PayerWalletID] = p
		}
		p.HeldTotal += h.Amount
		p.ActiveHolds++
		if h.ReleaseDate != nil && h.ReleaseDate.Before(now) {
			p.OverdueHolds++
		}
	}
	b.holds.mu.RUnlock()

	for _, p := range byWallet {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WalletID < out[j].WalletID })
	return out, nil
}

// Positions aggregates holds per payer wallet in a single statement, which
// reads one snapshot under READ COMMITTED.
func (b *PostgresBackend) Positions(ctx context.Context, now time.Time) ([]Position, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT w.id,
		       w.escrow_balance,
		       COALESCE(SUM(h.amount), 0),
		       COUNT(h.id),
		       COUNT(h.id) FILTER (WHERE h.release_date < $1)
		FROM wallets w
		LEFT JOIN escrow_holds h
		       ON h.payer_wallet_id = w.id AND h.status = 'HELD_IN_ESCROW'
		GROUP BY w.id, w.escrow_balance
		ORDER BY w.id`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.WalletID, &p.EscrowBalance, &p.HeldTotal, &p.ActiveHolds, &p.OverdueHolds); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
