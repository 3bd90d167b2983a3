// Package reconciliation checks that every wallet's escrow balance equals the
// sum of the active holds it pays into.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowledger/internal/escrow"
	"github.com/mbd888/escrowledger/internal/metrics"
)

// Source reads escrow positions from a consistent snapshot.
type Source interface {
	Positions(ctx context.Context, now time.Time) ([]escrow.Position, error)
}

// Report is the outcome of one reconciliation run.
type Report struct {
	CheckedAt      time.Time         `json:"checkedAt"`
	WalletsChecked int               `json:"walletsChecked"`
	ActiveHolds    int               `json:"activeHolds"`
	OverdueHolds   int               `json:"overdueHolds"`
	Mismatches     []escrow.Position `json:"mismatches"`
}

// Clean reports whether no wallet was out of balance.
func (r *Report) Clean() bool {
	return len(r.Mismatches) == 0
}

// Service runs reconciliation checks.
type Service struct {
	source Source
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a reconciliation service.
func NewService(source Source, logger *slog.Logger) *Service {
	return &Service{source: source, logger: logger, now: time.Now}
}

// Run compares escrow balances against active holds and records the result
// in metrics. Mismatches are logged at Error.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	now := s.now()
	positions, err := s.source.Positions(ctx, now)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read escrow positions: %w", err)
	}

	report := &Report{CheckedAt: now, WalletsChecked: len(positions), Mismatches: []escrow.Position{}}
	for _, p := range positions {
		report.ActiveHolds += p.ActiveHolds
		report.OverdueHolds += p.OverdueHolds
		if !p.Balanced() {
			report.Mismatches = append(report.Mismatches, p)
			s.logger.Error("escrow balance mismatch",
				"wallet_id", p.WalletID,
				"escrow_balance", p.EscrowBalance,
				"held_total", p.HeldTotal,
				"diff", p.EscrowBalance-p.HeldTotal,
			)
		}
	}

	metrics.ReconcileMismatches.Set(float64(len(report.Mismatches)))
	metrics.ReconcileOverdueHolds.Set(float64(report.OverdueHolds))
	if report.Clean() {
		metrics.ReconcileRunsTotal.WithLabelValues("clean").Inc()
	} else {
		metrics.ReconcileRunsTotal.WithLabelValues("mismatch").Inc()
	}
	return report, nil
}
