package notify

import (
	"context"
	"log/slog"
)

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, n Notification) error {
	s.logger.InfoContext(ctx, "escrow notification",
		"notification_id", n.ID,
		"kind", string(n.Kind),
		"hold_id", n.HoldID,
		"buyer_id", n.BuyerID,
		"seller_id", n.SellerID,
		"amount", n.DisplayAmount,
		"reason", n.Reason,
	)
	return nil
}
