package notify

import (
	"context"
	"log/slog"

	"crypsync/internal/domain"
)

// LogSink writes every event as a structured log record.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With(slog.String("component", "notify"))}
}

func (s *LogSink) AlertTriggered(ctx context.Context, ev domain.TriggerEvent) {
	s.logger.InfoContext(ctx, "Alert triggered",
		slog.String("kind", string(ev.Kind)),
		slog.String("user_id", ev.UserID),
		slog.String("alert_id", ev.AlertID),
		slog.String("asset_id", ev.AssetID),
		slog.String("rule", string(ev.Rule)),
		slog.String("threshold", ev.Threshold.String()),
		slog.String("observed", ev.Observed.String()),
	)
}

func (s *LogSink) TransactionCompleted(ctx context.Context, tx domain.Transaction) {
	s.logger.InfoContext(ctx, "Transaction completed",
		slog.String("tx_id", tx.ID),
		slog.String("user_id", tx.UserID),
		slog.String("asset_id", tx.AssetID),
		slog.String("side", string(tx.Side)),
		slog.String("amount", tx.Amount.String()),
		slog.String("price", tx.UnitPrice.String()),
		slog.String("total", tx.Total.String()),
	)
}

// Multi fans every event out to all sinks in order.
type Multi []domain.NotificationSink

func (m Multi) AlertTriggered(ctx context.Context, ev domain.TriggerEvent) {
	for _, s := range m {
		s.AlertTriggered(ctx, ev)
	}
}

func (m Multi) TransactionCompleted(ctx context.Context, tx domain.Transaction) {
	for _, s := range m {
		s.TransactionCompleted(ctx, tx)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) AlertTriggered(context.Context, domain.TriggerEvent)    {}
func (Discard) TransactionCompleted(context.Context, domain.Transaction) {}
