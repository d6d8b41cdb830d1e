package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"crypsync/internal/domain"

	"github.com/redis/go-redis/v9"
)

const publishTimeout = 2 * time.Second

// RedisSink publishes event envelopes to a Redis channel.
type RedisSink struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisSink(rdb *redis.Client, channel string, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{rdb: rdb, channel: channel, logger: logger.With(slog.String("component", "redis_sink"))}
}

func (s *RedisSink) AlertTriggered(ctx context.Context, ev domain.TriggerEvent) {
	s.publish(ctx, AlertEnvelope(ev))
}

func (s *RedisSink) TransactionCompleted(ctx context.Context, tx domain.Transaction) {
	s.publish(ctx, TradeEnvelope(tx))
}

func (s *RedisSink) publish(ctx context.Context, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn("Failed to encode event", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.rdb.Publish(ctx, s.channel, data).Err(); err != nil {
		s.logger.Warn("Failed to publish event",
			slog.String("channel", s.channel),
			slog.String("type", env.Type),
			slog.Any("error", err),
		)
	}
}
