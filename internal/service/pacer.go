package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Pacer enforces a minimum interval between upstream requests.
// Wait blocks until the caller may send, or ctx is done.
type Pacer interface {
	Wait(ctx context.Context) error
}

// PacingInterval is window/tokens, the minimum gap between two requests.
func PacingInterval(tokens int, window time.Duration) time.Duration {
	if tokens <= 0 {
		return 0
	}
	return window / time.Duration(tokens)
}

// LocalPacer paces requests within one process. Waiters are served in order.
type LocalPacer struct {
	limiter *rate.Limiter
}

func NewLocalPacer(tokens int, window time.Duration) *LocalPacer {
	interval := PacingInterval(tokens, window)
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &LocalPacer{limiter: rate.NewLimiter(limit, 1)}
}

func (p *LocalPacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// RedisPacer shares one pacing budget across processes through a Redis GCRA
// limiter. Callers in this process queue on a local gate first.
type RedisPacer struct {
	limiter *redis_rate.Limiter
	key     string
	limit   redis_rate.Limit
	gate    chan struct{}
}

func NewRedisPacer(rdb *redis.Client, key string, tokens int, window time.Duration) *RedisPacer {
	return &RedisPacer{
		limiter: redis_rate.NewLimiter(rdb),
		key:     key,
		limit:   redis_rate.Limit{Rate: tokens, Burst: 1, Period: window},
		gate:    make(chan struct{}, 1),
	}
}

func (p *RedisPacer) Wait(ctx context.Context) error {
	select {
	case p.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.gate }()

	for {
		res, err := p.limiter.Allow(ctx, p.key, p.limit)
		if err != nil {
			return fmt.Errorf("redis pacer: %w", err)
		}
		if res.Allowed > 0 {
			return nil
		}

		timer := time.NewTimer(res.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
