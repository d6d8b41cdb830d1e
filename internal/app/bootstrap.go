package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"crypsync/internal/domain"
	"crypsync/internal/infra"
	"crypsync/internal/infra/coingecko"
	"crypsync/internal/infra/notify"
	"crypsync/internal/infra/storage"
	"crypsync/internal/service"

	"github.com/redis/go-redis/v9"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath     string
	ConfigRequired bool

	Config  *infra.Config
	Logger  *slog.Logger
	Metrics *infra.Metrics
	Store   domain.Store
	Redis   *redis.Client
	Hub     *notify.Hub
	Sink    domain.NotificationSink

	Prices    *service.PriceService
	Portfolio *service.PortfolioService
	Alerts    *service.AlertService

	closers []func(context.Context) error
}

// NewBootstrap creates a new Bootstrap instance. An empty path means the
// default config location, which may be absent.
func NewBootstrap(configPath string) *Bootstrap {
	b := &Bootstrap{ConfigPath: configPath, ConfigRequired: configPath != ""}
	if b.ConfigPath == "" {
		b.ConfigPath = infra.DefaultConfigPath
	}
	return b
}

// Initialize loads config and wires storage, sinks and services.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath, b.ConfigRequired)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	slog.Debug("🚀 Bootstrapping CrypSync...", slog.String("config", b.ConfigPath))

	b.Metrics = infra.NewMetrics()

	// 3. Tracing
	if cfg.Tracing.Enabled {
		shutdown, err := infra.InitTracer(ctx, cfg)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, shutdown)
	}

	// 4. Redis (storage, shared pacing or pub/sub)
	if cfg.RedisRequired() {
		rdb, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			return err
		}
		b.Redis = rdb
		b.closers = append(b.closers, func(context.Context) error { return rdb.Close() })
	}

	// 5. Storage
	if err := b.initStore(); err != nil {
		return err
	}

	// 6. Notification sinks
	if err := b.initSinks(); err != nil {
		return err
	}

	// 7. Services
	opts := []service.Option{
		service.WithLogger(b.Logger),
		service.WithMetrics(b.Metrics),
		service.WithSink(b.Sink),
	}
	feedOpts := opts
	if cfg.PriceFeed.SharedPacing {
		pacer := service.NewRedisPacer(b.Redis, cfg.Storage.Redis.Prefix+"pacing:coingecko",
			cfg.PriceFeed.TokensPerWindow, cfg.PacingWindow())
		feedOpts = append(append([]service.Option{}, opts...), service.WithPacer(pacer))
	}

	client := coingecko.NewClient(cfg.PriceFeed.BaseURL, cfg.PriceFeed.APIKey, cfg.Timeout())
	b.Prices = service.NewPriceService(client, service.PriceFeedConfigFrom(cfg), feedOpts...)
	b.Portfolio = service.NewPortfolioService(b.Store, b.Prices, cfg.SnapshotRetention(), opts...)
	b.Alerts = service.NewAlertService(b.Store, b.Prices, b.Portfolio, opts...)

	slog.Debug("✅ Services ready",
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("shared_pacing", cfg.PriceFeed.SharedPacing),
	)
	return nil
}

func (b *Bootstrap) initStore() error {
	switch b.Config.Storage.Driver {
	case "redis":
		b.Store = storage.NewRedisStore(b.Redis, b.Config.Storage.Redis.Prefix)
	default:
		store, err := storage.NewSQLStore(b.Config.Storage.Path)
		if err != nil {
			return err
		}
		b.Store = store
	}
	b.closers = append(b.closers, func(context.Context) error { return b.Store.Close() })
	return nil
}

func (b *Bootstrap) initSinks() error {
	cfg := b.Config
	var sinks notify.Multi

	if cfg.Notify.Log {
		sinks = append(sinks, notify.NewLogSink(b.Logger))
	}

	b.Hub = notify.NewHub(b.Metrics, b.Logger)
	sinks = append(sinks, b.Hub)
	b.closers = append(b.closers, func(context.Context) error {
		b.Hub.Close()
		return nil
	})

	if cfg.Notify.Redis.Enabled {
		sinks = append(sinks, notify.NewRedisSink(b.Redis, cfg.Notify.Redis.Channel, b.Logger))
	}

	if cfg.Notify.Kafka.Enabled {
		k, err := notify.NewKafkaSink(cfg.Notify.Kafka.Brokers, cfg.Notify.Kafka.Topic, b.Logger)
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, k)
		b.closers = append(b.closers, func(context.Context) error {
			k.Close()
			return nil
		})
	}

	b.Sink = sinks
	return nil
}

// Close releases resources in reverse order of acquisition.
func (b *Bootstrap) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
