package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"crypsync/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent identifies the client to upstream quote sources
	DefaultUserAgent = "crypsync/1.0 (+https://github.com/crypsync)"

	DefaultConfigPath = "configs/config.yaml"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	PriceFeed struct {
		BaseURL          string `yaml:"base_url"`
		APIKey           string `yaml:"api_key"`
		CacheTTLSec      int    `yaml:"cache_ttl_sec"`
		TimeoutSec       int    `yaml:"timeout_sec"`
		FailureThreshold int    `yaml:"failure_threshold"`
		ResetWindowSec   int    `yaml:"reset_window_sec"`
		TokensPerWindow  int    `yaml:"tokens_per_window"`
		WindowSec        int    `yaml:"window_sec"`
		// SharedPacing paces through Redis so several processes share one budget.
		SharedPacing bool `yaml:"shared_pacing"`
	} `yaml:"price_feed"`

	Storage struct {
		Driver string `yaml:"driver"` // "sqlite" or "redis"
		Path   string `yaml:"path"`
		Redis  struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		SnapshotRetentionDays int `yaml:"snapshot_retention_days"`
	} `yaml:"storage"`

	Notify struct {
		Log   bool `yaml:"log"`
		Redis struct {
			Enabled bool   `yaml:"enabled"`
			Channel string `yaml:"channel"`
		} `yaml:"redis"`
		Kafka struct {
			Enabled bool   `yaml:"enabled"`
			Brokers string `yaml:"brokers"`
			Topic   string `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"notify"`

	Monitor struct {
		Addr        string `yaml:"addr"`
		IntervalSec int    `yaml:"interval_sec"`
	} `yaml:"monitor"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"tracing"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "crypsync"
	cfg.App.Version = "dev"

	cfg.PriceFeed.BaseURL = "https://api.coingecko.com/api/v3"
	cfg.PriceFeed.CacheTTLSec = 60
	cfg.PriceFeed.TimeoutSec = 10
	cfg.PriceFeed.FailureThreshold = 5
	cfg.PriceFeed.ResetWindowSec = 60
	cfg.PriceFeed.TokensPerWindow = 50
	cfg.PriceFeed.WindowSec = 60

	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Redis.Addr = "localhost:6379"
	cfg.Storage.Redis.Prefix = "crypsync:"
	cfg.Storage.SnapshotRetentionDays = 90

	cfg.Notify.Log = true
	cfg.Notify.Redis.Channel = "crypsync:events"
	cfg.Notify.Kafka.Topic = "crypsync-events"

	cfg.Monitor.Addr = ":9090"
	cfg.Monitor.IntervalSec = 60

	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"

	cfg.Tracing.Endpoint = "localhost:4317"
	return &cfg
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
// A missing file yields the defaults unless required is set.
func LoadConfig(path string, required bool) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !required:
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%s: %w", path, domain.ErrConfigNotFound)
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	pf := c.PriceFeed
	if !strings.HasPrefix(pf.BaseURL, "http://") && !strings.HasPrefix(pf.BaseURL, "https://") {
		return &domain.ConfigError{Field: "price_feed.base_url", Err: fmt.Errorf("invalid URL %q", pf.BaseURL)}
	}
	if pf.CacheTTLSec <= 0 {
		return &domain.ConfigError{Field: "price_feed.cache_ttl_sec", Err: errors.New("must be positive")}
	}
	if pf.TimeoutSec <= 0 {
		return &domain.ConfigError{Field: "price_feed.timeout_sec", Err: errors.New("must be positive")}
	}
	if pf.FailureThreshold <= 0 {
		return &domain.ConfigError{Field: "price_feed.failure_threshold", Err: errors.New("must be positive")}
	}
	if pf.ResetWindowSec <= 0 {
		return &domain.ConfigError{Field: "price_feed.reset_window_sec", Err: errors.New("must be positive")}
	}
	if pf.TokensPerWindow <= 0 || pf.WindowSec <= 0 {
		return &domain.ConfigError{Field: "price_feed.tokens_per_window", Err: errors.New("pacing window and tokens must be positive")}
	}

	switch c.Storage.Driver {
	case "sqlite":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return &domain.ConfigError{Field: "storage.redis.addr", Err: errors.New("required for redis driver")}
		}
	default:
		return &domain.ConfigError{Field: "storage.driver", Err: fmt.Errorf("unknown driver %q", c.Storage.Driver)}
	}
	if c.Storage.SnapshotRetentionDays <= 0 {
		return &domain.ConfigError{Field: "storage.snapshot_retention_days", Err: errors.New("must be positive")}
	}

	if c.PriceFeed.SharedPacing && c.Storage.Redis.Addr == "" {
		return &domain.ConfigError{Field: "price_feed.shared_pacing", Err: errors.New("requires storage.redis.addr")}
	}
	if c.Notify.Kafka.Enabled && c.Notify.Kafka.Brokers == "" {
		return &domain.ConfigError{Field: "notify.kafka.brokers", Err: errors.New("required when kafka is enabled")}
	}
	if c.Monitor.IntervalSec <= 0 {
		return &domain.ConfigError{Field: "monitor.interval_sec", Err: errors.New("must be positive")}
	}

	return nil
}

// RedisRequired reports whether any component needs a Redis connection.
func (c *Config) RedisRequired() bool {
	return c.Storage.Driver == "redis" || c.PriceFeed.SharedPacing || c.Notify.Redis.Enabled
}

func (c *Config) CacheTTL() time.Duration    { return seconds(c.PriceFeed.CacheTTLSec) }
func (c *Config) Timeout() time.Duration     { return seconds(c.PriceFeed.TimeoutSec) }
func (c *Config) ResetWindow() time.Duration { return seconds(c.PriceFeed.ResetWindowSec) }
func (c *Config) PacingWindow() time.Duration {
	return seconds(c.PriceFeed.WindowSec)
}
func (c *Config) MonitorInterval() time.Duration { return seconds(c.Monitor.IntervalSec) }
func (c *Config) SnapshotRetention() time.Duration {
	return time.Duration(c.Storage.SnapshotRetentionDays) * 24 * time.Hour
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("CRYPSYNC_COINGECKO_KEY"); key != "" {
		cfg.PriceFeed.APIKey = key
	}
	if pass := os.Getenv("CRYPSYNC_REDIS_PASSWORD"); pass != "" {
		cfg.Storage.Redis.Password = pass
	}
	if dsn := os.Getenv("CRYPSYNC_STORAGE_DSN"); dsn != "" {
		cfg.Storage.Path = dsn
	}
}
