package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"crypsync/internal/domain"
	"crypsync/internal/infra"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	WarningUpstreamUnavailable = "upstream unavailable"
	WarningUpstreamError       = "using cached data due to upstream error"
)

// PriceFeedConfig tunes the cache, breaker and pacing of the price feed.
type PriceFeedConfig struct {
	CacheTTL         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	ResetWindow      time.Duration
	TokensPerWindow  int
	Window           time.Duration
}

func DefaultPriceFeedConfig() PriceFeedConfig {
	return PriceFeedConfig{
		CacheTTL:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		ResetWindow:      60 * time.Second,
		TokensPerWindow:  50,
		Window:           60 * time.Second,
	}
}

func PriceFeedConfigFrom(cfg *infra.Config) PriceFeedConfig {
	return PriceFeedConfig{
		CacheTTL:         cfg.CacheTTL(),
		Timeout:          cfg.Timeout(),
		FailureThreshold: cfg.PriceFeed.FailureThreshold,
		ResetWindow:      cfg.ResetWindow(),
		TokensPerWindow:  cfg.PriceFeed.TokensPerWindow,
		Window:           cfg.PacingWindow(),
	}
}

// PriceService serves USD quotes from a TTL cache in front of an upstream
// provider. It is safe for concurrent use.
type PriceService struct {
	deps
	provider domain.QuoteProvider
	cfg      PriceFeedConfig

	mu          sync.Mutex // guards cache, lastRefresh and breaker
	cache       map[string]domain.PriceQuote
	lastRefresh time.Time
	breaker     *CircuitBreaker

	// refresh gate; concurrent cold callers share one upstream call
	gate chan struct{}
}

func NewPriceService(provider domain.QuoteProvider, cfg PriceFeedConfig, opts ...Option) *PriceService {
	d := newDeps("price_feed", opts)
	if d.pacer == nil {
		d.pacer = NewLocalPacer(cfg.TokensPerWindow, cfg.Window)
	}
	return &PriceService{
		deps:     d,
		provider: provider,
		cfg:      cfg,
		cache:    make(map[string]domain.PriceQuote),
		breaker:  NewCircuitBreaker(cfg.FailureThreshold, cfg.ResetWindow),
		gate:     make(chan struct{}, 1),
	}
}

// GetPrices returns quotes for the given assets, refreshing from upstream
// when the cache is stale or incomplete.
func (s *PriceService) GetPrices(ctx context.Context, assetIDs []string) (*domain.PriceSet, error) {
	ids, err := normalizeIDs(assetIDs)
	if err != nil {
		return nil, err
	}

	if set, ok := s.fromValidCache(ids); ok {
		s.metrics.RecordCacheHit()
		return set, nil
	}
	s.metrics.RecordCacheMiss()

	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, domain.WrapError(domain.KindUpstreamUnavailable, ctx.Err(), "waiting for price refresh")
	}
	defer func() { <-s.gate }()

	// another caller may have refreshed while we waited
	if set, ok := s.fromValidCache(ids); ok {
		return set, nil
	}
	return s.refresh(ctx, ids)
}

// GetPrice returns the quote for a single asset.
func (s *PriceService) GetPrice(ctx context.Context, assetID string) (domain.PriceQuote, error) {
	set, err := s.GetPrices(ctx, []string{assetID})
	if err != nil {
		return domain.PriceQuote{}, err
	}
	id := strings.ToLower(strings.TrimSpace(assetID))
	q, ok := set.Quotes[id]
	if !ok {
		return domain.PriceQuote{}, domain.NewError(domain.KindPriceNotFound, "no price for %s", id)
	}
	return q, nil
}

// CacheAge is the time since the last successful refresh, or zero if none.
func (s *PriceService) CacheAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastRefresh.IsZero() {
		return 0
	}
	return s.now().Sub(s.lastRefresh)
}

// Circuit returns a copy of the breaker state.
func (s *PriceService) Circuit() domain.CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.breaker.State()
}

// Invalidate forces the next lookup to refresh. Cached quotes stay available
// as fallback.
func (s *PriceService) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRefresh = time.Time{}
}

func (s *PriceService) fromValidCache(ids []string) (*domain.PriceSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastRefresh.IsZero() || s.now().Sub(s.lastRefresh) >= s.cfg.CacheTTL {
		return nil, false
	}
	quotes := make(map[string]domain.PriceQuote, len(ids))
	for _, id := range ids {
		q, ok := s.cache[id]
		if !ok {
			return nil, false
		}
		quotes[id] = q
	}
	return &domain.PriceSet{Quotes: quotes, Cached: true}, true
}

func (s *PriceService) refresh(ctx context.Context, ids []string) (*domain.PriceSet, error) {
	s.mu.Lock()
	allowed, halfOpened := s.breaker.Allow(s.now())
	s.mu.Unlock()

	if halfOpened {
		s.logger.Info("Circuit half-open, retrying upstream")
		s.metrics.SetCircuitState(false)
	}
	if !allowed {
		s.metrics.RecordUpstream("rejected")
		return s.fallback(ids, WarningUpstreamUnavailable, nil)
	}

	if err := s.pacer.Wait(ctx); err != nil {
		return nil, domain.WrapError(domain.KindUpstreamUnavailable, err, "waiting for request budget")
	}

	raw, err := s.fetch(ctx, ids)
	if err != nil {
		if ctx.Err() != nil {
			// the caller gave up; not an upstream fault
			return nil, domain.WrapError(domain.KindUpstreamUnavailable, ctx.Err(), "price request canceled")
		}
		s.recordFailure(err)
		return s.fallback(ids, WarningUpstreamError, err)
	}

	return s.merge(ids, raw)
}

func (s *PriceService) fetch(ctx context.Context, ids []string) (map[string]domain.RawQuote, error) {
	ctx, span := tracer.Start(ctx, "PriceService.FetchBatch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("assets.count", len(ids)))

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	raw, err := s.provider.FetchBatch(callCtx, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			s.metrics.RecordUpstream("timeout")
		} else {
			s.metrics.RecordUpstream("error")
		}
		return nil, err
	}
	s.metrics.RecordUpstream("success")
	span.SetAttributes(attribute.Int("quotes.count", len(raw)))
	return raw, nil
}

func (s *PriceService) recordFailure(err error) {
	s.mu.Lock()
	opened := s.breaker.RecordFailure(s.now())
	state := s.breaker.State()
	s.mu.Unlock()

	s.logger.Warn("Price fetch failed",
		slog.Int("consecutive_failures", state.ConsecutiveFailures),
		slog.Bool("retriable", domain.IsRetriable(err)),
		slog.Any("error", err),
	)
	if opened {
		s.logger.Error("Circuit opened",
			slog.Int("failures", state.ConsecutiveFailures),
			slog.Time("reopen_at", *state.ReopenAt),
		)
		s.metrics.SetCircuitState(true)
	}
}

// merge stores a successful upstream response and builds the result.
func (s *PriceService) merge(ids []string, raw map[string]domain.RawQuote) (*domain.PriceSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.breaker.RecordSuccess()
	s.lastRefresh = now

	set := &domain.PriceSet{Quotes: make(map[string]domain.PriceQuote, len(ids))}
	for _, id := range ids {
		if r, ok := raw[id]; ok {
			q := domain.PriceQuote{AssetID: id, Price: r.Price, Change24h: r.Change24h, FetchedAt: now}
			s.cache[id] = q
			set.Quotes[id] = q
			continue
		}
		if q, ok := s.cache[id]; ok {
			set.Quotes[id] = q
			continue
		}
		set.Missing = append(set.Missing, id)
	}

	if len(set.Quotes) == 0 {
		s.metrics.RecordError(string(domain.KindPriceNotFound))
		return nil, domain.NewError(domain.KindPriceNotFound, "no prices for %s", strings.Join(ids, ","))
	}
	if len(set.Missing) > 0 {
		s.logger.Debug("Assets missing from upstream", slog.Any("missing", set.Missing))
	}
	return set, nil
}

// fallback serves whatever the cache holds for ids, regardless of age.
func (s *PriceService) fallback(ids []string, warning string, cause error) (*domain.PriceSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := &domain.PriceSet{
		Quotes:  make(map[string]domain.PriceQuote, len(ids)),
		Cached:  true,
		Warning: warning,
	}
	for _, id := range ids {
		if q, ok := s.cache[id]; ok {
			set.Quotes[id] = q
		} else {
			set.Missing = append(set.Missing, id)
		}
	}
	if len(set.Quotes) == 0 {
		s.metrics.RecordError(string(domain.KindUpstreamUnavailable))
		if cause == nil {
			return nil, domain.NewError(domain.KindUpstreamUnavailable, "%s and no cached prices", warning)
		}
		return nil, domain.WrapError(domain.KindUpstreamUnavailable, cause, "no cached prices")
	}
	return set, nil
}

// normalizeIDs lowercases, trims, dedupes and sorts asset ids.
func normalizeIDs(assetIDs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(assetIDs))
	ids := make([]string, 0, len(assetIDs))
	for _, raw := range assetIDs {
		id := strings.ToLower(strings.TrimSpace(raw))
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, domain.NewError(domain.KindInvalidInput, "no asset ids given")
	}
	sort.Strings(ids)
	return ids, nil
}
