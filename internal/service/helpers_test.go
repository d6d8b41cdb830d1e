package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"crypsync/internal/domain"
	"crypsync/internal/infra/storage"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

// fakeProvider serves fixed quotes and counts upstream calls.
type fakeProvider struct {
	mu     sync.Mutex
	calls  int
	quotes map[string]domain.RawQuote
	err    error
	block  bool // wait for ctx to end
	delay  time.Duration
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{quotes: map[string]domain.RawQuote{
		"bitcoin":  {Price: d("65000"), Change24h: d("2.5")},
		"ethereum": {Price: d("3200.50"), Change24h: d("-1.2")},
		"solana":   {Price: d("150"), Change24h: d("0")},
	}}
}

func (p *fakeProvider) FetchBatch(ctx context.Context, ids []string) (map[string]domain.RawQuote, error) {
	p.mu.Lock()
	p.calls++
	err, block, delay := p.err, p.block, p.delay
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, domain.NewNetworkError("fetch prices", ctx.Err())
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]domain.RawQuote)
	for _, id := range ids {
		if q, ok := p.quotes[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProvider) SetPrice(id, price string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[id] = domain.RawQuote{Price: d(price)}
}

// staticPrices is a PriceSource with fixed prices.
type staticPrices map[string]decimal.Decimal

func (s staticPrices) GetPrices(_ context.Context, ids []string) (*domain.PriceSet, error) {
	set := &domain.PriceSet{Quotes: map[string]domain.PriceQuote{}}
	for _, id := range ids {
		if p, ok := s[id]; ok {
			set.Quotes[id] = domain.PriceQuote{AssetID: id, Price: p, FetchedAt: t0}
		} else {
			set.Missing = append(set.Missing, id)
		}
	}
	return set, nil
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []domain.TriggerEvent
	txs    []domain.Transaction
}

func (r *recordingSink) AlertTriggered(_ context.Context, ev domain.TriggerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, ev)
}

func (r *recordingSink) TransactionCompleted(_ context.Context, tx domain.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, tx)
}

func (r *recordingSink) Alerts() []domain.TriggerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TriggerEvent(nil), r.alerts...)
}

func (r *recordingSink) Txs() []domain.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Transaction(nil), r.txs...)
}

func setupStore(t *testing.T) *storage.SQLStore {
	s, err := storage.NewSQLStore(filepath.Join(t.TempDir(), "service.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testFeedConfig() PriceFeedConfig {
	cfg := DefaultPriceFeedConfig()
	cfg.Timeout = time.Second
	cfg.TokensPerWindow = 1000
	cfg.Window = time.Second
	return cfg
}
