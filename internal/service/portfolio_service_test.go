package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crypsync/internal/domain"
)

func newTestLedger(t *testing.T, prices domain.PriceSource, opts ...Option) (*PortfolioService, domain.Store, *fakeClock) {
	t.Helper()
	store := setupStore(t)
	clock := newFakeClock()
	seq := 0
	var mu sync.Mutex
	opts = append([]Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%03d", seq)
		}),
	}, opts...)
	return NewPortfolioService(store, prices, 90*24*time.Hour, opts...), store, clock
}

func TestPortfolioService_BuyWeightedAverage(t *testing.T) {
	sink := &recordingSink{}
	svc, store, clock := newTestLedger(t, nil, WithSink(sink))
	ctx := context.Background()

	if _, err := svc.Buy(ctx, "u1", "bitcoin", d("1"), d("100")); err != nil {
		t.Fatalf("first buy failed: %v", err)
	}
	clock.Advance(time.Hour)
	res, err := svc.Buy(ctx, "u1", "Bitcoin", d("1"), d("200"))
	if err != nil {
		t.Fatalf("second buy failed: %v", err)
	}

	if !res.NewBalance.Equal(d("2")) || !res.AvgCost.Equal(d("150")) {
		t.Errorf("balance=%v avg=%v, want 2 and 150", res.NewBalance, res.AvgCost)
	}
	if res.Transaction.Side != domain.SideBuy || !res.Transaction.Total.Equal(d("200")) {
		t.Errorf("unexpected transaction %+v", res.Transaction)
	}

	h, err := store.GetHolding(ctx, "u1", "bitcoin")
	if err != nil || h == nil {
		t.Fatalf("GetHolding: %v, %v", h, err)
	}
	if !h.TotalInvested.Equal(d("300")) {
		t.Errorf("TotalInvested = %v, want 300", h.TotalInvested)
	}
	if h.FirstPurchaseAt == nil || !h.FirstPurchaseAt.Equal(t0) {
		t.Errorf("FirstPurchaseAt = %v, want %v", h.FirstPurchaseAt, t0)
	}

	if got := len(sink.Txs()); got != 2 {
		t.Errorf("sink got %d transactions, want 2", got)
	}
}

func TestPortfolioService_Sell(t *testing.T) {
	svc, store, _ := newTestLedger(t, nil)
	ctx := context.Background()

	svc.Buy(ctx, "u1", "ethereum", d("2"), d("1000"))

	t.Run("Partial", func(t *testing.T) {
		res, err := svc.Sell(ctx, "u1", "ethereum", d("0.5"), d("1500"))
		if err != nil {
			t.Fatalf("Sell failed: %v", err)
		}
		if !res.NewBalance.Equal(d("1.5")) || !res.AvgCost.Equal(d("1000")) {
			t.Errorf("balance=%v avg=%v", res.NewBalance, res.AvgCost)
		}
		if !res.RealizedPnL.Equal(d("250")) {
			t.Errorf("RealizedPnL = %v, want 250", res.RealizedPnL)
		}
		h, _ := store.GetHolding(ctx, "u1", "ethereum")
		if !h.TotalInvested.Equal(d("2000")) {
			t.Errorf("sell must not change TotalInvested, got %v", h.TotalInvested)
		}
	})

	t.Run("Insufficient", func(t *testing.T) {
		_, err := svc.Sell(ctx, "u1", "ethereum", d("5"), d("1500"))
		if !errors.Is(err, domain.ErrInsufficientBalance) {
			t.Errorf("expected INSUFFICIENT_BALANCE, got %v", err)
		}
		if domain.KindOf(err) != domain.KindInsufficientBalance {
			t.Errorf("precondition kind must not be wrapped, got %s", domain.KindOf(err))
		}
		h, _ := store.GetHolding(ctx, "u1", "ethereum")
		if h == nil || !h.Amount.Equal(d("1.5")) {
			t.Errorf("rejected sell changed the holding: %+v", h)
		}
		if txs, _ := store.ListTransactions(ctx, "u1", 0); len(txs) != 2 {
			t.Errorf("rejected sell recorded a transaction: %d", len(txs))
		}
	})

	t.Run("NoHolding", func(t *testing.T) {
		_, err := svc.Sell(ctx, "u1", "dogecoin", d("1"), d("1"))
		if !errors.Is(err, domain.ErrNoHolding) {
			t.Errorf("expected NO_HOLDING, got %v", err)
		}
	})

	t.Run("ExactZeroDeletes", func(t *testing.T) {
		res, err := svc.Sell(ctx, "u1", "ethereum", d("1.5"), d("800"))
		if err != nil {
			t.Fatalf("Sell failed: %v", err)
		}
		if !res.NewBalance.IsZero() || !res.RealizedPnL.Equal(d("-300")) {
			t.Errorf("balance=%v pnl=%v", res.NewBalance, res.RealizedPnL)
		}
		h, err := store.GetHolding(ctx, "u1", "ethereum")
		if err != nil || h != nil {
			t.Errorf("holding should be deleted, got %+v, %v", h, err)
		}

		if _, err := svc.Sell(ctx, "u1", "ethereum", d("0.1"), d("800")); !errors.Is(err, domain.ErrNoHolding) {
			t.Errorf("selling a closed position: expected NO_HOLDING, got %v", err)
		}
	})
}

func TestPortfolioService_InvalidInput(t *testing.T) {
	svc, _, _ := newTestLedger(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		user   string
		asset  string
		amount string
		price  string
	}{
		{"ZeroAmount", "u1", "bitcoin", "0", "100"},
		{"NegativeAmount", "u1", "bitcoin", "-1", "100"},
		{"NegativePrice", "u1", "bitcoin", "1", "-0.01"},
		{"EmptyAsset", "u1", " ", "1", "100"},
		{"EmptyUser", "", "bitcoin", "1", "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Buy(ctx, tt.user, tt.asset, d(tt.amount), d(tt.price))
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
		})
	}

	if _, err := svc.Buy(ctx, "u1", "airdrop", d("10"), d("0")); err != nil {
		t.Errorf("zero price should be accepted: %v", err)
	}
}

func TestPortfolioService_TransactionsAndSnapshots(t *testing.T) {
	svc, store, clock := newTestLedger(t, nil)
	ctx := context.Background()

	svc.Buy(ctx, "u1", "bitcoin", d("1"), d("100"))
	clock.Advance(time.Minute)
	svc.Buy(ctx, "u1", "ethereum", d("2"), d("10"))
	clock.Advance(time.Minute)
	svc.Sell(ctx, "u1", "bitcoin", d("0.5"), d("120"))

	txs, err := svc.Transactions(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("Transactions failed: %v", err)
	}
	if len(txs) != 3 || txs[0].Side != domain.SideSell || txs[2].AssetID != "bitcoin" {
		t.Errorf("expected newest first, got %+v", txs)
	}
	if limited, _ := svc.Transactions(ctx, "u1", 1); len(limited) != 1 {
		t.Errorf("limit not applied: %d", len(limited))
	}

	points, err := svc.PerformanceHistory(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("PerformanceHistory failed: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected one snapshot per trade, got %d", len(points))
	}
	wantValues := []string{"100", "120", "70"}
	wantCounts := []int{1, 2, 2}
	for i, p := range points {
		if !p.TotalValue.Equal(d(wantValues[i])) || p.HoldingsCount != wantCounts[i] {
			t.Errorf("point %d = %v/%d, want %s/%d", i, p.TotalValue, p.HoldingsCount, wantValues[i], wantCounts[i])
		}
	}

	snaps, _ := store.ListSnapshots(ctx, "u1", time.Time{})
	if got := snaps[2].Holdings["bitcoin"].Amount; !got.Equal(d("0.5")) {
		t.Errorf("last snapshot bitcoin amount = %v", got)
	}
}

func TestPortfolioService_PerformanceHistoryWindow(t *testing.T) {
	svc, _, clock := newTestLedger(t, nil)
	ctx := context.Background()

	svc.Buy(ctx, "u1", "bitcoin", d("1"), d("100"))
	clock.Advance(10 * 24 * time.Hour)
	svc.Buy(ctx, "u1", "bitcoin", d("1"), d("300"))
	clock.Advance(24 * time.Hour)

	recent, err := svc.PerformanceHistory(ctx, "u1", 5)
	if err != nil {
		t.Fatalf("PerformanceHistory failed: %v", err)
	}
	if len(recent) != 1 || !recent[0].TotalValue.Equal(d("400")) {
		t.Errorf("5-day window = %+v, want only the 400 point", recent)
	}

	all, _ := svc.PerformanceHistory(ctx, "u1", 30)
	if len(all) != 2 || !all[0].Timestamp.Equal(t0) {
		t.Errorf("30-day window = %+v, want both points oldest first", all)
	}
}

func TestPortfolioService_SnapshotRetention(t *testing.T) {
	svc, store, clock := newTestLedger(t, nil)
	ctx := context.Background()

	svc.Buy(ctx, "u1", "bitcoin", d("1"), d("100"))
	clock.Advance(91 * 24 * time.Hour)
	svc.Buy(ctx, "u1", "bitcoin", d("1"), d("100"))

	snaps, err := store.ListSnapshots(ctx, "u1", time.Time{})
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Errorf("expected old snapshot pruned on write, got %d", len(snaps))
	}

	clock.Advance(91 * 24 * time.Hour)
	removed, err := svc.PruneSnapshots(ctx, "u1")
	if err != nil || removed != 1 {
		t.Errorf("PruneSnapshots = %d, %v; want 1", removed, err)
	}
}

func TestPortfolioService_Value(t *testing.T) {
	svc, _, _ := newTestLedger(t, staticPrices{"bitcoin": d("150"), "ethereum": d("5")})
	ctx := context.Background()

	svc.Buy(ctx, "u1", "bitcoin", d("2"), d("100"))
	svc.Buy(ctx, "u1", "ethereum", d("10"), d("10"))
	svc.Buy(ctx, "u1", "delisted", d("3"), d("1"))

	v, err := svc.ValueLive(ctx, "u1")
	if err != nil {
		t.Fatalf("ValueLive failed: %v", err)
	}

	// 300 + 50 + 0 against 200 + 100 + 3 invested
	if !v.TotalValue.Equal(d("350")) || !v.TotalInvested.Equal(d("303")) || !v.ProfitLoss.Equal(d("47")) {
		t.Errorf("totals = %v / %v / %v", v.TotalValue, v.TotalInvested, v.ProfitLoss)
	}

	byAsset := map[string]HoldingValue{}
	for _, h := range v.Holdings {
		byAsset[h.AssetID] = h
	}
	if btc := byAsset["bitcoin"]; !btc.ProfitLoss.Equal(d("100")) || !btc.ProfitLossPct.Equal(d("50")) {
		t.Errorf("bitcoin pl = %v (%v%%)", btc.ProfitLoss, btc.ProfitLossPct)
	}
	if eth := byAsset["ethereum"]; !eth.ProfitLossPct.Equal(d("-50")) {
		t.Errorf("ethereum pct = %v", eth.ProfitLossPct)
	}
	if gone := byAsset["delisted"]; !gone.CurrentValue.IsZero() || !gone.CurrentPrice.IsZero() {
		t.Errorf("missing price should value at zero, got %+v", gone)
	}

	empty, err := svc.Value(ctx, "nobody", nil)
	if err != nil || !empty.TotalValue.IsZero() || !empty.ProfitLossPct.IsZero() {
		t.Errorf("empty portfolio = %+v, %v", empty, err)
	}
}

func TestPortfolioService_ValueLiveUnpricedOnly(t *testing.T) {
	prices := NewPriceService(newFakeProvider(), testFeedConfig())
	svc, _, _ := newTestLedger(t, prices)
	ctx := context.Background()

	svc.Buy(ctx, "u1", "delisted", d("4"), d("25"))

	v, err := svc.ValueLive(ctx, "u1")
	if err != nil {
		t.Fatalf("ValueLive failed: %v", err)
	}
	if !v.TotalValue.IsZero() || !v.ProfitLoss.Equal(d("-100")) || len(v.Holdings) != 1 {
		t.Errorf("valuation = %+v, want value 0 and pl -100", v)
	}
}

func TestPortfolioService_ValueLiveUpstreamDown(t *testing.T) {
	provider := newFakeProvider()
	provider.SetErr(domain.NewNetworkError("fetch prices", errors.New("connection refused")))
	prices := NewPriceService(provider, testFeedConfig())
	svc, _, _ := newTestLedger(t, prices)
	ctx := context.Background()

	svc.Buy(ctx, "u1", "bitcoin", d("1"), d("100"))

	if _, err := svc.ValueLive(ctx, "u1"); domain.KindOf(err) != domain.KindUpstreamUnavailable {
		t.Errorf("expected UPSTREAM_UNAVAILABLE, got %v", err)
	}
}

// slowSink blocks in TransactionCompleted.
type slowSink struct {
	recordingSink
	delay time.Duration
}

func (s *slowSink) TransactionCompleted(ctx context.Context, tx domain.Transaction) {
	time.Sleep(s.delay)
	s.recordingSink.TransactionCompleted(ctx, tx)
}

func TestPortfolioService_SinkOutsideUserLock(t *testing.T) {
	sink := &slowSink{delay: 300 * time.Millisecond}
	svc, _, _ := newTestLedger(t, nil, WithSink(sink))
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Buy(ctx, "u1", "bitcoin", d("1"), d("10")); err != nil {
				t.Errorf("Buy failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed > 750*time.Millisecond {
		t.Errorf("3 buys took %v; notifications are serialized behind the ledger lock", elapsed)
	}
	if got := len(sink.Txs()); got != 3 {
		t.Errorf("sink got %d transactions, want 3", got)
	}
}

func TestPortfolioService_ConcurrentBuys(t *testing.T) {
	svc, store, _ := newTestLedger(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Buy(ctx, "u1", "solana", d("1"), d("10")); err != nil {
				t.Errorf("Buy failed: %v", err)
			}
		}()
	}
	wg.Wait()

	h, _ := store.GetHolding(ctx, "u1", "solana")
	if h == nil || !h.Amount.Equal(d("10")) || !h.TotalInvested.Equal(d("100")) {
		t.Errorf("lost update: %+v", h)
	}
	txs, _ := store.ListTransactions(ctx, "u1", 0)
	if len(txs) != 10 {
		t.Errorf("expected 10 transactions, got %d", len(txs))
	}
}

type failingStore struct {
	domain.LedgerStore
}

func (failingStore) Update(context.Context, string, func(domain.StoreTx) error) error {
	return errors.New("disk full")
}

func TestPortfolioService_PersistenceFailure(t *testing.T) {
	svc := NewPortfolioService(failingStore{}, nil, 0)
	ctx := context.Background()

	_, err := svc.Buy(ctx, "u1", "bitcoin", d("1"), d("1"))
	if domain.KindOf(err) != domain.KindBuyFailed {
		t.Errorf("expected BUY_FAILED, got %v", err)
	}
	_, err = svc.Sell(ctx, "u1", "bitcoin", d("1"), d("1"))
	if domain.KindOf(err) != domain.KindSellFailed {
		t.Errorf("expected SELL_FAILED, got %v", err)
	}
}
