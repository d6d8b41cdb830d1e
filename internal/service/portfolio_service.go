package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"crypsync/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultHistoryDays       = 30
	DefaultTransactionsLimit = 50
)

var hundred = decimal.NewFromInt(100)

// TradeResult is the outcome of a committed buy or sell.
type TradeResult struct {
	Transaction domain.Transaction `json:"transaction"`
	NewBalance  decimal.Decimal    `json:"new_balance"`
	AvgCost     decimal.Decimal    `json:"avg_cost"`
	RealizedPnL decimal.Decimal    `json:"realized_pnl"` // sells only
}

// HoldingValue is one position valued at current prices.
type HoldingValue struct {
	AssetID         string          `json:"asset_id"`
	Amount          decimal.Decimal `json:"amount"`
	AvgCost         decimal.Decimal `json:"avg_cost"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	CurrentValue    decimal.Decimal `json:"current_value"`
	TotalInvested   decimal.Decimal `json:"total_invested"`
	ProfitLoss      decimal.Decimal `json:"profit_loss"`
	ProfitLossPct   decimal.Decimal `json:"profit_loss_pct"`
	FirstPurchaseAt *time.Time      `json:"first_purchase_at,omitempty"`
}

// Valuation is a user's portfolio valued at current prices.
type Valuation struct {
	UserID        string          `json:"user_id"`
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	ProfitLoss    decimal.Decimal `json:"profit_loss"`
	ProfitLossPct decimal.Decimal `json:"profit_loss_pct"`
	Holdings      []HoldingValue  `json:"holdings"`
	Cached        bool            `json:"cached,omitempty"`
	Warning       string          `json:"warning,omitempty"`
}

// PortfolioService maintains holdings with weighted average cost, records
// trades and snapshots, and values portfolios.
type PortfolioService struct {
	deps
	store     domain.LedgerStore
	prices    domain.PriceSource
	retention time.Duration
	locks     *keyedMutex
}

// NewPortfolioService creates the ledger. retention <= 0 keeps every snapshot.
func NewPortfolioService(store domain.LedgerStore, prices domain.PriceSource, retention time.Duration, opts ...Option) *PortfolioService {
	return &PortfolioService{
		deps:      newDeps("ledger", opts),
		store:     store,
		prices:    prices,
		retention: retention,
		locks:     newKeyedMutex(),
	}
}

// Buy adds amount of asset at unitPrice to the user's holding.
func (s *PortfolioService) Buy(ctx context.Context, userID, assetID string, amount, unitPrice decimal.Decimal) (*TradeResult, error) {
	return s.trade(ctx, domain.SideBuy, userID, assetID, amount, unitPrice)
}

// Sell removes amount of asset from the user's holding at unitPrice.
func (s *PortfolioService) Sell(ctx context.Context, userID, assetID string, amount, unitPrice decimal.Decimal) (*TradeResult, error) {
	return s.trade(ctx, domain.SideSell, userID, assetID, amount, unitPrice)
}

func (s *PortfolioService) trade(ctx context.Context, side domain.Side, userID, assetID string, amount, unitPrice decimal.Decimal) (*TradeResult, error) {
	failKind := domain.KindBuyFailed
	if side == domain.SideSell {
		failKind = domain.KindSellFailed
	}

	userID, assetID, err := validateTrade(userID, assetID, amount, unitPrice)
	if err != nil {
		s.metrics.RecordError(string(domain.KindInvalidInput))
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "PortfolioService."+string(side))
	defer span.End()
	span.SetAttributes(attribute.String("asset.id", assetID))

	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(failKind, err, "waiting for ledger")
	}

	now := s.now()
	var result TradeResult
	err = s.store.Update(ctx, userID, func(tx domain.StoreTx) error {
		var err error
		if side == domain.SideBuy {
			result, err = s.applyBuy(ctx, tx, userID, assetID, amount, unitPrice, now)
		} else {
			result, err = s.applySell(ctx, tx, userID, assetID, amount, unitPrice, now)
		}
		if err != nil {
			return err
		}
		return s.snapshot(ctx, tx, userID, now)
	})
	unlock()
	if err != nil {
		kind := domain.KindOf(err)
		if !kind.IsPrecondition() {
			s.logger.Error("Trade failed",
				slog.String("side", string(side)),
				slog.String("user_id", userID),
				slog.String("asset_id", assetID),
				slog.Any("error", err),
			)
			err = domain.WrapError(failKind, err, "%s %s %s", strings.ToLower(string(side)), amount, assetID)
			kind = failKind
		}
		s.metrics.RecordError(string(kind))
		return nil, err
	}

	s.metrics.RecordTrade(string(side))
	s.logger.Info("Trade completed",
		slog.String("side", string(side)),
		slog.String("user_id", userID),
		slog.String("asset_id", assetID),
		slog.String("amount", amount.String()),
		slog.String("price", unitPrice.String()),
		slog.String("tx_id", result.Transaction.ID),
	)
	s.sink.TransactionCompleted(ctx, result.Transaction)
	return &result, nil
}

func (s *PortfolioService) applyBuy(ctx context.Context, tx domain.StoreTx, userID, assetID string, amount, unitPrice decimal.Decimal, now time.Time) (TradeResult, error) {
	h, err := tx.GetHolding(ctx, userID, assetID)
	if err != nil {
		return TradeResult{}, err
	}
	if h == nil {
		h = domain.NewHolding(userID, assetID)
	}
	h.ApplyBuy(amount, unitPrice, now)
	if err := h.VerifyInvariant(); err != nil {
		return TradeResult{}, err
	}

	txn := domain.NewTransaction(s.newID(), userID, assetID, domain.SideBuy, amount, unitPrice, now)
	if err := tx.AppendTransaction(ctx, &txn); err != nil {
		return TradeResult{}, err
	}
	if err := tx.PutHolding(ctx, h); err != nil {
		return TradeResult{}, err
	}
	return TradeResult{
		Transaction: txn,
		NewBalance:  h.Amount,
		AvgCost:     h.AvgCost,
		RealizedPnL: decimal.Zero,
	}, nil
}

func (s *PortfolioService) applySell(ctx context.Context, tx domain.StoreTx, userID, assetID string, amount, unitPrice decimal.Decimal, now time.Time) (TradeResult, error) {
	h, err := tx.GetHolding(ctx, userID, assetID)
	if err != nil {
		return TradeResult{}, err
	}
	if h == nil {
		return TradeResult{}, domain.NewError(domain.KindNoHolding, "no %s holding", assetID)
	}
	if err := h.ApplySell(amount, now); err != nil {
		return TradeResult{}, err
	}

	txn := domain.NewTransaction(s.newID(), userID, assetID, domain.SideSell, amount, unitPrice, now)
	if err := tx.AppendTransaction(ctx, &txn); err != nil {
		return TradeResult{}, err
	}
	if h.IsEmpty() {
		err = tx.DeleteHolding(ctx, userID, assetID)
	} else {
		err = tx.PutHolding(ctx, h)
	}
	if err != nil {
		return TradeResult{}, err
	}
	return TradeResult{
		Transaction: txn,
		NewBalance:  h.Amount,
		AvgCost:     h.AvgCost,
		RealizedPnL: amount.Mul(unitPrice.Sub(h.AvgCost)),
	}, nil
}

// snapshot records the post-trade holdings and applies retention.
func (s *PortfolioService) snapshot(ctx context.Context, tx domain.StoreTx, userID string, now time.Time) error {
	holdings, err := tx.ListHoldings(ctx, userID)
	if err != nil {
		return domain.WrapError(domain.KindSnapshotFailed, err, "list holdings")
	}
	snap := domain.NewSnapshot(s.newID(), userID, now, holdings)
	if err := tx.AppendSnapshot(ctx, &snap); err != nil {
		return domain.WrapError(domain.KindSnapshotFailed, err, "append snapshot")
	}
	if s.retention <= 0 {
		return nil
	}
	if _, err := tx.PruneSnapshots(ctx, userID, now.Add(-s.retention)); err != nil {
		return domain.WrapError(domain.KindSnapshotFailed, err, "prune snapshots")
	}
	return nil
}

// PruneSnapshots removes the user's snapshots older than the retention window.
func (s *PortfolioService) PruneSnapshots(ctx context.Context, userID string) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return 0, domain.WrapError(domain.KindSnapshotFailed, err, "waiting for ledger")
	}
	defer unlock()

	var removed int64
	cutoff := s.now().Add(-s.retention)
	err = s.store.Update(ctx, userID, func(tx domain.StoreTx) error {
		n, err := tx.PruneSnapshots(ctx, userID, cutoff)
		removed = n
		return err
	})
	if err != nil {
		return 0, domain.WrapError(domain.KindSnapshotFailed, err, "prune snapshots")
	}
	if removed > 0 {
		s.logger.Debug("Pruned snapshots", slog.String("user_id", userID), slog.Int64("removed", removed))
	}
	return removed, nil
}

// Value values the user's holdings at prices. Assets without a price are
// valued at zero.
func (s *PortfolioService) Value(ctx context.Context, userID string, prices map[string]decimal.Decimal) (*Valuation, error) {
	holdings, err := s.store.ListHoldings(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "list holdings")
	}

	v := &Valuation{
		UserID:        userID,
		TotalValue:    decimal.Zero,
		TotalInvested: decimal.Zero,
		Holdings:      make([]HoldingValue, 0, len(holdings)),
	}
	for _, h := range holdings {
		price, ok := prices[h.AssetID]
		if !ok {
			price = decimal.Zero
		}
		current := h.Amount.Mul(price)
		pl := current.Sub(h.TotalInvested)
		v.Holdings = append(v.Holdings, HoldingValue{
			AssetID:         h.AssetID,
			Amount:          h.Amount,
			AvgCost:         h.AvgCost,
			CurrentPrice:    price,
			CurrentValue:    current,
			TotalInvested:   h.TotalInvested,
			ProfitLoss:      pl,
			ProfitLossPct:   percentOf(pl, h.TotalInvested),
			FirstPurchaseAt: h.FirstPurchaseAt,
		})
		v.TotalValue = v.TotalValue.Add(current)
		v.TotalInvested = v.TotalInvested.Add(h.TotalInvested)
	}
	v.ProfitLoss = v.TotalValue.Sub(v.TotalInvested)
	v.ProfitLossPct = percentOf(v.ProfitLoss, v.TotalInvested)
	return v, nil
}

// ValueLive values the user's holdings at prices from the price feed.
func (s *PortfolioService) ValueLive(ctx context.Context, userID string) (*Valuation, error) {
	holdings, err := s.store.ListHoldings(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "list holdings")
	}
	if len(holdings) == 0 {
		return s.Value(ctx, userID, nil)
	}

	ids := make([]string, 0, len(holdings))
	for _, h := range holdings {
		ids = append(ids, h.AssetID)
	}
	set, err := lookupPrices(ctx, s.prices, ids)
	if err != nil {
		return nil, err
	}

	v, err := s.Value(ctx, userID, set.Prices())
	if err != nil {
		return nil, err
	}
	v.Cached = set.Cached
	v.Warning = set.Warning
	return v, nil
}

// PerformanceHistory returns snapshot values over the trailing days, oldest
// first. days <= 0 means DefaultHistoryDays.
func (s *PortfolioService) PerformanceHistory(ctx context.Context, userID string, days int) ([]domain.PerformancePoint, error) {
	if days <= 0 {
		days = DefaultHistoryDays
	}
	since := s.now().AddDate(0, 0, -days)
	snaps, err := s.store.ListSnapshots(ctx, userID, since)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "list snapshots")
	}
	points := make([]domain.PerformancePoint, 0, len(snaps))
	for _, snap := range snaps {
		points = append(points, snap.Point())
	}
	return points, nil
}

// Holdings returns the user's open positions.
func (s *PortfolioService) Holdings(ctx context.Context, userID string) ([]domain.Holding, error) {
	holdings, err := s.store.ListHoldings(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "list holdings")
	}
	return holdings, nil
}

// Transactions returns the user's trades, newest first. limit <= 0 means
// DefaultTransactionsLimit.
func (s *PortfolioService) Transactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = DefaultTransactionsLimit
	}
	txs, err := s.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "list transactions")
	}
	return txs, nil
}

// lookupPrices fetches quotes for valuation. PRICE_NOT_FOUND yields an empty
// set so unpriced assets are valued at zero; feed outages still fail.
func lookupPrices(ctx context.Context, src domain.PriceSource, ids []string) (*domain.PriceSet, error) {
	set, err := src.GetPrices(ctx, ids)
	if domain.KindOf(err) == domain.KindPriceNotFound {
		return &domain.PriceSet{Quotes: map[string]domain.PriceQuote{}, Missing: ids}, nil
	}
	return set, err
}

func validateTrade(userID, assetID string, amount, unitPrice decimal.Decimal) (string, string, error) {
	userID = strings.TrimSpace(userID)
	assetID = strings.ToLower(strings.TrimSpace(assetID))
	switch {
	case userID == "":
		return "", "", domain.NewError(domain.KindInvalidInput, "user id is required")
	case assetID == "":
		return "", "", domain.NewError(domain.KindInvalidInput, "asset id is required")
	case !amount.IsPositive():
		return "", "", domain.NewError(domain.KindInvalidInput, "amount must be positive, got %s", amount)
	case unitPrice.IsNegative():
		return "", "", domain.NewError(domain.KindInvalidInput, "price must not be negative, got %s", unitPrice)
	}
	return userID, assetID, nil
}

func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}
