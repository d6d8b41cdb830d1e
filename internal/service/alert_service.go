package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"crypsync/internal/domain"

	"github.com/shopspring/decimal"
)

// Evaluation is the result of evaluating one user's alerts.
type Evaluation struct {
	Valuation *Valuation           `json:"valuation"`
	Triggered []domain.TriggerEvent `json:"triggered"`
	Warning   string               `json:"warning,omitempty"`
}

// AlertService manages price and portfolio alerts and evaluates them against
// current prices. A trigger fires at most once until the alert is re-armed.
type AlertService struct {
	deps
	store  domain.AlertStore
	prices domain.PriceSource
	ledger *PortfolioService
}

func NewAlertService(store domain.AlertStore, prices domain.PriceSource, ledger *PortfolioService, opts ...Option) *AlertService {
	return &AlertService{
		deps:   newDeps("alerts", opts),
		store:  store,
		prices: prices,
		ledger: ledger,
	}
}

// CreatePriceAlert registers an alert on assetID crossing threshold.
// direction accepts ABOVE/BELOW and their aliases.
func (s *AlertService) CreatePriceAlert(ctx context.Context, userID, assetID string, threshold decimal.Decimal, direction string) (*domain.PriceAlert, error) {
	userID = strings.TrimSpace(userID)
	assetID = strings.ToLower(strings.TrimSpace(assetID))
	if userID == "" || assetID == "" {
		return nil, domain.NewError(domain.KindInvalidInput, "user id and asset id are required")
	}
	if threshold.IsNegative() {
		return nil, domain.NewError(domain.KindInvalidInput, "threshold must not be negative, got %s", threshold)
	}
	dir, err := domain.ParseDirection(direction)
	if err != nil {
		return nil, err
	}

	a := domain.NewPriceAlert(s.newID(), userID, assetID, threshold, dir, s.now())
	if err := s.store.PutPriceAlert(ctx, a); err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "save price alert")
	}
	s.logger.Info("Price alert created",
		slog.String("alert_id", a.ID),
		slog.String("user_id", userID),
		slog.String("asset_id", assetID),
		slog.String("direction", string(dir)),
		slog.String("threshold", threshold.String()),
	)
	return a, nil
}

func (s *AlertService) ListPriceAlerts(ctx context.Context, userID string) ([]domain.PriceAlert, error) {
	alerts, err := s.store.ListPriceAlerts(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "list price alerts")
	}
	return alerts, nil
}

// DeletePriceAlert removes an alert owned by userID.
func (s *AlertService) DeletePriceAlert(ctx context.Context, id, userID string) error {
	if _, err := s.ownedPriceAlert(ctx, id, userID); err != nil {
		return err
	}
	if err := s.store.DeletePriceAlert(ctx, id); err != nil {
		return domain.WrapError(domain.KindStorageFailed, err, "delete price alert")
	}
	return nil
}

// RearmPriceAlert makes a triggered alert active again.
func (s *AlertService) RearmPriceAlert(ctx context.Context, id, userID string) (*domain.PriceAlert, error) {
	a, err := s.ownedPriceAlert(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RearmPriceAlert(ctx, id); err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "rearm price alert")
	}
	a.Rearm()
	return a, nil
}

func (s *AlertService) CreatePortfolioAlert(ctx context.Context, userID string, rule string, threshold decimal.Decimal) (*domain.PortfolioAlert, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.NewError(domain.KindInvalidInput, "user id is required")
	}
	if threshold.IsNegative() {
		return nil, domain.NewError(domain.KindInvalidInput, "threshold must not be negative, got %s", threshold)
	}
	r, err := domain.ParsePortfolioRule(rule)
	if err != nil {
		return nil, err
	}

	a := domain.NewPortfolioAlert(s.newID(), userID, r, threshold, s.now())
	if err := s.store.PutPortfolioAlert(ctx, a); err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "save portfolio alert")
	}
	s.logger.Info("Portfolio alert created",
		slog.String("alert_id", a.ID),
		slog.String("user_id", userID),
		slog.String("rule", string(r)),
		slog.String("threshold", threshold.String()),
	)
	return a, nil
}

func (s *AlertService) ListPortfolioAlerts(ctx context.Context, userID string) ([]domain.PortfolioAlert, error) {
	alerts, err := s.store.ListPortfolioAlerts(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "list portfolio alerts")
	}
	return alerts, nil
}

func (s *AlertService) DeletePortfolioAlert(ctx context.Context, id, userID string) error {
	if _, err := s.ownedPortfolioAlert(ctx, id, userID); err != nil {
		return err
	}
	if err := s.store.DeletePortfolioAlert(ctx, id); err != nil {
		return domain.WrapError(domain.KindStorageFailed, err, "delete portfolio alert")
	}
	return nil
}

func (s *AlertService) RearmPortfolioAlert(ctx context.Context, id, userID string) (*domain.PortfolioAlert, error) {
	a, err := s.ownedPortfolioAlert(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RearmPortfolioAlert(ctx, id); err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "rearm portfolio alert")
	}
	a.Rearm()
	return a, nil
}

func (s *AlertService) ownedPriceAlert(ctx context.Context, id, userID string) (*domain.PriceAlert, error) {
	a, err := s.store.GetPriceAlert(ctx, id)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "load price alert")
	}
	if a == nil {
		return nil, domain.NewError(domain.KindAlertNotFound, "price alert %s", id)
	}
	if a.UserID != userID {
		return nil, domain.NewError(domain.KindUnauthorized, "price alert %s belongs to another user", id)
	}
	return a, nil
}

func (s *AlertService) ownedPortfolioAlert(ctx context.Context, id, userID string) (*domain.PortfolioAlert, error) {
	a, err := s.store.GetPortfolioAlert(ctx, id)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "load portfolio alert")
	}
	if a == nil {
		return nil, domain.NewError(domain.KindAlertNotFound, "portfolio alert %s", id)
	}
	if a.UserID != userID {
		return nil, domain.NewError(domain.KindUnauthorized, "portfolio alert %s belongs to another user", id)
	}
	return a, nil
}

// EvaluatePrices checks every active price alert against prices and fires
// those whose condition holds.
func (s *AlertService) EvaluatePrices(ctx context.Context, prices map[string]decimal.Decimal) ([]domain.TriggerEvent, error) {
	alerts, err := s.store.ListActivePriceAlerts(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "list active price alerts")
	}
	return s.firePriceAlerts(ctx, alerts, prices)
}

// EvaluatePortfolio checks the user's active portfolio alerts against the
// portfolio's current value and profit/loss.
func (s *AlertService) EvaluatePortfolio(ctx context.Context, userID string, value, profitLoss decimal.Decimal) ([]domain.TriggerEvent, error) {
	alerts, err := s.store.ListPortfolioAlerts(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "list portfolio alerts")
	}
	return s.firePortfolioAlerts(ctx, alerts, value, profitLoss)
}

// Evaluate prices the user's holdings and alerted assets, values the
// portfolio, and runs both evaluations.
func (s *AlertService) Evaluate(ctx context.Context, userID string) (*Evaluation, error) {
	priceAlerts, err := s.store.ListPriceAlerts(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "list price alerts")
	}
	holdings, err := s.ledger.Holdings(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(priceAlerts)+len(holdings))
	for _, a := range priceAlerts {
		if a.IsActive() {
			ids = append(ids, a.AssetID)
		}
	}
	for _, h := range holdings {
		ids = append(ids, h.AssetID)
	}

	out := &Evaluation{}
	prices := map[string]decimal.Decimal{}
	cached := false
	if len(ids) > 0 {
		set, err := lookupPrices(ctx, s.prices, ids)
		if err != nil {
			return nil, err
		}
		prices = set.Prices()
		out.Warning = set.Warning
		cached = set.Cached
	}

	fired, priceErr := s.firePriceAlerts(ctx, priceAlerts, prices)
	out.Triggered = append(out.Triggered, fired...)

	v, err := s.ledger.Value(ctx, userID, prices)
	if err != nil {
		return nil, err
	}
	v.Cached = cached
	v.Warning = out.Warning
	out.Valuation = v

	fired, pfErr := s.EvaluatePortfolio(ctx, userID, v.TotalValue, v.ProfitLoss)
	out.Triggered = append(out.Triggered, fired...)

	return out, errors.Join(priceErr, pfErr)
}

// EvaluateAll runs one evaluation pass over every user with active alerts,
// using a single price lookup.
func (s *AlertService) EvaluateAll(ctx context.Context) ([]domain.TriggerEvent, error) {
	priceAlerts, err := s.store.ListActivePriceAlerts(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "list active price alerts")
	}
	pfAlerts, err := s.store.ListActivePortfolioAlerts(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageFailed, err, "list active portfolio alerts")
	}

	byUser := make(map[string][]domain.PortfolioAlert)
	for _, a := range pfAlerts {
		byUser[a.UserID] = append(byUser[a.UserID], a)
	}
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	var ids []string
	for _, a := range priceAlerts {
		ids = append(ids, a.AssetID)
	}
	for _, u := range users {
		holdings, err := s.ledger.Holdings(ctx, u)
		if err != nil {
			return nil, err
		}
		for _, h := range holdings {
			ids = append(ids, h.AssetID)
		}
	}
	if len(ids) == 0 && len(users) == 0 {
		return nil, nil
	}

	prices := map[string]decimal.Decimal{}
	if len(ids) > 0 {
		set, err := lookupPrices(ctx, s.prices, ids)
		if err != nil {
			return nil, err
		}
		prices = set.Prices()
		if set.Warning != "" {
			s.logger.Warn("Evaluating with cached prices", slog.String("warning", set.Warning))
		}
	}

	var errs []error
	triggered, err := s.firePriceAlerts(ctx, priceAlerts, prices)
	errs = append(errs, err)

	for _, u := range users {
		v, err := s.ledger.Value(ctx, u, prices)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fired, err := s.firePortfolioAlerts(ctx, byUser[u], v.TotalValue, v.ProfitLoss)
		triggered = append(triggered, fired...)
		errs = append(errs, err)
	}
	return triggered, errors.Join(errs...)
}

func (s *AlertService) firePriceAlerts(ctx context.Context, alerts []domain.PriceAlert, prices map[string]decimal.Decimal) ([]domain.TriggerEvent, error) {
	var (
		fired []domain.TriggerEvent
		errs  []error
	)
	for i := range alerts {
		a := &alerts[i]
		price, ok := prices[a.AssetID]
		if !ok || !a.CheckCondition(price) {
			continue
		}

		now := s.now()
		won, err := s.store.TriggerPriceAlert(ctx, a.ID, now)
		if err != nil {
			s.logger.Error("Failed to trigger price alert", slog.String("alert_id", a.ID), slog.Any("error", err))
			errs = append(errs, domain.WrapError(domain.KindStorageFailed, err, "trigger price alert %s", a.ID))
			continue
		}
		if !won {
			// another evaluator got there first
			continue
		}
		a.Trigger(now)
		ev := domain.PriceTrigger(a, price, now)
		s.emit(ctx, ev)
		fired = append(fired, ev)
	}
	return fired, errors.Join(errs...)
}

func (s *AlertService) firePortfolioAlerts(ctx context.Context, alerts []domain.PortfolioAlert, value, profitLoss decimal.Decimal) ([]domain.TriggerEvent, error) {
	var (
		fired []domain.TriggerEvent
		errs  []error
	)
	for i := range alerts {
		a := &alerts[i]
		if !a.CheckCondition(value, profitLoss) {
			continue
		}

		now := s.now()
		won, err := s.store.TriggerPortfolioAlert(ctx, a.ID, now)
		if err != nil {
			s.logger.Error("Failed to trigger portfolio alert", slog.String("alert_id", a.ID), slog.Any("error", err))
			errs = append(errs, domain.WrapError(domain.KindStorageFailed, err, "trigger portfolio alert %s", a.ID))
			continue
		}
		if !won {
			continue
		}
		a.Trigger(now)
		ev := domain.PortfolioTrigger(a, value, profitLoss, now)
		s.emit(ctx, ev)
		fired = append(fired, ev)
	}
	return fired, errors.Join(errs...)
}

func (s *AlertService) emit(ctx context.Context, ev domain.TriggerEvent) {
	s.metrics.RecordAlertTriggered(strings.ToLower(string(ev.Kind)))
	s.logger.Info("Alert triggered",
		slog.String("kind", string(ev.Kind)),
		slog.String("alert_id", ev.AlertID),
		slog.String("user_id", ev.UserID),
		slog.String("observed", ev.Observed.String()),
		slog.String("threshold", ev.Threshold.String()),
	)
	s.sink.AlertTriggered(ctx, ev)
}
