package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AlertState is the lifecycle state of an alert.
type AlertState string

const (
	AlertActive    AlertState = "ACTIVE"
	AlertTriggered AlertState = "TRIGGERED"
)

// Direction is the side of the threshold a price alert watches.
type Direction string

const (
	DirectionAbove Direction = "ABOVE"
	DirectionBelow Direction = "BELOW"
)

// ParseDirection accepts ABOVE/BELOW in any case, plus the legacy
// ABOVE_THRESHOLD/BELOW_THRESHOLD spellings.
func ParseDirection(s string) (Direction, error) {
	switch strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "_THRESHOLD") {
	case "ABOVE", "UP":
		return DirectionAbove, nil
	case "BELOW", "DOWN":
		return DirectionBelow, nil
	}
	return "", NewError(KindInvalidInput, "unknown direction %q", s)
}

// PortfolioRule is the condition a portfolio alert watches.
type PortfolioRule string

const (
	RuleValueBelow    PortfolioRule = "VALUE_BELOW"
	RuleValueAbove    PortfolioRule = "VALUE_ABOVE"
	RuleLossThreshold PortfolioRule = "LOSS_THRESHOLD"
)

// ParsePortfolioRule accepts the rule names in any case. PROFIT_LOSS_THRESHOLD
// is an alias for LOSS_THRESHOLD.
func ParsePortfolioRule(s string) (PortfolioRule, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(RuleValueBelow):
		return RuleValueBelow, nil
	case string(RuleValueAbove):
		return RuleValueAbove, nil
	case string(RuleLossThreshold), "PROFIT_LOSS_THRESHOLD":
		return RuleLossThreshold, nil
	}
	return "", NewError(KindInvalidInput, "unknown portfolio rule %q", s)
}

// PriceAlert fires when an asset's price crosses a threshold.
type PriceAlert struct {
	ID              string          `gorm:"primaryKey" json:"id"`
	UserID          string          `gorm:"index;not null" json:"user_id"`
	AssetID         string          `gorm:"not null" json:"asset_id"`
	Threshold       decimal.Decimal `gorm:"type:text;not null" json:"threshold"`
	Direction       Direction       `gorm:"not null" json:"direction"`
	State           AlertState      `gorm:"index;not null" json:"state"`
	CreatedAt       time.Time       `gorm:"autoCreateTime:false" json:"created_at"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty"`
}

// NewPriceAlert creates an active price alert.
func NewPriceAlert(id, userID, assetID string, threshold decimal.Decimal, direction Direction, at time.Time) *PriceAlert {
	return &PriceAlert{
		ID:        id,
		UserID:    userID,
		AssetID:   assetID,
		Threshold: threshold,
		Direction: direction,
		State:     AlertActive,
		CreatedAt: at,
	}
}

// IsActive returns whether the alert is active
func (a *PriceAlert) IsActive() bool {
	return a.State == AlertActive
}

// CheckCondition checks if alert condition is met.
// Returns true when:
// - Direction is ABOVE and currentPrice >= threshold
// - Direction is BELOW and currentPrice <= threshold
func (a *PriceAlert) CheckCondition(currentPrice decimal.Decimal) bool {
	if !a.IsActive() {
		return false
	}
	switch a.Direction {
	case DirectionAbove:
		return currentPrice.GreaterThanOrEqual(a.Threshold)
	case DirectionBelow:
		return currentPrice.LessThanOrEqual(a.Threshold)
	default:
		return false
	}
}

// Trigger moves the alert to TRIGGERED.
func (a *PriceAlert) Trigger(at time.Time) {
	a.State = AlertTriggered
	a.LastTriggeredAt = &at
}

// Rearm moves the alert back to ACTIVE. LastTriggeredAt is kept.
func (a *PriceAlert) Rearm() {
	a.State = AlertActive
}

// PortfolioAlert fires on a whole-portfolio condition.
type PortfolioAlert struct {
	ID              string          `gorm:"primaryKey" json:"id"`
	UserID          string          `gorm:"index;not null" json:"user_id"`
	Rule            PortfolioRule   `gorm:"not null" json:"rule"`
	Threshold       decimal.Decimal `gorm:"type:text;not null" json:"threshold"`
	State           AlertState      `gorm:"index;not null" json:"state"`
	CreatedAt       time.Time       `gorm:"autoCreateTime:false" json:"created_at"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty"`
}

// NewPortfolioAlert creates an active portfolio alert.
func NewPortfolioAlert(id, userID string, rule PortfolioRule, threshold decimal.Decimal, at time.Time) *PortfolioAlert {
	return &PortfolioAlert{
		ID:        id,
		UserID:    userID,
		Rule:      rule,
		Threshold: threshold,
		State:     AlertActive,
		CreatedAt: at,
	}
}

// IsActive returns whether the alert is active
func (a *PortfolioAlert) IsActive() bool {
	return a.State == AlertActive
}

// CheckCondition checks the rule against the current portfolio value and
// profit/loss. Value comparisons are strict.
func (a *PortfolioAlert) CheckCondition(value, profitLoss decimal.Decimal) bool {
	if !a.IsActive() {
		return false
	}
	switch a.Rule {
	case RuleValueBelow:
		return value.LessThan(a.Threshold)
	case RuleValueAbove:
		return value.GreaterThan(a.Threshold)
	case RuleLossThreshold:
		return profitLoss.IsNegative() && profitLoss.Abs().GreaterThanOrEqual(a.Threshold)
	default:
		return false
	}
}

// Trigger moves the alert to TRIGGERED.
func (a *PortfolioAlert) Trigger(at time.Time) {
	a.State = AlertTriggered
	a.LastTriggeredAt = &at
}

// Rearm moves the alert back to ACTIVE.
func (a *PortfolioAlert) Rearm() {
	a.State = AlertActive
}

// TriggerKind tells price and portfolio triggers apart.
type TriggerKind string

const (
	TriggerPrice     TriggerKind = "PRICE"
	TriggerPortfolio TriggerKind = "PORTFOLIO"
)

// TriggerEvent is emitted once per ACTIVE -> TRIGGERED transition.
type TriggerEvent struct {
	Kind        TriggerKind     `json:"kind"`
	UserID      string          `json:"user_id"`
	AlertID     string          `json:"alert_id"`
	AssetID     string          `json:"asset_id,omitempty"`
	Direction   Direction       `json:"direction,omitempty"`
	Rule        PortfolioRule   `json:"rule,omitempty"`
	Threshold   decimal.Decimal `json:"threshold"`
	Observed    decimal.Decimal `json:"observed"` // current price or portfolio value
	ProfitLoss  decimal.Decimal `json:"profit_loss"`
	TriggeredAt time.Time       `json:"triggered_at"`
}

// PriceTrigger builds the event for a triggered price alert.
func PriceTrigger(a *PriceAlert, price decimal.Decimal, at time.Time) TriggerEvent {
	return TriggerEvent{
		Kind:        TriggerPrice,
		UserID:      a.UserID,
		AlertID:     a.ID,
		AssetID:     a.AssetID,
		Direction:   a.Direction,
		Threshold:   a.Threshold,
		Observed:    price,
		TriggeredAt: at,
	}
}

// PortfolioTrigger builds the event for a triggered portfolio alert.
func PortfolioTrigger(a *PortfolioAlert, value, profitLoss decimal.Decimal, at time.Time) TriggerEvent {
	return TriggerEvent{
		Kind:        TriggerPortfolio,
		UserID:      a.UserID,
		AlertID:     a.ID,
		Rule:        a.Rule,
		Threshold:   a.Threshold,
		Observed:    value,
		ProfitLoss:  profitLoss,
		TriggeredAt: at,
	}
}
