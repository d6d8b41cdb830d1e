package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// costPrecision is the number of decimal places kept for weighted average costs.
const costPrecision = 18

// Holding is a user's position in one asset.
type Holding struct {
	UserID          string          `gorm:"primaryKey" json:"user_id"`
	AssetID         string          `gorm:"primaryKey" json:"asset_id"`
	Amount          decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	AvgCost         decimal.Decimal `gorm:"type:text;not null" json:"avg_cost"`
	TotalInvested   decimal.Decimal `gorm:"type:text;not null" json:"total_invested"`
	FirstPurchaseAt *time.Time      `json:"first_purchase_at,omitempty"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// NewHolding creates an empty holding.
func NewHolding(userID, assetID string) *Holding {
	return &Holding{
		UserID:        userID,
		AssetID:       assetID,
		Amount:        decimal.Zero,
		AvgCost:       decimal.Zero,
		TotalInvested: decimal.Zero,
	}
}

// ApplyBuy adds amount at unitPrice and recomputes the weighted average cost.
// Returns the cost of the purchase.
func (h *Holding) ApplyBuy(amount, unitPrice decimal.Decimal, at time.Time) decimal.Decimal {
	cost := amount.Mul(unitPrice)
	newAmount := h.Amount.Add(amount)
	if !newAmount.IsZero() {
		h.AvgCost = h.Amount.Mul(h.AvgCost).Add(cost).DivRound(newAmount, costPrecision)
	}
	h.Amount = newAmount
	h.TotalInvested = h.TotalInvested.Add(cost)
	if h.FirstPurchaseAt == nil {
		first := at
		h.FirstPurchaseAt = &first
	}
	h.UpdatedAt = at
	return cost
}

// ApplySell removes amount. Average cost and total invested are unchanged.
func (h *Holding) ApplySell(amount decimal.Decimal, at time.Time) error {
	if amount.GreaterThan(h.Amount) {
		return NewError(KindInsufficientBalance, "%s need %s, available %s", h.AssetID, amount, h.Amount)
	}
	h.Amount = h.Amount.Sub(amount)
	h.UpdatedAt = at
	return nil
}

// IsEmpty reports whether the position is fully closed.
func (h *Holding) IsEmpty() bool {
	return h.Amount.IsZero()
}

// CostValue returns amount * avg_cost.
func (h *Holding) CostValue() decimal.Decimal {
	return h.Amount.Mul(h.AvgCost)
}

// VerifyInvariant checks that the holding can be persisted.
func (h *Holding) VerifyInvariant() error {
	if h.Amount.IsNegative() {
		return fmt.Errorf("HOLDING_INVARIANT_NEGATIVE_AMOUNT: %s = %s", h.AssetID, h.Amount)
	}
	if h.AvgCost.IsNegative() {
		return fmt.Errorf("HOLDING_INVARIANT_NEGATIVE_COST: %s = %s", h.AssetID, h.AvgCost)
	}
	return nil
}
