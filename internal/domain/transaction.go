package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"

	TxStatusCompleted = "COMPLETED"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", NewError(KindInvalidInput, "unknown side %q", s)
}

// Transaction is an immutable trade record.
type Transaction struct {
	ID        string          `gorm:"primaryKey" json:"id"`
	UserID    string          `gorm:"index:idx_tx_user_created,priority:1;not null" json:"user_id"`
	AssetID   string          `gorm:"not null" json:"asset_id"`
	Side      Side            `gorm:"not null" json:"side"`
	Amount    decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	UnitPrice decimal.Decimal `gorm:"type:text;not null" json:"price"`
	Total     decimal.Decimal `gorm:"type:text;not null" json:"total"`
	Status    string          `gorm:"not null" json:"status"`
	CreatedAt time.Time       `gorm:"index:idx_tx_user_created,priority:2;autoCreateTime:false" json:"created_at"`
}

// NewTransaction creates a completed transaction with total = amount * price.
func NewTransaction(id, userID, assetID string, side Side, amount, unitPrice decimal.Decimal, at time.Time) Transaction {
	return Transaction{
		ID:        id,
		UserID:    userID,
		AssetID:   assetID,
		Side:      side,
		Amount:    amount,
		UnitPrice: unitPrice,
		Total:     amount.Mul(unitPrice),
		Status:    TxStatusCompleted,
		CreatedAt: at,
	}
}
