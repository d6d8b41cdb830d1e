package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotHolding is one position captured in a snapshot.
type SnapshotHolding struct {
	Amount        decimal.Decimal `json:"amount"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	TotalInvested decimal.Decimal `json:"total_invested"`
}

// Snapshot is a point-in-time record of a user's holdings, valued at cost.
type Snapshot struct {
	ID         string                     `json:"id"`
	UserID     string                     `json:"user_id"`
	CreatedAt  time.Time                  `json:"created_at"`
	TotalValue decimal.Decimal            `json:"total_value"`
	Holdings   map[string]SnapshotHolding `json:"holdings"`
}

// NewSnapshot captures holdings with total_value = sum(amount * avg_cost).
func NewSnapshot(id, userID string, at time.Time, holdings []Holding) Snapshot {
	snap := Snapshot{
		ID:         id,
		UserID:     userID,
		CreatedAt:  at,
		TotalValue: decimal.Zero,
		Holdings:   make(map[string]SnapshotHolding, len(holdings)),
	}
	for i := range holdings {
		h := &holdings[i]
		snap.Holdings[h.AssetID] = SnapshotHolding{
			Amount:        h.Amount,
			AvgCost:       h.AvgCost,
			TotalInvested: h.TotalInvested,
		}
		snap.TotalValue = snap.TotalValue.Add(h.CostValue())
	}
	return snap
}

// PerformancePoint is one entry of a performance history.
type PerformancePoint struct {
	Timestamp     time.Time       `json:"timestamp"`
	TotalValue    decimal.Decimal `json:"total_value"`
	HoldingsCount int             `json:"holdings_count"`
}

// Point converts the snapshot to a performance point.
func (s Snapshot) Point() PerformancePoint {
	return PerformancePoint{
		Timestamp:     s.CreatedAt,
		TotalValue:    s.TotalValue,
		HoldingsCount: len(s.Holdings),
	}
}
