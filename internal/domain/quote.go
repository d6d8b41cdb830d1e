package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RawQuote is one asset's price as returned by an upstream provider.
type RawQuote struct {
	Price     decimal.Decimal
	Change24h decimal.Decimal
}

// PriceQuote is a USD quote held in the price cache.
type PriceQuote struct {
	AssetID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"percent_change_24h"` // percent
	FetchedAt time.Time       `json:"fetched_at"`
}

// PriceSet is the result of a price lookup.
type PriceSet struct {
	Quotes  map[string]PriceQuote `json:"quotes"`
	Cached  bool                  `json:"cached"`
	Warning string                `json:"warning,omitempty"`
	Missing []string              `json:"missing,omitempty"`
}

// Prices flattens the quotes to asset -> price.
func (s *PriceSet) Prices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.Quotes))
	for id, q := range s.Quotes {
		out[id] = q.Price
	}
	return out
}

// Sorted returns the quotes ordered by asset id.
func (s *PriceSet) Sorted() []PriceQuote {
	out := make([]PriceQuote, 0, len(s.Quotes))
	for _, q := range s.Quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// CircuitState is the observable state of the upstream circuit breaker.
type CircuitState struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Open                bool       `json:"open"`
	ReopenAt            *time.Time `json:"reopen_at,omitempty"`
}
