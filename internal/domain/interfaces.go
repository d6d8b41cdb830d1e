package domain

import (
	"context"
	"time"
)

// QuoteProvider fetches USD quotes for a batch of assets in one upstream call.
type QuoteProvider interface {
	FetchBatch(ctx context.Context, assetIDs []string) (map[string]RawQuote, error)
}

// PriceSource is what the ledger and the alert evaluator need from the price feed.
type PriceSource interface {
	GetPrices(ctx context.Context, assetIDs []string) (*PriceSet, error)
}

// StoreTx is the view of the store inside one atomic ledger update.
// Reads observe writes made earlier in the same update.
type StoreTx interface {
	GetHolding(ctx context.Context, userID, assetID string) (*Holding, error)
	ListHoldings(ctx context.Context, userID string) ([]Holding, error)
	PutHolding(ctx context.Context, h *Holding) error
	DeleteHolding(ctx context.Context, userID, assetID string) error
	AppendTransaction(ctx context.Context, tx *Transaction) error
	AppendSnapshot(ctx context.Context, s *Snapshot) error
	PruneSnapshots(ctx context.Context, userID string, before time.Time) (int64, error)
}

// LedgerStore persists holdings, transactions and snapshots.
// Getters return nil, nil when the record does not exist.
type LedgerStore interface {
	// Update runs fn atomically for one user. Any error from fn aborts it.
	Update(ctx context.Context, userID string, fn func(tx StoreTx) error) error
	GetHolding(ctx context.Context, userID, assetID string) (*Holding, error)
	ListHoldings(ctx context.Context, userID string) ([]Holding, error)
	// ListTransactions returns newest first. limit <= 0 means no limit.
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
	// ListSnapshots returns snapshots created at or after since, oldest first.
	ListSnapshots(ctx context.Context, userID string, since time.Time) ([]Snapshot, error)
}

// AlertStore persists price and portfolio alerts.
// Getters return nil, nil when the record does not exist.
type AlertStore interface {
	PutPriceAlert(ctx context.Context, a *PriceAlert) error
	GetPriceAlert(ctx context.Context, id string) (*PriceAlert, error)
	DeletePriceAlert(ctx context.Context, id string) error
	ListPriceAlerts(ctx context.Context, userID string) ([]PriceAlert, error)
	ListActivePriceAlerts(ctx context.Context) ([]PriceAlert, error)
	// TriggerPriceAlert moves the alert to TRIGGERED only if it is still
	// ACTIVE. It reports whether this call made the transition.
	TriggerPriceAlert(ctx context.Context, id string, at time.Time) (bool, error)
	RearmPriceAlert(ctx context.Context, id string) error

	PutPortfolioAlert(ctx context.Context, a *PortfolioAlert) error
	GetPortfolioAlert(ctx context.Context, id string) (*PortfolioAlert, error)
	DeletePortfolioAlert(ctx context.Context, id string) error
	ListPortfolioAlerts(ctx context.Context, userID string) ([]PortfolioAlert, error)
	ListActivePortfolioAlerts(ctx context.Context) ([]PortfolioAlert, error)
	TriggerPortfolioAlert(ctx context.Context, id string, at time.Time) (bool, error)
	RearmPortfolioAlert(ctx context.Context, id string) error
}

// Store is the full storage capability.
type Store interface {
	LedgerStore
	AlertStore
	Close() error
}

// NotificationSink receives events after they are committed. Implementations
// must not block the caller for long and never return errors.
type NotificationSink interface {
	AlertTriggered(ctx context.Context, ev TriggerEvent)
	TransactionCompleted(ctx context.Context, tx Transaction)
}
