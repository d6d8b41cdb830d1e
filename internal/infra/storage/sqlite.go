package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"crypsync/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLStore persists the ledger and alerts in SQLite through GORM.
type SQLStore struct {
	db *gorm.DB
}

var _ domain.Store = (*SQLStore)(nil)

// snapshotRecord is the row layout of a snapshot; holdings are stored as JSON.
type snapshotRecord struct {
	ID         string          `gorm:"primaryKey"`
	UserID     string          `gorm:"index:idx_snap_user_created,priority:1;not null"`
	CreatedAt  time.Time       `gorm:"index:idx_snap_user_created,priority:2;autoCreateTime:false"`
	TotalValue decimal.Decimal `gorm:"type:text;not null"`
	Holdings   string          `gorm:"type:text;not null"`
}

func (snapshotRecord) TableName() string { return "portfolio_snapshots" }

// NewSQLStore opens (or creates) the SQLite database at path.
// An empty path resolves to the per-user config directory.
func NewSQLStore(path string) (*SQLStore, error) {
	if path == "" {
		p, err := getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
		path = p
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.New(log.New(os.Stderr, "", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer; one connection keeps transactions from
	// failing with SQLITE_BUSY on lock upgrade.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return openSQLStore(db)
}

func openSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(
		&domain.Holding{},
		&domain.Transaction{},
		&snapshotRecord{},
		&domain.PriceAlert{},
		&domain.PortfolioAlert{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "CrypSync", "data", "crypsync.db"), nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Ledger Operations
// ======================================================================================

// Update runs fn inside one SQL transaction.
func (s *SQLStore) Update(ctx context.Context, userID string, fn func(tx domain.StoreTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sqlTx{db: tx})
	})
}

// GetHolding retrieves one holding
func (s *SQLStore) GetHolding(ctx context.Context, userID, assetID string) (*domain.Holding, error) {
	return getHolding(s.db.WithContext(ctx), userID, assetID)
}

// ListHoldings retrieves all holdings of a user ordered by asset
func (s *SQLStore) ListHoldings(ctx context.Context, userID string) ([]domain.Holding, error) {
	return listHoldings(s.db.WithContext(ctx), userID)
}

// ListTransactions retrieves transactions newest first
func (s *SQLStore) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	q := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("rowid DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var txs []domain.Transaction
	if err := q.Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

// ListSnapshots retrieves snapshots since the given time, oldest first
func (s *SQLStore) ListSnapshots(ctx context.Context, userID string, since time.Time) ([]domain.Snapshot, error) {
	var records []snapshotRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since.UTC()).
		Order("created_at ASC").
		Order("rowid ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	snaps := make([]domain.Snapshot, 0, len(records))
	for _, r := range records {
		snap := domain.Snapshot{
			ID:         r.ID,
			UserID:     r.UserID,
			CreatedAt:  r.CreatedAt,
			TotalValue: r.TotalValue,
		}
		if err := json.Unmarshal([]byte(r.Holdings), &snap.Holdings); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", r.ID, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func getHolding(db *gorm.DB, userID, assetID string) (*domain.Holding, error) {
	var h domain.Holding
	err := db.First(&h, "user_id = ? AND asset_id = ?", userID, assetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("get holding: %w", err)
	}
	return &h, nil
}

func listHoldings(db *gorm.DB, userID string) ([]domain.Holding, error) {
	var holdings []domain.Holding
	if err := db.Where("user_id = ?", userID).Order("asset_id").Find(&holdings).Error; err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	return holdings, nil
}

// sqlTx is the StoreTx view of an open gorm transaction.
type sqlTx struct {
	db *gorm.DB
}

func (t *sqlTx) GetHolding(ctx context.Context, userID, assetID string) (*domain.Holding, error) {
	return getHolding(t.db, userID, assetID)
}

func (t *sqlTx) ListHoldings(ctx context.Context, userID string) ([]domain.Holding, error) {
	return listHoldings(t.db, userID)
}

func (t *sqlTx) PutHolding(ctx context.Context, h *domain.Holding) error {
	if err := t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(h).Error; err != nil {
		return fmt.Errorf("upsert holding: %w", err)
	}
	return nil
}

func (t *sqlTx) DeleteHolding(ctx context.Context, userID, assetID string) error {
	err := t.db.Where("user_id = ? AND asset_id = ?", userID, assetID).Delete(&domain.Holding{}).Error
	if err != nil {
		return fmt.Errorf("delete holding: %w", err)
	}
	return nil
}

func (t *sqlTx) AppendTransaction(ctx context.Context, tx *domain.Transaction) error {
	if err := t.db.Create(tx).Error; err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *sqlTx) AppendSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	holdings, err := json.Marshal(snap.Holdings)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	record := snapshotRecord{
		ID:         snap.ID,
		UserID:     snap.UserID,
		CreatedAt:  snap.CreatedAt.UTC(),
		TotalValue: snap.TotalValue,
		Holdings:   string(holdings),
	}
	if err := t.db.Create(&record).Error; err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (t *sqlTx) PruneSnapshots(ctx context.Context, userID string, before time.Time) (int64, error) {
	res := t.db.Where("user_id = ? AND created_at < ?", userID, before.UTC()).Delete(&snapshotRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune snapshots: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ======================================================================================
// Alert Operations
// ======================================================================================

// PutPriceAlert creates or replaces a price alert
func (s *SQLStore) PutPriceAlert(ctx context.Context, a *domain.PriceAlert) error {
	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return fmt.Errorf("save price alert: %w", err)
	}
	return nil
}

// GetPriceAlert retrieves a price alert by id
func (s *SQLStore) GetPriceAlert(ctx context.Context, id string) (*domain.PriceAlert, error) {
	var a domain.PriceAlert
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get price alert: %w", err)
	}
	return &a, nil
}

// DeletePriceAlert deletes a price alert
func (s *SQLStore) DeletePriceAlert(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.PriceAlert{}).Error; err != nil {
		return fmt.Errorf("delete price alert: %w", err)
	}
	return nil
}

// ListPriceAlerts retrieves all price alerts of a user, newest first
func (s *SQLStore) ListPriceAlerts(ctx context.Context, userID string) ([]domain.PriceAlert, error) {
	var alerts []domain.PriceAlert
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("list price alerts: %w", err)
	}
	return alerts, nil
}

// ListActivePriceAlerts retrieves every ACTIVE price alert
func (s *SQLStore) ListActivePriceAlerts(ctx context.Context) ([]domain.PriceAlert, error) {
	var alerts []domain.PriceAlert
	err := s.db.WithContext(ctx).Where("state = ?", domain.AlertActive).Order("created_at").Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("list active price alerts: %w", err)
	}
	return alerts, nil
}

// TriggerPriceAlert transitions ACTIVE -> TRIGGERED with a conditional update
func (s *SQLStore) TriggerPriceAlert(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.PriceAlert{}).
		Where("id = ? AND state = ?", id, domain.AlertActive).
		Updates(map[string]any{"state": domain.AlertTriggered, "last_triggered_at": at.UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("trigger price alert: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RearmPriceAlert moves an alert back to ACTIVE
func (s *SQLStore) RearmPriceAlert(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&domain.PriceAlert{}).
		Where("id = ?", id).
		Update("state", domain.AlertActive).Error
	if err != nil {
		return fmt.Errorf("rearm price alert: %w", err)
	}
	return nil
}

// PutPortfolioAlert creates or replaces a portfolio alert
func (s *SQLStore) PutPortfolioAlert(ctx context.Context, a *domain.PortfolioAlert) error {
	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return fmt.Errorf("save portfolio alert: %w", err)
	}
	return nil
}

// GetPortfolioAlert retrieves a portfolio alert by id
func (s *SQLStore) GetPortfolioAlert(ctx context.Context, id string) (*domain.PortfolioAlert, error) {
	var a domain.PortfolioAlert
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio alert: %w", err)
	}
	return &a, nil
}

// DeletePortfolioAlert deletes a portfolio alert
func (s *SQLStore) DeletePortfolioAlert(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.PortfolioAlert{}).Error; err != nil {
		return fmt.Errorf("delete portfolio alert: %w", err)
	}
	return nil
}

// ListPortfolioAlerts retrieves all portfolio alerts of a user, newest first
func (s *SQLStore) ListPortfolioAlerts(ctx context.Context, userID string) ([]domain.PortfolioAlert, error) {
	var alerts []domain.PortfolioAlert
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("list portfolio alerts: %w", err)
	}
	return alerts, nil
}

// ListActivePortfolioAlerts retrieves every ACTIVE portfolio alert
func (s *SQLStore) ListActivePortfolioAlerts(ctx context.Context) ([]domain.PortfolioAlert, error) {
	var alerts []domain.PortfolioAlert
	err := s.db.WithContext(ctx).Where("state = ?", domain.AlertActive).Order("user_id").Order("created_at").Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("list active portfolio alerts: %w", err)
	}
	return alerts, nil
}

// TriggerPortfolioAlert transitions ACTIVE -> TRIGGERED with a conditional update
func (s *SQLStore) TriggerPortfolioAlert(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.PortfolioAlert{}).
		Where("id = ? AND state = ?", id, domain.AlertActive).
		Updates(map[string]any{"state": domain.AlertTriggered, "last_triggered_at": at.UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("trigger portfolio alert: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RearmPortfolioAlert moves an alert back to ACTIVE
func (s *SQLStore) RearmPortfolioAlert(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&domain.PortfolioAlert{}).
		Where("id = ?", id).
		Update("state", domain.AlertActive).Error
	if err != nil {
		return fmt.Errorf("rearm portfolio alert: %w", err)
	}
	return nil
}
