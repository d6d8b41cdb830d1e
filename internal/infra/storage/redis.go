package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"crypsync/internal/domain"

	"github.com/redis/go-redis/v9"
)

// DefaultMaxTxRetries bounds the optimistic-lock retry loop of Update.
const DefaultMaxTxRetries = 10

// ErrTxContention is returned when an optimistic transaction keeps losing the race.
var ErrTxContention = errors.New("redis transaction contention")

// RedisStore persists the ledger and alerts in Redis.
//
// Key layout (prefix omitted):
//
//	holdings:{user}      HASH asset -> holding JSON
//	transactions:{user}  ZSET "{seq}:{transaction JSON}" scored by created_at (unix micros)
//	tx_seq:{user}        STRING append counter, orders trades within one microsecond
//	snapshots:{user}     ZSET snapshot JSON scored by created_at (unix micros)
//	price_alerts         HASH id -> alert JSON
//	portfolio_alerts     HASH id -> alert JSON
type RedisStore struct {
	rdb        *redis.Client
	prefix     string
	maxRetries int
}

var _ domain.Store = (*RedisStore)(nil)

// NewRedisStore wraps an established client.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, maxRetries: DefaultMaxTxRetries}
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) holdingsKey(userID string) string { return s.prefix + "holdings:" + userID }
func (s *RedisStore) txKey(userID string) string       { return s.prefix + "transactions:" + userID }
func (s *RedisStore) txSeqKey(userID string) string    { return s.prefix + "tx_seq:" + userID }
func (s *RedisStore) snapKey(userID string) string     { return s.prefix + "snapshots:" + userID }
func (s *RedisStore) priceAlertsKey() string           { return s.prefix + "price_alerts" }
func (s *RedisStore) portfolioAlertsKey() string       { return s.prefix + "portfolio_alerts" }

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func scoreArg(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

// ======================================================================================
// Ledger Operations
// ======================================================================================

// Update runs fn under WATCH on the user's holdings and commits its writes in
// one MULTI/EXEC. fn is re-run when a concurrent writer wins the race.
func (s *RedisStore) Update(ctx context.Context, userID string, fn func(tx domain.StoreTx) error) error {
	key := s.holdingsKey(userID)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{store: s, rtx: rtx, userID: userID, pending: make(map[string]*domain.Holding)}
			if err := fn(tx); err != nil {
				return err
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, op := range tx.ops {
					op(pipe)
				}
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: %w", userID, ErrTxContention)
}

// GetHolding retrieves one holding
func (s *RedisStore) GetHolding(ctx context.Context, userID, assetID string) (*domain.Holding, error) {
	return readHolding(ctx, s.rdb, s.holdingsKey(userID), assetID)
}

// ListHoldings retrieves all holdings of a user ordered by asset
func (s *RedisStore) ListHoldings(ctx context.Context, userID string) ([]domain.Holding, error) {
	m, err := readHoldings(ctx, s.rdb, s.holdingsKey(userID))
	if err != nil {
		return nil, err
	}
	return sortedHoldings(m), nil
}

// ListTransactions retrieves transactions newest first
func (s *RedisStore) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := s.rdb.ZRevRange(ctx, s.txKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	txs := make([]domain.Transaction, 0, len(members))
	for _, m := range members {
		var tx domain.Transaction
		if err := json.Unmarshal([]byte(txPayload(m)), &tx); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// ListSnapshots retrieves snapshots since the given time, oldest first
func (s *RedisStore) ListSnapshots(ctx context.Context, userID string, since time.Time) ([]domain.Snapshot, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.snapKey(userID), &redis.ZRangeBy{
		Min: scoreArg(since),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	snaps := make([]domain.Snapshot, 0, len(members))
	for _, m := range members {
		var snap domain.Snapshot
		if err := json.Unmarshal([]byte(m), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// hashReader is the read side shared by *redis.Client and a watched *redis.Tx.
type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readHolding(ctx context.Context, c hashReader, key, assetID string) (*domain.Holding, error) {
	raw, err := c.HGet(ctx, key, assetID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get holding: %w", err)
	}
	var h domain.Holding
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("decode holding %s: %w", assetID, err)
	}
	return &h, nil
}

func readHoldings(ctx context.Context, c hashReader, key string) (map[string]domain.Holding, error) {
	raw, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	out := make(map[string]domain.Holding, len(raw))
	for asset, v := range raw {
		var h domain.Holding
		if err := json.Unmarshal([]byte(v), &h); err != nil {
			return nil, fmt.Errorf("decode holding %s: %w", asset, err)
		}
		out[asset] = h
	}
	return out, nil
}

func sortedHoldings(m map[string]domain.Holding) []domain.Holding {
	out := make([]domain.Holding, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// redisTx buffers writes until EXEC. Reads go through the watched connection
// and see this transaction's own pending holding writes.
type redisTx struct {
	store   *RedisStore
	rtx     *redis.Tx
	userID  string
	pending map[string]*domain.Holding // nil value = deleted
	ops     []func(redis.Pipeliner)
}

func (t *redisTx) GetHolding(ctx context.Context, userID, assetID string) (*domain.Holding, error) {
	if h, ok := t.pending[assetID]; ok {
		if h == nil {
			return nil, nil
		}
		cp := *h
		return &cp, nil
	}
	return readHolding(ctx, t.rtx, t.store.holdingsKey(userID), assetID)
}

func (t *redisTx) ListHoldings(ctx context.Context, userID string) ([]domain.Holding, error) {
	m, err := readHoldings(ctx, t.rtx, t.store.holdingsKey(userID))
	if err != nil {
		return nil, err
	}
	for asset, h := range t.pending {
		if h == nil {
			delete(m, asset)
			continue
		}
		m[asset] = *h
	}
	return sortedHoldings(m), nil
}

func (t *redisTx) PutHolding(ctx context.Context, h *domain.Holding) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode holding: %w", err)
	}
	cp := *h
	t.pending[cp.AssetID] = &cp
	key := t.store.holdingsKey(cp.UserID)
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.HSet(ctx, key, cp.AssetID, data) })
	return nil
}

func (t *redisTx) DeleteHolding(ctx context.Context, userID, assetID string) error {
	t.pending[assetID] = nil
	key := t.store.holdingsKey(userID)
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.HDel(ctx, key, assetID) })
	return nil
}

func (t *redisTx) AppendTransaction(ctx context.Context, tx *domain.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	// Reserved outside MULTI; an aborted attempt only leaves a gap.
	seq, err := t.rtx.Incr(ctx, t.store.txSeqKey(tx.UserID)).Result()
	if err != nil {
		return fmt.Errorf("reserve transaction sequence: %w", err)
	}
	key := t.store.txKey(tx.UserID)
	member := redis.Z{Score: score(tx.CreatedAt), Member: fmt.Sprintf("%020d:%s", seq, data)}
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.ZAdd(ctx, key, member) })
	return nil
}

// txPayload strips the sequence prefix from a transactions member.
func txPayload(member string) string {
	if seq, payload, ok := strings.Cut(member, ":"); ok && !strings.HasPrefix(seq, "{") {
		return payload
	}
	return member
}

func (t *redisTx) AppendSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := t.store.snapKey(snap.UserID)
	member := redis.Z{Score: score(snap.CreatedAt), Member: string(data)}
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.ZAdd(ctx, key, member) })
	return nil
}

// PruneSnapshots counts committed snapshots older than before and removes
// them at EXEC. Snapshots appended in the same transaction are also removed
// if they fall in the range.
func (t *redisTx) PruneSnapshots(ctx context.Context, userID string, before time.Time) (int64, error) {
	key := t.store.snapKey(userID)
	max := "(" + scoreArg(before)
	n, err := t.rtx.ZCount(ctx, key, "-inf", max).Result()
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.ZRemRangeByScore(ctx, key, "-inf", max) })
	return n, nil
}

// ======================================================================================
// Alert Operations
// ======================================================================================

func putJSON(ctx context.Context, rdb *redis.Client, key, field string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return rdb.HSet(ctx, key, field, data).Err()
}

func getJSON[T any](ctx context.Context, c hashReader, key, field string) (*T, error) {
	raw, err := c.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func allJSON[T any](ctx context.Context, rdb *redis.Client, key string, keep func(*T) bool) ([]T, error) {
	raw, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, v := range raw {
		var item T
		if err := json.Unmarshal([]byte(v), &item); err != nil {
			return nil, err
		}
		if keep(&item) {
			out = append(out, item)
		}
	}
	return out, nil
}

// casJSON applies mutate to one hash field under WATCH. mutate returns false
// to leave the record untouched.
func casJSON[T any](ctx context.Context, s *RedisStore, key, field string, mutate func(*T) bool) (bool, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		changed := false
		err := s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
			v, err := getJSON[T](ctx, rtx, key, field)
			if err != nil || v == nil {
				return err
			}
			if !mutate(v) {
				return nil
			}
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			_, err = rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSet(ctx, key, field, data)
				return nil
			})
			if err == nil {
				changed = true
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return changed, err
	}
	return false, ErrTxContention
}

// PutPriceAlert creates or replaces a price alert
func (s *RedisStore) PutPriceAlert(ctx context.Context, a *domain.PriceAlert) error {
	if err := putJSON(ctx, s.rdb, s.priceAlertsKey(), a.ID, a); err != nil {
		return fmt.Errorf("save price alert: %w", err)
	}
	return nil
}

// GetPriceAlert retrieves a price alert by id
func (s *RedisStore) GetPriceAlert(ctx context.Context, id string) (*domain.PriceAlert, error) {
	a, err := getJSON[domain.PriceAlert](ctx, s.rdb, s.priceAlertsKey(), id)
	if err != nil {
		return nil, fmt.Errorf("get price alert: %w", err)
	}
	return a, nil
}

// DeletePriceAlert deletes a price alert
func (s *RedisStore) DeletePriceAlert(ctx context.Context, id string) error {
	if err := s.rdb.HDel(ctx, s.priceAlertsKey(), id).Err(); err != nil {
		return fmt.Errorf("delete price alert: %w", err)
	}
	return nil
}

// ListPriceAlerts retrieves all price alerts of a user, newest first
func (s *RedisStore) ListPriceAlerts(ctx context.Context, userID string) ([]domain.PriceAlert, error) {
	alerts, err := allJSON(ctx, s.rdb, s.priceAlertsKey(), func(a *domain.PriceAlert) bool { return a.UserID == userID })
	if err != nil {
		return nil, fmt.Errorf("list price alerts: %w", err)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })
	return alerts, nil
}

// ListActivePriceAlerts retrieves every ACTIVE price alert
func (s *RedisStore) ListActivePriceAlerts(ctx context.Context) ([]domain.PriceAlert, error) {
	alerts, err := allJSON(ctx, s.rdb, s.priceAlertsKey(), (*domain.PriceAlert).IsActive)
	if err != nil {
		return nil, fmt.Errorf("list active price alerts: %w", err)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })
	return alerts, nil
}

// TriggerPriceAlert transitions ACTIVE -> TRIGGERED under WATCH
func (s *RedisStore) TriggerPriceAlert(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := casJSON(ctx, s, s.priceAlertsKey(), id, func(a *domain.PriceAlert) bool {
		if !a.IsActive() {
			return false
		}
		a.Trigger(at)
		return true
	})
	if err != nil {
		return false, fmt.Errorf("trigger price alert: %w", err)
	}
	return ok, nil
}

// RearmPriceAlert moves an alert back to ACTIVE
func (s *RedisStore) RearmPriceAlert(ctx context.Context, id string) error {
	_, err := casJSON(ctx, s, s.priceAlertsKey(), id, func(a *domain.PriceAlert) bool {
		a.Rearm()
		return true
	})
	if err != nil {
		return fmt.Errorf("rearm price alert: %w", err)
	}
	return nil
}

// PutPortfolioAlert creates or replaces a portfolio alert
func (s *RedisStore) PutPortfolioAlert(ctx context.Context, a *domain.PortfolioAlert) error {
	if err := putJSON(ctx, s.rdb, s.portfolioAlertsKey(), a.ID, a); err != nil {
		return fmt.Errorf("save portfolio alert: %w", err)
	}
	return nil
}

// GetPortfolioAlert retrieves a portfolio alert by id
func (s *RedisStore) GetPortfolioAlert(ctx context.Context, id string) (*domain.PortfolioAlert, error) {
	a, err := getJSON[domain.PortfolioAlert](ctx, s.rdb, s.portfolioAlertsKey(), id)
	if err != nil {
		return nil, fmt.Errorf("get portfolio alert: %w", err)
	}
	return a, nil
}

// DeletePortfolioAlert deletes a portfolio alert
func (s *RedisStore) DeletePortfolioAlert(ctx context.Context, id string) error {
	if err := s.rdb.HDel(ctx, s.portfolioAlertsKey(), id).Err(); err != nil {
		return fmt.Errorf("delete portfolio alert: %w", err)
	}
	return nil
}

// ListPortfolioAlerts retrieves all portfolio alerts of a user, newest first
func (s *RedisStore) ListPortfolioAlerts(ctx context.Context, userID string) ([]domain.PortfolioAlert, error) {
	alerts, err := allJSON(ctx, s.rdb, s.portfolioAlertsKey(), func(a *domain.PortfolioAlert) bool { return a.UserID == userID })
	if err != nil {
		return nil, fmt.Errorf("list portfolio alerts: %w", err)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })
	return alerts, nil
}

// ListActivePortfolioAlerts retrieves every ACTIVE portfolio alert
func (s *RedisStore) ListActivePortfolioAlerts(ctx context.Context) ([]domain.PortfolioAlert, error) {
	alerts, err := allJSON(ctx, s.rdb, s.portfolioAlertsKey(), (*domain.PortfolioAlert).IsActive)
	if err != nil {
		return nil, fmt.Errorf("list active portfolio alerts: %w", err)
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].UserID != alerts[j].UserID {
			return alerts[i].UserID < alerts[j].UserID
		}
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
	return alerts, nil
}

// TriggerPortfolioAlert transitions ACTIVE -> TRIGGERED under WATCH
func (s *RedisStore) TriggerPortfolioAlert(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := casJSON(ctx, s, s.portfolioAlertsKey(), id, func(a *domain.PortfolioAlert) bool {
		if !a.IsActive() {
			return false
		}
		a.Trigger(at)
		return true
	})
	if err != nil {
		return false, fmt.Errorf("trigger portfolio alert: %w", err)
	}
	return ok, nil
}

// RearmPortfolioAlert moves an alert back to ACTIVE
func (s *RedisStore) RearmPortfolioAlert(ctx context.Context, id string) error {
	_, err := casJSON(ctx, s, s.portfolioAlertsKey(), id, func(a *domain.PortfolioAlert) bool {
		a.Rearm()
		return true
	})
	if err != nil {
		return fmt.Errorf("rearm portfolio alert: %w", err)
	}
	return nil
}
