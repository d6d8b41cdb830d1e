package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crypsync/internal/domain"

	"github.com/shopspring/decimal"
)

var errAbort = errors.New("abort")

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// runStoreSuite exercises the domain.Store contract against one adapter.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) domain.Store) {
	t.Run("UpdateAndReadBack", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.Update(ctx, "u1", func(tx domain.StoreTx) error {
			h := domain.NewHolding("u1", "bitcoin")
			h.ApplyBuy(dec("1.5"), dec("100"), t0)
			if err := tx.PutHolding(ctx, h); err != nil {
				return err
			}

			// Reads inside the update see its own writes
			got, err := tx.GetHolding(ctx, "u1", "bitcoin")
			if err != nil {
				return err
			}
			if got == nil || !got.Amount.Equal(dec("1.5")) {
				t.Errorf("read-your-writes failed: %+v", got)
			}

			txn := domain.NewTransaction("tx1", "u1", "bitcoin", domain.SideBuy, dec("1.5"), dec("100"), t0)
			if err := tx.AppendTransaction(ctx, &txn); err != nil {
				return err
			}

			holdings, err := tx.ListHoldings(ctx, "u1")
			if err != nil {
				return err
			}
			snap := domain.NewSnapshot("s1", "u1", t0, holdings)
			return tx.AppendSnapshot(ctx, &snap)
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		h, err := s.GetHolding(ctx, "u1", "bitcoin")
		if err != nil {
			t.Fatalf("GetHolding failed: %v", err)
		}
		if h == nil {
			t.Fatal("holding is nil")
		}
		if !h.AvgCost.Equal(dec("100")) || !h.TotalInvested.Equal(dec("150")) {
			t.Errorf("unexpected holding %+v", h)
		}
		if h.FirstPurchaseAt == nil || !h.FirstPurchaseAt.Equal(t0) {
			t.Errorf("FirstPurchaseAt = %v", h.FirstPurchaseAt)
		}

		snaps, err := s.ListSnapshots(ctx, "u1", time.Time{})
		if err != nil {
			t.Fatalf("ListSnapshots failed: %v", err)
		}
		if len(snaps) != 1 || !snaps[0].TotalValue.Equal(dec("150")) {
			t.Fatalf("unexpected snapshots %+v", snaps)
		}
		if hs := snaps[0].Holdings["bitcoin"]; !hs.Amount.Equal(dec("1.5")) {
			t.Errorf("snapshot holding = %+v", hs)
		}
	})

	t.Run("UpdateAbortLeavesNoTrace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.Update(ctx, "u1", func(tx domain.StoreTx) error {
			h := domain.NewHolding("u1", "eth")
			h.ApplyBuy(dec("1"), dec("10"), t0)
			if err := tx.PutHolding(ctx, h); err != nil {
				return err
			}
			txn := domain.NewTransaction("tx1", "u1", "eth", domain.SideBuy, dec("1"), dec("10"), t0)
			if err := tx.AppendTransaction(ctx, &txn); err != nil {
				return err
			}
			return errAbort
		})
		if !errors.Is(err, errAbort) {
			t.Fatalf("Expected abort error, got %v", err)
		}

		h, _ := s.GetHolding(ctx, "u1", "eth")
		if h != nil {
			t.Errorf("holding persisted after abort: %+v", h)
		}
		txs, _ := s.ListTransactions(ctx, "u1", 0)
		if len(txs) != 0 {
			t.Errorf("transactions persisted after abort: %d", len(txs))
		}
	})

	t.Run("DeleteHolding", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		putHolding(t, s, "u1", "eth", "2", "10")

		err := s.Update(ctx, "u1", func(tx domain.StoreTx) error {
			if err := tx.DeleteHolding(ctx, "u1", "eth"); err != nil {
				return err
			}
			hs, err := tx.ListHoldings(ctx, "u1")
			if err != nil {
				return err
			}
			if len(hs) != 0 {
				t.Errorf("deleted holding still listed inside update: %+v", hs)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		h, err := s.GetHolding(ctx, "u1", "eth")
		if err != nil {
			t.Fatalf("GetHolding after delete failed: %v", err)
		}
		if h != nil {
			t.Error("expected holding to be deleted, but found record")
		}
	})

	t.Run("TransactionsNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, id := range []string{"a", "b", "c"} {
			at := t0.Add(time.Duration(i) * time.Minute)
			err := s.Update(ctx, "u1", func(tx domain.StoreTx) error {
				txn := domain.NewTransaction(id, "u1", "eth", domain.SideBuy, dec("1"), dec("1"), at)
				return tx.AppendTransaction(ctx, &txn)
			})
			if err != nil {
				t.Fatalf("append %s: %v", id, err)
			}
		}

		txs, err := s.ListTransactions(ctx, "u1", 2)
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(txs) != 2 || txs[0].ID != "c" || txs[1].ID != "b" {
			t.Errorf("unexpected order: %+v", txs)
		}
		if !txs[0].Total.Equal(dec("1")) || txs[0].Status != domain.TxStatusCompleted {
			t.Errorf("unexpected transaction %+v", txs[0])
		}
	})

	t.Run("PruneSnapshots", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.Update(ctx, "u1", func(tx domain.StoreTx) error {
			for i := 0; i <= 12; i++ {
				// one snapshot every 10 days, from 120 days ago until now
				at := t0.Add(-time.Duration(120-i*10) * 24 * time.Hour)
				snap := domain.NewSnapshot("s"+string(rune('a'+i)), "u1", at, nil)
				if err := tx.AppendSnapshot(ctx, &snap); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("seed snapshots: %v", err)
		}

		var removed int64
		err = s.Update(ctx, "u1", func(tx domain.StoreTx) error {
			var err error
			removed, err = tx.PruneSnapshots(ctx, "u1", t0.Add(-90*24*time.Hour))
			return err
		})
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if removed != 3 {
			t.Errorf("removed = %d, want 3", removed)
		}

		snaps, err := s.ListSnapshots(ctx, "u1", time.Time{})
		if err != nil {
			t.Fatalf("ListSnapshots failed: %v", err)
		}
		if len(snaps) != 10 {
			t.Fatalf("remaining = %d, want 10", len(snaps))
		}
		for _, snap := range snaps {
			if snap.CreatedAt.Before(t0.Add(-90 * 24 * time.Hour)) {
				t.Errorf("snapshot older than retention survived: %v", snap.CreatedAt)
			}
		}
		if !snaps[0].CreatedAt.Before(snaps[len(snaps)-1].CreatedAt) {
			t.Error("snapshots should be ascending")
		}

		recent, err := s.ListSnapshots(ctx, "u1", t0.Add(-15*24*time.Hour))
		if err != nil {
			t.Fatalf("ListSnapshots since failed: %v", err)
		}
		if len(recent) != 2 {
			t.Errorf("recent = %d, want 2", len(recent))
		}
	})

	t.Run("PriceAlertLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		alert := domain.NewPriceAlert("pa1", "u1", "bitcoin", dec("50000"), domain.DirectionAbove, t0)
		if err := s.PutPriceAlert(ctx, alert); err != nil {
			t.Fatalf("PutPriceAlert failed: %v", err)
		}
		other := domain.NewPriceAlert("pa2", "u2", "eth", dec("10"), domain.DirectionBelow, t0.Add(time.Second))
		if err := s.PutPriceAlert(ctx, other); err != nil {
			t.Fatalf("PutPriceAlert failed: %v", err)
		}

		mine, err := s.ListPriceAlerts(ctx, "u1")
		if err != nil || len(mine) != 1 || mine[0].ID != "pa1" {
			t.Fatalf("ListPriceAlerts = %+v, %v", mine, err)
		}

		ok, err := s.TriggerPriceAlert(ctx, "pa1", t0.Add(time.Hour))
		if err != nil || !ok {
			t.Fatalf("first trigger = %v, %v", ok, err)
		}
		ok, err = s.TriggerPriceAlert(ctx, "pa1", t0.Add(2*time.Hour))
		if err != nil || ok {
			t.Fatalf("second trigger = %v, %v; want false", ok, err)
		}

		got, err := s.GetPriceAlert(ctx, "pa1")
		if err != nil || got == nil {
			t.Fatalf("GetPriceAlert = %v, %v", got, err)
		}
		if got.State != domain.AlertTriggered || got.LastTriggeredAt == nil || !got.LastTriggeredAt.Equal(t0.Add(time.Hour)) {
			t.Errorf("unexpected triggered alert %+v", got)
		}

		active, err := s.ListActivePriceAlerts(ctx)
		if err != nil || len(active) != 1 || active[0].ID != "pa2" {
			t.Errorf("ListActivePriceAlerts = %+v, %v", active, err)
		}

		if err := s.RearmPriceAlert(ctx, "pa1"); err != nil {
			t.Fatalf("RearmPriceAlert failed: %v", err)
		}
		got, _ = s.GetPriceAlert(ctx, "pa1")
		if got.State != domain.AlertActive {
			t.Errorf("state after rearm = %s", got.State)
		}

		if err := s.DeletePriceAlert(ctx, "pa1"); err != nil {
			t.Fatalf("DeletePriceAlert failed: %v", err)
		}
		got, err = s.GetPriceAlert(ctx, "pa1")
		if err != nil || got != nil {
			t.Errorf("alert still present after delete: %+v, %v", got, err)
		}
	})

	t.Run("TriggerExactlyOnceConcurrently", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		alert := domain.NewPortfolioAlert("pf1", "u1", domain.RuleValueBelow, dec("100"), t0)
		if err := s.PutPortfolioAlert(ctx, alert); err != nil {
			t.Fatalf("PutPortfolioAlert failed: %v", err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.TriggerPortfolioAlert(ctx, "pf1", t0)
				if err != nil {
					t.Errorf("TriggerPortfolioAlert: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if wins != 1 {
			t.Errorf("transitions = %d, want exactly 1", wins)
		}

		active, err := s.ListActivePortfolioAlerts(ctx)
		if err != nil || len(active) != 0 {
			t.Errorf("ListActivePortfolioAlerts = %+v, %v", active, err)
		}
		listed, err := s.ListPortfolioAlerts(ctx, "u1")
		if err != nil || len(listed) != 1 || listed[0].State != domain.AlertTriggered {
			t.Errorf("ListPortfolioAlerts = %+v, %v", listed, err)
		}
	})

	t.Run("MissingRecordsAreNil", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if h, err := s.GetHolding(ctx, "nobody", "eth"); h != nil || err != nil {
			t.Errorf("GetHolding = %v, %v", h, err)
		}
		if a, err := s.GetPortfolioAlert(ctx, "missing"); a != nil || err != nil {
			t.Errorf("GetPortfolioAlert = %v, %v", a, err)
		}
		if ok, err := s.TriggerPriceAlert(ctx, "missing", t0); ok || err != nil {
			t.Errorf("TriggerPriceAlert missing = %v, %v", ok, err)
		}
	})
}

func putHolding(t *testing.T, s domain.Store, userID, assetID, amount, price string) {
	t.Helper()
	ctx := context.Background()
	err := s.Update(ctx, userID, func(tx domain.StoreTx) error {
		h := domain.NewHolding(userID, assetID)
		h.ApplyBuy(dec(amount), dec(price), t0)
		return tx.PutHolding(ctx, h)
	})
	if err != nil {
		t.Fatalf("put holding: %v", err)
	}
}
