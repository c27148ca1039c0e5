package exposure

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betx/internal/engine"
	"betx/internal/store"
	"betx/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, m *store.Memory) (marketID, selectionID, backer, layer uuid.UUID) {
	t.Helper()
	matchID := uuid.New()
	marketID, selectionID = uuid.New(), uuid.New()
	backer, layer = uuid.New(), uuid.New()
	err := m.InTx(context.Background(), func(tx store.Tx) error {
		if err := tx.InsertMatch(&types.Match{
			ID: matchID, HomeTeam: "A", AwayTeam: "B", SportKey: "soccer",
			StartTime: time.Now(), Status: types.MatchLive, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		if err := tx.InsertMarket(&types.Market{
			ID: marketID, MatchID: matchID, Name: "Match Odds",
			Status: types.MarketOpen, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		if err := tx.InsertRunner(&types.Runner{ID: selectionID, MarketID: marketID, Name: "A"}); err != nil {
			return err
		}
		for _, id := range []uuid.UUID{backer, layer} {
			if err := tx.InsertUser(&types.User{
				ID: id, Email: id.String() + "@test", Role: types.RoleUser, CreatedAt: time.Now(),
			}); err != nil {
				return err
			}
			if err := tx.InsertWallet(&types.Wallet{
				UserID: id, Balance: d("1000"), Exposure: decimal.Zero, UpdatedAt: time.Now(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}
	return marketID, selectionID, backer, layer
}

func TestReconcileConsistentAfterFlow(t *testing.T) {
	t.Parallel()

	m := store.NewMemory()
	marketID, selectionID, backer, layer := seed(t, m)
	eng := engine.New(m, nil, testLogger())
	tracker := NewTracker(m, testLogger())
	ctx := context.Background()

	// Backer rests 150 at 2.00, layer takes 100 of it: the backer holds
	// 50 on the resting remainder plus 100 on the matched trade.
	_, err := eng.PlaceOrder(ctx, engine.PlaceRequest{
		UserID: backer, MarketID: marketID, SelectionID: selectionID,
		Side: types.BACK, Price: d("2.00"), Stake: d("150"),
	})
	if err != nil {
		t.Fatalf("placing back: %v", err)
	}
	_, err = eng.PlaceOrder(ctx, engine.PlaceRequest{
		UserID: layer, MarketID: marketID, SelectionID: selectionID,
		Side: types.LAY, Price: d("2.00"), Stake: d("100"),
	})
	if err != nil {
		t.Fatalf("placing lay: %v", err)
	}

	report, err := tracker.Reconcile(ctx, backer)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.Consistent {
		t.Fatalf("backer drift = %s, want consistent", report.Drift)
	}
	if !report.OrderLocked.Equal(d("50")) || !report.TradeLocked.Equal(d("100")) {
		t.Errorf("backer locks = %s orders / %s trades, want 50/100",
			report.OrderLocked, report.TradeLocked)
	}

	report, err = tracker.Reconcile(ctx, layer)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.Consistent || !report.TradeLocked.Equal(d("100")) {
		t.Errorf("layer = consistent %v, trade lock %s; want true/100",
			report.Consistent, report.TradeLocked)
	}

	held, err := tracker.ForMarket(ctx, backer, marketID)
	if err != nil {
		t.Fatalf("ForMarket: %v", err)
	}
	if !held.Equal(d("150")) {
		t.Errorf("market exposure = %s, want 150", held)
	}
}

func TestReconcileDetectsDrift(t *testing.T) {
	t.Parallel()

	m := store.NewMemory()
	_, _, backer, _ := seed(t, m)
	tracker := NewTracker(m, testLogger())
	ctx := context.Background()

	// Corrupt the wallet directly: locked funds with no backing order.
	err := m.InTx(ctx, func(tx store.Tx) error {
		return tx.UpdateWallet(backer, d("1000"), d("25"))
	})
	if err != nil {
		t.Fatalf("corrupting wallet: %v", err)
	}

	report, err := tracker.Reconcile(ctx, backer)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Consistent || !report.Drift.Equal(d("25")) {
		t.Errorf("drift = %s consistent = %v, want 25/false", report.Drift, report.Consistent)
	}
}

func TestReconcileConsistentAfterPriceImprovedLay(t *testing.T) {
	t.Parallel()

	m := store.NewMemory()
	marketID, selectionID, backer, layer := seed(t, m)
	eng := engine.New(m, nil, testLogger())
	tracker := NewTracker(m, testLogger())
	ctx := context.Background()

	// Backer rests at 2.50; the lay's limit is 2.00 but it trades at the
	// resting 2.50. The layer only ever locked (2.00−1)·100 = 100, not the
	// trade-price liability of 150.
	_, err := eng.PlaceOrder(ctx, engine.PlaceRequest{
		UserID: backer, MarketID: marketID, SelectionID: selectionID,
		Side: types.BACK, Price: d("2.50"), Stake: d("100"),
	})
	if err != nil {
		t.Fatalf("placing back: %v", err)
	}
	res, err := eng.PlaceOrder(ctx, engine.PlaceRequest{
		UserID: layer, MarketID: marketID, SelectionID: selectionID,
		Side: types.LAY, Price: d("2.00"), Stake: d("100"),
	})
	if err != nil {
		t.Fatalf("placing lay: %v", err)
	}
	if len(res.Trades) != 1 || !res.Trades[0].Price.Equal(d("2.50")) {
		t.Fatalf("trades = %+v, want one at 2.50", res.Trades)
	}

	report, err := tracker.Reconcile(ctx, layer)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.Consistent {
		t.Fatalf("layer drift = %s, want consistent", report.Drift)
	}
	if !report.TradeLocked.Equal(d("100")) {
		t.Errorf("layer trade lock = %s, want the placement-time 100", report.TradeLocked)
	}
}
