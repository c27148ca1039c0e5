package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betx/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func seedUser(t *testing.T, m *Memory, balance string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := m.InTx(context.Background(), func(tx Tx) error {
		if err := tx.InsertUser(&types.User{
			ID: id, Email: id.String() + "@test", Role: types.RoleUser, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return tx.InsertWallet(&types.Wallet{
			UserID: id, Balance: d(balance), Exposure: decimal.Zero, UpdatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	return id
}

func seedBook(t *testing.T, m *Memory) (marketID, selectionID uuid.UUID) {
	t.Helper()
	marketID, selectionID = uuid.New(), uuid.New()
	matchID := uuid.New()
	err := m.InTx(context.Background(), func(tx Tx) error {
		if err := tx.InsertMatch(&types.Match{
			ID: matchID, HomeTeam: "A", AwayTeam: "B", SportKey: "soccer",
			StartTime: time.Now().Add(time.Hour), Status: types.MatchUpcoming, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		if err := tx.InsertMarket(&types.Market{
			ID: marketID, MatchID: matchID, Name: "Match Odds",
			Status: types.MarketOpen, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return tx.InsertRunner(&types.Runner{ID: selectionID, MarketID: marketID, Name: "A"})
	})
	if err != nil {
		t.Fatalf("seeding book: %v", err)
	}
	return marketID, selectionID
}

func restingOrder(userID, marketID, selectionID uuid.UUID, side types.Side, price, stake string) *types.Order {
	p, s := d(price), d(stake)
	now := time.Now()
	return &types.Order{
		ID: uuid.New(), UserID: userID, MarketID: marketID, SelectionID: selectionID,
		Side: side, Price: p, Stake: s,
		MatchedStake: decimal.Zero, RemainingStake: s,
		LockedExposure: side.Exposure(p, s),
		Status:         types.OrderOpen, CreatedAt: now, UpdatedAt: now,
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	userID := seedUser(t, m, "100")

	boom := errors.New("boom")
	err := m.InTx(context.Background(), func(tx Tx) error {
		if err := tx.UpdateWallet(userID, d("5"), decimal.Zero); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}

	w, err := m.GetWallet(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if !w.Balance.Equal(d("100")) {
		t.Errorf("balance after rollback = %s, want 100", w.Balance)
	}
}

func TestNextCandidatePriceTimePriority(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	marketID, selectionID := seedBook(t, m)
	u1, u2, u3 := seedUser(t, m, "1000"), seedUser(t, m, "1000"), seedUser(t, m, "1000")
	incoming := seedUser(t, m, "1000")

	// Three resting lays: 2.10 (u2) beats 2.20 (u1); at 2.10, u2 was first.
	first := restingOrder(u2, marketID, selectionID, types.LAY, "2.10", "50")
	second := restingOrder(u3, marketID, selectionID, types.LAY, "2.10", "50")
	worse := restingOrder(u1, marketID, selectionID, types.LAY, "2.20", "50")

	err := m.InTx(context.Background(), func(tx Tx) error {
		for _, o := range []*types.Order{worse, first, second} {
			if err := tx.InsertOrder(o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inserting orders: %v", err)
	}

	err = m.InTx(context.Background(), func(tx Tx) error {
		got, err := tx.NextCandidate(selectionID, types.BACK, d("2.20"), incoming)
		if err != nil {
			return err
		}
		if got.ID != first.ID {
			t.Errorf("best candidate = %s, want the earlier 2.10 lay", got.ID)
		}

		// Consume it; the later 2.10 lay must come next.
		if err := tx.UpdateOrderFill(got.ID, got.Stake, decimal.Zero, types.OrderMatched); err != nil {
			return err
		}
		got, err = tx.NextCandidate(selectionID, types.BACK, d("2.20"), incoming)
		if err != nil {
			return err
		}
		if got.ID != second.ID {
			t.Errorf("second candidate = %s, want the later 2.10 lay", got.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("matching scan: %v", err)
	}
}

func TestNextCandidateFilters(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	marketID, selectionID := seedBook(t, m)
	u1 := seedUser(t, m, "1000")
	incoming := seedUser(t, m, "1000")

	ownOrder := restingOrder(incoming, marketID, selectionID, types.LAY, "2.00", "50")
	tooHigh := restingOrder(u1, marketID, selectionID, types.LAY, "2.50", "50")
	err := m.InTx(context.Background(), func(tx Tx) error {
		if err := tx.InsertOrder(ownOrder); err != nil {
			return err
		}
		return tx.InsertOrder(tooHigh)
	})
	if err != nil {
		t.Fatalf("inserting orders: %v", err)
	}

	err = m.InTx(context.Background(), func(tx Tx) error {
		// Own order is skipped, and 2.50 does not cross a 2.20 limit.
		_, err := tx.NextCandidate(selectionID, types.BACK, d("2.20"), incoming)
		return err
	})
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("NextCandidate = %v, want ErrNotFound", err)
	}
}

func TestOrderBookAggregation(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	marketID, selectionID := seedBook(t, m)
	u1, u2 := seedUser(t, m, "1000"), seedUser(t, m, "1000")

	err := m.InTx(context.Background(), func(tx Tx) error {
		for _, o := range []*types.Order{
			restingOrder(u1, marketID, selectionID, types.BACK, "1.90", "100"),
			restingOrder(u2, marketID, selectionID, types.BACK, "1.90", "50"),
			restingOrder(u1, marketID, selectionID, types.BACK, "1.80", "30"),
			restingOrder(u2, marketID, selectionID, types.LAY, "2.10", "40"),
			restingOrder(u1, marketID, selectionID, types.LAY, "2.30", "60"),
		} {
			if err := tx.InsertOrder(o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inserting orders: %v", err)
	}

	back, lay, err := m.OrderBook(context.Background(), marketID, selectionID)
	if err != nil {
		t.Fatalf("OrderBook: %v", err)
	}

	if len(back) != 2 || len(lay) != 2 {
		t.Fatalf("levels = %d back / %d lay, want 2/2", len(back), len(lay))
	}
	// Best back first (highest price), aggregated across both orders.
	if !back[0].Price.Equal(d("1.90")) || !back[0].Stake.Equal(d("150")) || back[0].Orders != 2 {
		t.Errorf("best back = %+v, want 1.90/150/2", back[0])
	}
	// Best lay first (lowest price).
	if !lay[0].Price.Equal(d("2.10")) || !lay[0].Stake.Equal(d("40")) {
		t.Errorf("best lay = %+v, want 2.10/40", lay[0])
	}
}

func TestLedgerEntriesNewestFirst(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	userID := seedUser(t, m, "0")

	err := m.InTx(context.Background(), func(tx Tx) error {
		for i, amount := range []string{"10", "20", "30"} {
			e := &types.LedgerEntry{
				ID: uuid.New(), UserID: userID, Amount: d(amount),
				Kind: types.LedgerCredit, PostBalance: d(amount),
				CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
			}
			if err := tx.AppendLedger(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("appending ledger: %v", err)
	}

	entries, err := m.LedgerEntries(context.Background(), userID, 2)
	if err != nil {
		t.Fatalf("LedgerEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if !entries[0].Amount.Equal(d("30")) || !entries[1].Amount.Equal(d("20")) {
		t.Errorf("entries = [%s, %s], want newest first [30, 20]", entries[0].Amount, entries[1].Amount)
	}
}

func TestMatchByExternalID(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ext := "provider-123"
	matchID := uuid.New()
	err := m.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertMatch(&types.Match{
			ID: matchID, HomeTeam: "A", AwayTeam: "B", SportKey: "soccer",
			StartTime: time.Now(), ExternalID: &ext,
			Status: types.MatchUpcoming, CreatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("inserting match: %v", err)
	}

	err = m.InTx(context.Background(), func(tx Tx) error {
		got, err := tx.MatchByExternalID(ext)
		if err != nil {
			return err
		}
		if got.ID != matchID {
			t.Errorf("match = %s, want %s", got.ID, matchID)
		}
		_, err = tx.MatchByExternalID("missing")
		if !errors.Is(err, types.ErrNotFound) {
			t.Errorf("missing external id error = %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
}

func TestMarketForUpdateMirrorsGetMarket(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	marketID, _ := seedBook(t, m)

	err := m.InTx(context.Background(), func(tx Tx) error {
		got, err := tx.MarketForUpdate(marketID)
		if err != nil {
			return err
		}
		if got.ID != marketID || got.Status != types.MarketOpen {
			t.Errorf("market = %s/%s, want %s OPEN", got.ID, got.Status, marketID)
		}
		_, err = tx.MarketForUpdate(uuid.New())
		if !errors.Is(err, types.ErrNotFound) {
			t.Errorf("missing market error = %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("MarketForUpdate: %v", err)
	}
}
