package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

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

type fixture struct {
	store       *store.Memory
	engine      *Engine
	marketID    uuid.UUID
	selectionID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemory()
	matchID, marketID, selectionID := uuid.New(), uuid.New(), uuid.New()
	err := m.InTx(context.Background(), func(tx store.Tx) error {
		if err := tx.InsertMatch(&types.Match{
			ID: matchID, HomeTeam: "Home", AwayTeam: "Away", SportKey: "soccer",
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
		return tx.InsertRunner(&types.Runner{ID: selectionID, MarketID: marketID, Name: "Home"})
	})
	if err != nil {
		t.Fatalf("seeding fixture: %v", err)
	}
	return &fixture{
		store:       m,
		engine:      New(m, nil, testLogger()),
		marketID:    marketID,
		selectionID: selectionID,
	}
}

func (f *fixture) user(t *testing.T, balance string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := f.store.InTx(context.Background(), func(tx store.Tx) error {
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

func (f *fixture) place(t *testing.T, userID uuid.UUID, side types.Side, price, stake string) *PlaceResult {
	t.Helper()
	res, err := f.engine.PlaceOrder(context.Background(), PlaceRequest{
		UserID: userID, MarketID: f.marketID, SelectionID: f.selectionID,
		Side: side, Price: d(price), Stake: d(stake),
	})
	if err != nil {
		t.Fatalf("PlaceOrder(%s %s@%s): %v", side, stake, price, err)
	}
	return res
}

func (f *fixture) wallet(t *testing.T, userID uuid.UUID) *types.Wallet {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	return w
}

func TestExactMatchTwoUsers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice, bob := f.user(t, "1000"), f.user(t, "1000")

	res := f.place(t, alice, types.BACK, "2.50", "100")
	if res.Order.Status != types.OrderOpen || len(res.Trades) != 0 {
		t.Fatalf("first order = %s with %d trades, want OPEN resting", res.Order.Status, len(res.Trades))
	}

	res = f.place(t, bob, types.LAY, "2.50", "100")
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	trade := res.Trades[0]
	if !trade.Price.Equal(d("2.50")) || !trade.Stake.Equal(d("100")) {
		t.Errorf("trade = %s@%s, want 100@2.50", trade.Stake, trade.Price)
	}
	if trade.BackUserID != alice || trade.LayUserID != bob {
		t.Errorf("trade sides wrong: back=%s lay=%s", trade.BackUserID, trade.LayUserID)
	}
	if res.Order.Status != types.OrderMatched {
		t.Errorf("incoming status = %s, want MATCHED", res.Order.Status)
	}
	resting, err := f.store.GetOrder(context.Background(), trade.BackOrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if resting.Status != types.OrderMatched {
		t.Errorf("resting status = %s, want MATCHED", resting.Status)
	}

	// Both locks stay in place until settlement.
	aw, bw := f.wallet(t, alice), f.wallet(t, bob)
	if !aw.Balance.Equal(d("1000")) || !aw.Exposure.Equal(d("100")) {
		t.Errorf("alice wallet = %s/%s, want 1000/100", aw.Balance, aw.Exposure)
	}
	if !bw.Balance.Equal(d("1000")) || !bw.Exposure.Equal(d("150")) {
		t.Errorf("bob wallet = %s/%s, want 1000/150", bw.Balance, bw.Exposure)
	}
}

func TestTradePrintsAtRestingPrice(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	carol, dan := f.user(t, "1000"), f.user(t, "1000")

	f.place(t, carol, types.LAY, "2.40", "50")
	res := f.place(t, dan, types.BACK, "2.50", "50")

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	if !res.Trades[0].Price.Equal(d("2.40")) {
		t.Errorf("trade price = %s, want resting 2.40", res.Trades[0].Price)
	}
	if res.Order.Status != types.OrderMatched {
		t.Errorf("incoming status = %s, want MATCHED", res.Order.Status)
	}
}

func TestPartialFillThenCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	frank, eve := f.user(t, "1000"), f.user(t, "1000")

	f.place(t, frank, types.LAY, "3.00", "80")
	res := f.place(t, eve, types.BACK, "3.00", "200")

	if res.Order.Status != types.OrderPartial {
		t.Fatalf("status = %s, want PARTIAL", res.Order.Status)
	}
	if !res.Order.MatchedStake.Equal(d("80")) || !res.Order.RemainingStake.Equal(d("120")) {
		t.Fatalf("fill = %s/%s, want 80 matched / 120 remaining",
			res.Order.MatchedStake, res.Order.RemainingStake)
	}

	cancelled, err := f.engine.CancelOrder(context.Background(), eve, res.Order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Order.Status != types.OrderCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Order.Status)
	}
	if !cancelled.Order.MatchedStake.Equal(d("80")) || !cancelled.Order.RemainingStake.Equal(d("120")) {
		t.Errorf("cancelled fill = %s/%s, want 80/120",
			cancelled.Order.MatchedStake, cancelled.Order.RemainingStake)
	}

	// Lock 200 at placement, release 120 at cancel; matched 80 stays bound.
	ew := f.wallet(t, eve)
	if !ew.Exposure.Equal(d("80")) {
		t.Errorf("eve exposure = %s, want 80", ew.Exposure)
	}
	entries, err := f.store.LedgerEntries(context.Background(), eve, 10)
	if err != nil {
		t.Fatalf("LedgerEntries: %v", err)
	}
	var lock, release decimal.Decimal
	for _, e := range entries {
		switch e.Kind {
		case types.LedgerExposureLock:
			lock = e.Amount
		case types.LedgerExposureRelease:
			release = e.Amount
		}
	}
	if !lock.Equal(d("-200")) || !release.Equal(d("120")) {
		t.Errorf("ledger lock/release = %s/%s, want -200/120", lock, release)
	}
}

func TestInsufficientFunds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	user := f.user(t, "50")

	// Take 40 of the 50 with a resting back. LAY 3.00x10 then needs 20 > 10 available.
	f.place(t, user, types.BACK, "2.00", "40")

	_, err := f.engine.PlaceOrder(context.Background(), PlaceRequest{
		UserID: user, MarketID: f.marketID, SelectionID: f.selectionID,
		Side: types.LAY, Price: d("3.00"), Stake: d("10"),
	})
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("PlaceOrder = %v, want ErrInsufficientFunds", err)
	}

	w := f.wallet(t, user)
	if !w.Balance.Equal(d("50")) || !w.Exposure.Equal(d("40")) {
		t.Errorf("wallet = %s/%s, want unchanged 50/40", w.Balance, w.Exposure)
	}
	entries, err := f.store.LedgerEntries(context.Background(), user, 10)
	if err != nil {
		t.Fatalf("LedgerEntries: %v", err)
	}
	if len(entries) != 1 { // only the first order's lock
		t.Errorf("ledger entries = %d, want 1", len(entries))
	}
}

func TestEmptyBookRests(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	user := f.user(t, "1000")

	res := f.place(t, user, types.BACK, "2.00", "100")
	if res.Order.Status != types.OrderOpen {
		t.Errorf("status = %s, want OPEN", res.Order.Status)
	}
	if !res.Order.RemainingStake.Equal(d("100")) || len(res.Trades) != 0 {
		t.Errorf("remaining = %s trades = %d, want full stake resting", res.Order.RemainingStake, len(res.Trades))
	}
}

func TestPriceTimePriorityAcrossResting(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	u1, u2, u3, taker := f.user(t, "1000"), f.user(t, "1000"), f.user(t, "1000"), f.user(t, "1000")

	// Lays at 2.30 (u1), then 2.10 (u2), then 2.10 again (u3).
	f.place(t, u1, types.LAY, "2.30", "50")
	first := f.place(t, u2, types.LAY, "2.10", "50")
	second := f.place(t, u3, types.LAY, "2.10", "50")

	// Incoming back for 120 sweeps: 50 at 2.10 (u2), 50 at 2.10 (u3), 20 at 2.30 (u1).
	res := f.place(t, taker, types.BACK, "2.50", "120")
	if len(res.Trades) != 3 {
		t.Fatalf("trades = %d, want 3", len(res.Trades))
	}
	if res.Trades[0].LayOrderID != first.Order.ID || !res.Trades[0].Price.Equal(d("2.10")) {
		t.Errorf("trade 0 = %s@%s, want first 2.10 lay", res.Trades[0].Stake, res.Trades[0].Price)
	}
	if res.Trades[1].LayOrderID != second.Order.ID {
		t.Errorf("trade 1 should hit the later 2.10 lay")
	}
	if !res.Trades[2].Price.Equal(d("2.30")) || !res.Trades[2].Stake.Equal(d("20")) {
		t.Errorf("trade 2 = %s@%s, want 20@2.30", res.Trades[2].Stake, res.Trades[2].Price)
	}
	if res.Order.Status != types.OrderMatched {
		t.Errorf("incoming status = %s, want MATCHED", res.Order.Status)
	}
}

func TestSelfMatchPrevention(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	user := f.user(t, "1000")

	f.place(t, user, types.LAY, "2.00", "50")
	res := f.place(t, user, types.BACK, "2.00", "50")
	if len(res.Trades) != 0 || res.Order.Status != types.OrderOpen {
		t.Errorf("own orders must not match: %d trades, status %s", len(res.Trades), res.Order.Status)
	}
}

func TestPlacementRejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	user := f.user(t, "1000")
	ctx := context.Background()

	tests := []struct {
		name  string
		req   PlaceRequest
		want  error
		setup func()
	}{
		{
			name: "price at lower bound",
			req: PlaceRequest{UserID: user, MarketID: f.marketID, SelectionID: f.selectionID,
				Side: types.BACK, Price: d("1.00"), Stake: d("10")},
			want: types.ErrInvalidInput,
		},
		{
			name: "zero stake",
			req: PlaceRequest{UserID: user, MarketID: f.marketID, SelectionID: f.selectionID,
				Side: types.BACK, Price: d("2.00"), Stake: d("0")},
			want: types.ErrInvalidInput,
		},
		{
			name: "unknown side",
			req: PlaceRequest{UserID: user, MarketID: f.marketID, SelectionID: f.selectionID,
				Side: "SPREAD", Price: d("2.00"), Stake: d("10")},
			want: types.ErrInvalidInput,
		},
		{
			name: "runner from another market",
			req: PlaceRequest{UserID: user, MarketID: f.marketID, SelectionID: uuid.New(),
				Side: types.BACK, Price: d("2.00"), Stake: d("10")},
			want: types.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.PlaceOrder(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("PlaceOrder = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPlacementRequiresOpenMarket(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	user := f.user(t, "1000")

	err := f.store.InTx(context.Background(), func(tx store.Tx) error {
		return tx.UpdateMarketStatus(f.marketID, types.MarketSuspended)
	})
	if err != nil {
		t.Fatalf("suspending market: %v", err)
	}

	_, err = f.engine.PlaceOrder(context.Background(), PlaceRequest{
		UserID: user, MarketID: f.marketID, SelectionID: f.selectionID,
		Side: types.BACK, Price: d("2.00"), Stake: d("10"),
	})
	if !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("PlaceOrder on SUSPENDED = %v, want ErrInvalidState", err)
	}
}

func TestCancelGuards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	owner, other := f.user(t, "1000"), f.user(t, "1000")
	res := f.place(t, owner, types.BACK, "2.00", "100")
	ctx := context.Background()

	if _, err := f.engine.CancelOrder(ctx, other, res.Order.ID); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("foreign cancel = %v, want ErrPermissionDenied", err)
	}
	if _, err := f.engine.CancelOrder(ctx, owner, res.Order.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if _, err := f.engine.CancelOrder(ctx, owner, res.Order.ID); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("double cancel = %v, want ErrInvalidState", err)
	}

	// Round trip: wallet back where it started.
	w := f.wallet(t, owner)
	if !w.Balance.Equal(d("1000")) || !w.Exposure.IsZero() {
		t.Errorf("wallet after round trip = %s/%s, want 1000/0", w.Balance, w.Exposure)
	}
}

func TestOrderBookSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	u := f.user(t, "1000")
	f.place(t, u, types.BACK, "1.90", "100")
	f.place(t, u, types.LAY, "2.10", "40")

	back, lay, err := f.engine.OrderBook(context.Background(), f.marketID, f.selectionID)
	if err != nil {
		t.Fatalf("OrderBook: %v", err)
	}
	if len(back) != 1 || !back[0].Price.Equal(d("1.90")) {
		t.Errorf("back levels = %+v, want one at 1.90", back)
	}
	if len(lay) != 1 || !lay[0].Price.Equal(d("2.10")) {
		t.Errorf("lay levels = %+v, want one at 2.10", lay)
	}
}

type capturePublisher struct {
	NopPublisher
	changes []types.BalanceChange
}

func (p *capturePublisher) BalanceChanged(c types.BalanceChange) {
	p.changes = append(p.changes, c)
}

func TestPlaceAndCancelPublishBalanceChanges(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	pub := &capturePublisher{}
	f.engine = New(f.store, pub, testLogger())
	u := f.user(t, "1000")

	// LAY 3.00/50 locks the 100 liability.
	res := f.place(t, u, types.LAY, "3.00", "50")
	if len(pub.changes) != 1 {
		t.Fatalf("events after place = %d, want 1", len(pub.changes))
	}
	c := pub.changes[0]
	if c.UserID != u || c.ChangedBy != types.LedgerExposureLock {
		t.Errorf("place event = user %s kind %s, want %s EXPOSURE_LOCK", c.UserID, c.ChangedBy, u)
	}
	if !c.Amount.Equal(d("-100")) || !c.Exposure.Equal(d("100")) || !c.Available.Equal(d("900")) {
		t.Errorf("place event = amount %s exposure %s available %s, want -100/100/900",
			c.Amount, c.Exposure, c.Available)
	}

	if _, err := f.engine.CancelOrder(context.Background(), u, res.Order.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if len(pub.changes) != 2 {
		t.Fatalf("events after cancel = %d, want 2", len(pub.changes))
	}
	c = pub.changes[1]
	if c.ChangedBy != types.LedgerExposureRelease || !c.Amount.Equal(d("100")) {
		t.Errorf("cancel event = kind %s amount %s, want EXPOSURE_RELEASE 100", c.ChangedBy, c.Amount)
	}
	if !c.Exposure.IsZero() || !c.Available.Equal(d("1000")) {
		t.Errorf("cancel event = exposure %s available %s, want 0/1000", c.Exposure, c.Available)
	}
}

func TestRejectedPlacementPublishesNoBalanceChange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	pub := &capturePublisher{}
	f.engine = New(f.store, pub, testLogger())
	u := f.user(t, "10")

	_, err := f.engine.PlaceOrder(context.Background(), PlaceRequest{
		UserID: u, MarketID: f.marketID, SelectionID: f.selectionID,
		Side: types.BACK, Price: d("2.00"), Stake: d("100"),
	})
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("PlaceOrder = %v, want ErrInsufficientFunds", err)
	}
	if len(pub.changes) != 0 {
		t.Errorf("events after rejected place = %d, want 0", len(pub.changes))
	}
}
