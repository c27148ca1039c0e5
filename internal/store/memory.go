package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betx/pkg/types"
)

// Memory is an in-memory Store used by tests and development mode.
//
// Transactions are serialized by a single mutex, so the SKIP LOCKED
// semantics of the Postgres store degenerate to a plain ordered scan: no
// two transactions ever hold claims concurrently. Rollback is implemented
// by snapshotting the whole state at transaction start and restoring it if
// the transaction function returns an error.
type Memory struct {
	mu sync.Mutex
	st memState
}

type pairKey struct {
	a, b uuid.UUID
}

type memState struct {
	users    map[uuid.UUID]types.User
	wallets  map[uuid.UUID]types.Wallet
	ledger   []types.LedgerEntry
	matches  map[uuid.UUID]types.Match
	markets  map[uuid.UUID]types.Market
	runners  map[uuid.UUID]types.Runner
	orders   map[uuid.UUID]types.Order
	trades   map[uuid.UUID]types.Trade
	expos    map[pairKey]types.MarketExposure
	odds     map[pairKey]types.ReferenceOdds
	orderSeq map[uuid.UUID]int64
	tradeSeq map[uuid.UUID]int64
	seq      int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{st: newMemState()}
}

func newMemState() memState {
	return memState{
		users:    make(map[uuid.UUID]types.User),
		wallets:  make(map[uuid.UUID]types.Wallet),
		matches:  make(map[uuid.UUID]types.Match),
		markets:  make(map[uuid.UUID]types.Market),
		runners:  make(map[uuid.UUID]types.Runner),
		orders:   make(map[uuid.UUID]types.Order),
		trades:   make(map[uuid.UUID]types.Trade),
		expos:    make(map[pairKey]types.MarketExposure),
		odds:     make(map[pairKey]types.ReferenceOdds),
		orderSeq: make(map[uuid.UUID]int64),
		tradeSeq: make(map[uuid.UUID]int64),
	}
}

func (s memState) clone() memState {
	c := newMemState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	c.ledger = append(c.ledger, s.ledger...)
	for k, v := range s.matches {
		c.matches[k] = v
	}
	for k, v := range s.markets {
		c.markets[k] = v
	}
	for k, v := range s.runners {
		c.runners[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.trades {
		c.trades[k] = v
	}
	for k, v := range s.expos {
		c.expos[k] = v
	}
	for k, v := range s.odds {
		c.odds[k] = v
	}
	for k, v := range s.orderSeq {
		c.orderSeq[k] = v
	}
	for k, v := range s.tradeSeq {
		c.tradeSeq[k] = v
	}
	c.seq = s.seq
	return c
}

// InTx runs fn under the store mutex. On error the pre-transaction state is
// restored, so a failed transaction has no observable effect.
func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&memTx{st: &m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

// ————————————————————————————————————————————————————————————————————————
// Lock-free reads
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) GetWallet(ctx context.Context, userID uuid.UUID) (*types.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{st: &m.st}).WalletForUpdate(userID)
}

func (m *Memory) GetOrder(ctx context.Context, orderID uuid.UUID) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{st: &m.st}).OrderForUpdate(orderID)
}

func (m *Memory) GetMarket(ctx context.Context, marketID uuid.UUID) (*types.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{st: &m.st}).GetMarket(marketID)
}

func (m *Memory) GetMatch(ctx context.Context, matchID uuid.UUID) (*types.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{st: &m.st}).GetMatch(matchID)
}

func (m *Memory) GetRunners(ctx context.Context, marketID uuid.UUID) ([]types.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{st: &m.st}).RunnersByMarket(marketID)
}

func (m *Memory) OrderBook(ctx context.Context, marketID, selectionID uuid.UUID) (back, lay []types.BookLevel, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type agg struct {
		stake  decimal.Decimal
		orders int
	}
	backLevels := make(map[string]*agg)
	layLevels := make(map[string]*agg)

	for _, o := range m.st.orders {
		if o.MarketID != marketID || o.SelectionID != selectionID || !o.Status.Resting() {
			continue
		}
		levels := backLevels
		if o.Side == types.LAY {
			levels = layLevels
		}
		key := o.Price.String()
		a, ok := levels[key]
		if !ok {
			a = &agg{stake: decimal.Zero}
			levels[key] = a
		}
		a.stake = a.stake.Add(o.RemainingStake)
		a.orders++
	}

	build := func(levels map[string]*agg, desc bool) []types.BookLevel {
		out := make([]types.BookLevel, 0, len(levels))
		for key, a := range levels {
			price, _ := decimal.NewFromString(key)
			out = append(out, types.BookLevel{Price: price, Stake: a.stake, Orders: a.orders})
		}
		sort.Slice(out, func(i, j int) bool {
			if desc {
				return out[i].Price.GreaterThan(out[j].Price)
			}
			return out[i].Price.LessThan(out[j].Price)
		})
		return out
	}

	// BACK: best available to a layer is the highest back price.
	// LAY: best available to a backer is the lowest lay price.
	return build(backLevels, true), build(layLevels, false), nil
}

func (m *Memory) LedgerEntries(ctx context.Context, userID uuid.UUID, limit int) ([]types.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.LedgerEntry
	for i := len(m.st.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if m.st.ledger[i].UserID == userID {
			out = append(out, m.st.ledger[i])
		}
	}
	return out, nil
}

func (m *Memory) MatchesByStatus(ctx context.Context, status types.MatchStatus) ([]types.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Match
	for _, mt := range m.st.matches {
		if mt.Status == status {
			out = append(out, mt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Transaction
// ————————————————————————————————————————————————————————————————————————

type memTx struct {
	st *memState
}

func (t *memTx) GetUser(userID uuid.UUID) (*types.User, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, types.ErrNotFound)
	}
	return &u, nil
}

func (t *memTx) InsertUser(u *types.User) error {
	for _, existing := range t.st.users {
		if existing.Email == u.Email {
			return fmt.Errorf("email %q: %w", u.Email, types.ErrConflict)
		}
	}
	t.st.users[u.ID] = *u
	return nil
}

func (t *memTx) WalletForUpdate(userID uuid.UUID) (*types.Wallet, error) {
	w, ok := t.st.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet for user %s: %w", userID, types.ErrNotFound)
	}
	return &w, nil
}

func (t *memTx) InsertWallet(w *types.Wallet) error {
	if _, ok := t.st.wallets[w.UserID]; ok {
		return fmt.Errorf("wallet for user %s: %w", w.UserID, types.ErrConflict)
	}
	t.st.wallets[w.UserID] = *w
	return nil
}

func (t *memTx) UpdateWallet(userID uuid.UUID, balance, exposure decimal.Decimal) error {
	w, ok := t.st.wallets[userID]
	if !ok {
		return fmt.Errorf("wallet for user %s: %w", userID, types.ErrNotFound)
	}
	w.Balance = balance
	w.Exposure = exposure
	w.UpdatedAt = time.Now().UTC()
	t.st.wallets[userID] = w
	return nil
}

func (t *memTx) AppendLedger(e *types.LedgerEntry) error {
	t.st.ledger = append(t.st.ledger, *e)
	return nil
}

func (t *memTx) GetMatch(matchID uuid.UUID) (*types.Match, error) {
	m, ok := t.st.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", matchID, types.ErrNotFound)
	}
	return &m, nil
}

func (t *memTx) MatchByExternalID(externalID string) (*types.Match, error) {
	for _, m := range t.st.matches {
		if m.ExternalID != nil && *m.ExternalID == externalID {
			match := m
			return &match, nil
		}
	}
	return nil, fmt.Errorf("match external id %q: %w", externalID, types.ErrNotFound)
}

func (t *memTx) InsertMatch(m *types.Match) error {
	t.st.matches[m.ID] = *m
	return nil
}

func (t *memTx) UpdateMatchStatus(matchID uuid.UUID, status types.MatchStatus) error {
	m, ok := t.st.matches[matchID]
	if !ok {
		return fmt.Errorf("match %s: %w", matchID, types.ErrNotFound)
	}
	m.Status = status
	t.st.matches[matchID] = m
	return nil
}

func (t *memTx) GetMarket(marketID uuid.UUID) (*types.Market, error) {
	m, ok := t.st.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", marketID, types.ErrNotFound)
	}
	return &m, nil
}

// MarketForUpdate matches GetMarket here: transactions are serialized, so
// the shared/exclusive lock distinction of the Postgres store has no
// analogue.
func (t *memTx) MarketForUpdate(marketID uuid.UUID) (*types.Market, error) {
	return t.GetMarket(marketID)
}

func (t *memTx) MarketsByMatch(matchID uuid.UUID) ([]types.Market, error) {
	var out []types.Market
	for _, m := range t.st.markets {
		if m.MatchID == matchID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) InsertMarket(m *types.Market) error {
	t.st.markets[m.ID] = *m
	return nil
}

func (t *memTx) UpdateMarketStatus(marketID uuid.UUID, status types.MarketStatus) error {
	m, ok := t.st.markets[marketID]
	if !ok {
		return fmt.Errorf("market %s: %w", marketID, types.ErrNotFound)
	}
	m.Status = status
	t.st.markets[marketID] = m
	return nil
}

func (t *memTx) GetRunner(runnerID uuid.UUID) (*types.Runner, error) {
	r, ok := t.st.runners[runnerID]
	if !ok {
		return nil, fmt.Errorf("runner %s: %w", runnerID, types.ErrNotFound)
	}
	return &r, nil
}

func (t *memTx) RunnersByMarket(marketID uuid.UUID) ([]types.Runner, error) {
	var out []types.Runner
	for _, r := range t.st.runners {
		if r.MarketID == marketID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *memTx) InsertRunner(r *types.Runner) error {
	t.st.runners[r.ID] = *r
	return nil
}

func (t *memTx) SetRunnerWinner(runnerID uuid.UUID, isWinner *bool) error {
	r, ok := t.st.runners[runnerID]
	if !ok {
		return fmt.Errorf("runner %s: %w", runnerID, types.ErrNotFound)
	}
	r.IsWinner = isWinner
	t.st.runners[runnerID] = r
	return nil
}

func (t *memTx) InsertOrder(o *types.Order) error {
	t.st.seq++
	t.st.orderSeq[o.ID] = t.st.seq
	t.st.orders[o.ID] = *o
	return nil
}

func (t *memTx) OrderForUpdate(orderID uuid.UUID) (*types.Order, error) {
	o, ok := t.st.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}
	return &o, nil
}

func (t *memTx) UpdateOrderFill(orderID uuid.UUID, matched, remaining decimal.Decimal, status types.OrderStatus) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}
	o.MatchedStake = matched
	o.RemainingStake = remaining
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	t.st.orders[orderID] = o
	return nil
}

// NextCandidate scans the opposite side of the book in price-time order.
// Transactions are serialized here, so the SKIP LOCKED clause of the
// Postgres implementation has no analogue: no other transaction can hold a
// claim while this one runs.
func (t *memTx) NextCandidate(selectionID uuid.UUID, incoming types.Side, limit decimal.Decimal, excludeUser uuid.UUID) (*types.Order, error) {
	restingSide := incoming.Opposite()
	var best *types.Order

	for _, o := range t.st.orders {
		if o.SelectionID != selectionID || o.Side != restingSide || !o.Status.Resting() {
			continue
		}
		if !o.RemainingStake.IsPositive() || o.UserID == excludeUser {
			continue
		}
		if !incoming.Crosses(o.Price, limit) {
			continue
		}
		cand := o
		if best == nil || t.better(incoming, &cand, best) {
			best = &cand
		}
	}

	if best == nil {
		return nil, fmt.Errorf("candidate on selection %s: %w", selectionID, types.ErrNotFound)
	}
	return best, nil
}

// better reports whether a beats b under price-time priority for the given
// incoming side: lower price wins for an incoming BACK, higher for an
// incoming LAY; equal prices fall back to insertion order (FIFO).
func (t *memTx) better(incoming types.Side, a, b *types.Order) bool {
	switch {
	case a.Price.LessThan(b.Price):
		return incoming == types.BACK
	case a.Price.GreaterThan(b.Price):
		return incoming == types.LAY
	default:
		return t.st.orderSeq[a.ID] < t.st.orderSeq[b.ID]
	}
}

func (t *memTx) RestingOrdersByMarket(marketID uuid.UUID) ([]types.Order, error) {
	var out []types.Order
	for _, o := range t.st.orders {
		if o.MarketID == marketID && o.Status.Resting() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return t.st.orderSeq[out[i].ID] < t.st.orderSeq[out[j].ID]
	})
	return out, nil
}

func (t *memTx) OpenOrdersByUser(userID uuid.UUID) ([]types.Order, error) {
	var out []types.Order
	for _, o := range t.st.orders {
		if o.UserID == userID && o.Status.Resting() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return t.st.orderSeq[out[i].ID] < t.st.orderSeq[out[j].ID]
	})
	return out, nil
}

func (t *memTx) InsertTrade(tr *types.Trade) error {
	t.st.seq++
	t.st.tradeSeq[tr.ID] = t.st.seq
	t.st.trades[tr.ID] = *tr
	return nil
}

func (t *memTx) UnsettledTradesByMarket(marketID uuid.UUID) ([]types.Trade, error) {
	var out []types.Trade
	for _, tr := range t.st.trades {
		if tr.MarketID == marketID && !tr.Settled {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return t.st.tradeSeq[out[i].ID] < t.st.tradeSeq[out[j].ID]
	})
	return out, nil
}

func (t *memTx) UnsettledTradesByUser(userID uuid.UUID) ([]types.Trade, error) {
	var out []types.Trade
	for _, tr := range t.st.trades {
		if !tr.Settled && (tr.BackUserID == userID || tr.LayUserID == userID) {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return t.st.tradeSeq[out[i].ID] < t.st.tradeSeq[out[j].ID]
	})
	return out, nil
}

func (t *memTx) MarkTradeSettled(tradeID uuid.UUID) error {
	tr, ok := t.st.trades[tradeID]
	if !ok {
		return fmt.Errorf("trade %s: %w", tradeID, types.ErrNotFound)
	}
	now := time.Now().UTC()
	tr.Settled = true
	tr.SettledAt = &now
	t.st.trades[tradeID] = tr
	return nil
}

func (t *memTx) AddMarketExposure(userID, marketID uuid.UUID, delta decimal.Decimal) error {
	key := pairKey{userID, marketID}
	e, ok := t.st.expos[key]
	if !ok {
		e = types.MarketExposure{UserID: userID, MarketID: marketID, Exposure: decimal.Zero}
	}
	e.Exposure = e.Exposure.Add(delta)
	e.UpdatedAt = time.Now().UTC()
	t.st.expos[key] = e
	return nil
}

func (t *memTx) MarketExposure(userID, marketID uuid.UUID) (decimal.Decimal, error) {
	e, ok := t.st.expos[pairKey{userID, marketID}]
	if !ok {
		return decimal.Zero, nil
	}
	return e.Exposure, nil
}

func (t *memTx) UpsertReferenceOdds(o *types.ReferenceOdds) error {
	t.st.odds[pairKey{o.MarketID, o.SelectionID}] = *o
	return nil
}
