package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"betx/pkg/types"
)

// Schema is the exchange schema. Monetary columns are DECIMAL(15,2), odds
// DECIMAL(10,2); UUIDs are generated by the application, not the database.
// The seq column on orders is the FIFO tiebreak when created_at collides.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id          UUID PRIMARY KEY,
    email       TEXT NOT NULL UNIQUE,
    role        TEXT NOT NULL,
    parent_id   UUID REFERENCES users(id),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wallets (
    user_id     UUID PRIMARY KEY REFERENCES users(id),
    balance     DECIMAL(15,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    exposure    DECIMAL(15,2) NOT NULL DEFAULT 0 CHECK (exposure >= 0),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id            UUID PRIMARY KEY,
    user_id       UUID NOT NULL REFERENCES users(id),
    amount        DECIMAL(15,2) NOT NULL,
    kind          TEXT NOT NULL,
    post_balance  DECIMAL(15,2) NOT NULL,
    notes         TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_ledger_user_created
    ON ledger_entries (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS matches (
    id           UUID PRIMARY KEY,
    home_team    TEXT NOT NULL,
    away_team    TEXT NOT NULL,
    sport_key    TEXT NOT NULL,
    start_time   TIMESTAMPTZ NOT NULL,
    external_id  TEXT UNIQUE,
    status       TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS markets (
    id          UUID PRIMARY KEY,
    match_id    UUID NOT NULL REFERENCES matches(id),
    name        TEXT NOT NULL,
    status      TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_markets_match ON markets (match_id);

CREATE TABLE IF NOT EXISTS runners (
    id          UUID PRIMARY KEY,
    market_id   UUID NOT NULL REFERENCES markets(id),
    name        TEXT NOT NULL,
    back_price  DECIMAL(10,2) NOT NULL DEFAULT 0,
    lay_price   DECIMAL(10,2) NOT NULL DEFAULT 0,
    is_winner   BOOLEAN
);
CREATE INDEX IF NOT EXISTS idx_runners_market ON runners (market_id);

CREATE TABLE IF NOT EXISTS orders (
    id               UUID PRIMARY KEY,
    seq              BIGSERIAL,
    user_id          UUID NOT NULL REFERENCES users(id),
    market_id        UUID NOT NULL REFERENCES markets(id),
    selection_id     UUID NOT NULL REFERENCES runners(id),
    side             TEXT NOT NULL,
    price            DECIMAL(10,2) NOT NULL,
    stake            DECIMAL(15,2) NOT NULL,
    matched_stake    DECIMAL(15,2) NOT NULL DEFAULT 0,
    remaining_stake  DECIMAL(15,2) NOT NULL,
    locked_exposure  DECIMAL(15,2) NOT NULL DEFAULT 0,
    status           TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orders_book
    ON orders (selection_id, side, price, seq) WHERE status IN ('OPEN','PARTIAL');
CREATE INDEX IF NOT EXISTS idx_orders_market
    ON orders (market_id, status);
CREATE INDEX IF NOT EXISTS idx_orders_user
    ON orders (user_id, status);

CREATE TABLE IF NOT EXISTS trades (
    id             UUID PRIMARY KEY,
    market_id      UUID NOT NULL REFERENCES markets(id),
    selection_id   UUID NOT NULL REFERENCES runners(id),
    back_order_id  UUID NOT NULL REFERENCES orders(id),
    lay_order_id   UUID NOT NULL REFERENCES orders(id),
    back_user_id   UUID NOT NULL REFERENCES users(id),
    lay_user_id    UUID NOT NULL REFERENCES users(id),
    price          DECIMAL(10,2) NOT NULL,
    stake          DECIMAL(15,2) NOT NULL,
    settled        BOOLEAN NOT NULL DEFAULT FALSE,
    settled_at     TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_trades_market_settled
    ON trades (market_id) WHERE NOT settled;

CREATE TABLE IF NOT EXISTS market_exposures (
    user_id     UUID NOT NULL REFERENCES users(id),
    market_id   UUID NOT NULL REFERENCES markets(id),
    exposure    DECIMAL(15,2) NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, market_id)
);

CREATE TABLE IF NOT EXISTS reference_odds (
    market_id     UUID NOT NULL REFERENCES markets(id),
    selection_id  UUID NOT NULL REFERENCES runners(id),
    back_price    DECIMAL(10,2) NOT NULL,
    lay_price     DECIMAL(10,2) NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (market_id, selection_id)
);
`

// Postgres is the production Store, backed by sqlx over the pgx stdlib
// driver.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", url)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db}, nil
}

// Migrate applies the schema. Idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// InTx runs fn in a single READ COMMITTED transaction, rolling back on any
// error. Row locks taken through the Tx are held until commit.
func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Lock-free reads
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) GetWallet(ctx context.Context, userID uuid.UUID) (*types.Wallet, error) {
	var w types.Wallet
	err := p.db.GetContext(ctx, &w, `SELECT * FROM wallets WHERE user_id = $1`, userID)
	if err != nil {
		return nil, notFound(err, "wallet for user %s", userID)
	}
	return &w, nil
}

func (p *Postgres) GetOrder(ctx context.Context, orderID uuid.UUID) (*types.Order, error) {
	var o pgOrder
	err := p.db.GetContext(ctx, &o, `SELECT * FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return nil, notFound(err, "order %s", orderID)
	}
	return o.order(), nil
}

func (p *Postgres) GetMarket(ctx context.Context, marketID uuid.UUID) (*types.Market, error) {
	var m types.Market
	err := p.db.GetContext(ctx, &m, `SELECT * FROM markets WHERE id = $1`, marketID)
	if err != nil {
		return nil, notFound(err, "market %s", marketID)
	}
	return &m, nil
}

func (p *Postgres) GetMatch(ctx context.Context, matchID uuid.UUID) (*types.Match, error) {
	var m types.Match
	err := p.db.GetContext(ctx, &m, `SELECT * FROM matches WHERE id = $1`, matchID)
	if err != nil {
		return nil, notFound(err, "match %s", matchID)
	}
	return &m, nil
}

func (p *Postgres) GetRunners(ctx context.Context, marketID uuid.UUID) ([]types.Runner, error) {
	var rs []types.Runner
	err := p.db.SelectContext(ctx, &rs,
		`SELECT * FROM runners WHERE market_id = $1 ORDER BY name`, marketID)
	if err != nil {
		return nil, fmt.Errorf("listing runners for market %s: %w", marketID, err)
	}
	return rs, nil
}

func (p *Postgres) OrderBook(ctx context.Context, marketID, selectionID uuid.UUID) (back, lay []types.BookLevel, err error) {
	const q = `
		SELECT price, SUM(remaining_stake) AS stake, COUNT(*) AS orders
		FROM orders
		WHERE market_id = $1 AND selection_id = $2
		  AND side = $3 AND status IN ('OPEN','PARTIAL')
		GROUP BY price
		ORDER BY price %s`

	if err := p.db.SelectContext(ctx, &back, fmt.Sprintf(q, "DESC"), marketID, selectionID, types.BACK); err != nil {
		return nil, nil, fmt.Errorf("aggregating back levels: %w", err)
	}
	if err := p.db.SelectContext(ctx, &lay, fmt.Sprintf(q, "ASC"), marketID, selectionID, types.LAY); err != nil {
		return nil, nil, fmt.Errorf("aggregating lay levels: %w", err)
	}
	return back, lay, nil
}

func (p *Postgres) LedgerEntries(ctx context.Context, userID uuid.UUID, limit int) ([]types.LedgerEntry, error) {
	var es []types.LedgerEntry
	err := p.db.SelectContext(ctx, &es, `
		SELECT * FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing ledger for user %s: %w", userID, err)
	}
	return es, nil
}

func (p *Postgres) MatchesByStatus(ctx context.Context, status types.MatchStatus) ([]types.Match, error) {
	var ms []types.Match
	err := p.db.SelectContext(ctx, &ms,
		`SELECT * FROM matches WHERE status = $1 ORDER BY start_time`, status)
	if err != nil {
		return nil, fmt.Errorf("listing %s matches: %w", status, err)
	}
	return ms, nil
}

// ————————————————————————————————————————————————————————————————————————
// Transaction
// ————————————————————————————————————————————————————————————————————————

type pgTx struct {
	ctx context.Context
	tx  *sqlx.Tx
}

// pgOrder adds the seq column, which exists only in the database.
type pgOrder struct {
	types.Order
	Seq int64 `db:"seq"`
}

func (o *pgOrder) order() *types.Order {
	out := o.Order
	return &out
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, types.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func (t *pgTx) GetUser(userID uuid.UUID) (*types.User, error) {
	var u types.User
	err := t.tx.GetContext(t.ctx, &u, `SELECT * FROM users WHERE id = $1`, userID)
	if err != nil {
		return nil, notFound(err, "user %s", userID)
	}
	return &u, nil
}

func (t *pgTx) InsertUser(u *types.User) error {
	_, err := t.tx.NamedExecContext(t.ctx, `
		INSERT INTO users (id, email, role, parent_id, created_at)
		VALUES (:id, :email, :role, :parent_id, :created_at)`, u)
	if err != nil {
		return fmt.Errorf("inserting user %s: %w", u.ID, err)
	}
	return nil
}

func (t *pgTx) WalletForUpdate(userID uuid.UUID) (*types.Wallet, error) {
	var w types.Wallet
	err := t.tx.GetContext(t.ctx, &w,
		`SELECT * FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return nil, notFound(err, "wallet for user %s", userID)
	}
	return &w, nil
}

func (t *pgTx) InsertWallet(w *types.Wallet) error {
	_, err := t.tx.NamedExecContext(t.ctx, `
		INSERT INTO wallets (user_id, balance, exposure, updated_at)
		VALUES (:user_id, :balance, :exposure, :updated_at)`, w)
	if err != nil {
		return fmt.Errorf("inserting wallet for user %s: %w", w.UserID, err)
	}
	return nil
}

func (t *pgTx) UpdateWallet(userID uuid.UUID, balance, exposure decimal.Decimal) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE wallets SET balance = $2, exposure = $3, updated_at = now()
		WHERE user_id = $1`, userID, balance, exposure)
	if err != nil {
		return fmt.Errorf("updating wallet for user %s: %w", userID, err)
	}
	return requireRow(res, "wallet for user %s", userID)
}

func (t *pgTx) AppendLedger(e *types.LedgerEntry) error {
	_, err := t.tx.NamedExecContext(t.ctx, `
		INSERT INTO ledger_entries (id, user_id, amount, kind, post_balance, notes, created_at)
		VALUES (:id, :user_id, :amount, :kind, :post_balance, :notes, :created_at)`, e)
	if err != nil {
		return fmt.Errorf("appending ledger entry for user %s: %w", e.UserID, err)
	}
	return nil
}

func (t *pgTx) GetMatch(matchID uuid.UUID) (*types.Match, error) {
	var m types.Match
	err := t.tx.GetContext(t.ctx, &m,
		`SELECT * FROM matches WHERE id = $1 FOR UPDATE`, matchID)
	if err != nil {
		return nil, notFound(err, "match %s", matchID)
	}
	return &m, nil
}

func (t *pgTx) MatchByExternalID(externalID string) (*types.Match, error) {
	var m types.Match
	err := t.tx.GetContext(t.ctx, &m,
		`SELECT * FROM matches WHERE external_id = $1`, externalID)
	if err != nil {
		return nil, notFound(err, "match external id %q", externalID)
	}
	return &m, nil
}

func (t *pgTx) InsertMatch(m *types.Match) error {
	_, err := t.tx.NamedExecContext(t.ctx, `
		INSERT INTO matches (id, home_team, away_team, sport_key, start_time, external_id, status, created_at)
		VALUES (:id, :home_team, :away_team, :sport_key, :start_time, :external_id, :status, :created_at)`, m)
	if err != nil {
		return fmt.Errorf("inserting match %s: %w", m.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateMatchStatus(matchID uuid.UUID, status types.MatchStatus) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE matches SET status = $2 WHERE id = $1`, matchID, status)
	if err != nil {
		return fmt.Errorf("updating match %s status: %w", matchID, err)
	}
	return requireRow(res, "match %s", matchID)
}

// GetMarket takes a shared lock only: placements on the same market must
// not serialize on its row, or the SKIP LOCKED matching scan degrades to
// one placement at a time. Settlement and transitions take the exclusive
// lock via MarketForUpdate, which waits out in-flight placements.
func (t *pgTx) GetMarket(marketID uuid.UUID) (*types.Market, error) {
	var m types.Market
	err := t.tx.GetContext(t.ctx, &m,
		`SELECT * FROM markets WHERE id = $1 FOR SHARE`, marketID)
	if err != nil {
		return nil, notFound(err, "market %s", marketID)
	}
	return &m, nil
}

func (t *pgTx) MarketForUpdate(marketID uuid.UUID) (*types.Market, error) {
	var m types.Market
	err := t.tx.GetContext(t.ctx, &m,
		`SELECT * FROM markets WHERE id = $1 FOR UPDATE`, marketID)
	if err != nil {
		return nil, notFound(err, "market %s", marketID)
	}
	return &m, nil
}

func (t *pgTx) MarketsByMatch(matchID uuid.UUID) ([]types.Market, error) {
	var ms []types.Market
	err := t.tx.SelectContext(t.ctx, &ms,
		`SELECT * FROM markets WHERE match_id = $1 ORDER BY created_at FOR UPDATE`, matchID)
	if err != nil {
		return nil, fmt.Errorf("listing markets for match %s: %w", matchID, err)
	}
	return ms, nil
}

func (t *pgTx) InsertMarket(m *types.Market) error {
	_, err := t.tx.NamedExecContext(t.ctx, `
		INSERT INTO markets (id, match_id, name, status, created_at)
		VALUES (:id, :match_id, :name, :status, :created_at)`, m)
	if err != nil {
		return fmt.Errorf("inserting market %s: %w", m.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateMarketStatus(marketID uuid.UUID, status types.MarketStatus) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE markets SET status = $2 WHERE id = $1`, marketID, status)
	if err != nil {
		return fmt.Errorf("updating market %s status: %w", marketID, err)
	}
	return requireRow(res, "market %s", marketID)
}

func (t *pgTx) GetRunner(runnerID uuid.UUID) (*types.Runner, error) {
	var r types.Runner
	err := t.tx.GetContext(t.ctx, &r, `SELECT * FROM runners WHERE id = $1`, runnerID)
	if err != nil {
		return nil, notFound(err, "runner %s", runnerID)
	}
	return &r, nil
}

func (t *pgTx) RunnersByMarket(marketID uuid.UUID) ([]types.Runner, error) {
	var rs []types.Runner
	err := t.tx.SelectContext(t.ctx, &rs,
		`SELECT * FROM runners WHERE market_id = $1 ORDER BY name`, marketID)
	if err != nil {
		return nil, fmt.Errorf("listing runners for market %s: %w", marketID, err)
	}
	return rs, nil
}

func (t *pgTx) InsertRunner(r *types.Runner) error {
	_, err := t.tx.NamedExecContext(t.ctx, `
		INSERT INTO runners (id, market_id, name, back_price, lay_price, is_winner)
		VALUES (:id, :market_id, :name, :back_price, :lay_price, :is_winner)`, r)
	if err != nil {
		return fmt.Errorf("inserting runner %s: %w", r.ID, err)
	}
	return nil
}

func (t *pgTx) SetRunnerWinner(runnerID uuid.UUID, isWinner *bool) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE runners SET is_winner = $2 WHERE id = $1`, runnerID, isWinner)
	if err != nil {
		return fmt.Errorf("setting runner %s winner: %w", runnerID, err)
	}
	return requireRow(res, "runner %s", runnerID)
}

func (t *pgTx) InsertOrder(o *types.Order) error {
	_, err := t.tx.NamedExecContext(t.ctx, `
		INSERT INTO orders (id, user_id, market_id, selection_id, side, price,
		                    stake, matched_stake, remaining_stake, locked_exposure,
		                    status, created_at, updated_at)
		VALUES (:id, :user_id, :market_id, :selection_id, :side, :price,
		        :stake, :matched_stake, :remaining_stake, :locked_exposure,
		        :status, :created_at, :updated_at)`, o)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.ID, err)
	}
	return nil
}

func (t *pgTx) OrderForUpdate(orderID uuid.UUID) (*types.Order, error) {
	var o pgOrder
	err := t.tx.GetContext(t.ctx, &o,
		`SELECT * FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	if err != nil {
		return nil, notFound(err, "order %s", orderID)
	}
	return o.order(), nil
}

func (t *pgTx) UpdateOrderFill(orderID uuid.UUID, matched, remaining decimal.Decimal, status types.OrderStatus) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE orders
		SET matched_stake = $2, remaining_stake = $3, status = $4, updated_at = now()
		WHERE id = $1`, orderID, matched, remaining, status)
	if err != nil {
		return fmt.Errorf("updating order %s fill: %w", orderID, err)
	}
	return requireRow(res, "order %s", orderID)
}

// NextCandidate claims the best matchable resting order with SKIP LOCKED so
// concurrent matching runs on the same selection pass over each other's
// claims instead of blocking.
func (t *pgTx) NextCandidate(selectionID uuid.UUID, incoming types.Side, limit decimal.Decimal, excludeUser uuid.UUID) (*types.Order, error) {
	cmp, dir := "<=", "ASC" // incoming BACK lifts lays priced at or under its limit
	if incoming == types.LAY {
		cmp, dir = ">=", "DESC" // incoming LAY hits backs priced at or over its limit
	}
	q := fmt.Sprintf(`
		SELECT * FROM orders
		WHERE selection_id = $1 AND side = $2
		  AND status IN ('OPEN','PARTIAL') AND remaining_stake > 0
		  AND user_id <> $3 AND price %s $4
		ORDER BY price %s, seq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, cmp, dir)

	var o pgOrder
	err := t.tx.GetContext(t.ctx, &o, q, selectionID, incoming.Opposite(), excludeUser, limit)
	if err != nil {
		return nil, notFound(err, "candidate on selection %s", selectionID)
	}
	return o.order(), nil
}

func (t *pgTx) RestingOrdersByMarket(marketID uuid.UUID) ([]types.Order, error) {
	var os []pgOrder
	err := t.tx.SelectContext(t.ctx, &os, `
		SELECT * FROM orders
		WHERE market_id = $1 AND status IN ('OPEN','PARTIAL')
		ORDER BY seq
		FOR UPDATE`, marketID)
	if err != nil {
		return nil, fmt.Errorf("listing resting orders for market %s: %w", marketID, err)
	}
	return unwrapOrders(os), nil
}

func (t *pgTx) OpenOrdersByUser(userID uuid.UUID) ([]types.Order, error) {
	var os []pgOrder
	err := t.tx.SelectContext(t.ctx, &os, `
		SELECT * FROM orders
		WHERE user_id = $1 AND status IN ('OPEN','PARTIAL')
		ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing open orders for user %s: %w", userID, err)
	}
	return unwrapOrders(os), nil
}

func unwrapOrders(os []pgOrder) []types.Order {
	out := make([]types.Order, len(os))
	for i := range os {
		out[i] = os[i].Order
	}
	return out
}

func (t *pgTx) InsertTrade(tr *types.Trade) error {
	_, err := t.tx.NamedExecContext(t.ctx, `
		INSERT INTO trades (id, market_id, selection_id, back_order_id, lay_order_id,
		                    back_user_id, lay_user_id, price, stake, settled, settled_at, created_at)
		VALUES (:id, :market_id, :selection_id, :back_order_id, :lay_order_id,
		        :back_user_id, :lay_user_id, :price, :stake, :settled, :settled_at, :created_at)`, tr)
	if err != nil {
		return fmt.Errorf("inserting trade %s: %w", tr.ID, err)
	}
	return nil
}

func (t *pgTx) UnsettledTradesByMarket(marketID uuid.UUID) ([]types.Trade, error) {
	var ts []types.Trade
	err := t.tx.SelectContext(t.ctx, &ts, `
		SELECT * FROM trades
		WHERE market_id = $1 AND NOT settled
		ORDER BY created_at, id
		FOR UPDATE`, marketID)
	if err != nil {
		return nil, fmt.Errorf("listing unsettled trades for market %s: %w", marketID, err)
	}
	return ts, nil
}

func (t *pgTx) UnsettledTradesByUser(userID uuid.UUID) ([]types.Trade, error) {
	var ts []types.Trade
	err := t.tx.SelectContext(t.ctx, &ts, `
		SELECT * FROM trades
		WHERE NOT settled AND (back_user_id = $1 OR lay_user_id = $1)
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing unsettled trades for user %s: %w", userID, err)
	}
	return ts, nil
}

func (t *pgTx) MarkTradeSettled(tradeID uuid.UUID) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE trades SET settled = TRUE, settled_at = now()
		WHERE id = $1 AND NOT settled`, tradeID)
	if err != nil {
		return fmt.Errorf("marking trade %s settled: %w", tradeID, err)
	}
	return requireRow(res, "unsettled trade %s", tradeID)
}

func (t *pgTx) AddMarketExposure(userID, marketID uuid.UUID, delta decimal.Decimal) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO market_exposures (user_id, market_id, exposure, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, market_id)
		DO UPDATE SET exposure = market_exposures.exposure + EXCLUDED.exposure,
		              updated_at = now()`, userID, marketID, delta)
	if err != nil {
		return fmt.Errorf("adjusting market exposure for user %s: %w", userID, err)
	}
	return nil
}

func (t *pgTx) MarketExposure(userID, marketID uuid.UUID) (decimal.Decimal, error) {
	var e decimal.Decimal
	err := t.tx.GetContext(t.ctx, &e, `
		SELECT exposure FROM market_exposures
		WHERE user_id = $1 AND market_id = $2`, userID, marketID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading market exposure for user %s: %w", userID, err)
	}
	return e, nil
}

func (t *pgTx) UpsertReferenceOdds(o *types.ReferenceOdds) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO reference_odds (market_id, selection_id, back_price, lay_price, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (market_id, selection_id)
		DO UPDATE SET back_price = EXCLUDED.back_price,
		              lay_price = EXCLUDED.lay_price,
		              updated_at = now()`,
		o.MarketID, o.SelectionID, o.BackPrice, o.LayPrice)
	if err != nil {
		return fmt.Errorf("upserting reference odds for market %s: %w", o.MarketID, err)
	}
	return nil
}

func requireRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf(format+": %w", append(args, types.ErrNotFound)...)
	}
	return nil
}
