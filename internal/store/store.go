// Package store provides persistence for the exchange core.
//
// Two implementations exist behind the same interface pair:
//
//   - Postgres (postgres.go) — the production store. Every public core
//     operation runs as exactly one database transaction; wallets and
//     resting orders are locked row-by-row with FOR UPDATE, and the
//     matching scan uses FOR UPDATE SKIP LOCKED so concurrent matching
//     runs on one selection never block on each other's claims.
//   - Memory (memory.go) — a mutex-serialized in-memory store with
//     snapshot rollback, used by tests and development mode.
//
// The split keeps the matching engine, ledger, and settlement logic free of
// SQL while preserving the transactional envelope their invariants need.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betx/pkg/types"
)

// Store is the entry point for persistence. InTx runs fn inside a single
// atomic transaction: if fn returns an error, every mutation made through
// the Tx is rolled back and the error is returned unchanged.
//
// The remaining methods are lock-free snapshot reads; they may race with
// concurrent transactions and must never be used to make funds decisions.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetWallet(ctx context.Context, userID uuid.UUID) (*types.Wallet, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*types.Order, error)
	GetMarket(ctx context.Context, marketID uuid.UUID) (*types.Market, error)
	GetMatch(ctx context.Context, matchID uuid.UUID) (*types.Match, error)
	GetRunners(ctx context.Context, marketID uuid.UUID) ([]types.Runner, error)

	// OrderBook aggregates resting (OPEN/PARTIAL) orders for one selection
	// into price levels: BACK levels best (highest) price first, LAY levels
	// best (lowest) price first. No locks are taken; the result is a
	// snapshot that may race with concurrent matches.
	OrderBook(ctx context.Context, marketID, selectionID uuid.UUID) (back, lay []types.BookLevel, err error)

	// LedgerEntries returns the newest entries for a user, most recent first.
	LedgerEntries(ctx context.Context, userID uuid.UUID, limit int) ([]types.LedgerEntry, error)

	// MatchesByStatus lists matches in the given state (settlement scan).
	MatchesByStatus(ctx context.Context, status types.MatchStatus) ([]types.Match, error)

	Close() error
}

// Tx is the set of operations available inside one transaction. Reads
// suffixed ForUpdate take row-level exclusive locks; a second transaction
// touching the same row blocks until this one commits or rolls back.
type Tx interface {
	// ———— users & wallets ————

	GetUser(userID uuid.UUID) (*types.User, error)
	InsertUser(u *types.User) error

	// WalletForUpdate loads a wallet under an exclusive row lock.
	WalletForUpdate(userID uuid.UUID) (*types.Wallet, error)
	InsertWallet(w *types.Wallet) error
	// UpdateWallet persists new balance/exposure for a wallet previously
	// loaded with WalletForUpdate.
	UpdateWallet(userID uuid.UUID, balance, exposure decimal.Decimal) error
	AppendLedger(e *types.LedgerEntry) error

	// ———— matches, markets, runners ————

	GetMatch(matchID uuid.UUID) (*types.Match, error)
	// MatchByExternalID returns the match with the given provider id, or
	// types.ErrNotFound.
	MatchByExternalID(externalID string) (*types.Match, error)
	InsertMatch(m *types.Match) error
	UpdateMatchStatus(matchID uuid.UUID, status types.MatchStatus) error

	// GetMarket loads a market under a shared lock: concurrent placements
	// on the same market read it together, while a settlement or status
	// transition holding MarketForUpdate blocks them out.
	GetMarket(marketID uuid.UUID) (*types.Market, error)
	// MarketForUpdate loads a market under an exclusive row lock
	// (settlement, status transitions).
	MarketForUpdate(marketID uuid.UUID) (*types.Market, error)
	MarketsByMatch(matchID uuid.UUID) ([]types.Market, error)
	InsertMarket(m *types.Market) error
	UpdateMarketStatus(marketID uuid.UUID, status types.MarketStatus) error

	GetRunner(runnerID uuid.UUID) (*types.Runner, error)
	RunnersByMarket(marketID uuid.UUID) ([]types.Runner, error)
	InsertRunner(r *types.Runner) error
	SetRunnerWinner(runnerID uuid.UUID, isWinner *bool) error

	// ———— orders ————

	InsertOrder(o *types.Order) error
	// OrderForUpdate loads an order under an exclusive row lock.
	OrderForUpdate(orderID uuid.UUID) (*types.Order, error)
	// UpdateOrderFill persists a new fill state for a locked order.
	UpdateOrderFill(orderID uuid.UUID, matched, remaining decimal.Decimal, status types.OrderStatus) error

	// NextCandidate returns the best matchable resting order for an
	// incoming order, locked for update: opposite side of incoming on the
	// same selection, price crossing the incoming limit, not owned by
	// excludeUser, scanned best price first with ties broken by earliest
	// creation. Rows locked by other transactions are skipped rather than
	// waited on (SKIP LOCKED). Returns types.ErrNotFound when no candidate
	// remains.
	NextCandidate(selectionID uuid.UUID, incoming types.Side, limit decimal.Decimal, excludeUser uuid.UUID) (*types.Order, error)

	// RestingOrdersByMarket returns all OPEN/PARTIAL orders in a market,
	// locked for update (settlement closes them).
	RestingOrdersByMarket(marketID uuid.UUID) ([]types.Order, error)
	// OpenOrdersByUser returns a user's OPEN/PARTIAL orders (exposure
	// reconciliation).
	OpenOrdersByUser(userID uuid.UUID) ([]types.Order, error)

	// ———— trades ————

	InsertTrade(t *types.Trade) error
	// UnsettledTradesByMarket returns unsettled trades whose selection
	// belongs to the market, locked for update.
	UnsettledTradesByMarket(marketID uuid.UUID) ([]types.Trade, error)
	// UnsettledTradesByUser returns unsettled trades on either side of
	// which the user participates (exposure reconciliation).
	UnsettledTradesByUser(userID uuid.UUID) ([]types.Trade, error)
	MarkTradeSettled(tradeID uuid.UUID) error

	// ———— market exposure & reference odds ————

	// AddMarketExposure upserts the per-(user, market) exposure aggregate
	// by delta, which may be negative.
	AddMarketExposure(userID, marketID uuid.UUID, delta decimal.Decimal) error
	MarketExposure(userID, marketID uuid.UUID) (decimal.Decimal, error)

	UpsertReferenceOdds(o *types.ReferenceOdds) error
}
