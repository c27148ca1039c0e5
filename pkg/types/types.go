// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the exchange — users and wallets,
// matches, markets and runners, orders, trades, and the ledger entries that
// audit every monetary movement. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BACK or LAY.
//
// A BACK order profits if the selection wins; its maximum loss is the staked
// amount. A LAY order profits if the selection does NOT win; its maximum loss
// is the liability (price−1)·stake. All side-dependent arithmetic dispatches
// through methods on Side so that a future side only touches this file.
type Side string

const (
	BACK Side = "BACK"
	LAY  Side = "LAY"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == BACK || s == LAY
}

// Opposite returns the counterparty side.
func (s Side) Opposite() Side {
	if s == BACK {
		return LAY
	}
	return BACK
}

// Exposure returns the funds that must be reserved against worst-case loss
// for an order of this side: the stake itself for BACK, the liability
// (price−1)·stake for LAY.
func (s Side) Exposure(price, stake decimal.Decimal) decimal.Decimal {
	if s == LAY {
		return price.Sub(One).Mul(stake)
	}
	return stake
}

// Crosses reports whether a resting order at restingPrice is matchable
// against an incoming order of this side limited at limitPrice.
//
// An incoming BACK at p matches resting LAY orders priced ≤ p (it never pays
// more than its limit); an incoming LAY at p matches resting BACK orders
// priced ≥ p (it never takes less than its limit).
func (s Side) Crosses(restingPrice, limitPrice decimal.Decimal) bool {
	if s == BACK {
		return restingPrice.LessThanOrEqual(limitPrice)
	}
	return restingPrice.GreaterThanOrEqual(limitPrice)
}

// OrderStatus is the lifecycle state of an order.
//
//	OPEN      — no fills yet (matchedStake = 0)
//	PARTIAL   — 0 < matchedStake < stake
//	MATCHED   — fully filled (remainingStake = 0)
//	CANCELLED — terminal; entered from OPEN or PARTIAL only
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderMatched   OrderStatus = "MATCHED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// CanCancel reports whether an order in this status may still be cancelled.
func (s OrderStatus) CanCancel() bool {
	return s == OrderOpen || s == OrderPartial
}

// Resting reports whether an order in this status contributes to the book.
func (s OrderStatus) Resting() bool {
	return s == OrderOpen || s == OrderPartial
}

// MarketStatus is the lifecycle state of a market.
// Legal transitions: OPEN → SUSPENDED ↔ OPEN → CLOSED → SETTLED.
type MarketStatus string

const (
	MarketOpen      MarketStatus = "OPEN"
	MarketSuspended MarketStatus = "SUSPENDED"
	MarketClosed    MarketStatus = "CLOSED"
	MarketSettled   MarketStatus = "SETTLED"
)

// CanTransitionTo reports whether the transition s → next is legal.
func (s MarketStatus) CanTransitionTo(next MarketStatus) bool {
	switch s {
	case MarketOpen:
		return next == MarketSuspended || next == MarketClosed
	case MarketSuspended:
		return next == MarketOpen || next == MarketClosed
	case MarketClosed:
		return next == MarketSettled
	default: // SETTLED is fully terminal
		return false
	}
}

// MatchStatus is the lifecycle state of a sporting contest.
// Legal transitions: UPCOMING → LIVE → COMPLETED, or either → CANCELLED.
type MatchStatus string

const (
	MatchUpcoming  MatchStatus = "UPCOMING"
	MatchLive      MatchStatus = "LIVE"
	MatchCompleted MatchStatus = "COMPLETED"
	MatchCancelled MatchStatus = "CANCELLED"
)

// CanTransitionTo reports whether the transition s → next is legal.
func (s MatchStatus) CanTransitionTo(next MatchStatus) bool {
	switch s {
	case MatchUpcoming:
		return next == MatchLive || next == MatchCancelled
	case MatchLive:
		return next == MatchCompleted || next == MatchCancelled
	default: // COMPLETED and CANCELLED are terminal
		return false
	}
}

// Role is a user's permission tier. Parent-child transfer rules and the
// admin-only operations key off this.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleAgent      Role = "AGENT"
	RoleUser       Role = "USER"
)

// IsAdmin reports whether the role may perform administrative operations
// (market/match transitions, settlement, force-close).
func (r Role) IsAdmin() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

// LedgerKind classifies a ledger entry.
type LedgerKind string

const (
	LedgerCredit          LedgerKind = "CREDIT"
	LedgerDebit           LedgerKind = "DEBIT"
	LedgerTransferIn      LedgerKind = "TRANSFER_IN"
	LedgerTransferOut     LedgerKind = "TRANSFER_OUT"
	LedgerOrderPlace      LedgerKind = "ORDER_PLACE"
	LedgerOrderCancel     LedgerKind = "ORDER_CANCEL"
	LedgerOrderSettle     LedgerKind = "ORDER_SETTLE"
	LedgerExposureLock    LedgerKind = "EXPOSURE_LOCK"
	LedgerExposureRelease LedgerKind = "EXPOSURE_RELEASE"
	LedgerBetPlace        LedgerKind = "BET_PLACE"
	LedgerBetSettle       LedgerKind = "BET_SETTLE"
	LedgerBetRefund       LedgerKind = "BET_REFUND"
)

// AffectsBalance reports whether entries of this kind move the wallet
// balance. Exposure lock/release entries record reservations only; summing
// the balance-affecting amounts of a user's ledger reproduces their balance.
func (k LedgerKind) AffectsBalance() bool {
	switch k {
	case LedgerExposureLock, LedgerExposureRelease, LedgerOrderPlace, LedgerOrderCancel, LedgerBetPlace:
		return false
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Money and odds
// ————————————————————————————————————————————————————————————————————————

// Monetary columns persist at 2 fractional digits (precision 15,2); odds at
// 2 fractional digits (precision 10,2). Arithmetic is always performed on
// decimals — never floats — and rounded half-up only at persistence
// boundaries.
const (
	MoneyScale = 2
	OddsScale  = 2
)

// One is the decimal constant 1, the lower (exclusive) bound for prices.
var One = decimal.New(1, 0)

// RoundMoney rounds a monetary amount half-up to MoneyScale digits.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// RoundOdds rounds a price half-up to OddsScale digits.
func RoundOdds(d decimal.Decimal) decimal.Decimal {
	return d.Round(OddsScale)
}

// ValidPrice reports whether p is a legal order price: strictly greater
// than 1.00 with at most two fractional digits.
func ValidPrice(p decimal.Decimal) bool {
	return p.GreaterThan(One) && p.Equal(p.Round(OddsScale))
}

// ValidStake reports whether s is a legal stake: strictly positive with at
// most two fractional digits.
func ValidStake(s decimal.Decimal) bool {
	return s.IsPositive() && s.Equal(s.Round(MoneyScale))
}

// ————————————————————————————————————————————————————————————————————————
// Users and wallets
// ————————————————————————————————————————————————————————————————————————

// User is an account identity. ParentID forms the agent tree used by the
// surrounding transfer logic; the core only checks it for transfer
// permission.
type User struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Email     string     `db:"email" json:"email"`
	Role      Role       `db:"role" json:"role"`
	ParentID  *uuid.UUID `db:"parent_id" json:"parentId,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
}

// Wallet is the source of truth for a user's funds. Balance and Exposure
// are both non-negative; Available (balance − exposure) is non-negative at
// the end of every successful operation. Mutated only through the ledger.
type Wallet struct {
	UserID    uuid.UUID       `db:"user_id" json:"userId"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	Exposure  decimal.Decimal `db:"exposure" json:"exposure"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}

// Available returns balance − exposure, the amount the user may newly commit.
func (w Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Exposure)
}

// BalanceChange is the post-commit snapshot of a wallet that an operation
// touched, together with the kind of movement and the signed amount, signed
// the same way as the matching ledger entry.
type BalanceChange struct {
	UserID    uuid.UUID       `json:"userId"`
	Balance   decimal.Decimal `json:"balance"`
	Exposure  decimal.Decimal `json:"exposure"`
	Available decimal.Decimal `json:"availableBalance"`
	ChangedBy LedgerKind      `json:"changedBy"`
	Amount    decimal.Decimal `json:"amount"`
}

// NewBalanceChange snapshots a wallet into a BalanceChange.
func NewBalanceChange(w Wallet, changedBy LedgerKind, amount decimal.Decimal) BalanceChange {
	return BalanceChange{
		UserID:    w.UserID,
		Balance:   w.Balance,
		Exposure:  w.Exposure,
		Available: w.Available(),
		ChangedBy: changedBy,
		Amount:    RoundMoney(amount),
	}
}

// LedgerEntry is an append-only audit record. Amount is signed; PostBalance
// equals the wallet balance immediately after the entry and is the audit
// anchor. Entries are never modified or deleted.
type LedgerEntry struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	UserID      uuid.UUID       `db:"user_id" json:"userId"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Kind        LedgerKind      `db:"kind" json:"kind"`
	PostBalance decimal.Decimal `db:"post_balance" json:"postBalance"`
	Notes       string          `db:"notes" json:"notes,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Matches, markets, runners
// ————————————————————————————————————————————————————————————————————————

// Match is a sporting contest. ExternalID is the provider's identifier and
// is unique when present; creating a match with a duplicate external id
// surfaces the existing match as a conflict, not an error.
type Match struct {
	ID         uuid.UUID   `db:"id" json:"id"`
	HomeTeam   string      `db:"home_team" json:"homeTeam"`
	AwayTeam   string      `db:"away_team" json:"awayTeam"`
	SportKey   string      `db:"sport_key" json:"sportKey"`
	StartTime  time.Time   `db:"start_time" json:"startTime"`
	ExternalID *string     `db:"external_id" json:"externalId,omitempty"`
	Status     MatchStatus `db:"status" json:"status"`
	CreatedAt  time.Time   `db:"created_at" json:"createdAt"`
}

// Market is a proposition on a match (e.g. "Match Odds") with two or more
// runners. Only OPEN markets accept orders. At most one runner wins; a
// settlement with no winner refunds every trade.
type Market struct {
	ID        uuid.UUID    `db:"id" json:"id"`
	MatchID   uuid.UUID    `db:"match_id" json:"matchId"`
	Name      string       `db:"name" json:"name"`
	Status    MarketStatus `db:"status" json:"status"`
	CreatedAt time.Time    `db:"created_at" json:"createdAt"`
}

// Runner is a named outcome within a market. BackPrice/LayPrice are
// reference display prices from the external feed; the matching engine
// never reads them. IsWinner is nil until settlement, and stays nil for a
// refund-all settlement.
type Runner struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	MarketID  uuid.UUID       `db:"market_id" json:"marketId"`
	Name      string          `db:"name" json:"name"`
	BackPrice decimal.Decimal `db:"back_price" json:"backPrice"`
	LayPrice  decimal.Decimal `db:"lay_price" json:"layPrice"`
	IsWinner  *bool           `db:"is_winner" json:"isWinner,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and trades
// ————————————————————————————————————————————————————————————————————————

// Order is a limit order on one selection. Identity fields are immutable
// once persisted; only MatchedStake, RemainingStake, LockedExposure and
// Status change, and only through the matching engine, cancellation, or
// settlement. MatchedStake + RemainingStake = Stake always holds.
type Order struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	UserID         uuid.UUID       `db:"user_id" json:"userId"`
	MarketID       uuid.UUID       `db:"market_id" json:"marketId"`
	SelectionID    uuid.UUID       `db:"selection_id" json:"selectionId"`
	Side           Side            `db:"side" json:"side"`
	Price          decimal.Decimal `db:"price" json:"price"`
	Stake          decimal.Decimal `db:"stake" json:"stake"`
	MatchedStake   decimal.Decimal `db:"matched_stake" json:"matchedStake"`
	RemainingStake decimal.Decimal `db:"remaining_stake" json:"remainingStake"`
	LockedExposure decimal.Decimal `db:"locked_exposure" json:"lockedExposure"`
	Status         OrderStatus     `db:"status" json:"status"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updatedAt"`
}

// FillStatus derives the order status from its fill state. CANCELLED is
// never derived — it is set explicitly and is terminal.
func (o *Order) FillStatus() OrderStatus {
	switch {
	case o.RemainingStake.IsZero():
		return OrderMatched
	case o.MatchedStake.IsPositive():
		return OrderPartial
	default:
		return OrderOpen
	}
}

// Trade is a bilateral fill between one BACK and one LAY order, printed at
// the resting order's price. Immutable except for the settlement flag,
// which flips to true exactly once.
type Trade struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	MarketID    uuid.UUID       `db:"market_id" json:"marketId"`
	SelectionID uuid.UUID       `db:"selection_id" json:"selectionId"`
	BackOrderID uuid.UUID       `db:"back_order_id" json:"backOrderId"`
	LayOrderID  uuid.UUID       `db:"lay_order_id" json:"layOrderId"`
	BackUserID  uuid.UUID       `db:"back_user_id" json:"backUserId"`
	LayUserID   uuid.UUID       `db:"lay_user_id" json:"layUserId"`
	Price       decimal.Decimal `db:"price" json:"price"`
	Stake       decimal.Decimal `db:"stake" json:"stake"`
	Settled     bool            `db:"settled" json:"settled"`
	SettledAt   *time.Time      `db:"settled_at" json:"settledAt,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Exposure aggregates and reference odds
// ————————————————————————————————————————————————————————————————————————

// MarketExposure is the per-(user, market) aggregate of locked exposure.
// It mirrors the wallet's global exposure and is reconcilable against it;
// admin oversight and cancellation release read it.
type MarketExposure struct {
	UserID    uuid.UUID       `db:"user_id" json:"userId"`
	MarketID  uuid.UUID       `db:"market_id" json:"marketId"`
	Exposure  decimal.Decimal `db:"exposure" json:"exposure"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}

// ReferenceOdds are display-only back/lay prices from the external feed,
// keyed by (market, selection). Never consulted by the matching engine.
type ReferenceOdds struct {
	MarketID    uuid.UUID       `db:"market_id" json:"marketId"`
	SelectionID uuid.UUID       `db:"selection_id" json:"selectionId"`
	BackPrice   decimal.Decimal `db:"back_price" json:"backPrice"`
	LayPrice    decimal.Decimal `db:"lay_price" json:"layPrice"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updatedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Order book view
// ————————————————————————————————————————————————————————————————————————

// BookLevel is one aggregated price level of the order book: total unmatched
// stake and order count at a price. BACK levels are reported best (highest)
// first; LAY levels best (lowest) first.
type BookLevel struct {
	Price  decimal.Decimal `db:"price" json:"price"`
	Stake  decimal.Decimal `db:"stake" json:"stake"`
	Orders int             `db:"orders" json:"orders"`
}
