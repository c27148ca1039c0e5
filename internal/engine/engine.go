// Package engine implements order placement, matching, and cancellation.
//
// Placement and cancellation each run as exactly one store transaction: the
// exposure lock, the order row, every trade the order generates, and every
// counterparty adjustment commit together or not at all. Matching walks the
// opposite side of the book in price-time order, printing each trade at the
// resting order's price.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betx/internal/ledger"
	"betx/internal/store"
	"betx/pkg/types"
)

// Transaction deadlines. A placement that cannot finish matching in this
// window rolls back wholesale; the caller may retry.
const (
	placeTimeout  = 15 * time.Second
	cancelTimeout = 15 * time.Second
)

// EventPublisher receives notifications after a transaction commits. The
// composition root injects the real fan-out hub; NopPublisher is used when
// nothing listens.
type EventPublisher interface {
	OrderUpdated(o types.Order)
	TradeExecuted(t types.Trade)
	BookChanged(marketID, selectionID uuid.UUID)
	BalanceChanged(c types.BalanceChange)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) OrderUpdated(types.Order)           {}
func (NopPublisher) TradeExecuted(types.Trade)          {}
func (NopPublisher) BookChanged(uuid.UUID, uuid.UUID)   {}
func (NopPublisher) BalanceChanged(types.BalanceChange) {}

// Engine is the order lifecycle controller plus the matching engine.
type Engine struct {
	store  store.Store
	events EventPublisher
	logger *slog.Logger
}

func New(st store.Store, events EventPublisher, logger *slog.Logger) *Engine {
	if events == nil {
		events = NopPublisher{}
	}
	return &Engine{
		store:  st,
		events: events,
		logger: logger.With("component", "engine"),
	}
}

// PlaceRequest is a new limit order.
type PlaceRequest struct {
	UserID      uuid.UUID
	MarketID    uuid.UUID
	SelectionID uuid.UUID
	Side        types.Side
	Price       decimal.Decimal
	Stake       decimal.Decimal
}

// PlaceResult is the outcome of a placement: the order with its final fill
// state, the trades it generated, and the wallet after the transaction.
type PlaceResult struct {
	Order  types.Order
	Trades []types.Trade
	Wallet types.Wallet
}

// PlaceOrder validates the request, locks exposure, persists the order, and
// matches it against the book — all in one transaction.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	if !req.Side.Valid() {
		return nil, fmt.Errorf("side %q: %w", req.Side, types.ErrInvalidInput)
	}
	if !types.ValidPrice(req.Price) {
		return nil, fmt.Errorf("price %s: %w", req.Price, types.ErrInvalidInput)
	}
	if !types.ValidStake(req.Stake) {
		return nil, fmt.Errorf("stake %s: %w", req.Stake, types.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, placeTimeout)
	defer cancel()

	var result PlaceResult
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		market, err := tx.GetMarket(req.MarketID)
		if err != nil {
			return err
		}
		if market.Status != types.MarketOpen {
			return fmt.Errorf("market %s is %s: %w", market.ID, market.Status, types.ErrInvalidState)
		}
		runner, err := tx.GetRunner(req.SelectionID)
		if err != nil {
			return err
		}
		if runner.MarketID != req.MarketID {
			return fmt.Errorf("runner %s not in market %s: %w",
				req.SelectionID, req.MarketID, types.ErrNotFound)
		}

		required := types.RoundMoney(req.Side.Exposure(req.Price, req.Stake))
		note := fmt.Sprintf("order %s %s@%s", req.Side, req.Stake, req.Price)
		if err := ledger.LockExposure(tx, req.UserID, req.MarketID, required, note); err != nil {
			return err
		}

		now := time.Now().UTC()
		order := types.Order{
			ID:             uuid.New(),
			UserID:         req.UserID,
			MarketID:       req.MarketID,
			SelectionID:    req.SelectionID,
			Side:           req.Side,
			Price:          req.Price,
			Stake:          req.Stake,
			MatchedStake:   decimal.Zero,
			RemainingStake: req.Stake,
			LockedExposure: required,
			Status:         types.OrderOpen,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertOrder(&order); err != nil {
			return err
		}

		trades, err := e.match(tx, &order)
		if err != nil {
			return err
		}

		w, err := tx.WalletForUpdate(req.UserID)
		if err != nil {
			return err
		}
		result = PlaceResult{Order: order, Trades: trades, Wallet: *w}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("order placed",
		"order_id", result.Order.ID,
		"user_id", req.UserID,
		"side", req.Side,
		"price", req.Price,
		"stake", req.Stake,
		"status", result.Order.Status,
		"trades", len(result.Trades),
	)

	e.events.OrderUpdated(result.Order)
	for _, t := range result.Trades {
		e.events.TradeExecuted(t)
	}
	e.events.BookChanged(req.MarketID, req.SelectionID)
	e.events.BalanceChanged(types.NewBalanceChange(
		result.Wallet, types.LedgerExposureLock, result.Order.LockedExposure.Neg()))
	return &result, nil
}

// match fills the incoming order against resting counterparties, mutating it
// in place. Each iteration re-selects the best candidate under lock, so a
// candidate consumed or claimed elsewhere is simply not seen again.
func (e *Engine) match(tx store.Tx, incoming *types.Order) ([]types.Trade, error) {
	var trades []types.Trade

	for incoming.RemainingStake.IsPositive() {
		resting, err := tx.NextCandidate(incoming.SelectionID, incoming.Side, incoming.Price, incoming.UserID)
		if errors.Is(err, types.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}

		tradeStake := decimal.Min(incoming.RemainingStake, resting.RemainingStake)

		resting.MatchedStake = resting.MatchedStake.Add(tradeStake)
		resting.RemainingStake = resting.RemainingStake.Sub(tradeStake)
		resting.Status = resting.FillStatus()
		if err := tx.UpdateOrderFill(resting.ID, resting.MatchedStake, resting.RemainingStake, resting.Status); err != nil {
			return nil, err
		}

		// Both sides keep their placement-time lock on the matched portion;
		// it is the settlement fund for the trade and is released or written
		// down exactly once, when the market settles.
		trade := newTrade(incoming, resting, tradeStake)
		if err := tx.InsertTrade(&trade); err != nil {
			return nil, err
		}
		trades = append(trades, trade)

		incoming.MatchedStake = incoming.MatchedStake.Add(tradeStake)
		incoming.RemainingStake = incoming.RemainingStake.Sub(tradeStake)

		e.logger.Debug("trade executed",
			"trade_id", trade.ID,
			"price", trade.Price,
			"stake", trade.Stake,
		)
	}

	incoming.Status = incoming.FillStatus()
	if err := tx.UpdateOrderFill(incoming.ID, incoming.MatchedStake, incoming.RemainingStake, incoming.Status); err != nil {
		return nil, err
	}
	return trades, nil
}

// newTrade prints at the resting order's price, crediting the incoming side
// with any price improvement over its limit.
func newTrade(incoming, resting *types.Order, stake decimal.Decimal) types.Trade {
	back, lay := incoming, resting
	if incoming.Side == types.LAY {
		back, lay = resting, incoming
	}
	return types.Trade{
		ID:          uuid.New(),
		MarketID:    incoming.MarketID,
		SelectionID: incoming.SelectionID,
		BackOrderID: back.ID,
		LayOrderID:  lay.ID,
		BackUserID:  back.UserID,
		LayUserID:   lay.UserID,
		Price:       resting.Price,
		Stake:       stake,
		Settled:     false,
		CreatedAt:   time.Now().UTC(),
	}
}

// CancelOrder cancels a resting order owned by userID and releases the
// exposure locked against its unmatched remainder. The matched portion stays
// bound by its trades, which settle normally.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*PlaceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	var (
		result   PlaceResult
		released decimal.Decimal
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.OrderForUpdate(orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return fmt.Errorf("order %s not owned by %s: %w", orderID, userID, types.ErrPermissionDenied)
		}
		if !order.Status.CanCancel() {
			return fmt.Errorf("order %s is %s: %w", orderID, order.Status, types.ErrInvalidState)
		}

		releasable := types.RoundMoney(order.Side.Exposure(order.Price, order.RemainingStake))
		released = releasable
		order.Status = types.OrderCancelled
		if err := tx.UpdateOrderFill(order.ID, order.MatchedStake, order.RemainingStake, order.Status); err != nil {
			return err
		}
		note := fmt.Sprintf("cancel order %s", order.ID)
		if err := ledger.ReleaseExposure(tx, order.UserID, order.MarketID, releasable, note); err != nil {
			return err
		}

		w, err := tx.WalletForUpdate(userID)
		if err != nil {
			return err
		}
		result = PlaceResult{Order: *order, Wallet: *w}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("order cancelled", "order_id", orderID, "user_id", userID)
	e.events.OrderUpdated(result.Order)
	e.events.BookChanged(result.Order.MarketID, result.Order.SelectionID)
	e.events.BalanceChanged(types.NewBalanceChange(
		result.Wallet, types.LedgerExposureRelease, released))
	return &result, nil
}

// OrderBook returns the aggregated resting book for one selection.
func (e *Engine) OrderBook(ctx context.Context, marketID, selectionID uuid.UUID) (back, lay []types.BookLevel, err error) {
	return e.store.OrderBook(ctx, marketID, selectionID)
}
