// Package settle resolves markets: it fixes the winning runner, translates
// every unsettled trade into balance and exposure movements, closes leftover
// resting orders, and advances the market to its terminal state.
//
// One market settles in exactly one store transaction. A failure anywhere
// rolls the whole market back; the caller may retry. A market that is
// already SETTLED rejects further attempts.
package settle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betx/internal/ledger"
	"betx/internal/store"
	"betx/pkg/types"
)

const settleTimeout = 30 * time.Second

// Outcome is the result of one trade for one participant.
type Outcome string

const (
	OutcomeWon      Outcome = "WON"
	OutcomeLost     Outcome = "LOST"
	OutcomeRefunded Outcome = "REFUNDED"
)

// EventPublisher receives settlement notifications after commit.
// BalanceChanged fires once per wallet the settlement touched.
type EventPublisher interface {
	TradeSettled(t types.Trade, backOutcome, layOutcome Outcome)
	MarketSettled(m types.Market)
	BalanceChanged(c types.BalanceChange)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) TradeSettled(types.Trade, Outcome, Outcome) {}
func (NopPublisher) MarketSettled(types.Market)                 {}
func (NopPublisher) BalanceChanged(types.BalanceChange)         {}

// Engine settles markets.
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
		logger: logger.With("component", "settle"),
	}
}

type settledTrade struct {
	trade types.Trade
	back  Outcome
	lay   Outcome
}

// SettleMarket resolves a market. winnerID names the winning runner; nil
// means refund-all (abandoned market). A market still accepting orders is
// force-closed first; a SETTLED market is rejected.
func (e *Engine) SettleMarket(ctx context.Context, marketID uuid.UUID, winnerID *uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	var (
		settled []settledTrade
		market  types.Market
		changes []types.BalanceChange
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.MarketForUpdate(marketID)
		if err != nil {
			return err
		}
		if m.Status == types.MarketSettled {
			return fmt.Errorf("market %s already settled: %w", marketID, types.ErrInvalidState)
		}
		if m.Status != types.MarketClosed {
			if !m.Status.CanTransitionTo(types.MarketClosed) {
				return fmt.Errorf("market %s is %s: %w", marketID, m.Status, types.ErrInvalidState)
			}
			if err := tx.UpdateMarketStatus(marketID, types.MarketClosed); err != nil {
				return err
			}
		}

		runners, err := tx.RunnersByMarket(marketID)
		if err != nil {
			return err
		}
		if err := flagRunners(tx, runners, winnerID); err != nil {
			return err
		}

		trades, err := tx.UnsettledTradesByMarket(marketID)
		if err != nil {
			return err
		}
		leftovers, err := tx.RestingOrdersByMarket(marketID)
		if err != nil {
			return err
		}

		// Balances as of the start of settlement, one snapshot per wallet
		// the market touches. The deltas back the balance events.
		before := make(map[uuid.UUID]decimal.Decimal)
		snapshot := func(userID uuid.UUID) error {
			if _, ok := before[userID]; ok {
				return nil
			}
			w, err := tx.WalletForUpdate(userID)
			if err != nil {
				return err
			}
			before[userID] = w.Balance
			return nil
		}
		for _, t := range trades {
			if err := snapshot(t.BackUserID); err != nil {
				return err
			}
			if err := snapshot(t.LayUserID); err != nil {
				return err
			}
		}
		for _, o := range leftovers {
			if err := snapshot(o.UserID); err != nil {
				return err
			}
		}

		for _, t := range trades {
			st, err := e.settleTrade(tx, t, winnerID)
			if err != nil {
				return err
			}
			settled = append(settled, st)
		}

		if err := e.cancelLeftovers(tx, leftovers); err != nil {
			return err
		}

		for userID, b := range before {
			w, err := tx.WalletForUpdate(userID)
			if err != nil {
				return err
			}
			changes = append(changes,
				types.NewBalanceChange(*w, types.LedgerOrderSettle, w.Balance.Sub(b)))
		}

		if err := tx.UpdateMarketStatus(marketID, types.MarketSettled); err != nil {
			return err
		}
		m.Status = types.MarketSettled
		market = *m
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("market settled",
		"market_id", marketID,
		"trades", len(settled),
		"refund_all", winnerID == nil,
	)
	for _, st := range settled {
		e.events.TradeSettled(st.trade, st.back, st.lay)
	}
	for _, c := range changes {
		e.events.BalanceChanged(c)
	}
	e.events.MarketSettled(market)
	return nil
}

// flagRunners writes the outcome flags: the winner true and the rest false,
// or every runner nil for a refund-all settlement.
func flagRunners(tx store.Tx, runners []types.Runner, winnerID *uuid.UUID) error {
	if winnerID != nil {
		found := false
		for _, r := range runners {
			if r.ID == *winnerID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("winner %s is not a runner of this market: %w",
				*winnerID, types.ErrInvalidInput)
		}
	}
	for _, r := range runners {
		var flag *bool
		if winnerID != nil {
			won := r.ID == *winnerID
			flag = &won
		}
		if err := tx.SetRunnerWinner(r.ID, flag); err != nil {
			return err
		}
	}
	return nil
}

// settleTrade applies the outcome of one trade to both wallets.
//
// Both participants still hold their placement-time lock on the matched
// stake: the back side locked the stake s, the lay side the liability
// (p−1)·s. The winner's payout is funded by writing down the loser's lock;
// a refund writes each side's lock down and credits it straight back, so
// the net balance movement is zero and the exposure returns to zero.
func (e *Engine) settleTrade(tx store.Tx, t types.Trade, winnerID *uuid.UUID) (settledTrade, error) {
	p, s := t.Price, t.Stake
	liability := types.RoundMoney(p.Sub(types.One).Mul(s))
	note := fmt.Sprintf("settle trade %s", t.ID)

	st := settledTrade{trade: t}
	switch {
	case winnerID == nil:
		// Refund: each side gets its own committed funds back.
		st.back, st.lay = OutcomeRefunded, OutcomeRefunded
		if err := ledger.SettleWriteDown(tx, t.BackUserID, t.MarketID, s, note); err != nil {
			return st, err
		}
		if err := ledger.CreditBalance(tx, t.BackUserID, s, types.LedgerOrderSettle, note+" refund"); err != nil {
			return st, err
		}
		if err := ledger.SettleWriteDown(tx, t.LayUserID, t.MarketID, liability, note); err != nil {
			return st, err
		}
		if err := ledger.CreditBalance(tx, t.LayUserID, liability, types.LedgerOrderSettle, note+" refund"); err != nil {
			return st, err
		}

	case *winnerID == t.SelectionID:
		// Back wins: stake back plus profit, funded by the lay's liability.
		st.back, st.lay = OutcomeWon, OutcomeLost
		if err := ledger.SettleWriteDown(tx, t.BackUserID, t.MarketID, s, note); err != nil {
			return st, err
		}
		payout := types.RoundMoney(p.Mul(s))
		if err := ledger.CreditBalance(tx, t.BackUserID, payout, types.LedgerOrderSettle, note+" won"); err != nil {
			return st, err
		}
		if err := ledger.SettleWriteDown(tx, t.LayUserID, t.MarketID, liability, note+" lost"); err != nil {
			return st, err
		}

	default:
		// Lay wins: takes the back's stake; its own liability is returned.
		st.back, st.lay = OutcomeLost, OutcomeWon
		if err := ledger.SettleWriteDown(tx, t.BackUserID, t.MarketID, s, note+" lost"); err != nil {
			return st, err
		}
		if err := ledger.CreditBalance(tx, t.LayUserID, s, types.LedgerOrderSettle, note+" won"); err != nil {
			return st, err
		}
		if err := ledger.ReleaseExposureAtMost(tx, t.LayUserID, t.MarketID, liability, note); err != nil {
			return st, err
		}
	}

	if err := tx.MarkTradeSettled(t.ID); err != nil {
		return st, err
	}
	return st, nil
}

// cancelLeftovers closes every order still resting in the market and
// releases the exposure locked against its unmatched remainder.
func (e *Engine) cancelLeftovers(tx store.Tx, orders []types.Order) error {
	for _, o := range orders {
		if err := tx.UpdateOrderFill(o.ID, o.MatchedStake, o.RemainingStake, types.OrderCancelled); err != nil {
			return err
		}
		releasable := types.RoundMoney(o.Side.Exposure(o.Price, o.RemainingStake))
		note := fmt.Sprintf("settlement cancel order %s", o.ID)
		if err := ledger.ReleaseExposureAtMost(tx, o.UserID, o.MarketID, releasable, note); err != nil {
			return err
		}
	}
	return nil
}
