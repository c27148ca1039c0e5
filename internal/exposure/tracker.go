// Package exposure provides admin oversight of locked funds.
//
// The wallet's exposure column is the global truth; the per-(user, market)
// aggregates mirror it so an operator can see where a user's funds are
// committed. The tracker reconciles the two views: wallet exposure must
// equal the sum of resting-order locks plus the matched portions still
// awaiting settlement.
package exposure

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betx/internal/store"
	"betx/pkg/types"
)

// Report is the result of reconciling one user's exposure.
type Report struct {
	UserID        uuid.UUID       `json:"userId"`
	WalletBalance decimal.Decimal `json:"walletBalance"`
	WalletLocked  decimal.Decimal `json:"walletLocked"`
	OrderLocked   decimal.Decimal `json:"orderLocked"`
	TradeLocked   decimal.Decimal `json:"tradeLocked"`
	Drift         decimal.Decimal `json:"drift"`
	Consistent    bool            `json:"consistent"`
}

// Tracker reads and reconciles exposure aggregates.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
}

func NewTracker(st store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{store: st, logger: logger.With("component", "exposure")}
}

// ForMarket returns the locked exposure one user holds in one market.
func (t *Tracker) ForMarket(ctx context.Context, userID, marketID uuid.UUID) (decimal.Decimal, error) {
	var held decimal.Decimal
	err := t.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		held, err = tx.MarketExposure(userID, marketID)
		return err
	})
	return held, err
}

// Reconcile recomputes a user's expected exposure from first principles —
// resting-order remainders plus unsettled trade sides — and compares it to
// the wallet's locked amount. A drift means a bug or an interrupted repair,
// never normal operation.
func (t *Tracker) Reconcile(ctx context.Context, userID uuid.UUID) (*Report, error) {
	var report Report
	err := t.store.InTx(ctx, func(tx store.Tx) error {
		w, err := tx.WalletForUpdate(userID)
		if err != nil {
			return err
		}

		orders, err := tx.OpenOrdersByUser(userID)
		if err != nil {
			return err
		}
		orderLocked := decimal.Zero
		for _, o := range orders {
			orderLocked = orderLocked.Add(o.Side.Exposure(o.Price, o.RemainingStake))
		}

		trades, err := tx.UnsettledTradesByUser(userID)
		if err != nil {
			return err
		}
		tradeLocked := decimal.Zero
		for _, tr := range trades {
			if tr.BackUserID == userID {
				tradeLocked = tradeLocked.Add(tr.Stake)
			}
			if tr.LayUserID == userID {
				// The lay side locked against its own limit price at
				// placement, not the trade price: a price-improved lay
				// trades above its limit without ever locking the larger
				// liability.
				o, err := tx.OrderForUpdate(tr.LayOrderID)
				if err != nil {
					return err
				}
				tradeLocked = tradeLocked.Add(types.LAY.Exposure(o.Price, tr.Stake))
			}
		}

		expected := types.RoundMoney(orderLocked.Add(tradeLocked))
		report = Report{
			UserID:        userID,
			WalletBalance: w.Balance,
			WalletLocked:  w.Exposure,
			OrderLocked:   types.RoundMoney(orderLocked),
			TradeLocked:   types.RoundMoney(tradeLocked),
			Drift:         w.Exposure.Sub(expected),
			Consistent:    w.Exposure.Equal(expected),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !report.Consistent {
		t.logger.Warn("exposure drift detected",
			"user_id", userID,
			"wallet_locked", report.WalletLocked,
			"expected", report.OrderLocked.Add(report.TradeLocked),
			"drift", report.Drift,
		)
	}
	return &report, nil
}
