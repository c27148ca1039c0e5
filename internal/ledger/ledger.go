// Package ledger owns every wallet mutation in the system.
//
// Funds move exclusively through the functions here: each one loads the
// wallet under a row lock, applies the change, and appends a ledger entry
// carrying the post-mutation balance. No other package writes wallets, which
// keeps the audit trail complete — summing a user's balance-affecting
// entries reproduces their balance.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betx/internal/store"
	"betx/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Transaction-scoped primitives
//
// These run inside a caller-owned transaction so that order placement,
// cancellation, and settlement each stay a single atomic unit.
// ————————————————————————————————————————————————————————————————————————

// LockExposure reserves amount against the user's available balance for a
// market. Fails with ErrInsufficientFunds when available < amount; the
// balance itself is untouched.
func LockExposure(tx store.Tx, userID, marketID uuid.UUID, amount decimal.Decimal, notes string) error {
	w, err := tx.WalletForUpdate(userID)
	if err != nil {
		return err
	}
	if w.Available().LessThan(amount) {
		return fmt.Errorf("available %s < required %s: %w",
			w.Available(), amount, types.ErrInsufficientFunds)
	}
	newExposure := types.RoundMoney(w.Exposure.Add(amount))
	if err := tx.UpdateWallet(userID, w.Balance, newExposure); err != nil {
		return err
	}
	if err := tx.AddMarketExposure(userID, marketID, amount); err != nil {
		return err
	}
	return tx.AppendLedger(entry(userID, amount.Neg(), types.LedgerExposureLock, w.Balance, notes))
}

// ReleaseExposure returns a previously locked reservation. Releasing more
// than is locked is an invariant breach and fails the transaction.
func ReleaseExposure(tx store.Tx, userID, marketID uuid.UUID, amount decimal.Decimal, notes string) error {
	w, err := tx.WalletForUpdate(userID)
	if err != nil {
		return err
	}
	newExposure := types.RoundMoney(w.Exposure.Sub(amount))
	if newExposure.IsNegative() {
		return fmt.Errorf("release %s exceeds locked exposure %s: %w",
			amount, w.Exposure, types.ErrInvalidState)
	}
	if err := tx.UpdateWallet(userID, w.Balance, newExposure); err != nil {
		return err
	}
	if err := tx.AddMarketExposure(userID, marketID, amount.Neg()); err != nil {
		return err
	}
	return tx.AppendLedger(entry(userID, amount, types.LedgerExposureRelease, w.Balance, notes))
}

// CreditBalance adds amount to the user's balance (settlement wins, refunds,
// admin deposits).
func CreditBalance(tx store.Tx, userID uuid.UUID, amount decimal.Decimal, kind types.LedgerKind, notes string) error {
	w, err := tx.WalletForUpdate(userID)
	if err != nil {
		return err
	}
	newBalance := types.RoundMoney(w.Balance.Add(amount))
	if err := tx.UpdateWallet(userID, newBalance, w.Exposure); err != nil {
		return err
	}
	return tx.AppendLedger(entry(userID, amount, kind, newBalance, notes))
}

// DebitBalance removes amount from the user's balance. Fails with
// ErrInsufficientFunds when the balance would go negative.
func DebitBalance(tx store.Tx, userID uuid.UUID, amount decimal.Decimal, kind types.LedgerKind, notes string) error {
	w, err := tx.WalletForUpdate(userID)
	if err != nil {
		return err
	}
	newBalance := types.RoundMoney(w.Balance.Sub(amount))
	if newBalance.IsNegative() {
		return fmt.Errorf("balance %s < debit %s: %w", w.Balance, amount, types.ErrInsufficientFunds)
	}
	if err := tx.UpdateWallet(userID, newBalance, w.Exposure); err != nil {
		return err
	}
	return tx.AppendLedger(entry(userID, amount.Neg(), kind, newBalance, notes))
}

// ReleaseExposureAtMost releases up to amount of locked exposure, clamping
// at what is actually held. Settlement uses it where price improvement may
// have left the lock short of the trade's nominal liability.
func ReleaseExposureAtMost(tx store.Tx, userID, marketID uuid.UUID, amount decimal.Decimal, notes string) error {
	w, err := tx.WalletForUpdate(userID)
	if err != nil {
		return err
	}
	held, err := tx.MarketExposure(userID, marketID)
	if err != nil {
		return err
	}
	release := decimal.Min(amount, decimal.Min(w.Exposure, held))
	if !release.IsPositive() {
		return nil
	}
	if err := tx.UpdateWallet(userID, w.Balance, types.RoundMoney(w.Exposure.Sub(release))); err != nil {
		return err
	}
	if err := tx.AddMarketExposure(userID, marketID, release.Neg()); err != nil {
		return err
	}
	return tx.AppendLedger(entry(userID, release, types.LedgerExposureRelease, w.Balance, notes))
}

// SettleWriteDown consumes formerly locked funds at settlement: the balance
// drops by amount and the matching slice of locked exposure is released in
// the same entry. Both movements clamp at zero — order flow that traded at
// a worse price than its placement limit can leave the lock slightly short
// of the liability, and the shortfall is absorbed rather than driving a
// wallet negative.
func SettleWriteDown(tx store.Tx, userID, marketID uuid.UUID, amount decimal.Decimal, notes string) error {
	w, err := tx.WalletForUpdate(userID)
	if err != nil {
		return err
	}
	held, err := tx.MarketExposure(userID, marketID)
	if err != nil {
		return err
	}
	debit := decimal.Min(w.Balance, amount)
	release := decimal.Min(amount, decimal.Min(w.Exposure, held))
	newBalance := types.RoundMoney(w.Balance.Sub(debit))
	if err := tx.UpdateWallet(userID, newBalance, types.RoundMoney(w.Exposure.Sub(release))); err != nil {
		return err
	}
	if release.IsPositive() {
		if err := tx.AddMarketExposure(userID, marketID, release.Neg()); err != nil {
			return err
		}
	}
	return tx.AppendLedger(entry(userID, debit.Neg(), types.LedgerOrderSettle, newBalance, notes))
}

func entry(userID uuid.UUID, amount decimal.Decimal, kind types.LedgerKind, postBalance decimal.Decimal, notes string) *types.LedgerEntry {
	return &types.LedgerEntry{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      types.RoundMoney(amount),
		Kind:        kind,
		PostBalance: postBalance,
		Notes:       notes,
		CreatedAt:   time.Now().UTC(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Service — public wallet operations
// ————————————————————————————————————————————————————————————————————————

// EventPublisher receives a notification for every wallet a Service
// operation touched, after the transaction commits.
type EventPublisher interface {
	BalanceChanged(c types.BalanceChange)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) BalanceChanged(types.BalanceChange) {}

// Service exposes the wallet operations that arrive from outside the
// matching and settlement paths: deposits, withdrawals, and parent-child
// transfers.
type Service struct {
	store  store.Store
	events EventPublisher
	logger *slog.Logger
}

func NewService(st store.Store, events EventPublisher, logger *slog.Logger) *Service {
	if events == nil {
		events = NopPublisher{}
	}
	return &Service{store: st, events: events, logger: logger.With("component", "ledger")}
}

// Credit deposits amount into a user's wallet.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, notes string) error {
	if !types.ValidStake(amount) {
		return fmt.Errorf("credit amount %s: %w", amount, types.ErrInvalidInput)
	}
	var wallet types.Wallet
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := CreditBalance(tx, userID, amount, types.LedgerCredit, notes); err != nil {
			return err
		}
		w, err := tx.WalletForUpdate(userID)
		if err != nil {
			return err
		}
		wallet = *w
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("wallet credited", "user_id", userID, "amount", amount)
	s.events.BalanceChanged(types.NewBalanceChange(wallet, types.LedgerCredit, amount))
	return nil
}

// Debit withdraws amount from a user's wallet. The withdrawal must leave
// enough balance to cover locked exposure.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, notes string) error {
	if !types.ValidStake(amount) {
		return fmt.Errorf("debit amount %s: %w", amount, types.ErrInvalidInput)
	}
	var wallet types.Wallet
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		w, err := tx.WalletForUpdate(userID)
		if err != nil {
			return err
		}
		if w.Available().LessThan(amount) {
			return fmt.Errorf("available %s < withdrawal %s: %w",
				w.Available(), amount, types.ErrInsufficientFunds)
		}
		if err := DebitBalance(tx, userID, amount, types.LedgerDebit, notes); err != nil {
			return err
		}
		w, err = tx.WalletForUpdate(userID)
		if err != nil {
			return err
		}
		wallet = *w
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("wallet debited", "user_id", userID, "amount", amount)
	s.events.BalanceChanged(types.NewBalanceChange(wallet, types.LedgerDebit, amount.Neg()))
	return nil
}

// Transfer moves amount from one wallet to another. Only the recipient's
// parent in the agent tree, or an admin, may transfer; both legs land in
// one transaction so funds can never be created or destroyed.
func (s *Service) Transfer(ctx context.Context, fromID, toID uuid.UUID, amount decimal.Decimal) error {
	if !types.ValidStake(amount) {
		return fmt.Errorf("transfer amount %s: %w", amount, types.ErrInvalidInput)
	}
	if fromID == toID {
		return fmt.Errorf("self transfer: %w", types.ErrInvalidInput)
	}
	var fromAfter, toAfter types.Wallet
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		from, err := tx.GetUser(fromID)
		if err != nil {
			return err
		}
		to, err := tx.GetUser(toID)
		if err != nil {
			return err
		}
		if !from.Role.IsAdmin() && (to.ParentID == nil || *to.ParentID != fromID) {
			return fmt.Errorf("user %s is not a parent of %s: %w",
				fromID, toID, types.ErrPermissionDenied)
		}

		fromWallet, err := tx.WalletForUpdate(fromID)
		if err != nil {
			return err
		}
		if fromWallet.Available().LessThan(amount) {
			return fmt.Errorf("available %s < transfer %s: %w",
				fromWallet.Available(), amount, types.ErrInsufficientFunds)
		}
		note := fmt.Sprintf("transfer %s -> %s", fromID, toID)
		if err := DebitBalance(tx, fromID, amount, types.LedgerTransferOut, note); err != nil {
			return err
		}
		if err := CreditBalance(tx, toID, amount, types.LedgerTransferIn, note); err != nil {
			return err
		}
		fw, err := tx.WalletForUpdate(fromID)
		if err != nil {
			return err
		}
		tw, err := tx.WalletForUpdate(toID)
		if err != nil {
			return err
		}
		fromAfter, toAfter = *fw, *tw
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("transfer completed", "from", fromID, "to", toID, "amount", amount)
	s.events.BalanceChanged(types.NewBalanceChange(fromAfter, types.LedgerTransferOut, amount.Neg()))
	s.events.BalanceChanged(types.NewBalanceChange(toAfter, types.LedgerTransferIn, amount))
	return nil
}

// Snapshot returns a wallet together with its most recent ledger entries.
func (s *Service) Snapshot(ctx context.Context, userID uuid.UUID, entries int) (*types.Wallet, []types.LedgerEntry, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	es, err := s.store.LedgerEntries(ctx, userID, entries)
	if err != nil {
		return nil, nil, err
	}
	return w, es, nil
}
