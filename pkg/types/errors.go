package types

import "errors"

// Error kinds surfaced by the core. Every failure is local to a single
// transaction — callers never observe partial effects. Wrap these with
// fmt.Errorf("...: %w", ...) at call sites and match with errors.Is.
var (
	// ErrNotFound — a referenced entity is absent.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState — the operation is illegal in the entity's current
	// state: market not OPEN, order not cancellable, market already SETTLED,
	// or an illegal state-machine transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidInput — malformed request values: price ≤ 1.00, stake ≤ 0,
	// unknown side, or decimal precision overflow.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientFunds — available balance is below the required
	// exposure for the operation.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrPermissionDenied — the actor is not permitted to perform the
	// operation (e.g. cancelling another user's order, non-parent transfer).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflict — a uniqueness collision, e.g. duplicate external match
	// id. Callers treat this as success with the existing entity.
	ErrConflict = errors.New("conflict")
)
