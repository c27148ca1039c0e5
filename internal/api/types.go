package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betx/pkg/types"
)

// Request bodies. Decimal fields accept JSON numbers or numeric strings.

type placeOrderRequest struct {
	MarketID    uuid.UUID       `json:"marketId"`
	SelectionID uuid.UUID       `json:"selectionId"`
	Side        types.Side      `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Stake       decimal.Decimal `json:"stake"`
}

type transferRequest struct {
	ToUserID uuid.UUID       `json:"toUserId"`
	Amount   decimal.Decimal `json:"amount"`
}

type balanceAdjustRequest struct {
	UserID uuid.UUID       `json:"userId"`
	Amount decimal.Decimal `json:"amount"`
	Notes  string          `json:"notes"`
}

type createUserRequest struct {
	Email    string     `json:"email"`
	Role     types.Role `json:"role"`
	ParentID *uuid.UUID `json:"parentId,omitempty"`
}

type createMatchRequest struct {
	HomeTeam   string    `json:"homeTeam"`
	AwayTeam   string    `json:"awayTeam"`
	SportKey   string    `json:"sportKey"`
	StartTime  time.Time `json:"startTime"`
	ExternalID *string   `json:"externalId,omitempty"`
}

type createMarketRequest struct {
	MatchID uuid.UUID `json:"matchId"`
	Name    string    `json:"name"`
	Runners []string  `json:"runners"`
}

type transitionRequest struct {
	Status string `json:"status"`
}

type settleRequest struct {
	WinnerID *uuid.UUID `json:"winnerId,omitempty"`
}

type createUserResponse struct {
	User   types.User   `json:"user"`
	Wallet types.Wallet `json:"wallet"`
	Token  string       `json:"token"`
}

type walletResponse struct {
	Wallet types.Wallet        `json:"wallet"`
	Ledger []types.LedgerEntry `json:"ledger"`
}

type bookResponse struct {
	MarketID    uuid.UUID         `json:"marketId"`
	SelectionID uuid.UUID         `json:"selectionId"`
	Back        []types.BookLevel `json:"back"`
	Lay         []types.BookLevel `json:"lay"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps core error kinds onto HTTP statuses. Unknown errors are
// logged and masked as a 500.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var status int
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, types.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, types.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, types.ErrPermissionDenied):
		status = http.StatusForbidden
	default:
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed " + name})
		return uuid.Nil, false
	}
	return id, true
}
