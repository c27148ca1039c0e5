package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betx/internal/engine"
	"betx/internal/exposure"
	"betx/internal/ledger"
	"betx/internal/market"
	"betx/internal/settle"
	"betx/internal/store"
	"betx/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	store   store.Store
	engine  *engine.Engine
	settler *settle.Engine
	markets *market.Service
	ledger  *ledger.Service
	tracker *exposure.Tracker
	auth    *Auth
	logger  *slog.Logger
}

func NewHandlers(
	st store.Store,
	eng *engine.Engine,
	settler *settle.Engine,
	markets *market.Service,
	ldg *ledger.Service,
	tracker *exposure.Tracker,
	auth *Auth,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		store:   st,
		engine:  eng,
		settler: settler,
		markets: markets,
		ledger:  ldg,
		tracker: tracker,
		auth:    auth,
		logger:  logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// HandlePlaceOrder places a BACK or LAY order for the authenticated user.
func (h *Handlers) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req placeOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.engine.PlaceOrder(r.Context(), engine.PlaceRequest{
		UserID:      id.UserID,
		MarketID:    req.MarketID,
		SelectionID: req.SelectionID,
		Side:        req.Side,
		Price:       req.Price,
		Stake:       req.Stake,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// HandleCancelOrder cancels the caller's resting order.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	orderID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	result, err := h.engine.CancelOrder(r.Context(), id.UserID, orderID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleOpenOrders lists the caller's open and partially matched orders.
func (h *Handlers) HandleOpenOrders(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var orders []types.Order
	err := h.store.InTx(r.Context(), func(tx store.Tx) error {
		var err error
		orders, err = tx.OpenOrdersByUser(id.UserID)
		return err
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// HandleOrderBook returns the aggregated book for one selection.
func (h *Handlers) HandleOrderBook(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	selectionID, err := uuid.Parse(r.URL.Query().Get("selection"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed selection"})
		return
	}
	back, lay, err := h.engine.OrderBook(r.Context(), marketID, selectionID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bookResponse{
		MarketID:    marketID,
		SelectionID: selectionID,
		Back:        back,
		Lay:         lay,
	})
}

// ————————————————————————————————————————————————————————————————————————
// Wallets
// ————————————————————————————————————————————————————————————————————————

// HandleWallet returns the caller's wallet and recent ledger entries.
func (h *Handlers) HandleWallet(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	wallet, entries, err := h.ledger.Snapshot(r.Context(), id.UserID, 50)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{Wallet: *wallet, Ledger: entries})
}

// HandleReconcile recomputes the caller's locked exposure from open orders
// and unsettled trades and reports any drift against the wallet.
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	report, err := h.tracker.Reconcile(r.Context(), id.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleTransfer moves funds from the caller to another user.
func (h *Handlers) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.ledger.Transfer(r.Context(), id.UserID, req.ToUserID, req.Amount); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleCredit credits a user's balance. Admin only.
func (h *Handlers) HandleCredit(w http.ResponseWriter, r *http.Request) {
	var req balanceAdjustRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.ledger.Credit(r.Context(), req.UserID, req.Amount, req.Notes); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleDebit debits a user's balance. Admin only.
func (h *Handlers) HandleDebit(w http.ResponseWriter, r *http.Request) {
	var req balanceAdjustRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.ledger.Debit(r.Context(), req.UserID, req.Amount, req.Notes); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ————————————————————————————————————————————————————————————————————————
// Users
// ————————————————————————————————————————————————————————————————————————

// HandleCreateUser registers a user with an empty wallet and returns a
// token for them. Admin only.
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" {
		writeError(w, h.logger, fmt.Errorf("email is required: %w", types.ErrInvalidInput))
		return
	}
	role := req.Role
	if role == "" {
		role = types.RoleUser
	}

	now := time.Now().UTC()
	user := types.User{
		ID:        uuid.New(),
		Email:     req.Email,
		Role:      role,
		ParentID:  req.ParentID,
		CreatedAt: now,
	}
	wallet := types.Wallet{
		UserID:    user.ID,
		Balance:   decimal.Zero,
		Exposure:  decimal.Zero,
		UpdatedAt: now,
	}
	err := h.store.InTx(r.Context(), func(tx store.Tx) error {
		if err := tx.InsertUser(&user); err != nil {
			return err
		}
		return tx.InsertWallet(&wallet)
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	token, err := h.auth.IssueToken(user)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, createUserResponse{User: user, Wallet: wallet, Token: token})
}

// ————————————————————————————————————————————————————————————————————————
// Matches and markets
// ————————————————————————————————————————————————————————————————————————

// HandleCreateMatch registers a match. Admin only. A duplicate external id
// returns the existing match with 200 instead of creating another.
func (h *Handlers) HandleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var req createMatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.markets.CreateMatch(r.Context(), market.CreateMatchInput{
		HomeTeam:   req.HomeTeam,
		AwayTeam:   req.AwayTeam,
		SportKey:   req.SportKey,
		StartTime:  req.StartTime,
		ExternalID: req.ExternalID,
	})
	if err != nil {
		if m != nil {
			writeJSON(w, http.StatusOK, m)
			return
		}
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// HandleCreateMarket opens a market with its runners under a match. Admin only.
func (h *Handlers) HandleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, runners, err := h.markets.CreateMarket(r.Context(), req.MatchID, req.Name, req.Runners)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"market": m, "runners": runners})
}

// HandleGetMarket returns a market with its runners and reference odds.
func (h *Handlers) HandleGetMarket(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	m, err := h.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	runners, err := h.store.GetRunners(r.Context(), marketID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market": m, "runners": runners})
}

// HandleTransitionMatch moves a match through its lifecycle. Admin only.
func (h *Handlers) HandleTransitionMatch(w http.ResponseWriter, r *http.Request) {
	matchID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.markets.TransitionMatch(r.Context(), matchID, types.MatchStatus(req.Status))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleTransitionMarket moves a market through its lifecycle. Admin only.
func (h *Handlers) HandleTransitionMarket(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.markets.TransitionMarket(r.Context(), marketID, types.MarketStatus(req.Status))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleSettleMarket settles a market against a winning runner, or refunds
// everyone when no winner is given. Admin only.
func (h *Handlers) HandleSettleMarket(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req settleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.settler.SettleMarket(r.Context(), marketID, req.WinnerID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}
