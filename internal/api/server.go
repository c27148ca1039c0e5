// Package api exposes the exchange over HTTP and WebSocket: order
// placement and cancellation, book snapshots, wallet operations, and the
// admin lifecycle/settlement surface. Auth is a JWT bearer token; the
// WebSocket stream is read-only and receives post-commit events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"betx/internal/config"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.ServerConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server and wires its routes.
func NewServer(cfg config.ServerConfig, handlers *Handlers, hub *Hub, logger *slog.Logger) *Server {
	auth := handlers.auth
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)

	// Trading surface
	mux.Handle("POST /api/orders", auth.Middleware(http.HandlerFunc(handlers.HandlePlaceOrder)))
	mux.Handle("DELETE /api/orders/{id}", auth.Middleware(http.HandlerFunc(handlers.HandleCancelOrder)))
	mux.Handle("GET /api/orders", auth.Middleware(http.HandlerFunc(handlers.HandleOpenOrders)))
	mux.HandleFunc("GET /api/markets/{id}", handlers.HandleGetMarket)
	mux.HandleFunc("GET /api/markets/{id}/book", handlers.HandleOrderBook)

	// Wallet surface
	mux.Handle("GET /api/wallet", auth.Middleware(http.HandlerFunc(handlers.HandleWallet)))
	mux.Handle("GET /api/wallet/reconcile", auth.Middleware(http.HandlerFunc(handlers.HandleReconcile)))
	mux.Handle("POST /api/wallet/transfer", auth.Middleware(http.HandlerFunc(handlers.HandleTransfer)))

	// Admin surface
	mux.Handle("POST /api/admin/users", auth.RequireAdmin(http.HandlerFunc(handlers.HandleCreateUser)))
	mux.Handle("POST /api/admin/credit", auth.RequireAdmin(http.HandlerFunc(handlers.HandleCredit)))
	mux.Handle("POST /api/admin/debit", auth.RequireAdmin(http.HandlerFunc(handlers.HandleDebit)))
	mux.Handle("POST /api/admin/matches", auth.RequireAdmin(http.HandlerFunc(handlers.HandleCreateMatch)))
	mux.Handle("POST /api/admin/matches/{id}/transition", auth.RequireAdmin(http.HandlerFunc(handlers.HandleTransitionMatch)))
	mux.Handle("POST /api/admin/markets", auth.RequireAdmin(http.HandlerFunc(handlers.HandleCreateMarket)))
	mux.Handle("POST /api/admin/markets/{id}/transition", auth.RequireAdmin(http.HandlerFunc(handlers.HandleTransitionMarket)))
	mux.Handle("POST /api/admin/markets/{id}/settle", auth.RequireAdmin(http.HandlerFunc(handlers.HandleSettleMarket)))

	// Event stream
	srv := &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		logger:   logger.With("component", "api-server"),
	}
	mux.HandleFunc("GET /ws", srv.handleWebSocket)

	srv.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv
}

// Start starts the API server and hub.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleWebSocket upgrades the connection and registers the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), s.cfg, r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(s.hub, conn)
}

// isOriginAllowed applies the origin policy: an explicit allowlist when
// configured, otherwise same-host plus localhost.
func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
