package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"betx/internal/settle"
	"betx/pkg/types"
)

// StreamEvent is the wrapper for all events pushed to WebSocket clients.
type StreamEvent struct {
	Type      string    `json:"type"` // "order", "trade", "book", "settlement", "balance_update", "market", "match"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type bookChangedEvent struct {
	MarketID    uuid.UUID `json:"marketId"`
	SelectionID uuid.UUID `json:"selectionId"`
}

type settlementEvent struct {
	Trade       types.Trade `json:"trade"`
	BackOutcome string      `json:"backOutcome"`
	LayOutcome  string      `json:"layOutcome"`
}

// Hub manages WebSocket clients and broadcasts engine, settlement, and
// lifecycle events to them. It satisfies the publisher interfaces of the
// engine, settle, and market packages; events arrive only after the
// transaction that produced them has committed.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex
	logger     *slog.Logger
}

// Client represents a connected WebSocket client.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run starts the hub's main loop (should be called in a goroutine).
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("client connected", "count", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", "count", len(h.clients))

		case message := <-h.broadcast:
			// Write lock: a client that can't keep up is closed and removed
			// mid-iteration.
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) publish(eventType string, data any) {
	payload, err := json.Marshal(StreamEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		h.logger.Error("failed to marshal event", "type", eventType, "error", err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", eventType)
	}
}

// OrderUpdated implements engine.EventPublisher.
func (h *Hub) OrderUpdated(o types.Order) { h.publish("order", o) }

// TradeExecuted implements engine.EventPublisher.
func (h *Hub) TradeExecuted(t types.Trade) { h.publish("trade", t) }

// BookChanged implements engine.EventPublisher.
func (h *Hub) BookChanged(marketID, selectionID uuid.UUID) {
	h.publish("book", bookChangedEvent{MarketID: marketID, SelectionID: selectionID})
}

// TradeSettled implements settle.EventPublisher.
func (h *Hub) TradeSettled(t types.Trade, backOutcome, layOutcome settle.Outcome) {
	h.publish("settlement", settlementEvent{
		Trade:       t,
		BackOutcome: string(backOutcome),
		LayOutcome:  string(layOutcome),
	})
}

// MarketSettled implements settle.EventPublisher.
func (h *Hub) MarketSettled(m types.Market) { h.publish("market", m) }

// BalanceChanged implements the wallet-event half of the engine, settle,
// and ledger publisher interfaces.
func (h *Hub) BalanceChanged(c types.BalanceChange) { h.publish("balance_update", c) }

// MarketUpdated implements market.EventPublisher.
func (h *Hub) MarketUpdated(m types.Market) { h.publish("market", m) }

// MatchUpdated implements market.EventPublisher.
func (h *Hub) MatchUpdated(m types.Match) { h.publish("match", m) }

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
)

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			break
		}
		// The stream is broadcast-only, ignore any client messages
	}
}

// NewClient creates a new WebSocket client and starts its pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	return client
}
