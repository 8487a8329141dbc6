// Package websocket provides the event hub that pushes fulfillment,
// license, crypto and abuse events to connected operator dashboards.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"keymint/internal/config"
	"keymint/internal/infrastructure"
	"keymint/pkg/contracts/events"
)

// broadcastBuffer bounds the number of undelivered broadcasts the hub
// queues before it starts dropping. Publishers never block.
const broadcastBuffer = 64

// Hub maintains the set of active clients and fans broadcast messages
// out to them.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound messages awaiting fan-out
	broadcast chan []byte

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	mu     sync.RWMutex
	logger *slog.Logger

	pingPeriod time.Duration
	pongWait   time.Duration

	// Metrics
	totalConnections int64
	messagesSent     int64
	messagesDropped  int64

	// Control
	quit    chan struct{}
	running bool
}

// NewHub creates a new Hub instance. Ping and pong timing come from the
// websocket section of the runtime configuration.
func NewHub(cfg config.WebSocketConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	logger = logger.With(slog.String("component", "websocket.hub"))

	pingPeriod := cfg.PingPeriod
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = config.WebSocketPongWait
	}
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = (pongWait * 9) / 10
	}

	return &Hub{
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     logger,
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		quit:       make(chan struct{}),
	}
}

// Start launches the hub's run loop.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.Run()
}

// Run processes register, unregister and broadcast requests until Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.logger.Info("Hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.totalConnections++
			h.mu.Unlock()

			h.logger.Info("Client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			// Greet the new client so dashboards can confirm the stream
			// is live before the first domain event arrives.
			welcome := events.WebSocketMessage{
				BaseMessage: events.BaseMessage{
					ID:        uuid.New().String(),
					Type:      events.MessageTypeConnect,
					Timestamp: time.Now().UTC(),
					TraceID:   client.traceID,
				},
				Data: map[string]string{
					"status":    "connected",
					"client_id": client.id,
				},
			}
			if payload, err := json.Marshal(welcome); err == nil {
				select {
				case client.send <- payload:
				default:
					h.logger.Warn("Client buffer full on welcome",
						slog.String("client_id", client.id))
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				count := len(h.clients)
				h.mu.Unlock()

				h.logger.Info("Client unregistered",
					slog.Int("total_clients", count),
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", time.Since(client.connectedAt)))
			} else {
				h.mu.Unlock()
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			sent := int64(0)
			for _, client := range clients {
				select {
				case client.send <- message:
					sent++
				default:
					// Slow consumer: drop the connection rather than
					// stall every other dashboard.
					h.mu.Lock()
					close(client.send)
					delete(h.clients, client)
					h.mu.Unlock()
					h.logger.Warn("Client send buffer full, disconnecting",
						slog.String("client_id", client.id))
				}
			}
			h.mu.Lock()
			h.messagesSent += sent
			h.mu.Unlock()
		}
	}
}

// Publish broadcasts an event of the given type to every connected
// client. It never blocks; if the hub is stopped or the queue is full
// the message is dropped with a log line.
func (h *Hub) Publish(msgType events.MessageType, data interface{}) {
	h.PublishWithTrace(msgType, data, "")
}

// PublishWithTrace is Publish with an explicit trace ID stamped on the
// outgoing envelope.
func (h *Hub) PublishWithTrace(msgType events.MessageType, data interface{}, traceID string) {
	msg := events.WebSocketMessage{
		BaseMessage: events.BaseMessage{
			ID:        uuid.New().String(),
			Type:      msgType,
			Timestamp: time.Now().UTC(),
			TraceID:   traceID,
		},
		Data: data,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Error marshaling broadcast message",
			slog.String("type", string(msgType)),
			slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		h.logger.Debug("Hub not running, dropping message",
			slog.String("type", string(msgType)))
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		h.mu.Lock()
		h.messagesDropped++
		h.mu.Unlock()
		h.logger.Warn("Broadcast queue full, dropping message",
			slog.String("type", string(msgType)))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Stop gracefully stops the hub and closes every client send channel.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Stats returns a snapshot of hub counters for health reporting.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"active_clients":    len(h.clients),
		"total_connections": h.totalConnections,
		"messages_sent":     h.messagesSent,
		"messages_dropped":  h.messagesDropped,
	}
}
