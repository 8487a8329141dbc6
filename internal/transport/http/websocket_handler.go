package http

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"keymint/internal/infrastructure"
	ws "keymint/internal/websocket"
)

// WebSocketHandler upgrades dashboard connections and registers them
// with the hub. The hub broadcasts purchase, license, crypto and abuse
// events; clients only listen.
type WebSocketHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates a new websocket handler. An empty origin
// header is accepted so local tools can connect; anything else must
// match the allow list.
func NewWebSocketHandler(hub *ws.Hub, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		hub:    hub,
		logger: logger.With(slog.String("handler", "websocket")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			h.logger.Warn("WebSocket origin rejected",
				slog.String("origin", origin))
			return false
		},
	}
	return h
}

// Serve handles GET /ws.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := requestTraceID(r)
	if traceID == "" {
		traceID = infrastructure.GenerateTraceID()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.ErrorContext(ctx, "WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	h.logger.InfoContext(ctx, "WebSocket client connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("trace_id", traceID))
	ws.ServeWS(h.hub, conn, traceID, h.logger)
}
