package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/websocket"
)

// WSHandler handles the dashboard WebSocket endpoint GET /dashboard/ws.
// Dashboard consumers are tools that can set the signing headers on the
// upgrade request, so the regular HMAC middleware chain authenticates it;
// the upgrade body is empty and the signature covers the path.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter (comma-separated; see the websocket package for names). With
// no parameter the connection gets the broad jobs and workers topics.
type WSHandler struct {
	hub     *websocket.Hub
	enabled bool
	logger  *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, enabled bool, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:     hub,
		enabled: enabled,
		logger:  logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /dashboard/ws. It upgrades the connection and
// starts the client read/write pumps. The handler blocks until the
// connection closes; that is expected for WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.enabled {
		ErrNotFound(w, "Dashboard disabled")
		return
	}
	identity := identityFromCtx(r.Context())

	topics := resolveTopics(r)

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("client_id", identity.ClientID),
			zap.Error(err))
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("client_id", identity.ClientID),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics))

	// Run blocks until the connection closes. The pumps handle cleanup
	// and hub unregistration internally.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("client_id", identity.ClientID),
		zap.String("remote_addr", r.RemoteAddr))
}

// resolveTopics builds the topic list for a connection. Unknown topic
// names are kept as-is; they simply never receive messages.
func resolveTopics(r *http.Request) []string {
	raw := r.URL.Query().Get("topics")
	seen := make(map[string]struct{})
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		topics = append(topics, t)
	}
	if len(topics) == 0 {
		return []string{websocket.TopicJobs, websocket.TopicWorkers}
	}
	return topics
}
