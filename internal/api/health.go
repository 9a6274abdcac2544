package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/transport"
)

const deepCheckTimeout = 5 * time.Second

type pingRequest struct {
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
}

type pingIdentity struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
}

// HealthHandler serves liveness and connectivity checks.
type HealthHandler struct {
	databases map[string]*gorm.DB
	fabric    *transport.Manager
	logger    *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. databases maps store
// names to their handles; stores sharing a database share the entry's
// underlying pool, so pinging each is cheap.
func NewHealthHandler(databases map[string]*gorm.DB, fabric *transport.Manager, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		databases: databases,
		fabric:    fabric,
		logger:    logger.Named("health_handler"),
	}
}

// Health handles GET /health. The plain form only proves the process is
// serving. ?deep=true additionally pings every database and transport,
// answering 500 as soon as any dependency is down so load balancers take
// the node out of rotation.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") != "true" {
		JSON(w, http.StatusOK, map[string]string{"status": "online"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deepCheckTimeout)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	names := make([]string, 0, len(h.databases))
	for name := range h.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key := "database:" + name
		if err := db.Ping(ctx, h.databases[name]); err != nil {
			h.logger.Warn("database unhealthy", zap.String("store", name), zap.Error(err))
			checks[key] = err.Error()
			healthy = false
			continue
		}
		checks[key] = "ok"
	}

	for name, err := range h.fabric.Health(ctx) {
		key := "transport:" + name
		if err != nil {
			h.logger.Warn("transport unhealthy", zap.String("transport", name), zap.Error(err))
			checks[key] = err.Error()
			healthy = false
			continue
		}
		checks[key] = "ok"
	}

	status := "online"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusInternalServerError
	}
	JSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}

// Ping handles POST /ping: an echo endpoint for verifying request
// signing end to end. Authentication is optional; unsigned pings get a
// null identity back.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	var payload pingRequest
	if !decodeJSON(w, r, &payload) {
		return
	}

	var echoed *pingIdentity
	if identity := identityFromCtx(r.Context()); identity != nil {
		echoed = &pingIdentity{ClientID: identity.ClientID, Role: identity.Role}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":   "received",
		"echo":     payload.Message,
		"identity": echoed,
	})
}
