package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/config"
	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/metrics"
	"github.com/brwyatt/dffmpeg/internal/repositories"
	"github.com/brwyatt/dffmpeg/internal/scheduler"
	"github.com/brwyatt/dffmpeg/internal/transport"
	"github.com/brwyatt/dffmpeg/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main after all components are initialized and passed
// to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Config        *config.Config
	Authenticator *auth.Authenticator
	Scheduler     *scheduler.Scheduler
	Fabric        *transport.Manager
	Hub           *websocket.Hub
	Logger        *zap.Logger

	Workers  repositories.WorkerRepository
	Jobs     repositories.JobRepository
	Messages repositories.MessageRepository

	// Databases backs the deep health check; keys are store names.
	Databases map[string]*gorm.DB
}

// NewRouter builds and returns the fully configured Chi router. Routes
// live at the root; the coordinator fronts nothing but this API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs for
	// tracing.
	r.Use(middleware.RequestID)

	// RequestLogger logs every request with method, path, status and
	// latency, and feeds the request metrics.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// Authenticate resolves the caller's identity from the signing
	// headers. The client address feeds CIDR checks, so forwarded-for
	// headers are honored inside the authenticator for trusted proxies
	// only, never rewritten globally.
	r.Use(Authenticate(cfg.Authenticator, cfg.Logger))

	workerHandler := NewWorkerHandler(cfg.Workers, cfg.Fabric, cfg.Hub, cfg.Config.AllowedBinaries, cfg.Logger)
	jobHandler := NewJobHandler(
		cfg.Jobs, cfg.Messages, cfg.Fabric, cfg.Scheduler, cfg.Hub,
		cfg.Config.AllowedBinaries, cfg.Config.JobHeartbeatInterval, cfg.Logger)
	pollHandler := NewPollHandler(cfg.Jobs, cfg.Messages, cfg.Fabric, cfg.Logger)
	healthHandler := NewHealthHandler(cfg.Databases, cfg.Fabric, cfg.Logger)
	dashboardHandler := NewDashboardHandler(cfg.Jobs, cfg.Workers, cfg.Config.Dashboard.On(), cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Config.Dashboard.On(), cfg.Logger)

	// --- Public routes (no authentication required) ---
	r.Get("/health", healthHandler.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Ping authenticates when headers are present but accepts unsigned
	// requests; it exists to let clients verify their signing setup.
	r.Post("/ping", healthHandler.Ping)

	// --- Authenticated routes ---
	r.Group(func(r chi.Router) {
		r.Use(RequireAuth)

		// Worker lifecycle
		r.Post("/worker/register", workerHandler.Register)
		r.Post("/worker/deregister", workerHandler.Deregister)

		// Jobs
		r.Get("/jobs", jobHandler.List)
		r.Post("/jobs/submit", jobHandler.Submit)
		r.Get("/jobs/{job_id}/status", jobHandler.GetStatus)
		r.Post("/jobs/{job_id}/status", jobHandler.UpdateStatus)
		r.Post("/jobs/{job_id}/accept", jobHandler.Accept)
		r.Post("/jobs/{job_id}/cancel", jobHandler.Cancel)
		r.Post("/jobs/{job_id}/heartbeat", jobHandler.WorkerHeartbeat)
		r.Post("/jobs/{job_id}/client_heartbeat", jobHandler.ClientHeartbeat)
		r.Post("/jobs/{job_id}/logs", jobHandler.SubmitLogs)
		r.Get("/jobs/{job_id}/logs", jobHandler.GetLogs)

		// Long-poll delivery
		r.With(RequireRole(db.RoleWorker)).Get("/poll/worker", pollHandler.PollWorker)
		r.Get("/poll/jobs/{job_id}", pollHandler.PollJob)

		// --- Admin-only routes ---
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(db.RoleAdmin))

			r.Get("/dashboard", dashboardHandler.Snapshot)
			r.Get("/dashboard/ws", wsHandler.ServeWS)
		})
	})

	return r
}
