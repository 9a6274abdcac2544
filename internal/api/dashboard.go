package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/repositories"
)

const (
	// snapshotTTL absorbs dashboard refresh storms; within the window every
	// viewer gets the same snapshot without touching the stores.
	snapshotTTL = 2 * time.Second
	snapshotKey = "snapshot"

	// The jobs panel shows active jobs plus whatever finished recently.
	recentJobsLimit  = 50
	recentJobsWindow = time.Hour

	// Offline workers drop off the dashboard after an hour of silence.
	offlineSeenWindow = time.Hour
)

type workerResponse struct {
	WorkerID             string      `json:"worker_id"`
	Status               string      `json:"status"`
	LastSeen             *time.Time  `json:"last_seen"`
	Capabilities         []string    `json:"capabilities"`
	Binaries             []string    `json:"binaries"`
	Paths                []string    `json:"paths"`
	Transport            *string     `json:"transport"`
	TransportMetadata    db.Metadata `json:"transport_metadata"`
	RegistrationInterval *int        `json:"registration_interval"`
	Version              *string     `json:"version"`
}

func toWorkerResponse(worker *db.Worker) workerResponse {
	resp := workerResponse{
		WorkerID:             worker.WorkerID,
		Status:               worker.Status,
		LastSeen:             worker.LastSeen,
		Capabilities:         worker.Capabilities,
		Binaries:             worker.Binaries,
		Paths:                worker.Paths,
		Transport:            worker.Transport,
		TransportMetadata:    worker.TransportMetadata,
		RegistrationInterval: worker.RegistrationInterval,
		Version:              worker.Version,
	}
	if resp.Capabilities == nil {
		resp.Capabilities = []string{}
	}
	if resp.Binaries == nil {
		resp.Binaries = []string{}
	}
	if resp.Paths == nil {
		resp.Paths = []string{}
	}
	return resp
}

type dashboardSnapshot struct {
	Workers     []workerResponse `json:"workers"`
	WorkerLoad  map[string]int   `json:"worker_load"`
	Jobs        []jobResponse    `json:"jobs"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// DashboardHandler serves the admin fleet overview: every reachable
// worker with its current load, and the recent job history.
type DashboardHandler struct {
	jobs    repositories.JobRepository
	workers repositories.WorkerRepository
	enabled bool
	cache   *cache.Cache
	logger  *zap.Logger
}

// NewDashboardHandler creates a new DashboardHandler.
func NewDashboardHandler(
	jobs repositories.JobRepository,
	workers repositories.WorkerRepository,
	enabled bool,
	logger *zap.Logger,
) *DashboardHandler {
	return &DashboardHandler{
		jobs:    jobs,
		workers: workers,
		enabled: enabled,
		cache:   cache.New(snapshotTTL, time.Minute),
		logger:  logger.Named("dashboard_handler"),
	}
}

// Snapshot handles GET /dashboard.
func (h *DashboardHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	if !h.enabled {
		ErrNotFound(w, "Dashboard disabled")
		return
	}

	if cached, ok := h.cache.Get(snapshotKey); ok {
		JSON(w, http.StatusOK, cached.(*dashboardSnapshot))
		return
	}

	snapshot, err := h.build(r.Context())
	if err != nil {
		h.logger.Error("dashboard snapshot failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	h.cache.SetDefault(snapshotKey, snapshot)
	JSON(w, http.StatusOK, snapshot)
}

func (h *DashboardHandler) build(ctx context.Context) (*dashboardSnapshot, error) {
	online, err := h.workers.ListByStatus(ctx, db.WorkerStatusOnline, 0)
	if err != nil {
		return nil, err
	}
	offline, err := h.workers.ListByStatus(ctx, db.WorkerStatusOffline, offlineSeenWindow)
	if err != nil {
		return nil, err
	}
	workers := append(online, offline...)

	// Online fleet first, then most recently seen.
	sort.SliceStable(workers, func(i, j int) bool {
		iOnline := workers[i].Status == db.WorkerStatusOnline
		jOnline := workers[j].Status == db.WorkerStatusOnline
		if iOnline != jOnline {
			return iOnline
		}
		return lastSeenOf(&workers[i]).After(lastSeenOf(&workers[j]))
	})

	load, err := h.jobs.WorkerLoad(ctx)
	if err != nil {
		return nil, err
	}

	jobs, err := h.jobs.ListRecent(ctx, recentJobsLimit, time.Now().UTC().Add(-recentJobsWindow))
	if err != nil {
		return nil, err
	}

	snapshot := &dashboardSnapshot{
		Workers:     make([]workerResponse, 0, len(workers)),
		WorkerLoad:  load,
		Jobs:        make([]jobResponse, 0, len(jobs)),
		GeneratedAt: time.Now().UTC(),
	}
	for i := range workers {
		snapshot.Workers = append(snapshot.Workers, toWorkerResponse(&workers[i]))
	}
	for i := range jobs {
		snapshot.Jobs = append(snapshot.Jobs, toJobResponse(&jobs[i]))
	}
	return snapshot, nil
}

func lastSeenOf(worker *db.Worker) time.Time {
	if worker.LastSeen == nil {
		return time.Time{}
	}
	return *worker.LastSeen
}
