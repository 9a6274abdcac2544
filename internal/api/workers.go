package api

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/repositories"
	"github.com/brwyatt/dffmpeg/internal/transport"
	"github.com/brwyatt/dffmpeg/internal/websocket"
)

// registrationRequest is the body of POST /worker/register. Workers send
// their full capability set on every registration.
type registrationRequest struct {
	WorkerID             string   `json:"worker_id"`
	Capabilities         []string `json:"capabilities"`
	Binaries             []string `json:"binaries"`
	Paths                []string `json:"paths"`
	SupportedTransports  []string `json:"supported_transports"`
	RegistrationInterval *int     `json:"registration_interval"`
	Version              *string  `json:"version"`
}

type deregistrationRequest struct {
	WorkerID string `json:"worker_id"`
}

// transportRecord is the registration response: the negotiated transport
// and the metadata the worker needs to receive messages over it.
type transportRecord struct {
	Transport         string      `json:"transport"`
	TransportMetadata db.Metadata `json:"transport_metadata"`
}

// WorkerHandler serves the worker lifecycle endpoints.
type WorkerHandler struct {
	workers         repositories.WorkerRepository
	fabric          *transport.Manager
	hub             *websocket.Hub
	allowedBinaries []string
	logger          *zap.Logger
}

// NewWorkerHandler creates a new WorkerHandler.
func NewWorkerHandler(
	workers repositories.WorkerRepository,
	fabric *transport.Manager,
	hub *websocket.Hub,
	allowedBinaries []string,
	logger *zap.Logger,
) *WorkerHandler {
	return &WorkerHandler{
		workers:         workers,
		fabric:          fabric,
		hub:             hub,
		allowedBinaries: allowedBinaries,
		logger:          logger.Named("worker_handler"),
	}
}

// Register handles POST /worker/register. The worker declares what it can
// do and which transports it speaks; the coordinator picks the first
// preference it can serve and answers with the delivery metadata.
// Re-registration replaces the whole record, so a changed transport
// preference takes effect immediately.
func (h *WorkerHandler) Register(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	var payload registrationRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	if identity.ClientID != payload.WorkerID {
		ErrForbidden(w, "WorkerID does not match authenticated ClientID")
		return
	}

	name, ok := h.fabric.Negotiate(r.Context(), payload.SupportedTransports)
	if !ok {
		h.logger.Error("client requested unsupported transports",
			zap.String("worker_id", payload.WorkerID),
			zap.Strings("requested", payload.SupportedTransports))
		ErrBadRequest(w, "No supported transports in: "+strings.Join(payload.SupportedTransports, ", "))
		return
	}
	negotiated, _ := h.fabric.Get(name)

	now := time.Now().UTC()
	worker := &db.Worker{
		WorkerID:             payload.WorkerID,
		Status:               db.WorkerStatusOnline,
		LastSeen:             &now,
		Capabilities:         payload.Capabilities,
		Binaries:             intersect(payload.Binaries, h.allowedBinaries),
		Paths:                payload.Paths,
		Transport:            &name,
		TransportMetadata:    negotiated.Metadata(payload.WorkerID, ""),
		RegistrationInterval: payload.RegistrationInterval,
		Version:              payload.Version,
	}
	if err := h.workers.Upsert(r.Context(), worker); err != nil {
		h.logger.Error("worker registration failed",
			zap.String("worker_id", payload.WorkerID),
			zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("worker registered",
		zap.String("worker_id", worker.WorkerID),
		zap.String("transport", name),
		zap.Strings("binaries", worker.Binaries))
	h.hub.PublishWorker(worker)

	JSON(w, http.StatusOK, transportRecord{
		Transport:         name,
		TransportMetadata: worker.TransportMetadata,
	})
}

// Deregister handles POST /worker/deregister: a graceful shutdown
// announcement. The record is marked offline and its capabilities are
// cleared so the scheduler stops considering it. Deregistering an unknown
// or already-offline worker succeeds; the call is idempotent.
func (h *WorkerHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	var payload deregistrationRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	if identity.ClientID != payload.WorkerID {
		ErrForbidden(w, "WorkerID does not match authenticated ClientID")
		return
	}

	changed, err := h.workers.MarkOffline(r.Context(), payload.WorkerID)
	if err != nil {
		h.logger.Error("worker deregistration failed",
			zap.String("worker_id", payload.WorkerID),
			zap.Error(err))
		ErrInternal(w)
		return
	}
	if changed {
		h.logger.Info("worker deregistered", zap.String("worker_id", payload.WorkerID))
		if worker, err := h.workers.Get(r.Context(), payload.WorkerID); err == nil {
			h.hub.PublishWorker(worker)
		}
	}

	JSON(w, http.StatusOK, okResponse)
}

// intersect keeps the declared entries present in allowed, in declared
// order.
func intersect(declared, allowed []string) db.StringList {
	permitted := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		permitted[name] = struct{}{}
	}
	kept := make(db.StringList, 0, len(declared))
	for _, name := range declared {
		if _, ok := permitted[name]; ok {
			kept = append(kept, name)
		}
	}
	return kept
}
