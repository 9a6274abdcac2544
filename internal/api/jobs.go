package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/ids"
	"github.com/brwyatt/dffmpeg/internal/metrics"
	"github.com/brwyatt/dffmpeg/internal/repositories"
	"github.com/brwyatt/dffmpeg/internal/scheduler"
	"github.com/brwyatt/dffmpeg/internal/transport"
	"github.com/brwyatt/dffmpeg/internal/websocket"
)

// dispatchTimeout bounds the background assignment attempt kicked off by
// a submission. The janitor retries pending jobs on its own clock, so a
// timed-out attempt is not fatal.
const dispatchTimeout = 30 * time.Second

type jobSubmitRequest struct {
	BinaryName          string   `json:"binary_name"`
	Arguments           []string `json:"arguments"`
	Paths               []string `json:"paths"`
	SupportedTransports []string `json:"supported_transports"`
	HeartbeatInterval   int      `json:"heartbeat_interval"`
	Monitor             bool     `json:"monitor"`
}

type jobStatusUpdateRequest struct {
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code"`
}

type clientHeartbeatRequest struct {
	Monitor *bool `json:"monitor"`
}

type logEntry struct {
	Stream    string     `json:"stream"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp"`
}

type jobLogsRequest struct {
	Logs []logEntry `json:"logs"`
}

type jobLogsResponse struct {
	Logs          []interface{} `json:"logs"`
	LastMessageID *string       `json:"last_message_id"`
}

// jobResponse is the wire form of a job record. The callback columns are
// exposed as transport/transport_metadata: from the caller's side they
// describe how results come back, not where they are stored.
type jobResponse struct {
	JobID             string      `json:"job_id"`
	RequesterID       string      `json:"requester_id"`
	BinaryName        string      `json:"binary_name"`
	Arguments         []string    `json:"arguments"`
	Paths             []string    `json:"paths"`
	Status            string      `json:"status"`
	ExitCode          *int        `json:"exit_code"`
	WorkerID          *string     `json:"worker_id"`
	CreatedAt         time.Time   `json:"created_at"`
	LastUpdate        time.Time   `json:"last_update"`
	WorkerLastSeen    *time.Time  `json:"worker_last_seen"`
	ClientLastSeen    *time.Time  `json:"client_last_seen"`
	Transport         *string     `json:"transport"`
	TransportMetadata db.Metadata `json:"transport_metadata"`
	HeartbeatInterval int         `json:"heartbeat_interval"`
	Monitor           bool        `json:"monitor"`
}

func toJobResponse(job *db.Job) jobResponse {
	resp := jobResponse{
		JobID:             job.JobID,
		RequesterID:       job.RequesterID,
		BinaryName:        job.BinaryName,
		Arguments:         job.Arguments,
		Paths:             job.Paths,
		Status:            job.Status,
		ExitCode:          job.ExitCode,
		WorkerID:          job.WorkerID,
		CreatedAt:         job.CreatedAt,
		LastUpdate:        job.LastUpdate,
		WorkerLastSeen:    job.WorkerLastSeen,
		ClientLastSeen:    job.ClientLastSeen,
		Transport:         job.CallbackTransport,
		TransportMetadata: job.CallbackTransportMetadata,
		HeartbeatInterval: job.HeartbeatInterval,
		Monitor:           job.Monitor,
	}
	if resp.Arguments == nil {
		resp.Arguments = []string{}
	}
	if resp.Paths == nil {
		resp.Paths = []string{}
	}
	return resp
}

// JobHandler serves the job lifecycle endpoints.
type JobHandler struct {
	jobs             repositories.JobRepository
	messages         repositories.MessageRepository
	fabric           *transport.Manager
	sched            *scheduler.Scheduler
	hub              *websocket.Hub
	allowedBinaries  []string
	defaultHeartbeat int
	logger           *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(
	jobs repositories.JobRepository,
	messages repositories.MessageRepository,
	fabric *transport.Manager,
	sched *scheduler.Scheduler,
	hub *websocket.Hub,
	allowedBinaries []string,
	defaultHeartbeat int,
	logger *zap.Logger,
) *JobHandler {
	return &JobHandler{
		jobs:             jobs,
		messages:         messages,
		fabric:           fabric,
		sched:            sched,
		hub:              hub,
		allowedBinaries:  allowedBinaries,
		defaultHeartbeat: defaultHeartbeat,
		logger:           logger.Named("job_handler"),
	}
}

// Submit handles POST /jobs/submit. The job is persisted pending and an
// assignment attempt runs in the background; the response is the created
// record, including the negotiated callback transport the requester
// should start listening on.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	var payload jobSubmitRequest
	if !decodeJSON(w, r, &payload) {
		return
	}

	if !containsString(h.allowedBinaries, payload.BinaryName) {
		ErrBadRequest(w, "Unsupported binary")
		return
	}

	name, ok := h.fabric.Negotiate(r.Context(), payload.SupportedTransports)
	if !ok {
		h.logger.Error("client requested unsupported transports",
			zap.String("requester_id", identity.ClientID),
			zap.Strings("requested", payload.SupportedTransports))
		ErrBadRequest(w, "No supported transports in: "+strings.Join(payload.SupportedTransports, ", "))
		return
	}
	negotiated, _ := h.fabric.Get(name)

	heartbeat := payload.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = h.defaultHeartbeat
	}

	jobID := ids.New()
	now := time.Now().UTC()
	job := &db.Job{
		JobID:                     jobID,
		RequesterID:               identity.ClientID,
		BinaryName:                payload.BinaryName,
		Arguments:                 payload.Arguments,
		Paths:                     payload.Paths,
		Status:                    db.JobStatusPending,
		LastUpdate:                now,
		CallbackTransport:         &name,
		CallbackTransportMetadata: negotiated.Metadata(identity.ClientID, jobID),
		HeartbeatInterval:         heartbeat,
		Monitor:                   payload.Monitor,
	}
	if payload.Monitor {
		job.ClientLastSeen = &now
	}

	if err := h.jobs.Create(r.Context(), job); err != nil {
		h.logger.Error("job create failed",
			zap.String("requester_id", identity.ClientID),
			zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("job submitted",
		zap.String("job_id", job.JobID),
		zap.String("requester_id", job.RequesterID),
		zap.String("binary_name", job.BinaryName))
	h.hub.PublishJob(job)

	// The request context dies with the response; the assignment gets its
	// own deadline.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := h.sched.Dispatch(ctx, job.JobID); err != nil {
			h.logger.Error("background assignment failed",
				zap.String("job_id", job.JobID),
				zap.Error(err))
		}
	}()

	JSON(w, http.StatusOK, toJobResponse(job))
}

// List handles GET /jobs. Non-admin callers see their own submissions;
// admins see everything. Pagination is keyset on the job id.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			ErrBadRequest(w, "Invalid limit")
			return
		}
		limit = n
	}
	sinceID := r.URL.Query().Get("since_id")
	if sinceID != "" {
		if _, err := ids.Parse(sinceID); err != nil {
			ErrBadRequest(w, "Invalid since_id")
			return
		}
	}

	opts := repositories.JobListOptions{SinceID: sinceID, Limit: limit}
	if identity.Role != db.RoleAdmin {
		opts.RequesterID = identity.ClientID
	}

	jobs, err := h.jobs.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("job list failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, toJobResponse(&jobs[i]))
	}
	JSON(w, http.StatusOK, out)
}

// Accept handles POST /jobs/{job_id}/accept: the assigned worker
// acknowledges the job and starts it.
func (h *JobHandler) Accept(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if job.WorkerID == nil || *job.WorkerID != identity.ClientID {
		ErrForbidden(w, "Not assigned to this job")
		return
	}

	now := time.Now().UTC()
	swapped, err := h.jobs.UpdateStatusFrom(r.Context(), job.JobID, db.JobStatusAssigned, map[string]interface{}{
		"status":           db.JobStatusRunning,
		"worker_last_seen": now,
		"last_update":      now,
	})
	if err != nil {
		h.logger.Error("job accept failed", zap.String("job_id", job.JobID), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !swapped {
		// The job moved while the acceptance was in flight. A repeated
		// accept from the same worker is fine; anything else means the
		// worker must not start the work.
		latest, err := h.jobs.Get(r.Context(), job.JobID)
		if err == nil && latest.Status == db.JobStatusRunning &&
			latest.WorkerID != nil && *latest.WorkerID == identity.ClientID {
			JSON(w, http.StatusOK, okResponse)
			return
		}
		ErrConflict(w, "Job is no longer assigned")
		return
	}
	metrics.IncJobTransition(db.JobStatusAssigned, db.JobStatusRunning)

	h.notifyStatus(r.Context(), job.RequesterID, identity.ClientID, job.JobID, db.JobStatusRunning, now, nil)

	job.Status = db.JobStatusRunning
	job.WorkerLastSeen = &now
	job.LastUpdate = now
	h.hub.PublishJob(job)

	h.logger.Info("job accepted",
		zap.String("job_id", job.JobID),
		zap.String("worker_id", identity.ClientID))
	JSON(w, http.StatusOK, okResponse)
}

// UpdateStatus handles POST /jobs/{job_id}/status: the assigned worker
// reports a terminal outcome. A report that finds the job already
// terminal, or loses the swap to one that did, is acknowledged without a
// second state change or message.
func (h *JobHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	var payload jobStatusUpdateRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	if !db.JobIsTerminal(payload.Status) {
		ErrBadRequest(w, "Invalid status")
		return
	}

	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if job.WorkerID == nil || *job.WorkerID != identity.ClientID {
		ErrForbidden(w, "Not assigned to this job")
		return
	}
	if db.JobIsTerminal(job.Status) {
		JSON(w, http.StatusOK, okResponse)
		return
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":      payload.Status,
		"last_update": now,
	}
	if payload.ExitCode != nil {
		updates["exit_code"] = *payload.ExitCode
	}
	swapped, err := h.jobs.UpdateStatusFrom(r.Context(), job.JobID, job.Status, updates)
	if err != nil {
		h.logger.Error("job status update failed", zap.String("job_id", job.JobID), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !swapped {
		JSON(w, http.StatusOK, okResponse)
		return
	}
	metrics.IncJobTransition(job.Status, payload.Status)

	h.notifyStatus(r.Context(), job.RequesterID, identity.ClientID, job.JobID, payload.Status, now, payload.ExitCode)

	job.Status = payload.Status
	job.ExitCode = payload.ExitCode
	job.LastUpdate = now
	h.hub.PublishJob(job)

	h.logger.Info("job finished",
		zap.String("job_id", job.JobID),
		zap.String("status", payload.Status),
		zap.String("worker_id", identity.ClientID))
	JSON(w, http.StatusOK, okResponse)
}

// WorkerHeartbeat handles POST /jobs/{job_id}/heartbeat. It only
// refreshes worker_last_seen; the requester is not told about a
// heartbeat.
func (h *JobHandler) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if job.WorkerID == nil || *job.WorkerID != identity.ClientID {
		ErrForbidden(w, "Not assigned to this job")
		return
	}

	if err := h.jobs.TouchWorkerSeen(r.Context(), job.JobID, time.Now().UTC()); err != nil {
		h.logger.Error("worker heartbeat failed", zap.String("job_id", job.JobID), zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, okResponse)
}

// ClientHeartbeat handles POST /jobs/{job_id}/client_heartbeat. The body
// is optional; {"monitor": bool} attaches or detaches monitoring.
func (h *JobHandler) ClientHeartbeat(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	var payload clientHeartbeatRequest
	if !decodeOptionalJSON(w, r, &payload) {
		return
	}

	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if job.RequesterID != identity.ClientID && identity.Role != db.RoleAdmin {
		ErrForbidden(w, "No permission to heartbeat for this job")
		return
	}
	if db.JobIsTerminal(job.Status) {
		JSON(w, http.StatusOK, CommandResponse{Status: "ok", Detail: "Job already finished"})
		return
	}

	if _, err := h.jobs.TouchClientSeen(r.Context(), job.JobID, time.Now().UTC(), payload.Monitor); err != nil {
		h.logger.Error("client heartbeat failed", zap.String("job_id", job.JobID), zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, okResponse)
}

// Cancel handles POST /jobs/{job_id}/cancel. With a worker attached the
// job moves to canceling and both sides are told; a still-pending job is
// canceled outright. Assignment can race this handler, so a lost swap
// re-reads once and follows the job into its new state.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	jobID := chi.URLParam(r, "job_id")
	if _, err := ids.Parse(jobID); err != nil {
		ErrBadRequest(w, "Invalid job ID")
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		job, err := h.jobs.Get(r.Context(), jobID)
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "Job not found")
			return
		}
		if err != nil {
			h.logger.Error("job load failed", zap.String("job_id", jobID), zap.Error(err))
			ErrInternal(w)
			return
		}
		if job.RequesterID != identity.ClientID && identity.Role != db.RoleAdmin {
			ErrForbidden(w, "No permission to cancel job")
			return
		}
		if db.JobIsTerminal(job.Status) {
			JSON(w, http.StatusOK, CommandResponse{Status: "ok", Detail: "Job already finished"})
			return
		}
		if job.Status == db.JobStatusCanceling {
			JSON(w, http.StatusOK, okResponse)
			return
		}

		now := time.Now().UTC()
		target := db.JobStatusCanceled
		if job.WorkerID != nil {
			target = db.JobStatusCanceling
		}
		swapped, err := h.jobs.UpdateStatusFrom(r.Context(), jobID, job.Status, map[string]interface{}{
			"status":      target,
			"last_update": now,
		})
		if err != nil {
			h.logger.Error("job cancel failed", zap.String("job_id", jobID), zap.Error(err))
			ErrInternal(w)
			return
		}
		if !swapped {
			continue
		}
		metrics.IncJobTransition(job.Status, target)

		h.notifyStatus(r.Context(), job.RequesterID, identity.ClientID, jobID, target, now, nil)
		if job.WorkerID != nil {
			h.notifyStatus(r.Context(), *job.WorkerID, identity.ClientID, jobID, target, now, nil)
		}

		job.Status = target
		job.LastUpdate = now
		h.hub.PublishJob(job)

		h.logger.Info("job cancel requested",
			zap.String("job_id", jobID),
			zap.String("status", target),
			zap.String("caller", identity.ClientID))
		JSON(w, http.StatusOK, okResponse)
		return
	}

	// Lost the swap twice; the job is moving under us and the follow-up
	// read will tell the caller where it landed.
	JSON(w, http.StatusOK, okResponse)
}

// GetStatus handles GET /jobs/{job_id}/status.
func (h *JobHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	allowed := identity.Role == db.RoleAdmin ||
		identity.ClientID == job.RequesterID ||
		(job.WorkerID != nil && *job.WorkerID == identity.ClientID)
	if !allowed {
		ErrForbidden(w, "No permission to job")
		return
	}
	JSON(w, http.StatusOK, toJobResponse(job))
}

// SubmitLogs handles POST /jobs/{job_id}/logs: the assigned worker relays
// a batch of captured output to the requester through the fabric.
func (h *JobHandler) SubmitLogs(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	var payload jobLogsRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	for _, entry := range payload.Logs {
		if entry.Stream != "stdout" && entry.Stream != "stderr" {
			ErrBadRequest(w, "Invalid log stream")
			return
		}
	}

	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if job.WorkerID == nil || *job.WorkerID != identity.ClientID {
		ErrForbidden(w, "Not assigned to this job")
		return
	}

	entries := make([]map[string]interface{}, 0, len(payload.Logs))
	for _, e := range payload.Logs {
		entry := map[string]interface{}{
			"stream":  e.Stream,
			"content": e.Content,
		}
		if e.Timestamp != nil {
			entry["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		entries = append(entries, entry)
	}

	sender := identity.ClientID
	err := h.fabric.Send(r.Context(), &db.Message{
		SenderID:    &sender,
		RecipientID: job.RequesterID,
		JobID:       &job.JobID,
		MessageType: db.MessageTypeJobLogs,
		Payload:     db.Metadata{"logs": entries},
	})
	if err != nil {
		h.logger.Error("job_logs relay failed", zap.String("job_id", job.JobID), zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, okResponse)
}

// GetLogs handles GET /jobs/{job_id}/logs: the stored job_logs messages
// flattened into one entry list, plus the cursor for the next fetch.
func (h *JobHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	sinceID := r.URL.Query().Get("since_message_id")
	if sinceID != "" {
		if _, err := ids.Parse(sinceID); err != nil {
			ErrBadRequest(w, "Invalid since_message_id")
			return
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			ErrBadRequest(w, "Invalid limit")
			return
		}
		limit = n
	}

	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if job.RequesterID != identity.ClientID && identity.Role != db.RoleAdmin {
		ErrForbidden(w, "No permission to view job logs")
		return
	}

	msgs, err := h.messages.ForJob(r.Context(), job.JobID, db.MessageTypeJobLogs, sinceID, limit)
	if err != nil {
		h.logger.Error("job logs fetch failed", zap.String("job_id", job.JobID), zap.Error(err))
		ErrInternal(w)
		return
	}

	logs := make([]interface{}, 0)
	var lastID *string
	for i := range msgs {
		msg := &msgs[i]
		lastID = &msg.MessageID
		if raw, ok := msg.Payload["logs"].([]interface{}); ok {
			logs = append(logs, raw...)
		}
	}
	JSON(w, http.StatusOK, jobLogsResponse{Logs: logs, LastMessageID: lastID})
}

// loadJob resolves the job named in the URL, writing the error response
// itself when the id is malformed, unknown, or the store fails.
func (h *JobHandler) loadJob(w http.ResponseWriter, r *http.Request) (*db.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := ids.Parse(jobID); err != nil {
		ErrBadRequest(w, "Invalid job ID")
		return nil, false
	}
	job, err := h.jobs.Get(r.Context(), jobID)
	if errors.Is(err, repositories.ErrNotFound) {
		ErrNotFound(w, "Job not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("job load failed", zap.String("job_id", jobID), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	return job, true
}

// notifyStatus relays a job_status message, logging fabric failures
// without failing the request; the state change already stands.
func (h *JobHandler) notifyStatus(ctx context.Context, recipientID, senderID, jobID, status string, at time.Time, exitCode *int) {
	err := h.fabric.Send(ctx, &db.Message{
		SenderID:    &senderID,
		RecipientID: recipientID,
		JobID:       &jobID,
		MessageType: db.MessageTypeJobStatus,
		Payload:     transport.JobStatusPayload(status, at, exitCode),
	})
	if err != nil {
		h.logger.Warn("job_status send failed",
			zap.String("job_id", jobID),
			zap.String("recipient_id", recipientID),
			zap.Error(err))
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
