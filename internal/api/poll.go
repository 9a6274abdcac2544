package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/ids"
	"github.com/brwyatt/dffmpeg/internal/metrics"
	"github.com/brwyatt/dffmpeg/internal/repositories"
	"github.com/brwyatt/dffmpeg/internal/transport"
)

// pollRecheck bounds how long a parked poller goes without re-querying
// the store. Wakes are advisory; the store is the source of truth.
const pollRecheck = 5 * time.Second

// PollHandler serves the long-poll delivery endpoints of the long-poll
// transport. A poller parks until something lands for it, its wait
// expires, or it disconnects; whatever the store holds past the caller's
// cursor at that moment is returned and marked delivered.
type PollHandler struct {
	jobs     repositories.JobRepository
	messages repositories.MessageRepository
	fabric   *transport.Manager
	logger   *zap.Logger
}

// NewPollHandler creates a new PollHandler.
func NewPollHandler(
	jobs repositories.JobRepository,
	messages repositories.MessageRepository,
	fabric *transport.Manager,
	logger *zap.Logger,
) *PollHandler {
	return &PollHandler{
		jobs:     jobs,
		messages: messages,
		fabric:   fabric,
		logger:   logger.Named("poll_handler"),
	}
}

// PollWorker handles GET /poll/worker: a worker's whole queue, every
// job_request and any cancellation traffic addressed to it.
func (h *PollHandler) PollWorker(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	h.poll(w, r, identity.ClientID, "")
}

// PollJob handles GET /poll/jobs/{job_id}: one job's callback traffic.
// Only the requester may poll; messages are addressed to it, and a poll
// marks them delivered, so not even an admin can drain the queue on the
// requester's behalf.
func (h *PollHandler) PollJob(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	jobID := chi.URLParam(r, "job_id")
	if _, err := ids.Parse(jobID); err != nil {
		ErrBadRequest(w, "Invalid job ID")
		return
	}
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
	if job.RequesterID != identity.ClientID {
		ErrForbidden(w, "No permission to poll for this job")
		return
	}

	h.poll(w, r, identity.ClientID, jobID)
}

func (h *PollHandler) poll(w http.ResponseWriter, r *http.Request, recipientID, jobID string) {
	lp, ok := h.fabric.LongPoll()
	if !ok {
		ErrNotFound(w, "Long-poll transport not enabled")
		return
	}

	cursor := r.URL.Query().Get("last_message_id")
	if cursor != "" {
		if _, err := ids.Parse(cursor); err != nil {
			ErrBadRequest(w, "Invalid last_message_id")
			return
		}
	}

	wait := lp.DefaultWait()
	if raw := r.URL.Query().Get("wait"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			ErrBadRequest(w, "Invalid wait")
			return
		}
		wait = time.Duration(n) * time.Second
	}
	if wait > lp.MaxWait() {
		wait = lp.MaxWait()
	}

	metrics.IncLongPollWaiters()
	defer metrics.DecLongPollWaiters()

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	wake := lp.Wait(recipientID)

	for {
		msgs, err := h.messages.PendingFor(r.Context(), recipientID, cursor, jobID)
		if err != nil {
			h.logger.Error("poll query failed",
				zap.String("recipient_id", recipientID),
				zap.Error(err))
			ErrInternal(w)
			return
		}
		if len(msgs) > 0 {
			h.deliver(w, r, msgs)
			return
		}

		recheck := time.NewTimer(pollRecheck)
		select {
		case <-r.Context().Done():
			// Caller gone; nothing was marked, the next poll replays.
			recheck.Stop()
			return
		case <-deadline.C:
			recheck.Stop()
			// One last look so the response reflects the store at the
			// moment of return.
			msgs, err := h.messages.PendingFor(r.Context(), recipientID, cursor, jobID)
			if err != nil {
				h.logger.Error("poll query failed",
					zap.String("recipient_id", recipientID),
					zap.Error(err))
				ErrInternal(w)
				return
			}
			h.deliver(w, r, msgs)
			return
		case <-wake:
		case <-recheck.C:
		}
		recheck.Stop()
	}
}

// deliver marks the batch delivered and writes it out. A failed mark is
// logged but the batch is still returned; the rows stay undelivered and
// will surface again on a cursorless poll.
func (h *PollHandler) deliver(w http.ResponseWriter, r *http.Request, msgs []db.Message) {
	envelopes := make([]map[string]interface{}, 0, len(msgs))
	delivered := make([]string, 0, len(msgs))
	for i := range msgs {
		envelopes = append(envelopes, transport.Envelope(&msgs[i]))
		delivered = append(delivered, msgs[i].MessageID)
	}
	if len(delivered) > 0 {
		if err := h.messages.MarkDelivered(r.Context(), delivered, time.Now().UTC()); err != nil {
			h.logger.Warn("mark delivered failed",
				zap.Int("count", len(delivered)),
				zap.Error(err))
		}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": envelopes})
}
