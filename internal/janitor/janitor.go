// Package janitor reconciles stored state against wall-clock deadlines:
// workers that stop registering go offline, unacknowledged assignments
// return to the queue, pending jobs are redispatched until they time out,
// and jobs whose worker or monitoring client went silent are failed or
// canceled.
//
// Every transition is a compare-and-swap on the expected prior status. A
// swap that touches no row means a live event moved the job first; the row
// is dropped until the next sweep. Store errors inside a phase are logged
// and the sweep continues with the next phase.
//
// Sweeps run on a randomized interval so coordinators sharing a store do
// not reap in lockstep. A separate cron entry purges delivered messages
// and terminal jobs past their retention windows.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/config"
	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/metrics"
	"github.com/brwyatt/dffmpeg/internal/repositories"
	"github.com/brwyatt/dffmpeg/internal/scheduler"
	"github.com/brwyatt/dffmpeg/internal/transport"
	"github.com/brwyatt/dffmpeg/internal/websocket"
)

const (
	sweepTimeout = time.Minute
	purgeTimeout = 5 * time.Minute
)

// Janitor owns the periodic reconciliation sweep and the retention purge.
// The zero value is not usable; build instances with New.
type Janitor struct {
	cron      gocron.Scheduler
	workers   repositories.WorkerRepository
	jobs      repositories.JobRepository
	messages  repositories.MessageRepository
	sched     *scheduler.Scheduler
	fabric    *transport.Manager
	hub       *websocket.Hub
	cfg       config.Janitor
	retention config.Retention
	logger    *zap.Logger
}

// New wires a Janitor. Call Start to begin sweeping.
func New(
	workers repositories.WorkerRepository,
	jobs repositories.JobRepository,
	messages repositories.MessageRepository,
	sched *scheduler.Scheduler,
	fabric *transport.Manager,
	hub *websocket.Hub,
	cfg config.Janitor,
	retention config.Retention,
	logger *zap.Logger,
) (*Janitor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("janitor: create scheduler: %w", err)
	}
	return &Janitor{
		cron:      cron,
		workers:   workers,
		jobs:      jobs,
		messages:  messages,
		sched:     sched,
		fabric:    fabric,
		hub:       hub,
		cfg:       cfg,
		retention: retention,
		logger:    logger.Named("janitor"),
	}, nil
}

// Start registers the sweep and purge entries and starts the underlying
// scheduler. Both run in singleton mode, so a slow pass delays the next
// one instead of overlapping it.
func (j *Janitor) Start() error {
	_, err := j.cron.NewJob(
		j.sweepDefinition(),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			j.Sweep(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("janitor: schedule sweep: %w", err)
	}

	_, err = j.cron.NewJob(
		gocron.CronJob(j.retention.Schedule, false),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
			defer cancel()
			j.Purge(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("janitor: schedule retention purge: %w", err)
	}

	j.cron.Start()
	j.logger.Info("janitor started",
		zap.Duration("interval", j.cfg.Interval.Duration()),
		zap.String("retention_schedule", j.retention.Schedule),
	)
	return nil
}

// Stop shuts the underlying scheduler down, waiting for a running sweep
// to finish.
func (j *Janitor) Stop() error {
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("janitor: shutdown: %w", err)
	}
	j.logger.Info("janitor stopped")
	return nil
}

// sweepDefinition spreads ticks across interval ± jitter. The jitter
// fraction is capped at half the interval so consecutive sweeps can never
// collapse to zero spacing.
func (j *Janitor) sweepDefinition() gocron.JobDefinition {
	interval := j.cfg.Interval.Duration()
	fraction := j.cfg.JitterFraction
	if fraction > 0.5 {
		fraction = 0.5
	}
	jitter := time.Duration(fraction * float64(interval))
	if jitter <= 0 {
		return gocron.DurationJob(interval)
	}
	return gocron.DurationRandomJob(interval-jitter, interval+jitter)
}

// Sweep runs all reconciliation phases once, in a fixed order: worker
// reap, running reap, assigned reap, pending retry and fail, abandoned
// monitored reap.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	j.reapWorkers(ctx, now)
	j.reapRunning(ctx, now)
	j.reapAssigned(ctx, now)
	j.reapPending(ctx, now)
	j.reapAbandoned(ctx, now)
}

// reapWorkers marks online workers offline once they have outlived their
// own registration interval. Ephemeral registration fields are cleared by
// the store so the scheduler cannot match a reaped worker.
func (j *Janitor) reapWorkers(ctx context.Context, now time.Time) {
	online, err := j.workers.ListByStatus(ctx, db.WorkerStatusOnline, 0)
	if err != nil {
		j.logger.Error("worker reap: list online workers", zap.Error(err))
		return
	}

	reaped := 0
	for i := range online {
		w := &online[i]
		if !workerStale(w, j.cfg.WorkerThresholdFactor, now) {
			continue
		}
		changed, err := j.workers.MarkOffline(ctx, w.WorkerID)
		if err != nil {
			j.logger.Error("worker reap: mark offline",
				zap.String("worker_id", w.WorkerID),
				zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		reaped++
		j.logger.Warn("worker is stale, marked offline",
			zap.String("worker_id", w.WorkerID),
			zap.Timep("last_seen", w.LastSeen))
		w.Status = db.WorkerStatusOffline
		j.hub.PublishWorker(w)
	}
	metrics.AddJanitorReaped("workers", reaped)
}

// reapRunning fails running jobs whose worker heartbeat went silent and
// tells both sides.
func (j *Janitor) reapRunning(ctx context.Context, now time.Time) {
	running, err := j.jobs.ListByStatus(ctx, db.JobStatusRunning)
	if err != nil {
		j.logger.Error("running reap: list running jobs", zap.Error(err))
		return
	}

	reaped := 0
	for i := range running {
		job := &running[i]
		if !heartbeatStale(job.WorkerLastSeen, job.HeartbeatInterval, j.cfg.JobHeartbeatThresholdFactor, now) {
			continue
		}
		swapped, err := j.jobs.UpdateStatusFrom(ctx, job.JobID, db.JobStatusRunning, map[string]interface{}{
			"status":      db.JobStatusFailed,
			"last_update": now,
		})
		if err != nil {
			j.logger.Error("running reap: fail job",
				zap.String("job_id", job.JobID),
				zap.Error(err))
			continue
		}
		if !swapped {
			continue
		}
		reaped++
		metrics.IncJobTransition(db.JobStatusRunning, db.JobStatusFailed)
		j.logger.Warn("job heartbeat timed out, marked failed",
			zap.String("job_id", job.JobID),
			zap.Stringp("worker_id", job.WorkerID))

		j.notify(ctx, job.RequesterID, job.JobID, db.JobStatusFailed, now)
		if job.WorkerID != nil {
			j.notify(ctx, *job.WorkerID, job.JobID, db.JobStatusFailed, now)
		}

		job.Status = db.JobStatusFailed
		job.LastUpdate = now
		j.hub.PublishJob(job)
	}
	metrics.AddJanitorReaped("running_jobs", reaped)
}

// reapAssigned returns unacknowledged assignments to the queue. The old
// worker keeps its id on the row until the next assignment overwrites it,
// but is told the task is canceled in case the request still reaches it.
func (j *Janitor) reapAssigned(ctx context.Context, now time.Time) {
	cutoff := now.Add(-j.cfg.JobAssignmentTimeout.Duration())
	stale, err := j.jobs.ListAssignedStale(ctx, cutoff)
	if err != nil {
		j.logger.Error("assigned reap: list stale assignments", zap.Error(err))
		return
	}

	reaped := 0
	for i := range stale {
		job := &stale[i]
		swapped, err := j.jobs.UpdateStatusFrom(ctx, job.JobID, db.JobStatusAssigned, map[string]interface{}{
			"status":      db.JobStatusPending,
			"last_update": now,
		})
		if err != nil {
			j.logger.Error("assigned reap: re-queue job",
				zap.String("job_id", job.JobID),
				zap.Error(err))
			continue
		}
		if !swapped {
			continue
		}
		reaped++
		metrics.IncJobTransition(db.JobStatusAssigned, db.JobStatusPending)
		j.logger.Warn("job assignment not acknowledged, re-queued",
			zap.String("job_id", job.JobID),
			zap.Stringp("worker_id", job.WorkerID))

		if job.WorkerID != nil {
			j.notify(ctx, *job.WorkerID, job.JobID, db.JobStatusCanceled, now)
		}

		job.Status = db.JobStatusPending
		job.LastUpdate = now
		j.hub.PublishJob(job)
	}
	metrics.AddJanitorReaped("assigned_jobs", reaped)
}

// reapPending redispatches pending jobs inside the retry window and fails
// the ones past the pending timeout. The two windows share a boundary, so
// a job is only ever in one of them.
func (j *Janitor) reapPending(ctx context.Context, now time.Time) {
	retryDelay := j.cfg.JobPendingRetryDelay.Duration()
	timeout := j.cfg.JobPendingTimeout.Duration()

	retry, err := j.jobs.ListPendingStale(ctx, now.Add(-retryDelay), now.Add(-timeout))
	if err != nil {
		j.logger.Error("pending reap: list retry window", zap.Error(err))
	} else {
		for i := range retry {
			if err := j.sched.Dispatch(ctx, retry[i].JobID); err != nil {
				j.logger.Error("pending reap: redispatch",
					zap.String("job_id", retry[i].JobID),
					zap.Error(err))
			}
		}
	}

	fail, err := j.jobs.ListPendingStale(ctx, now.Add(-timeout), time.Time{})
	if err != nil {
		j.logger.Error("pending reap: list fail window", zap.Error(err))
		return
	}

	reaped := 0
	for i := range fail {
		job := &fail[i]
		swapped, err := j.jobs.UpdateStatusFrom(ctx, job.JobID, db.JobStatusPending, map[string]interface{}{
			"status":      db.JobStatusFailed,
			"last_update": now,
		})
		if err != nil {
			j.logger.Error("pending reap: fail job",
				zap.String("job_id", job.JobID),
				zap.Error(err))
			continue
		}
		if !swapped {
			continue
		}
		reaped++
		metrics.IncJobTransition(db.JobStatusPending, db.JobStatusFailed)
		j.logger.Warn("job found no worker in time, marked failed",
			zap.String("job_id", job.JobID))

		j.notify(ctx, job.RequesterID, job.JobID, db.JobStatusFailed, now)

		job.Status = db.JobStatusFailed
		job.LastUpdate = now
		j.hub.PublishJob(job)
	}
	metrics.AddJanitorReaped("pending_jobs", reaped)
}

// reapAbandoned cancels monitored jobs whose requester stopped
// heartbeating. The transition mirrors an explicit cancel from the
// requester: a job no worker holds goes straight to canceled, an occupied
// one moves to canceling and the worker is told to stop.
func (j *Janitor) reapAbandoned(ctx context.Context, now time.Time) {
	monitored, err := j.jobs.ListMonitoredActive(ctx)
	if err != nil {
		j.logger.Error("monitored reap: list monitored jobs", zap.Error(err))
		return
	}

	reaped := 0
	for i := range monitored {
		job := &monitored[i]
		if job.Status == db.JobStatusCanceling {
			continue
		}
		if !heartbeatStale(job.ClientLastSeen, job.HeartbeatInterval, j.cfg.JobHeartbeatThresholdFactor, now) {
			continue
		}

		target := db.JobStatusCanceling
		if job.Status == db.JobStatusPending {
			target = db.JobStatusCanceled
		}
		swapped, err := j.jobs.UpdateStatusFrom(ctx, job.JobID, job.Status, map[string]interface{}{
			"status":      target,
			"last_update": now,
		})
		if err != nil {
			j.logger.Error("monitored reap: cancel job",
				zap.String("job_id", job.JobID),
				zap.Error(err))
			continue
		}
		if !swapped {
			continue
		}
		reaped++
		metrics.IncJobTransition(job.Status, target)
		j.logger.Warn("monitoring client went silent, canceling job",
			zap.String("job_id", job.JobID),
			zap.String("status", target))

		j.notify(ctx, job.RequesterID, job.JobID, target, now)
		if target == db.JobStatusCanceling && job.WorkerID != nil {
			j.notify(ctx, *job.WorkerID, job.JobID, target, now)
		}

		job.Status = target
		job.LastUpdate = now
		j.hub.PublishJob(job)
	}
	metrics.AddJanitorReaped("monitored_jobs", reaped)
}

// Purge drops delivered messages and terminal jobs older than their
// retention windows. A window of zero disables that purge.
func (j *Janitor) Purge(ctx context.Context) {
	now := time.Now().UTC()

	if age := j.retention.MessageAge(); age > 0 {
		n, err := j.messages.PurgeDeliveredBefore(ctx, now.Add(-age))
		if err != nil {
			j.logger.Error("retention: purge messages", zap.Error(err))
		} else if n > 0 {
			metrics.AddJanitorReaped("purged_messages", int(n))
			j.logger.Info("retention: purged delivered messages", zap.Int64("count", n))
		}
	}

	if age := j.retention.JobAge(); age > 0 {
		n, err := j.jobs.PurgeTerminalBefore(ctx, now.Add(-age))
		if err != nil {
			j.logger.Error("retention: purge jobs", zap.Error(err))
		} else if n > 0 {
			metrics.AddJanitorReaped("purged_jobs", int(n))
			j.logger.Info("retention: purged terminal jobs", zap.Int64("count", n))
		}
	}
}

// notify emits a job_status message over the fabric. Delivery problems
// are absorbed there; only a failure to persist surfaces here.
func (j *Janitor) notify(ctx context.Context, recipientID, jobID, status string, at time.Time) {
	err := j.fabric.Send(ctx, &db.Message{
		RecipientID: recipientID,
		JobID:       &jobID,
		MessageType: db.MessageTypeJobStatus,
		Payload:     transport.JobStatusPayload(status, at, nil),
	})
	if err != nil {
		j.logger.Warn("job_status send failed",
			zap.String("job_id", jobID),
			zap.String("recipient_id", recipientID),
			zap.Error(err))
	}
}

// workerStale reports whether an online worker has outlived its own
// registration interval. Rows still missing a last_seen or an interval
// are skipped.
func workerStale(w *db.Worker, factor float64, now time.Time) bool {
	if w.LastSeen == nil || w.RegistrationInterval == nil {
		return false
	}
	threshold := time.Duration(float64(*w.RegistrationInterval) * factor * float64(time.Second))
	return w.LastSeen.Add(threshold).Before(now)
}

// heartbeatStale reports whether a heartbeat deadline derived from the
// job's own interval has passed.
func heartbeatStale(lastSeen *time.Time, intervalSeconds int, factor float64, now time.Time) bool {
	if lastSeen == nil || intervalSeconds <= 0 {
		return false
	}
	threshold := time.Duration(float64(intervalSeconds) * factor * float64(time.Second))
	return lastSeen.Add(threshold).Before(now)
}
