// Package scheduler assigns pending jobs to workers. It is invoked in a
// background goroutine right after submission and synchronously by the
// janitor's pending-retry phase, so a job that finds no worker on the first
// pass is retried until the janitor's pending timeout fails it.
//
// Selection:
//  1. Reload the job; abort unless it is still pending.
//  2. Candidates = online workers that carry the job's binary and mount all
//     of its paths.
//  3. Order by current load ascending, then last_seen (truncated to the
//     minute) descending, random among equals.
//  4. Compare-and-swap pending -> assigned with the chosen worker. A failed
//     swap means someone else moved the job; stop quietly.
//  5. Emit job_request to the worker and job_status(assigned) to the
//     requester.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/metrics"
	"github.com/brwyatt/dffmpeg/internal/repositories"
	"github.com/brwyatt/dffmpeg/internal/transport"
	"github.com/brwyatt/dffmpeg/internal/websocket"
)

// Scheduler owns worker selection. The zero value is not usable; build
// instances with New.
type Scheduler struct {
	jobs    repositories.JobRepository
	workers repositories.WorkerRepository
	fabric  *transport.Manager
	hub     *websocket.Hub
	logger  *zap.Logger
}

// New wires a Scheduler. All dependencies are required.
func New(
	jobs repositories.JobRepository,
	workers repositories.WorkerRepository,
	fabric *transport.Manager,
	hub *websocket.Hub,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		jobs:    jobs,
		workers: workers,
		fabric:  fabric,
		hub:     hub,
		logger:  logger.Named("scheduler"),
	}
}

// Dispatch tries to place one pending job. Outcomes that are part of normal
// operation (job already moved, no eligible worker, lost CAS) return nil;
// only store failures surface as errors.
func (s *Scheduler) Dispatch(ctx context.Context, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler: load job %s: %w", jobID, err)
	}
	if job.Status != db.JobStatusPending {
		return nil
	}

	online, err := s.workers.ListByStatus(ctx, db.WorkerStatusOnline, 0)
	if err != nil {
		return fmt.Errorf("scheduler: list online workers: %w", err)
	}
	if len(online) == 0 {
		s.logger.Warn("no online workers", zap.String("job_id", jobID))
		return nil
	}

	candidates := eligible(job, online)
	if len(candidates) == 0 {
		s.logger.Warn("no workers match job requirements",
			zap.String("job_id", jobID),
			zap.String("binary_name", job.BinaryName),
			zap.Strings("paths", job.Paths),
		)
		return nil
	}

	load, err := s.jobs.WorkerLoad(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: worker load: %w", err)
	}

	selected := selectWorker(candidates, load)
	now := time.Now().UTC()

	swapped, err := s.jobs.UpdateStatusFrom(ctx, jobID, db.JobStatusPending, map[string]interface{}{
		"status":      db.JobStatusAssigned,
		"worker_id":   selected.WorkerID,
		"last_update": now,
	})
	if err != nil {
		return fmt.Errorf("scheduler: assign job %s: %w", jobID, err)
	}
	if !swapped {
		s.logger.Debug("job moved before assignment", zap.String("job_id", jobID))
		return nil
	}
	metrics.IncJobTransition(db.JobStatusPending, db.JobStatusAssigned)

	if err := s.fabric.Send(ctx, &db.Message{
		RecipientID: selected.WorkerID,
		JobID:       &job.JobID,
		MessageType: db.MessageTypeJobRequest,
		Payload:     transport.JobRequestPayload(job),
	}); err != nil {
		// The assignment stands; the janitor re-pends it if the worker
		// never hears about it.
		s.logger.Warn("job_request send failed",
			zap.String("job_id", jobID),
			zap.String("worker_id", selected.WorkerID),
			zap.Error(err),
		)
	}

	if err := s.fabric.Send(ctx, &db.Message{
		RecipientID: job.RequesterID,
		JobID:       &job.JobID,
		MessageType: db.MessageTypeJobStatus,
		Payload:     transport.JobStatusPayload(db.JobStatusAssigned, now, nil),
	}); err != nil {
		s.logger.Warn("job_status send failed",
			zap.String("job_id", jobID),
			zap.String("requester_id", job.RequesterID),
			zap.Error(err),
		)
	}

	job.Status = db.JobStatusAssigned
	job.WorkerID = &selected.WorkerID
	job.LastUpdate = now
	s.hub.PublishJob(job)

	s.logger.Info("job assigned",
		zap.String("job_id", jobID),
		zap.String("worker_id", selected.WorkerID),
	)
	return nil
}

// eligible keeps the workers that can actually run the job.
func eligible(job *db.Job, workers []db.Worker) []db.Worker {
	var out []db.Worker
	for _, w := range workers {
		if !contains(w.Binaries, job.BinaryName) {
			continue
		}
		if !subset(job.Paths, w.Paths) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func subset(needed, offered []string) bool {
	have := make(map[string]struct{}, len(offered))
	for _, p := range offered {
		have[p] = struct{}{}
	}
	for _, p := range needed {
		if _, ok := have[p]; !ok {
			return false
		}
	}
	return true
}

// selectWorker orders candidates and returns the winner. The shuffle runs
// first so that both stable sorts leave exact ties in random order: load
// ascending wins, then most recent contact rounded to the minute.
func selectWorker(candidates []db.Worker, load map[string]int) *db.Worker {
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return seenMinute(&candidates[i]).After(seenMinute(&candidates[j]))
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return load[candidates[i].WorkerID] < load[candidates[j].WorkerID]
	})
	return &candidates[0]
}

func seenMinute(w *db.Worker) time.Time {
	if w.LastSeen == nil {
		return time.Time{}
	}
	return w.LastSeen.Truncate(time.Minute)
}
