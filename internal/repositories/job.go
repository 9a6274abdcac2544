package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/brwyatt/dffmpeg/internal/db"
)

// jobOccupyingStatuses are the states in which a job counts against its
// worker's load.
var jobOccupyingStatuses = []string{db.JobStatusAssigned, db.JobStatusRunning, db.JobStatusCanceling}

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Create inserts a new job. The id and last_update stamp are filled by the
// model hook when unset.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// Get retrieves a job by id. Returns ErrNotFound if no record exists.
func (r *gormJobRepository) Get(ctx context.Context, jobID string) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "job_id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get: %w", err)
	}
	return &job, nil
}

// UpdateStatusFrom applies updates to a job only while it still sits in
// fromStatus, stamping last_update in the same statement unless the caller
// supplies its own (callers that emit messages pass the same timestamp to
// both). The WHERE guard is the compare-and-swap that keeps handlers, the
// scheduler and the janitor from clobbering each other: whoever matches the
// row first wins, everyone else gets (false, nil).
func (r *gormJobRepository) UpdateStatusFrom(ctx context.Context, jobID, fromStatus string, updates map[string]interface{}) (bool, error) {
	merged := make(map[string]interface{}, len(updates)+1)
	for k, v := range updates {
		merged[k] = v
	}
	if _, ok := merged["last_update"]; !ok {
		merged["last_update"] = time.Now().UTC()
	}

	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("job_id = ? AND status = ?", jobID, fromStatus).
		Updates(merged)
	if result.Error != nil {
		return false, fmt.Errorf("jobs: update status from %s: %w", fromStatus, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// TouchWorkerSeen refreshes worker_last_seen on an active job. It
// deliberately leaves last_update alone: heartbeats prove the worker is
// alive, they do not count as lifecycle progress.
func (r *gormJobRepository) TouchWorkerSeen(ctx context.Context, jobID string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("job_id = ? AND status IN ?", jobID, jobOccupyingStatuses).
		UpdateColumn("worker_last_seen", at).Error
	if err != nil {
		return fmt.Errorf("jobs: touch worker seen: %w", err)
	}
	return nil
}

// TouchClientSeen refreshes client_last_seen and optionally flips the
// monitor flag. Like worker heartbeats it never moves last_update.
func (r *gormJobRepository) TouchClientSeen(ctx context.Context, jobID string, at time.Time, monitor *bool) (bool, error) {
	updates := map[string]interface{}{"client_last_seen": at}
	if monitor != nil {
		updates["monitor"] = *monitor
	}

	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("job_id = ?", jobID).
		UpdateColumns(updates)
	if result.Error != nil {
		return false, fmt.Errorf("jobs: touch client seen: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListByStatus returns jobs in any of the given statuses, oldest first.
// Job ids sort by creation time, so this doubles as the dispatch queue
// order.
func (r *gormJobRepository) ListByStatus(ctx context.Context, statuses ...string) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("job_id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list by status: %w", err)
	}
	return jobs, nil
}

// ListAssignedStale returns assigned jobs whose last_update predates
// olderThan: assignments the worker never acknowledged.
func (r *gormJobRepository) ListAssignedStale(ctx context.Context, olderThan time.Time) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND last_update < ?", db.JobStatusAssigned, olderThan).
		Order("job_id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list assigned stale: %w", err)
	}
	return jobs, nil
}

// ListPendingStale returns pending jobs whose last_update predates
// olderThan. A non-zero upTo keeps rows at or after it, which is how the
// janitor separates the redispatch window from the give-up window.
func (r *gormJobRepository) ListPendingStale(ctx context.Context, olderThan, upTo time.Time) ([]db.Job, error) {
	q := r.db.WithContext(ctx).
		Where("status = ? AND last_update < ?", db.JobStatusPending, olderThan)
	if !upTo.IsZero() {
		q = q.Where("last_update >= ?", upTo)
	}

	var jobs []db.Job
	if err := q.Order("job_id ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list pending stale: %w", err)
	}
	return jobs, nil
}

// ListMonitoredActive returns active jobs whose requester asked to be
// liveness-checked.
func (r *gormJobRepository) ListMonitoredActive(ctx context.Context) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("monitor = ? AND status IN ?", true, db.JobActiveStatuses).
		Order("job_id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list monitored active: %w", err)
	}
	return jobs, nil
}

// WorkerLoad counts the jobs currently occupying each worker. Workers
// with no active jobs are absent from the map; the scheduler treats
// absence as zero.
func (r *gormJobRepository) WorkerLoad(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		WorkerID string
		N        int
	}
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Select("worker_id, COUNT(*) AS n").
		Where("status IN ? AND worker_id IS NOT NULL", jobOccupyingStatuses).
		Group("worker_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: worker load: %w", err)
	}

	load := make(map[string]int, len(rows))
	for _, row := range rows {
		load[row.WorkerID] = row.N
	}
	return load, nil
}

// List returns jobs newest first, filtered by opts. Pagination is keyset
// on the id: pass the last id of the previous page as SinceID to continue
// strictly below it.
func (r *gormJobRepository) List(ctx context.Context, opts JobListOptions) ([]db.Job, error) {
	q := r.db.WithContext(ctx).Model(&db.Job{})
	if opts.RequesterID != "" {
		q = q.Where("requester_id = ?", opts.RequesterID)
	}
	if opts.WorkerID != "" {
		q = q.Where("worker_id = ?", opts.WorkerID)
	}
	if opts.SinceID != "" {
		q = q.Where("job_id < ?", opts.SinceID)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var jobs []db.Job
	if err := q.Order("job_id DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list: %w", err)
	}
	return jobs, nil
}

// ListRecent returns every active job plus terminal jobs that finished
// since the cutoff, newest first. Feeds the dashboard snapshot.
func (r *gormJobRepository) ListRecent(ctx context.Context, limit int, terminalSince time.Time) ([]db.Job, error) {
	q := r.db.WithContext(ctx).
		Where("status IN ? OR (status IN ? AND last_update >= ?)",
			db.JobActiveStatuses, db.JobTerminalStatuses, terminalSince)
	if limit > 0 {
		q = q.Limit(limit)
	}

	var jobs []db.Job
	if err := q.Order("job_id DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list recent: %w", err)
	}
	return jobs, nil
}

// PurgeTerminalBefore hard-deletes terminal jobs whose last_update
// predates the cutoff and returns how many went.
func (r *gormJobRepository) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND last_update < ?", db.JobTerminalStatuses, cutoff).
		Delete(&db.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("jobs: purge terminal: %w", result.Error)
	}
	return result.RowsAffected, nil
}
