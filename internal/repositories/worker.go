package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/brwyatt/dffmpeg/internal/db"
)

// gormWorkerRepository is the GORM implementation of WorkerRepository.
type gormWorkerRepository struct {
	db *gorm.DB
}

// NewWorkerRepository returns a WorkerRepository backed by the provided *gorm.DB.
func NewWorkerRepository(db *gorm.DB) WorkerRepository {
	return &gormWorkerRepository{db: db}
}

// Upsert inserts or fully replaces a worker record. Registration always
// sends the complete capability set, so a conflict overwrites every
// mutable column rather than merging.
func (r *gormWorkerRepository) Upsert(ctx context.Context, worker *db.Worker) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "worker_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "last_seen", "capabilities", "binaries", "paths",
			"transport", "transport_metadata", "registration_interval",
			"version", "updated_at",
		}),
	}).Create(worker).Error
	if err != nil {
		return fmt.Errorf("workers: upsert: %w", err)
	}
	return nil
}

// Get retrieves a worker by id. Returns ErrNotFound if no record exists.
func (r *gormWorkerRepository) Get(ctx context.Context, workerID string) (*db.Worker, error) {
	var worker db.Worker
	err := r.db.WithContext(ctx).First(&worker, "worker_id = ?", workerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workers: get: %w", err)
	}
	return &worker, nil
}

// ListByStatus returns workers in the given status, ordered by id. A
// non-zero seenWithin additionally requires a last_seen inside the window,
// which is how the scheduler skips rows the janitor has not reaped yet.
func (r *gormWorkerRepository) ListByStatus(ctx context.Context, status string, seenWithin time.Duration) ([]db.Worker, error) {
	q := r.db.WithContext(ctx).Where("status = ?", status)
	if seenWithin > 0 {
		q = q.Where("last_seen >= ?", time.Now().UTC().Add(-seenWithin))
	}

	var workers []db.Worker
	if err := q.Order("worker_id ASC").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("workers: list by status: %w", err)
	}
	return workers, nil
}

// MarkOffline transitions an online worker to offline, clearing the
// capability fields so the scheduler can never match against a record
// whose owner is gone. The status guard makes concurrent reapers and
// explicit deregistration converge on a single effective transition.
func (r *gormWorkerRepository) MarkOffline(ctx context.Context, workerID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Worker{}).
		Where("worker_id = ? AND status = ?", workerID, db.WorkerStatusOnline).
		Updates(map[string]interface{}{
			"status":                db.WorkerStatusOffline,
			"capabilities":          db.StringList{},
			"binaries":              db.StringList{},
			"paths":                 db.StringList{},
			"transport":             nil,
			"transport_metadata":    db.Metadata{},
			"registration_interval": nil,
		})
	if result.Error != nil {
		return false, fmt.Errorf("workers: mark offline: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}
