package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/brwyatt/dffmpeg/internal/db"
)

// gormMessageRepository is the GORM implementation of MessageRepository.
type gormMessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository returns a MessageRepository backed by the provided *gorm.DB.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

// Create persists a message. The id and timestamp are filled by the model
// hook when unset; the id orders delivery.
func (r *gormMessageRepository) Create(ctx context.Context, msg *db.Message) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("messages: create: %w", err)
	}
	return nil
}

// PendingFor returns a recipient's backlog in id order. With no cursor it
// selects rows that were never delivered; with a cursor it selects every
// row after it, delivered or not, so a poller that lost a response can
// replay without gaps. A non-empty jobID narrows to one job's traffic.
func (r *gormMessageRepository) PendingFor(ctx context.Context, recipientID, cursor, jobID string) ([]db.Message, error) {
	q := r.db.WithContext(ctx).Where("recipient_id = ?", recipientID)
	if jobID != "" {
		q = q.Where("job_id = ?", jobID)
	}
	if cursor == "" {
		q = q.Where("sent_at IS NULL")
	} else {
		q = q.Where("message_id > ?", cursor)
	}

	var msgs []db.Message
	if err := q.Order("message_id ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("messages: pending for: %w", err)
	}
	return msgs, nil
}

// MarkDelivered stamps sent_at on the given messages. Rows already
// stamped are left alone so the recorded time is always the first
// delivery.
func (r *gormMessageRepository) MarkDelivered(ctx context.Context, messageIDs []string, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("message_id IN ? AND sent_at IS NULL", messageIDs).
		UpdateColumn("sent_at", at).Error
	if err != nil {
		return fmt.Errorf("messages: mark delivered: %w", err)
	}
	return nil
}

// ForJob returns one job's messages of the given type in ascending id
// order. With sinceID it pages forward from the cursor; without one it
// returns the newest limit rows, still ascending.
func (r *gormMessageRepository) ForJob(ctx context.Context, jobID, messageType, sinceID string, limit int) ([]db.Message, error) {
	q := r.db.WithContext(ctx).
		Where("job_id = ? AND message_type = ?", jobID, messageType)

	var msgs []db.Message
	if sinceID != "" {
		q = q.Where("message_id > ?", sinceID).Order("message_id ASC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		if err := q.Find(&msgs).Error; err != nil {
			return nil, fmt.Errorf("messages: for job: %w", err)
		}
		return msgs, nil
	}

	q = q.Order("message_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("messages: for job: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// PurgeDeliveredBefore hard-deletes delivered messages whose timestamp
// predates the cutoff and returns how many went. Undelivered rows stay
// regardless of age so a slow consumer never loses its backlog.
func (r *gormMessageRepository) PurgeDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("sent_at IS NOT NULL AND timestamp < ?", cutoff).
		Delete(&db.Message{})
	if result.Error != nil {
		return 0, fmt.Errorf("messages: purge delivered: %w", result.Error)
	}
	return result.RowsAffected, nil
}
