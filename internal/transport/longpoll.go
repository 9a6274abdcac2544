package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/config"
	"github.com/brwyatt/dffmpeg/internal/db"
)

// NameLongPoll is the long-poll transport name used in negotiation.
const NameLongPoll = "longpoll"

func init() {
	Register(NameLongPoll, newLongPoll)
}

// LongPoll is the pull transport. Send never delivers by itself: it wakes
// the recipient's parked poller and leaves the stored message for the poll
// endpoint to hand over and mark.
type LongPoll struct {
	notifier    *Notifier
	defaultWait time.Duration
	maxWait     time.Duration
}

func newLongPoll(cfg config.Transports, _ *zap.Logger) (ServerTransport, error) {
	return &LongPoll{
		notifier:    NewNotifier(),
		defaultWait: cfg.LongPoll.DefaultWait.Duration(),
		maxWait:     cfg.LongPoll.MaxWait.Duration(),
	}, nil
}

func (t *LongPoll) Name() string { return NameLongPoll }

func (t *LongPoll) Setup(ctx context.Context) error { return nil }

func (t *LongPoll) Send(ctx context.Context, msg *db.Message, _ db.Metadata) (bool, error) {
	t.notifier.Wake(msg.RecipientID)
	return false, nil
}

func (t *LongPoll) Metadata(recipientID, jobID string) db.Metadata {
	path := "/poll/worker"
	if jobID != "" {
		path = "/poll/jobs/" + jobID
	}
	return db.Metadata{
		"poll_path":            path,
		"default_wait_seconds": int(t.defaultWait / time.Second),
	}
}

func (t *LongPoll) Healthy(ctx context.Context) error { return nil }

func (t *LongPoll) Close(ctx context.Context) error { return nil }

// Wait exposes the recipient's wake channel for the poll endpoints.
func (t *LongPoll) Wait(recipient string) <-chan struct{} {
	return t.notifier.Wait(recipient)
}

// DefaultWait is the poll park time used when the request names none.
func (t *LongPoll) DefaultWait() time.Duration { return t.defaultWait }

// MaxWait caps the poll park time.
func (t *LongPoll) MaxWait() time.Duration { return t.maxWait }
