// Package transport implements the message delivery fabric. Every message
// is persisted first and pushed second: a transport that cannot deliver
// right now loses nothing, because consumers can always drain their
// backlog through the long-poll endpoints and delivery is recorded on the
// message itself.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/config"
	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/metrics"
	"github.com/brwyatt/dffmpeg/internal/repositories"
)

// ServerTransport is one delivery mechanism. Implementations are
// registered by name in init and built from config.
type ServerTransport interface {
	Name() string

	// Setup prepares the transport. Implementations that talk to a broker
	// must not fail startup when the broker is down; they come up
	// unhealthy and reconnect in the background.
	Setup(ctx context.Context) error

	// Send attempts immediate delivery of msg to the binding described by
	// metadata. (false, nil) means the transport cannot deliver right now
	// and the stored message should wait; an error is a real failure.
	Send(ctx context.Context, msg *db.Message, metadata db.Metadata) (delivered bool, err error)

	// Metadata describes the binding for a recipient: what a worker (empty
	// jobID) or a job submitter needs in order to consume deliveries.
	Metadata(recipientID, jobID string) db.Metadata

	// Healthy reports nil when the transport can currently deliver.
	Healthy(ctx context.Context) error

	Close(ctx context.Context) error
}

// Factory builds a named transport from config.
type Factory func(cfg config.Transports, logger *zap.Logger) (ServerTransport, error)

var factories = map[string]Factory{}

// Register adds a transport factory. Called from init; a duplicate name is
// a programming error.
func Register(name string, factory Factory) {
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("transport: %q registered twice", name))
	}
	factories[name] = factory
}

// Names returns the registered transport names, sorted.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs and sets up every transport enabled in cfg, returned
// with the configured order preserved for negotiation.
func Build(ctx context.Context, cfg config.Transports, logger *zap.Logger) (map[string]ServerTransport, []string, error) {
	if len(cfg.Enabled) == 0 {
		return nil, nil, errors.New("transport: at least one transport must be enabled")
	}

	transports := make(map[string]ServerTransport, len(cfg.Enabled))
	order := make([]string, 0, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		factory, ok := factories[name]
		if !ok {
			return nil, nil, fmt.Errorf("transport: unknown transport %q", name)
		}
		t, err := factory(cfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("transport: build %s: %w", name, err)
		}
		if err := t.Setup(ctx); err != nil {
			return nil, nil, fmt.Errorf("transport: setup %s: %w", name, err)
		}
		transports[name] = t
		order = append(order, name)
	}
	return transports, order, nil
}

// Envelope is the wire form of a stored message, shared by every
// transport and the poll endpoints.
func Envelope(msg *db.Message) map[string]interface{} {
	var sender interface{}
	if msg.SenderID != nil {
		sender = *msg.SenderID
	}
	var jobID interface{}
	if msg.JobID != nil {
		jobID = *msg.JobID
	}
	payload := msg.Payload
	if payload == nil {
		payload = db.Metadata{}
	}
	return map[string]interface{}{
		"message_id":   msg.MessageID,
		"sender_id":    sender,
		"recipient_id": msg.RecipientID,
		"job_id":       jobID,
		"timestamp":    msg.Timestamp.UTC().Format(time.RFC3339Nano),
		"message_type": msg.MessageType,
		"payload":      payload,
	}
}

// Manager routes stored messages to their recipient's transport binding.
type Manager struct {
	transports map[string]ServerTransport
	order      []string
	messages   repositories.MessageRepository
	workers    repositories.WorkerRepository
	jobs       repositories.JobRepository
	logger     *zap.Logger
}

// NewManager wires the built transports over the stores.
func NewManager(
	transports map[string]ServerTransport,
	order []string,
	messages repositories.MessageRepository,
	workers repositories.WorkerRepository,
	jobs repositories.JobRepository,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		transports: transports,
		order:      order,
		messages:   messages,
		workers:    workers,
		jobs:       jobs,
		logger:     logger,
	}
}

// Send persists msg and attempts an immediate push over the recipient's
// binding. Push problems are logged and absorbed; once the row is stored
// the send has succeeded, because the backlog is replayable.
func (m *Manager) Send(ctx context.Context, msg *db.Message) error {
	if err := m.messages.Create(ctx, msg); err != nil {
		return fmt.Errorf("transport: persist message: %w", err)
	}

	name, metadata := m.binding(ctx, msg)
	if name == "" {
		return nil
	}
	t, ok := m.transports[name]
	if !ok {
		m.logger.Warn("recipient bound to a transport that is not enabled",
			zap.String("transport", name),
			zap.String("recipient_id", msg.RecipientID))
		return nil
	}

	delivered, err := t.Send(ctx, msg, metadata)
	if err != nil {
		metrics.IncDeliveryFailure(name)
		m.logger.Warn("transport send failed",
			zap.String("transport", name),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return nil
	}
	metrics.IncMessageSent(name, msg.MessageType)

	if delivered {
		if err := m.messages.MarkDelivered(ctx, []string{msg.MessageID}, time.Now().UTC()); err != nil {
			m.logger.Warn("marking message delivered failed",
				zap.String("message_id", msg.MessageID),
				zap.Error(err))
		}
	}
	return nil
}

// binding resolves the recipient's live delivery binding: the worker's
// registration when the recipient is an online worker, otherwise the
// job's callback when the recipient is its requester. No binding means
// store-only.
func (m *Manager) binding(ctx context.Context, msg *db.Message) (string, db.Metadata) {
	worker, err := m.workers.Get(ctx, msg.RecipientID)
	if err == nil {
		if worker.Status == db.WorkerStatusOnline && worker.Transport != nil && *worker.Transport != "" {
			return *worker.Transport, worker.TransportMetadata
		}
	} else if !errors.Is(err, repositories.ErrNotFound) {
		m.logger.Warn("worker lookup for delivery failed",
			zap.String("recipient_id", msg.RecipientID),
			zap.Error(err))
	}

	if msg.JobID == nil || *msg.JobID == "" {
		return "", nil
	}
	job, err := m.jobs.Get(ctx, *msg.JobID)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			m.logger.Warn("job lookup for delivery failed",
				zap.String("job_id", *msg.JobID),
				zap.Error(err))
		}
		return "", nil
	}
	if job.RequesterID == msg.RecipientID && job.CallbackTransport != nil && *job.CallbackTransport != "" {
		return *job.CallbackTransport, job.CallbackTransportMetadata
	}
	return "", nil
}

// HealthyNames returns the enabled transports currently able to deliver,
// in configuration order.
func (m *Manager) HealthyNames(ctx context.Context) []string {
	healthy := make([]string, 0, len(m.order))
	for _, name := range m.order {
		if m.transports[name].Healthy(ctx) == nil {
			healthy = append(healthy, name)
		}
	}
	return healthy
}

// Negotiate picks the first of the caller's preferred transports that is
// enabled and healthy.
func (m *Manager) Negotiate(ctx context.Context, preferences []string) (string, bool) {
	healthy := m.HealthyNames(ctx)
	for _, want := range preferences {
		for _, have := range healthy {
			if want == have {
				return want, true
			}
		}
	}
	return "", false
}

// Get returns an enabled transport by name.
func (m *Manager) Get(name string) (ServerTransport, bool) {
	t, ok := m.transports[name]
	return t, ok
}

// LongPoll returns the long-poll transport when enabled; the poll
// endpoints need its notifier and wait bounds.
func (m *Manager) LongPoll() (*LongPoll, bool) {
	t, ok := m.transports[NameLongPoll]
	if !ok {
		return nil, false
	}
	lp, ok := t.(*LongPoll)
	return lp, ok
}

// Health reports per-transport health for the deep health check.
func (m *Manager) Health(ctx context.Context) map[string]error {
	out := make(map[string]error, len(m.order))
	for _, name := range m.order {
		out[name] = m.transports[name].Healthy(ctx)
	}
	return out
}

// Close shuts every transport down.
func (m *Manager) Close(ctx context.Context) {
	for _, name := range m.order {
		if err := m.transports[name].Close(ctx); err != nil {
			m.logger.Warn("transport close failed",
				zap.String("transport", name),
				zap.Error(err))
		}
	}
}
