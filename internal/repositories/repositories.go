// Package repositories provides the store interfaces over the persisted
// models and their GORM implementations. Every mutation that races with
// the janitor goes through a compare-and-swap guarded by the expected
// prior status; a swap that matched no row reports false rather than an
// error so callers can treat lost races as already-handled.
package repositories

import (
	"context"
	"time"

	"github.com/brwyatt/dffmpeg/internal/db"
)

// -----------------------------------------------------------------------------
// IdentityRepository
// -----------------------------------------------------------------------------

// IdentityRepository manages signing identities. HMAC keys are wrapped
// under the active ring key before they touch the database and unwrapped
// on the way out only when the caller explicitly asks for key material.
type IdentityRepository interface {
	// Get returns the identity. With includeKey the HMACKey field holds the
	// unwrapped secret; otherwise it is blank.
	Get(ctx context.Context, clientID string, includeKey bool) (*db.Identity, error)

	// Upsert inserts or replaces the identity. HMACKey must be the raw
	// (unwrapped) secret; wrapping happens here. A nil AllowedCIDRs gets the
	// open default of 0.0.0.0/0 and ::/0.
	Upsert(ctx context.Context, identity *db.Identity) error

	Delete(ctx context.Context, clientID string) error
	List(ctx context.Context, includeKey bool) ([]db.Identity, error)

	// Rewrap re-encrypts the stored key under keyID, or stores it unwrapped
	// when keyID is empty. The secret itself never changes.
	Rewrap(ctx context.Context, clientID, keyID string) error

	// ListNotUsingKey returns up to limit client ids whose stored key is not
	// wrapped under keyID. An empty keyID targets unwrapped storage, so it
	// returns ids that still carry any wrap. Drives batch rotation.
	ListNotUsingKey(ctx context.Context, keyID string, limit int) ([]string, error)

	// EnsureLocalAdmin creates the localadmin identity with a fresh key and
	// loopback-only CIDRs if it does not exist. The generated key is
	// returned exactly once, at creation.
	EnsureLocalAdmin(ctx context.Context) (key string, created bool, err error)
}

// -----------------------------------------------------------------------------
// WorkerRepository
// -----------------------------------------------------------------------------

type WorkerRepository interface {
	// Upsert inserts or fully replaces the worker record. Registration is a
	// whole-record replace so capabilities never accumulate across restarts.
	Upsert(ctx context.Context, worker *db.Worker) error

	Get(ctx context.Context, workerID string) (*db.Worker, error)

	// ListByStatus returns workers in the given status. A non-zero
	// seenWithin additionally requires last_seen inside that window.
	// Staleness cutoffs that depend on each worker's own registration
	// interval are the caller's to apply.
	ListByStatus(ctx context.Context, status string, seenWithin time.Duration) ([]db.Worker, error)

	// MarkOffline transitions an online worker to offline and clears its
	// ephemeral registration fields so a stale record can never attract
	// work. Reports false when the worker was not online.
	MarkOffline(ctx context.Context, workerID string) (bool, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

// JobListOptions filters and paginates the job listing. Pagination is
// keyset based: SinceID is the last job id the caller has seen and results
// continue strictly below it in descending id order.
type JobListOptions struct {
	RequesterID string
	WorkerID    string
	SinceID     string
	Limit       int
}

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	Get(ctx context.Context, jobID string) (*db.Job, error)

	// UpdateStatusFrom applies updates only while the job is still in
	// fromStatus, stamping last_update in the same statement. It reports
	// (false, nil) when the row has moved on; every lifecycle transition in
	// the handlers, scheduler and janitor goes through this gate.
	UpdateStatusFrom(ctx context.Context, jobID, fromStatus string, updates map[string]interface{}) (bool, error)

	// TouchWorkerSeen refreshes worker_last_seen without moving last_update,
	// so heartbeats never reset the janitor's staleness windows. Applies only
	// while the job occupies a worker (assigned, running or canceling).
	TouchWorkerSeen(ctx context.Context, jobID string, at time.Time) error

	// TouchClientSeen refreshes client_last_seen and optionally toggles
	// monitoring. Reports false when the job does not exist.
	TouchClientSeen(ctx context.Context, jobID string, at time.Time, monitor *bool) (bool, error)

	ListByStatus(ctx context.Context, statuses ...string) ([]db.Job, error)

	// ListAssignedStale returns assigned jobs whose last_update predates
	// olderThan, candidates for returning to the pending queue.
	ListAssignedStale(ctx context.Context, olderThan time.Time) ([]db.Job, error)

	// ListPendingStale returns pending jobs whose last_update predates
	// olderThan. A non-zero upTo excludes rows older than upTo, bounding
	// the retry window.
	ListPendingStale(ctx context.Context, olderThan, upTo time.Time) ([]db.Job, error)

	// ListMonitoredActive returns non-terminal jobs whose requester asked
	// for liveness monitoring.
	ListMonitoredActive(ctx context.Context) ([]db.Job, error)

	// WorkerLoad counts jobs currently occupying each worker (assigned,
	// running or canceling), keyed by worker id.
	WorkerLoad(ctx context.Context) (map[string]int, error)

	List(ctx context.Context, opts JobListOptions) ([]db.Job, error)

	// ListRecent returns active jobs plus terminal jobs updated since the
	// cutoff, newest first, for the dashboard.
	ListRecent(ctx context.Context, limit int, terminalSince time.Time) ([]db.Job, error)

	// PurgeTerminalBefore deletes terminal jobs whose last_update predates
	// the cutoff and returns the number removed.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// MessageRepository
// -----------------------------------------------------------------------------

type MessageRepository interface {
	Create(ctx context.Context, msg *db.Message) error

	// PendingFor returns a recipient's undelivered backlog in id order. An
	// empty cursor selects rows never delivered (sent_at IS NULL); a cursor
	// selects every row after it regardless of delivery, so a reconnecting
	// poller can replay from its last seen id. A non-empty jobID narrows to
	// one job's messages.
	PendingFor(ctx context.Context, recipientID, cursor, jobID string) ([]db.Message, error)

	// MarkDelivered stamps sent_at on the given messages where it is still
	// NULL. A message's first delivery time never changes after that.
	MarkDelivered(ctx context.Context, messageIDs []string, at time.Time) error

	// ForJob returns one job's messages of the given type in ascending id
	// order. With a cursor it pages forward from sinceID; without one it
	// returns the newest limit messages.
	ForJob(ctx context.Context, jobID, messageType, sinceID string, limit int) ([]db.Message, error)

	// PurgeDeliveredBefore deletes delivered messages whose timestamp
	// predates the cutoff and returns the number removed. Undelivered
	// messages are kept regardless of age.
	PurgeDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
