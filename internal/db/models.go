package db

import (
	"time"

	"gorm.io/gorm"

	"github.com/brwyatt/dffmpeg/internal/ids"
)

// Identity roles.
const (
	RoleClient = "client"
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

// Job lifecycle states. pending, assigned, running and canceling are
// active; completed, failed and canceled are terminal and never leave.
const (
	JobStatusPending   = "pending"
	JobStatusAssigned  = "assigned"
	JobStatusRunning   = "running"
	JobStatusCanceling = "canceling"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// JobActiveStatuses lists the non-terminal states.
var JobActiveStatuses = []string{JobStatusPending, JobStatusAssigned, JobStatusRunning, JobStatusCanceling}

// JobTerminalStatuses lists the terminal states.
var JobTerminalStatuses = []string{JobStatusCompleted, JobStatusFailed, JobStatusCanceled}

// JobIsTerminal reports whether status is a terminal state.
func JobIsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Worker states.
const (
	WorkerStatusOnline  = "online"
	WorkerStatusOffline = "offline"
	WorkerStatusError   = "error"
)

// Message types carried over the delivery fabric.
const (
	MessageTypeJobRequest = "job_request"
	MessageTypeJobStatus  = "job_status"
	MessageTypeJobLogs    = "job_logs"
)

// Identity is a principal allowed to sign requests. HMACKey is stored
// wrapped under the key ring entry named by KeyID; a NULL KeyID marks a
// plaintext legacy row. The raw key never leaves the auth repository
// unless explicitly requested.
type Identity struct {
	ClientID     string     `gorm:"column:client_id;primaryKey"`
	Role         string     `gorm:"column:role;not null;default:'client'"` // "client", "worker" or "admin"
	HMACKey      string     `gorm:"column:hmac_key;type:text;not null"`
	KeyID        *string    `gorm:"column:key_id"`
	AllowedCIDRs StringList `gorm:"column:allowed_cidrs;type:text;not null"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null"`
}

// Worker is a fleet member. Capability fields describe what the worker
// offered at its last registration, already reduced to what the
// coordinator permits; they are cleared when the worker goes offline so a
// stale record can never attract work.
type Worker struct {
	WorkerID             string     `gorm:"column:worker_id;primaryKey"`
	Status               string     `gorm:"column:status;not null;default:'offline'"` // "online", "offline" or "error"
	LastSeen             *time.Time `gorm:"column:last_seen"`
	Capabilities         StringList `gorm:"column:capabilities;type:text"`
	Binaries             StringList `gorm:"column:binaries;type:text"`
	Paths                StringList `gorm:"column:paths;type:text"`
	Transport            *string    `gorm:"column:transport"`
	TransportMetadata    Metadata   `gorm:"column:transport_metadata;type:text"`
	RegistrationInterval *int       `gorm:"column:registration_interval"`
	Version              *string    `gorm:"column:version"`
	CreatedAt            time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;not null"`
}

// Job is one submitted execution request. LastUpdate is set explicitly on
// every state change; it feeds the janitor's pending-retry and timeout
// windows, so it must not move on incidental column updates.
type Job struct {
	JobID                     string     `gorm:"column:job_id;primaryKey"`
	RequesterID               string     `gorm:"column:requester_id;not null;index"`
	BinaryName                string     `gorm:"column:binary_name;not null"`
	Arguments                 StringList `gorm:"column:arguments;type:text;not null"`
	Paths                     StringList `gorm:"column:paths;type:text;not null"`
	Status                    string     `gorm:"column:status;not null;index;default:'pending'"`
	ExitCode                  *int       `gorm:"column:exit_code"`
	WorkerID                  *string    `gorm:"column:worker_id;index"`
	CreatedAt                 time.Time  `gorm:"column:created_at;not null"`
	LastUpdate                time.Time  `gorm:"column:last_update;not null"`
	WorkerLastSeen            *time.Time `gorm:"column:worker_last_seen"`
	ClientLastSeen            *time.Time `gorm:"column:client_last_seen"`
	CallbackTransport         *string    `gorm:"column:callback_transport"`
	CallbackTransportMetadata Metadata   `gorm:"column:callback_transport_metadata;type:text"`
	HeartbeatInterval         int        `gorm:"column:heartbeat_interval;not null"`
	Monitor                   bool       `gorm:"column:monitor;not null;default:false"`
}

// BeforeCreate assigns a fresh ULID and stamps LastUpdate when unset.
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.JobID == "" {
		j.JobID = ids.New()
	}
	if j.LastUpdate.IsZero() {
		j.LastUpdate = time.Now().UTC()
	}
	return nil
}

// Message is one durable fabric record. SentAt is NULL until the first
// successful push or poll delivery and keeps its first value afterwards,
// so redeliveries never rewrite history.
type Message struct {
	MessageID   string     `gorm:"column:message_id;primaryKey"`
	SenderID    *string    `gorm:"column:sender_id"`
	RecipientID string     `gorm:"column:recipient_id;not null;index:idx_messages_recipient"`
	JobID       *string    `gorm:"column:job_id;index"`
	Timestamp   time.Time  `gorm:"column:timestamp;not null"`
	MessageType string     `gorm:"column:message_type;not null"`
	Payload     Metadata   `gorm:"column:payload;type:text;not null"`
	SentAt      *time.Time `gorm:"column:sent_at"`
}

// BeforeCreate assigns a fresh ULID and stamps Timestamp when unset.
// Message IDs double as the long-poll cursor, so they must sort in issue
// order.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.MessageID == "" {
		m.MessageID = ids.New()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return nil
}
