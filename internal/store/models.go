package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/deploybot/controller/internal/idgen"
)

// base contains the fields shared by every model. ID uses UUIDv7
// (time-ordered) so the primary key itself sorts in creation order; the
// recovery scan in JobStore.RecoverNonTerminal orders by created_at.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUIDv7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		b.ID = idgen.New()
	}
	return nil
}

// Agent statuses are derived at read time from timestamps, never persisted.
// These constants describe the derived values only; see agentregistry for
// the derivation.
const (
	AgentStatusOnline  = "online"
	AgentStatusStale   = "stale"
	AgentStatusOffline = "offline"
)

// Agent is a worker host that has registered with the controller. A
// hostname reconnecting gets a fresh row and id — older rows for the same
// hostname are never deleted, only aged out by the liveness derivation.
type Agent struct {
	base
	Hostname        string          `gorm:"not null;index"`
	Capabilities    string          `gorm:"type:text;not null;default:'[]'"` // JSON array of strings
	RegisteredAt    time.Time       `gorm:"not null"`
	LastHeartbeatAt time.Time       `gorm:"not null;index"`
	Token           EncryptedString `gorm:"type:text;default:''"` // optional bearer credential
}

// Job statuses. The DAG is pending -> {running, cancelled}; running ->
// {success, failed, cancelled}. success/failed/cancelled are terminal and
// absorbing.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusSuccess   = "success"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// IsTerminal reports whether status is one of the absorbing end states.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusSuccess, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one deployment attempt. AssignedAgentID is non-null only once
// status has left pending. Payload is an opaque, caller-supplied blob
// round-tripped without interpretation by the dispatch plane.
type Job struct {
	base
	Repo            string     `gorm:"not null;index:idx_jobs_idempotency,priority:1"`
	Ref             string     `gorm:"not null;index:idx_jobs_idempotency,priority:2"`
	Host            string     `gorm:"not null;index:idx_jobs_idempotency,priority:3"`
	Status          string     `gorm:"not null;default:'pending';index"`
	Payload         string     `gorm:"type:text;not null;default:''"` // opaque, caller-defined encoding
	AssignedAgentID *uuid.UUID `gorm:"type:text;index"`
	AssignedAt      *time.Time
	CompletedAt     *time.Time
	Result          string `gorm:"type:text;default:''"`
	Error           string `gorm:"type:text;default:''"`
}

// LogStream identifies which output stream a LogChunk belongs to.
const (
	LogStreamStdout = "stdout"
	LogStreamStderr = "stderr"
	LogStreamEvent  = "event"
)

// LogChunk is one persisted unit of job output. Sequence is monotonic and
// gap-free per job, assigned by LogBroker.Publish before the row is
// written.
type LogChunk struct {
	JobID     uuid.UUID `gorm:"type:text;primaryKey"`
	Sequence  uint64    `gorm:"primaryKey;autoIncrement:false"`
	Stream    string    `gorm:"not null"`
	Timestamp time.Time `gorm:"not null"`
	Bytes     []byte    `gorm:"type:blob"`
}

// ChatSession and ChatMessage are opaque to the dispatch plane: the core
// only persists and returns them unchanged for an out-of-process assistant
// to read and write. No HTTP route exposes them.
type ChatSession struct {
	base
	Title string `gorm:"not null;default:''"`
}

type ChatMessage struct {
	base
	SessionID uuid.UUID `gorm:"type:text;not null;index"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null;default:''"`
}
