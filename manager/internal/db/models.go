package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly. Agents are never hard-deleted, so Agent uses
// this; every other model in this domain is either append-only or genuinely
// disposable and embeds base directly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is a remote worker host enrolled in the fleet. Created administratively;
// never hard-deleted (embeds softDelete defensively, though disabling — not
// deletion — is the documented retirement path). RegistrationKey is the shared
// secret an agent presents via the X-AGENT-KEY header on every protocol call;
// it is encrypted at rest.
type Agent struct {
	softDelete
	Name             string          `gorm:"uniqueIndex;not null"`
	RegistrationKey  EncryptedString `gorm:"type:text;not null"`
	Enabled          bool            `gorm:"not null;default:true"`
	Status           string          `gorm:"not null;default:'offline'"` // "online" or "offline"
	LastSeenIP       string          `gorm:"default:''"`
	OperatingSystem  string          `gorm:"default:''"`
	LastHeartbeatAt  *time.Time
}

// -----------------------------------------------------------------------------
// Exercises
// -----------------------------------------------------------------------------

// Exercise is a named batch of Tests sharing a default duration and an
// explicit start/stop lifecycle. Once StartedAt is set, tests under it become
// claimable; once EndedAt is set it is terminal.
type Exercise struct {
	base
	Name               string `gorm:"uniqueIndex;not null"`
	DefaultDurationSec int    `gorm:"not null"`
	Notes              string `gorm:"type:text;default:''"`
	StartedAt          *time.Time
	EndedAt            *time.Time

	// Tests is populated by ExerciseRepository.GetWithTests via a manual
	// query. GORM cannot resolve foreign keys on uuid.UUID primary keys.
	Tests []Test `gorm:"-"`
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

// Test is one (server agent, client agent, port, params) tuple within an
// Exercise. ServerTaskID/ClientTaskID are written back once the owning tasks
// are created in the same transaction as the test row.
type Test struct {
	base
	ExerciseID    uuid.UUID `gorm:"type:text;not null;index"`
	ServerAgentID uuid.UUID `gorm:"type:text;not null;index"`
	ClientAgentID uuid.UUID `gorm:"type:text;not null;index"`
	ServerPort    int       `gorm:"not null"`
	UDP           bool      `gorm:"not null;default:false"`
	Parallel      int       `gorm:"not null;default:1"`
	DurationSec   int       `gorm:"not null"` // per-test override of Exercise.DefaultDurationSec
	ServerTaskID  uuid.UUID `gorm:"type:text;not null"`
	ClientTaskID  uuid.UUID `gorm:"type:text;not null"`
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// Task is the unit of execution claimed and run by exactly one agent.
// State machine: queued -> pending -> accepted -> running ->
// {succeeded | failed | timed_out | canceled}. Payload and Result are opaque
// JSON, shaped per Type (see shared/types for the Go-side payload structs).
type Task struct {
	base
	Type       string    `gorm:"not null"` // iperf_server_start | iperf_client_run | kill_all
	AgentID    uuid.UUID `gorm:"type:text;not null;index"`
	Payload    string    `gorm:"type:text;not null;default:'{}'"`
	Status     string    `gorm:"not null;default:'queued';index"`
	AcceptedAt *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Result     string `gorm:"type:text;default:''"`
	Error      string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Port reservations
// -----------------------------------------------------------------------------

// PortReservation guards exclusive use of an (agent, port) pair while a
// server task holds it. The uniqueness invariant — at most one row per
// (agent_id, port) with released_at null — is enforced by a partial unique
// index added in migrations, not by a GORM tag (GORM has no portable way to
// express a filtered index across sqlite and postgres).
type PortReservation struct {
	base
	AgentID    uuid.UUID `gorm:"type:text;not null;index"`
	Port       int       `gorm:"not null"`
	TaskID     uuid.UUID `gorm:"type:text;not null;index"`
	ReleasedAt *time.Time
}

// -----------------------------------------------------------------------------
// Idempotency log
// -----------------------------------------------------------------------------

// IdempotencyRecord caches the response of a prior mutating agent-protocol
// call, keyed by the client-supplied idempotency key scoped to the endpoint
// it was issued against (the same UUID can be legitimately reused by an
// agent against a different endpoint in the same call sequence).
type IdempotencyRecord struct {
	base
	Key            string `gorm:"not null;uniqueIndex:idx_idempotency_key_endpoint"`
	Endpoint       string `gorm:"not null;uniqueIndex:idx_idempotency_key_endpoint"`
	ResponseStatus int    `gorm:"not null"`
	ResponseBody   string `gorm:"type:text;not null"`
}
