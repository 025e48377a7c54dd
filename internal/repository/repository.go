// Package repository provides data access for the Consortium relay on top
// of GORM. Each entity gets a small interface with a GORM-backed
// implementation; operations that must be atomic (sequence allocation,
// version-checked updates, message append with deduplication, cascading
// deletes) run inside store-level transactions or single conditional
// statements — never as application-level read-then-write cycles.
package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/consortium-dev/consortium/internal/db"
)

// UpdateStatus classifies the outcome of a version-checked update.
type UpdateStatus string

const (
	// UpdateApplied means the conditional write succeeded and the version
	// advanced by exactly one.
	UpdateApplied UpdateStatus = "success"

	// UpdateVersionMismatch means the stored version differed from the
	// caller's expected version (either on the initial read or because a
	// concurrent writer won the conditional update race). The result
	// carries the latest stored version and value for the client to retry.
	UpdateVersionMismatch UpdateStatus = "version-mismatch"

	// UpdateNotFound means the row does not exist or belongs to a
	// different account.
	UpdateNotFound UpdateStatus = "error"
)

// UpdateResult is the outcome of an optimistic-concurrency update.
// Value is the stored value after the operation: the freshly written one
// on success, the current winner's on mismatch. It is nil only for
// nullable fields (agent state, daemon state) that are unset.
type UpdateResult struct {
	Status  UpdateStatus
	Version int
	Value   *string
}

// AccountRepository manages accounts and the per-account event sequence.
type AccountRepository interface {
	// UpsertByPublicKey returns the account for the given hex-encoded
	// Ed25519 public key, creating it on first authentication.
	UpsertByPublicKey(ctx context.Context, publicKeyHex string) (*db.Account, error)

	GetByID(ctx context.Context, id uuid.UUID) (*db.Account, error)

	// AllocateSeq atomically increments and returns the account's event
	// sequence. Concurrent calls for the same account yield a strictly
	// increasing sequence with no gaps and no duplicates.
	AllocateSeq(ctx context.Context, id uuid.UUID) (int64, error)
}

// SessionRepository manages sessions and their messages.
type SessionRepository interface {
	// CreateIfAbsent creates a session for (accountID, tag), or returns
	// the existing one unchanged. created reports whether a new row was
	// inserted.
	CreateIfAbsent(ctx context.Context, s *db.Session) (session *db.Session, created bool, err error)

	// GetByID returns the session only if it belongs to accountID.
	// A session owned by another account is reported as ErrNotFound.
	GetByID(ctx context.Context, accountID, id uuid.UUID) (*db.Session, error)

	// ListRecent returns the account's most recently updated sessions,
	// newest first, capped at limit.
	ListRecent(ctx context.Context, accountID uuid.UUID, limit int) ([]db.Session, error)

	// Delete removes the session and all its messages in one transaction.
	// Returns ErrNotFound if the session does not exist or is not owned
	// by accountID.
	Delete(ctx context.Context, accountID, id uuid.UUID) error

	// AppendMessage inserts a message with the next per-session sequence
	// number. If localID is non-nil and a message with the same
	// (session, localID) already exists, nothing is written and
	// duplicate is true.
	AppendMessage(ctx context.Context, sessionID uuid.UUID, content string, localID *string) (msg *db.SessionMessage, duplicate bool, err error)

	// ListMessages returns the session's most recent messages, newest
	// first, capped at limit.
	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]db.SessionMessage, error)

	// UpdateMetadata performs the version-checked metadata update.
	UpdateMetadata(ctx context.Context, accountID, id uuid.UUID, expectedVersion int, metadata string) (UpdateResult, error)

	// UpdateAgentState performs the version-checked agent-state update.
	UpdateAgentState(ctx context.Context, accountID, id uuid.UUID, expectedVersion int, agentState *string) (UpdateResult, error)

	// SetActivity updates the liveness flags from a heartbeat or the
	// inactivity sweeper. lastActiveAt is ignored when zero.
	SetActivity(ctx context.Context, accountID, id uuid.UUID, active bool, lastActiveAt int64) error

	// ListStaleActive returns active sessions whose last_active_at is
	// older than the cutoff (unix milliseconds). Used by the sweeper.
	ListStaleActive(ctx context.Context, cutoff int64) ([]db.Session, error)
}

// MachineRepository manages registered agent hosts.
type MachineRepository interface {
	// CreateIfAbsent registers a machine keyed by (accountID, id) or
	// returns the existing row unchanged.
	CreateIfAbsent(ctx context.Context, m *db.Machine) (machine *db.Machine, created bool, err error)

	GetByID(ctx context.Context, accountID uuid.UUID, id string) (*db.Machine, error)

	List(ctx context.Context, accountID uuid.UUID) ([]db.Machine, error)

	UpdateMetadata(ctx context.Context, accountID uuid.UUID, id string, expectedVersion int, metadata string) (UpdateResult, error)

	UpdateDaemonState(ctx context.Context, accountID uuid.UUID, id string, expectedVersion int, daemonState *string) (UpdateResult, error)

	SetActivity(ctx context.Context, accountID uuid.UUID, id string, active bool, lastActiveAt int64) error

	ListStaleActive(ctx context.Context, cutoff int64) ([]db.Machine, error)
}

// PairingRepository manages ephemeral-key pairing requests.
type PairingRepository interface {
	// UpsertRequest returns the pairing request for the given hex-encoded
	// ephemeral public key, creating a pending one if absent.
	UpsertRequest(ctx context.Context, publicKeyHex string) (*db.AccountAuthRequest, error)

	// Respond writes the wrapped response for a pending request. The
	// write is conditional on the response still being unset: once a
	// response lands the request is terminal and later calls are silent
	// no-ops. applied reports whether this call performed the write.
	Respond(ctx context.Context, publicKeyHex string, response string, accountID uuid.UUID) (applied bool, err error)
}
