package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/consortium-dev/consortium/internal/db"
)

// gormSessionRepository is the GORM implementation of SessionRepository.
type gormSessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository returns a SessionRepository backed by the provided *gorm.DB.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: db}
}

// CreateIfAbsent creates the session or returns the existing one for the
// same (account_id, tag). The tag is the client's idempotency key: retried
// creates must observe the original row, not a duplicate. A lost insert
// race resolves to the winner's row via the unique index.
func (r *gormSessionRepository) CreateIfAbsent(ctx context.Context, s *db.Session) (*db.Session, bool, error) {
	var existing db.Session
	err := r.db.WithContext(ctx).First(&existing, "account_id = ? AND tag = ?", s.AccountID, s.Tag).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("sessions: get by tag: %w", err)
	}

	if createErr := r.db.WithContext(ctx).Create(s).Error; createErr != nil {
		if readErr := r.db.WithContext(ctx).First(&existing, "account_id = ? AND tag = ?", s.AccountID, s.Tag).Error; readErr == nil {
			return &existing, false, nil
		}
		return nil, false, fmt.Errorf("sessions: create: %w", createErr)
	}
	return s, true, nil
}

// GetByID retrieves a session scoped to its owning account. A session
// owned by a different account is indistinguishable from a missing one,
// so existence is never confirmed across account boundaries.
func (r *gormSessionRepository) GetByID(ctx context.Context, accountID, id uuid.UUID) (*db.Session, error) {
	var session db.Session
	err := r.db.WithContext(ctx).First(&session, "id = ? AND account_id = ?", id, accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get by id: %w", err)
	}
	return &session, nil
}

// ListRecent returns the account's most recently updated sessions.
func (r *gormSessionRepository) ListRecent(ctx context.Context, accountID uuid.UUID, limit int) ([]db.Session, error) {
	var sessions []db.Session
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("sessions: list recent: %w", err)
	}
	return sessions, nil
}

// Delete removes the session and cascades to its messages inside a single
// transaction. The ownership check happens within the transaction so a
// concurrent delete cannot slip between check and removal.
func (r *gormSessionRepository) Delete(ctx context.Context, accountID, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session db.Session
		if err := tx.First(&session, "id = ? AND account_id = ?", id, accountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get: %w", err)
		}
		if err := tx.Delete(&db.SessionMessage{}, "session_id = ?", id).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Delete(&db.Session{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return err
}

// AppendMessage inserts a message with the next per-session sequence
// number. The localID dedup check, the sequence allocation, and the insert
// share one transaction so two racing sends of the same message cannot
// both land.
func (r *gormSessionRepository) AppendMessage(ctx context.Context, sessionID uuid.UUID, content string, localID *string) (*db.SessionMessage, bool, error) {
	var (
		msg       *db.SessionMessage
		duplicate bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if localID != nil {
			var count int64
			if err := tx.Model(&db.SessionMessage{}).
				Where("session_id = ? AND local_id = ?", sessionID, *localID).
				Count(&count).Error; err != nil {
				return fmt.Errorf("dedup check: %w", err)
			}
			if count > 0 {
				duplicate = true
				return nil
			}
		}

		// Post-increment the per-session message counter atomically.
		// The same statement bumps updated_at so the session surfaces at
		// the top of the recency-ordered list.
		var seq int64
		result := tx.Raw(
			"UPDATE sessions SET seq = seq + 1, updated_at = ? WHERE id = ? RETURNING seq",
			time.Now().UTC(), sessionID,
		).Scan(&seq)
		if result.Error != nil {
			return fmt.Errorf("allocate seq: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		m := db.SessionMessage{
			SessionID: sessionID,
			Seq:       seq,
			Content:   content,
			LocalID:   localID,
		}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		msg = &m
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("sessions: append message: %w", err)
	}
	return msg, duplicate, nil
}

// ListMessages returns the session's most recent messages, newest first.
func (r *gormSessionRepository) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]db.SessionMessage, error) {
	var messages []db.SessionMessage
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("sessions: list messages: %w", err)
	}
	return messages, nil
}

// UpdateMetadata performs the optimistic-concurrency metadata update:
// read, version check, conditional write, re-read on a lost race. The
// version can only ever advance by exactly one per accepted write.
func (r *gormSessionRepository) UpdateMetadata(ctx context.Context, accountID, id uuid.UUID, expectedVersion int, metadata string) (UpdateResult, error) {
	var out UpdateResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session db.Session
		if err := tx.First(&session, "id = ? AND account_id = ?", id, accountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				out = UpdateResult{Status: UpdateNotFound}
				return nil
			}
			return fmt.Errorf("get: %w", err)
		}

		if session.MetadataVersion != expectedVersion {
			out = mismatch(session.MetadataVersion, &session.Metadata)
			return nil
		}

		result := tx.Model(&db.Session{}).
			Where("id = ? AND metadata_version = ?", id, expectedVersion).
			Updates(map[string]any{
				"metadata":         metadata,
				"metadata_version": expectedVersion + 1,
			})
		if result.Error != nil {
			return fmt.Errorf("conditional update: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// A concurrent writer advanced the version between our read
			// and write. Report their state so the client can rebase.
			if err := tx.First(&session, "id = ?", id).Error; err != nil {
				return fmt.Errorf("re-read: %w", err)
			}
			out = mismatch(session.MetadataVersion, &session.Metadata)
			return nil
		}

		value := metadata
		out = UpdateResult{Status: UpdateApplied, Version: expectedVersion + 1, Value: &value}
		return nil
	})
	if err != nil {
		return UpdateResult{Status: UpdateNotFound}, fmt.Errorf("sessions: update metadata: %w", err)
	}
	return out, nil
}

// UpdateAgentState is the agent-state counterpart of UpdateMetadata.
// The value is nullable: a nil agentState clears the field.
func (r *gormSessionRepository) UpdateAgentState(ctx context.Context, accountID, id uuid.UUID, expectedVersion int, agentState *string) (UpdateResult, error) {
	var out UpdateResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session db.Session
		if err := tx.First(&session, "id = ? AND account_id = ?", id, accountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				out = UpdateResult{Status: UpdateNotFound}
				return nil
			}
			return fmt.Errorf("get: %w", err)
		}

		if session.AgentStateVersion != expectedVersion {
			out = mismatch(session.AgentStateVersion, session.AgentState)
			return nil
		}

		result := tx.Model(&db.Session{}).
			Where("id = ? AND agent_state_version = ?", id, expectedVersion).
			Updates(map[string]any{
				"agent_state":         agentState,
				"agent_state_version": expectedVersion + 1,
			})
		if result.Error != nil {
			return fmt.Errorf("conditional update: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			if err := tx.First(&session, "id = ?", id).Error; err != nil {
				return fmt.Errorf("re-read: %w", err)
			}
			out = mismatch(session.AgentStateVersion, session.AgentState)
			return nil
		}

		out = UpdateResult{Status: UpdateApplied, Version: expectedVersion + 1, Value: agentState}
		return nil
	})
	if err != nil {
		return UpdateResult{Status: UpdateNotFound}, fmt.Errorf("sessions: update agent state: %w", err)
	}
	return out, nil
}

// SetActivity updates only the liveness columns. lastActiveAt is unix
// milliseconds; a zero value leaves the stored timestamp untouched
// (session-end flips the flag without rewriting the heartbeat time).
func (r *gormSessionRepository) SetActivity(ctx context.Context, accountID, id uuid.UUID, active bool, lastActiveAt int64) error {
	updates := map[string]any{"active": active}
	if lastActiveAt > 0 {
		updates["last_active_at"] = time.UnixMilli(lastActiveAt).UTC()
	}
	result := r.db.WithContext(ctx).
		Model(&db.Session{}).
		Where("id = ? AND account_id = ?", id, accountID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("sessions: set activity: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleActive returns sessions still flagged active whose last
// heartbeat is older than the cutoff (unix milliseconds).
func (r *gormSessionRepository) ListStaleActive(ctx context.Context, cutoff int64) ([]db.Session, error) {
	var sessions []db.Session
	err := r.db.WithContext(ctx).
		Where("active = ? AND last_active_at < ?", true, time.UnixMilli(cutoff).UTC()).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("sessions: list stale active: %w", err)
	}
	return sessions, nil
}

// mismatch builds the version-mismatch result carrying the stored state.
func mismatch(version int, value *string) UpdateResult {
	return UpdateResult{Status: UpdateVersionMismatch, Version: version, Value: value}
}
