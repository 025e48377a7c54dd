package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by most models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

// Account is the authenticated identity. It is derived from an Ed25519
// public key (hex-encoded, unique) and created implicitly on first
// successful challenge authentication. Accounts are never deleted.
//
// Seq is the per-account monotonic event counter. It is only ever advanced
// through the atomic allocator in the repository layer — never by loading
// the row, incrementing in Go, and saving it back.
type Account struct {
	Base
	PublicKey string `gorm:"uniqueIndex;not null"` // hex of the raw 32-byte key
	Seq       int64  `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Sessions & messages
// -----------------------------------------------------------------------------

// Session is a container for one agent conversation, owned by one account.
// Metadata and AgentState are opaque ciphertext produced by the client's
// crypto layer; the server stores and versions them without ever looking
// inside. Tag is a client-chosen idempotency key, unique per account.
//
// MetadataVersion and AgentStateVersion advance by exactly one per accepted
// optimistic-concurrency update, enforced by conditional UPDATEs in the
// repository layer.
type Session struct {
	Base
	AccountID         uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_sessions_account_tag"`
	Tag               string    `gorm:"not null;uniqueIndex:idx_sessions_account_tag"`
	Seq               int64     `gorm:"not null;default:0"` // per-session message counter
	Metadata          string    `gorm:"type:text;not null"`
	MetadataVersion   int       `gorm:"not null;default:1"`
	AgentState        *string   `gorm:"type:text"`
	AgentStateVersion int       `gorm:"not null;default:0"`
	DataEncryptionKey []byte    // wrapped key, opaque to the server
	Active            bool      `gorm:"not null;default:false"`
	LastActiveAt      time.Time `gorm:"not null"`
}

// SessionMessage is an immutable append-only entry in a session. Content
// holds the raw base64 ciphertext as sent by the client; the wrapped
// {t:"encrypted", c:...} shape is reconstructed at the API boundary.
//
// LocalID is a client-supplied deduplication key: a second send with the
// same (session_id, local_id) pair is silently dropped. Uniqueness is
// enforced by a partial index (WHERE local_id IS NOT NULL) in the schema.
type SessionMessage struct {
	Base
	SessionID uuid.UUID `gorm:"type:text;not null;index"`
	Seq       int64     `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	LocalID   *string
}

// -----------------------------------------------------------------------------
// Machines
// -----------------------------------------------------------------------------

// Machine is a registered agent host. Unlike the other models it is keyed
// by the composite (account_id, id) where ID is the client-chosen machine
// identifier, so it does not embed Base. Metadata and DaemonState follow
// the same opaque-ciphertext-with-version pattern as Session.
type Machine struct {
	AccountID          uuid.UUID `gorm:"type:text;primaryKey"`
	ID                 string    `gorm:"primaryKey"`
	Metadata           string    `gorm:"type:text;not null"`
	MetadataVersion    int       `gorm:"not null;default:1"`
	DaemonState        *string   `gorm:"type:text"`
	DaemonStateVersion int       `gorm:"not null;default:0"`
	DataEncryptionKey  []byte
	Active             bool      `gorm:"not null;default:false"`
	LastActiveAt       time.Time `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Pairing
// -----------------------------------------------------------------------------

// AccountAuthRequest maps a client-generated ephemeral public key to a
// pending or approved pairing. It is created by the unauthenticated poll
// endpoint and transitions exactly once when an authenticated client
// writes Response and ResponseAccountID; it is terminal thereafter.
type AccountAuthRequest struct {
	Base
	PublicKey         string `gorm:"uniqueIndex;not null"` // hex of the ephemeral key
	Response          *string
	ResponseAccountID *uuid.UUID `gorm:"type:text"`
}
