package api

import (
	"encoding/base64"

	"github.com/consortium-dev/consortium/internal/db"
	"github.com/consortium-dev/consortium/internal/events"
)

// sessionView is the wire shape of a session. Timestamps are unix
// milliseconds; metadata and agent state are ciphertext passed through
// untouched.
type sessionView struct {
	ID                string  `json:"id"`
	Tag               string  `json:"tag"`
	Seq               int64   `json:"seq"`
	Metadata          string  `json:"metadata"`
	MetadataVersion   int     `json:"metadataVersion"`
	AgentState        *string `json:"agentState"`
	AgentStateVersion int     `json:"agentStateVersion"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
	Active            bool    `json:"active"`
	ActiveAt          int64   `json:"activeAt"`
	CreatedAt         int64   `json:"createdAt"`
	UpdatedAt         int64   `json:"updatedAt"`
}

func newSessionView(s *db.Session) sessionView {
	return sessionView{
		ID:                s.ID.String(),
		Tag:               s.Tag,
		Seq:               s.Seq,
		Metadata:          s.Metadata,
		MetadataVersion:   s.MetadataVersion,
		AgentState:        s.AgentState,
		AgentStateVersion: s.AgentStateVersion,
		DataEncryptionKey: encodeKey(s.DataEncryptionKey),
		Active:            s.Active,
		ActiveAt:          s.LastActiveAt.UnixMilli(),
		CreatedAt:         s.CreatedAt.UnixMilli(),
		UpdatedAt:         s.UpdatedAt.UnixMilli(),
	}
}

// messageView is the wire shape of a stored message. Content is
// reconstructed into the canonical encrypted envelope.
type messageView struct {
	ID        string                  `json:"id"`
	Seq       int64                   `json:"seq"`
	Content   events.EncryptedContent `json:"content"`
	LocalID   *string                 `json:"localId,omitempty"`
	CreatedAt int64                   `json:"createdAt"`
}

func newMessageView(m *db.SessionMessage) messageView {
	return messageView{
		ID:        m.ID.String(),
		Seq:       m.Seq,
		Content:   events.WrapEncrypted(m.Content),
		LocalID:   m.LocalID,
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
}

// machineView is the wire shape of a machine.
type machineView struct {
	ID                 string  `json:"id"`
	Metadata           string  `json:"metadata"`
	MetadataVersion    int     `json:"metadataVersion"`
	DaemonState        *string `json:"daemonState"`
	DaemonStateVersion int     `json:"daemonStateVersion"`
	DataEncryptionKey  *string `json:"dataEncryptionKey"`
	Active             bool    `json:"active"`
	ActiveAt           int64   `json:"activeAt"`
	CreatedAt          int64   `json:"createdAt"`
	UpdatedAt          int64   `json:"updatedAt"`
}

func newMachineView(m *db.Machine) machineView {
	return machineView{
		ID:                 m.ID,
		Metadata:           m.Metadata,
		MetadataVersion:    m.MetadataVersion,
		DaemonState:        m.DaemonState,
		DaemonStateVersion: m.DaemonStateVersion,
		DataEncryptionKey:  encodeKey(m.DataEncryptionKey),
		Active:             m.Active,
		ActiveAt:           m.LastActiveAt.UnixMilli(),
		CreatedAt:          m.CreatedAt.UnixMilli(),
		UpdatedAt:          m.UpdatedAt.UnixMilli(),
	}
}

// encodeKey base64-encodes a wrapped data encryption key, preserving nil.
func encodeKey(key []byte) *string {
	if key == nil {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	return &encoded
}
