package events

import (
	"crypto/rand"
)

// updateKeyAlphabet and updateKeyLength define the short random key
// stamped on every update envelope. Clients use it for idempotent event
// application; it is not a database identifier.
const (
	updateKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	updateKeyLength   = 12
)

// UpdateEnvelope is the wire shape of every persistent update event.
// Seq is the account-level sequence allocated at emission time.
type UpdateEnvelope struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Body      any    `json:"body"`
	CreatedAt int64  `json:"createdAt"` // unix milliseconds
}

// NewUpdateEnvelope wraps a body with a fresh random key.
func NewUpdateEnvelope(seq int64, body any, createdAt int64) UpdateEnvelope {
	return UpdateEnvelope{
		ID:        randomKey(updateKeyLength),
		Seq:       seq,
		Body:      body,
		CreatedAt: createdAt,
	}
}

// VersionedValue carries one accepted (or winning) value of a versioned
// opaque field.
type VersionedValue struct {
	Version int     `json:"version"`
	Value   *string `json:"value"`
}

// EncryptedContent is the wrapped shape of message ciphertext on the wire.
type EncryptedContent struct {
	T string `json:"t"` // always "encrypted"
	C string `json:"c"` // base64 ciphertext
}

// WrapEncrypted wraps raw base64 ciphertext in the canonical envelope.
func WrapEncrypted(ciphertext string) EncryptedContent {
	return EncryptedContent{T: "encrypted", C: ciphertext}
}

// MessagePayload is the message portion of a new-message update.
type MessagePayload struct {
	ID      string           `json:"id"`
	Seq     int64            `json:"seq"`
	Content EncryptedContent `json:"content"`
	LocalID *string          `json:"localId,omitempty"`
}

// Update body kinds. The "t" discriminator routes the payload client-side.

// NewSessionBody announces a freshly created session.
type NewSessionBody struct {
	T       string `json:"t"`
	SID     string `json:"sid"`
	Session any    `json:"session"`
}

// NewSession builds a new-session body.
func NewSession(sid string, session any) NewSessionBody {
	return NewSessionBody{T: "new-session", SID: sid, Session: session}
}

// UpdateSessionBody carries an accepted session metadata or agent-state
// update. Exactly one of Metadata and AgentState is set.
type UpdateSessionBody struct {
	T          string          `json:"t"`
	SID        string          `json:"sid"`
	Metadata   *VersionedValue `json:"metadata,omitempty"`
	AgentState *VersionedValue `json:"agentState,omitempty"`
}

// UpdateSessionMetadata builds an update-session body for metadata.
func UpdateSessionMetadata(sid string, version int, value *string) UpdateSessionBody {
	return UpdateSessionBody{T: "update-session", SID: sid, Metadata: &VersionedValue{Version: version, Value: value}}
}

// UpdateSessionAgentState builds an update-session body for agent state.
func UpdateSessionAgentState(sid string, version int, value *string) UpdateSessionBody {
	return UpdateSessionBody{T: "update-session", SID: sid, AgentState: &VersionedValue{Version: version, Value: value}}
}

// DeleteSessionBody announces a session removal.
type DeleteSessionBody struct {
	T   string `json:"t"`
	SID string `json:"sid"`
}

// DeleteSession builds a delete-session body.
func DeleteSession(sid string) DeleteSessionBody {
	return DeleteSessionBody{T: "delete-session", SID: sid}
}

// NewMessageBody announces a persisted session message.
type NewMessageBody struct {
	T       string         `json:"t"`
	SID     string         `json:"sid"`
	Message MessagePayload `json:"message"`
}

// NewMessage builds a new-message body.
func NewMessage(sid string, message MessagePayload) NewMessageBody {
	return NewMessageBody{T: "new-message", SID: sid, Message: message}
}

// NewMachineBody announces a freshly registered machine.
type NewMachineBody struct {
	T         string `json:"t"`
	MachineID string `json:"machineId"`
	Machine   any    `json:"machine"`
}

// NewMachine builds a new-machine body.
func NewMachine(machineID string, machine any) NewMachineBody {
	return NewMachineBody{T: "new-machine", MachineID: machineID, Machine: machine}
}

// UpdateMachineBody carries an accepted machine metadata or daemon-state
// update. Exactly one of Metadata and DaemonState is set.
type UpdateMachineBody struct {
	T           string          `json:"t"`
	MachineID   string          `json:"machineId"`
	Metadata    *VersionedValue `json:"metadata,omitempty"`
	DaemonState *VersionedValue `json:"daemonState,omitempty"`
}

// UpdateMachineMetadata builds an update-machine body for metadata.
func UpdateMachineMetadata(machineID string, version int, value *string) UpdateMachineBody {
	return UpdateMachineBody{T: "update-machine", MachineID: machineID, Metadata: &VersionedValue{Version: version, Value: value}}
}

// UpdateMachineDaemonState builds an update-machine body for daemon state.
func UpdateMachineDaemonState(machineID string, version int, value *string) UpdateMachineBody {
	return UpdateMachineBody{T: "update-machine", MachineID: machineID, DaemonState: &VersionedValue{Version: version, Value: value}}
}

// ActivityEphemeral is the transient presence signal for a session.
// Ephemerals carry no sequence number and are advisory only.
type ActivityEphemeral struct {
	Type     string `json:"type"` // "activity"
	ID       string `json:"id"`
	Active   bool   `json:"active"`
	ActiveAt int64  `json:"activeAt"` // unix milliseconds
	Thinking bool   `json:"thinking"`
}

// SessionActivity builds an activity ephemeral.
func SessionActivity(sid string, active bool, activeAt int64, thinking bool) ActivityEphemeral {
	return ActivityEphemeral{Type: "activity", ID: sid, Active: active, ActiveAt: activeAt, Thinking: thinking}
}

// MachineActivityEphemeral is the transient presence signal for a machine.
type MachineActivityEphemeral struct {
	Type     string `json:"type"` // "machine-activity"
	ID       string `json:"id"`
	Active   bool   `json:"active"`
	ActiveAt int64  `json:"activeAt"`
}

// MachineActivity builds a machine-activity ephemeral.
func MachineActivity(machineID string, active bool, activeAt int64) MachineActivityEphemeral {
	return MachineActivityEphemeral{Type: "machine-activity", ID: machineID, Active: active, ActiveAt: activeAt}
}

// randomKey returns an n-character random key from the update alphabet.
func randomKey(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; a broken
		// entropy source is unrecoverable.
		panic(err)
	}
	for i, b := range buf {
		buf[i] = updateKeyAlphabet[int(b)%len(updateKeyAlphabet)]
	}
	return string(buf)
}
