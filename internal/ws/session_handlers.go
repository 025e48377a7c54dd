package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/consortium-dev/consortium/internal/events"
	"github.com/consortium-dev/consortium/internal/repository"
)

// heartbeatWindow bounds how far in the past a heartbeat timestamp may
// lie. Future timestamps are clamped to now; older ones are dropped.
const heartbeatWindow = 10 * time.Minute

type messageParams struct {
	SID     string  `json:"sid"`
	Message string  `json:"message"` // base64 ciphertext, never inspected
	LocalID *string `json:"localId"`
}

// handleMessage persists one ciphertext message and fans it out to every
// connection interested in the session, excluding the sender.
func (h *Handler) handleMessage(ctx context.Context, c *client, frame inboundFrame) {
	var p messageParams
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Message == "" {
		c.reply(frame, genericError)
		return
	}
	sid, err := uuid.Parse(p.SID)
	if err != nil {
		c.reply(frame, genericError)
		return
	}
	if _, err := h.sessions.GetByID(ctx, c.accountID, sid); err != nil {
		c.reply(frame, genericError)
		return
	}

	msg, duplicate, err := h.sessions.AppendMessage(ctx, sid, p.Message, p.LocalID)
	if err != nil {
		h.logger.Error("failed to append message",
			zap.String("session_id", p.SID), zap.Error(err))
		c.reply(frame, genericError)
		return
	}
	if duplicate {
		// Redelivery of a frame the relay already holds. Ack without
		// emitting so retries stay invisible to other clients.
		c.reply(frame, map[string]string{"result": "success"})
		return
	}

	h.emitter.EmitUpdate(ctx, c.accountID,
		events.NewMessage(p.SID, events.MessagePayload{
			ID:      msg.ID.String(),
			Seq:     msg.Seq,
			Content: events.WrapEncrypted(msg.Content),
			LocalID: msg.LocalID,
		}),
		events.AllInterestedInSession(p.SID),
		c.route,
	)
	c.reply(frame, map[string]string{"result": "success"})
}

type sessionAliveParams struct {
	SID      string `json:"sid"`
	Time     int64  `json:"time"` // unix milliseconds
	Thinking bool   `json:"thinking"`
}

// handleSessionAlive records a session heartbeat and broadcasts the
// presence signal to user-scoped connections.
func (h *Handler) handleSessionAlive(ctx context.Context, c *client, frame inboundFrame) {
	var p sessionAliveParams
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return
	}
	activeAt, ok := clampHeartbeat(p.Time, time.Now())
	if !ok {
		return
	}
	sid, err := uuid.Parse(p.SID)
	if err != nil {
		return
	}
	if _, err := h.sessions.GetByID(ctx, c.accountID, sid); err != nil {
		return
	}

	if err := h.sessions.SetActivity(ctx, c.accountID, sid, true, activeAt); err != nil {
		h.logger.Error("failed to record session heartbeat",
			zap.String("session_id", p.SID), zap.Error(err))
		return
	}
	h.emitter.EmitEphemeral(c.route.AccountID,
		events.SessionActivity(p.SID, true, activeAt, p.Thinking),
		events.UserScopedOnly())
}

// handleSessionEnd marks the session inactive and broadcasts the
// presence signal.
func (h *Handler) handleSessionEnd(ctx context.Context, c *client, frame inboundFrame) {
	var p sessionAliveParams
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return
	}
	activeAt, ok := clampHeartbeat(p.Time, time.Now())
	if !ok {
		return
	}
	sid, err := uuid.Parse(p.SID)
	if err != nil {
		return
	}
	if _, err := h.sessions.GetByID(ctx, c.accountID, sid); err != nil {
		return
	}

	if err := h.sessions.SetActivity(ctx, c.accountID, sid, false, activeAt); err != nil {
		h.logger.Error("failed to record session end",
			zap.String("session_id", p.SID), zap.Error(err))
		return
	}
	h.emitter.EmitEphemeral(c.route.AccountID,
		events.SessionActivity(p.SID, false, activeAt, false),
		events.UserScopedOnly())
}

type updateMetadataParams struct {
	SID             string `json:"sid"`
	Metadata        string `json:"metadata"`
	ExpectedVersion int    `json:"expectedVersion"`
}

// handleUpdateMetadata runs the version-checked metadata update and acks
// with the outcome. On success the accepted value is fanned out to every
// connection interested in the session.
func (h *Handler) handleUpdateMetadata(ctx context.Context, c *client, frame inboundFrame) {
	var p updateMetadataParams
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Metadata == "" {
		c.reply(frame, genericError)
		return
	}
	sid, err := uuid.Parse(p.SID)
	if err != nil {
		c.reply(frame, genericError)
		return
	}

	res, err := h.sessions.UpdateMetadata(ctx, c.accountID, sid, p.ExpectedVersion, p.Metadata)
	if err != nil {
		h.logger.Error("metadata update failed",
			zap.String("session_id", p.SID), zap.Error(err))
		c.reply(frame, genericError)
		return
	}

	if res.Status == repository.UpdateApplied {
		h.emitter.EmitUpdate(ctx, c.accountID,
			events.UpdateSessionMetadata(p.SID, res.Version, res.Value),
			events.AllInterestedInSession(p.SID),
			nil,
		)
	}
	c.reply(frame, versionedAck(res, "metadata"))
}

type updateStateParams struct {
	SID             string  `json:"sid"`
	AgentState      *string `json:"agentState"`
	ExpectedVersion int     `json:"expectedVersion"`
}

// handleUpdateState is the agent-state counterpart of handleUpdateMetadata.
func (h *Handler) handleUpdateState(ctx context.Context, c *client, frame inboundFrame) {
	var p updateStateParams
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.reply(frame, genericError)
		return
	}
	sid, err := uuid.Parse(p.SID)
	if err != nil {
		c.reply(frame, genericError)
		return
	}

	res, err := h.sessions.UpdateAgentState(ctx, c.accountID, sid, p.ExpectedVersion, p.AgentState)
	if err != nil {
		h.logger.Error("agent state update failed",
			zap.String("session_id", p.SID), zap.Error(err))
		c.reply(frame, genericError)
		return
	}

	if res.Status == repository.UpdateApplied {
		h.emitter.EmitUpdate(ctx, c.accountID,
			events.UpdateSessionAgentState(p.SID, res.Version, res.Value),
			events.AllInterestedInSession(p.SID),
			nil,
		)
	}
	c.reply(frame, versionedAck(res, "agentState"))
}

// versionedAck builds the callback payload of an optimistic update.
// field names the value slot the client expects (metadata, agentState,
// daemonState).
func versionedAck(res repository.UpdateResult, field string) map[string]any {
	switch res.Status {
	case repository.UpdateApplied, repository.UpdateVersionMismatch:
		return map[string]any{
			"result":  string(res.Status),
			"version": res.Version,
			field:     res.Value,
		}
	default:
		return map[string]any{"result": "error"}
	}
}

// clampHeartbeat validates a client heartbeat timestamp against now.
// Future timestamps collapse to now; timestamps older than the window
// report ok=false and must be ignored entirely.
func clampHeartbeat(t int64, now time.Time) (int64, bool) {
	nowMs := now.UnixMilli()
	if t > nowMs {
		return nowMs, true
	}
	if t < nowMs-heartbeatWindow.Milliseconds() {
		return 0, false
	}
	return t, true
}
