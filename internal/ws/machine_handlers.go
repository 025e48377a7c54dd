package ws

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/consortium-dev/consortium/internal/events"
	"github.com/consortium-dev/consortium/internal/repository"
)

type machineAliveParams struct {
	MachineID string `json:"machineId"`
	Time      int64  `json:"time"`
}

// handleMachineAlive records a machine heartbeat and broadcasts the
// presence signal to user-scoped connections.
func (h *Handler) handleMachineAlive(ctx context.Context, c *client, frame inboundFrame) {
	var p machineAliveParams
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.MachineID == "" {
		return
	}
	activeAt, ok := clampHeartbeat(p.Time, time.Now())
	if !ok {
		return
	}
	if _, err := h.machines.GetByID(ctx, c.accountID, p.MachineID); err != nil {
		return
	}

	if err := h.machines.SetActivity(ctx, c.accountID, p.MachineID, true, activeAt); err != nil {
		h.logger.Error("failed to record machine heartbeat",
			zap.String("machine_id", p.MachineID), zap.Error(err))
		return
	}
	h.emitter.EmitEphemeral(c.route.AccountID,
		events.MachineActivity(p.MachineID, true, activeAt),
		events.UserScopedOnly())
}

type machineUpdateMetadataParams struct {
	MachineID       string `json:"machineId"`
	Metadata        string `json:"metadata"`
	ExpectedVersion int    `json:"expectedVersion"`
}

// handleMachineUpdateMetadata runs the version-checked machine metadata
// update. Accepted values fan out to the machine's own connections plus
// the dashboard.
func (h *Handler) handleMachineUpdateMetadata(ctx context.Context, c *client, frame inboundFrame) {
	var p machineUpdateMetadataParams
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.MachineID == "" || p.Metadata == "" {
		c.reply(frame, genericError)
		return
	}

	res, err := h.machines.UpdateMetadata(ctx, c.accountID, p.MachineID, p.ExpectedVersion, p.Metadata)
	if err != nil {
		h.logger.Error("machine metadata update failed",
			zap.String("machine_id", p.MachineID), zap.Error(err))
		c.reply(frame, genericError)
		return
	}

	if res.Status == repository.UpdateApplied {
		h.emitter.EmitUpdate(ctx, c.accountID,
			events.UpdateMachineMetadata(p.MachineID, res.Version, res.Value),
			events.MachineScopedOnly(p.MachineID),
			nil,
		)
	}
	c.reply(frame, versionedAck(res, "metadata"))
}

type machineUpdateStateParams struct {
	MachineID       string  `json:"machineId"`
	DaemonState     *string `json:"daemonState"`
	ExpectedVersion int     `json:"expectedVersion"`
}

// handleMachineUpdateState is the daemon-state counterpart of
// handleMachineUpdateMetadata.
func (h *Handler) handleMachineUpdateState(ctx context.Context, c *client, frame inboundFrame) {
	var p machineUpdateStateParams
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.MachineID == "" {
		c.reply(frame, genericError)
		return
	}

	res, err := h.machines.UpdateDaemonState(ctx, c.accountID, p.MachineID, p.ExpectedVersion, p.DaemonState)
	if err != nil {
		h.logger.Error("daemon state update failed",
			zap.String("machine_id", p.MachineID), zap.Error(err))
		c.reply(frame, genericError)
		return
	}

	if res.Status == repository.UpdateApplied {
		h.emitter.EmitUpdate(ctx, c.accountID,
			events.UpdateMachineDaemonState(p.MachineID, res.Version, res.Value),
			events.MachineScopedOnly(p.MachineID),
			nil,
		)
	}
	c.reply(frame, versionedAck(res, "daemonState"))
}
