package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/consortium-dev/consortium/internal/db"
	"github.com/consortium-dev/consortium/internal/events"
	"github.com/consortium-dev/consortium/internal/repository"
)

type createMachineRequest struct {
	ID                string  `json:"id"`
	Metadata          string  `json:"metadata"`
	DaemonState       *string `json:"daemonState"`
	DataEncryptionKey *string `json:"dataEncryptionKey"` // base64
}

// handleCreateMachine registers a machine or returns the existing row for
// the same id. On creation, user-scoped connections get a new-machine
// update and the machine's own connections get the initial metadata via
// an update-machine so a freshly registered daemon sees its own state.
func (s *Server) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	if err := decodeBody(r, &req); err != nil || req.ID == "" || req.Metadata == "" {
		badRequest(w, "Invalid request body")
		return
	}

	dek, err := decodeKey(req.DataEncryptionKey)
	if err != nil {
		badRequest(w, "Invalid data encryption key")
		return
	}

	accountID := AccountID(r.Context())
	daemonStateVersion := 0
	if req.DaemonState != nil {
		daemonStateVersion = 1
	}

	machine, created, err := s.machines.CreateIfAbsent(r.Context(), &db.Machine{
		AccountID:          accountID,
		ID:                 req.ID,
		Metadata:           req.Metadata,
		MetadataVersion:    1,
		DaemonState:        req.DaemonState,
		DaemonStateVersion: daemonStateVersion,
		DataEncryptionKey:  dek,
		LastActiveAt:       time.Now(),
	})
	if err != nil {
		s.logger.Error("machine registration failed", zap.Error(err))
		internalError(w)
		return
	}

	view := newMachineView(machine)
	if created {
		s.emitter.EmitUpdate(r.Context(), accountID,
			events.NewMachine(machine.ID, view),
			events.UserScopedOnly(),
			nil,
		)
		s.emitter.EmitUpdate(r.Context(), accountID,
			events.UpdateMachineMetadata(machine.ID, machine.MetadataVersion, &machine.Metadata),
			events.MachineScopedOnly(machine.ID),
			nil,
		)
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine": view})
}

// handleListMachines returns every machine of the account.
func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.machines.List(r.Context(), AccountID(r.Context()))
	if err != nil {
		s.logger.Error("machine listing failed", zap.Error(err))
		internalError(w)
		return
	}

	views := make([]machineView, 0, len(machines))
	for i := range machines {
		views = append(views, newMachineView(&machines[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": views})
}

// handleGetMachine returns one machine by id.
func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	machine, err := s.machines.GetByID(r.Context(), AccountID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			notFound(w)
			return
		}
		s.logger.Error("machine lookup failed", zap.Error(err))
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine": newMachineView(machine)})
}

// decodeKey base64-decodes an optional wrapped data encryption key.
func decodeKey(encoded *string) ([]byte, error) {
	if encoded == nil {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(*encoded)
}
