package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/consortium-dev/consortium/internal/db"
	"github.com/consortium-dev/consortium/internal/events"
	"github.com/consortium-dev/consortium/internal/repository"
)

// listLimit caps session and message listings.
const listLimit = 150

// handleListSessions returns the account's most recently updated sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListRecent(r.Context(), AccountID(r.Context()), listLimit)
	if err != nil {
		s.logger.Error("session listing failed", zap.Error(err))
		internalError(w)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, newSessionView(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

type createSessionRequest struct {
	Tag               string  `json:"tag"`
	Metadata          string  `json:"metadata"`
	AgentState        *string `json:"agentState"`
	DataEncryptionKey *string `json:"dataEncryptionKey"` // base64
}

// handleCreateSession creates a session or returns the existing one for
// the same tag. The new-session update goes to user-scoped connections
// only, and only on actual creation.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil || req.Tag == "" || req.Metadata == "" {
		badRequest(w, "Invalid request body")
		return
	}

	dek, err := decodeKey(req.DataEncryptionKey)
	if err != nil {
		badRequest(w, "Invalid data encryption key")
		return
	}

	accountID := AccountID(r.Context())
	agentStateVersion := 0
	if req.AgentState != nil {
		agentStateVersion = 1
	}

	session, created, err := s.sessions.CreateIfAbsent(r.Context(), &db.Session{
		AccountID:         accountID,
		Tag:               req.Tag,
		Metadata:          req.Metadata,
		MetadataVersion:   1,
		AgentState:        req.AgentState,
		AgentStateVersion: agentStateVersion,
		DataEncryptionKey: dek,
		LastActiveAt:      time.Now(),
	})
	if err != nil {
		s.logger.Error("session creation failed", zap.Error(err))
		internalError(w)
		return
	}

	view := newSessionView(session)
	if created {
		s.emitter.EmitUpdate(r.Context(), accountID,
			events.NewSession(session.ID.String(), view),
			events.UserScopedOnly(),
			nil,
		)
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

// handleListMessages returns the newest messages of an owned session.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sid, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		notFound(w)
		return
	}
	accountID := AccountID(r.Context())

	if _, err := s.sessions.GetByID(r.Context(), accountID, sid); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			notFound(w)
			return
		}
		s.logger.Error("session lookup failed", zap.Error(err))
		internalError(w)
		return
	}

	messages, err := s.sessions.ListMessages(r.Context(), sid, listLimit)
	if err != nil {
		s.logger.Error("message listing failed", zap.Error(err))
		internalError(w)
		return
	}

	views := make([]messageView, 0, len(messages))
	for i := range messages {
		views = append(views, newMessageView(&messages[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views})
}

// handleDeleteSession removes a session with all its messages, then
// announces the removal to user-scoped connections.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sid, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		notFound(w)
		return
	}
	accountID := AccountID(r.Context())

	if err := s.sessions.Delete(r.Context(), accountID, sid); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			notFound(w)
			return
		}
		s.logger.Error("session deletion failed", zap.Error(err))
		internalError(w)
		return
	}

	s.emitter.EmitUpdate(r.Context(), accountID,
		events.DeleteSession(sid.String()),
		events.UserScopedOnly(),
		nil,
	)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
