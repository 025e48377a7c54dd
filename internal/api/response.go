// Package api implements the relay's HTTP surface: authentication and
// pairing, session and machine CRUD, and the WebSocket upgrade route. All
// payloads the server stores or returns are opaque ciphertext; handlers
// validate shape and ownership, never content.
package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// writeJSON serializes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing to recover here.
		zap.L().Debug("api: response encoding failed", zap.Error(err))
	}
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Error string `json:"error"`
}

// badRequest reports a malformed or invalid request body.
func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message})
}

// unauthorized reports a failed authentication.
func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
}

// notFound reports a missing resource. Ownership failures use the same
// response so a caller cannot probe for other accounts' resource ids.
func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
}

// internalError reports an unexpected server failure without leaking
// details.
func internalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
}

// decodeBody parses the JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
