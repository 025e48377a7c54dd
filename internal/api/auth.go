package api

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"

	"go.uber.org/zap"

	"github.com/consortium-dev/consortium/internal/auth"
)

type authRequest struct {
	PublicKey string `json:"publicKey"` // base64
	Challenge string `json:"challenge"` // base64
	Signature string `json:"signature"` // base64
}

type authResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

// handleAuth establishes identity from an Ed25519 challenge signature.
// The account is created implicitly on first authentication.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	publicKey, err1 := base64.StdEncoding.DecodeString(req.PublicKey)
	challenge, err2 := base64.StdEncoding.DecodeString(req.Challenge)
	signature, err3 := base64.StdEncoding.DecodeString(req.Signature)
	if err1 != nil || err2 != nil || err3 != nil {
		badRequest(w, "Invalid encoding")
		return
	}

	if err := auth.VerifyChallenge(publicKey, challenge, signature); err != nil {
		unauthorized(w)
		return
	}

	account, err := s.accounts.UpsertByPublicKey(r.Context(), auth.PublicKeyID(publicKey))
	if err != nil {
		s.logger.Error("account upsert failed", zap.Error(err))
		internalError(w)
		return
	}

	token, err := s.tokens.CreateToken(account.ID.String(), nil)
	if err != nil {
		s.logger.Error("token issuance failed", zap.Error(err))
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Success: true, Token: token})
}

type pairingPollRequest struct {
	PublicKey string `json:"publicKey"` // base64, ephemeral key, 32 bytes
}

type pairingPollResponse struct {
	State    string `json:"state"` // "requested" or "authorized"
	Token    string `json:"token,omitempty"`
	Response string `json:"response,omitempty"`
}

// handlePairingRequest is the unauthenticated polling side of the pairing
// flow. The new device posts its ephemeral public key until an already
// authenticated device approves it with a wrapped response.
func (s *Server) handlePairingRequest(w http.ResponseWriter, r *http.Request) {
	var req pairingPollRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	publicKey, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		badRequest(w, "Invalid public key")
		return
	}

	request, err := s.pairing.UpsertRequest(r.Context(), auth.PublicKeyID(publicKey))
	if err != nil {
		s.logger.Error("pairing request upsert failed", zap.Error(err))
		internalError(w)
		return
	}

	if request.Response == nil || request.ResponseAccountID == nil {
		writeJSON(w, http.StatusOK, pairingPollResponse{State: "requested"})
		return
	}

	// Approved: mint a fresh token for the approving account so the new
	// device comes up fully authenticated.
	token, err := s.tokens.CreateToken(request.ResponseAccountID.String(),
		map[string]any{"pairing": true})
	if err != nil {
		s.logger.Error("pairing token issuance failed", zap.Error(err))
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, pairingPollResponse{
		State:    "authorized",
		Token:    token,
		Response: *request.Response,
	})
}

type pairingApproveRequest struct {
	PublicKey string `json:"publicKey"` // base64
	Response  string `json:"response"`  // wrapped secret, opaque
}

// handlePairingResponse is the authenticated approval side. The first
// approval wins; repeats are silent no-ops.
func (s *Server) handlePairingResponse(w http.ResponseWriter, r *http.Request) {
	var req pairingApproveRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	publicKey, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(publicKey) != ed25519.PublicKeySize || req.Response == "" {
		badRequest(w, "Invalid request")
		return
	}

	if _, err := s.pairing.Respond(r.Context(), auth.PublicKeyID(publicKey), req.Response, AccountID(r.Context())); err != nil {
		s.logger.Error("pairing response failed", zap.Error(err))
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
