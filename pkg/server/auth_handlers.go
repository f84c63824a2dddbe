// Copyright 2025 Certen Protocol

package server

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aidchain/orchestrator/pkg/auth"
)

// loginBody is POST /api/auth/login's body (spec.md §6).
type loginBody struct {
	Address   string `json:"address"`
	Signature string `json:"signature"` // hex-encoded, 65 bytes
	Message   string `json:"message"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	sig, err := hex.DecodeString(trimHexPrefix(body.Signature))
	if err != nil {
		s.writeJSONError(w, http.StatusUnauthorized, "signature must be hex-encoded", err)
		return
	}
	if err := auth.VerifyLoginSignature(body.Address, body.Message, sig); err != nil {
		s.writeJSONError(w, http.StatusUnauthorized, "signature does not match claimed address", err)
		return
	}

	verified, err := s.ledger.IsIdentityVerified(r.Context(), body.Address)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "identity verification check failed", err)
		return
	}

	token, expiresAt, err := s.issuer.Issue(body.Address, verified, "")
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "failed to issue token", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"address":    body.Address,
		"verified":   verified,
		"expires_in": int64(time.Until(expiresAt).Seconds()),
	})
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
