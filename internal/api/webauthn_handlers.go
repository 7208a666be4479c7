package api

import (
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/better-wallet/session-wallet/internal/passkey"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
)

//go:embed static/webauthn.html
var webauthnPage []byte

// CeremonyResult is posted by the browser page once navigator.credentials
// settles. Exactly one of Credential or Error is set.
type CeremonyResult struct {
	Credential json.RawMessage `json:"credential,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (s *Server) handleWebAuthnPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'unsafe-inline'; style-src 'unsafe-inline'")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(webauthnPage)
}

func (s *Server) handleListCeremonies(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, http.StatusOK, map[string]any{"ceremonies": s.bridge.Pending()})
}

func (s *Server) handleCompleteCeremony(w http.ResponseWriter, r *http.Request) {
	var req CeremonyResult
	if !s.decode(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	var err error
	switch {
	case req.Error != "":
		err = s.bridge.Cancel(id, req.Error)
	case len(req.Credential) > 0:
		err = s.bridge.Complete(id, req.Credential)
	default:
		s.writeError(w, apperrors.WithDetail(apperrors.ErrBadRequest, "credential or error is required"))
		return
	}

	if errors.Is(err, passkey.ErrUnknownCeremony) {
		s.writeError(w, apperrors.WithDetail(apperrors.ErrNotFound, err.Error()))
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
