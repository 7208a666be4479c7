package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/better-wallet/session-wallet/internal/app"
	"github.com/better-wallet/session-wallet/internal/logger"
	"github.com/better-wallet/session-wallet/internal/middleware"
	"github.com/better-wallet/session-wallet/internal/registry"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
)

// SessionResponse is returned when a session is unlocked.
type SessionResponse struct {
	Token     string                   `json:"token"`
	ExpiresAt time.Time                `json:"expiresAt"`
	Owner     string                   `json:"owner"`
	Networks  []registry.NetworkStatus `json:"networks"`
}

// CreateAccountRequest is the body of POST /v1/account.
type CreateAccountRequest struct {
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	ReplaceExisting bool   `json:"replaceExisting"`
	// CurrentPassword authorizes ReplaceExisting when the request carries no
	// session token.
	CurrentPassword string `json:"currentPassword,omitempty"`
}

// LoginRequest is the body of POST /v1/session/login.
type LoginRequest struct {
	Password string `json:"password"`
}

// InstallModuleRequest is the body of POST /v1/chains/{chainID}/modules.
type InstallModuleRequest struct {
	Address  string `json:"address"`
	InitData string `json:"initData"`
}

// SignMessageRequest is the body of POST /v1/chains/{chainID}/sign.
type SignMessageRequest struct {
	Module   string `json:"module,omitempty"`
	Message  string `json:"message"`
	Encoding string `json:"encoding,omitempty"`
}

// VerifyMessageRequest is the body of POST /v1/chains/{chainID}/verify.
type VerifyMessageRequest struct {
	Message   string `json:"message"`
	Encoding  string `json:"encoding,omitempty"`
	Signature string `json:"signature"`
}

// TransferRequest is the body of POST /v1/chains/{chainID}/transfers.
type TransferRequest struct {
	Module   string `json:"module,omitempty"`
	Token    string `json:"token"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
}

// DeployRequest is the body of POST /v1/deployments.
type DeployRequest struct {
	ChainIDs []int64 `json:"chainIds"`
}

// ExportBackupRequest is the body of POST /v1/backup/export.
type ExportBackupRequest struct {
	Password           string `json:"password"`
	Threshold          int    `json:"threshold"`
	TotalShares        int    `json:"totalShares"`
	RecipientPublicKey string `json:"recipientPublicKey,omitempty"`
}

// RestoreBackupRequest is the body of POST /v1/backup/restore.
type RestoreBackupRequest struct {
	Shares              []app.BackupShare `json:"shares"`
	RecipientPrivateKey string            `json:"recipientPrivateKey,omitempty"`
	Address             string            `json:"address"`
	Password            string            `json:"password"`
	ConfirmPassword     string            `json:"confirmPassword"`
	ReplaceExisting     bool              `json:"replaceExisting"`
	CurrentPassword     string            `json:"currentPassword,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.wallet.Status(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !s.decode(w, r, &req) {
		return
	}
	networks, err := s.wallet.CreateAccount(r.Context(), &app.CreateAccountRequest{
		Password:          req.Password,
		ConfirmPassword:   req.ConfirmPassword,
		ReplaceExisting:   req.ReplaceExisting,
		CurrentPassword:   req.CurrentPassword,
		ReplaceAuthorized: req.ReplaceExisting && s.hasSessionToken(r),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeSession(w, r, http.StatusCreated, networks)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !s.decode(w, r, &req) {
		return
	}
	networks, err := s.wallet.Login(r.Context(), req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeSession(w, r, http.StatusOK, networks)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.wallet.Logout()
	w.WriteHeader(http.StatusNoContent)
}

// writeSession issues a bearer token for the session just unlocked.
func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, status int, networks []registry.NetworkStatus) {
	owner, err := s.wallet.Owner()
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	token, expires, err := s.tokens.Issue(owner.Hex())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, status, SessionResponse{
		Token:     token,
		ExpiresAt: expires,
		Owner:     owner.Hex(),
		Networks:  networks,
	})
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	chainID, ok := s.chainID(w, r)
	if !ok {
		return
	}
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	list, err := s.wallet.Modules(r.Context(), chainID, refresh)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"chainId": chainID, "modules": list})
}

func (s *Server) handleInstallModule(w http.ResponseWriter, r *http.Request) {
	chainID, ok := s.chainID(w, r)
	if !ok {
		return
	}
	var req InstallModuleRequest
	if !s.decode(w, r, &req) {
		return
	}
	receipt, err := s.wallet.InstallModule(r.Context(), &app.InstallModuleRequest{
		ChainID:  chainID,
		Address:  req.Address,
		InitData: req.InitData,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleUninstallModule(w http.ResponseWriter, r *http.Request) {
	chainID, ok := s.chainID(w, r)
	if !ok {
		return
	}
	receipt, err := s.wallet.UninstallModule(r.Context(), chainID, r.PathValue("address"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleRegisterPasskey(w http.ResponseWriter, r *http.Request) {
	chainID, ok := s.chainID(w, r)
	if !ok {
		return
	}
	reg, err := s.wallet.RegisterPasskey(r.Context(), chainID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleEnableSessions(w http.ResponseWriter, r *http.Request) {
	chainID, ok := s.chainID(w, r)
	if !ok {
		return
	}
	enabled, err := s.wallet.EnableSessions(r.Context(), chainID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, enabled)
}

func (s *Server) handleSignMessage(w http.ResponseWriter, r *http.Request) {
	chainID, ok := s.chainID(w, r)
	if !ok {
		return
	}
	var req SignMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	signed, err := s.wallet.SignMessage(r.Context(), &app.SignMessageRequest{
		ChainID:  chainID,
		Module:   req.Module,
		Message:  req.Message,
		Encoding: req.Encoding,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, signed)
}

func (s *Server) handleVerifyMessage(w http.ResponseWriter, r *http.Request) {
	chainID, ok := s.chainID(w, r)
	if !ok {
		return
	}
	var req VerifyMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	valid, err := s.wallet.VerifyMessage(r.Context(), &app.VerifyMessageRequest{
		ChainID:   chainID,
		Message:   req.Message,
		Encoding:  req.Encoding,
		Signature: req.Signature,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	chainID, ok := s.chainID(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if !s.decode(w, r, &req) {
		return
	}
	receipt, err := s.wallet.Transfer(r.Context(), &app.TransferRequest{
		ChainID:  chainID,
		Module:   req.Module,
		Token:    req.Token,
		To:       req.To,
		Amount:   req.Amount,
		Decimals: req.Decimals,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	statuses, err := s.wallet.Deployments(r.Context(), refresh)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deployments": statuses})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if !s.decode(w, r, &req) {
		return
	}
	statuses, err := s.wallet.Deploy(r.Context(), req.ChainIDs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deployments": statuses})
}

func (s *Server) handleExportBackup(w http.ResponseWriter, r *http.Request) {
	var req ExportBackupRequest
	if !s.decode(w, r, &req) {
		return
	}
	backup, err := s.wallet.ExportBackup(r.Context(), &app.ExportBackupRequest{
		Password:           req.Password,
		Threshold:          req.Threshold,
		TotalShares:        req.TotalShares,
		RecipientPublicKey: req.RecipientPublicKey,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, http.StatusOK, backup)
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req RestoreBackupRequest
	if !s.decode(w, r, &req) {
		return
	}
	networks, err := s.wallet.RestoreBackup(r.Context(), &app.RestoreBackupRequest{
		Shares:              req.Shares,
		RecipientPrivateKey: req.RecipientPrivateKey,
		Address:             req.Address,
		Password:            req.Password,
		ConfirmPassword:     req.ConfirmPassword,
		ReplaceExisting:     req.ReplaceExisting,
		CurrentPassword:     req.CurrentPassword,
		ReplaceAuthorized:   req.ReplaceExisting && s.hasSessionToken(r),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeSession(w, r, http.StatusCreated, networks)
}

// hasSessionToken reports whether r carries a bearer token for the current
// session. Routes open to locked wallets use it to recognise the owner.
func (s *Server) hasSessionToken(r *http.Request) bool {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	_, err := s.tokens.Verify(strings.TrimSpace(token))
	return err == nil
}

// chainID parses the {chainID} path segment.
func (s *Server) chainID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("chainID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, apperrors.WithDetail(apperrors.ErrBadRequest, fmt.Sprintf("invalid chain ID %q", raw)))
		return 0, false
	}
	return id, true
}

// decode reads a JSON body, rejecting unknown fields.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	// a browser can only send a cross-site body without preflight as
	// text/plain, form or multipart
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		s.writeError(w, apperrors.ErrUnsupportedMediaType)
		return false
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Request body too large",
				fmt.Sprintf("limit is %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge))
			return false
		}
		s.writeError(w, apperrors.Wrap(apperrors.ErrBadRequest, err))
		return false
	}
	return true
}

// writeServiceError maps an application error onto a response. Errors
// without a code are logged and hidden behind internal_error.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if appErr, ok := apperrors.IsAppError(err); ok {
		if appErr.StatusCode >= http.StatusInternalServerError {
			logger.Error(r.Context(), "request failed", "error", err)
		}
		s.writeError(w, appErr)
		return
	}
	logger.Error(r.Context(), "unexpected error", "error", err)
	s.writeError(w, apperrors.ErrInternalError)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, err *apperrors.AppError) {
	middleware.WriteError(w, err)
}
