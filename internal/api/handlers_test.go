package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/session-wallet/internal/app"
	"github.com/better-wallet/session-wallet/internal/config"
	"github.com/better-wallet/session-wallet/internal/metrics"
	"github.com/better-wallet/session-wallet/internal/passkey"
	"github.com/better-wallet/session-wallet/internal/registry"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
	"github.com/better-wallet/session-wallet/pkg/types"
)

var testOwner = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type mockWalletService struct {
	StatusFunc          func(ctx context.Context) (*app.Status, error)
	CreateAccountFunc   func(ctx context.Context, req *app.CreateAccountRequest) ([]registry.NetworkStatus, error)
	LoginFunc           func(ctx context.Context, password string) ([]registry.NetworkStatus, error)
	LogoutFunc          func()
	ModulesFunc         func(ctx context.Context, chainID int64, refresh bool) ([]types.AuthorizationModule, error)
	InstallModuleFunc   func(ctx context.Context, req *app.InstallModuleRequest) (*types.Receipt, error)
	UninstallModuleFunc func(ctx context.Context, chainID int64, address string) (*types.Receipt, error)
	RegisterPasskeyFunc func(ctx context.Context, chainID int64) (*app.PasskeyRegistration, error)
	EnableSessionsFunc  func(ctx context.Context, chainID int64) (*app.SessionEnablement, error)
	SignMessageFunc     func(ctx context.Context, req *app.SignMessageRequest) (*app.SignedMessage, error)
	VerifyMessageFunc   func(ctx context.Context, req *app.VerifyMessageRequest) (bool, error)
	TransferFunc        func(ctx context.Context, req *app.TransferRequest) (*types.Receipt, error)
	DeploymentsFunc     func(ctx context.Context, refresh bool) ([]types.DeploymentStatus, error)
	DeployFunc          func(ctx context.Context, chainIDs []int64) ([]types.DeploymentStatus, error)
	ExportBackupFunc    func(ctx context.Context, req *app.ExportBackupRequest) (*app.Backup, error)
	RestoreBackupFunc   func(ctx context.Context, req *app.RestoreBackupRequest) ([]registry.NetworkStatus, error)
}

var errNotMocked = errors.New("not mocked")

func (m *mockWalletService) Status(ctx context.Context) (*app.Status, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx)
	}
	return &app.Status{}, nil
}

func (m *mockWalletService) Owner() (common.Address, error) { return testOwner, nil }

func (m *mockWalletService) CreateAccount(ctx context.Context, req *app.CreateAccountRequest) ([]registry.NetworkStatus, error) {
	if m.CreateAccountFunc != nil {
		return m.CreateAccountFunc(ctx, req)
	}
	return nil, errNotMocked
}

func (m *mockWalletService) Login(ctx context.Context, password string) ([]registry.NetworkStatus, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, password)
	}
	return nil, errNotMocked
}

func (m *mockWalletService) Logout() {
	if m.LogoutFunc != nil {
		m.LogoutFunc()
	}
}

func (m *mockWalletService) Modules(ctx context.Context, chainID int64, refresh bool) ([]types.AuthorizationModule, error) {
	if m.ModulesFunc != nil {
		return m.ModulesFunc(ctx, chainID, refresh)
	}
	return nil, errNotMocked
}

func (m *mockWalletService) InstallModule(ctx context.Context, req *app.InstallModuleRequest) (*types.Receipt, error) {
	if m.InstallModuleFunc != nil {
		return m.InstallModuleFunc(ctx, req)
	}
	return nil, errNotMocked
}

func (m *mockWalletService) UninstallModule(ctx context.Context, chainID int64, address string) (*types.Receipt, error) {
	if m.UninstallModuleFunc != nil {
		return m.UninstallModuleFunc(ctx, chainID, address)
	}
	return nil, errNotMocked
}

func (m *mockWalletService) RegisterPasskey(ctx context.Context, chainID int64) (*app.PasskeyRegistration, error) {
	if m.RegisterPasskeyFunc != nil {
		return m.RegisterPasskeyFunc(ctx, chainID)
	}
	return nil, errNotMocked
}

func (m *mockWalletService) EnableSessions(ctx context.Context, chainID int64) (*app.SessionEnablement, error) {
	if m.EnableSessionsFunc != nil {
		return m.EnableSessionsFunc(ctx, chainID)
	}
	return nil, errNotMocked
}

func (m *mockWalletService) SignMessage(ctx context.Context, req *app.SignMessageRequest) (*app.SignedMessage, error) {
	if m.SignMessageFunc != nil {
		return m.SignMessageFunc(ctx, req)
	}
	return nil, errNotMocked
}

func (m *mockWalletService) VerifyMessage(ctx context.Context, req *app.VerifyMessageRequest) (bool, error) {
	if m.VerifyMessageFunc != nil {
		return m.VerifyMessageFunc(ctx, req)
	}
	return false, errNotMocked
}

func (m *mockWalletService) Transfer(ctx context.Context, req *app.TransferRequest) (*types.Receipt, error) {
	if m.TransferFunc != nil {
		return m.TransferFunc(ctx, req)
	}
	return nil, errNotMocked
}

func (m *mockWalletService) Deployments(ctx context.Context, refresh bool) ([]types.DeploymentStatus, error) {
	if m.DeploymentsFunc != nil {
		return m.DeploymentsFunc(ctx, refresh)
	}
	return nil, errNotMocked
}

func (m *mockWalletService) Deploy(ctx context.Context, chainIDs []int64) ([]types.DeploymentStatus, error) {
	if m.DeployFunc != nil {
		return m.DeployFunc(ctx, chainIDs)
	}
	return nil, errNotMocked
}

func (m *mockWalletService) ExportBackup(ctx context.Context, req *app.ExportBackupRequest) (*app.Backup, error) {
	if m.ExportBackupFunc != nil {
		return m.ExportBackupFunc(ctx, req)
	}
	return nil, errNotMocked
}

func (m *mockWalletService) RestoreBackup(ctx context.Context, req *app.RestoreBackupRequest) ([]registry.NetworkStatus, error) {
	if m.RestoreBackupFunc != nil {
		return m.RestoreBackupFunc(ctx, req)
	}
	return nil, errNotMocked
}

// testGate is unlocked at generation 1 until locked
type testGate struct {
	locked atomic.Bool
}

func (g *testGate) Generation() uint64 { return 1 }

func (g *testGate) Active(gen uint64) bool { return !g.locked.Load() && gen == 1 }

func testConfig() *config.Config {
	return &config.Config{
		SessionTokenTTL: time.Minute,
		MetricsEnabled:  true,
		CeremonyTimeout: time.Second,
		ReceiptTimeout:  time.Second,
		WebAuthnOrigin:  "http://localhost:7420",
	}
}

type harness struct {
	wallet  *mockWalletService
	gate    *testGate
	bridge  *passkey.Bridge
	server  *Server
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		wallet: &mockWalletService{},
		gate:   &testGate{},
		bridge: passkey.NewBridge(time.Second),
	}
	srv, err := NewServer(testConfig(), h.wallet, h.bridge, h.gate, metrics.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	h.server = srv
	h.handler = srv.Handler()
	return h
}

func (h *harness) token(t *testing.T) string {
	t.Helper()
	token, _, err := h.server.tokens.Issue(testOwner.Hex())
	require.NoError(t, err)
	return token
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error apperrors.AppError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error.Code
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStatusIsPublic(t *testing.T) {
	h := newHarness(t)
	h.wallet.StatusFunc = func(ctx context.Context) (*app.Status, error) {
		return &app.Status{HasAccount: true}, nil
	}

	rec := h.do(t, http.MethodGet, "/v1/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st app.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.HasAccount)
	assert.False(t, st.Authenticated)
}

func TestLogin(t *testing.T) {
	h := newHarness(t)
	var gotPassword string
	h.wallet.LoginFunc = func(ctx context.Context, password string) ([]registry.NetworkStatus, error) {
		gotPassword = password
		return []registry.NetworkStatus{{ChainID: 84532, Name: "Base Sepolia", Ready: true}}, nil
	}

	rec := h.do(t, http.MethodPost, "/v1/session/login", "", LoginRequest{Password: "pw"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pw", gotPassword)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testOwner.Hex(), resp.Owner)
	assert.Len(t, resp.Networks, 1)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	claims, err := h.server.tokens.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, testOwner.Hex(), claims.Subject)
}

func TestLogin_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"wrong password", apperrors.ErrAuthenticationFailure, http.StatusUnauthorized, apperrors.ErrCodeAuthenticationFailure},
		{"no account", apperrors.ErrNoAccountExists, http.StatusNotFound, apperrors.ErrCodeNoAccountExists},
		{"rate limited", apperrors.ErrRateLimited, http.StatusTooManyRequests, apperrors.ErrCodeRateLimited},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, apperrors.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.wallet.LoginFunc = func(ctx context.Context, password string) ([]registry.NetworkStatus, error) {
				return nil, tt.err
			}
			rec := h.do(t, http.MethodPost, "/v1/session/login", "", LoginRequest{Password: "pw"})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
			assert.NotContains(t, rec.Body.String(), "disk on fire")
		})
	}
}

func TestDecodeRejectsBadBodies(t *testing.T) {
	h := newHarness(t)
	h.wallet.LoginFunc = func(ctx context.Context, password string) ([]registry.NetworkStatus, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}

	rec := h.do(t, http.MethodPost, "/v1/session/login", "", `{"password":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/session/login", "", `{"password":"pw","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := `{"password":"` + strings.Repeat("a", 2<<20) + `"}`
	rec = h.do(t, http.MethodPost, "/v1/session/login", "", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateAccount(t *testing.T) {
	h := newHarness(t)
	var got *app.CreateAccountRequest
	h.wallet.CreateAccountFunc = func(ctx context.Context, req *app.CreateAccountRequest) ([]registry.NetworkStatus, error) {
		got = req
		return nil, nil
	}

	rec := h.do(t, http.MethodPost, "/v1/account", "", CreateAccountRequest{
		Password: "a", ConfirmPassword: "a", ReplaceExisting: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotNil(t, got)
	assert.True(t, got.ReplaceExisting)

	h.wallet.CreateAccountFunc = func(ctx context.Context, req *app.CreateAccountRequest) ([]registry.NetworkStatus, error) {
		return nil, apperrors.ErrAccountExists
	}
	rec = h.do(t, http.MethodPost, "/v1/account", "", CreateAccountRequest{Password: "a", ConfirmPassword: "a"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateAccount_ReplaceAuthorization(t *testing.T) {
	h := newHarness(t)
	var got *app.CreateAccountRequest
	h.wallet.CreateAccountFunc = func(ctx context.Context, req *app.CreateAccountRequest) ([]registry.NetworkStatus, error) {
		got = req
		return nil, nil
	}
	body := CreateAccountRequest{
		Password: "new password", ConfirmPassword: "new password",
		ReplaceExisting: true, CurrentPassword: "old password",
	}

	rec := h.do(t, http.MethodPost, "/v1/account", "", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.False(t, got.ReplaceAuthorized, "no token means the current password must be checked")
	assert.Equal(t, "old password", got.CurrentPassword)

	rec = h.do(t, http.MethodPost, "/v1/account", "not-a-token", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.False(t, got.ReplaceAuthorized)

	rec = h.do(t, http.MethodPost, "/v1/account", h.token(t), body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, got.ReplaceAuthorized)

	stale := h.token(t)
	h.gate.locked.Store(true)
	rec = h.do(t, http.MethodPost, "/v1/account", stale, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.False(t, got.ReplaceAuthorized, "tokens of an ended session do not count")
}

func TestRestoreBackup_PassesAddressAndAuthorization(t *testing.T) {
	h := newHarness(t)
	var got *app.RestoreBackupRequest
	h.wallet.RestoreBackupFunc = func(ctx context.Context, req *app.RestoreBackupRequest) ([]registry.NetworkStatus, error) {
		got = req
		return nil, nil
	}
	rec := h.do(t, http.MethodPost, "/v1/backup/restore", h.token(t), RestoreBackupRequest{
		Shares:          []app.BackupShare{{Index: 1, Share: "0x01"}, {Index: 2, Share: "0x02"}},
		Address:         testOwner.Hex(),
		Password:        "new password",
		ConfirmPassword: "new password",
		ReplaceExisting: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, testOwner.Hex(), got.Address)
	assert.True(t, got.ReplaceAuthorized)
}

func TestDecodeRequiresJSONContentType(t *testing.T) {
	h := newHarness(t)
	h.wallet.CreateAccountFunc = func(ctx context.Context, req *app.CreateAccountRequest) ([]registry.NetworkStatus, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}
	body := `{"password":"a","confirmPassword":"a","replaceExisting":true}`

	for _, contentType := range []string{"", "text/plain", "text/plain;charset=UTF-8", "application/x-www-form-urlencoded", "multipart/form-data; boundary=x"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/account", strings.NewReader(body))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code, "content type %q", contentType)
		assert.Equal(t, apperrors.ErrCodeUnsupportedMediaType, errorCode(t, rec))
	}
}

func TestCrossOriginRequestsRejected(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.wallet.CreateAccountFunc = func(ctx context.Context, req *app.CreateAccountRequest) ([]registry.NetworkStatus, error) {
		calls++
		return nil, nil
	}
	h.wallet.LoginFunc = func(ctx context.Context, password string) ([]registry.NetworkStatus, error) {
		calls++
		return nil, apperrors.ErrAuthenticationFailure
	}

	send := func(path, host, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"password":"a","confirmPassword":"a"}`))
		req.Host = host
		req.Header.Set("Content-Type", "application/json")
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		return rec
	}

	refused := []struct{ host, origin string }{
		{"127.0.0.1:7420", "https://evil.example"},
		{"127.0.0.1:7420", "null"},
		{"127.0.0.1:7420", "http://localhost:3000"},
		// a rebound name matches the Host header but is not loopback
		{"evil.example:7420", "http://evil.example:7420"},
	}
	for _, tc := range refused {
		rec := send("/v1/account", tc.host, tc.origin)
		assert.Equal(t, http.StatusForbidden, rec.Code, "origin %q", tc.origin)
		assert.Equal(t, apperrors.ErrCodeForbidden, errorCode(t, rec))
	}
	rec := send("/v1/session/login", "127.0.0.1:7420", "https://evil.example")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, calls, "refused requests never reach the wallet")

	allowed := []struct{ host, origin string }{
		{"127.0.0.1:7420", ""},
		{"127.0.0.1:7420", "http://127.0.0.1:7420"},
		{"localhost:7420", "http://localhost:7420"},
		{"127.0.0.1:7420", "http://localhost:7420"},
	}
	for _, tc := range allowed {
		rec := send("/v1/account", tc.host, tc.origin)
		assert.Equal(t, http.StatusCreated, rec.Code, "origin %q", tc.origin)
	}
	assert.Equal(t, len(allowed), calls)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	routes := []struct{ method, path string }{
		{http.MethodPost, "/v1/session/logout"},
		{http.MethodGet, "/v1/chains/84532/modules"},
		{http.MethodPost, "/v1/chains/84532/modules"},
		{http.MethodDelete, "/v1/chains/84532/modules/0x01"},
		{http.MethodPost, "/v1/chains/84532/passkey"},
		{http.MethodPost, "/v1/chains/84532/sessions"},
		{http.MethodPost, "/v1/chains/84532/sign"},
		{http.MethodPost, "/v1/chains/84532/verify"},
		{http.MethodPost, "/v1/chains/84532/transfers"},
		{http.MethodGet, "/v1/deployments"},
		{http.MethodPost, "/v1/deployments"},
		{http.MethodPost, "/v1/backup/export"},
	}
	for _, r := range routes {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			rec := h.do(t, r.method, r.path, "", `{}`)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, apperrors.ErrCodeUnauthorized, errorCode(t, rec))
		})
	}
}

func TestLogoutEndsTokens(t *testing.T) {
	h := newHarness(t)
	token := h.token(t)
	h.wallet.LogoutFunc = func() { h.gate.locked.Store(true) }

	rec := h.do(t, http.MethodPost, "/v1/session/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/deployments", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperrors.ErrCodeSessionLocked, errorCode(t, rec))
}

func TestChainIDPath(t *testing.T) {
	h := newHarness(t)
	token := h.token(t)
	var gotChain int64
	var gotRefresh bool
	h.wallet.ModulesFunc = func(ctx context.Context, chainID int64, refresh bool) ([]types.AuthorizationModule, error) {
		gotChain, gotRefresh = chainID, refresh
		return []types.AuthorizationModule{{Name: "K1", Type: types.ModuleTypeK1}}, nil
	}

	rec := h.do(t, http.MethodGet, "/v1/chains/84532/modules?refresh=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(84532), gotChain)
	assert.True(t, gotRefresh)
	assert.Contains(t, rec.Body.String(), `"chainId":84532`)

	for _, bad := range []string{"abc", "0", "-5"} {
		rec = h.do(t, http.MethodGet, "/v1/chains/"+bad+"/modules", token, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	h.wallet.ModulesFunc = func(ctx context.Context, chainID int64, refresh bool) ([]types.AuthorizationModule, error) {
		return nil, apperrors.ChainNotSupported(chainID)
	}
	rec = h.do(t, http.MethodGet, "/v1/chains/1/modules", token, nil)
	assert.Equal(t, apperrors.ErrCodeChainNotSupported, errorCode(t, rec))
}

func TestModuleInstallUninstall(t *testing.T) {
	h := newHarness(t)
	token := h.token(t)
	var installed *app.InstallModuleRequest
	var removed string
	h.wallet.InstallModuleFunc = func(ctx context.Context, req *app.InstallModuleRequest) (*types.Receipt, error) {
		installed = req
		return &types.Receipt{Success: true}, nil
	}
	h.wallet.UninstallModuleFunc = func(ctx context.Context, chainID int64, address string) (*types.Receipt, error) {
		removed = address
		return nil, apperrors.ModuleNotInstalled(address)
	}

	rec := h.do(t, http.MethodPost, "/v1/chains/84532/modules", token, InstallModuleRequest{Address: "0xabc", InitData: "0x"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(84532), installed.ChainID)
	assert.Equal(t, "0xabc", installed.Address)

	rec = h.do(t, http.MethodDelete, "/v1/chains/84532/modules/0xdef", token, nil)
	assert.Equal(t, "0xdef", removed)
	assert.Equal(t, apperrors.ErrCodeModuleNotInstalled, errorCode(t, rec))
}

func TestSignAndTransferMapping(t *testing.T) {
	h := newHarness(t)
	token := h.token(t)
	var sign *app.SignMessageRequest
	var transfer *app.TransferRequest
	h.wallet.SignMessageFunc = func(ctx context.Context, req *app.SignMessageRequest) (*app.SignedMessage, error) {
		sign = req
		return &app.SignedMessage{Signature: "0x01"}, nil
	}
	h.wallet.TransferFunc = func(ctx context.Context, req *app.TransferRequest) (*types.Receipt, error) {
		transfer = req
		return nil, apperrors.WithDetail(apperrors.ErrOperationNotCompleted, "reverted")
	}

	rec := h.do(t, http.MethodPost, "/v1/chains/11155111/sign", token, SignMessageRequest{
		Module: "passkey", Message: "0x68656c6c6f", Encoding: "hex",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, &app.SignMessageRequest{ChainID: 11155111, Module: "passkey", Message: "0x68656c6c6f", Encoding: "hex"}, sign)
	assert.Contains(t, rec.Body.String(), `"signature":"0x01"`)

	rec = h.do(t, http.MethodPost, "/v1/chains/84532/transfers", token, TransferRequest{
		Token: "0xt", To: "0xr", Amount: "1.5", Decimals: 6,
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, apperrors.ErrCodeOperationNotCompleted, errorCode(t, rec))
	assert.Equal(t, &app.TransferRequest{ChainID: 84532, Token: "0xt", To: "0xr", Amount: "1.5", Decimals: 6}, transfer)
}

func TestExportBackupNotCached(t *testing.T) {
	h := newHarness(t)
	token := h.token(t)
	h.wallet.ExportBackupFunc = func(ctx context.Context, req *app.ExportBackupRequest) (*app.Backup, error) {
		assert.Equal(t, 3, req.Threshold)
		return &app.Backup{Threshold: 3, TotalShares: 5}, nil
	}

	rec := h.do(t, http.MethodPost, "/v1/backup/export", token, ExportBackupRequest{Password: "pw", Threshold: 3, TotalShares: 5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/health", "", nil)
	rec := h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `session_wallet_http_requests_total{method="GET",route="GET /health",status="200"} 1`)
}

func TestWebAuthnPage(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/webauthn", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "navigator.credentials.create")
}

func TestCompleteCeremony(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/webauthn/pending/missing", "", CeremonyResult{Error: "NotAllowedError"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/webauthn/pending/missing", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// a parked ceremony is listed and can be cancelled from the page
	errCh := make(chan error, 1)
	go func() {
		_, err := h.bridge.Get(context.Background(), &protocol.CredentialAssertion{})
		errCh <- err
	}()
	var pending []passkey.Pending
	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/v1/webauthn/pending", "", nil)
		var resp struct {
			Ceremonies []passkey.Pending `json:"ceremonies"`
		}
		if json.Unmarshal(rec.Body.Bytes(), &resp) != nil {
			return false
		}
		pending = resp.Ceremonies
		return len(pending) == 1
	}, time.Second, 5*time.Millisecond)

	rec = h.do(t, http.MethodPost, "/v1/webauthn/pending/"+pending[0].ID, "", CeremonyResult{Error: "NotAllowedError"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.ErrorIs(t, <-errCh, passkey.ErrCeremonyCancelled)
}
