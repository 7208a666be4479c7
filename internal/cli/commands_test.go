package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/session-wallet/internal/api"
	"github.com/better-wallet/session-wallet/internal/app"
	"github.com/better-wallet/session-wallet/internal/middleware"
	"github.com/better-wallet/session-wallet/internal/registry"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
	"github.com/better-wallet/session-wallet/pkg/types"
)

type recorded struct {
	Method string
	Path   string
	Auth   string
	Body   string
}

// fakeServer answers like the wallet API and records every request
type fakeServer struct {
	mu       sync.Mutex
	requests []recorded
	routes   map[string]http.HandlerFunc
	*httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{routes: make(map[string]http.HandlerFunc)}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, recorded{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		})
		h, ok := f.routes[r.Method+" "+r.URL.Path]
		f.mu.Unlock()
		if !ok {
			middleware.WriteError(w, apperrors.ErrNotFound)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		h(w, r)
	}))
	t.Cleanup(f.Close)

	f.handle("POST /v1/session/login", func(w http.ResponseWriter, r *http.Request) {
		var req api.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "correct horse" {
			middleware.WriteError(w, apperrors.ErrAuthenticationFailure)
			return
		}
		writeJSON(w, http.StatusOK, api.SessionResponse{
			Token:     "tok-1",
			ExpiresAt: time.Now().Add(time.Minute),
			Owner:     "0xOwner",
			Networks:  []registry.NetworkStatus{{ChainID: 84532, Name: "Base Sepolia", Ready: true, Address: "0xAccount"}},
		})
	})
	return f
}

func (f *fakeServer) handle(pattern string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[pattern] = h
}

func (f *fakeServer) Requests() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.requests...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv(EnvToken, "")
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestSign_LogsInFirst(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("POST /v1/chains/84532/sign", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.SignedMessage{
			Address:   "0xAccount",
			Module:    types.AuthorizationModule{Name: "Passkey", Type: types.ModuleTypePasskey, Address: "0xP"},
			Signature: "0xsig",
		})
	})

	out, stderr, err := execute(t, "correct horse\n", "--server", srv.URL, "sign", "--chain", "84532", "--module", "passkey", "hello")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Wallet password")
	assert.Contains(t, out, "signature: 0xsig")

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/v1/session/login", reqs[0].Path)
	assert.Equal(t, "Bearer tok-1", reqs[1].Auth)
	assert.JSONEq(t, `{"module":"passkey","message":"hello","encoding":"utf8"}`, reqs[1].Body)
}

func TestSign_TokenSkipsPrompt(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("POST /v1/chains/84532/sign", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.SignedMessage{Signature: "0xsig"})
	})

	out, _, err := execute(t, "", "--server", srv.URL, "--token", "given", "--format", "json", "sign", "--chain", "84532", "--hex", "0x6869")
	require.NoError(t, err)

	var signed app.SignedMessage
	require.NoError(t, json.Unmarshal([]byte(out), &signed))
	assert.Equal(t, "0xsig", signed.Signature)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer given", reqs[0].Auth)
	assert.Contains(t, reqs[0].Body, `"encoding":"hex"`)
}

func TestServerErrorsAreAppErrors(t *testing.T) {
	srv := newFakeServer(t)
	_, _, err := execute(t, "wrong\n", "--server", srv.URL, "login")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailure)

	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, appErr.StatusCode)
}

func TestLogin_PrintsToken(t *testing.T) {
	srv := newFakeServer(t)
	out, _, err := execute(t, "correct horse\n", "--server", srv.URL, "login")
	require.NoError(t, err)
	assert.Contains(t, out, "token:   tok-1")
	assert.Contains(t, out, "Base Sepolia")
}

func TestCreate_PromptsTwice(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("POST /v1/account", func(w http.ResponseWriter, r *http.Request) {
		var req api.CreateAccountRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != req.ConfirmPassword {
			middleware.WriteError(w, apperrors.ErrPasswordMismatch)
			return
		}
		writeJSON(w, http.StatusCreated, api.SessionResponse{Token: "tok-new", Owner: "0xOwner"})
	})

	out, stderr, err := execute(t, "old password\na long password\na long password\n", "--server", srv.URL, "create", "--replace")
	require.NoError(t, err)
	assert.Contains(t, out, "tok-new")
	assert.Contains(t, stderr, "Current wallet password")
	assert.Contains(t, srv.Requests()[0].Body, `"replaceExisting":true`)
	assert.Contains(t, srv.Requests()[0].Body, `"currentPassword":"old password"`)

	_, _, err = execute(t, "one\ntwo\n", "--server", srv.URL, "create")
	assert.ErrorIs(t, err, apperrors.ErrPasswordMismatch)
}

func TestAddress_QR(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Status{
			HasAccount:    true,
			Authenticated: true,
			Networks:      []registry.NetworkStatus{{ChainID: 84532, Ready: true, Address: "0x1111111111111111111111111111111111111111"}},
		})
	})
	png := filepath.Join(t.TempDir(), "address.png")

	out, _, err := execute(t, "", "--server", srv.URL, "--token", "t", "address", "--chain", "84532", "--qr", "--png", png)
	require.NoError(t, err)
	assert.Contains(t, out, "0x1111111111111111111111111111111111111111")
	assert.Greater(t, strings.Count(out, "\n"), 20, "QR art spans many lines")

	info, err := os.Stat(png)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	_, _, err = execute(t, "", "--server", srv.URL, "--token", "t", "address", "--chain", "1")
	assert.ErrorContains(t, err, "not configured")
}

func TestRenderQR(t *testing.T) {
	art, err := RenderQR("0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.NotEmpty(t, art)

	again, err := RenderQR("0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Equal(t, art, again)
}

func TestBackupExport_WritesPrivateFile(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("POST /v1/backup/export", func(w http.ResponseWriter, r *http.Request) {
		var req api.ExportBackupRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "correct horse", req.Password)
		assert.Equal(t, 3, req.Threshold)
		assert.Equal(t, 5, req.TotalShares)
		writeJSON(w, http.StatusOK, app.Backup{
			Address: "0xOwner", Threshold: 3, TotalShares: 5,
			Shares: []app.BackupShare{{Index: 1, Share: "aa"}},
		})
	})
	path := filepath.Join(t.TempDir(), "backup.json")

	out, _, err := execute(t, "correct horse\n", "--server", srv.URL, "backup", "export", "--threshold", "3", "--shares", "5", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 3 of 5 shares")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var backup app.Backup
	require.NoError(t, json.Unmarshal(raw, &backup))
	assert.Len(t, backup.Shares, 1)

	// restore reads the same file
	srv.handle("POST /v1/backup/restore", func(w http.ResponseWriter, r *http.Request) {
		var req api.RestoreBackupRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Len(t, req.Shares, 1)
		assert.Equal(t, "0xOwner", req.Address, "the exported address lets the server check the combined key")
		writeJSON(w, http.StatusCreated, api.SessionResponse{Token: "tok-restored"})
	})
	out, _, err = execute(t, "new password\nnew password\n", "--server", srv.URL, "backup", "restore", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "tok-restored")
}

func TestDeploy(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("POST /v1/deployments", func(w http.ResponseWriter, r *http.Request) {
		var req api.DeployRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, []int64{84532, 11155111}, req.ChainIDs)
		writeJSON(w, http.StatusOK, map[string]any{"deployments": []types.DeploymentStatus{
			{ChainID: 84532, ChainName: "Base Sepolia", IsDeployed: true, Address: "0xA"},
			{ChainID: 11155111, ChainName: "Ethereum Sepolia", Error: "bundler down"},
		}})
	})

	out, _, err := execute(t, "", "--server", srv.URL, "--token", "t", "deploy", "--chain", "84532", "--chain", "11155111")
	require.NoError(t, err)
	assert.Contains(t, out, "deployed")
	assert.Contains(t, out, "error: bundler down")
}

func TestPrompter_EmptyPassword(t *testing.T) {
	p := NewPrompter(strings.NewReader("\n"), io.Discard)
	_, err := p.Password("Password")
	assert.ErrorContains(t, err, "cannot be empty")

	p = NewPrompter(strings.NewReader("no newline"), io.Discard)
	got, err := p.Password("Password")
	require.NoError(t, err)
	assert.Equal(t, "no newline", got)
}
