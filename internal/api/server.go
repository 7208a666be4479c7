package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/better-wallet/session-wallet/internal/config"
	"github.com/better-wallet/session-wallet/internal/logger"
	"github.com/better-wallet/session-wallet/internal/metrics"
	"github.com/better-wallet/session-wallet/internal/middleware"
)

// Server represents the HTTP server.
type Server struct {
	config     *config.Config
	wallet     WalletService
	bridge     CeremonyBridge
	tokens     *middleware.SessionTokens
	limiter    *middleware.RateLimiter
	metrics    *metrics.Metrics
	httpServer *http.Server
}

// NewServer creates a new API server. bridge may be nil when passkeys are
// not served to a browser.
func NewServer(
	cfg *config.Config,
	wallet WalletService,
	bridge CeremonyBridge,
	gate middleware.SessionGate,
	m *metrics.Metrics,
) (*Server, error) {
	tokens, err := middleware.NewSessionTokens(gate, cfg.SessionTokenTTL)
	if err != nil {
		return nil, err
	}
	return &Server{
		config:  cfg,
		wallet:  wallet,
		bridge:  bridge,
		tokens:  tokens,
		limiter: middleware.NewRateLimiter(cfg.APIRatePerSecond, cfg.APIBurst, cfg.APIRatePerSecond > 0),
		metrics: m,
	}, nil
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	auth := s.tokens.Require

	// Health check endpoint (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.config.MetricsEnabled && s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Session lifecycle
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/account", s.handleCreateAccount)
	mux.HandleFunc("POST /v1/session/login", s.handleLogin)
	mux.Handle("POST /v1/session/logout", auth(http.HandlerFunc(s.handleLogout)))

	// Authorization modules
	mux.Handle("GET /v1/chains/{chainID}/modules", auth(http.HandlerFunc(s.handleListModules)))
	mux.Handle("POST /v1/chains/{chainID}/modules", auth(http.HandlerFunc(s.handleInstallModule)))
	mux.Handle("DELETE /v1/chains/{chainID}/modules/{address}", auth(http.HandlerFunc(s.handleUninstallModule)))
	mux.Handle("POST /v1/chains/{chainID}/passkey", auth(http.HandlerFunc(s.handleRegisterPasskey)))
	mux.Handle("POST /v1/chains/{chainID}/sessions", auth(http.HandlerFunc(s.handleEnableSessions)))

	// Signing and transfers
	mux.Handle("POST /v1/chains/{chainID}/sign", auth(http.HandlerFunc(s.handleSignMessage)))
	mux.Handle("POST /v1/chains/{chainID}/verify", auth(http.HandlerFunc(s.handleVerifyMessage)))
	mux.Handle("POST /v1/chains/{chainID}/transfers", auth(http.HandlerFunc(s.handleTransfer)))

	// Deployment
	mux.Handle("GET /v1/deployments", auth(http.HandlerFunc(s.handleListDeployments)))
	mux.Handle("POST /v1/deployments", auth(http.HandlerFunc(s.handleDeploy)))

	// Backup
	mux.Handle("POST /v1/backup/export", auth(http.HandlerFunc(s.handleExportBackup)))
	mux.HandleFunc("POST /v1/backup/restore", s.handleRestoreBackup)

	// Browser side of passkey ceremonies
	if s.bridge != nil {
		mux.HandleFunc("GET /webauthn", s.handleWebAuthnPage)
		mux.HandleFunc("GET /v1/webauthn/pending", s.handleListCeremonies)
		mux.HandleFunc("POST /v1/webauthn/pending/{id}", s.handleCompleteCeremony)
	}

	// Chain: RequestID -> Logging -> SameOrigin -> RateLimit -> LimitBody -> Routes
	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.Logging(s.metrics),
		middleware.SameOrigin(s.config.WebAuthnOrigin),
		s.limiter.Limit,
		middleware.LimitBody(middleware.DefaultMaxBodySize),
	)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// ceremonies and receipt waits hold a request open
		WriteTimeout: s.config.CeremonyTimeout + s.config.ReceiptTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "starting server", "addr", s.config.ListenAddr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.limiter.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
