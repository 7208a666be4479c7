package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/better-wallet/session-wallet/internal/aa"
	"github.com/better-wallet/session-wallet/internal/account"
	"github.com/better-wallet/session-wallet/internal/api"
	"github.com/better-wallet/session-wallet/internal/app"
	"github.com/better-wallet/session-wallet/internal/config"
	"github.com/better-wallet/session-wallet/internal/crypto"
	"github.com/better-wallet/session-wallet/internal/deploy"
	"github.com/better-wallet/session-wallet/internal/kms"
	"github.com/better-wallet/session-wallet/internal/logger"
	"github.com/better-wallet/session-wallet/internal/metrics"
	"github.com/better-wallet/session-wallet/internal/modules"
	"github.com/better-wallet/session-wallet/internal/passkey"
	"github.com/better-wallet/session-wallet/internal/registry"
	"github.com/better-wallet/session-wallet/internal/session"
	"github.com/better-wallet/session-wallet/internal/signer"
	"github.com/better-wallet/session-wallet/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.LogFormat, cfg.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage, sealed by the KMS provider when one is configured
	kv, err := storage.Open(ctx, cfg.StorageOptions())
	if err != nil {
		slog.Error("failed to open storage", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	provider, err := kms.New(ctx, cfg.KMSConfig())
	switch {
	case errors.Is(err, kms.ErrDisabled):
	case err != nil:
		slog.Error("failed to initialize KMS provider", "provider", cfg.KMSProvider, "error", err)
		os.Exit(1)
	default:
		kv = storage.NewSealed(kv, provider)
		slog.Info("storage sealed", "provider", provider.Provider())
	}
	slog.Info("opened storage", "backend", cfg.StorageBackend)

	codec, err := crypto.NewCodec(crypto.KDFParams{N: cfg.ScryptN, R: cfg.ScryptR, P: cfg.ScryptP})
	if err != nil {
		slog.Error("invalid KDF parameters", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	store := account.NewStore(kv, codec)
	factory := &aa.NexusFactory{
		PollInterval:   cfg.ReceiptPollInterval,
		ReceiptTimeout: cfg.ReceiptTimeout,
	}
	reg := registry.New(factory, cfg.Networks, cfg.ClientInitConcurrency, m)
	mods := modules.NewManager(modules.DefaultCatalog(), store, m)
	auth := session.New(store, reg, mods, session.Options{
		LoginRate:  rate.Limit(cfg.LoginRatePerMinute / 60),
		LoginBurst: cfg.LoginBurst,
	}, m)

	// Passkey ceremonies run in the browser page served at /webauthn
	bridge := passkey.NewBridge(cfg.CeremonyTimeout)
	ceremony, err := passkey.NewWebAuthnCeremony(passkey.Config{
		RPID:          cfg.WebAuthnRPID,
		RPDisplayName: cfg.WebAuthnRPName,
		RPOrigins:     []string{cfg.WebAuthnOrigin},
	}, bridge, kv)
	if err != nil {
		slog.Error("failed to initialize WebAuthn", "error", err)
		os.Exit(1)
	}
	cache := passkey.NewCache(kv)

	walletService := app.NewWalletService(app.Deps{
		Store:        store,
		Session:      auth,
		Registry:     reg,
		Modules:      mods,
		Resolver:     signer.NewResolver(mods.Catalog(), cache, ceremony, auth, m),
		Deploy:       deploy.NewManager(reg, store, m),
		Ceremony:     ceremony,
		Cache:        cache,
		PollInterval: cfg.DeployPollInterval,
		Metrics:      m,
	})
	defer walletService.Logout()

	server, err := api.NewServer(cfg, walletService, bridge, auth, m)
	if err != nil {
		slog.Error("failed to initialize API server", "error", err)
		os.Exit(1)
	}

	slog.Info("networks configured", "count", len(cfg.Networks))
	if err := server.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
