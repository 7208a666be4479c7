package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/better-wallet/session-wallet/internal/kms"
	"github.com/better-wallet/session-wallet/internal/storage"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// Config holds process configuration loaded from the environment.
// Per-network data comes from NETWORKS_FILE or the built-in testnet list.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:7420"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"INFO"`

	// Storage
	StorageBackend   string `envconfig:"STORAGE_BACKEND" default:"sqlite"`
	StorageNamespace string `envconfig:"STORAGE_NAMESPACE" default:"session-wallet"`
	SQLitePath       string `envconfig:"SQLITE_PATH" default:"wallet.db"`
	PostgresDSN      string `envconfig:"POSTGRES_DSN"`

	// At-rest sealing of the KV store
	KMSProvider        string `envconfig:"KMS_PROVIDER" default:"none"`
	KMSLocalMasterKey  string `envconfig:"KMS_LOCAL_MASTER_KEY"`
	KMSAWSKeyID        string `envconfig:"KMS_AWS_KEY_ID"`
	KMSAWSRegion       string `envconfig:"KMS_AWS_REGION"`
	KMSVaultAddress    string `envconfig:"KMS_VAULT_ADDRESS"`
	KMSVaultToken      string `envconfig:"KMS_VAULT_TOKEN"`
	KMSVaultTransitKey string `envconfig:"KMS_VAULT_TRANSIT_KEY"`

	// Password KDF cost for newly encrypted secrets
	ScryptN int `envconfig:"SCRYPT_N" default:"262144"`
	ScryptR int `envconfig:"SCRYPT_R" default:"8"`
	ScryptP int `envconfig:"SCRYPT_P" default:"1"`

	NetworksFile          string        `envconfig:"NETWORKS_FILE"`
	ClientInitConcurrency int           `envconfig:"CLIENT_INIT_CONCURRENCY" default:"4"`
	ReceiptTimeout        time.Duration `envconfig:"RECEIPT_TIMEOUT" default:"2m"`
	ReceiptPollInterval   time.Duration `envconfig:"RECEIPT_POLL_INTERVAL" default:"2s"`
	DeployPollInterval    time.Duration `envconfig:"DEPLOY_POLL_INTERVAL" default:"1m"`

	LoginRatePerMinute float64 `envconfig:"LOGIN_RATE_PER_MINUTE" default:"5"`
	LoginBurst         int     `envconfig:"LOGIN_BURST" default:"5"`

	WebAuthnRPID     string        `envconfig:"WEBAUTHN_RP_ID" default:"localhost"`
	WebAuthnRPName   string        `envconfig:"WEBAUTHN_RP_NAME" default:"Session Wallet"`
	WebAuthnOrigin   string        `envconfig:"WEBAUTHN_ORIGIN" default:"http://localhost:7420"`
	CeremonyTimeout  time.Duration `envconfig:"CEREMONY_TIMEOUT" default:"2m"`
	SessionTokenTTL  time.Duration `envconfig:"SESSION_TOKEN_TTL" default:"15m"`
	APIRatePerSecond float64       `envconfig:"API_RATE_PER_SECOND" default:"20"`
	APIBurst         int           `envconfig:"API_BURST" default:"40"`
	MetricsEnabled   bool          `envconfig:"METRICS_ENABLED" default:"true"`

	Networks []types.Network `ignored:"true"`
}

// Load loads configuration from environment variables and the networks file.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if cfg.NetworksFile != "" {
		networks, err := LoadNetworks(cfg.NetworksFile)
		if err != nil {
			return nil, err
		}
		cfg.Networks = networks
	} else {
		cfg.Networks = DefaultNetworks()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch strings.ToLower(c.StorageBackend) {
	case storage.BackendMemory:
	case storage.BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORAGE_BACKEND is 'sqlite'")
		}
	case storage.BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORAGE_BACKEND is 'postgres'")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be 'memory', 'sqlite' or 'postgres', got: %s", c.StorageBackend)
	}

	switch kms.ProviderType(c.KMSProvider) {
	case kms.ProviderNone, "":
	case kms.ProviderLocal:
		if c.KMSLocalMasterKey == "" {
			return fmt.Errorf("KMS_LOCAL_MASTER_KEY is required when KMS_PROVIDER is 'local'")
		}
	case kms.ProviderAWSKMS:
		if c.KMSAWSKeyID == "" || c.KMSAWSRegion == "" {
			return fmt.Errorf("KMS_AWS_KEY_ID and KMS_AWS_REGION are required when KMS_PROVIDER is 'aws-kms'")
		}
	case kms.ProviderVault:
		if c.KMSVaultAddress == "" || c.KMSVaultToken == "" || c.KMSVaultTransitKey == "" {
			return fmt.Errorf("KMS_VAULT_ADDRESS, KMS_VAULT_TOKEN and KMS_VAULT_TRANSIT_KEY are required when KMS_PROVIDER is 'vault'")
		}
	default:
		return fmt.Errorf("KMS_PROVIDER must be 'none', 'local', 'aws-kms' or 'vault', got: %s", c.KMSProvider)
	}

	if c.ClientInitConcurrency < 1 {
		return fmt.Errorf("CLIENT_INIT_CONCURRENCY must be at least 1")
	}
	if c.LoginRatePerMinute <= 0 || c.LoginBurst < 1 {
		return fmt.Errorf("LOGIN_RATE_PER_MINUTE and LOGIN_BURST must be positive")
	}
	if c.ReceiptTimeout <= 0 || c.ReceiptPollInterval <= 0 {
		return fmt.Errorf("RECEIPT_TIMEOUT and RECEIPT_POLL_INTERVAL must be positive")
	}
	if c.SessionTokenTTL <= 0 {
		return fmt.Errorf("SESSION_TOKEN_TTL must be positive")
	}

	return ValidateNetworks(c.Networks)
}

// KMSConfig returns the sealing provider configuration.
func (c *Config) KMSConfig() *kms.Config {
	return &kms.Config{
		Provider:          c.KMSProvider,
		LocalMasterKeyHex: c.KMSLocalMasterKey,
		AWSKeyID:          c.KMSAWSKeyID,
		AWSRegion:         c.KMSAWSRegion,
		VaultAddress:      c.KMSVaultAddress,
		VaultToken:        c.KMSVaultToken,
		VaultTransitKey:   c.KMSVaultTransitKey,
	}
}

// StorageOptions returns the KV backend options.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Backend:     c.StorageBackend,
		Namespace:   c.StorageNamespace,
		SQLitePath:  c.SQLitePath,
		PostgresDSN: c.PostgresDSN,
	}
}

type networksFile struct {
	Networks []types.Network `yaml:"networks"`
}

// LoadNetworks reads the networks YAML file.
func LoadNetworks(path string) ([]types.Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read networks file: %w", err)
	}
	return ParseNetworks(data)
}

// ParseNetworks decodes a networks document, rejecting unknown fields.
func ParseNetworks(data []byte) ([]types.Network, error) {
	var doc networksFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse networks file: %w", err)
	}
	if err := ValidateNetworks(doc.Networks); err != nil {
		return nil, err
	}
	return doc.Networks, nil
}

// ValidateNetworks checks every network has an ID, RPC and bundler and that
// chain IDs are unique.
func ValidateNetworks(networks []types.Network) error {
	if len(networks) == 0 {
		return fmt.Errorf("at least one network must be configured")
	}

	seen := make(map[int64]bool, len(networks))
	for i, n := range networks {
		if n.ChainID <= 0 {
			return fmt.Errorf("network %d: chainId must be positive", i)
		}
		if seen[n.ChainID] {
			return fmt.Errorf("network %d: duplicate chainId %d", i, n.ChainID)
		}
		seen[n.ChainID] = true

		if n.RPCURL == "" {
			return fmt.Errorf("network %d (%d): rpcUrl is required", i, n.ChainID)
		}
		if n.BundlerURL == "" {
			return fmt.Errorf("network %d (%d): bundlerUrl is required", i, n.ChainID)
		}
	}
	return nil
}

// DefaultNetworks returns the three public testnets the wallet targets out of
// the box. Paymasters are not configured, so operations pay their own gas.
func DefaultNetworks() []types.Network {
	const bundler = "https://bundler.biconomy.io/api/v3/%d/nJPK7B3ru.dd7f7861-190d-41bd-af80-6877f74b8f44"
	return []types.Network{
		{
			ChainID:     84532,
			Name:        "Base Sepolia",
			RPCURL:      "https://sepolia.base.org",
			BundlerURL:  fmt.Sprintf(bundler, 84532),
			USDCAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		},
		{
			ChainID:     11155111,
			Name:        "Ethereum Sepolia",
			RPCURL:      "https://ethereum-sepolia-rpc.publicnode.com",
			BundlerURL:  fmt.Sprintf(bundler, 11155111),
			USDCAddress: "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238",
		},
		{
			ChainID:     421614,
			Name:        "Arbitrum Sepolia",
			RPCURL:      "https://sepolia-rollup.arbitrum.io/rpc",
			BundlerURL:  fmt.Sprintf(bundler, 421614),
			USDCAddress: "0x5fd84259d66cd46795cbf7644e8ff6c6d1a0f747",
		},
	}
}
