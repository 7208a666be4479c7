package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/session-wallet/pkg/types"
)

func validConfig() *Config {
	return &Config{
		StorageBackend:        "sqlite",
		SQLitePath:            "wallet.db",
		KMSProvider:           "none",
		ClientInitConcurrency: 4,
		LoginRatePerMinute:    5,
		LoginBurst:            5,
		ReceiptTimeout:        time.Minute,
		ReceiptPollInterval:   time.Second,
		SessionTokenTTL:       time.Minute,
		Networks:              DefaultNetworks(),
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{name: "valid defaults", modify: func(c *Config) {}},
		{name: "memory backend", modify: func(c *Config) { c.StorageBackend = "memory"; c.SQLitePath = "" }},
		{
			name:   "postgres without DSN",
			modify: func(c *Config) { c.StorageBackend = "postgres" },
			errMsg: "POSTGRES_DSN is required",
		},
		{
			name:   "unknown backend",
			modify: func(c *Config) { c.StorageBackend = "redis" },
			errMsg: "STORAGE_BACKEND must be",
		},
		{
			name:   "sqlite without path",
			modify: func(c *Config) { c.SQLitePath = "" },
			errMsg: "SQLITE_PATH is required",
		},
		{
			name:   "local KMS without key",
			modify: func(c *Config) { c.KMSProvider = "local" },
			errMsg: "KMS_LOCAL_MASTER_KEY is required",
		},
		{
			name: "valid vault KMS",
			modify: func(c *Config) {
				c.KMSProvider = "vault"
				c.KMSVaultAddress = "http://localhost:8200"
				c.KMSVaultToken = "s.token"
				c.KMSVaultTransitKey = "wallet"
			},
		},
		{
			name:   "aws KMS without region",
			modify: func(c *Config) { c.KMSProvider = "aws-kms"; c.KMSAWSKeyID = "alias/wallet" },
			errMsg: "KMS_AWS_KEY_ID and KMS_AWS_REGION are required",
		},
		{
			name:   "unknown KMS",
			modify: func(c *Config) { c.KMSProvider = "tee" },
			errMsg: "KMS_PROVIDER must be",
		},
		{
			name:   "zero concurrency",
			modify: func(c *Config) { c.ClientInitConcurrency = 0 },
			errMsg: "CLIENT_INIT_CONCURRENCY",
		},
		{
			name:   "no networks",
			modify: func(c *Config) { c.Networks = nil },
			errMsg: "at least one network",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"STORAGE_BACKEND", "KMS_PROVIDER", "NETWORKS_FILE", "SCRYPT_N", "RECEIPT_TIMEOUT"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.StorageBackend)
	assert.Equal(t, "none", cfg.KMSProvider)
	assert.Equal(t, 1<<18, cfg.ScryptN)
	assert.Equal(t, 2*time.Minute, cfg.ReceiptTimeout)
	assert.Len(t, cfg.Networks, 3)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("LOGIN_BURST", "2")
	t.Setenv("DEPLOY_POLL_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StorageBackend)
	assert.Equal(t, 2, cfg.LoginBurst)
	assert.Equal(t, 30*time.Second, cfg.DeployPollInterval)
}

func TestLoad_NetworksFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
networks:
  - chainId: 31337
    name: Local
    rpcUrl: http://127.0.0.1:8545
    bundlerUrl: http://127.0.0.1:4337
    accountIndex: 2
`), 0o600))
	t.Setenv("NETWORKS_FILE", path)
	t.Setenv("STORAGE_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Networks, 1)
	assert.Equal(t, int64(31337), cfg.Networks[0].ChainID)
	assert.Equal(t, uint64(2), cfg.Networks[0].AccountIndex)
}

func TestParseNetworks(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		errMsg string
	}{
		{
			name: "example file shape",
			doc:  "networks:\n  - {chainId: 1, rpcUrl: a, bundlerUrl: b, paymasterUrl: c}\n",
		},
		{
			name:   "unknown field",
			doc:    "networks:\n  - {chainId: 1, rpcUrl: a, bundlerUrl: b, rpc: x}\n",
			errMsg: "failed to parse networks file",
		},
		{
			name:   "duplicate chain",
			doc:    "networks:\n  - {chainId: 1, rpcUrl: a, bundlerUrl: b}\n  - {chainId: 1, rpcUrl: a, bundlerUrl: b}\n",
			errMsg: "duplicate chainId 1",
		},
		{
			name:   "missing bundler",
			doc:    "networks:\n  - {chainId: 5, rpcUrl: a}\n",
			errMsg: "bundlerUrl is required",
		},
		{
			name:   "missing chain id",
			doc:    "networks:\n  - {rpcUrl: a, bundlerUrl: b}\n",
			errMsg: "chainId must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNetworks([]byte(tt.doc))
			if tt.errMsg == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.errMsg)
			}
		})
	}
}

func TestExampleNetworksFileParses(t *testing.T) {
	networks, err := LoadNetworks(filepath.Join("..", "..", "configs", "networks.example.yaml"))
	require.NoError(t, err)
	require.Len(t, networks, 3)

	byID := map[int64]types.Network{}
	for _, n := range networks {
		byID[n.ChainID] = n
	}
	assert.Equal(t, "Base Sepolia", byID[84532].Name)
	assert.NotEmpty(t, byID[421614].PaymasterURL)
}

func TestDefaultNetworks(t *testing.T) {
	require.NoError(t, ValidateNetworks(DefaultNetworks()))
}
