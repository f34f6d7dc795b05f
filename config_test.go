package tollgate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("TOLLGATE_BUNDLER_URL", "https://bundler.example")
	t.Setenv("TOLLGATE_RPC_URL", "https://rpc.example")
	t.Setenv("TOLLGATE_OPERATOR_KEY", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	t.Setenv("TOLLGATE_FACILITATOR_URL", "https://facilitator.example")
	t.Setenv("TOLLGATE_ENTRYPOINT_ADDRESS", "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	t.Setenv("TOLLGATE_REGISTRY_ADDRESS", "0x0000000000000000000000000000000000000011")
	t.Setenv("TOLLGATE_GATEWAY_ADDRESS", "0x0000000000000000000000000000000000000022")
	t.Setenv("TOLLGATE_ASSET_ADDRESS", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
}

func TestLoadConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TOLLGATE_NETWORK", "base-sepolia")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://bundler.example", cfg.BundlerURL)
	assert.Equal(t, "base-sepolia", cfg.Network)
	assert.Equal(t, "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789", cfg.EntryPoint.Hex())
	assert.Equal(t, DefaultReceiptTimeout, cfg.ReceiptTimeout)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
}

func TestLoadConfigTimingOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TOLLGATE_RECEIPT_TIMEOUT", "90s")
	t.Setenv("TOLLGATE_POLL_INTERVAL", "500ms")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.ReceiptTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
}

func TestLoadConfigMissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TOLLGATE_BUNDLER_URL", "")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "TOLLGATE_BUNDLER_URL")
}

func TestLoadConfigInvalidAddress(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TOLLGATE_REGISTRY_ADDRESS", "not-an-address")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "TOLLGATE_REGISTRY_ADDRESS")
}
