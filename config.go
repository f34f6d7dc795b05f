package tollgate

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Default timings for the operation submission engine.
const (
	DefaultReceiptTimeout = 180 * time.Second
	DefaultPollInterval   = 3 * time.Second
)

// Config carries the environment-provided configuration for the engine and
// the payment gate. File and CLI configuration surfaces belong to the
// callers, not this module.
type Config struct {
	// BundlerURL is the relay network JSON-RPC endpoint.
	BundlerURL string
	// RPCURL is the chain JSON-RPC endpoint for reads and fee baselines.
	RPCURL string
	// OperatorKey is the hex-encoded signing key for relayed operations.
	OperatorKey string
	// FacilitatorURL is the external settlement service.
	FacilitatorURL string

	// Network is the network identifier echoed in challenges and receipts.
	Network string

	EntryPoint common.Address
	Registry   common.Address
	Gateway    common.Address
	Asset      common.Address

	// ReceiptTimeout bounds receipt polling per operation.
	ReceiptTimeout time.Duration
	// PollInterval is the fixed receipt polling interval.
	PollInterval time.Duration
}

// LoadConfig resolves configuration from TOLLGATE_* environment variables.
// Required: bundler URL, RPC URL, operator key, facilitator URL, and the
// four contract addresses. Timings fall back to defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		BundlerURL:     os.Getenv("TOLLGATE_BUNDLER_URL"),
		RPCURL:         os.Getenv("TOLLGATE_RPC_URL"),
		OperatorKey:    os.Getenv("TOLLGATE_OPERATOR_KEY"),
		FacilitatorURL: os.Getenv("TOLLGATE_FACILITATOR_URL"),
		Network:        os.Getenv("TOLLGATE_NETWORK"),
		ReceiptTimeout: DefaultReceiptTimeout,
		PollInterval:   DefaultPollInterval,
	}

	required := map[string]string{
		"TOLLGATE_BUNDLER_URL":     cfg.BundlerURL,
		"TOLLGATE_RPC_URL":         cfg.RPCURL,
		"TOLLGATE_OPERATOR_KEY":    cfg.OperatorKey,
		"TOLLGATE_FACILITATOR_URL": cfg.FacilitatorURL,
	}
	for name, value := range required {
		if value == "" {
			return nil, fmt.Errorf("missing required environment variable %s", name)
		}
	}

	var err error
	if cfg.EntryPoint, err = addressEnv("TOLLGATE_ENTRYPOINT_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.Registry, err = addressEnv("TOLLGATE_REGISTRY_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.Gateway, err = addressEnv("TOLLGATE_GATEWAY_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.Asset, err = addressEnv("TOLLGATE_ASSET_ADDRESS"); err != nil {
		return nil, err
	}

	if raw := os.Getenv("TOLLGATE_RECEIPT_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TOLLGATE_RECEIPT_TIMEOUT %q: %w", raw, err)
		}
		cfg.ReceiptTimeout = d
	}
	if raw := os.Getenv("TOLLGATE_POLL_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TOLLGATE_POLL_INTERVAL %q: %w", raw, err)
		}
		cfg.PollInterval = d
	}

	return cfg, nil
}

func addressEnv(name string) (common.Address, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return common.Address{}, fmt.Errorf("missing required environment variable %s", name)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address in %s: %q", name, raw)
	}
	return common.HexToAddress(raw), nil
}
