package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config is the complete configuration for the relay daemon.
type Config struct {
	Chain   ChainConfig   `mapstructure:"chain"`
	Prover  ProverConfig  `mapstructure:"prover"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Storage StorageConfig `mapstructure:"storage"`
	API     APIConfig     `mapstructure:"api"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// ChainConfig holds Ethereum node and relay-contract settings.
type ChainConfig struct {
	RPCURL   string `mapstructure:"rpc_url"`
	WSURL    string `mapstructure:"ws_url"`
	ChainID  int64  `mapstructure:"chain_id"`
	Contract string `mapstructure:"contract"`
	// PrivateKey is the hex-encoded key that signs batch transactions.
	PrivateKey string `mapstructure:"private_key"`
	// StartBlock is the last block already processed; event catch-up
	// resumes from the block after it. Zero means live events only.
	StartBlock          uint64        `mapstructure:"start_block"`
	ReconnectDelay      time.Duration `mapstructure:"reconnect_delay"`
	ConfirmPollInterval time.Duration `mapstructure:"confirm_poll_interval"`
	ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout"`
}

// ProverConfig holds proving-service connection settings.
type ProverConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollRate     float64       `mapstructure:"poll_rate"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// RelayConfig holds batching and retry tuning.
type RelayConfig struct {
	MaxBatchSize       int           `mapstructure:"max_batch_size"`
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
	FetchRetryInterval time.Duration `mapstructure:"fetch_retry_interval"`
}

// StorageConfig selects the request-store backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend      string `mapstructure:"backend"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// APIConfig holds REST server settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	// APIKey, when set, is required as a bearer token on mutating routes.
	APIKey    string        `mapstructure:"api_key"`
	RateLimit int           `mapstructure:"rate_limit"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from the given file, applying PROOFLINK_*
// environment overrides (e.g. PROOFLINK_CHAIN_PRIVATE_KEY) and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PROOFLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Secrets need a registered key for env overrides to reach Unmarshal.
	v.SetDefault("chain.private_key", "")
	v.SetDefault("prover.api_key", "")
	v.SetDefault("api.api_key", "")
	v.SetDefault("storage.dsn", "")

	v.SetDefault("chain.reconnect_delay", 5*time.Second)
	v.SetDefault("chain.confirm_poll_interval", time.Second)
	v.SetDefault("chain.confirm_timeout", 2*time.Minute)

	v.SetDefault("prover.timeout", 30*time.Second)
	v.SetDefault("prover.poll_rate", 10.0)
	v.SetDefault("prover.poll_interval", time.Second)

	v.SetDefault("relay.max_batch_size", 10)
	v.SetDefault("relay.flush_interval", 30*time.Second)
	v.SetDefault("relay.fetch_retry_interval", 2*time.Second)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.max_open_conns", 25)
	v.SetDefault("storage.max_idle_conns", 5)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.rate_limit", 100)
	v.SetDefault("api.timeout", 30*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("log.level", "info")
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain RPC URL is required")
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("chain ID is required")
	}
	if c.Chain.Contract == "" {
		return fmt.Errorf("relay contract address is required")
	}
	if !common.IsHexAddress(c.Chain.Contract) {
		return fmt.Errorf("relay contract address %q is not a hex address", c.Chain.Contract)
	}
	if c.Chain.PrivateKey == "" {
		return fmt.Errorf("signing private key is required")
	}

	if c.Prover.Endpoint == "" {
		return fmt.Errorf("prover endpoint is required")
	}
	if c.Prover.PollInterval <= 0 {
		return fmt.Errorf("prover poll interval must be positive")
	}

	if c.Relay.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be positive")
	}
	if c.Relay.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("postgres backend requires a DSN")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.API.Enabled && c.API.Port == 0 {
		return fmt.Errorf("API port is required when the API is enabled")
	}
	return nil
}

// ContractAddress returns the parsed relay contract address. Validate must
// have accepted the config first.
func (c *ChainConfig) ContractAddress() common.Address {
	return common.HexToAddress(c.Contract)
}
