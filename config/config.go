package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultStakingAmount is the stake, in whole tokens, a node joins with.
	DefaultStakingAmount int64 = 400

	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Duration wraps time.Duration so both YAML and TOML files can use strings
// such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures the runtime configuration of the node agent.
type Config struct {
	Log            LogConfig       `yaml:"log" toml:"log"`
	DB             DBConfig        `yaml:"db" toml:"db"`
	Ethereum       EthereumConfig  `yaml:"ethereum" toml:"ethereum"`
	RelayURL       string          `yaml:"relay_url" toml:"relay_url"`
	StakingAmount  *StakingAmount  `yaml:"staking_amount" toml:"staking_amount"`
	Node           NodeConfig      `yaml:"node" toml:"node"`
	ModelCachePath string          `yaml:"model_cache_path" toml:"model_cache_path"`
	MetricsListen  string          `yaml:"metrics_listen" toml:"metrics_listen"`
	Telemetry      TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// LogConfig controls the structured logger and its optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Dir        string `yaml:"dir" toml:"dir"`
	Filename   string `yaml:"filename" toml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// DBConfig selects the state cache backend.
type DBConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// EthereumConfig describes the RPC endpoint, the signing key and the
// contracts the node talks to.
type EthereumConfig struct {
	Provider             string         `yaml:"provider" toml:"provider"`
	PoolSize             int            `yaml:"pool_size" toml:"pool_size"`
	Timeout              Duration       `yaml:"timeout" toml:"timeout"`
	RPS                  float64        `yaml:"rps" toml:"rps"`
	ChainID              uint64         `yaml:"chain_id" toml:"chain_id"`
	Gas                  uint64         `yaml:"gas" toml:"gas"`
	GasPrice             string         `yaml:"gas_price" toml:"gas_price"`
	MaxFeePerGas         string         `yaml:"max_fee_per_gas" toml:"max_fee_per_gas"`
	MaxPriorityFeePerGas string         `yaml:"max_priority_fee_per_gas" toml:"max_priority_fee_per_gas"`
	PrivKey              string         `yaml:"privkey" toml:"privkey"`
	PrivKeyEnv           string         `yaml:"privkey_env" toml:"privkey_env"`
	PrivKeyFile          string         `yaml:"privkey_file" toml:"privkey_file"`
	Keystore             string         `yaml:"keystore" toml:"keystore"`
	KeystorePassEnv      string         `yaml:"keystore_passphrase_env" toml:"keystore_passphrase_env"`
	Contract             ContractConfig `yaml:"contract" toml:"contract"`
}

// ContractConfig holds deployed contract addresses. The benefit address and
// withdraw contracts are optional.
type ContractConfig struct {
	Credits        string `yaml:"credits" toml:"credits"`
	NodeStaking    string `yaml:"node_staking" toml:"node_staking"`
	BenefitAddress string `yaml:"benefit_address" toml:"benefit_address"`
	Withdraw       string `yaml:"withdraw" toml:"withdraw"`
}

// NodeConfig describes the local GPU and the reconciliation cadence.
type NodeConfig struct {
	GPUName      string   `yaml:"gpu_name" toml:"gpu_name"`
	GPUVram      uint64   `yaml:"gpu_vram" toml:"gpu_vram"`
	Version      string   `yaml:"version" toml:"version"`
	SyncInterval Duration `yaml:"sync_interval" toml:"sync_interval"`
	WaitInterval Duration `yaml:"wait_interval" toml:"wait_interval"`
	Headless     bool     `yaml:"headless" toml:"headless"`

	// AccountInterval is how often balance and stake are refreshed.
	AccountInterval Duration `yaml:"account_interval" toml:"account_interval"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	Insecure bool              `yaml:"insecure" toml:"insecure"`
	Headers  map[string]string `yaml:"headers" toml:"headers"`
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Ethereum.normalise(); err != nil {
		return cfg, fmt.Errorf("ethereum signer: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Filename == "" {
		cfg.Log.Filename = "nodeagent.log"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.DB.Driver == "" {
		cfg.DB.Driver = DriverSqlite
	}
	if cfg.DB.Driver == DriverSqlite && cfg.DB.DSN == "" {
		cfg.DB.DSN = "nodeagent.db"
	}
	if cfg.Ethereum.PoolSize <= 0 {
		cfg.Ethereum.PoolSize = 4
	}
	if cfg.Ethereum.Timeout.Duration == 0 {
		cfg.Ethereum.Timeout.Duration = 30 * time.Second
	}
	if cfg.StakingAmount == nil {
		cfg.StakingAmount = NewStakingAmount(DefaultStakingAmount)
	}
	if cfg.Node.SyncInterval.Duration == 0 {
		cfg.Node.SyncInterval.Duration = 60 * time.Second
	}
	if cfg.Node.WaitInterval.Duration == 0 {
		cfg.Node.WaitInterval.Duration = time.Second
	}
	if cfg.Node.AccountInterval.Duration == 0 {
		cfg.Node.AccountInterval.Duration = 60 * time.Second
	}
	if cfg.ModelCachePath == "" {
		cfg.ModelCachePath = "models.db"
	}
	if cfg.Telemetry.Headers == nil {
		cfg.Telemetry.Headers = map[string]string{}
	}
}

func validateConfig(cfg Config) error {
	provider := strings.TrimSpace(cfg.Ethereum.Provider)
	if provider == "" {
		return fmt.Errorf("ethereum provider must be configured")
	}
	if _, err := url.Parse(provider); err != nil {
		return fmt.Errorf("ethereum provider: %w", err)
	}
	if cfg.Ethereum.RPS < 0 {
		return fmt.Errorf("ethereum rps must not be negative")
	}
	if strings.TrimSpace(cfg.RelayURL) == "" {
		return fmt.Errorf("relay_url must be configured")
	}
	switch cfg.DB.Driver {
	case DriverSqlite, DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return fmt.Errorf("db dsn must be configured for postgres")
		}
	default:
		return fmt.Errorf("unsupported db driver %q", cfg.DB.Driver)
	}
	if cfg.StakingAmount.Tokens() <= 0 {
		return fmt.Errorf("staking_amount must be positive")
	}
	if !cfg.Ethereum.HasKeySource() {
		return fmt.Errorf("one of privkey, privkey_env, privkey_file or keystore must be configured")
	}
	if _, err := cfg.Ethereum.TxOption(); err != nil {
		return err
	}
	if cfg.Ethereum.Contract.Configured() {
		if _, err := cfg.Ethereum.Contract.Addresses(); err != nil {
			return err
		}
	}
	return nil
}

// normalise resolves the inline signing key from env or file sources. A
// keystore is left for LoadCredentials since it may need a passphrase, and a
// privkey_file that does not exist yet is left for WatchFile.
func (e *EthereumConfig) normalise() error {
	if e == nil {
		return fmt.Errorf("ethereum configuration missing")
	}
	e.Provider = strings.TrimSpace(e.Provider)
	e.PrivKey = strings.TrimSpace(e.PrivKey)
	e.PrivKeyEnv = strings.TrimSpace(e.PrivKeyEnv)
	e.PrivKeyFile = strings.TrimSpace(e.PrivKeyFile)
	e.Keystore = strings.TrimSpace(e.Keystore)
	e.KeystorePassEnv = strings.TrimSpace(e.KeystorePassEnv)
	if e.PrivKey != "" {
		return nil
	}
	switch {
	case e.PrivKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(e.PrivKeyEnv))
		if value == "" {
			return fmt.Errorf("privkey_env %s is empty", e.PrivKeyEnv)
		}
		e.PrivKey = value
	case e.PrivKeyFile != "":
		contents, err := os.ReadFile(e.PrivKeyFile)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("read privkey_file: %w", err)
		}
		e.PrivKey = strings.TrimSpace(string(contents))
	}
	return nil
}

// HasKeySource reports whether any signing key source is configured.
func (e EthereumConfig) HasKeySource() bool {
	return e.PrivKey != "" || e.PrivKeyEnv != "" || e.PrivKeyFile != "" || e.Keystore != ""
}
