// Package config defines all configuration for the exchange core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MKT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Store      StoreConfig      `mapstructure:"store"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Resolution ResolutionConfig `mapstructure:"resolution"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Channel    ChannelConfig    `mapstructure:"channel"`
	Admin      AdminConfig      `mapstructure:"admin"`
	API        APIConfig        `mapstructure:"api"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig sets where the exchange snapshot is persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// TradingConfig tunes trade admission.
//
//   - MaxSlippage: default per-trade slippage cap as a probability delta
//     (0.05 = five percentage points). Intents may set a tighter cap.
//   - MinLiquidity: smallest b accepted at market creation, in micro-units.
type TradingConfig struct {
	MaxSlippage  float64 `mapstructure:"max_slippage"`
	MinLiquidity int64   `mapstructure:"min_liquidity"`
}

// ResolutionConfig controls the resolution worker loop.
type ResolutionConfig struct {
	CheckInterval         time.Duration `mapstructure:"check_interval"`
	AutoFreeze            bool          `mapstructure:"auto_freeze"`
	AutoResolve           bool          `mapstructure:"auto_resolve"`
	RequireManualApproval bool          `mapstructure:"require_manual_approval"`
	OracleTimeout         time.Duration `mapstructure:"oracle_timeout"`
}

// OracleConfig points at the outcome feed. SignerAddress is the address
// outcome proofs must recover to.
type OracleConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	SignerAddress string `mapstructure:"signer_address"`
}

// SettlementConfig tunes signature collection.
//
//   - SignatureWindow: how long participants have to sign a final state.
type SettlementConfig struct {
	SignatureWindow time.Duration `mapstructure:"signature_window"`
}

// ChannelConfig points at the state-channel clearing network. When
// Enabled is false the engine runs in accounting-only mode and never
// calls out.
type ChannelConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Asset   string `mapstructure:"asset"`
}

// AdminConfig lists addresses allowed to call admin entry points
// (create, freeze, resolve, settle, cancel, force-resolve).
type AdminConfig struct {
	Allowlist []string `mapstructure:"allowlist"`
}

// APIConfig controls the HTTP/WebSocket query surface.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MKT_CHANNEL_API_KEY, MKT_ORACLE_SIGNER_ADDRESS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MKT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("MKT_CHANNEL_API_KEY"); key != "" {
		cfg.Channel.APIKey = key
	}
	if addr := os.Getenv("MKT_ORACLE_SIGNER_ADDRESS"); addr != "" {
		cfg.Oracle.SignerAddress = addr
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("trading.max_slippage", 0.05)
	v.SetDefault("trading.min_liquidity", 1_000_000)
	v.SetDefault("resolution.check_interval", 30*time.Second)
	v.SetDefault("resolution.auto_freeze", true)
	v.SetDefault("resolution.auto_resolve", true)
	v.SetDefault("resolution.oracle_timeout", 10*time.Second)
	v.SetDefault("settlement.signature_window", 30*time.Minute)
	v.SetDefault("channel.asset", "usdc")
	v.SetDefault("api.port", 8090)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Trading.MaxSlippage <= 0 || c.Trading.MaxSlippage >= 1 {
		return fmt.Errorf("trading.max_slippage must be in (0, 1)")
	}
	if c.Trading.MinLiquidity <= 0 {
		return fmt.Errorf("trading.min_liquidity must be > 0")
	}
	if c.Resolution.CheckInterval <= 0 {
		return fmt.Errorf("resolution.check_interval must be > 0")
	}
	if c.Resolution.AutoResolve && c.Oracle.BaseURL == "" {
		return fmt.Errorf("oracle.base_url is required when resolution.auto_resolve is set")
	}
	if c.Oracle.BaseURL != "" && c.Oracle.SignerAddress == "" {
		return fmt.Errorf("oracle.signer_address is required (set MKT_ORACLE_SIGNER_ADDRESS)")
	}
	if c.Settlement.SignatureWindow <= 0 {
		return fmt.Errorf("settlement.signature_window must be > 0")
	}
	if c.Channel.Enabled && c.Channel.BaseURL == "" {
		return fmt.Errorf("channel.base_url is required when channel.enabled is set")
	}
	if len(c.Admin.Allowlist) == 0 {
		return fmt.Errorf("admin.allowlist must name at least one admin address")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid TCP port")
	}
	return nil
}
