// Package config loads and validates a node's configuration: a JSON file
// layered under environment variables via viper, with CLI flag overrides
// applied afterwards by the command that called Load. Validate() keeps the teacher's shape (fail fast on a
// malformed config before any I/O happens) even though the fields
// underneath it describe channels and key sources instead of validators
// and genesis alloc.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// TLSConfig holds paths to the PEM files needed for mTLS. When nil or all
// paths empty, the outer RPC server falls back to plain TCP — acceptable
// only for single-host test networks.
type TLSConfig struct {
	CACert   string `mapstructure:"ca_cert" json:"ca_cert"`
	NodeCert string `mapstructure:"node_cert" json:"node_cert"`
	NodeKey  string `mapstructure:"node_key" json:"node_key"`
}

// KeyConfig selects how this node acquires its signing key, mirroring
// crypto.KeyConfig's shape so config.Load can pass it straight through.
type KeyConfig struct {
	Source      string `mapstructure:"source" json:"source"` // "file" | "seed"
	KeyFilePath string `mapstructure:"key_file" json:"key_file"`
	Seed        string `mapstructure:"seed" json:"seed"`
	SeedIndex   int    `mapstructure:"seed_index" json:"seed_index"`
}

// Config holds all node configuration.
type Config struct {
	NodeID    string `mapstructure:"node_id" json:"node_id"`
	DataDir   string `mapstructure:"data_dir" json:"data_dir"`
	OuterAddr string `mapstructure:"outer_addr" json:"outer_addr"` // mTLS inter-peer listener
	InnerAddr string `mapstructure:"inner_addr" json:"inner_addr"` // loopback admin/CLI listener
	RSAddr    string `mapstructure:"rs_addr" json:"rs_addr"`       // RadioStation directory address

	Key KeyConfig  `mapstructure:"key" json:"key"`
	TLS *TLSConfig `mapstructure:"tls" json:"tls,omitempty"`

	// Algorithm selects the consensus.AlgorithmKind every channel this
	// node runs boots with ("none", "default", "siever", "lft").
	Algorithm        string `mapstructure:"algorithm" json:"algorithm"`
	LFTVoteTimeoutMS int    `mapstructure:"lft_vote_timeout_ms" json:"lft_vote_timeout_ms"`

	// ScoreMode selects the score.Client stand-in ("null", "echo") until a
	// real external score service is wired in (spec §1 scopes that
	// service's internals out).
	ScoreMode string `mapstructure:"score_mode" json:"score_mode"`

	LogLevel string `mapstructure:"log_level" json:"log_level"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:           "node0",
		DataDir:          "./data",
		OuterAddr:        "0.0.0.0:7100",
		InnerAddr:        "127.0.0.1:7101",
		RSAddr:           "127.0.0.1:7000",
		Key:              KeyConfig{Source: "file", KeyFilePath: "./node.key"},
		Algorithm:        "default",
		LFTVoteTimeoutMS: 20000,
		ScoreMode:        "echo",
		LogLevel:         "info",
	}
}

// Load layers a JSON config file (path may be empty to skip it) over the
// defaults, and LOOPCHAIN_*/DEFAULT_*-prefixed environment variables over
// both. No CLI flags are bound here; callers apply flag overrides to the
// returned Config themselves. envFile, if
// non-empty, is loaded into the process environment first via godotenv —
// local-dev convenience, a no-op in production where the platform injects
// env vars directly.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load env file: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetConfigType("json")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("node_id", d.NodeID)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("outer_addr", d.OuterAddr)
	v.SetDefault("inner_addr", d.InnerAddr)
	v.SetDefault("rs_addr", d.RSAddr)
	v.SetDefault("key.source", d.Key.Source)
	v.SetDefault("key.key_file", d.Key.KeyFilePath)
	v.SetDefault("algorithm", d.Algorithm)
	v.SetDefault("lft_vote_timeout_ms", d.LFTVoteTimeoutMS)
	v.SetDefault("score_mode", d.ScoreMode)
	v.SetDefault("log_level", d.LogLevel)
}

// bindEnv wires the LOOPCHAIN_*/DEFAULT_*-prefixed variables spec §9's
// ambient-stack section names to their config keys.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("node_id", "LOOPCHAIN_NODE_ID")
	_ = v.BindEnv("outer_addr", "LOOPCHAIN_HOST")
	_ = v.BindEnv("log_level", "LOOPCHAIN_LOG_LEVEL")
	_ = v.BindEnv("data_dir", "DEFAULT_STORAGE_PATH")
	_ = v.BindEnv("score_mode", "DEFAULT_SCORE_MODE")
	_ = v.BindEnv("rs_addr", "DEFAULT_SCORE_RS_ADDR")
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.OuterAddr == "" {
		return fmt.Errorf("outer_addr must not be empty")
	}
	if c.InnerAddr == "" {
		return fmt.Errorf("inner_addr must not be empty")
	}
	switch c.Key.Source {
	case "file":
		if c.Key.KeyFilePath == "" {
			return fmt.Errorf("key.key_file must not be empty when key.source is \"file\"")
		}
	case "seed":
		if c.Key.Seed == "" {
			return fmt.Errorf("key.seed must not be empty when key.source is \"seed\"")
		}
	default:
		return fmt.Errorf("key.source must be \"file\" or \"seed\", got %q", c.Key.Source)
	}
	switch c.Algorithm {
	case "none", "default", "siever", "lft":
	default:
		return fmt.Errorf("algorithm must be one of none/default/siever/lft, got %q", c.Algorithm)
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}
