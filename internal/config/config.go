// Package config defines the sequencer's configuration and validation
// helpers. The six required fields of Config (Port through ChannelManager,
// read from the env* variables in loader.go) are the entire contract spec §6
// imposes; everything else in Config is an optional operational knob.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration structure. The required fields are
// populated strictly from environment variables (spec §6); the optional
// sections may additionally be populated from a TOML file for operators
// who want tuned pool sizes, rate limits, or cold-storage settings without
// growing the set of required env vars.
type Config struct {
	// --- required, spec §6 ---
	Port                uint16
	DatabaseURL         string
	RPCURL              string
	ChainID             uint64
	SequencerPrivateKey string // hex, 0x-prefixed or not; 32 bytes when decoded
	ChannelManager      string // 0x-hex 20-byte checksummed address

	// --- optional operational knobs (ambient, not part of the core contract) ---
	// SequencerKeyPassphrase, when set, reinterprets SequencerPrivateKey as a
	// path to a file produced by chaincrypto.EncryptSequencerKey rather than a
	// raw hex key, so the key never has to sit in the clear in the process
	// environment or a .env file.
	SequencerKeyPassphrase string
	LogLevel               string       `toml:"log_level"`
	DB                     DBConfig     `toml:"db"`
	Redis                  RedisConfig  `toml:"redis"`
	S3                     S3Config     `toml:"s3"`
	KMS                    KMSConfig    `toml:"kms"`
	RateLimit              RateLimitCfg `toml:"rate_limit"`
	API                    APIConfig    `toml:"api"`
	Store                  StoreConfig  `toml:"store"`
}

// DBConfig holds PostgreSQL connection-pool tuning.
type DBConfig struct {
	MaxConns int `toml:"max_conns"`
	MinConns int `toml:"min_conns"`
}

// RedisConfig holds the optional Redis connection used for the websocket
// fan-out backplane and the rate limiter.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// S3Config holds the optional cold-storage archive target.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// KMSConfig selects AWS KMS as the sequencer signing backend instead of a
// raw private key. When KeyID is set, SequencerPrivateKey is interpreted
// as the expected Ethereum address of the KMS key (see SPEC_FULL.md §4.1).
type KMSConfig struct {
	KeyID  string `toml:"key_id"`
	Region string `toml:"region"`
}

// RateLimitCfg tunes the settle/finalize rate limiter.
type RateLimitCfg struct {
	Enabled       bool  `toml:"enabled"`
	RequestsPerIP int   `toml:"requests_per_ip"`
	WindowSeconds int64 `toml:"window_seconds"`
}

// APIConfig holds optional HTTP-surface knobs.
type APIConfig struct {
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// StoreConfig tunes voucher-engine storage behavior around the documented
// open questions (SPEC_FULL.md §6).
type StoreConfig struct {
	// AllowReseed mirrors the source's behavior of silently overwriting an
	// existing channel on seed (spec §9 "Re-seeding"). Defaults to true.
	AllowReseed bool `toml:"allow_reseed"`
}

// Defaults returns a Config populated with reasonable optional defaults.
// Required fields are left zero-valued; Load always overwrites them from
// the environment.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		DB: DBConfig{
			MaxConns: 5,
			MinConns: 1,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		RateLimit: RateLimitCfg{
			Enabled:       true,
			RequestsPerIP: 30,
			WindowSeconds: 10,
		},
		Store: StoreConfig{
			AllowReseed: true,
		},
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for missing or contradictory values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Port == 0 {
		errs = append(errs, "PORT must be set and non-zero")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, "DATABASE_URL must not be empty")
	}
	if strings.TrimSpace(c.RPCURL) == "" {
		errs = append(errs, "RPC_URL must not be empty")
	}
	if c.ChainID == 0 {
		errs = append(errs, "CHAIN_ID must be set and non-zero")
	}
	if strings.TrimSpace(c.SequencerPrivateKey) == "" {
		errs = append(errs, "SEQUENCER_PRIVATE_KEY must not be empty")
	}
	if strings.TrimSpace(c.ChannelManager) == "" {
		errs = append(errs, "CHANNEL_MANAGER must not be empty")
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.DB.MaxConns < 1 {
		errs = append(errs, "db: max_conns must be >= 1")
	}
	if c.DB.MinConns < 0 || c.DB.MinConns > c.DB.MaxConns {
		errs = append(errs, "db: min_conns must be between 0 and max_conns")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerIP <= 0 {
			errs = append(errs, "rate_limit: requests_per_ip must be > 0 when enabled")
		}
		if c.RateLimit.WindowSeconds <= 0 {
			errs = append(errs, "rate_limit: window_seconds must be > 0 when enabled")
		}
	}
	if c.KMS.KeyID != "" && c.KMS.Region == "" {
		errs = append(errs, "kms: region must be set when key_id is set")
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// UsesKMS reports whether the sequencer signing key should be resolved
// through AWS KMS rather than from SequencerPrivateKey directly.
func (c *Config) UsesKMS() bool {
	return c.KMS.KeyID != ""
}

// UsesEncryptedKeyFile reports whether SequencerPrivateKey should be read as
// a path to a passphrase-protected key file rather than a raw hex key.
func (c *Config) UsesEncryptedKeyFile() bool {
	return c.SequencerKeyPassphrase != ""
}
