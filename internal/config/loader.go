package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// The first six env* constants are the variables spec §6 names as the entire
// configuration contract of the core. Missing or unparseable values cause
// startup failure, matching original_source/sequencer/src/config.rs's
// `Config::from_env` / `get_env` behavior.
const (
	envPort                = "PORT"
	envDatabaseURL         = "DATABASE_URL"
	envRPCURL              = "RPC_URL"
	envChainID             = "CHAIN_ID"
	envSequencerPrivateKey = "SEQUENCER_PRIVATE_KEY"
	envChannelManager      = "CHANNEL_MANAGER"

	// envSequencerKeyPassphrase is optional: when set, SEQUENCER_PRIVATE_KEY
	// is read as a path to an encrypted key file (chaincrypto.EncryptSequencerKey)
	// rather than a raw hex key.
	envSequencerKeyPassphrase = "SEQUENCER_KEY_PASSPHRASE"
)

// Load resolves the sequencer configuration. It loads an optional .env file
// (best-effort, silently ignored if absent), reads an optional TOML
// overlay at tomlPath for operational
// knobs not covered by the required env vars, and then resolves the six
// required env vars, which always take precedence and must all be present.
func Load(tomlPath string) (*Config, error) {
	cfg := Defaults()

	_ = godotenv.Load()

	if tomlPath != "" {
		if _, err := os.Stat(tomlPath); err == nil {
			if _, err := toml.DecodeFile(tomlPath, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", tomlPath, err)
			}
		}
	}

	if err := resolveRequired(&cfg); err != nil {
		return nil, err
	}
	cfg.SequencerKeyPassphrase = os.Getenv(envSequencerKeyPassphrase)

	return &cfg, nil
}

func resolveRequired(cfg *Config) error {
	port, err := getEnvUint16(envPort)
	if err != nil {
		return err
	}
	cfg.Port = port

	dbURL, err := getEnv(envDatabaseURL)
	if err != nil {
		return err
	}
	cfg.DatabaseURL = dbURL

	rpcURL, err := getEnv(envRPCURL)
	if err != nil {
		return err
	}
	cfg.RPCURL = rpcURL

	chainID, err := getEnvUint64(envChainID)
	if err != nil {
		return err
	}
	cfg.ChainID = chainID

	key, err := getEnv(envSequencerPrivateKey)
	if err != nil {
		return err
	}
	cfg.SequencerPrivateKey = key

	manager, err := getEnv(envChannelManager)
	if err != nil {
		return err
	}
	cfg.ChannelManager = manager

	return nil
}

func getEnv(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("config: missing environment variable %s", key)
	}
	return v, nil
}

func getEnvUint16(key string) (uint16, error) {
	v, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return uint16(n), nil
}

func getEnvUint64(key string) (uint64, error) {
	v, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
