package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"verto/crypto"

	"github.com/BurntSushi/toml"
)

// Config is the vertod node configuration file.
type Config struct {
	RPCAddress            string `toml:"RPCAddress"`
	DataDir               string `toml:"DataDir"`
	GenesisFile           string `toml:"GenesisFile"`
	ValidatorKeystorePath string `toml:"ValidatorKeystorePath"`
	ChainID               uint64 `toml:"ChainID"`
	Environment           string `toml:"Environment"`
	// BlockIntervalMs is the pause between block production attempts.
	BlockIntervalMs uint64 `toml:"BlockIntervalMs"`
	// ReviewPeriodSeconds overrides the genesis review period when non-zero.
	ReviewPeriodSeconds uint64 `toml:"ReviewPeriodSeconds"`
	AllowMigrate        bool   `toml:"AllowMigrate"`

	RPC       RPC       `toml:"rpc"`
	Mempool   Mempool   `toml:"mempool"`
	Logging   Logging   `toml:"logging"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Load loads the configuration from the given path, writing a default file
// and validator keystore when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	cfg := &Config{
		RPCAddress:  "127.0.0.1:8080",
		DataDir:     "./verto-data",
		ChainID:     DefaultChainID,
		Environment: "dev",
	}
	cfg.applyDefaults()
	return cfg
}

// DefaultChainID is used when the configuration omits ChainID.
const DefaultChainID uint64 = 1337

func (c *Config) applyDefaults() {
	if c.ChainID == 0 {
		c.ChainID = DefaultChainID
	}
	if c.BlockIntervalMs == 0 {
		c.BlockIntervalMs = 1000
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	c.RPC.applyDefaults()
	c.Mempool.applyDefaults()
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "vertod"
	}
}

// BlockInterval returns BlockIntervalMs as a duration.
func (c *Config) BlockInterval() time.Duration {
	return time.Duration(c.BlockIntervalMs) * time.Millisecond
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.ValidatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.ValidatorKeystorePath != keystorePath {
		cfg.ValidatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.ValidatorKeystorePath = keystorePath
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "validator.keystore")
}
