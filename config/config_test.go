package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"verto/crypto"
)

func TestLoadCreatesDefaultConfigAndKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChainID != DefaultChainID {
		t.Fatalf("unexpected chain id %d", cfg.ChainID)
	}
	if cfg.ValidatorKeystorePath != filepath.Join(dir, "validator.keystore") {
		t.Fatalf("unexpected keystore path %q", cfg.ValidatorKeystorePath)
	}
	if _, err := crypto.KeystoreAddress(cfg.ValidatorKeystorePath); err != nil {
		t.Fatalf("keystore not written: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not persisted: %v", err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.RPCAddress != cfg.RPCAddress || again.Mempool.Limit != cfg.Mempool.Limit {
		t.Fatalf("reload changed config: %+v vs %+v", again, cfg)
	}
}

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "node.keystore")
	contents := `RPCAddress = "0.0.0.0:9000"
DataDir = "./data"
GenesisFile = "genesis.json"
ValidatorKeystorePath = "` + keystorePath + `"
ChainID = 77
BlockIntervalMs = 250
ReviewPeriodSeconds = 60

[rpc]
AuthTokenEnv = "VERTO_TEST_TOKEN"
RateLimitPerSecond = 5.5
RateLimitBurst = 9

[mempool]
Limit = 12
MaxTxsPerBlock = 3

[logging]
Level = "debug"
File = "./logs/vertod.log"

[telemetry]
Traces = true
Endpoint = "collector:4318"
SampleRatio = 0.25
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VERTO_TEST_TOKEN", "  secret ")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChainID != 77 || cfg.BlockInterval().Milliseconds() != 250 || cfg.ReviewPeriodSeconds != 60 {
		t.Fatalf("unexpected top-level values: %+v", cfg)
	}
	if cfg.RPC.RateLimitPerSecond != 5.5 || cfg.RPC.RateLimitBurst != 9 {
		t.Fatalf("unexpected rpc limits: %+v", cfg.RPC)
	}
	if got := cfg.RPC.ResolveAuthToken(); got != "secret" {
		t.Fatalf("unexpected auth token %q", got)
	}
	if cfg.RPC.MaxBodyBytes != 1<<20 {
		t.Fatalf("expected default body limit, got %d", cfg.RPC.MaxBodyBytes)
	}
	if cfg.Mempool.Limit != 12 || cfg.Mempool.MaxTxsPerBlock != 3 {
		t.Fatalf("unexpected mempool config: %+v", cfg.Mempool)
	}
	if cfg.Logging.Level != "debug" || cfg.Telemetry.SampleRatio != 0.25 || !cfg.Telemetry.Traces {
		t.Fatalf("unexpected logging/telemetry: %+v %+v", cfg.Logging, cfg.Telemetry)
	}
	if _, err := os.Stat(keystorePath); err != nil {
		t.Fatalf("expected keystore at configured path: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("RPCAddress = \":1\"\nValidatorKey = \"deadbeef\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "ValidatorKey") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"block interval": func(c *Config) { c.BlockIntervalMs = MaxBlockIntervalMs + 1 },
		"mempool limit":  func(c *Config) { c.Mempool.Limit = -1 },
		"tls pair":       func(c *Config) { c.RPC.TLSCertFile = "cert.pem" },
		"log level":      func(c *Config) { c.Logging.Level = "loud" },
		"sample ratio":   func(c *Config) { c.Telemetry.SampleRatio = 1.5 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
