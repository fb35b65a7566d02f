package config

import (
	"fmt"
	"strings"
)

var (
	MaxBlockIntervalMs = uint64(60_000)
)

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("RPCAddress must be set")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must be set")
	}
	if c.BlockIntervalMs > MaxBlockIntervalMs {
		return fmt.Errorf("BlockIntervalMs must not exceed %d", MaxBlockIntervalMs)
	}
	if c.Mempool.Limit <= 0 {
		return fmt.Errorf("mempool: Limit <= 0")
	}
	if c.Mempool.MaxTxsPerBlock <= 0 {
		return fmt.Errorf("mempool: MaxTxsPerBlock <= 0")
	}
	if c.RPC.RateLimitPerSecond < 0 || c.RPC.RateLimitBurst < 0 {
		return fmt.Errorf("rpc: rate limits must not be negative")
	}
	if (c.RPC.TLSCertFile == "") != (c.RPC.TLSKeyFile == "") {
		return fmt.Errorf("rpc: TLSCertFile and TLSKeyFile must be set together")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0,1]")
	}
	return nil
}
