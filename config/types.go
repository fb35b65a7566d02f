package config

import (
	"os"
	"strings"
)

// RPC configures the JSON-RPC listener.
type RPC struct {
	// AuthToken guards transaction submission. AuthTokenEnv names an
	// environment variable consulted when AuthToken is empty.
	AuthToken    string `toml:"AuthToken"`
	AuthTokenEnv string `toml:"AuthTokenEnv"`
	// RateLimitPerSecond and RateLimitBurst throttle each client address.
	RateLimitPerSecond float64  `toml:"RateLimitPerSecond"`
	RateLimitBurst     int      `toml:"RateLimitBurst"`
	MaxBodyBytes       int64    `toml:"MaxBodyBytes"`
	TrustProxyHeaders  bool     `toml:"TrustProxyHeaders"`
	TrustedProxies     []string `toml:"TrustedProxies"`
	ReadHeaderTimeout  uint64   `toml:"ReadHeaderTimeout"`
	ReadTimeout        uint64   `toml:"ReadTimeout"`
	WriteTimeout       uint64   `toml:"WriteTimeout"`
	IdleTimeout        uint64   `toml:"IdleTimeout"`
	TLSCertFile        string   `toml:"TLSCertFile"`
	TLSKeyFile         string   `toml:"TLSKeyFile"`
}

func (r *RPC) applyDefaults() {
	if r.RateLimitPerSecond == 0 {
		r.RateLimitPerSecond = 20
	}
	if r.RateLimitBurst == 0 {
		r.RateLimitBurst = 40
	}
	if r.MaxBodyBytes == 0 {
		r.MaxBodyBytes = 1 << 20
	}
	if r.ReadHeaderTimeout == 0 {
		r.ReadHeaderTimeout = 5
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = 15
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = 15
	}
	if r.IdleTimeout == 0 {
		r.IdleTimeout = 60
	}
	if r.TrustedProxies == nil {
		r.TrustedProxies = []string{}
	}
}

// ResolveAuthToken returns AuthToken, falling back to AuthTokenEnv.
func (r RPC) ResolveAuthToken() string {
	if token := strings.TrimSpace(r.AuthToken); token != "" {
		return token
	}
	if env := strings.TrimSpace(r.AuthTokenEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// Mempool controls transaction admission and block size.
type Mempool struct {
	Limit          int `toml:"Limit"`
	MaxTxsPerBlock int `toml:"MaxTxsPerBlock"`
}

func (m *Mempool) applyDefaults() {
	if m.Limit == 0 {
		m.Limit = 10_000
	}
	if m.MaxTxsPerBlock == 0 {
		m.MaxTxsPerBlock = 500
	}
}

// Logging selects the log level and optional rotated file.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	ServiceName string  `toml:"ServiceName"`
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Traces      bool    `toml:"Traces"`
	Metrics     bool    `toml:"Metrics"`
	SampleRatio float64 `toml:"SampleRatio"`
}
