package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. Secrets are expected to
// arrive this way rather than through the YAML file.
const (
	EnvNodeURL    = "VERTO_GATEWAY_NODE_URL"
	EnvNodeToken  = "VERTO_GATEWAY_NODE_TOKEN"
	EnvHMACSecret = "VERTO_GATEWAY_JWT_SECRET"
	EnvDatabase   = "VERTO_GATEWAY_DB"
)

type NodeConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	ID                string  `yaml:"id"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	RatePerSecond     float64 `yaml:"ratePerSecond"`
	Burst             int     `yaml:"burst"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	Metrics       bool   `yaml:"metrics"`
	Tracing       bool   `yaml:"tracing"`
	LogRequests   bool   `yaml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
}

type MirrorConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
}

// WebhookConfig bounds the escrow event webhook queue and its delivery retries.
type WebhookConfig struct {
	Enabled         bool          `yaml:"enabled"`
	QueueCapacity   int           `yaml:"queueCapacity"`
	HistorySize     int           `yaml:"historySize"`
	QueueTTL        time.Duration `yaml:"queueTTL"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	DeliveryTimeout time.Duration `yaml:"deliveryTimeout"`
}

type Config struct {
	ListenAddress string              `yaml:"listen"`
	Environment   string              `yaml:"environment"`
	DatabasePath  string              `yaml:"database"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`
	Node          NodeConfig          `yaml:"node"`
	Mirror        MirrorConfig        `yaml:"mirror"`
	Webhooks      WebhookConfig       `yaml:"webhooks"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	Security      SecurityConfig      `yaml:"security"`
}

type AuthConfig struct {
	Enabled           bool          `yaml:"enabled"`
	HMACSecret        string        `yaml:"hmacSecret"`
	Issuer            string        `yaml:"issuer"`
	Audience          string        `yaml:"audience"`
	ScopeClaim        string        `yaml:"scopeClaim"`
	OptionalPaths     []string      `yaml:"optionalPaths"`
	AllowAnonymous    bool          `yaml:"allowAnonymous"`
	ClockSkew         time.Duration `yaml:"clockSkew"`
	allowAnonymousSet bool          `yaml:"-"`
	enabledSet        bool          `yaml:"-"`
}

// UnmarshalYAML records whether enabled and allowAnonymous were written out
// so that Validate can tell an explicit false from an omitted key.
func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Enabled        *bool         `yaml:"enabled"`
		HMACSecret     string        `yaml:"hmacSecret"`
		Issuer         string        `yaml:"issuer"`
		Audience       string        `yaml:"audience"`
		ScopeClaim     string        `yaml:"scopeClaim"`
		OptionalPaths  []string      `yaml:"optionalPaths"`
		AllowAnonymous *bool         `yaml:"allowAnonymous"`
		ClockSkew      time.Duration `yaml:"clockSkew"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.enabledSet = raw.Enabled != nil
	a.Enabled = raw.Enabled != nil && *raw.Enabled
	a.allowAnonymousSet = raw.AllowAnonymous != nil
	a.AllowAnonymous = raw.AllowAnonymous != nil && *raw.AllowAnonymous
	a.HMACSecret = raw.HMACSecret
	a.Issuer = raw.Issuer
	a.Audience = raw.Audience
	a.ScopeClaim = raw.ScopeClaim
	a.OptionalPaths = raw.OptionalPaths
	a.ClockSkew = raw.ClockSkew
	return nil
}

type SecurityConfig struct {
	AutoUpgradeHTTP bool     `yaml:"autoUpgradeHTTP"`
	TLSCertFile     string   `yaml:"tlsCertFile"`
	TLSKeyFile      string   `yaml:"tlsKeyFile"`
	TrustedProxies  []string `yaml:"trustedProxies"`
	AllowedOrigins  []string `yaml:"allowedOrigins"`
}

func defaults() Config {
	return Config{
		ListenAddress: ":8090",
		Environment:   "dev",
		DatabasePath:  "verto-gateway.db",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Node: NodeConfig{
			Endpoint: "http://127.0.0.1:8080",
			Timeout:  15 * time.Second,
		},
		Mirror: MirrorConfig{
			PollInterval: 2 * time.Second,
			BatchSize:    200,
		},
		Webhooks: WebhookConfig{
			Enabled:         true,
			QueueCapacity:   1024,
			HistorySize:     256,
			QueueTTL:        15 * time.Minute,
			MaxAttempts:     5,
			DeliveryTimeout: 10 * time.Second,
		},
		RateLimits: []RateLimitConfig{
			{ID: "read", RequestsPerMinute: 600, Burst: 60},
			{ID: "write", RequestsPerMinute: 60, Burst: 10},
		},
		Observability: ObservabilityConfig{
			ServiceName:   "verto-gateway",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "gateway",
		},
		Auth: AuthConfig{
			Enabled:    true,
			ScopeClaim: "scope",
			ClockSkew:  2 * time.Minute,
			enabledSet: true,
		},
	}
}

// Load reads the YAML file at path on top of the defaults and applies the
// environment overrides. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyAuthDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvNodeURL); ok && strings.TrimSpace(v) != "" {
		cfg.Node.Endpoint = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvNodeToken); ok {
		cfg.Node.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvHMACSecret); ok && strings.TrimSpace(v) != "" {
		cfg.Auth.HMACSecret = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDatabase); ok && strings.TrimSpace(v) != "" {
		cfg.DatabasePath = strings.TrimSpace(v)
	}
}

func (cfg *Config) applyAuthDefaults() {
	if !cfg.Auth.enabledSet {
		cfg.Auth.Enabled = true
		cfg.Auth.enabledSet = true
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Mirror.PollInterval <= 0 {
		cfg.Mirror.PollInterval = 2 * time.Second
	}
	if cfg.Mirror.BatchSize <= 0 {
		cfg.Mirror.BatchSize = 200
	}
}

var (
	ErrAuthEnabledNotConfigured = errors.New("auth.enabled must be explicitly set for sensitive deployments")
	ErrMissingSecret            = errors.New("auth.hmacSecret is required when auth is enabled")
)

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address is required")
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return fmt.Errorf("database path is required")
	}
	if cfg.isSensitiveDeployment() && !cfg.Auth.enabledSet {
		return ErrAuthEnabledNotConfigured
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" && !isDevEnv(cfg.Environment) {
		return ErrMissingSecret
	}
	if cfg.Auth.AllowAnonymous && !cfg.Auth.allowAnonymousSet {
		return fmt.Errorf("auth.allowAnonymous must be explicitly set to true to enable anonymous access")
	}
	trimmed := make([]string, len(cfg.Auth.OptionalPaths))
	for i, path := range cfg.Auth.OptionalPaths {
		p := strings.TrimSpace(path)
		if p == "" {
			return fmt.Errorf("auth.optionalPaths[%d] cannot be empty", i)
		}
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("auth.optionalPaths[%d] must start with '/'", i)
		}
		trimmed[i] = p
	}
	cfg.Auth.OptionalPaths = trimmed
	if cfg.Auth.Enabled && cfg.Auth.AllowAnonymous && len(cfg.Auth.OptionalPaths) == 0 {
		return fmt.Errorf("auth.optionalPaths must list at least one entry when auth.allowAnonymous is true")
	}
	seen := make(map[string]struct{}, len(cfg.RateLimits))
	for i, rl := range cfg.RateLimits {
		id := strings.TrimSpace(rl.ID)
		if id == "" {
			return fmt.Errorf("rateLimits[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("rateLimits[%d].id %q is duplicated", i, id)
		}
		seen[id] = struct{}{}
		if rl.RequestsPerMinute < 0 || rl.RatePerSecond < 0 || rl.Burst < 0 {
			return fmt.Errorf("rateLimits[%d] values must not be negative", i)
		}
	}
	if cfg.Webhooks.QueueCapacity < 0 || cfg.Webhooks.HistorySize < 0 || cfg.Webhooks.MaxAttempts < 0 {
		return fmt.Errorf("webhooks values must not be negative")
	}
	if cfg.Webhooks.QueueTTL < 0 || cfg.Webhooks.DeliveryTimeout < 0 {
		return fmt.Errorf("webhooks durations must not be negative")
	}
	if (cfg.Security.TLSCertFile == "") != (cfg.Security.TLSKeyFile == "") {
		return fmt.Errorf("security.tlsCertFile and security.tlsKeyFile must be set together")
	}
	if _, err := cfg.NodeURL(); err != nil {
		return err
	}
	return nil
}

// NodeURL parses the node endpoint and applies the scheme policy for the
// configured environment.
func (cfg Config) NodeURL() (*url.URL, error) {
	if strings.TrimSpace(cfg.Node.Endpoint) == "" {
		return nil, fmt.Errorf("node.endpoint is required")
	}
	parsed, err := url.Parse(cfg.Node.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse node endpoint: %w", err)
	}
	secured, _, err := EnforceSecureScheme(cfg.Environment, parsed, cfg.Security.AutoUpgradeHTTP)
	if err != nil {
		return nil, fmt.Errorf("node endpoint: %w", err)
	}
	return secured, nil
}

// RateLimit returns the limit registered under id.
func (cfg Config) RateLimit(id string) (RateLimitConfig, bool) {
	for _, rl := range cfg.RateLimits {
		if rl.ID == id {
			return rl, true
		}
	}
	return RateLimitConfig{}, false
}

func (cfg *Config) isSensitiveDeployment() bool {
	if cfg == nil {
		return false
	}
	if cfg.Security.AutoUpgradeHTTP {
		return true
	}
	if strings.TrimSpace(cfg.Security.TLSCertFile) != "" || strings.TrimSpace(cfg.Security.TLSKeyFile) != "" {
		return true
	}
	return !isDevEnv(cfg.Environment)
}

// EnforceSecureScheme ensures the supplied URL uses HTTPS outside of the dev environment.
// If autoUpgrade is enabled, insecure HTTP URLs are transparently upgraded to HTTPS.
// The returned boolean indicates whether an upgrade occurred.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, fmt.Errorf("target URL is nil")
	}
	scheme := strings.ToLower(strings.TrimSpace(target.Scheme))
	switch scheme {
	case "https":
		return target, false, nil
	case "http":
		if isDevEnv(env) {
			return target, false, nil
		}
		if autoUpgrade {
			upgraded := *target
			upgraded.Scheme = "https"
			return &upgraded, true, nil
		}
		if strings.TrimSpace(env) == "" {
			env = "(unset)"
		}
		return nil, false, fmt.Errorf("plaintext HTTP endpoints are not permitted for environment %s", env)
	case "":
		return nil, false, fmt.Errorf("URL scheme is required")
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
}

func isDevEnv(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}
