// Package config loads and validates the gateway's runtime configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigError is returned when a configuration option is missing,
// malformed, or out of bounds.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// AuthMode selects how inbound requests are authenticated.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBearer AuthMode = "bearer"
	AuthMTLS   AuthMode = "mtls"
)

// Config is the single runtime configuration object for the gateway.
type Config struct {
	TCPBind     string
	UDSPath     string
	MetricsBind string
	UpstreamMCP string
	LogLevel    string

	TLS        TLSConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Discovery  DiscoveryConfig
	Peer       PeerConfig
	Circuit    CircuitConfig
}

type TLSConfig struct {
	CertFile   string
	KeyFile    string
	ClientCA   string
}

type AuthConfig struct {
	Mode   AuthMode
	Secret string
}

type RateLimitConfig struct {
	Capacity     float64
	RefillPerSec float64
	// RedisAddr selects the distributed RedisLimiter when non-empty
	// (multi-replica deployments sharing admission state); the
	// in-memory Limiter is used otherwise.
	RedisAddr string
}

type DiscoveryConfig struct {
	Service      string
	DoHServers   []string
	MDNSEnabled  bool
}

type PeerConfig struct {
	ExchangeIntervalMs int
	FreshnessMs        int64
	SharedSecret       string
}

type CircuitConfig struct {
	FailureThreshold int
	OpenMs           int
	HalfOpenProbes   int
}

// Load builds a Config from environment variables, optionally layered
// over a YAML config file discovered in a fixed search order. Environment
// variables always take precedence over file values.
func Load() (*Config, error) {
	cfg := defaults()

	if path := findConfigFile(); path != "" {
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		TCPBind:     "0.0.0.0:8443",
		UDSPath:     "/var/run/sugora/gateway.sock",
		MetricsBind: "0.0.0.0:9090",
		UpstreamMCP: "http://127.0.0.1:9000",
		LogLevel:    "info",
		Auth: AuthConfig{
			Mode: AuthNone,
		},
		RateLimit: RateLimitConfig{
			Capacity:     100,
			RefillPerSec: 50,
		},
		Discovery: DiscoveryConfig{
			MDNSEnabled: true,
		},
		Peer: PeerConfig{
			ExchangeIntervalMs: 5000,
			FreshnessMs:        30000,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			OpenMs:           30000,
			HalfOpenProbes:   2,
		},
	}
}

func findConfigFile() string {
	if v := os.Getenv("SWEETMCP_CONFIG_FILE"); v != "" {
		if _, err := os.Stat(v); err == nil {
			return v
		}
	}
	for _, candidate := range []string{"./sugora.yaml", "/etc/sugora/sugora.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// fileShape mirrors Config's fields with yaml tags for optional
// file-based overrides; any zero-value field is left untouched.
type fileShape struct {
	TCPBind     string `yaml:"tcp_bind"`
	UDSPath     string `yaml:"uds_path"`
	MetricsBind string `yaml:"metrics_bind"`
	UpstreamMCP string `yaml:"upstream_mcp"`
	LogLevel    string `yaml:"log_level"`
	TLS         struct {
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
		ClientCA string `yaml:"client_ca"`
	} `yaml:"tls"`
	Auth struct {
		Mode   string `yaml:"mode"`
		Secret string `yaml:"secret"`
	} `yaml:"auth"`
	RateLimit struct {
		Capacity     float64 `yaml:"capacity"`
		RefillPerSec float64 `yaml:"refill_per_sec"`
		RedisAddr    string  `yaml:"redis_addr"`
	} `yaml:"rate_limit"`
	Discovery struct {
		Service     string   `yaml:"service"`
		DoHServers  []string `yaml:"doh_servers"`
		MDNSEnabled *bool    `yaml:"mdns_enabled"`
	} `yaml:"discovery"`
	Peer struct {
		ExchangeIntervalMs int    `yaml:"exchange_interval_ms"`
		FreshnessMs        int64  `yaml:"freshness_ms"`
		SharedSecret       string `yaml:"shared_secret"`
	} `yaml:"peer"`
	Circuit struct {
		FailureThreshold int `yaml:"failure_threshold"`
		OpenMs           int `yaml:"open_ms"`
		HalfOpenProbes   int `yaml:"half_open_probes"`
	} `yaml:"circuit"`
}

func mergeFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Field: "config_file", Msg: err.Error()}
	}
	var fs fileShape
	if err := yaml.Unmarshal(raw, &fs); err != nil {
		return &ConfigError{Field: "config_file", Msg: err.Error()}
	}

	if fs.TCPBind != "" {
		cfg.TCPBind = fs.TCPBind
	}
	if fs.UDSPath != "" {
		cfg.UDSPath = fs.UDSPath
	}
	if fs.MetricsBind != "" {
		cfg.MetricsBind = fs.MetricsBind
	}
	if fs.UpstreamMCP != "" {
		cfg.UpstreamMCP = fs.UpstreamMCP
	}
	if fs.LogLevel != "" {
		cfg.LogLevel = fs.LogLevel
	}
	if fs.TLS.CertFile != "" {
		cfg.TLS.CertFile = fs.TLS.CertFile
	}
	if fs.TLS.KeyFile != "" {
		cfg.TLS.KeyFile = fs.TLS.KeyFile
	}
	if fs.TLS.ClientCA != "" {
		cfg.TLS.ClientCA = fs.TLS.ClientCA
	}
	if fs.Auth.Mode != "" {
		cfg.Auth.Mode = AuthMode(fs.Auth.Mode)
	}
	if fs.Auth.Secret != "" {
		cfg.Auth.Secret = fs.Auth.Secret
	}
	if fs.RateLimit.Capacity != 0 {
		cfg.RateLimit.Capacity = fs.RateLimit.Capacity
	}
	if fs.RateLimit.RefillPerSec != 0 {
		cfg.RateLimit.RefillPerSec = fs.RateLimit.RefillPerSec
	}
	if fs.RateLimit.RedisAddr != "" {
		cfg.RateLimit.RedisAddr = fs.RateLimit.RedisAddr
	}
	if fs.Discovery.Service != "" {
		cfg.Discovery.Service = fs.Discovery.Service
	}
	if len(fs.Discovery.DoHServers) > 0 {
		cfg.Discovery.DoHServers = fs.Discovery.DoHServers
	}
	if fs.Discovery.MDNSEnabled != nil {
		cfg.Discovery.MDNSEnabled = *fs.Discovery.MDNSEnabled
	}
	if fs.Peer.ExchangeIntervalMs != 0 {
		cfg.Peer.ExchangeIntervalMs = fs.Peer.ExchangeIntervalMs
	}
	if fs.Peer.FreshnessMs != 0 {
		cfg.Peer.FreshnessMs = fs.Peer.FreshnessMs
	}
	if fs.Peer.SharedSecret != "" {
		cfg.Peer.SharedSecret = fs.Peer.SharedSecret
	}
	if fs.Circuit.FailureThreshold != 0 {
		cfg.Circuit.FailureThreshold = fs.Circuit.FailureThreshold
	}
	if fs.Circuit.OpenMs != 0 {
		cfg.Circuit.OpenMs = fs.Circuit.OpenMs
	}
	if fs.Circuit.HalfOpenProbes != 0 {
		cfg.Circuit.HalfOpenProbes = fs.Circuit.HalfOpenProbes
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.TCPBind = getEnv("SUGORA_TCP_BIND", cfg.TCPBind)
	cfg.UDSPath = getEnv("SUGORA_UDS_PATH", cfg.UDSPath)
	cfg.MetricsBind = getEnv("SUGORA_METRICS_BIND", cfg.MetricsBind)
	cfg.UpstreamMCP = getEnv("SUGORA_UPSTREAM_MCP", cfg.UpstreamMCP)
	cfg.LogLevel = getEnv("SWEETMCP_LOG_LEVEL", cfg.LogLevel)

	cfg.TLS.CertFile = getEnv("SUGORA_TLS_CERT_FILE", cfg.TLS.CertFile)
	cfg.TLS.KeyFile = getEnv("SUGORA_TLS_KEY_FILE", cfg.TLS.KeyFile)
	cfg.TLS.ClientCA = getEnv("SUGORA_TLS_CLIENT_CA", cfg.TLS.ClientCA)

	cfg.Auth.Mode = AuthMode(getEnv("SUGORA_AUTH_MODE", string(cfg.Auth.Mode)))
	cfg.Auth.Secret = getEnv("SUGORA_AUTH_SECRET", cfg.Auth.Secret)

	cfg.RateLimit.Capacity = getFloatEnv("SUGORA_RATE_LIMIT_CAPACITY", cfg.RateLimit.Capacity)
	cfg.RateLimit.RefillPerSec = getFloatEnv("SUGORA_RATE_LIMIT_REFILL_PER_SEC", cfg.RateLimit.RefillPerSec)
	cfg.RateLimit.RedisAddr = getEnv("SUGORA_RATE_LIMIT_REDIS_ADDR", cfg.RateLimit.RedisAddr)

	cfg.Discovery.Service = getEnv("SUGORA_DISCOVERY_SERVICE", cfg.Discovery.Service)
	cfg.Discovery.DoHServers = getEnvSlice("SUGORA_DISCOVERY_DOH_SERVERS", cfg.Discovery.DoHServers)
	cfg.Discovery.MDNSEnabled = getBoolEnv("SUGORA_DISCOVERY_MDNS_ENABLED", cfg.Discovery.MDNSEnabled)

	cfg.Peer.ExchangeIntervalMs = getIntEnv("SUGORA_PEER_EXCHANGE_INTERVAL_MS", cfg.Peer.ExchangeIntervalMs)
	cfg.Peer.FreshnessMs = int64(getIntEnv("SUGORA_PEER_FRESHNESS_MS", int(cfg.Peer.FreshnessMs)))
	cfg.Peer.SharedSecret = getEnv("SUGORA_PEER_SHARED_SECRET", cfg.Peer.SharedSecret)

	cfg.Circuit.FailureThreshold = getIntEnv("SUGORA_CIRCUIT_FAILURE_THRESHOLD", cfg.Circuit.FailureThreshold)
	cfg.Circuit.OpenMs = getIntEnv("SUGORA_CIRCUIT_OPEN_MS", cfg.Circuit.OpenMs)
	cfg.Circuit.HalfOpenProbes = getIntEnv("SUGORA_CIRCUIT_HALF_OPEN_PROBES", cfg.Circuit.HalfOpenProbes)
}

// validate enforces the failure conditions named in spec §4.1: a
// required field missing, an address failing to parse, a TLS file
// unreadable, or a numeric bound non-positive.
func validate(cfg *Config) error {
	if cfg.TCPBind == "" {
		return &ConfigError{Field: "tcp_bind", Msg: "required"}
	}
	if _, _, err := net.SplitHostPort(cfg.TCPBind); err != nil {
		return &ConfigError{Field: "tcp_bind", Msg: err.Error()}
	}
	if cfg.MetricsBind != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsBind); err != nil {
			return &ConfigError{Field: "metrics_bind", Msg: err.Error()}
		}
	}
	if cfg.UpstreamMCP == "" {
		return &ConfigError{Field: "upstream_mcp", Msg: "required"}
	}

	switch cfg.Auth.Mode {
	case AuthNone, AuthBearer, AuthMTLS:
	default:
		return &ConfigError{Field: "auth.mode", Msg: "must be one of none|bearer|mtls"}
	}
	if cfg.Auth.Mode == AuthBearer && cfg.Auth.Secret == "" {
		return &ConfigError{Field: "auth.secret", Msg: "required when auth.mode=bearer"}
	}

	if cfg.TLS.CertFile != "" {
		if _, err := os.Stat(cfg.TLS.CertFile); err != nil {
			return &ConfigError{Field: "tls.cert_file", Msg: err.Error()}
		}
	}
	if cfg.TLS.KeyFile != "" {
		if _, err := os.Stat(cfg.TLS.KeyFile); err != nil {
			return &ConfigError{Field: "tls.key_file", Msg: err.Error()}
		}
	}
	if cfg.TLS.ClientCA != "" {
		if _, err := os.Stat(cfg.TLS.ClientCA); err != nil {
			return &ConfigError{Field: "tls.client_ca", Msg: err.Error()}
		}
	}

	if cfg.RateLimit.Capacity <= 0 {
		return &ConfigError{Field: "rate_limit.capacity", Msg: "must be positive"}
	}
	if cfg.RateLimit.RefillPerSec < 0 {
		return &ConfigError{Field: "rate_limit.refill_per_sec", Msg: "must not be negative"}
	}
	if cfg.Peer.ExchangeIntervalMs <= 0 {
		return &ConfigError{Field: "peer.exchange_interval_ms", Msg: "must be positive"}
	}
	if cfg.Peer.FreshnessMs <= 0 {
		return &ConfigError{Field: "peer.freshness_ms", Msg: "must be positive"}
	}
	if cfg.Circuit.FailureThreshold <= 0 {
		return &ConfigError{Field: "circuit.failure_threshold", Msg: "must be positive"}
	}
	if cfg.Circuit.OpenMs <= 0 {
		return &ConfigError{Field: "circuit.open_ms", Msg: "must be positive"}
	}
	if cfg.Circuit.HalfOpenProbes <= 0 {
		return &ConfigError{Field: "circuit.half_open_probes", Msg: "must be positive"}
	}

	if cfg.Discovery.Service != "" {
		// DNS-SD preferred; disable mDNS per spec §9 open question resolution.
		cfg.Discovery.MDNSEnabled = false
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
