// Package config provides configuration parsing and validation for ss-local.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/muti-metroo/internal/sscrypto"
)

// Config represents the complete CLI configuration. cmd/ss-local loads
// and validates one of these, then translates it into the CORE's plain
// proxy.Config so tcprelay/udprelay/proxy never import YAML themselves.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Local   LocalConfig   `yaml:"local"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	ACL     ACLConfig     `yaml:"acl"`
	Plugin  PluginConfig  `yaml:"plugin"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig describes the upstream shadowsocks relay(s).
type ServerConfig struct {
	// RemoteAddrs are candidate upstream sockaddrs; one is chosen at
	// random per Connection. Ignored when Plugin.Address is set.
	RemoteAddrs []string      `yaml:"remote_addrs"`
	Timeout     time.Duration `yaml:"timeout"`
	TCPFastOpen bool          `yaml:"tcp_fast_open"`
	MPTCP       bool          `yaml:"mptcp"`
	ReusePort   bool          `yaml:"reuse_port"`
	IPv6First   bool          `yaml:"ipv6_first"`
}

// LocalConfig describes the SOCKS5 front-end this process exposes.
type LocalConfig struct {
	Address    string `yaml:"address"`     // TCP SOCKS5 listener, e.g. "127.0.0.1:1080"
	UDPAddress string `yaml:"udp_address"` // UDP relay bind; empty disables the UDP relay and UDP ASSOCIATE
	MTU        int    `yaml:"mtu"`         // bounds sniff accumulation and relay chunk size; 0 = default

	// MaxConcurrentDials bounds the TCP relay's outbound dials in
	// flight; UDP peer sockets are not bounded. 0 disables the bound.
	MaxConcurrentDials int64 `yaml:"max_concurrent_dials"`

	// RateLimitBytesPerSec, if positive, throttles TCP relayed bytes
	// through one limiter shared by all connections and both
	// directions. UDP traffic is not throttled.
	RateLimitBytesPerSec int `yaml:"rate_limit_bytes_per_sec"`
}

// CryptoConfig selects the AEAD cipher and its key material. Exactly
// one of Password or Key should be set; Key (explicit, base64url
// encoded) takes precedence when both are present.
type CryptoConfig struct {
	Method   string `yaml:"method"`
	Password string `yaml:"password"`
	Key      string `yaml:"key"`
}

// ACLConfig selects the bypass/proxy routing policy. Mode is
// "blacklist" (default: proxy everything, bypass matches) or
// "whitelist" (default: bypass everything, proxy matches). Entries are
// hostnames or CIDR literals; File, if set, is read one entry per
// line and merged with Entries.
type ACLConfig struct {
	Mode    string   `yaml:"mode"`
	Entries []string `yaml:"entries"`
	File    string   `yaml:"file"`
}

// PluginConfig overrides ServerConfig.RemoteAddrs with a single fixed
// local address, e.g. a SIP003 plugin listening on localhost.
type PluginConfig struct {
	Address string `yaml:"address"`
}

// LogConfig selects slog level/format, consumed by internal/logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig optionally exposes a Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used when a field is absent from
// the loaded YAML document.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Timeout: 300 * time.Second,
		},
		Local: LocalConfig{
			Address: "127.0.0.1:1080",
			MTU:     16384,
		},
		Crypto: CryptoConfig{
			Method: "chacha20-ietf-poly1305",
		},
		ACL: ACLConfig{
			Mode: "blacklist",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Plugin.Address == "" && len(c.Server.RemoteAddrs) == 0 {
		errs = append(errs, "server.remote_addrs is required unless plugin.address is set")
	}
	if c.Local.Address == "" {
		errs = append(errs, "local.address is required")
	}
	if _, err := sscrypto.Lookup(c.Crypto.Method); err != nil {
		errs = append(errs, fmt.Sprintf("crypto.method: %v", err))
	}
	if c.Crypto.Password == "" && c.Crypto.Key == "" {
		errs = append(errs, "one of crypto.password or crypto.key is required")
	}
	if !isValidACLMode(c.ACL.Mode) {
		errs = append(errs, fmt.Sprintf("invalid acl.mode: %s (must be blacklist or whitelist)", c.ACL.Mode))
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidACLMode(mode string) bool {
	switch mode {
	case "blacklist", "whitelist":
		return true
	default:
		return false
	}
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with the password/key fields
// replaced, safe to log or display.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}
	if redacted.Crypto.Password != "" {
		redacted.Crypto.Password = redactedValue
	}
	if redacted.Crypto.Key != "" {
		redacted.Crypto.Key = redactedValue
	}
	return redacted
}

// String returns a redacted YAML representation, safe for logging.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}
