// Package config provides YAML configuration parsing and validation for the
// qtun server and client binaries.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the qtun-server configuration.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Token      string `yaml:"token"`

	TLS ServerTLSConfig `yaml:"tls"`

	AuthTimeout       time.Duration `yaml:"authentication_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	EnableIPv6          bool          `yaml:"enable_ipv6"`
	MaxUDPPacketSize    int           `yaml:"max_udp_packet_size"`
	MaxReassemblyBuffer int           `yaml:"max_reassembly_buffer"`
	MaxAssociations     int           `yaml:"max_associations"`
	UDPIdleTimeout      time.Duration `yaml:"udp_idle_timeout"`

	ConnectRatePerSecond float64 `yaml:"connect_rate_per_second"`
	ConnectRateBurst     int     `yaml:"connect_rate_burst"`

	DNS DNSConfig `yaml:"dns"`

	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ServerTLSConfig configures the server's identity certificate. SelfSigned
// generates an ephemeral certificate at startup when no cert/key is set, for
// development use.
type ServerTLSConfig struct {
	Cert    string `yaml:"cert"`     // certificate file path
	Key     string `yaml:"key"`      // private key file path
	CertPEM string `yaml:"cert_pem"` // certificate PEM content (takes precedence)
	KeyPEM  string `yaml:"key_pem"`  // private key PEM content (takes precedence)

	SelfSigned bool `yaml:"self_signed"`
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (t *ServerTLSConfig) GetCertPEM() ([]byte, error) {
	if t.CertPEM != "" {
		return []byte(t.CertPEM), nil
	}
	if t.Cert != "" {
		return os.ReadFile(t.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (t *ServerTLSConfig) GetKeyPEM() ([]byte, error) {
	if t.KeyPEM != "" {
		return []byte(t.KeyPEM), nil
	}
	if t.Key != "" {
		return os.ReadFile(t.Key)
	}
	return nil, nil
}

// HasCert returns true if a certificate is configured (either file or PEM).
func (t *ServerTLSConfig) HasCert() bool { return t.Cert != "" || t.CertPEM != "" }

// HasKey returns true if a private key is configured (either file or PEM).
func (t *ServerTLSConfig) HasKey() bool { return t.Key != "" || t.KeyPEM != "" }

// ClientConfig is the qtun-client configuration.
type ClientConfig struct {
	ServerAddr string `yaml:"server_addr"`
	Token      string `yaml:"token"`

	TLS ClientTLSConfig `yaml:"tls"`

	AuthTimeout         time.Duration `yaml:"authentication_timeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	MaxDatagramFragment int           `yaml:"max_datagram_fragment"`

	SOCKS5Addr string           `yaml:"socks5_addr"`
	SOCKS5Auth SOCKS5AuthConfig `yaml:"socks5_auth"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ClientTLSConfig configures how the client verifies the server's certificate.
type ClientTLSConfig struct {
	CA    string `yaml:"ca"`     // CA certificate file path, for a self-signed server
	CAPEM string `yaml:"ca_pem"` // CA certificate PEM content (takes precedence)

	ServerName         string `yaml:"server_name"` // overrides the SNI/verification name
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// GetCAPEM returns the CA certificate PEM content, reading from file if necessary.
func (t *ClientTLSConfig) GetCAPEM() ([]byte, error) {
	if t.CAPEM != "" {
		return []byte(t.CAPEM), nil
	}
	if t.CA != "" {
		return os.ReadFile(t.CA)
	}
	return nil, nil
}

// HasCA returns true if a CA certificate is configured (either file or PEM).
func (t *ClientTLSConfig) HasCA() bool { return t.CA != "" || t.CAPEM != "" }

// SOCKS5AuthConfig configures the client's front-end SOCKS5 authentication.
// An empty Users list with Enabled true rejects every connection.
type SOCKS5AuthConfig struct {
	Enabled bool               `yaml:"enabled"`
	Users   []SOCKS5UserConfig `yaml:"users"`
}

// SOCKS5UserConfig is one SOCKS5 username/password credential.
type SOCKS5UserConfig struct {
	Username string `yaml:"username"`
	// PasswordHash is the bcrypt hash of the password.
	// Generate with: qtun-client hash <password>
	PasswordHash string `yaml:"password_hash"`
}

// DNSConfig configures the server's injected resolver for domain addresses.
type DNSConfig struct {
	Servers  []string      `yaml:"servers"` // empty uses the system resolver
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultServerConfig returns a ServerConfig with sensible defaults. Token and
// TLS must still be set (or TLS.SelfSigned enabled) before use.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:           "0.0.0.0:4433",
		AuthTimeout:          3 * time.Second,
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    0,
		MaxUDPPacketSize:     1472,
		MaxReassemblyBuffer:  65536,
		MaxAssociations:      1000,
		UDPIdleTimeout:       5 * time.Minute,
		ConnectRatePerSecond: 50,
		ConnectRateBurst:     100,
		DNS: DNSConfig{
			Timeout:  5 * time.Second,
			CacheTTL: time.Minute,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
// ServerAddr and Token must still be set before use.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		AuthTimeout:         3 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		MaxDatagramFragment: 1200,
		SOCKS5Addr:          "127.0.0.1:1080",
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// LoadServerConfig reads and parses a qtun-server configuration file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseServerConfig(data)
}

// ParseServerConfig parses a qtun-server configuration from YAML bytes.
func ParseServerConfig(data []byte) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadClientConfig reads and parses a qtun-client configuration file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseClientConfig(data)
}

// ParseClientConfig parses a qtun-client configuration from YAML bytes.
func ParseClientConfig(data []byte) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default}, or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values,
// so tokens and secrets never need to be written to the config file itself.
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

// Validate checks the server configuration for errors.
func (c *ServerConfig) Validate() error {
	var errs []string

	if c.ListenAddr == "" {
		errs = append(errs, "listen_addr is required")
	}
	if c.Token == "" {
		errs = append(errs, "token is required")
	}
	if !c.TLS.SelfSigned && (!c.TLS.HasCert() || !c.TLS.HasKey()) {
		errs = append(errs, "tls.cert and tls.key are required unless tls.self_signed is set")
	}
	if c.TLS.HasCert() != c.TLS.HasKey() {
		errs = append(errs, "tls.cert and tls.key must both be specified or both be empty")
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}
	if c.MaxUDPPacketSize < 0 {
		errs = append(errs, "max_udp_packet_size must not be negative")
	}
	if c.MaxAssociations < 0 {
		errs = append(errs, "max_associations must not be negative")
	}
	if c.ConnectRatePerSecond < 0 {
		errs = append(errs, "connect_rate_per_second must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Validate checks the client configuration for errors.
func (c *ClientConfig) Validate() error {
	var errs []string

	if c.ServerAddr == "" {
		errs = append(errs, "server_addr is required")
	}
	if c.Token == "" {
		errs = append(errs, "token is required")
	}
	if c.SOCKS5Addr == "" {
		errs = append(errs, "socks5_addr is required")
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}
	if c.SOCKS5Auth.Enabled {
		for i, u := range c.SOCKS5Auth.Users {
			if u.Username == "" {
				errs = append(errs, fmt.Sprintf("socks5_auth.users[%d]: username is required", i))
			}
			if u.PasswordHash == "" {
				errs = append(errs, fmt.Sprintf("socks5_auth.users[%d]: password_hash is required", i))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
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

// Redacted returns a copy of the configuration with the token and key
// material redacted, safe to log or display.
func (c *ServerConfig) Redacted() *ServerConfig {
	redacted := *c
	if redacted.Token != "" {
		redacted.Token = redactedValue
	}
	if redacted.TLS.KeyPEM != "" {
		redacted.TLS.KeyPEM = redactedValue
	}
	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	return &redacted
}

// String returns a YAML representation of the config with sensitive values
// redacted. Use StringUnsafe for the full, unredacted output.
func (c *ServerConfig) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a YAML representation including sensitive values.
// Do not log the output.
func (c *ServerConfig) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Redacted returns a copy of the configuration with the token and password
// hashes redacted, safe to log or display.
func (c *ClientConfig) Redacted() *ClientConfig {
	redacted := *c
	if redacted.Token != "" {
		redacted.Token = redactedValue
	}
	redacted.SOCKS5Auth.Users = make([]SOCKS5UserConfig, len(c.SOCKS5Auth.Users))
	for i, u := range c.SOCKS5Auth.Users {
		if u.PasswordHash != "" {
			u.PasswordHash = redactedValue
		}
		redacted.SOCKS5Auth.Users[i] = u
	}
	return &redacted
}

// String returns a YAML representation of the config with sensitive values
// redacted. Use StringUnsafe for the full, unredacted output.
func (c *ClientConfig) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a YAML representation including sensitive values.
// Do not log the output.
func (c *ClientConfig) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
