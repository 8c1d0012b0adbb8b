// Package config provides TOML configuration file loading for the broadcaster.
// The configuration file lives at ~/.securecast/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	apperrors "github.com/TrongDang2608/Secure-Broadcaster/internal/errors"
)

// Config represents the configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files.
type Config struct {
	// Host is the server a peer connects to. Default: localhost
	Host string `toml:"host"`

	// Port is the TCP port for both roles. Default: 12345
	Port int `toml:"port"`

	// BindHost is the interface the server listens on.
	// Default: empty, meaning all interfaces.
	BindHost string `toml:"bind_host"`

	// Keystore is the PKCS#12 key store holding the server identity.
	// Default: server.p12
	Keystore string `toml:"keystore"`

	// Truststore is the PKCS#12 store peers trust. When empty, peers
	// trust the certificates in Keystore.
	Truststore string `toml:"truststore"`

	HandshakeTimeoutMs  int `toml:"handshake_timeout_ms"`
	WriteTimeoutMs      int `toml:"write_timeout_ms"`
	DialTimeoutMs       int `toml:"dial_timeout_ms"`
	DisconnectTimeoutMs int `toml:"disconnect_timeout_ms"`

	// DrainTimeoutMs makes the server wait for client handlers on stop.
	// Default: 0 (do not wait)
	DrainTimeoutMs int `toml:"drain_timeout_ms"`

	// AuditDB is the SQLite connection audit database. Empty disables the
	// audit trail. Message content is never recorded.
	AuditDB string `toml:"audit_db"`

	// AuditMaxRows bounds the audit table. Default: 10000
	AuditMaxRows int `toml:"audit_max_rows"`

	// MdnsEnabled advertises the server on the local network.
	// Default: false (must be explicitly enabled)
	MdnsEnabled bool `toml:"mdns_enabled"`

	// MdnsName is the advertised instance name. Default: the hostname.
	MdnsName string `toml:"mdns_name"`

	// LogLevel controls output verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// QR prints the server certificate fingerprint as a QR code on start.
	QR bool `toml:"qr"`

	// ControlSocket is the local Unix socket used by `securecast status`
	// and `securecast send`. Empty disables it on the server.
	ControlSocket string `toml:"control_socket"`
}

// DefaultConfigPath returns the default config file location: ~/.securecast/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".securecast", "config.toml"), nil
}

// WriteDefault creates a commented config file at path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# securecast configuration

# Server port, and the port peers dial
port = %d

# Key store with the server identity (PKCS#12)
keystore = %q

# Connection audit database; remove to disable
audit_db = %q

# Advertise the server on the LAN
mdns_enabled = false

# Local control socket for status and send; remove to disable
control_socket = %q
`, DefaultPort, DefaultKeystore,
		filepath.Join(filepath.Dir(path), "audit.db"),
		filepath.Join(filepath.Dir(path), "control.sock"))

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
// Defaults are not applied; see ApplyDefaults.
//
// Behavior:
//   - If path is empty, attempts to load from the default location.
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns a config.not_found error if it doesn't exist.
//   - Returns a config.invalid error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, apperrors.New(apperrors.CodeConfigNotFound, fmt.Sprintf("config file not found: %s", path))
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, fmt.Sprintf("failed to parse config file %s", path), err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, apperrors.New(apperrors.CodeConfigInvalid,
			fmt.Sprintf("unknown key %q in %s", undecoded[0].String(), path))
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Keystore == "" {
		c.Keystore = DefaultKeystore
	}
	if c.HandshakeTimeoutMs == 0 {
		c.HandshakeTimeoutMs = DefaultHandshakeTimeoutMs
	}
	if c.WriteTimeoutMs == 0 {
		c.WriteTimeoutMs = DefaultWriteTimeoutMs
	}
	if c.DialTimeoutMs == 0 {
		c.DialTimeoutMs = DefaultDialTimeoutMs
	}
	if c.DisconnectTimeoutMs == 0 {
		c.DisconnectTimeoutMs = DefaultDisconnectTimeoutMs
	}
	if c.AuditMaxRows == 0 {
		c.AuditMaxRows = DefaultAuditMaxRows
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate reports the first invalid value as a config.invalid error.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return invalid("port %d out of range", c.Port)
	}
	for name, ms := range map[string]int{
		"handshake_timeout_ms":  c.HandshakeTimeoutMs,
		"write_timeout_ms":      c.WriteTimeoutMs,
		"dial_timeout_ms":       c.DialTimeoutMs,
		"disconnect_timeout_ms": c.DisconnectTimeoutMs,
		"drain_timeout_ms":      c.DrainTimeoutMs,
		"audit_max_rows":        c.AuditMaxRows,
	} {
		if ms < 0 {
			return invalid("%s must not be negative", name)
		}
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return apperrors.New(apperrors.CodeConfigInvalid, fmt.Sprintf(format, args...))
}

// TrustPath returns the store peers trust, falling back to the key store.
func (c *Config) TrustPath() string {
	if c.Truststore != "" {
		return c.Truststore
	}
	return c.Keystore
}

func (c *Config) HandshakeTimeout() time.Duration  { return ms(c.HandshakeTimeoutMs) }
func (c *Config) WriteTimeout() time.Duration      { return ms(c.WriteTimeoutMs) }
func (c *Config) DialTimeout() time.Duration       { return ms(c.DialTimeoutMs) }
func (c *Config) DisconnectTimeout() time.Duration { return ms(c.DisconnectTimeoutMs) }
func (c *Config) DrainTimeout() time.Duration      { return ms(c.DrainTimeoutMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
