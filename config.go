package devhost

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete devhost configuration.
type Config struct {
	// DataDir holds the certificate store and the route table.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// Hosts file settings
	Hosts HostsConfig `mapstructure:"hosts" yaml:"hosts"`

	// Certificate authority settings
	CA CAConfig `mapstructure:"ca" yaml:"ca"`

	// Reverse proxy settings
	Proxy ProxyConfig `mapstructure:"proxy" yaml:"proxy"`

	// Status server settings
	Status StatusConfig `mapstructure:"status" yaml:"status"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// HostsConfig contains hosts file settings.
type HostsConfig struct {
	// Path of the hosts file. Empty means the OS default.
	Path string `mapstructure:"path" yaml:"path"`

	// Backup copies the previous content to <path>.devhost.bak before
	// every write.
	Backup bool `mapstructure:"backup" yaml:"backup"`
}

// CAConfig contains certificate authority settings.
type CAConfig struct {
	// Organization name written into the root certificate
	Organization string `mapstructure:"organization" yaml:"organization"`

	// Signer is "x509" (in process) or "openssl"
	Signer string `mapstructure:"signer" yaml:"signer"`

	// OpenSSLPath is the openssl binary used by the openssl signer
	OpenSSLPath string `mapstructure:"openssl_path" yaml:"openssl_path"`

	// RootValidityYears applies when the root is first generated
	RootValidityYears int `mapstructure:"root_validity_years" yaml:"root_validity_years"`

	// LeafValidityDays for issued certificates
	LeafValidityDays int `mapstructure:"leaf_validity_days" yaml:"leaf_validity_days"`
}

// ProxyConfig contains router settings.
type ProxyConfig struct {
	// ListenHost is the address listeners bind to (empty = all interfaces)
	ListenHost string `mapstructure:"listen_host" yaml:"listen_host"`

	// Port used for routes that do not name one
	Port int `mapstructure:"port" yaml:"port"`

	// Timeouts for client connections
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// DrainTimeout bounds graceful listener teardown
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`

	// Backend transport settings
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
}

// BackendConfig contains settings for connections to local backends.
type BackendConfig struct {
	DialTimeout           time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls_handshake_timeout" yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout" yaml:"response_header_timeout"`
	MaxIdleConns          int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	InsecureSkipVerify    bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// StatusConfig contains status server settings.
type StatusConfig struct {
	// Enabled starts the status server alongside the router
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Addr to listen on; keep it on loopback
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format" yaml:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output" yaml:"output"`

	// AccessLog writes one record per proxied request
	AccessLog bool `mapstructure:"access_log" yaml:"access_log"`
}

// DefaultDataDir returns $HOME/.devhost, or .devhost when the home
// directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".devhost"
	}
	return filepath.Join(home, ".devhost")
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Hosts: HostsConfig{
			Path: DefaultHostsPath(),
		},
		CA: CAConfig{
			Organization:      "devhost",
			Signer:            "x509",
			OpenSSLPath:       "openssl",
			RootValidityYears: 10,
			LeafValidityDays:  365,
		},
		Proxy: ProxyConfig{
			Port:              DefaultProxyPort,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			DrainTimeout:      30 * time.Second,
			Backend: BackendConfig{
				DialTimeout:         10 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConns:        100,
				InsecureSkipVerify:  true,
			},
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9180",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			Output:    "stderr",
			AccessLog: true,
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./devhost.yaml
// 3. $HOME/.devhost/devhost.yaml
// 4. /etc/devhost/devhost.yaml
//
// Environment variables use the DEVHOST_ prefix, e.g. DEVHOST_PROXY_PORT.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("devhost")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.devhost")
	v.AddConfigPath("/etc/devhost")

	v.SetEnvPrefix("DEVHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from a reader.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("data_dir", defaults.DataDir)

	v.SetDefault("hosts.path", defaults.Hosts.Path)
	v.SetDefault("hosts.backup", defaults.Hosts.Backup)

	v.SetDefault("ca.organization", defaults.CA.Organization)
	v.SetDefault("ca.signer", defaults.CA.Signer)
	v.SetDefault("ca.openssl_path", defaults.CA.OpenSSLPath)
	v.SetDefault("ca.root_validity_years", defaults.CA.RootValidityYears)
	v.SetDefault("ca.leaf_validity_days", defaults.CA.LeafValidityDays)

	v.SetDefault("proxy.listen_host", defaults.Proxy.ListenHost)
	v.SetDefault("proxy.port", defaults.Proxy.Port)
	v.SetDefault("proxy.read_header_timeout", defaults.Proxy.ReadHeaderTimeout)
	v.SetDefault("proxy.idle_timeout", defaults.Proxy.IdleTimeout)
	v.SetDefault("proxy.drain_timeout", defaults.Proxy.DrainTimeout)
	v.SetDefault("proxy.backend.dial_timeout", defaults.Proxy.Backend.DialTimeout)
	v.SetDefault("proxy.backend.tls_handshake_timeout", defaults.Proxy.Backend.TLSHandshakeTimeout)
	v.SetDefault("proxy.backend.response_header_timeout", defaults.Proxy.Backend.ResponseHeaderTimeout)
	v.SetDefault("proxy.backend.max_idle_conns", defaults.Proxy.Backend.MaxIdleConns)
	v.SetDefault("proxy.backend.insecure_skip_verify", defaults.Proxy.Backend.InsecureSkipVerify)

	v.SetDefault("status.enabled", defaults.Status.Enabled)
	v.SetDefault("status.addr", defaults.Status.Addr)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
	v.SetDefault("logging.access_log", defaults.Logging.AccessLog)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return invalid("validate config", "", "data_dir is required")
	}
	if !validPort(c.Proxy.Port) {
		return invalid("validate config", "", "proxy.port %d out of range", c.Proxy.Port)
	}
	switch c.CA.Signer {
	case "", "x509", "openssl":
	default:
		return invalid("validate config", "", "unknown ca.signer %q", c.CA.Signer)
	}
	if c.CA.RootValidityYears < 0 || c.CA.LeafValidityDays < 0 {
		return invalid("validate config", "", "certificate validity must not be negative")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return newError(KindValidation, "validate config", "", err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return invalid("validate config", "", "unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// NewSigner returns the Signer named by ca.signer.
func (c *CAConfig) NewSigner() Signer {
	if c.Signer == "openssl" {
		return OpenSSLSigner{Path: c.OpenSSLPath}
	}
	return X509Signer{}
}

// NewTransport builds a BackendTransport from the backend settings.
func (c *BackendConfig) NewTransport() *BackendTransport {
	bt := NewBackendTransport()
	if c.DialTimeout > 0 {
		bt.DialTimeout = c.DialTimeout
	}
	if c.TLSHandshakeTimeout > 0 {
		bt.TLSHandshakeTimeout = c.TLSHandshakeTimeout
	}
	bt.ResponseHeaderTimeout = c.ResponseHeaderTimeout
	if c.MaxIdleConns > 0 {
		bt.MaxIdleConns = c.MaxIdleConns
	}
	bt.InsecureSkipVerify = c.InsecureSkipVerify
	return bt
}

const exampleConfigHeader = `# devhost configuration
# Values below are the defaults. Every key can be overridden with a
# DEVHOST_ environment variable, e.g. DEVHOST_PROXY_PORT=8443.

`

// WriteExampleConfig writes the default configuration as YAML.
func WriteExampleConfig(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, append([]byte(exampleConfigHeader), data...), 0644)
}
