// Package config loads and saves the download engine's persisted
// configuration: connection counts, speed caps, proxy routing and stored
// site credentials, read from ~/.config/dget/config.yml.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctdl/dget/internal/crypto"
)

const (
	ConfigFileName = "config.yml"
	AppDirName     = "dget"
)

// ConfigDir returns the standard config directory for dget.
// All platforms: ~/.config/dget/
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", AppDirName), nil
}

// ConfigPath returns the path to the config file.
// e.g., ~/.config/dget/config.yml
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// Config is the on-disk representation of the engine's ambient settings. It
// maps onto engine.Configuration via the cli package's buildEngineConfig; fields here use
// plain strings/durations for YAML friendliness where the engine wants a
// parsed value.
type Config struct {
	// NumConnections is the default connection count (num_connections).
	NumConnections int `yaml:"num_connections,omitempty"`

	// MaxSpeed caps aggregate throughput in bytes/s, 0 = unlimited.
	MaxSpeed int64 `yaml:"max_speed,omitempty"`

	// MaxRedirect bounds HTTP redirect chains.
	MaxRedirect int `yaml:"max_redirect,omitempty"`

	// AddressFamily restricts DNS resolution: "", "4", or "6".
	AddressFamily string `yaml:"address_family,omitempty"`

	// IOTimeout and ConnectionTimeout are YAML duration strings (e.g. "30s").
	IOTimeout         string `yaml:"io_timeout,omitempty"`
	ConnectionTimeout string `yaml:"connection_timeout,omitempty"`

	Insecure  bool `yaml:"insecure,omitempty"`
	NoClobber bool `yaml:"no_clobber,omitempty"`

	// Proxy URL (e.g., "http://127.0.0.1:7890", "socks5://127.0.0.1:1080")
	Proxy string `yaml:"proxy,omitempty"`

	// FTPProxy is used only for ftp:// resources; Proxy is not used for them,
	// even when FTPProxy is empty.
	FTPProxy string `yaml:"ftp_proxy,omitempty"`

	// NoProxy lists hostnames that bypass Proxy/FTPProxy.
	NoProxy []string `yaml:"no_proxy,omitempty"`

	// UserAgent overrides the default User-Agent header.
	UserAgent string `yaml:"user_agent,omitempty"`

	// AddHeaders are extra HTTP headers sent with every request.
	AddHeaders map[string]string `yaml:"add_headers,omitempty"`

	// OutputDir is the default directory downloads land in.
	OutputDir string `yaml:"output_dir,omitempty"`

	// CheckpointInterval is a YAML duration string, default "2s".
	CheckpointInterval string `yaml:"checkpoint_interval,omitempty"`

	MaxRetries int `yaml:"max_retries,omitempty"`

	// Credentials holds PIN-sealed site credentials keyed by host. Each
	// value is the opaque blob produced by crypto.Seal, carrying both the
	// username and password; neither appears on disk in plaintext.
	Credentials map[string]string `yaml:"credentials,omitempty"`
}

// HasCredential reports whether a sealed credential is stored for host.
func (c *Config) HasCredential(host string) bool {
	_, ok := c.Credentials[host]
	return ok
}

// DeleteCredential removes the stored credential for host.
func (c *Config) DeleteCredential(host string) {
	if c.Credentials != nil {
		delete(c.Credentials, host)
	}
}

// SaveCredential seals the username/password pair under pin and stores it
// for host, replacing any existing entry.
func (c *Config) SaveCredential(host, username, password, pin string) error {
	sealed, err := crypto.Seal(host, crypto.Credential{Username: username, Password: password}, pin)
	if err != nil {
		return fmt.Errorf("seal credential for %s: %w", host, err)
	}
	if c.Credentials == nil {
		c.Credentials = make(map[string]string)
	}
	c.Credentials[host] = sealed
	return nil
}

// ResolveCredential unseals the stored credential for host using pin. It
// returns ok=false if no credential is stored for host.
func (c *Config) ResolveCredential(host, pin string) (username, password string, ok bool, err error) {
	sealed, ok := c.Credentials[host]
	if !ok {
		return "", "", false, nil
	}
	cred, err := crypto.Open(sealed, host, pin)
	if err != nil {
		return "", "", true, fmt.Errorf("unseal credential for %s: %w", host, err)
	}
	return cred.Username, cred.Password, true, nil
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NumConnections:     4,
		MaxRedirect:        5,
		IOTimeout:          "30s",
		ConnectionTimeout:  "60s",
		CheckpointInterval: "2s",
		MaxRetries:         3,
		OutputDir:          ".",
	}
}

// Exists checks if config file exists
func Exists() bool {
	path, err := ConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Load reads the config from ~/.config/dget/config.yml
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the config to ~/.config/dget/config.yml
func Save(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	configPath, err := ConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	header := "# dget configuration file\n# Run 'dget init' to edit these settings interactively\n\n"
	content := header + string(data)

	return os.WriteFile(configPath, []byte(content), 0644)
}

// SavePath returns the path where config will be saved
func SavePath() string {
	if path, err := ConfigPath(); err == nil {
		return path
	}
	return "config.yml"
}

// Init creates a new config.yml with default values
func Init() error {
	if Exists() {
		path, _ := ConfigPath()
		return fmt.Errorf("%s already exists", path)
	}
	return Save(DefaultConfig())
}

// LoadOrDefault loads config if it exists, otherwise returns defaults, with
// environment proxy variables layered on top either way.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = DefaultConfig()
	}
	loadEnvProxy(cfg)
	return cfg
}

// loadEnvProxy checks environment variables for proxy settings and applies them to cfg.
// It checks in order: HTTPS_PROXY, https_proxy, HTTP_PROXY, http_proxy, ALL_PROXY, all_proxy.
// The first valid proxy URL found is used, and only when cfg.Proxy is not
// already set explicitly (config file takes precedence over environment).
func loadEnvProxy(cfg *Config) {
	if cfg == nil || cfg.Proxy != "" {
		return
	}

	envKeys := []string{
		"HTTPS_PROXY", "https_proxy",
		"HTTP_PROXY", "http_proxy",
		"ALL_PROXY", "all_proxy",
	}

	for _, key := range envKeys {
		value := strings.TrimSpace(os.Getenv(key))
		if value == "" {
			continue
		}

		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			u, err = url.Parse("http://" + value)
			if err != nil || u.Host == "" {
				continue
			}
		}

		switch strings.ToLower(u.Scheme) {
		case "http", "https", "socks5":
			cfg.Proxy = value
			return
		default:
			continue
		}
	}
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ParsedIOTimeout returns IOTimeout as a time.Duration, defaulting to 30s.
func (c *Config) ParsedIOTimeout() time.Duration {
	return parseDurationOrDefault(c.IOTimeout, 30*time.Second)
}

// ParsedConnectionTimeout returns ConnectionTimeout as a time.Duration,
// defaulting to 60s.
func (c *Config) ParsedConnectionTimeout() time.Duration {
	return parseDurationOrDefault(c.ConnectionTimeout, 60*time.Second)
}

// ParsedCheckpointInterval returns CheckpointInterval as a time.Duration,
// defaulting to 2s.
func (c *Config) ParsedCheckpointInterval() time.Duration {
	return parseDurationOrDefault(c.CheckpointInterval, 2*time.Second)
}
