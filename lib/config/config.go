// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the configuration file when --config is not
// given.
const EnvironmentVariable = "EDDI_CONFIG"

// Config is the complete eddi configuration.
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Fortress  FortressConfig  `yaml:"fortress"`
	Broker    BrokerConfig    `yaml:"broker"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// State holds the state database and the local sockets of brokers
	// and fortresses. Every process on a host that should see the same
	// fortresses must share it.
	// Default: ${HOME}/.eddi
	State string `yaml:"state"`
}

// FortressConfig holds the defaults for new fortresses.
type FortressConfig struct {
	// MessageTTL is how long a message stays retrievable.
	// Default: 5m
	MessageTTL time.Duration `yaml:"message_ttl"`

	// MaxMessages caps the queue; the oldest messages are evicted
	// first. Zero or negative means unbounded.
	// Default: 1000
	MaxMessages int `yaml:"max_messages"`

	// IncludeSender controls whether a session sees its own messages
	// in receive and listen.
	// Default: true
	IncludeSender bool `yaml:"include_sender"`

	// CleanupInterval is how often expired messages are swept.
	// Default: 30s
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// BrokerConfig holds the defaults for new brokers.
type BrokerConfig struct {
	// Timeout is how long a broker waits for a handshake.
	// Default: 120s
	Timeout time.Duration `yaml:"timeout"`

	// MultiUse keeps a broker listening after its first handshake
	// until it times out or is stopped.
	// Default: false
	MultiUse bool `yaml:"multi_use"`
}

// DiscoveryConfig configures the client's broker search.
type DiscoveryConfig struct {
	// Window is the number of time buckets searched on each side of
	// the current one.
	// Default: 5
	Window int `yaml:"window"`

	// DialTimeout bounds each connection attempt during the search.
	// Default: 10s
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TransportConfig selects and configures the transports.
type TransportConfig struct {
	// Mode is local, overlay or hybrid.
	// Default: hybrid
	Mode string `yaml:"mode"`

	Tor TorConfig `yaml:"tor"`
}

// TorConfig points at a running Tor daemon.
type TorConfig struct {
	// ControlAddress is the control port, host:port or unix:/path.
	// Default: 127.0.0.1:9051
	ControlAddress string `yaml:"control_address"`

	// ControlPassword authenticates to the control port. Empty means
	// cookie or no authentication.
	ControlPassword string `yaml:"control_password"`

	// SocksAddress is Tor's SOCKS5 listener.
	// Default: 127.0.0.1:9050
	SocksAddress string `yaml:"socks_address"`

	// VirtualPort is the onion service port published for every
	// listener.
	// Default: 7667
	VirtualPort int `yaml:"virtual_port"`
}

// StoreConfig configures how long-running processes use the state
// store.
type StoreConfig struct {
	// PollInterval is how often brokers and fortresses heartbeat and
	// check for stop requests and revocations.
	// Default: 1s
	PollInterval time.Duration `yaml:"poll_interval"`

	// StaleAfter is how long a fortress may go without a heartbeat
	// before its record may be reclaimed or cleaned up.
	// Default: 15s
	StaleAfter time.Duration `yaml:"stale_after"`
}

// MetricsConfig configures the Prometheus endpoint of long-running
// processes.
type MetricsConfig struct {
	// Address is the listen address for /metrics. Empty disables it.
	Address string `yaml:"address"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	// Default: info
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given, and
// the base that a file is decoded over.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			State: "${HOME}/.eddi",
		},
		Fortress: FortressConfig{
			MessageTTL:      5 * time.Minute,
			MaxMessages:     1000,
			IncludeSender:   true,
			CleanupInterval: 30 * time.Second,
		},
		Broker: BrokerConfig{
			Timeout: 120 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Window:      5,
			DialTimeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			Mode: "hybrid",
			Tor: TorConfig{
				ControlAddress: "127.0.0.1:9051",
				SocksAddress:   "127.0.0.1:9050",
				VirtualPort:    7667,
			},
		},
		Store: StoreConfig{
			PollInterval: time.Second,
			StaleAfter:   15 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads the file named by EDDI_CONFIG, or returns the expanded
// defaults when it is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults. ext selects the syntax: ".json"
// and ".jsonc" are JSON with comments, anything else is YAML.
func Parse(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	// An empty file decodes to io.EOF and leaves the defaults.
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["EDDI_STATE"] = c.Paths.State
	c.Transport.Tor.ControlAddress = expandVars(c.Transport.Tor.ControlAddress, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns. Names in vars
// take precedence over the environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var (
	transportModes = []string{"local", "overlay", "hybrid"}
	logLevels      = []string{"debug", "info", "warn", "error"}
)

// Validate checks the configuration for errors, reporting all of them.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.State == "" {
		errs = append(errs, errors.New("paths.state is required"))
	}
	if c.Fortress.MessageTTL <= 0 {
		errs = append(errs, fmt.Errorf("fortress.message_ttl must be positive, got %s", c.Fortress.MessageTTL))
	}
	if c.Fortress.MaxMessages <= 0 {
		errs = append(errs, fmt.Errorf("fortress.max_messages must be positive, got %d", c.Fortress.MaxMessages))
	}
	if c.Fortress.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("fortress.cleanup_interval must be positive, got %s", c.Fortress.CleanupInterval))
	}
	if c.Broker.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("broker.timeout must be positive, got %s", c.Broker.Timeout))
	}
	if c.Discovery.Window < 0 || c.Discovery.Window > 60 {
		errs = append(errs, fmt.Errorf("discovery.window must be between 0 and 60, got %d", c.Discovery.Window))
	}
	if c.Discovery.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("discovery.dial_timeout must be positive, got %s", c.Discovery.DialTimeout))
	}
	if !contains(transportModes, c.Transport.Mode) {
		errs = append(errs, fmt.Errorf("transport.mode must be one of %v, got %q", transportModes, c.Transport.Mode))
	}
	if c.Transport.Mode != "local" {
		if c.Transport.Tor.ControlAddress == "" {
			errs = append(errs, errors.New("transport.tor.control_address is required unless transport.mode is local"))
		}
		if c.Transport.Tor.SocksAddress == "" {
			errs = append(errs, errors.New("transport.tor.socks_address is required unless transport.mode is local"))
		}
	}
	if c.Transport.Tor.VirtualPort < 1 || c.Transport.Tor.VirtualPort > 65535 {
		errs = append(errs, fmt.Errorf("transport.tor.virtual_port must be a TCP port, got %d", c.Transport.Tor.VirtualPort))
	}
	if c.Store.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("store.poll_interval must be positive, got %s", c.Store.PollInterval))
	}
	if c.Store.StaleAfter <= c.Store.PollInterval {
		errs = append(errs, fmt.Errorf("store.stale_after (%s) must exceed store.poll_interval (%s)", c.Store.StaleAfter, c.Store.PollInterval))
	}
	if !contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of %v, got %q", logLevels, c.Log.Level))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the state directory if it does not exist.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.Paths.State, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.State, err)
	}
	return nil
}

// DatabasePath is the state database inside the state directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.State, "state.db")
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
