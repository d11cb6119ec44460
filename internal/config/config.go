// Package config provides configuration management for the botswitch proxy.
// It handles loading and parsing YAML configuration files and provides
// structured access to proxy connection definitions, target endpoints,
// logging, persistence and security settings.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Connections maps a connection id to its proxy definition.
	Connections map[string]ConnectionConfig `yaml:"connections" json:"connections"`

	// LogDir is the directory for rotating log files. Empty disables file logging.
	LogDir string `yaml:"log-dir,omitempty" json:"log-dir,omitempty"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug,omitempty" json:"debug,omitempty"`

	// DatabasePath is the sqlite file backing message and auth persistence.
	// Empty disables persistence.
	DatabasePath string `yaml:"database-path,omitempty" json:"database-path,omitempty"`

	// Security holds key-auth policy settings consumed by the command layer.
	Security SecurityConfig `yaml:"security,omitempty" json:"security,omitempty"`
}

// SecurityConfig holds the auth-key policy for the command subsystem.
type SecurityConfig struct {
	// AuthEnabled turns temp-key authentication on.
	AuthEnabled bool `yaml:"auth-enabled,omitempty" json:"auth-enabled,omitempty"`

	// MaxAttempts is the number of failed key checks before a bot is banned.
	MaxAttempts int `yaml:"max-attempts,omitempty" json:"max-attempts,omitempty"`

	// BanDurationMinutes is how long a ban lasts.
	BanDurationMinutes int `yaml:"ban-duration,omitempty" json:"ban-duration,omitempty"`
}

// BanDuration returns the ban window as a time.Duration.
func (s SecurityConfig) BanDuration() time.Duration {
	return time.Duration(s.BanDurationMinutes) * time.Minute
}

// ConnectionConfig describes one proxy connection: a client listen endpoint
// fanned out to a set of target endpoints.
type ConnectionConfig struct {
	// Enabled toggles the connection without removing it from the file.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ClientEndpoint is the inbound listen URL, e.g. "ws://0.0.0.0:5111/bs/yunzai".
	ClientEndpoint string `yaml:"client-endpoint" json:"client-endpoint"`

	// TargetEndpoints lists the downstream frameworks. Entries may be plain
	// URL strings or objects with headers and protocol flags.
	TargetEndpoints []TargetEndpoint `yaml:"target-endpoints" json:"target-endpoints"`
}

// TargetEndpoint is a downstream framework endpoint. In YAML it is either a
// bare URL string or a mapping with url, headers, sakoya-protocol and
// disabled keys.
type TargetEndpoint struct {
	// URL is the outbound WebSocket URL.
	URL string `yaml:"url" json:"url"`

	// Headers are custom headers sent on dial; they override propagated
	// client headers.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// SakoyaProtocol marks the target as speaking the Sakoya dialect.
	SakoyaProtocol bool `yaml:"sakoya-protocol,omitempty" json:"sakoya-protocol,omitempty"`

	// Disabled excludes the slot from dialing and reconnecting while
	// keeping its index stable.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// UnmarshalYAML accepts both the string form and the mapping form.
func (t *TargetEndpoint) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var u string
		if err := value.Decode(&u); err != nil {
			return err
		}
		t.URL = u
		return nil
	}
	type plain TargetEndpoint
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*t = TargetEndpoint(p)
	return nil
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Security.MaxAttempts <= 0 {
		cfg.Security.MaxAttempts = 3
	}
	if cfg.Security.BanDurationMinutes <= 0 {
		cfg.Security.BanDurationMinutes = 30
	}
	return &cfg, nil
}

// ClientRoute is a parsed client endpoint.
type ClientRoute struct {
	Host string
	Port int
	Path string
}

// ParseClientEndpoint splits "ws://host:port/path" into its route components.
// A missing port defaults to 80 and a missing path to "/".
func ParseClientEndpoint(endpoint string) (ClientRoute, error) {
	if !strings.HasPrefix(endpoint, "ws://") {
		return ClientRoute{}, fmt.Errorf("unsupported client endpoint %q: only ws:// is accepted", endpoint)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return ClientRoute{}, fmt.Errorf("parse client endpoint %q: %w", endpoint, err)
	}
	port := 80
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return ClientRoute{}, fmt.Errorf("invalid port in %q: %w", endpoint, err)
		}
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return ClientRoute{Host: u.Hostname(), Port: port, Path: path}, nil
}
