// Package config loads the bridge's JSON configuration file. Every field is
// optional; the Get* accessors fall back to defaults for anything unset.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Defaults for the tracking and avatar-app endpoints.
const (
	DefaultPhonePort     = 21412
	DefaultListenPort    = 28964
	DefaultVTSHost       = "localhost"
	DefaultVTSPort       = 8001
	DefaultDiscoveryPort = 47779
	DefaultPluginName    = "facebridge"
	DefaultDeveloper     = "banshee-data"
	DefaultRulesPath     = "rules.json"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// BridgeConfig is the root configuration. Durations are strings such as
// "500ms" or "2s".
type BridgeConfig struct {
	// Tracking source
	PhoneIP         *string `json:"phone_ip,omitempty"`
	PhonePort       *int    `json:"phone_port,omitempty"`
	ListenPort      *int    `json:"listen_port,omitempty"`
	ReceiveTimeout  *string `json:"receive_timeout,omitempty"`
	RequestInterval *string `json:"request_interval,omitempty"`

	// Avatar app
	VTSHost         *string `json:"vts_host,omitempty"`
	VTSPort         *int    `json:"vts_port,omitempty"`
	Discovery       *bool   `json:"discovery,omitempty"`
	DiscoveryPort   *int    `json:"discovery_port,omitempty"`
	PluginName      *string `json:"plugin_name,omitempty"`
	PluginDeveloper *string `json:"plugin_developer,omitempty"`

	// Pipeline
	RulesPath            *string  `json:"rules_path,omitempty"`
	StatusInterval       *string  `json:"status_interval,omitempty"`
	HealthCheckInterval  *string  `json:"health_check_interval,omitempty"`
	RecoveryInitialDelay *string  `json:"recovery_initial_delay,omitempty"`
	RecoveryMaxDelay     *string  `json:"recovery_max_delay,omitempty"`
	RecoveryMultiplier   *float64 `json:"recovery_multiplier,omitempty"`

	// Local state and operator surfaces
	DBPath      *string `json:"db_path,omitempty"`
	AdminListen *string `json:"admin_listen,omitempty"`
	GRPCListen  *string `json:"grpc_listen,omitempty"`
	Editor      *string `json:"editor,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// Load reads a BridgeConfig from a JSON file.
// Fields omitted from the file keep their defaults, so partial configs are
// safe.
func Load(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &BridgeConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *BridgeConfig) Validate() error {
	if c.PhoneIP != nil && *c.PhoneIP != "" && net.ParseIP(*c.PhoneIP) == nil {
		return fmt.Errorf("phone_ip must be an IP address, got %q", *c.PhoneIP)
	}

	ports := []struct {
		name string
		v    *int
	}{
		{"phone_port", c.PhonePort},
		{"listen_port", c.ListenPort},
		{"vts_port", c.VTSPort},
		{"discovery_port", c.DiscoveryPort},
	}
	for _, p := range ports {
		if p.v != nil && (*p.v < 1 || *p.v > 65535) {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", p.name, *p.v)
		}
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"receive_timeout", c.ReceiveTimeout},
		{"request_interval", c.RequestInterval},
		{"status_interval", c.StatusInterval},
		{"health_check_interval", c.HealthCheckInterval},
		{"recovery_initial_delay", c.RecoveryInitialDelay},
		{"recovery_max_delay", c.RecoveryMaxDelay},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}

	if c.RecoveryMultiplier != nil && *c.RecoveryMultiplier < 1 {
		return fmt.Errorf("recovery_multiplier must be at least 1, got %g", *c.RecoveryMultiplier)
	}
	if c.GetRecoveryMaxDelay() < c.GetRecoveryInitialDelay() {
		return fmt.Errorf("recovery_max_delay (%v) must not be less than recovery_initial_delay (%v)",
			c.GetRecoveryMaxDelay(), c.GetRecoveryInitialDelay())
	}
	return nil
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetPhoneIP returns the phone address, or "" when tracking requests are
// disabled.
func (c *BridgeConfig) GetPhoneIP() string { return stringOr(c.PhoneIP, "") }

// GetPhonePort returns the phone's request port or the default.
func (c *BridgeConfig) GetPhonePort() int { return intOr(c.PhonePort, DefaultPhonePort) }

// GetListenPort returns the local tracking port or the default.
func (c *BridgeConfig) GetListenPort() int { return intOr(c.ListenPort, DefaultListenPort) }

// GetReceiveTimeout returns the per-receive timeout.
func (c *BridgeConfig) GetReceiveTimeout() time.Duration {
	return durationOr(c.ReceiveTimeout, time.Second)
}

// GetRequestInterval returns how often tracking requests are resent.
func (c *BridgeConfig) GetRequestInterval() time.Duration {
	return durationOr(c.RequestInterval, time.Second)
}

func (c *BridgeConfig) GetVTSHost() string { return stringOr(c.VTSHost, DefaultVTSHost) }
func (c *BridgeConfig) GetVTSPort() int    { return intOr(c.VTSPort, DefaultVTSPort) }

// GetDiscovery reports whether to listen for the avatar app's port
// broadcast before connecting.
func (c *BridgeConfig) GetDiscovery() bool {
	if c.Discovery == nil {
		return true // default
	}
	return *c.Discovery
}

func (c *BridgeConfig) GetDiscoveryPort() int { return intOr(c.DiscoveryPort, DefaultDiscoveryPort) }

func (c *BridgeConfig) GetPluginName() string { return stringOr(c.PluginName, DefaultPluginName) }

func (c *BridgeConfig) GetPluginDeveloper() string {
	return stringOr(c.PluginDeveloper, DefaultDeveloper)
}

func (c *BridgeConfig) GetRulesPath() string { return stringOr(c.RulesPath, DefaultRulesPath) }

func (c *BridgeConfig) GetStatusInterval() time.Duration {
	return durationOr(c.StatusInterval, 500*time.Millisecond)
}

func (c *BridgeConfig) GetHealthCheckInterval() time.Duration {
	return durationOr(c.HealthCheckInterval, 2*time.Second)
}

func (c *BridgeConfig) GetRecoveryInitialDelay() time.Duration {
	return durationOr(c.RecoveryInitialDelay, time.Second)
}

func (c *BridgeConfig) GetRecoveryMaxDelay() time.Duration {
	return durationOr(c.RecoveryMaxDelay, 30*time.Second)
}

func (c *BridgeConfig) GetRecoveryMultiplier() float64 {
	if c.RecoveryMultiplier == nil {
		return 2.0 // default
	}
	return *c.RecoveryMultiplier
}

// GetDBPath returns the SQLite path; "" keeps state in memory.
func (c *BridgeConfig) GetDBPath() string { return stringOr(c.DBPath, "") }

// GetAdminListen returns the debug HTTP address; "" disables it.
func (c *BridgeConfig) GetAdminListen() string { return stringOr(c.AdminListen, "") }

// GetGRPCListen returns the gRPC health address; "" disables it.
func (c *BridgeConfig) GetGRPCListen() string { return stringOr(c.GRPCListen, "") }

// GetEditor returns the command used to open the rules file, falling back
// to $VISUAL, $EDITOR and finally vi.
func (c *BridgeConfig) GetEditor() string {
	if e := stringOr(c.Editor, ""); e != "" {
		return e
	}
	for _, env := range []string{"VISUAL", "EDITOR"} {
		if e := os.Getenv(env); e != "" {
			return e
		}
	}
	return "vi"
}

// SetString overrides a string field, typically from a command-line flag.
// An empty value leaves the field unchanged.
func SetString(dst **string, v string) {
	if v != "" {
		*dst = ptrString(v)
	}
}

// SetInt overrides an int field; zero leaves the field unchanged.
func SetInt(dst **int, v int) {
	if v != 0 {
		*dst = ptrInt(v)
	}
}
