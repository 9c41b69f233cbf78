package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/facebridge/internal/config"
)

// setFlag sets a flag for the duration of the test.
func setFlag(t *testing.T, name, value string) {
	t.Helper()
	f := flag.Lookup(name)
	require.NotNil(t, f, "flag -%s not defined", name)
	old := f.Value.String()
	require.NoError(t, flag.Set(name, value))
	t.Cleanup(func() { _ = flag.Set(name, old) })
}

func TestFlagDefaults(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"config", ""},
		{"log-level", "ops"},
		{"phone-ip", ""},
		{"rules", ""},
		{"db", ""},
		{"admin-listen", ""},
		{"grpc-listen", ""},
		{"no-discovery", "false"},
		{"replay-speed", "1"},
		{"no-console", "false"},
	}
	for _, tt := range tests {
		f := flag.Lookup(tt.name)
		if f == nil {
			t.Errorf("flag -%s not defined", tt.name)
			continue
		}
		if f.DefValue != tt.want {
			t.Errorf("-%s default = %q, want %q", tt.name, f.DefValue, tt.want)
		}
	}
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultRulesPath, cfg.GetRulesPath())
	assert.True(t, cfg.GetDiscovery())
	assert.Equal(t, "", cfg.GetAdminListen())
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facebridge.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"phone_ip": "192.168.1.20",
		"vts_port": 8002,
		"rules_path": "from-file.json",
		"recovery_initial_delay": "500ms"
	}`), 0o644))

	setFlag(t, "config", path)
	setFlag(t, "rules", "from-flag.json")
	setFlag(t, "vts-port", "9001")
	setFlag(t, "no-discovery", "true")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", cfg.GetPhoneIP())
	assert.Equal(t, "from-flag.json", cfg.GetRulesPath())
	assert.Equal(t, 9001, cfg.GetVTSPort())
	assert.False(t, cfg.GetDiscovery())

	rc := recoveryConfig(cfg)
	assert.Equal(t, 500*time.Millisecond, rc.InitialDelay)
	assert.Equal(t, 30*time.Second, rc.MaxDelay)
	assert.Equal(t, 2.0, rc.Multiplier)
}

func TestLoadConfig_InvalidOverride(t *testing.T) {
	setFlag(t, "phone-ip", "not-an-ip")
	_, err := loadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	setFlag(t, "config", filepath.Join(t.TempDir(), "missing.json"))
	_, err := loadConfig()
	assert.Error(t, err)
}
