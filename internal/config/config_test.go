package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/facebridge/internal/recovery"
	"github.com/banshee-data/facebridge/internal/rules"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := &BridgeConfig{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "", cfg.GetPhoneIP())
	assert.Equal(t, 21412, cfg.GetPhonePort())
	assert.Equal(t, 28964, cfg.GetListenPort())
	assert.Equal(t, time.Second, cfg.GetReceiveTimeout())
	assert.Equal(t, time.Second, cfg.GetRequestInterval())
	assert.Equal(t, "localhost", cfg.GetVTSHost())
	assert.Equal(t, 8001, cfg.GetVTSPort())
	assert.True(t, cfg.GetDiscovery())
	assert.Equal(t, 47779, cfg.GetDiscoveryPort())
	assert.Equal(t, DefaultPluginName, cfg.GetPluginName())
	assert.Equal(t, DefaultDeveloper, cfg.GetPluginDeveloper())
	assert.Equal(t, DefaultRulesPath, cfg.GetRulesPath())
	assert.Equal(t, 500*time.Millisecond, cfg.GetStatusInterval())
	assert.Equal(t, 2*time.Second, cfg.GetHealthCheckInterval())
	assert.Equal(t, time.Second, cfg.GetRecoveryInitialDelay())
	assert.Equal(t, 30*time.Second, cfg.GetRecoveryMaxDelay())
	assert.Equal(t, 2.0, cfg.GetRecoveryMultiplier())
	assert.Empty(t, cfg.GetDBPath())
	assert.Empty(t, cfg.GetAdminListen())
	assert.Empty(t, cfg.GetGRPCListen())
}

func TestDefaultsMatchRecoveryPackage(t *testing.T) {
	cfg := &BridgeConfig{}
	def := recovery.DefaultConfig()
	assert.Equal(t, def.InitialDelay, cfg.GetRecoveryInitialDelay())
	assert.Equal(t, def.MaxDelay, cfg.GetRecoveryMaxDelay())
	assert.Equal(t, def.Multiplier, cfg.GetRecoveryMultiplier())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "bridge.json", `{
		"phone_ip": "10.0.0.5",
		"listen_port": 30000,
		"discovery": false,
		"status_interval": "250ms",
		"recovery_multiplier": 1.5
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.GetPhoneIP())
	assert.Equal(t, 30000, cfg.GetListenPort())
	assert.Equal(t, DefaultPhonePort, cfg.GetPhonePort())
	assert.False(t, cfg.GetDiscovery())
	assert.Equal(t, 250*time.Millisecond, cfg.GetStatusInterval())
	assert.Equal(t, 1.5, cfg.GetRecoveryMultiplier())
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load("../../config/facebridge.example.json")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", cfg.GetPhoneIP())

	// The example rules referenced by the example config must load cleanly.
	engine := rules.NewEngine(rules.EngineConfig{})
	require.NoError(t, engine.LoadRules(filepath.Join("../..", cfg.GetRulesPath())))
	assert.Equal(t, int64(0), engine.Stats().Counter("invalid_rules"))
	assert.Len(t, engine.ParameterDefinitions(), 8)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"wrong extension", "bridge.yaml", `{}`, ".json extension"},
		{"bad json", "bridge.json", `{`, "failed to parse"},
		{"bad ip", "bridge.json", `{"phone_ip": "phone.local"}`, "phone_ip"},
		{"port range", "bridge.json", `{"vts_port": 70000}`, "vts_port"},
		{"bad duration", "bridge.json", `{"receive_timeout": "soon"}`, "receive_timeout"},
		{"negative duration", "bridge.json", `{"health_check_interval": "-1s"}`, "must be positive"},
		{"multiplier", "bridge.json", `{"recovery_multiplier": 0.5}`, "recovery_multiplier"},
		{"max below initial", "bridge.json", `{"recovery_initial_delay": "10s", "recovery_max_delay": "5s"}`, "recovery_max_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadTooLarge(t *testing.T) {
	big := `{"editor": "` + strings.Repeat("x", maxFileSize) + `"}`
	_, err := Load(writeConfig(t, "big.json", big))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestGetEditor(t *testing.T) {
	t.Setenv("VISUAL", "")
	t.Setenv("EDITOR", "nano")
	cfg := &BridgeConfig{}
	assert.Equal(t, "nano", cfg.GetEditor())

	t.Setenv("VISUAL", "code -w")
	assert.Equal(t, "code -w", cfg.GetEditor())

	cfg.Editor = ptrString("hx")
	assert.Equal(t, "hx", cfg.GetEditor())

	t.Setenv("VISUAL", "")
	t.Setenv("EDITOR", "")
	cfg.Editor = nil
	assert.Equal(t, "vi", cfg.GetEditor())
}

func TestSetOverrides(t *testing.T) {
	cfg := &BridgeConfig{PhoneIP: ptrString("10.0.0.1"), VTSPort: ptrInt(9000)}

	SetString(&cfg.PhoneIP, "")
	SetInt(&cfg.VTSPort, 0)
	assert.Equal(t, "10.0.0.1", cfg.GetPhoneIP())
	assert.Equal(t, 9000, cfg.GetVTSPort())

	SetString(&cfg.PhoneIP, "10.0.0.2")
	SetInt(&cfg.VTSPort, 8002)
	SetString(&cfg.RulesPath, "custom.json")
	assert.Equal(t, "10.0.0.2", cfg.GetPhoneIP())
	assert.Equal(t, 8002, cfg.GetVTSPort())
	assert.Equal(t, "custom.json", cfg.GetRulesPath())
}
