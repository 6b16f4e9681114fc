package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("TRANSIT_SYNC_CONFIG", path)
	return path
}

func TestLoadDefaults(t *testing.T) {
	writeConfig(t, "env: test\n")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 3, cfg.Dashboard.LoginAttempts)
	assert.Equal(t, 7, cfg.Dashboard.PlateColumn)
	assert.Equal(t, 5*time.Second, cfg.Workflow.Pacing)
	assert.Equal(t, "reauthenticate", cfg.Workflow.OnPlateFailure)
	assert.Equal(t, "CTA", cfg.SSW.Unit)
	assert.Equal(t, time.Minute, cfg.Schedule.Tick)
	assert.Equal(t, 90, cfg.Database.RetentionDays)
	assert.Contains(t, cfg.WebDriver.Args, "--no-sandbox")
	assert.False(t, cfg.IsProduction())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	writeConfig(t, `
env: production
dashboard:
  email: ops@example.com
  login_attempts: 5
ssw:
  unit: SPO
workflow:
  pacing: 2s
  on_plate_failure: abort
schedule:
  path: /var/lib/transit-sync/schedules.yaml
`)
	t.Setenv("TRANSIT_SYNC_SSW_PASSWORD", "hunter2")
	t.Setenv("TRANSIT_SYNC_WORKFLOW_PACING", "10s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "ops@example.com", cfg.Dashboard.Email)
	assert.Equal(t, 5, cfg.Dashboard.LoginAttempts)
	assert.Equal(t, "SPO", cfg.SSW.Unit)
	assert.Equal(t, "hunter2", cfg.SSW.Password)
	assert.Equal(t, 10*time.Second, cfg.Workflow.Pacing)
	assert.Equal(t, "abort", cfg.Workflow.OnPlateFailure)
	assert.Equal(t, "/var/lib/transit-sync/schedules.yaml", cfg.Schedule.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown failure policy", body: "workflow:\n  on_plate_failure: retry\n"},
		{name: "no login attempts", body: "dashboard:\n  login_attempts: 0\n"},
		{name: "zero tick", body: "schedule:\n  tick: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, tt.body)
			_, err := Load()
			require.Error(t, err)
		})
	}
}
