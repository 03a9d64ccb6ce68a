package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "havocd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "region1", cfg.Region)
	assert.Equal(t, "havoc.local", cfg.APIDomain)
	assert.Equal(t, 30*24*time.Hour, cfg.ResultRetention)
	require.Len(t, cfg.TaskTypes, 1)
	assert.Contains(t, cfg.TaskTypes[0].Capabilities, "terminate")
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9090"
region: us-east-2
api_domain: c2.example.com
public_addr: 198.51.100.20
result_retention: 72h
settle_delay: 5s
log:
  level: debug
  json: true
dns:
  listen_addr: ":53"
  zones:
    - zone_id: zone1
      name: example.com.
task_types:
  - name: beacon
    version: "2.0"
    image: registry.example.com/beacon:2.0
    capabilities: [checkin, terminate]
triggers:
  - name: sweep
    interval: 10m
    task_name: beacon1
    filter_command: checkin
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "us-east-2", cfg.Region)
	assert.Equal(t, "c2.example.com", cfg.APIDomain)
	assert.Equal(t, "198.51.100.20", cfg.PublicAddr)
	assert.Equal(t, 72*time.Hour, cfg.ResultRetention)
	assert.Equal(t, 5*time.Second, cfg.SettleDelay)
	assert.True(t, cfg.Log.JSON)
	require.Len(t, cfg.DNS.Zones, 1)
	assert.Equal(t, "example.com.", cfg.DNS.Zones[0].Name)
	require.Len(t, cfg.TaskTypes, 1)
	assert.Equal(t, "beacon", cfg.TaskTypes[0].Name)
	require.Len(t, cfg.Triggers, 1)
	assert.Equal(t, 10*time.Minute, cfg.Triggers[0].Interval)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty region", "region: \"\"\n"},
		{"empty api domain", "api_domain: \"\"\n"},
		{"acme without email", "acme:\n  enabled: true\n"},
		{"task type without capabilities", "task_types:\n  - name: broken\n"},
		{"not yaml", "{{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/havocd.yaml")
	assert.Error(t, err)
}
