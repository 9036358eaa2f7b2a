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
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
network:
  listen_addr: "0.0.0.0:9999"
  bootstrap_peers:
    - "10.0.0.1:18467"
dht:
  bucket_size: 8
  refresh_interval: 30m
storage:
  backend: sqlite
  path: /var/lib/kadnet/records.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "0.0.0.0:9999", cfg.Network.ListenAddr)
	assert.Equal(t, []string{"10.0.0.1:18467"}, cfg.Network.BootstrapPeers)
	assert.Equal(t, 8, cfg.DHT.KSize)
	assert.Equal(t, 30*time.Minute, cfg.DHT.RefreshInterval)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)

	// Untouched fields keep their defaults.
	assert.Equal(t, 3, cfg.DHT.Alpha)
	assert.Equal(t, 5*time.Second, cfg.Network.RequestTimeout)
	assert.True(t, cfg.API.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "network: [not a mapping"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.Network.ListenAddr = "" }},
		{"zero bucket size", func(c *Config) { c.DHT.KSize = 0 }},
		{"negative alpha", func(c *Config) { c.DHT.Alpha = -1 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"sqlite without path", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"api enabled without addr", func(c *Config) { c.API.ListenAddr = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
