// Package config loads and validates the node configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full node configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Network NetworkConfig `yaml:"network"`
	DHT     DHTConfig     `yaml:"dht"`
	Storage StorageConfig `yaml:"storage"`
	API     APIConfig     `yaml:"api"`

	IdentityFile string `yaml:"identity_file"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // console or json
	File     string `yaml:"file"`     // optional rotating file sink
}

// NetworkConfig controls the UDP transport.
type NetworkConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	PublicIP       string        `yaml:"public_ip"`
	BootstrapPeers []string      `yaml:"bootstrap_peers"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DHTConfig controls the protocol core.
type DHTConfig struct {
	KSize           int           `yaml:"bucket_size"` // K in Kademlia
	Alpha           int           `yaml:"alpha"`       // lookup parallelism
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RecordTTL       time.Duration `yaml:"record_ttl"`
}

// StorageConfig selects the record store backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory or sqlite
	Path    string `yaml:"path"`    // sqlite database file
}

// APIConfig controls the HTTP status/metrics endpoint.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration a node runs with when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
		Network: NetworkConfig{
			ListenAddr:     "0.0.0.0:18467",
			RequestTimeout: 5 * time.Second,
		},
		DHT: DHTConfig{
			KSize:           20,
			Alpha:           3,
			RefreshInterval: time.Hour,
			RecordTTL:       24 * time.Hour,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:18468",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if c.Network.ListenAddr == "" {
		return fmt.Errorf("network.listen_addr must be set")
	}
	if c.DHT.KSize <= 0 {
		return fmt.Errorf("dht.bucket_size must be positive, got %d", c.DHT.KSize)
	}
	if c.DHT.Alpha <= 0 {
		return fmt.Errorf("dht.alpha must be positive, got %d", c.DHT.Alpha)
	}
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path must be set for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.API.Enabled && c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr must be set when the API is enabled")
	}
	return nil
}
