package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of a fastp2p node.
type Config struct {
	Node      NodeSection      `toml:"node" yaml:"node"`
	PeerBook  PeerBookSection  `toml:"peerbook" yaml:"peerbook"`
	Logging   LoggingSection   `toml:"logging" yaml:"logging"`
	Telemetry TelemetrySection `toml:"telemetry" yaml:"telemetry"`
	Admin     AdminSection     `toml:"admin" yaml:"admin"`
	Demo      DemoSection      `toml:"demo" yaml:"demo"`
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		Node: NodeSection{
			ListenHost:        "0.0.0.0",
			Port:              7000,
			Seeds:             []string{},
			DNSSeeds:          []string{},
			MaxConnections:    200,
			MaxParallelDials:  50,
			IdentifyTimeout:   "4s",
			HeartbeatInterval: "60s",
			DialTimeout:       "10s",
			RPCTimeout:        "4s",
			DiscoveryInterval: "10s",
			AcceptRate:        50,
			AcceptBurst:       100,
			AcceptRatePerIP:   5,
			AcceptBurstPerIP:  10,
		},
		PeerBook: PeerBookSection{
			Driver:          "leveldb",
			Path:            "./fastp2p-data/peers",
			MaxBanAttempts:  8,
			BanTTL:          "30s",
			CompactInterval: "30s",
		},
		Logging: LoggingSection{
			Level:       "info",
			Environment: "local",
		},
		Telemetry: TelemetrySection{
			Endpoint: "localhost:4318",
			Insecure: true,
		},
		Admin: AdminSection{
			ListenAddress: "127.0.0.1:7080",
		},
		Demo: DemoSection{
			PublishInterval: "1s",
			StatsInterval:   "10s",
		},
	}
}

// Load reads the configuration at path. TOML is used unless the extension is
// .yaml or .yml. A missing file is created with defaults in TOML.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	if isYAML(path) {
		if err := decodeYAML(path, cfg); err != nil {
			return nil, err
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			sort.Strings(keys)
			return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	if cfg.Node.Seeds == nil {
		cfg.Node.Seeds = []string{}
	}
	if cfg.Node.DNSSeeds == nil {
		cfg.Node.DNSSeeds = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decodeYAML(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
