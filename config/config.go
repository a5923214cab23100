package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration file.
type Config struct {
	DataDir      string       `toml:"DataDir"`
	IdentityFile string       `toml:"IdentityFile,omitempty"`
	P2P          P2P          `toml:"p2p"`
	Sync         Sync         `toml:"sync"`
	Reachability Reachability `toml:"reachability"`
	Logging      Logging      `toml:"logging"`
	Telemetry    Telemetry    `toml:"telemetry"`
}

// Default returns the configuration written on first start.
func Default() *Config {
	return &Config{
		DataDir: "./swarm-data",
		P2P: P2P{
			ListenAddress:    ":6001",
			Region:           "global",
			Role:             "dreamer",
			Seeds:            []string{},
			DiscoveryMode:    "dynamic",
			BackoffBase:      Duration{5 * time.Second},
			ProtectSeeds:     true,
			MinTargetPeers:   8,
			MaxTargetPeers:   16,
			RecoveryInterval: Duration{30 * time.Second},
			MaxPeers:         4096,
			RelayFanout:      8,
			DialTimeout:      Duration{5 * time.Second},
			ReadyPeers:       1,
		},
		Sync: Sync{
			OrphanPoolSize: 100,
			OrphanMaxAge:   Duration{10 * time.Minute},
			InitialWindow:  12,
		},
		Reachability: Reachability{
			Enabled:  true,
			Interval: Duration{time.Hour},
		},
		Logging: Logging{
			Env:        "dev",
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Telemetry: Telemetry{
			MetricsListen: "127.0.0.1:9100",
		},
	}
}

// Load loads the configuration from the given path, writing the defaults
// there first when the file does not exist. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
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
	if cfg.P2P.Seeds == nil {
		cfg.P2P.Seeds = []string{}
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// IdentityPath returns where the node key lives, defaulting into DataDir.
func (c *Config) IdentityPath() string {
	if strings.TrimSpace(c.IdentityFile) != "" {
		return c.IdentityFile
	}
	return filepath.Join(c.DataDir, "node.key")
}

// PeerDBPath is the LevelDB directory for peer state.
func (c *Config) PeerDBPath() string {
	return filepath.Join(c.DataDir, "peers")
}

// resolvePaths makes referenced files relative to the config file's directory.
func (c *Config) resolvePaths(base string) {
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.P2P.SeedsFile = rel(c.P2P.SeedsFile)
	c.P2P.SeedRegistryFile = rel(c.P2P.SeedRegistryFile)
}

// createDefault creates and saves a default configuration file.
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
