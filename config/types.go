package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// P2P holds discovery and connection management settings.
type P2P struct {
	ListenAddress string `toml:"ListenAddress"`
	AdvertiseIP   string `toml:"AdvertiseIP,omitempty"`
	HTTPPort      uint16 `toml:"HTTPPort,omitempty"`
	Region        string `toml:"Region"`
	Role          string `toml:"Role"`
	// Seeds are "host:port" or "nodeID@host:port".
	Seeds            []string `toml:"Seeds"`
	SeedsFile        string   `toml:"SeedsFile,omitempty"`
	SeedRegistryFile string   `toml:"SeedRegistryFile,omitempty"`
	BootstrapURL     string   `toml:"BootstrapURL,omitempty"`
	DNSServers       []string `toml:"DNSServers,omitempty"`
	DiscoveryMode    string   `toml:"DiscoveryMode"`
	BackoffBase      Duration `toml:"BackoffBase"`
	ProtectSeeds     bool     `toml:"ProtectSeeds"`
	MinTargetPeers   int      `toml:"MinTargetPeers"`
	MaxTargetPeers   int      `toml:"MaxTargetPeers"`
	RecoveryInterval Duration `toml:"RecoveryInterval"`
	MaxPeers         int      `toml:"MaxPeers"`
	RelayFanout      int      `toml:"RelayFanout"`
	DialTimeout      Duration `toml:"DialTimeout"`
	// ReadyPeers is the connection count /readyz waits for.
	ReadyPeers int `toml:"ReadyPeers"`
}

// Sync holds block download and orphan pool settings.
type Sync struct {
	OrphanPoolSize int      `toml:"OrphanPoolSize"`
	OrphanMaxAge   Duration `toml:"OrphanMaxAge"`
	// InitialWindow is a new peer's request window before RTT samples arrive.
	InitialWindow int `toml:"InitialWindow"`
	// QueueCapacity bounds blocks in flight across all peers. Zero derives
	// it from the largest peer window times MaxTargetPeers.
	QueueCapacity int `toml:"QueueCapacity"`
}

// Reachability toggles background NAT checks of anchors.
type Reachability struct {
	Enabled  bool     `toml:"Enabled"`
	Interval Duration `toml:"Interval"`
}

// Logging configures the JSON log sink.
type Logging struct {
	Env        string `toml:"Env"`
	Level      string `toml:"Level"`
	File       string `toml:"File,omitempty"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry configures OTLP export and the metrics listener.
type Telemetry struct {
	OTLPEndpoint  string `toml:"OTLPEndpoint,omitempty"`
	OTLPHeaders   string `toml:"OTLPHeaders,omitempty"`
	Insecure      bool   `toml:"Insecure"`
	Metrics       bool   `toml:"Metrics"`
	Traces        bool   `toml:"Traces"`
	MetricsListen string `toml:"MetricsListen"`
}
