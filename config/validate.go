package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"swarmnode/observability/logging"
	"swarmnode/p2p"
)

// Validate checks the configuration at startup. Every problem is reported;
// any error here is fatal.
func Validate(c *Config) error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.P2P.ListenAddress); err != nil {
		errs = append(errs, fmt.Errorf("p2p.ListenAddress: %w", err))
	}
	if _, err := p2p.ParseRole(c.P2P.Role); err != nil {
		errs = append(errs, fmt.Errorf("p2p.Role: %w", err))
	}
	mode, err := p2p.ParseDiscoveryMode(c.P2P.DiscoveryMode)
	if err != nil {
		errs = append(errs, fmt.Errorf("p2p.DiscoveryMode: %w", err))
	}

	seedList, err := c.SeedList()
	if err != nil {
		errs = append(errs, fmt.Errorf("p2p.SeedsFile: %w", err))
	}
	seeds, parseErrs := p2p.ParseSeedList(seedList)
	for _, perr := range parseErrs {
		errs = append(errs, fmt.Errorf("p2p.Seeds: %w", perr))
	}
	bootstrapURL := strings.TrimSpace(c.P2P.BootstrapURL)
	if bootstrapURL != "" {
		if u, err := url.Parse(bootstrapURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("p2p.BootstrapURL: %q is not an http(s) URL", bootstrapURL))
		}
	}
	if mode == p2p.DiscoveryStatic && len(seeds) == 0 && bootstrapURL == "" {
		errs = append(errs, errors.New("p2p: static discovery needs at least one seed or a BootstrapURL"))
	}

	if c.P2P.MinTargetPeers < 0 || c.P2P.MaxTargetPeers < 0 || c.P2P.ReadyPeers < 0 {
		errs = append(errs, errors.New("p2p: target peer counts must not be negative"))
	}
	if c.P2P.MaxTargetPeers > 0 && c.P2P.MinTargetPeers > c.P2P.MaxTargetPeers {
		errs = append(errs, fmt.Errorf("p2p: MinTargetPeers %d exceeds MaxTargetPeers %d", c.P2P.MinTargetPeers, c.P2P.MaxTargetPeers))
	}
	if c.P2P.BackoffBase.Duration < 0 || c.P2P.RecoveryInterval.Duration < 0 || c.P2P.DialTimeout.Duration < 0 {
		errs = append(errs, errors.New("p2p: durations must not be negative"))
	}
	if c.Sync.OrphanPoolSize < 0 || c.Sync.InitialWindow < 0 || c.Sync.QueueCapacity < 0 {
		errs = append(errs, errors.New("sync: sizes must not be negative"))
	}
	if c.Sync.InitialWindow > p2p.MaxSyncWindow {
		errs = append(errs, fmt.Errorf("sync: InitialWindow %d exceeds %d", c.Sync.InitialWindow, p2p.MaxSyncWindow))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.Level: %w", err))
	}
	if addr := strings.TrimSpace(c.Telemetry.MetricsListen); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("telemetry.MetricsListen: %w", err))
		}
	}
	return errors.Join(errs...)
}
