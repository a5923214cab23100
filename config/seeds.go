package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedEntry is one row of a YAML seeds file.
type SeedEntry struct {
	NodeID  string `yaml:"nodeId"`
	Address string `yaml:"address"`
}

type seedsFile struct {
	Seeds []SeedEntry `yaml:"seeds"`
}

// LoadSeedsFile reads a YAML document of the form
//
//	seeds:
//	  - nodeId: 9f2c...
//	    address: 203.0.113.5:6001
func LoadSeedsFile(path string) ([]SeedEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seeds file: %w", err)
	}
	var doc seedsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse seeds file %s: %w", path, err)
	}
	for i, entry := range doc.Seeds {
		if strings.TrimSpace(entry.Address) == "" {
			return nil, fmt.Errorf("seeds file %s: entry %d has no address", path, i+1)
		}
	}
	return doc.Seeds, nil
}

// SeedList returns the inline seeds followed by those from SeedsFile, in the
// "nodeID@host:port" form the bootstrapper parses.
func (c *Config) SeedList() ([]string, error) {
	out := append([]string(nil), c.P2P.Seeds...)
	if strings.TrimSpace(c.P2P.SeedsFile) == "" {
		return out, nil
	}
	entries, err := LoadSeedsFile(c.P2P.SeedsFile)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		addr := strings.TrimSpace(e.Address)
		if id := strings.TrimSpace(e.NodeID); id != "" {
			addr = id + "@" + addr
		}
		out = append(out, addr)
	}
	return out, nil
}
