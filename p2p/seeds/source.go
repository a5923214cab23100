package seeds

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"swarmnode/observability/logging"
	"swarmnode/p2p"
)

// LoadFile reads and parses a registry file.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed registry: %w", err)
	}
	return Parse(raw)
}

// Endpoints converts resolved seeds into bootstrap endpoints.
func Endpoints(seeds []ResolvedSeed) []p2p.SeedEndpoint {
	out := make([]p2p.SeedEndpoint, 0, len(seeds))
	for _, s := range seeds {
		out = append(out, p2p.SeedEndpoint{NodeID: s.NodeID, Address: s.Address})
	}
	return out
}

// Source adapts the registry into a bootstrap seed source. Partial results
// are returned alongside lookup errors so one dead authority never hides the
// others.
func (r *Registry) Source(resolver Resolver, logger *slog.Logger, now func() time.Time) p2p.SeedSourceFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	logger = logger.With(slog.String("component", "seeds"))
	return func(ctx context.Context) ([]p2p.SeedEndpoint, error) {
		resolved, err := r.Resolve(ctx, now(), resolver)
		if err != nil {
			logger.Warn("seed registry lookup incomplete",
				slog.Int("resolved", len(resolved)),
				slog.Any("error", err))
		}
		for _, s := range resolved {
			logger.Debug("seed resolved",
				slog.String("source", s.Source),
				logging.MaskField("seed_address", s.Address))
		}
		return Endpoints(resolved), err
	}
}
