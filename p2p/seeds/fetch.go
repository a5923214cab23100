package seeds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxRegistryBytes = 1 << 20

// FetchURL downloads a registry document from a bootstrap URL and returns its
// currently active entries, resolving DNS authorities through resolver.
func FetchURL(ctx context.Context, client *http.Client, url string, resolver Resolver, now time.Time) ([]ResolvedSeed, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bootstrap url: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bootstrap url: unexpected status %s", resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRegistryBytes))
	if err != nil {
		return nil, fmt.Errorf("bootstrap url: read body: %w", err)
	}
	reg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if len(reg.Authorities) == 0 {
		return reg.Static(now), nil
	}
	return reg.Resolve(ctx, now, resolver)
}
