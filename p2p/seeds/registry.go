// Package seeds resolves bootstrap seeds from a registry file: static entries
// plus ed25519-signed TXT records published by DNS authorities.
package seeds

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	recordPrefix        = "swarmseed:v1:"
	defaultLookupPrefix = "_swarmseed."
	registryVersion     = 1
	defaultRefresh      = 15 * time.Minute
	staticSource        = "registry.static"
)

var errEmptyRegistry = errors.New("seed registry: empty payload")

// Validity bounds an entry in unix seconds. Zero means unbounded.
type Validity struct {
	NotBefore int64 `json:"notBefore,omitempty"`
	NotAfter  int64 `json:"notAfter,omitempty"`
}

// Active reports whether now falls inside the window.
func (v Validity) Active(now time.Time) bool {
	ts := now.Unix()
	return (v.NotBefore <= 0 || ts >= v.NotBefore) && (v.NotAfter <= 0 || ts <= v.NotAfter)
}

func (v Validity) check() error {
	if v.NotBefore > 0 && v.NotAfter > 0 && v.NotAfter < v.NotBefore {
		return errors.New("notAfter precedes notBefore")
	}
	return nil
}

// Registry is the seed registry document.
type Registry struct {
	Version        int            `json:"version"`
	RefreshSeconds int            `json:"refreshSeconds,omitempty"`
	Authorities    []Authority    `json:"authorities"`
	StaticSeeds    []StaticRecord `json:"static"`
}

// Authority is a zone whose TXT records are trusted when signed by PublicKey.
type Authority struct {
	Domain    string `json:"domain"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"publicKey"`
	Lookup    string `json:"lookup,omitempty"`
	Validity
}

// StaticRecord is a seed listed directly in the registry.
type StaticRecord struct {
	NodeID  string `json:"nodeId"`
	Address string `json:"address"`
	Source  string `json:"source,omitempty"`
	Validity
}

// ResolvedSeed is a seed that passed validation.
type ResolvedSeed struct {
	NodeID  string
	Address string
	Source  string
	Validity
}

// Resolver performs DNS TXT lookups.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Parse decodes and validates a registry document. A missing version is
// treated as the current one.
func Parse(raw []byte) (*Registry, error) {
	body := strings.TrimSpace(string(raw))
	if body == "" {
		return nil, errEmptyRegistry
	}
	reg := &Registry{}
	if err := json.Unmarshal([]byte(body), reg); err != nil {
		return nil, fmt.Errorf("seed registry: decode: %w", err)
	}
	if reg.Version == 0 {
		reg.Version = registryVersion
	}
	if reg.Version != registryVersion {
		return nil, fmt.Errorf("seed registry: version %d not supported", reg.Version)
	}
	for i, auth := range reg.Authorities {
		if _, err := auth.publicKey(); err != nil {
			return nil, fmt.Errorf("seed registry: authority %d: %w", i+1, err)
		}
		if err := auth.check(); err != nil {
			return nil, fmt.Errorf("seed registry: authority %d: %w", i+1, err)
		}
	}
	for i, rec := range reg.StaticSeeds {
		if _, err := rec.seed(); err != nil {
			return nil, fmt.Errorf("seed registry: static seed %d: %w", i+1, err)
		}
	}
	return reg, nil
}

// RefreshInterval is how often DNS authorities should be polled.
func (r *Registry) RefreshInterval() time.Duration {
	if r == nil || r.RefreshSeconds <= 0 {
		return defaultRefresh
	}
	return time.Duration(r.RefreshSeconds) * time.Second
}

// Static returns the static seeds active at now.
func (r *Registry) Static(now time.Time) []ResolvedSeed {
	if r == nil {
		return nil
	}
	out := make([]ResolvedSeed, 0, len(r.StaticSeeds))
	for _, rec := range r.StaticSeeds {
		if seed, err := rec.seed(); err == nil && seed.Active(now) {
			out = append(out, seed)
		}
	}
	return dedupeSeeds(out)
}

// Resolve returns the static seeds followed by every verified DNS seed.
// Lookup and verification failures are joined into the error; the seeds that
// did verify are still returned.
func (r *Registry) Resolve(ctx context.Context, now time.Time, resolver Resolver) ([]ResolvedSeed, error) {
	if r == nil {
		return nil, nil
	}
	out := r.Static(now)
	if len(r.Authorities) == 0 {
		return out, nil
	}
	if resolver == nil {
		resolver = DefaultResolver()
	}
	var errs []error
	for _, auth := range r.Authorities {
		if !auth.Active(now) {
			continue
		}
		found, err := auth.resolve(ctx, now, resolver)
		out = append(out, found...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return dedupeSeeds(out), errors.Join(errs...)
}

func (a Authority) lookupName() string {
	if name := strings.TrimSpace(a.Lookup); name != "" {
		return name
	}
	return LookupName(a.Domain)
}

func (a Authority) check() error {
	if strings.TrimSpace(a.Domain) == "" {
		return errors.New("domain is required")
	}
	if alg := strings.ToLower(strings.TrimSpace(a.Algorithm)); alg != "" && alg != "ed25519" {
		return fmt.Errorf("algorithm %q not supported", a.Algorithm)
	}
	return a.Validity.check()
}

func (a Authority) publicKey() (ed25519.PublicKey, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(a.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(key), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}

func (a Authority) resolve(ctx context.Context, now time.Time, resolver Resolver) ([]ResolvedSeed, error) {
	name := a.lookupName()
	values, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("seed registry: lookup %s: %w", name, err)
	}
	key, err := a.publicKey()
	if err != nil {
		return nil, err
	}
	domain := strings.TrimSpace(a.Domain)
	var (
		out  []ResolvedSeed
		errs []error
	)
	for _, value := range values {
		seed, err := verifyTXT(value, domain, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("seed registry: %s: %w", name, err))
			continue
		}
		if seed.Active(now) {
			out = append(out, seed)
		}
	}
	return dedupeSeeds(out), errors.Join(errs...)
}

// dnsRecord is the JSON body of a TXT value after the prefix is stripped and
// the base64 decoded.
type dnsRecord struct {
	NodeID    string `json:"nodeId"`
	Address   string `json:"address"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
	Signature string `json:"signature"`
}

func verifyTXT(value, domain string, key ed25519.PublicKey) (ResolvedSeed, error) {
	value = strings.TrimSpace(value)
	encoded, ok := strings.CutPrefix(value, recordPrefix)
	if !ok {
		return ResolvedSeed{}, fmt.Errorf("record lacks %q prefix", recordPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ResolvedSeed{}, fmt.Errorf("record encoding: %w", err)
	}
	var rec dnsRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ResolvedSeed{}, fmt.Errorf("record body: %w", err)
	}
	nodeID, addr, err := checkEndpoint(rec.NodeID, rec.Address)
	if err != nil {
		return ResolvedSeed{}, err
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rec.Signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ResolvedSeed{}, errors.New("malformed signature")
	}
	if !ed25519.Verify(key, buildSigningMessage(nodeID, addr, rec.NotBefore, rec.NotAfter, domain), sig) {
		return ResolvedSeed{}, errors.New("bad signature")
	}
	return ResolvedSeed{
		NodeID:   nodeID,
		Address:  addr,
		Source:   "dns:" + domain,
		Validity: Validity{NotBefore: rec.NotBefore, NotAfter: rec.NotAfter},
	}, nil
}

func (s StaticRecord) seed() (ResolvedSeed, error) {
	nodeID, addr, err := checkEndpoint(s.NodeID, s.Address)
	if err != nil {
		return ResolvedSeed{}, err
	}
	if err := s.Validity.check(); err != nil {
		return ResolvedSeed{}, err
	}
	source := strings.TrimSpace(s.Source)
	if source == "" {
		source = staticSource
	}
	return ResolvedSeed{NodeID: nodeID, Address: addr, Source: source, Validity: s.Validity}, nil
}

func checkEndpoint(nodeID, addr string) (string, string, error) {
	nodeID = normalizeNodeID(nodeID)
	addr = strings.TrimSpace(addr)
	if nodeID == "" {
		return "", "", errors.New("nodeId is required")
	}
	if addr == "" {
		return "", "", errors.New("address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", "", fmt.Errorf("address %q: %w", addr, err)
	}
	return nodeID, addr, nil
}

// buildSigningMessage is the byte string an authority signs:
// node id, address, notBefore, notAfter and lowercase domain, newline separated.
func buildSigningMessage(nodeID, addr string, notBefore, notAfter int64, domain string) []byte {
	return []byte(strings.Join([]string{
		nodeID,
		addr,
		strconv.FormatInt(notBefore, 10),
		strconv.FormatInt(notAfter, 10),
		strings.ToLower(strings.TrimSpace(domain)),
	}, "\n"))
}

func normalizeNodeID(value string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x")
}

func dedupeSeeds(in []ResolvedSeed) []ResolvedSeed {
	seen := make(map[string]struct{}, len(in))
	out := make([]ResolvedSeed, 0, len(in))
	for _, seed := range in {
		key := seed.NodeID + "@" + seed.Address
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, seed)
	}
	return out
}
