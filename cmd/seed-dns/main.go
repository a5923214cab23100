// Command seed-dns serves signed seed TXT records for one authority domain.
// It is meant for test networks; production zones publish the same records
// through their regular DNS provider.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"swarmnode/config"
	"swarmnode/observability/logging"
	"swarmnode/p2p/seeds"
)

func main() {
	var (
		keyPath    = flag.String("key", "authority.key", "Path to the base64 ed25519 authority key")
		genKey     = flag.Bool("genkey", false, "Write a new authority key to -key and print its public key")
		domain     = flag.String("domain", "", "Authority domain (records are served at _swarmseed.<domain>)")
		seedsPath  = flag.String("seeds", "seeds.yaml", "YAML seeds file to publish")
		listenAddr = flag.String("listen", "127.0.0.1:8053", "Address to listen on (ip:port)")
		ttlSeconds = flag.Int("ttl", 60, "TXT record TTL in seconds")
	)
	flag.Parse()
	logger := logging.Setup("seed-dns", os.Getenv("SWARM_ENV"))

	if *genKey {
		pub, err := generateKey(*keyPath)
		if err != nil {
			logger.Error("generate authority key", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Println(pub)
		return
	}
	if err := run(logger, *keyPath, *domain, *seedsPath, *listenAddr, uint32(*ttlSeconds)); err != nil {
		logger.Error("seed-dns failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, keyPath, domain, seedsPath, listenAddr string, ttl uint32) error {
	if strings.TrimSpace(domain) == "" {
		return errors.New("-domain is required")
	}
	priv, err := loadKey(keyPath)
	if err != nil {
		return err
	}
	entries, err := config.LoadSeedsFile(seedsPath)
	if err != nil {
		return err
	}
	records, err := signEntries(priv, domain, entries)
	if err != nil {
		return err
	}
	zone := newZone(seeds.LookupName(domain), records, ttl)

	udp := &dns.Server{Addr: listenAddr, Net: "udp", Handler: zone}
	tcp := &dns.Server{Addr: listenAddr, Net: "tcp", Handler: zone}
	errs := make(chan error, 2)
	for _, srv := range []*dns.Server{udp, tcp} {
		go func(srv *dns.Server) { errs <- srv.ListenAndServe() }(srv)
	}
	logger.Info("seed dns serving",
		slog.String("lookup", seeds.LookupName(domain)),
		slog.Int("records", len(records)),
		slog.String("address", listenAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = udp.ShutdownContext(shutdownCtx)
	_ = tcp.ShutdownContext(shutdownCtx)
	logger.Info("seed dns shut down")
	return serveErr
}

func signEntries(priv ed25519.PrivateKey, domain string, entries []config.SeedEntry) ([]string, error) {
	records := make([]string, 0, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.NodeID) == "" {
			return nil, fmt.Errorf("seed %d: signed records need a nodeId", i+1)
		}
		txt, err := seeds.SignRecord(priv, domain, e.NodeID, e.Address, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("seed %d: %w", i+1, err)
		}
		records = append(records, txt)
	}
	return records, nil
}

func loadKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authority key: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode authority key: %w", err)
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	default:
		return nil, fmt.Errorf("authority key must be %d or %d bytes", ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

func generateKey(path string) (string, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}
