package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"swarmnode/config"
	"swarmnode/observability/logging"
	telemetry "swarmnode/observability/otel"
	"swarmnode/p2p"
	"swarmnode/p2p/seeds"
	"swarmnode/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	dataDir := flag.String("data-dir", "", "Override DataDir from the configuration file")
	flag.Parse()

	if err := run(*configFile, *dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "p2pd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, dataDirOverride string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dataDirOverride != "" {
		cfg.DataDir = dataDirOverride
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, logCloser, err := logging.SetupWithOptions(logging.Options{
		Service:    "p2pd",
		Env:        cfg.Logging.Env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCloser.Close()

	identity, err := p2p.LoadOrCreateIdentity(cfg.IdentityPath())
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "p2pd",
		Environment: cfg.Logging.Env,
		NodeID:      identity.NodeID,
		Region:      cfg.P2P.Region,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.OTLPHeaders),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	db, err := storage.NewLevelDB(cfg.PeerDBPath())
	if err != nil {
		return fmt.Errorf("open peer database: %w", err)
	}
	defer db.Close()

	chain, err := openRelayChain(db)
	if err != nil {
		return fmt.Errorf("open chain index: %w", err)
	}

	nodeCfg, err := buildNodeConfig(ctx, cfg, identity, logger)
	if err != nil {
		return err
	}
	node, err := p2p.NewNode(nodeCfg, chain, db)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	if _, err := node.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(gctx) })

	if addr := strings.TrimSpace(cfg.Telemetry.MetricsListen); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           newRouter(node, chain, identity.NodeID, prometheus.DefaultGatherer),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", slog.String("address", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("p2pd running",
		slog.String("node_id", identity.NodeID),
		slog.String("node_tag", identity.NodeTag),
		slog.String("role", nodeCfg.Role.String()),
		slog.String("mode", nodeCfg.Discovery.String()))
	err = g.Wait()
	logger.Info("p2pd stopped")
	return err
}

// buildNodeConfig turns the validated file configuration into a NodeConfig,
// fetching bootstrap URL seeds and wiring the seed registry when configured.
func buildNodeConfig(ctx context.Context, cfg *config.Config, identity *p2p.Identity, logger *slog.Logger) (p2p.NodeConfig, error) {
	role, _ := p2p.ParseRole(cfg.P2P.Role)
	mode, _ := p2p.ParseDiscoveryMode(cfg.P2P.DiscoveryMode)
	seedList, err := cfg.SeedList()
	if err != nil {
		return p2p.NodeConfig{}, err
	}
	staticSeeds, _ := p2p.ParseSeedList(seedList)

	var resolver seeds.Resolver = seeds.DefaultResolver()
	if len(cfg.P2P.DNSServers) > 0 {
		resolver = seeds.NewDNSResolver(cfg.P2P.DNSServers, 0)
	}

	if url := strings.TrimSpace(cfg.P2P.BootstrapURL); url != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		fetched, err := seeds.FetchURL(fetchCtx, nil, url, resolver, time.Now())
		cancel()
		if err != nil {
			logger.Warn("bootstrap url fetch failed",
				logging.MaskField("bootstrap_url", url),
				slog.Any("error", err))
		}
		staticSeeds = append(staticSeeds, seeds.Endpoints(fetched)...)
	}

	var source p2p.SeedSourceFunc
	if path := strings.TrimSpace(cfg.P2P.SeedRegistryFile); path != "" {
		registry, err := seeds.LoadFile(path)
		if err != nil {
			return p2p.NodeConfig{}, fmt.Errorf("load seed registry: %w", err)
		}
		source = registry.Source(resolver, logger, nil)
	}

	return p2p.NodeConfig{
		Identity:             identity,
		ListenAddress:        cfg.P2P.ListenAddress,
		AdvertiseIP:          cfg.P2P.AdvertiseIP,
		HTTPPort:             cfg.P2P.HTTPPort,
		Region:               cfg.P2P.Region,
		Role:                 role,
		Discovery:            mode,
		Seeds:                staticSeeds,
		SeedSource:           source,
		BackoffBase:          cfg.P2P.BackoffBase.Duration,
		ProtectSeeds:         cfg.P2P.ProtectSeeds,
		MaxPeers:             cfg.P2P.MaxPeers,
		MinTargetPeers:       cfg.P2P.MinTargetPeers,
		MaxTargetPeers:       cfg.P2P.MaxTargetPeers,
		RecoveryInterval:     cfg.P2P.RecoveryInterval.Duration,
		RelayFanout:          cfg.P2P.RelayFanout,
		OrphanCapacity:       cfg.Sync.OrphanPoolSize,
		OrphanMaxAge:         cfg.Sync.OrphanMaxAge.Duration,
		SyncInitialWindow:    cfg.Sync.InitialWindow,
		SyncQueueCapacity:    cfg.Sync.QueueCapacity,
		ReachabilityEnabled:  cfg.Reachability.Enabled,
		ReachabilityInterval: cfg.Reachability.Interval.Duration,
		DialTimeout:          cfg.P2P.DialTimeout.Duration,
		ReadyPeers:           cfg.P2P.ReadyPeers,
		Logger:               logger,
	}, nil
}
