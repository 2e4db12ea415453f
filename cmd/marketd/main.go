// Command marketd runs one node of the decentralized computational
// marketplace core: the Subscription Store, Discovery gossip, Matcher,
// Negotiation Protocol, Provider Task Supervisor, Scan Engine, and the
// Allocation & Order Ledger, all wired atop a single gorm database and a
// websocket Bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	glebarezsqlite "github.com/glebarez/sqlite"

	"golemmarket/bus"
	"golemmarket/cmd/internal/passphrase"
	"golemmarket/config"
	"golemmarket/crypto"
	"golemmarket/market/discovery"
	"golemmarket/market/matcher"
	"golemmarket/market/negotiation"
	"golemmarket/market/payment"
	"golemmarket/market/scan"
	"golemmarket/market/store"
	"golemmarket/market/supervisor"
	"golemmarket/observability/logging"
	telemetry "golemmarket/observability/otel"
	"golemmarket/observability/ops"
)

func main() {
	configPath := flag.String("config", "./marketd.toml", "path to marketd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MARKETD_ENV"))
	logger := logging.Setup("marketd", env, "")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.Logging.File != "" {
		logger = logging.Setup("marketd", env, cfg.Logging.File)
	}

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if otlpEndpoint == "" {
		otlpEndpoint = cfg.Telemetry.Endpoint
	}
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := cfg.Telemetry.Insecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "marketd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		logger.Error("init telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("prepare data dir", slog.Any("error", err))
		os.Exit(1)
	}

	priv, self, err := loadOrCreateIdentity(cfg.Identity)
	if err != nil {
		logger.Error("load node identity", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("node identity loaded", slog.String("node_id", self.String()))

	logger.Info("effective configuration",
		slog.Duration("subscription_default_ttl", cfg.Subscription.DefaultTTL.Duration),
		slog.Duration("negotiation_approve_timeout", cfg.Negotiation.ApproveTimeout.Duration),
		slog.Duration("negotiation_wait_for_approval_timeout", cfg.Negotiation.WaitForApprovalTimeout.Duration),
		slog.Duration("scan_default_timeout", cfg.Scan.DefaultTimeout.Duration),
	)

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("open database", slog.Any("error", err))
		os.Exit(1)
	}

	st := store.New(db)
	if err := st.Migrate(context.Background()); err != nil {
		logger.Error("migrate store", slog.Any("error", err))
		os.Exit(1)
	}

	ledger := payment.New(db)
	if err := ledger.Migrate(context.Background()); err != nil {
		logger.Error("migrate payment ledger", slog.Any("error", err))
		os.Exit(1)
	}

	transport := bus.NewWebSocketBus(self, priv)
	if err := transport.Listen(cfg.Bus.ListenAddress); err != nil {
		logger.Error("listen on bus address", slog.Any("error", err))
		os.Exit(1)
	}
	defer transport.Close()

	disc, err := discovery.New(discovery.Config{
		MeanCyclicBcastInterval:        cfg.Discovery.MeanCyclicBcastInterval.Duration,
		MeanCyclicUnsubscribesInterval: cfg.Discovery.MeanCyclicUnsubscribesInterval.Duration,
		MaxBcastedOffers:                cfg.Discovery.MaxBcastedOffers,
		MaxBcastedUnsubscribes:          cfg.Discovery.MaxBcastedUnsubscribes,
	}, self, st, transport, logger)
	if err != nil {
		logger.Error("init discovery", slog.Any("error", err))
		os.Exit(1)
	}

	proposalQueue := matcher.NewProposalQueue()
	match := matcher.New(st, db, proposalQueue, logger)
	if err := match.Migrate(context.Background()); err != nil {
		logger.Error("migrate matcher", slog.Any("error", err))
		os.Exit(1)
	}

	timeline, err := negotiation.OpenTimeline(filepath.Join(cfg.DataDir, "timeline"))
	if err != nil {
		logger.Error("open negotiation timeline", slog.Any("error", err))
		os.Exit(1)
	}
	defer timeline.Close()

	gate := buildGate(cfg.Blacklist, logger)
	neg, err := negotiation.New(self, priv, db, transport, gate, timeline, logger)
	if err != nil {
		logger.Error("init negotiation", slog.Any("error", err))
		os.Exit(1)
	}
	if err := neg.Migrate(context.Background()); err != nil {
		logger.Error("migrate negotiation", slog.Any("error", err))
		os.Exit(1)
	}

	sup := supervisor.New()

	cursors, err := scan.OpenCursorStore(filepath.Join(cfg.DataDir, "scan_cursors.db"))
	if err != nil {
		logger.Error("open scan cursor store", slog.Any("error", err))
		os.Exit(1)
	}
	defer cursors.Close()
	scanEngine := scan.New(self, st, transport, cursors)

	exporter := payment.NewExporter(ledger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go disc.Run(ctx)
	defer disc.Stop()

	go neg.PumpInitialProposals(ctx, proposalQueue)
	go runSweepLoop(ctx, cfg.Scan.SweepInterval.Duration, func(now time.Time) {
		if dropped := scanEngine.Sweep(now); dropped > 0 {
			logger.Info("scan sweep dropped expired scans", slog.Int("count", dropped))
		}
		logger.Debug("provider task supervisor status", slog.Int("active_agreements", sup.ActiveCount()))
	})
	go runSweepLoop(ctx, cfg.Scan.SweepInterval.Duration, func(now time.Time) {
		if n, err := neg.ExpireAgreements(ctx, now); err != nil {
			logger.Error("expire agreements", slog.Any("error", err))
		} else if n > 0 {
			logger.Info("expired stale agreements", slog.Int("count", n))
		}
	})
	if cfg.Export.Enabled {
		go runExportLoop(ctx, cfg.Export.Interval.Duration, cfg.Export.Dir, exporter, logger)
	}

	if addr := strings.TrimSpace(cfg.Metrics.ListenAddress); addr != "" {
		opsServer := &http.Server{Addr: addr, Handler: ops.NewServer()}
		go func() {
			if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("ops server failed", slog.Any("error", err))
			}
		}()
		defer opsServer.Close()
	}

	for _, addr := range cfg.Bus.Bootstrap {
		if err := dialBootstrapPeer(ctx, transport, addr); err != nil {
			logger.Warn("bootstrap dial failed", slog.String("addr", addr), slog.Any("error", err))
		}
	}

	logger.Info("marketd running", slog.String("listen", cfg.Bus.ListenAddress))

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-stopCtx.Done()
	logger.Info("marketd shutting down")
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	default:
		path := cfg.Database.DSN
		if path == "" {
			path = filepath.Join(cfg.DataDir, "market.db")
		}
		return gorm.Open(glebarezsqlite.Open(path), &gorm.Config{})
	}
}

// loadOrCreateIdentity loads the node's encrypted keystore, generating and
// saving a fresh identity key on first run. The keystore passphrase is
// resolved once per process via cfg.PassphraseEnv, falling back to an
// interactive terminal prompt.
func loadOrCreateIdentity(cfg config.Identity) (*crypto.PrivateKey, crypto.NodeID, error) {
	src := passphrase.NewSource(cfg.PassphraseEnv)

	if _, err := os.Stat(cfg.KeystorePath); err == nil {
		phrase, err := src.Get()
		if err != nil {
			return nil, crypto.NodeID{}, fmt.Errorf("resolve keystore passphrase: %w", err)
		}
		priv, err := crypto.LoadFromKeystore(cfg.KeystorePath, phrase)
		if err != nil {
			return nil, crypto.NodeID{}, fmt.Errorf("decrypt identity keystore: %w", err)
		}
		return priv, priv.PubKey().NodeID(), nil
	}

	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, crypto.NodeID{}, fmt.Errorf("generate identity key: %w", err)
	}
	phrase, err := src.Get()
	if err != nil {
		return nil, crypto.NodeID{}, fmt.Errorf("resolve keystore passphrase: %w", err)
	}
	if err := crypto.SaveToKeystore(cfg.KeystorePath, priv, phrase); err != nil {
		return nil, crypto.NodeID{}, fmt.Errorf("persist identity keystore: %w", err)
	}
	return priv, priv.PubKey().NodeID(), nil
}

func buildGate(blacklist []string, logger *slog.Logger) negotiation.ProposalGate {
	if len(blacklist) == 0 {
		return negotiation.AllowAllGate{}
	}
	ids := make([]crypto.NodeID, 0, len(blacklist))
	for _, raw := range blacklist {
		id, err := crypto.ParseNodeID(strings.TrimSpace(raw))
		if err != nil {
			logger.Warn("ignoring malformed blacklist entry", slog.String("entry", raw), slog.Any("error", err))
			continue
		}
		ids = append(ids, id)
	}
	return negotiation.NewBlacklistGate(ids)
}

func runSweepLoop(ctx context.Context, interval time.Duration, sweep func(now time.Time)) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sweep(now.UTC())
		}
	}
}

func runExportLoop(ctx context.Context, interval time.Duration, dir string, exporter *payment.Exporter, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("prepare export dir", slog.Any("error", err))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	since := time.Now().UTC()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			path := filepath.Join(dir, fmt.Sprintf("settled-%s.parquet", now.UTC().Format("20060102T150405")))
			count, err := exporter.ExportSettled(ctx, path, since)
			if err != nil {
				logger.Error("export settled ledger rows", slog.Any("error", err))
				continue
			}
			logger.Info("exported settled ledger rows", slog.Int("count", count), slog.String("path", path))
			since = now.UTC()
		}
	}
}

func dialBootstrapPeer(ctx context.Context, transport *bus.WebSocketBus, entry string) error {
	nodePart, addrPart, found := strings.Cut(entry, "@")
	if !found {
		return fmt.Errorf("bootstrap entry %q missing '@' separator", entry)
	}
	peerID, err := crypto.ParseNodeID(strings.TrimSpace(nodePart))
	if err != nil {
		return fmt.Errorf("bootstrap entry %q: %w", entry, err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return transport.Connect(dialCtx, strings.TrimSpace(addrPart), peerID)
}
