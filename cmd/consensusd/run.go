package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"consensus-core/internal/config"
	"consensus-core/internal/crypto"
	"consensus-core/internal/discovery"
	"consensus-core/internal/engine"
	"consensus-core/internal/logger"
	"consensus-core/internal/metrics"
	"consensus-core/internal/recorder"
	"consensus-core/internal/round"
	"consensus-core/internal/tui"
	"consensus-core/internal/validator"

	dbpkg "consensus-core/internal/db"
)

const (
	statusInterval  = time.Second
	shutdownTimeout = 5 * time.Second
	tuiCloseTimeout = 2 * time.Second
)

type runFlags struct {
	tui        bool
	stake      uint64
	storage    uint64
	commission float64
}

func runCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a consensus node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNode(cmd.Context(), f)
		},
	}
	cmd.Flags().BoolVar(&f.tui, "tui", false, "show the terminal dashboard")
	cmd.Flags().Uint64Var(&f.stake, "stake", 0, "own stake in micro-tokens (default MIN_STAKE)")
	cmd.Flags().Uint64Var(&f.storage, "storage", 0, "own storage in bytes (default MIN_STORAGE)")
	cmd.Flags().Float64Var(&f.commission, "commission", 5, "own commission in percent")
	return cmd
}

func runNode(parent context.Context, f runFlags) error {
	// Try to load .env from CWD if present; otherwise use environment as-is
	if _, statErr := os.Stat(".env"); statErr == nil {
		_ = godotenv.Load(".env")
	}
	cfg := config.Load()
	if f.commission < 0 || f.commission > 100 {
		return fmt.Errorf("commission must be between 0 and 100 percent, got %v", f.commission)
	}
	if f.stake == 0 {
		f.stake = cfg.Consensus.MinStake
	}
	if f.storage == 0 {
		f.storage = cfg.Consensus.MinStorage
	}

	// The dashboard owns the terminal, so logs go to a file
	var logWriter io.Writer = os.Stderr
	if f.tui {
		logFile, err := os.OpenFile("consensusd.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
		logWriter = logFile
		fmt.Fprintf(os.Stderr, "Logs written to consensusd.log\n")
	}
	log := logger.NewWithWriter(cfg.Debug, logWriter)
	log.Printf("config loaded: %s", cfg.DebugString())

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rec, err := openRecorder(cfg, log)
	if err != nil {
		return err
	}

	signer, err := crypto.LoadOrGenerateKey(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}
	log.Printf("node identity %s", signer.ID())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	cache := discovery.NewCache(cfg.ChainID, crypto.Ed25519Verifier{}, discovery.DefaultCacheSize, cfg.DiscoveryTTL, log.With("component", "discovery"))
	fetcher := discovery.NewFetcher(cfg.DiscoveryURL, cache, cfg.DiscoveryTTL/2, log.With("component", "discovery"))
	if err := announceSelf(cache, cfg.ChainID, signer, f); err != nil {
		return err
	}

	var (
		observers []round.Observer
		feed      *tui.Feed
	)
	if f.tui {
		feed = tui.NewFeed(cfg.ChainID)
		observers = append(observers, feed)
	}
	e, err := engine.New(engine.Options{
		ChainID:   cfg.ChainID,
		Consensus: cfg.Consensus,
		Rewards:   cfg.Rewards,
		Signer:    signer,
		Discovery: cache,
		Fetcher:   fetcher,
		Metrics:   m,
		Recorder:  rec,
		Observers: observers,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	if feed != nil {
		feed.SetRegistry(e.Validators())
	}

	if err := e.RegisterValidator(signer.ID(), f.stake, f.storage, signer.PubKey(), f.commission, true); err != nil {
		return fmt.Errorf("register self: %w", err)
	}
	if registered, updated, err := e.PopulateFromDiscovery(ctx); err != nil {
		log.Warnf("initial discovery: %v", err)
	} else {
		log.Printf("initial discovery registered %d, updated %d", registered, updated)
	}

	srv := serveHTTP(cfg.MetricsAddr, reg, cache, log)

	if err := e.StartConsensusCoordinator(ctx); err != nil {
		shutdownHTTP(srv, log)
		return err
	}

	tuiDone := make(chan struct{})
	statusDone := make(chan struct{})
	if feed != nil {
		go func() {
			defer close(tuiDone)
			if err := tui.Run(feed.Updates()); err != nil {
				log.Errorf("TUI error: %v", err)
			}
			// TUI exited, shut the node down
			cancel()
		}()
		go func() {
			defer close(statusDone)
			pushStatus(ctx, e, feed)
		}()
	} else {
		close(tuiDone)
		close(statusDone)
	}

	select {
	case <-ctx.Done():
	case <-e.Done():
	}
	log.Println("shutting down...")
	cancel()
	<-statusDone

	stopErr := e.Stop()
	if feed != nil {
		feed.Close()
		select {
		case <-tuiDone:
		case <-time.After(tuiCloseTimeout):
		}
	}
	shutdownHTTP(srv, log)

	// Ensure logs flushed in some environments
	_ = log.Sync()
	_ = os.Stderr.Sync()
	_ = os.Stdout.Sync()
	return stopErr
}

func openRecorder(cfg config.Config, log *logger.Logger) (*recorder.Recorder, error) {
	gormDB, err := dbpkg.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if gormDB == nil {
		log.Printf("DATABASE_URL not provided, persistence disabled")
		return nil, nil
	}
	log.Printf("DB connected")
	if err := dbpkg.AutoMigrate(gormDB); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Printf("Migrations applied")
	return recorder.New(dbpkg.NewStore(gormDB), recorder.DefaultQueueSize, log.With("component", "recorder")), nil
}

// announceSelf seeds the discovery cache with this node's own signed record
// so peers fetching from us learn about it.
func announceSelf(cache *discovery.Cache, chainID string, s *crypto.Ed25519Signer, f runFlags) error {
	a := discovery.Announcement{
		Stake:           f.stake,
		StorageProvided: f.storage,
		CommissionRate:  uint16(math.Round(f.commission * 100)),
		Status:          validator.StatusActive.String(),
		LastUpdated:     time.Now().Unix(),
	}
	if err := a.Sign(chainID, s); err != nil {
		return err
	}
	if err := cache.Add(a); err != nil {
		return fmt.Errorf("announce self: %w", err)
	}
	return nil
}

func serveHTTP(addr string, reg *prometheus.Registry, cache *discovery.Cache, log *logger.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/announcements", discovery.Handler(cache))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server: %v", err)
		}
	}()
	log.Printf("serving metrics and announcements on %s", addr)
	return srv
}

func shutdownHTTP(srv *http.Server, log *logger.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
}

func pushStatus(ctx context.Context, e *engine.Engine, feed *tui.Feed) {
	t := time.NewTicker(statusInterval)
	defer t.Stop()
	for {
		feed.Status(e.GetConsensusStatus(ctx))
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
