package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yanver/vistore/internal/api"
	"github.com/yanver/vistore/internal/cache"
	"github.com/yanver/vistore/internal/compress"
	"github.com/yanver/vistore/internal/config"
	"github.com/yanver/vistore/internal/consistency"
	"github.com/yanver/vistore/internal/ingest"
	"github.com/yanver/vistore/internal/lineage"
	"github.com/yanver/vistore/internal/prefetch"
	"github.com/yanver/vistore/internal/query"
	"github.com/yanver/vistore/internal/storage"
	"github.com/yanver/vistore/internal/validate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vistore server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "vistore version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir, cfg.Storage.PoolSize)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// The shared cache tier is optional: without an address, or when
	// unreachable, the facade degrades to L1-only.
	var l2 *cache.Redis
	if cfg.Cache.RedisAddr != "" {
		l2, err = cache.OpenRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			slog.Warn("shared cache unreachable, running L1-only", "addr", cfg.Cache.RedisAddr, "error", err)
			l2 = nil
		} else {
			defer l2.Close()
		}
	}
	tiers := cache.NewTiered(cache.NewLRU(cfg.Cache.L1Capacity), l2, cache.Options{
		DerivedTTL:   cfg.Cache.DerivedTTL,
		ImmutableTTL: cfg.Cache.ImmutableTTL,
	})

	// Build the engine: one instance of everything, wired at startup.
	retry := storage.RetryPolicy{
		InitialInterval: cfg.Tx.BackoffBase,
		MaxAttempts:     cfg.Tx.MaxAttempts,
	}
	validator := validate.New()
	tracker := lineage.NewTracker(store)
	ingestSvc := ingest.NewService(store, validator, tracker, tiers, retry, "ingest-api")
	optimizer := query.New(store, tiers, query.Config{
		AcquireTimeout: cfg.Query.AcquireTimeout,
		BatchSize:      cfg.Query.BatchSize,
		Retry:          retry,
	})
	reader := query.NewReader(store, optimizer)
	prefetcher := prefetch.NewTracker(reader, prefetch.Config{
		WindowSize:     cfg.Prefetch.WindowSize,
		LaneWidth:      cfg.Prefetch.LaneWidth,
		AcquireTimeout: cfg.Prefetch.AcquireTimeout,
		PageSize:       cfg.Prefetch.PageSize,
		WarmTimeout:    cfg.Prefetch.WarmTimeout,
	})
	compressor, err := compress.NewManager(compress.Config{
		MinSize:      cfg.Compress.MinSize,
		ImageQuality: cfg.Compress.ImageQuality,
	})
	if err != nil {
		return fmt.Errorf("initializing compression: %w", err)
	}
	defer compressor.Close()
	checker := consistency.NewChecker(store, consistency.Config{
		SamplingIntervalSec: cfg.Consistency.SamplingIntervalSec,
		FrameCountTolerance: cfg.Consistency.FrameCountTolerance,
		CaptionTolerance:    cfg.Consistency.CaptionTolerance,
		GapThresholdSec:     cfg.Consistency.GapThresholdSec,
	})

	handler := api.NewHandler(api.Deps{
		Ingest:    ingestSvc,
		Reader:    reader,
		Optimizer: optimizer,
		Checker:   checker,
		Lineage:   tracker,
		Cache:     tiers,
		Prefetch:  prefetcher,
		Compress:  compressor,
		Token:     cfg.Server.APIToken,
	})

	topRouter := chi.NewRouter()
	topRouter.Mount("/", handler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "vistore listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.Consistency.SweepInterval > 0 {
		g.Go(func() error {
			checker.RunPeriodic(gctx, cfg.Consistency.SweepInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
