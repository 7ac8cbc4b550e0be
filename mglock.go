package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/mglock/admin"
	"github.com/maxpert/mglock/cfg"
	"github.com/maxpert/mglock/lock"
	"github.com/maxpert/mglock/lockctx"
	"github.com/maxpert/mglock/notify"
	"github.com/maxpert/mglock/telemetry"
	"github.com/maxpert/mglock/txn"
	"github.com/maxpert/mglock/workload"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("mglock - hierarchical lock manager")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	manager := lock.NewManager()
	hierarchy := lockctx.NewHierarchy(manager)
	hierarchy.Root(cfg.Config.Lock.RootName)

	hub := notify.NewHub()
	manager.SetObserver(hub)
	defer hub.Close()

	if cfg.Config.Prometheus.Enabled {
		interval := time.Duration(cfg.Config.Prometheus.CollectIntervalMS) * time.Millisecond
		collector := telemetry.NewMetricsCollector(manager, interval)
		collector.Start()
		defer collector.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if cfg.Config.Admin.Enabled {
		server, err = startAdminServer(hierarchy, hub)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
	}

	log.Info().
		Str("root", cfg.Config.Lock.RootName).
		Dur("wait_timeout", cfg.LockWaitTimeout()).
		Msg("Lock manager started")

	if cfg.Config.Workload.Enabled {
		runner := workload.NewRunner(
			hierarchy,
			txn.NewGenerator(cfg.Config.NodeID),
			cfg.Config.Workload,
			cfg.Config.Lock.RootName,
			cfg.LockWaitTimeout(),
		)
		if _, err := runner.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("Workload interrupted")
		}
	}

	// Keep running until signalled
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	// End event streams first so Shutdown is not held up by them.
	hub.Close()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
	}
}

func startAdminServer(hierarchy *lockctx.Hierarchy, hub *notify.Hub) (*http.Server, error) {
	handlers, err := admin.NewAdminHandlers(hierarchy, hub, cfg.Config.Admin.PatternSize)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, handlers)
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	server := &http.Server{
		Addr:              cfg.AdminAddress(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server stopped")
		}
	}()

	log.Info().Str("address", server.Addr).Msg("Admin server listening")
	return server, nil
}
