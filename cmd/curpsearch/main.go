// Package main wires together the CURP search service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/curp-search-engine/internal/api"
	"github.com/JakeFAU/curp-search-engine/internal/checkpoint"
	"github.com/JakeFAU/curp-search-engine/internal/clock/system"
	"github.com/JakeFAU/curp-search-engine/internal/config"
	"github.com/JakeFAU/curp-search-engine/internal/id/uuid"
	"github.com/JakeFAU/curp-search-engine/internal/jobstore"
	"github.com/JakeFAU/curp-search-engine/internal/logging"
	"github.com/JakeFAU/curp-search-engine/internal/metrics"
	"github.com/JakeFAU/curp-search-engine/internal/node"
	"github.com/JakeFAU/curp-search-engine/internal/orchestrator"
	"github.com/JakeFAU/curp-search-engine/internal/progress"
	"github.com/JakeFAU/curp-search-engine/internal/progress/sinks"
	"github.com/JakeFAU/curp-search-engine/internal/search"
	"github.com/JakeFAU/curp-search-engine/internal/session"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	clock := system.New()
	idGen := uuid.New()
	jobs := jobstore.New(clock)

	checkpoints, err := checkpoint.Open(cfg.Checkpoint.Path, logger.Named("checkpoint"))
	if err != nil {
		logger.Fatal("open checkpoint store failed", zap.Error(err))
	}
	defer func() {
		if closeErr := checkpoints.Close(); closeErr != nil {
			logger.Warn("close checkpoint store failed", zap.Error(closeErr))
		}
	}()

	sessionCfg := session.Config{
		UserAgent:         cfg.Browser.UserAgent,
		Headless:          cfg.Browser.Headless,
		NavigationTimeout: cfg.NavTimeout(),
	}
	sessionFactory := func(context.Context) (search.Session, error) {
		return session.New(sessionCfg, logger.Named("session"))
	}

	wsHub := api.NewWSHub(logger)
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("register progress metrics failed", zap.Error(err))
	}
	hub := progress.NewHub(
		progress.HubConfig{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger),
		promSink,
		wsHub,
	)

	orch, err := orchestrator.New(
		orchestrator.Config{
			Workers:           cfg.Search.Workers,
			DelayMin:          cfg.DelayMin(),
			DelayMax:          cfg.DelayMax(),
			PauseEveryN:       cfg.Search.PauseEveryN,
			PauseDuration:     cfg.PauseDuration(),
			CheckpointEveryN:  cfg.Checkpoint.EveryN,
			MaxRetries:        cfg.Search.MaxRetries,
			RequestsPerSecond: cfg.Search.RequestsPerSec,
			NodeID:            cfg.Nodes.Index,
		},
		orchestrator.Deps{
			Sessions:    sessionFactory,
			Checkpoints: checkpoints,
			Jobs:        jobs,
			Emitter:     hub,
			Clock:       clock,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("orchestrator init failed", zap.Error(err))
	}

	// Only the first node fans operator requests out to the cluster; the
	// rest serve node-level requests exclusively.
	var distributor api.Distributor
	var coordinator *node.Coordinator
	if cfg.NodeCount() > 1 && cfg.Nodes.Index == 0 {
		coordinator, err = node.NewCoordinator(node.Config{
			Addresses: cfg.Nodes.Addresses,
			APIKey:    cfg.Auth.APIKey,
		}, logger)
		if err != nil {
			logger.Fatal("coordinator init failed", zap.Error(err))
		}
		distributor = coordinator
	}

	apiServer := api.NewServer(jobs, orch, checkpoints, distributor, wsHub, idGen, clock, cfg, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started",
			zap.Int("port", cfg.Server.Port),
			zap.Int("node_index", cfg.Nodes.Index),
			zap.Int("node_count", cfg.NodeCount()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}
	if coordinator != nil {
		coordinator.Close()
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
