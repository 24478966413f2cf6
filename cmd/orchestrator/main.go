package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/statefabric/actormigrate/internal/config"
	"github.com/statefabric/actormigrate/internal/destination"
	"github.com/statefabric/actormigrate/internal/health"
	"github.com/statefabric/actormigrate/internal/httpapi"
	"github.com/statefabric/actormigrate/internal/leadership"
	"github.com/statefabric/actormigrate/internal/metadatastore"
	"github.com/statefabric/actormigrate/internal/metrics"
	"github.com/statefabric/actormigrate/internal/orchestrator"
	"github.com/statefabric/actormigrate/internal/sourceclient"
	"github.com/statefabric/actormigrate/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting actor migration core")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("partition_id", cfg.Server.PartitionID),
		zap.String("database_host", cfg.Database.Host),
		zap.String("source_service_uri", cfg.Source.ServiceURI),
		zap.String("destination_service_uri", cfg.Destination.ServiceURI))

	m := metrics.New()
	logger.Info("metrics initialized")

	ctx := context.Background()

	metadataStore, err := metadatastore.NewPostgresStore(
		ctx,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.User,
		cfg.Database.Password,
		int32(cfg.Database.MaxConnections),
		int32(cfg.Database.MinConnections),
		cfg.Database.LeaseTimeout,
		logger,
	)
	if err != nil {
		logger.Fatal("failed to initialize metadata store", zap.Error(err))
	}
	logger.Info("metadata store initialized")

	settings := cfg.ToSettings()

	sourceClient := sourceclient.New(cfg.Source.ServiceURI, settings, 50, m, logger)
	logger.Info("source client initialized")

	dest := destination.New(cfg.Destination.ServiceURI, settings.RetryPolicy, cfg.Destination.Timeout, logger)
	logger.Info("destination client initialized")

	telemetrySink := telemetry.FuncSink(func(_ context.Context, event telemetry.Event) {
		logger.Info("migration event",
			zap.String("kind", string(event.Kind)),
			zap.String("phase", event.Phase.String()),
			zap.Int("iteration", event.Iteration),
			zap.Int("worker_id", event.WorkerID),
			zap.Any("fields", event.Fields))
	})

	orch := orchestrator.New(metadataStore, sourceClient, dest, settings, telemetrySink, m, logger)
	logger.Info("orchestrator initialized")

	leaderCfg := leadership.Config{
		Enabled:        cfg.Server.GossipBindPort != 0,
		NodeID:         cfg.Server.PartitionID,
		PartitionID:    cfg.Server.PartitionID,
		BindPort:       cfg.Server.GossipBindPort,
		SeedNodes:      cfg.Server.GossipSeeds,
		GossipInterval: 200 * time.Millisecond,
		ProbeTimeout:   500 * time.Millisecond,
		ProbeInterval:  1 * time.Second,
		LeaseTimeout:   cfg.Database.LeaseTimeout,
	}
	watcher, err := leadership.New(leaderCfg, metadataStore, logger)
	if err != nil {
		logger.Fatal("failed to initialize leadership watcher", zap.Error(err))
	}
	logger.Info("leadership watcher initialized", zap.Bool("gossip_enabled", leaderCfg.Enabled))

	// internal/forwarding's Dispatcher needs a local Handler (the
	// destination's own actor-call handler) and a ForwardFunc (the RPC
	// transport to the source's partition primary), both supplied by
	// the communication listener process that embeds this core. Neither
	// is wired here; this process only drives the migration and answers
	// the forwarding predicate such a dispatcher would query via
	// orch.IsActorCallToBeForwarded.

	healthChecker := health.New(metadataStore, orch, logger)
	healthSrv := health.StartHealthServer(fmt.Sprintf(":%d", cfg.Metrics.Port+1), healthChecker, logger)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			logger.Info("starting metrics server", zap.String("address", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	apiSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.HTTPHost, cfg.Server.HTTPPort),
		Handler: httpapi.New(orch, logger).Mux(),
	}
	go func() {
		logger.Info("starting operator API server", zap.String("address", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("operator API server failed", zap.Error(err))
		}
	}()

	runCtx, cancelRun := context.WithCancel(context.Background())
	go watcher.Watch(runCtx, cancelRun)
	go reportMetrics(runCtx, orch, m, logger)

	runErrors := make(chan error, 1)
	go func() {
		if !watcher.IsPrimary() {
			logger.Info("not the partition primary at startup; the run is cancelled at the leadership watcher's next tick unless primary status is gained by then")
		}
		runErrors <- orch.Run(runCtx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-runErrors:
		if err != nil {
			logger.Error("orchestrator run exited with error", zap.Error(err))
		} else {
			logger.Info("orchestrator run completed")
		}
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancelRun()
		<-runErrors
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = watcher.Shutdown()
	metadataStore.Close()

	logger.Info("shutdown complete")
}

var allPhases = []string{"Copy", "Catchup", "Downtime"}
var allStatuses = []string{"None", "InProgress", "Completed", "Aborted"}

// reportMetrics polls the orchestrator's durable state on a fixed
// interval and mirrors it into the one-hot phase/status gauges, since
// those two fields change only when a phase transition is recorded,
// not on every tick.
func reportMetrics(ctx context.Context, orch *orchestrator.Orchestrator, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := orch.GetResult(ctx)
			if err != nil {
				logger.Warn("reportMetrics: GetResult failed", zap.Error(err))
				continue
			}
			m.SetMigrationStatus(allStatuses, string(result.Status))
			m.SetCurrentPhase(allPhases, result.CurrentPhase.String())
			m.CatchupDelta.Set(float64(result.EndSN - result.StartSN))
		}
	}
}
