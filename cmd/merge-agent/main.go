package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/splitbrain/internal/capability"
	"github.com/devrev/pairdb/splitbrain/internal/config"
	"github.com/devrev/pairdb/splitbrain/internal/metrics"
	"github.com/devrev/pairdb/splitbrain/internal/model"
	"github.com/devrev/pairdb/splitbrain/internal/policy"
	"github.com/devrev/pairdb/splitbrain/internal/serialization"
	"github.com/devrev/pairdb/splitbrain/internal/server"
	"github.com/devrev/pairdb/splitbrain/internal/service"
	"github.com/devrev/pairdb/splitbrain/internal/storage/memstore"
	"github.com/devrev/pairdb/splitbrain/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// reportBackend is a report store the agent owns
type reportBackend interface {
	service.ReportStore
	server.Pinger
	io.Closer
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *dumpConfig {
		out, err := cfg.Dump()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to dump config: %v\n", err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting merge agent",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("cluster", cfg.Server.ClusterName),
		zap.Int("workers", cfg.Merge.Workers),
		zap.Int("structures", len(cfg.Structures)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(cfg.Server.NodeID, registry)

	reports, err := openReportStore(ctx, cfg.ReportStore)
	if err != nil {
		logger.Fatal("Failed to open report store", zap.Error(err))
	}
	defer reports.Close()

	leases, closeLeases, err := openLeaseManager(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create lease manager", zap.Error(err))
	}
	defer closeLeases()

	capabilities := capability.NewStaticRegistry().
		Register(capability.UserContext, capability.MapUser{"node_id": cfg.Server.NodeID})

	var signals <-chan service.MergeSignal
	if cfg.Gossip.Enabled {
		gossip, err := service.NewGossipService(&service.GossipConfig{
			Enabled:        cfg.Gossip.Enabled,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, cfg.Server.NodeID, cfg.Server.ClusterName, logger)
		if err != nil {
			logger.Fatal("Failed to create gossip service", zap.Error(err))
		}
		defer gossip.Shutdown()
		capabilities.Register(capability.ClusterContext, gossip)
		signals = gossip.Signals()
	} else {
		logger.Info("Gossip disabled, merges run only on demand")
		capabilities.Register(capability.ClusterContext, capability.StaticCluster{
			Node:    cfg.Server.NodeID,
			Cluster: cfg.Server.ClusterName,
		})
	}

	provider, err := policy.NewProvider[string, json.RawMessage](cfg.Merge.PolicyCacheSize, logger)
	if err != nil {
		logger.Fatal("Failed to create policy provider", zap.Error(err))
	}
	structures := service.NewStructureSet(service.StructureSetConfig[string, json.RawMessage]{
		Provider:  provider,
		PolicyFor: cfg.PolicyFor,
		Injector:  capability.NewInjector(capabilities, logger),
		Metrics:   m,
		Logger:    logger,
	})
	for _, sc := range cfg.Structures {
		st, err := newStructure(sc.Name, cfg.FormatFor(sc.Name), logger)
		if err != nil {
			logger.Fatal("Failed to create structure", zap.String("structure_id", sc.Name), zap.Error(err))
		}
		structures.Register(st)
		logger.Info("Registered structure",
			zap.String("structure_id", sc.Name),
			zap.String("policy", cfg.PolicyFor(sc.Name).Name),
			zap.String("format", string(st.Format())))
	}

	scheduler := service.NewScheduler(service.SchedulerConfig{
		Workers:   cfg.Merge.Workers,
		QueueSize: cfg.Merge.QueueSize,
		Leases:    leases,
		Metrics:   m,
		Logger:    logger,
	})

	recovery := service.NewRecoveryService(service.RecoveryConfig{
		Scheduler: scheduler,
		Source:    structures,
		Reports:   reports,
		Metrics:   m,
		Logger:    logger,
	})
	if signals != nil {
		recovery.Start(ctx, signals)
	}

	var admin *server.AdminServer
	if cfg.Admin.Enabled {
		admin = server.NewAdminServer(server.Config{
			Port:            cfg.Admin.Port,
			MergesPerMinute: 6,
		}, server.Deps{
			NodeID:   cfg.Server.NodeID,
			Reports:  reports,
			Trigger:  recovery,
			Stager: server.StagerFunc(func(name string, snapshot *model.ReplicaSnapshot) error {
				return service.StageSnapshot(structures, name, snapshot)
			}),
			Gatherer: registry,
			Stats:    scheduler.Stats,
			Ready:    reports,
		}, logger)

		go func() {
			if err := admin.Start(); err != nil {
				logger.Error("Admin server failed", zap.Error(err))
				cancel()
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Merge.StopTimeout)
	defer shutdownCancel()

	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Error("Admin server shutdown error", zap.Error(err))
		}
	}
	cancel()
	recovery.Stop()
	if err := scheduler.Stop(cfg.Merge.StopTimeout); err != nil {
		logger.Warn("Scheduler did not drain", zap.Error(err))
	}

	logger.Info("Merge agent stopped")
}

func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapConfig.Build()
}

func openReportStore(ctx context.Context, cfg config.ReportStoreConfig) (reportBackend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := store.ConnectPostgresReportStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return store.OpenSQLiteReportStore(cfg.Path)
	}
}

func openLeaseManager(cfg *config.Config, logger *zap.Logger) (service.LeaseManager, func(), error) {
	if cfg.Lease.Driver != config.DriverRedis {
		return service.NewLocalLeaseManager(), func() {}, nil
	}
	r := cfg.Lease.Redis
	m, err := store.ConnectRedisLeaseManager(r.Host, r.Port, r.Password, r.DB, cfg.Merge.LeaseTTL, logger)
	if err != nil {
		return nil, nil, err
	}
	return m, func() { _ = m.Close() }, nil
}

func newStructure(name string, format memstore.InMemoryFormat, logger *zap.Logger) (*memstore.Store[string, json.RawMessage], error) {
	return memstore.New[string, json.RawMessage](memstore.Config[json.RawMessage]{
		Name:   name,
		Format: format,
		Codec:  serialization.JSONCodec[json.RawMessage]{},
		Logger: logger.With(zap.String("structure_id", name)),
	})
}
