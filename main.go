package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"callrelay/broker/internal/ai"
	"callrelay/broker/internal/audit"
	configpkg "callrelay/broker/internal/config"
	"callrelay/broker/internal/engine"
	"callrelay/broker/internal/eventbus"
	"callrelay/broker/internal/httpapi"
	"callrelay/broker/internal/logging"
	"callrelay/broker/internal/store"
	"callrelay/broker/internal/store/postgres"
)

const snapshotSubdir = "snapshots"

// service tracks the runtime pieces main wires together, plus the startup
// status the readiness endpoint reports.
type service struct {
	mu         sync.RWMutex
	startedAt  time.Time
	startupErr error
}

func (s *service) markStarted(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = time.Now()
	s.startupErr = err
}

// StartupError implements httpapi.ReadinessProvider.
func (s *service) StartupError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startupErr
}

// Uptime implements httpapi.ReadinessProvider.
func (s *service) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// engineAdapter bridges the engine's concrete types to the handler set's
// narrow interface.
type engineAdapter struct {
	engine *engine.Engine
}

func (a engineAdapter) Ingest(ctx context.Context, callID string, sequence int64, data string, timestamp float64) (httpapi.IngestAck, error) {
	ack, err := a.engine.Ingest(ctx, callID, sequence, data, timestamp)
	return httpapi.IngestAck{CallID: ack.CallID, Sequence: ack.Sequence}, err
}

func (a engineAdapter) Complete(ctx context.Context, callID string, expectedTotal int) (httpapi.CompleteResult, error) {
	result, err := a.engine.Complete(ctx, callID, expectedTotal)
	return httpapi.CompleteResult{Status: string(result.Status), ExpectedTotal: result.ExpectedTotal}, err
}

func buildStore(ctx context.Context, cfg *configpkg.Config, logger *logging.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(cfg.StoreConnection), logger)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(pool), func() { postgres.ClosePool(pool) }, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}

func runSnapshotLoop(ctx context.Context, provider audit.SnapshotProvider, writer *audit.SnapshotWriter, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			calls, err := provider.Snapshot()
			if err != nil {
				logger.Error("store snapshot failed", logging.Error(err))
				continue
			}
			if _, err := writer.WriteSnapshot(calls); err != nil {
				logger.Error("snapshot write failed", logging.Error(err))
			}
		}
	}
}

func main() {
	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logging: %v\n", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := &service{}

	st, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store initialisation failed", logging.Error(err))
		svc.markStarted(err)
		os.Exit(1)
	}
	defer closeStore()

	bus := eventbus.New(logger)

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "call-engine"
	}
	auditWriter, _, err := audit.NewWriter(cfg.AuditDir, hostname, time.Now)
	if err != nil {
		logger.Error("audit writer initialisation failed", logging.Error(err))
		svc.markStarted(err)
		os.Exit(1)
	}
	defer func() { _ = auditWriter.Close() }()

	cleaner := audit.NewCleaner(cfg.AuditDir, audit.RetentionPolicy{
		MaxAge:     cfg.AuditMaxAge,
		MaxBundles: cfg.AuditMaxBundles,
	}, logger)
	go cleaner.Run(ctx, cfg.AuditSweepInterval)

	snapshotWriter, err := audit.NewSnapshotWriter(filepath.Join(cfg.AuditDir, snapshotSubdir), time.Now)
	if err != nil {
		logger.Error("snapshot writer initialisation failed", logging.Error(err))
		svc.markStarted(err)
		os.Exit(1)
	}

	eng := engine.New(ctx, st, bus, ai.NewSimulatedClient(), logger,
		engine.WithAuditRecorder(auditWriter),
		engine.WithPoolSizing(cfg.WorkerPoolSize, cfg.WorkerPoolTaskBuffer),
	)

	var snapshotTrigger httpapi.SnapshotTrigger
	if provider, ok := st.(audit.SnapshotProvider); ok {
		go runSnapshotLoop(ctx, provider, snapshotWriter, cfg.SnapshotInterval, logger)
		snapshotTrigger = httpapi.SnapshotTriggerFunc(func() (string, error) {
			calls, err := provider.Snapshot()
			if err != nil {
				return "", err
			}
			return snapshotWriter.WriteSnapshot(calls)
		})
	} else {
		logger.Info("store driver does not support snapshots; snapshot loop disabled",
			logging.String("store_driver", cfg.StoreDriver))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := httpapi.NewMetrics(registry)

	ops := httpapi.NewOpsHandlers(httpapi.OpsOptions{
		Logger:      logger,
		Readiness:   svc,
		Subscribers: bus,
		Snapshot:    snapshotTrigger,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(time.Minute, 6, nil),
		Gatherer:    registry,
	})

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Engine:  engineAdapter{engine: eng},
		Bus:     bus,
		Logger:  logger,
		Ops:     ops,
		Metrics: metrics,
	})

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           logging.HTTPTraceMiddleware(logger)(handlers.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	svc.markStarted(nil)
	logger.Info("call engine listening",
		logging.String("address", cfg.Address),
		logging.String("store_driver", cfg.StoreDriver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("http server failed", logging.Error(err))
		svc.markStarted(err)
	case sig := <-sigCh:
		logger.Info("shutdown signal received", logging.String("signal", sig.String()))
	}

	//1.- Stop accepting connections, then give in-flight work the drain window.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", logging.Error(err))
	}
	cancel()
	logger.Info("call engine stopped")
}
