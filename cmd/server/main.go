// Package main is the entry point for the hireflow server.
// It wires all dependencies together and starts the HTTP server.
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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/pitabwire/hireflow/internal/config"
	"github.com/pitabwire/hireflow/internal/definition"
	"github.com/pitabwire/hireflow/internal/notify"
	"github.com/pitabwire/hireflow/internal/observability"
	"github.com/pitabwire/hireflow/internal/transport"
	"github.com/pitabwire/hireflow/internal/workflow"
	"github.com/pitabwire/hireflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "hireflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(reg)

	// Lifecycle graphs: built-ins overlaid with any files on disk.
	registry, err := loadLifecycles(cfg.Lifecycles, logger)
	if err != nil {
		metrics.RecordLifecycleReload("error", 0)
		logger.Error("lifecycle loading failed", zap.Error(err))
		return 1
	}
	metrics.RecordLifecycleReload("ok", len(registry.EntityTypes()))

	store, storeHealth, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer storeCloser()

	idemStore, idemHealth, idemCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	defer idemCloser()

	dispatcher, err := buildDispatcher(cfg.Notifications, logger)
	if err != nil {
		logger.Error("notification dispatcher initialization failed", zap.Error(err))
		return 1
	}
	queue := notify.NewQueue(dispatcher, cfg.Notifications.QueueSize, cfg.Notifications.Workers, logger, metrics.RecordNotification)

	engine := workflow.NewEngine(registry, store,
		workflow.WithDispatcher(queue),
		workflow.WithLogger(logger),
		workflow.WithRecorder(metrics),
	)

	signingKey := os.Getenv(cfg.Identity.SigningKeyEnv)
	auth, err := transport.NewAuthenticator(cfg.Identity, []byte(signingKey))
	if err != nil {
		logger.Error("authenticator initialization failed",
			zap.String("signing_key_env", cfg.Identity.SigningKeyEnv), zap.Error(err))
		return 1
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       engine,
		Authenticate: auth.Middleware,
		Idempotency:  idemStore,
		Metrics:      metrics,
		Gatherer:     reg,
		Readiness: observability.ReadinessChecks{
			LifecyclesLoaded: func() bool { return len(registry.EntityTypes()) > 0 },
			Store:            storeHealth,
			IdempotencyStore: idemHealth,
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go watchReload(bgCtx, cfg.Lifecycles, registry, metrics, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Strings("entity_types", registry.EntityTypes()),
		zap.String("lifecycles_checksum", registry.Checksum()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()

	// Deliver notifications already queued by drained requests.
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Warn("notification queue did not drain", zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// loadLifecycles builds the registry from the built-in graphs plus any
// definition files in cfg.Directories.
func loadLifecycles(cfg config.LifecyclesConfig, logger *zap.Logger) (*definition.Registry, error) {
	defs, err := readLifecycles(cfg, logger)
	if err != nil {
		return nil, err
	}
	return definition.NewRegistry(defs), nil
}

func readLifecycles(cfg config.LifecyclesConfig, logger *zap.Logger) ([]model.Lifecycle, error) {
	loaded, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, err
	}
	defs := definition.Merge(definition.DefaultLifecycles(), loaded)

	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("lifecycle validation error", zap.String("error", ve.Error()))
		}
		return nil, fmt.Errorf("%d lifecycle validation errors", len(verrs))
	}
	return defs, nil
}
