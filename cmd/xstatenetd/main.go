// Command xstatenetd wires an orchestrator, its transports, and the
// admin introspection surface into one running process: the demo host
// for the statechart interpreter and event-bus orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/xstatenet/core/pkg/admin"
	"github.com/xstatenet/core/pkg/audit"
	"github.com/xstatenet/core/pkg/config"
	"github.com/xstatenet/core/pkg/dlq"
	"github.com/xstatenet/core/pkg/logging"
	"github.com/xstatenet/core/pkg/orchestrator"
	"github.com/xstatenet/core/pkg/persistence"
	"github.com/xstatenet/core/pkg/tracing"
	natstransport "github.com/xstatenet/core/pkg/transport/nats"
	wstransport "github.com/xstatenet/core/pkg/transport/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	cfg := defaultDaemonConfig()
	if *configPath != "" {
		if err := config.Load(*configPath, &cfg); err != nil {
			logging.NewDefaultLogger().Errorf("xstatenetd: load config: %v", err)
			os.Exit(1)
		}
	}

	logger := logging.NewLogger(logging.Config{JSONOutput: cfg.Logging.JSON, Level: cfg.Logging.Level})

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(context.Background(), tracing.Config{ServiceName: cfg.Tracing.ServiceName, PrettyPrint: cfg.Tracing.PrettyPrint})
		if err != nil {
			logger.Errorf("xstatenetd: init tracing: %v", err)
			os.Exit(1)
		}
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	// xstatenetd itself registers no machines; embedding applications do,
	// using orch.Register plus their own persistence.Provider calls on
	// Start/Stop. Constructing the configured provider here only
	// validates the driver and DSN fail fast, before any machine tries
	// to use it.
	persistProvider, err := buildPersistence(cfg)
	if err != nil {
		logger.Errorf("xstatenetd: build persistence: %v", err)
		os.Exit(1)
	}
	if closer, ok := persistProvider.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	dlqQueue := dlq.New(cfg.Orchestrator.DLQCapacity)

	var auditLog *audit.Log
	if cfg.AuditLogDir != "" {
		store, err := newAppendLogStore(cfg.AuditLogDir)
		if err != nil {
			logger.Errorf("xstatenetd: open audit log: %v", err)
			os.Exit(1)
		}
		auditLog = audit.New(store)
	}

	registry := admin.NewRegistry()

	orch := orchestrator.New(orchestrator.Config{
		BusCount:               cfg.Orchestrator.BusCount,
		MailboxCapacity:        cfg.Orchestrator.MailboxCapacity,
		ShutdownGrace:          cfg.Orchestrator.ShutdownGrace,
		MaxEventlessMicrosteps: cfg.Orchestrator.MaxEventlessMicrosteps,
		EnableAdaptiveTimeout:  cfg.Orchestrator.EnableAdaptiveTimeout,
		DLQCapacity:            cfg.Orchestrator.DLQCapacity,
		RequireSignedGroups:    cfg.Orchestrator.RequireSignedGroups,
	},
		orchestrator.WithLogger(logger),
		orchestrator.WithAuditLog(auditLog),
		orchestrator.WithUnhandledErrorSink(func(machineID string, err error) {
			logger.Errorf("machine %s: unhandled error: %v", machineID, err)
		}),
	)

	if cfg.NATS.Enabled {
		natsAdapter, err := natstransport.New(natstransport.Config{URL: cfg.NATS.URL, Prefix: cfg.NATS.Prefix}, orch, logger)
		if err != nil {
			logger.Errorf("xstatenetd: connect nats transport: %v", err)
			os.Exit(1)
		}
		defer natsAdapter.Close()
		orch.AddRemoteDelivery(natsAdapter)
	}

	adminServer := admin.New(orch, registry, dlqQueue, logger)
	fasthttpServer := &fasthttp.Server{
		Handler:      adminServer.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("xstatenetd: admin API listening on %s", cfg.AdminAddr)
		if err := fasthttpServer.ListenAndServe(cfg.AdminAddr); err != nil {
			logger.Errorf("xstatenetd: admin server: %v", err)
		}
	}()

	wsBridge := wstransport.New(orch, logger)
	go func() {
		logger.Infof("xstatenetd: websocket bridge listening on %s", cfg.WSAddr)
		if err := http.ListenAndServe(cfg.WSAddr, wsBridge); err != nil {
			logger.Errorf("xstatenetd: websocket server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Infof("xstatenetd: shutting down")
	orch.Shutdown(cfg.Orchestrator.ShutdownGrace)
	if auditLog != nil {
		_ = auditLog.Close()
	}
}

func buildPersistence(cfg daemonConfig) (persistence.Provider, error) {
	switch cfg.Persistence.Driver {
	case "file":
		return persistence.NewFileProvider(cfg.Persistence.DSN), nil
	case "sqlite":
		return persistence.NewSQLiteProvider(cfg.Persistence.DSN)
	case "postgres-pgx":
		return persistence.NewPgxProvider(context.Background(), cfg.Persistence.DSN)
	case "postgres-libpq":
		return persistence.NewLibPQProvider(cfg.Persistence.DSN)
	case "", "memory":
		return persistence.NewMemoryProvider(), nil
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Persistence.Driver)
	}
}
