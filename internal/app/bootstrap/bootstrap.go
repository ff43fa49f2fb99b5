package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	eventrouter "waypoint/contexts/token-lifecycle/event-router"
	"waypoint/contexts/token-lifecycle/event-router/adapters/audit"
	"waypoint/contexts/token-lifecycle/event-router/adapters/httpclient"
	"waypoint/contexts/token-lifecycle/event-router/adapters/policy"
	postgresadapter "waypoint/contexts/token-lifecycle/event-router/adapters/postgres"
	"waypoint/contexts/token-lifecycle/event-router/adapters/prom"
	"waypoint/contexts/token-lifecycle/event-router/adapters/stub"
	"waypoint/contexts/token-lifecycle/event-router/application"
	workerapp "waypoint/contexts/token-lifecycle/event-router/application/workers"
	"waypoint/contexts/token-lifecycle/event-router/ports"
	"waypoint/internal/platform/config"
	"waypoint/internal/platform/db"
	"waypoint/internal/platform/httpserver"
	"waypoint/internal/platform/messaging"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

type APIApp struct {
	server       *httpserver.Server
	module       eventrouter.Module
	drainer      workerapp.DLQDrainer
	bus          *messaging.Bus
	pollInterval time.Duration
	postgres     *db.Postgres
	logger       *slog.Logger
}

type WorkerApp struct {
	postgres     *db.Postgres
	auditRelay   workerapp.AuditRelay
	bus          *messaging.Bus
	pollInterval time.Duration
	logger       *slog.Logger
}

func BuildAPI() (*APIApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "api")

	module, pg, bus, err := buildModule(cfg, logger)
	if err != nil {
		return nil, err
	}

	server := httpserver.New(module, logger, normalizeAddr(cfg.HTTPPort))
	return &APIApp{
		server: server,
		module: module,
		drainer: workerapp.DLQDrainer{
			Router:    module.Router,
			BatchSize: 50,
			Logger:    logger,
		},
		bus:          bus,
		pollInterval: cfg.DLQRetryInterval,
		postgres:     pg,
		logger:       logger,
	}, nil
}

func BuildWorker() (*WorkerApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "worker")
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("POSTGRES_DSN is required")
	}

	pg, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	bus, err := messaging.NewBus(cfg.KafkaBrokers, logger)
	if err != nil {
		return nil, err
	}

	repo := postgresadapter.NewRepository(pg.DB, logger)
	return &WorkerApp{
		postgres: pg,
		auditRelay: workerapp.AuditRelay{
			Outbox:    repo,
			Publisher: bus,
			Clock:     postgresadapter.SystemClock{},
			BatchSize: cfg.RelayBatchSize,
			Logger:    logger,
		},
		bus:          bus,
		pollInterval: cfg.RelayInterval,
		logger:       logger,
	}, nil
}

// buildModule assembles the router against either the durable store (DSN set)
// or the in-memory one, and real collaborators where their URLs are
// configured, stubs otherwise. The returned bus is non-nil only in memory
// mode, where audit records publish straight to it instead of the outbox.
func buildModule(cfg config.Config, logger *slog.Logger) (eventrouter.Module, *db.Postgres, *messaging.Bus, error) {
	var (
		pg    *db.Postgres
		store ports.TokenStore
		sink  ports.AuditSink
		clock ports.Clock
		idGen ports.IDGenerator
	)

	if strings.TrimSpace(cfg.PostgresDSN) != "" {
		connected, err := db.Connect(cfg.PostgresDSN)
		if err != nil {
			return eventrouter.Module{}, nil, nil, err
		}
		pg = connected
		repo := postgresadapter.NewRepository(pg.DB, logger)
		store = repo
		clock = postgresadapter.SystemClock{}
		idGen = postgresadapter.UUIDGenerator{}
		sink = audit.NewOutboxSink(repo, idGen)
	}

	var risk ports.RiskEvaluator = &stub.RiskStub{}
	if cfg.RiskEngineURL != "" {
		risk = httpclient.NewRiskClient(cfg.RiskEngineURL, cfg.CollaboratorTimeout)
	}
	var proof ports.ProofAttestor = &stub.ProofStub{}
	if cfg.ProofServiceURL != "" {
		proof = httpclient.NewProofClient(cfg.ProofServiceURL, cfg.CollaboratorTimeout)
	}
	var settlement ports.SettlementTrigger = &stub.SettlementStub{}
	if cfg.SettlementRailURL != "" {
		settlement = httpclient.NewSettlementClient(cfg.SettlementRailURL, cfg.CollaboratorTimeout)
	}

	if store == nil {
		// Memory mode has no relay worker, so audit records bypass the
		// outbox and publish directly to the in-process bus.
		bus, err := messaging.NewBus(cfg.KafkaBrokers, logger)
		if err != nil {
			return eventrouter.Module{}, nil, nil, err
		}
		module := eventrouter.NewInMemoryModule(logger)
		module.Router.Risk = risk
		module.Router.Proof = proof
		module.Router.Settlement = settlement
		module.Router.Governance = policy.NewGate(cfg.RiskScoreCeiling)
		module.Router.Audit = audit.NewBusSink(bus, module.Store)
		module.Router.Metrics = prom.NewMetrics(prometheus.DefaultRegisterer)
		module.Router.Dedup = application.NewDeduplicationWindow(cfg.DedupWindow, cfg.DedupCacheSize)
		module.Router.CollaboratorTimeout = cfg.CollaboratorTimeout
		module.Router.DrainOnStart = cfg.DrainDLQOnStart
		return module, nil, bus, nil
	}

	module := eventrouter.NewModule(eventrouter.Dependencies{
		Store:               store,
		Risk:                risk,
		Governance:          policy.NewGate(cfg.RiskScoreCeiling),
		Proof:               proof,
		Settlement:          settlement,
		Audit:               sink,
		Metrics:             prom.NewMetrics(prometheus.DefaultRegisterer),
		Clock:               clock,
		IDGenerator:         idGen,
		DLQMaxSize:          cfg.DLQMaxSize,
		DedupWindow:         cfg.DedupWindow,
		DedupMaxSize:        cfg.DedupCacheSize,
		CollaboratorTimeout: cfg.CollaboratorTimeout,
		DrainOnStart:        cfg.DrainDLQOnStart,
		Logger:              logger,
	})
	return module, pg, nil, nil
}

func (a *APIApp) Run(ctx context.Context) error {
	if err := a.module.Router.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("api app started",
		"event", "bootstrap_api_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
	)

	group, groupCtx := errgroup.WithContext(ctx)
	if a.bus != nil {
		if err := subscribeAuditTrail(groupCtx, a.bus, a.logger); err != nil {
			return err
		}
	}
	group.Go(a.server.Start)
	group.Go(func() error {
		ticker := time.NewTicker(a.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if err := a.drainer.RunOnce(groupCtx); err != nil {
					return err
				}
			}
		}
	})
	return group.Wait()
}

func (a *APIApp) Close() error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.module.Router.Stop(stopCtx)
	if a.postgres != nil {
		return a.postgres.Close()
	}
	return nil
}

func (w *WorkerApp) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	if err := subscribeAuditTrail(ctx, w.bus, w.logger); err != nil {
		return err
	}

	w.logger.Info("worker app started",
		"event", "bootstrap_worker_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"poll_interval", w.pollInterval.String(),
	)

	for {
		if err := w.auditRelay.RunOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *WorkerApp) Close() error {
	if w.postgres != nil {
		return w.postgres.Close()
	}
	return nil
}

// subscribeAuditTrail tails published decision records into the process log,
// the consumer-side counterpart of the outbox relay and the bus audit sink.
func subscribeAuditTrail(ctx context.Context, bus *messaging.Bus, logger *slog.Logger) error {
	return bus.Subscribe(ctx, audit.TopicDecisions, "audit-trail-log",
		func(_ context.Context, event ports.EventEnvelope) error {
			logger.Info("audit record published",
				"event", "audit_record_published",
				"module", "internal/app/bootstrap",
				"layer", "platform",
				"event_id", event.EventID,
				"partition_key", event.PartitionKey,
			)
			return nil
		})
}

func normalizeAddr(port string) string {
	value := strings.TrimSpace(port)
	if value == "" {
		return ":8080"
	}
	if strings.HasPrefix(value, ":") {
		return value
	}
	return ":" + value
}
