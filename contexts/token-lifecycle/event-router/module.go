package eventrouter

import (
	"log/slog"
	"time"

	"waypoint/contexts/token-lifecycle/event-router/adapters/audit"
	httpadapter "waypoint/contexts/token-lifecycle/event-router/adapters/http"
	"waypoint/contexts/token-lifecycle/event-router/adapters/memory"
	"waypoint/contexts/token-lifecycle/event-router/adapters/policy"
	"waypoint/contexts/token-lifecycle/event-router/adapters/stub"
	"waypoint/contexts/token-lifecycle/event-router/application"
	"waypoint/contexts/token-lifecycle/event-router/ports"
)

type Module struct {
	Handler httpadapter.Handler
	Router  *application.Router
	Store   *memory.Store

	// Populated by NewInMemoryModule so tests can script collaborators.
	RiskStub       *stub.RiskStub
	ProofStub      *stub.ProofStub
	SettlementStub *stub.SettlementStub
}

type Dependencies struct {
	Store               ports.TokenStore
	Risk                ports.RiskEvaluator
	Governance          ports.GovernanceGate
	Proof               ports.ProofAttestor
	Settlement          ports.SettlementTrigger
	Audit               ports.AuditSink
	Metrics             ports.MetricsSink
	Clock               ports.Clock
	IDGenerator         ports.IDGenerator
	DLQMaxSize          int
	DedupWindow         time.Duration
	DedupMaxSize        int
	CollaboratorTimeout time.Duration
	DrainOnStart        bool
	Logger              *slog.Logger
}

func NewModule(deps Dependencies) Module {
	router := &application.Router{
		Store:               deps.Store,
		Risk:                deps.Risk,
		Governance:          deps.Governance,
		Proof:               deps.Proof,
		Settlement:          deps.Settlement,
		Audit:               deps.Audit,
		Metrics:             deps.Metrics,
		DLQ:                 application.NewDeadLetterQueue(deps.DLQMaxSize, deps.Logger),
		Dedup:               application.NewDeduplicationWindow(deps.DedupWindow, deps.DedupMaxSize),
		Normalizer:          application.Normalizer{},
		Clock:               deps.Clock,
		IDGen:               deps.IDGenerator,
		Logger:              deps.Logger,
		CollaboratorTimeout: deps.CollaboratorTimeout,
		DrainOnStart:        deps.DrainOnStart,
	}
	return Module{
		Router: router,
		Handler: httpadapter.Handler{
			Router: router,
			Logger: deps.Logger,
		},
	}
}

// NewInMemoryModule wires the router against the in-memory store and scripted
// collaborators. Used by tests and local development.
func NewInMemoryModule(logger *slog.Logger) Module {
	store := memory.NewStore()
	risk := &stub.RiskStub{}
	proof := &stub.ProofStub{}
	settlement := &stub.SettlementStub{}

	module := NewModule(Dependencies{
		Store:       store,
		Risk:        risk,
		Governance:  policy.NewGate(0),
		Proof:       proof,
		Settlement:  settlement,
		Audit:       audit.NewOutboxSink(store, store),
		Clock:       store,
		IDGenerator: store,
		Logger:      logger,
	})
	module.Store = store
	module.RiskStub = risk
	module.ProofStub = proof
	module.SettlementStub = settlement
	return module
}
