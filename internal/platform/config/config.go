package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"event-router"`
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`

	// PostgresDSN empty selects the in-memory token store.
	PostgresDSN  string   `env:"POSTGRES_DSN"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`

	// Collaborator endpoints. Empty URLs select the scripted stubs.
	RiskEngineURL       string        `env:"RISK_ENGINE_URL"`
	ProofServiceURL     string        `env:"PROOF_SERVICE_URL"`
	SettlementRailURL   string        `env:"SETTLEMENT_RAIL_URL"`
	CollaboratorTimeout time.Duration `env:"COLLABORATOR_TIMEOUT" envDefault:"5s"`

	DLQMaxSize       int           `env:"DLQ_MAX_SIZE" envDefault:"1000"`
	DrainDLQOnStart  bool          `env:"DRAIN_DLQ_ON_START" envDefault:"false"`
	RiskScoreCeiling int           `env:"RISK_SCORE_CEILING" envDefault:"70"`
	DedupWindow      time.Duration `env:"DEDUP_WINDOW" envDefault:"5m"`
	DedupCacheSize   int           `env:"DEDUP_CACHE_SIZE" envDefault:"50000"`

	RelayBatchSize   int           `env:"RELAY_BATCH_SIZE" envDefault:"100"`
	RelayInterval    time.Duration `env:"RELAY_INTERVAL" envDefault:"2s"`
	DLQRetryInterval time.Duration `env:"DLQ_RETRY_INTERVAL" envDefault:"30s"`
}

func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
