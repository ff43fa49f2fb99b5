package workers

import (
	"context"
	"log/slog"

	"waypoint/contexts/token-lifecycle/event-router/application"
	"waypoint/contexts/token-lifecycle/event-router/ports"
)

// DLQDrainer replays dead-lettered events through the router. Each cycle
// retries at most BatchSize entries; an entry that fails again re-enters the
// queue through the router's own deferral path, so the drainer never loops on
// a poisoned entry within one cycle.
type DLQDrainer struct {
	Router    *application.Router
	BatchSize int
	Logger    *slog.Logger
}

func (d DLQDrainer) RunOnce(ctx context.Context) error {
	logger := application.ResolveLogger(d.Logger)
	limit := d.BatchSize
	if limit <= 0 {
		limit = 50
	}
	backlog := d.Router.QueueMetrics().DLQCount
	if backlog < limit {
		limit = backlog
	}

	retried := 0
	recovered := 0
	for i := 0; i < limit; i++ {
		result, ok := d.Router.RetryDLQEntry(ctx)
		if !ok {
			break
		}
		retried++
		if result.Decision != ports.DecisionDeferred {
			recovered++
		}
	}

	if retried > 0 {
		logger.Info("dead letter retry cycle completed",
			"event", "dlq_retry_cycle_completed",
			"module", "token-lifecycle/event-router",
			"layer", "worker",
			"retried", retried,
			"recovered", recovered,
		)
	}
	return nil
}
