package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"copybot/internal/bus"
	"copybot/internal/domain"
)

const (
	PruneJobName         = "prune-expired-rules"
	defaultPruneSchedule = "0 * * * *"
)

// Pruner deletes expired rules.
type Pruner interface {
	PruneExpired(ctx context.Context, now time.Time) (int, error)
}

// RuleLister lists the effective rule set.
type RuleLister interface {
	All(ctx context.Context) ([]domain.Rule, error)
}

// RuleGauge tracks the number of configured rules.
type RuleGauge interface {
	SetRules(n int)
}

// PruneJob removes expired rules from the store and refreshes the rule gauge.
type PruneJob struct {
	Store        Pruner
	Rules        RuleLister    // optional
	Gauge        RuleGauge     // optional
	Events       *bus.EventBus // optional
	ScheduleExpr string        // empty = hourly
	Logger       *slog.Logger
	Now          func() time.Time // empty = time.Now
}

var _ Job = (*PruneJob)(nil)

func (j *PruneJob) Name() string { return PruneJobName }

func (j *PruneJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return defaultPruneSchedule
}

func (j *PruneJob) Run(ctx context.Context) error {
	now := time.Now()
	if j.Now != nil {
		now = j.Now()
	}

	pruned, err := j.Store.PruneExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("prune expired rules: %w", err)
	}
	if pruned > 0 {
		j.logger().Info("expired rules pruned", "count", pruned)
		if j.Events != nil {
			j.Events.Emit(bus.Event{
				Type:      bus.EventRulesPruned,
				Source:    "scheduler",
				Payload:   map[string]any{"count": pruned},
				Timestamp: now,
			})
		}
	}

	if j.Rules != nil && j.Gauge != nil {
		all, err := j.Rules.All(ctx)
		if err != nil {
			return fmt.Errorf("count rules: %w", err)
		}
		j.Gauge.SetRules(len(all))
	}
	return nil
}

func (j *PruneJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
