package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/smsdispatch/internal/repository"
)

// Recovery republishes targets whose dispatch task was lost: attempts stuck
// in sending and delayed tasks that never fired.
type Recovery struct {
	Targets         repository.TargetRepositoryInterface
	Scheduler       DispatchScheduler
	StaleSendingAge time.Duration
	OverdueAge      time.Duration
	BatchSize       int
	Now             func() time.Time
	Log             zerolog.Logger
}

func (r *Recovery) Run(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now()
	}
	stale, overdue := r.StaleSendingAge, r.OverdueAge
	if stale <= 0 {
		stale = 5 * time.Minute
	}
	if overdue <= 0 {
		overdue = 10 * time.Minute
	}

	targets, err := r.Targets.ListStale(ctx, now.Add(-stale), now.Add(-overdue), r.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale targets: %w", err)
	}
	n := 0
	for _, t := range targets {
		if err := r.Scheduler.ScheduleDispatch(ctx, t.ID, now); err != nil {
			r.Log.Error().Err(err).Str("target_id", t.ID).Msg("failed to republish stale target")
			continue
		}
		n++
	}
	if n > 0 {
		r.Log.Warn().Int("republished", n).Msg("recovered stale targets")
	}
	return n, nil
}
