package scheduler

import (
	"context"

	"civicwater/internal/engine"
)

const RTSSweepJob = "rts-sweep"

// DefaultRTSSweep is used when scheduler.rts_sweep is unset.
const DefaultRTSSweep = "@every 1h"

// RegisterRTSSweep schedules the overdue sweep for e.
func RegisterRTSSweep(s *Scheduler, e engine.Engine, schedule string) error {
	if schedule == "" {
		schedule = DefaultRTSSweep
	}
	return s.Add(RTSSweepJob, schedule, func(ctx context.Context) error {
		n, err := e.SweepOverdue(ctx, "scheduler")
		if err != nil {
			return err
		}
		if n > 0 {
			s.log.Info().Int("flagged", n).Msg("rts sweep flagged overdue records")
		}
		return nil
	})
}
