package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RunScheduled drives interval-scheduled flows until the context is done.
// Schedules are duration strings ("30s", "5m"); each tick rescans the flow
// table so newly scheduled flows are picked up without a restart. A failed
// start still advances the flow's clock so an unhealthy flow cannot hot-loop.
func (s *Scheduler) RunScheduled(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	lastRun := make(map[uuid.UUID]time.Time)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.runDue(ctx, now, lastRun)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context, now time.Time, lastRun map[uuid.UUID]time.Time) {
	flows, err := s.resolver.ScheduledFlows(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to list scheduled flows")
		return
	}

	for _, flow := range flows {
		interval, err := time.ParseDuration(flow.Schedule)
		if err != nil || interval <= 0 {
			s.logger.WithFields(logrus.Fields{
				"orchestrated_flow_id": flow.ID,
				"schedule":             flow.Schedule,
			}).Warn("skipping flow with unparseable schedule")
			continue
		}
		if last, ok := lastRun[flow.ID]; ok && now.Sub(last) < interval {
			continue
		}
		lastRun[flow.ID] = now
		if err := s.Start(ctx, flow.ID, uuid.New()); err != nil {
			s.logger.WithError(err).WithField("orchestrated_flow_id", flow.ID).
				Error("scheduled flow start failed")
		}
	}
}
