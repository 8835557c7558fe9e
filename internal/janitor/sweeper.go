package janitor

import (
	"context"
	"time"

	"reportsync/internal/power"
)

type Schedule struct {
	InitialDelay time.Duration
	Interval     time.Duration
	MaxAge       time.Duration
	// RecheckDelay is how long a run waits when power is low.
	RecheckDelay time.Duration
}

func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 15 * time.Minute,
		Interval:     24 * time.Hour,
		MaxAge:       7 * 24 * time.Hour,
		RecheckDelay: 15 * time.Minute,
	}
}

// RunSweeper sweeps the cache after InitialDelay and then every Interval
// until ctx is done. A run due while mon reports low power is put off by
// RecheckDelay.
func (j *Janitor) RunSweeper(ctx context.Context, s Schedule, mon power.Monitor) {
	if mon == nil {
		mon = power.Fixed(false)
	}
	if s.RecheckDelay <= 0 {
		s.RecheckDelay = s.Interval
	}

	timer := time.NewTimer(s.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if mon.Low() {
			j.logger.Info(ctx, "battery low, deferring cache sweep", "recheck", s.RecheckDelay)
			timer.Reset(s.RecheckDelay)
			continue
		}

		n, err := j.SweepStaleCache(ctx, s.MaxAge)
		if err != nil && ctx.Err() == nil {
			j.logger.Error(ctx, "cache sweep failed", "deleted", n, "err", err)
		} else if err == nil {
			j.logger.Info(ctx, "cache swept", "deleted", n)
		}
		timer.Reset(s.Interval)
	}
}
