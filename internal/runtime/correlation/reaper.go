package correlation

import (
	"context"
	"time"

	"github.com/drblury/toolbridge/internal/runtime/logging"
)

// DefaultReaperInterval applies when NewReaper gets a non-positive interval.
const DefaultReaperInterval = 250 * time.Millisecond

// Reaper fails expired pending correlations on a fixed interval. The consumer
// loop calls Tick from its own goroutine; Run drives it standalone.
type Reaper struct {
	router   *Router
	interval time.Duration
	logger   logging.ServiceLogger
	now      func() time.Time
}

func NewReaper(router *Router, interval time.Duration, logger logging.ServiceLogger) *Reaper {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Reaper{router: router, interval: interval, logger: logger, now: router.now}
}

// Interval is the tick period.
func (r *Reaper) Interval() time.Duration { return r.interval }

// Tick checks deadlines against now.
func (r *Reaper) Tick(now time.Time) int {
	expired := r.router.CheckTimeouts(now)
	if expired > 0 {
		r.logger.Debug("reaper expired pending correlations", logging.LogFields{"expired": expired})
	}
	return expired
}

// Run ticks until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Tick(r.now())
		}
	}
}
