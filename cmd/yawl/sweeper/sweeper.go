// Package sweeper runs the engine's clock-driven duties in the
// background: SLA checks over started work items and eviction of retired
// cases once their grace window lapses.
package sweeper

import (
	"context"
	"time"

	"github.com/yawlengine/yawl/common/logger"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 10 * time.Second

// Engine is the slice of the registry the sweeper drives.
type Engine interface {
	SweepTimeouts(ctx context.Context, now time.Time)
	EvictRetired(now time.Time) int
}

// Sweeper ticks the engine's timeout and eviction checks.
type Sweeper struct {
	engine   Engine
	interval time.Duration
	logg     *logger.Logger
}

// New creates a sweeper over the given engine.
func New(engine Engine, interval time.Duration, logg *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{engine: engine, interval: interval, logg: logg}
}

// Start runs the sweep loop until the context ends. It always returns
// the context's error; callers treat a canceled context as a clean stop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logg.Info("sweeper starting", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info("sweeper shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	now := time.Now().UTC()
	s.engine.SweepTimeouts(ctx, now)
	if n := s.engine.EvictRetired(now); n > 0 {
		s.logg.Info("evicted retired cases", "count", n)
	}
}
