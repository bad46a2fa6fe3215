package esi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evetrade/ledger-engine/internal/metrics"
)

// governor holds the process-wide ESI cooldown. Every request attempt
// waits on it; error-limit headers and 420/429 responses arm it.
type governor struct {
	mu     sync.Mutex
	until  time.Time
	clock  Clock
	logger *slog.Logger
}

func newGovernor(clock Clock, logger *slog.Logger) *governor {
	return &governor{clock: clock, logger: logger}
}

// awaitClearance blocks until no cooldown is active or ctx is done.
// The deadline is re-read after every wake because another request may
// have extended it meanwhile.
func (g *governor) awaitClearance(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.until.IsZero() {
			g.mu.Unlock()
			return nil
		}
		now := g.clock.Now()
		if !now.Before(g.until) {
			g.until = time.Time{}
			g.mu.Unlock()
			return nil
		}
		delay := g.until.Sub(now)
		g.mu.Unlock()

		select {
		case <-g.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// arm sets the cooldown to now+max(seconds,1). An active cooldown that
// already ends later is kept.
func (g *governor) arm(seconds int, reason string) time.Time {
	if seconds < 1 {
		seconds = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	until := g.clock.Now().Add(time.Duration(seconds) * time.Second)
	if until.After(g.until) {
		g.until = until
	}
	metrics.ESIThrottleTotal.WithLabelValues(reason).Inc()
	g.logger.Warn("ESI throttle engaged", "reason", reason, "until", g.until.UTC().Format(time.RFC3339))
	return g.until
}

func (g *governor) pausedUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.until
}
