package esi

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGovernor_ArmNeverShortens(t *testing.T) {
	clock := NewFakeClock(time.Date(2025, 11, 17, 12, 0, 0, 0, time.UTC))
	g := newGovernor(clock, quietLogger())

	long := g.arm(60, "error-limit hit")
	short := g.arm(10, "rate limited")

	assert.Equal(t, long, short)
	assert.Equal(t, clock.Now().Add(60*time.Second), g.pausedUntil())
}

func TestGovernor_ArmClampsToOneSecond(t *testing.T) {
	clock := NewFakeClock(time.Date(2025, 11, 17, 12, 0, 0, 0, time.UTC))
	g := newGovernor(clock, quietLogger())

	until := g.arm(0, "error-limit low")
	assert.Equal(t, clock.Now().Add(time.Second), until)
}

func TestGovernor_AwaitWaitsOutCooldown(t *testing.T) {
	clock := NewFakeClock(time.Date(2025, 11, 17, 12, 0, 0, 0, time.UTC))
	g := newGovernor(clock, quietLogger())

	require.NoError(t, g.awaitClearance(context.Background()))
	assert.Empty(t, clock.Waits(), "no cooldown means no wait")

	g.arm(30, "error-limit low")
	require.NoError(t, g.awaitClearance(context.Background()))
	assert.Equal(t, []time.Duration{30 * time.Second}, clock.Waits())
	assert.True(t, g.pausedUntil().IsZero(), "cooldown should clear once elapsed")
}

func TestGovernor_AwaitHonoursContext(t *testing.T) {
	g := newGovernor(SystemClock(), quietLogger())
	g.arm(300, "rate limited")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := g.awaitClearance(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGovernor_ConcurrentArm(t *testing.T) {
	clock := NewFakeClock(time.Date(2025, 11, 17, 12, 0, 0, 0, time.UTC))
	g := newGovernor(clock, quietLogger())

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(secs int) {
			defer wg.Done()
			g.arm(secs, "rate limited")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, clock.Now().Add(50*time.Second), g.pausedUntil(), "the longest cooldown must win")
}
