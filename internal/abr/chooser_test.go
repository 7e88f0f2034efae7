package abr

import (
	"context"
	"testing"
	"time"

	"bufferengine/internal/clock"
	"bufferengine/internal/logger"
	"bufferengine/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReps() []*models.Representation {
	return []*models.Representation{
		{ID: "low", Bitrate: 500_000, Width: 640},
		{ID: "mid", Bitrate: 1_500_000, Width: 1280},
		{ID: "high", Bitrate: 4_000_000, Width: 1920},
	}
}

func TestChooser_NoSamplesPicksLowest(t *testing.T) {
	c := NewChooser(logger.Nop())
	sel := c.selectLocked(sortedByBitrate(testReps()))
	require.NotNil(t, sel)
	assert.Equal(t, "low", sel.ID)
}

func TestChooser_ManualOverrideWins(t *testing.T) {
	c := NewChooser(logger.Nop())
	c.AddEstimate(1, 10_000_000) // plenty of bandwidth
	c.SetManualBitrate(1_500_000)
	sel := c.selectLocked(sortedByBitrate(testReps()))
	assert.Equal(t, "mid", sel.ID)
}

func TestChooser_ManualBelowLowestFallsBackToLowest(t *testing.T) {
	c := NewChooser(logger.Nop())
	c.SetManualBitrate(1)
	sel := c.selectLocked(sortedByBitrate(testReps()))
	assert.Equal(t, "low", sel.ID)
}

func TestChooser_HighBandwidthPicksHighest(t *testing.T) {
	c := NewChooser(logger.Nop())
	// 5 MB in 1s => 40Mbit/s, comfortably above the "high" tier.
	c.AddEstimate(1, 5_000_000)
	sel := c.selectLocked(sortedByBitrate(testReps()))
	assert.Equal(t, "high", sel.ID)
}

func TestChooser_MaxAutoBitrateCaps(t *testing.T) {
	c := NewChooser(logger.Nop())
	c.AddEstimate(1, 5_000_000)
	c.SetMaxAutoBitrate(1_500_000)
	sel := c.selectLocked(sortedByBitrate(testReps()))
	assert.Equal(t, "mid", sel.ID)
}

func TestChooser_LimitWidthCaps(t *testing.T) {
	c := NewChooser(logger.Nop())
	c.AddEstimate(1, 5_000_000)
	c.SetLimitWidth(1280)
	sel := c.selectLocked(sortedByBitrate(testReps()))
	assert.Equal(t, "mid", sel.ID)
}

func TestChooser_ThrottleCaps(t *testing.T) {
	c := NewChooser(logger.Nop())
	c.AddEstimate(1, 5_000_000)
	c.SetThrottle(500_000)
	sel := c.selectLocked(sortedByBitrate(testReps()))
	assert.Equal(t, "low", sel.ID)
}

func TestChooser_EmergencyDownSwitchOverridesEWMA(t *testing.T) {
	c := NewChooser(logger.Nop())
	c.AddEstimate(1, 5_000_000) // would otherwise pick "high"

	id := uuid.New()
	started := time.Now().Add(-3 * time.Second)
	c.AddPendingRequest(id, PendingRequestInfo{
		Time:             10,
		Duration:         4, // half-duration = 2s, already elapsed
		RequestTimestamp: started,
	})
	// Only 50KB received over 3 seconds => ~133kbit/s, far below "low".
	c.AddRequestProgress(id, ProgressSample{Size: 50_000, Timestamp: time.Now()})

	sel := c.selectLocked(sortedByBitrate(testReps()))
	assert.Equal(t, "low", sel.ID)
}

func TestChooser_RemovePendingRequestStopsInfluencing(t *testing.T) {
	c := NewChooser(logger.Nop())
	c.AddEstimate(1, 5_000_000)

	id := uuid.New()
	started := time.Now().Add(-3 * time.Second)
	c.AddPendingRequest(id, PendingRequestInfo{Time: 10, Duration: 4, RequestTimestamp: started})
	c.AddRequestProgress(id, ProgressSample{Size: 50_000, Timestamp: time.Now()})
	c.RemovePendingRequest(id)

	sel := c.selectLocked(sortedByBitrate(testReps()))
	assert.Equal(t, "high", sel.ID)
}

func TestChooser_GetEmitsInitialSelectionOnFirstTick(t *testing.T) {
	c := NewChooser(logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan clock.Tick, 1)
	out := c.Get(ctx, ticks, testReps())

	ticks <- clock.Tick{At: time.Now()}
	select {
	case sel := <-out:
		require.NotNil(t, sel)
		assert.Equal(t, "low", sel.ID)
	case <-time.After(time.Second):
		t.Fatal("expected an initial selection")
	}
}

func TestChooser_GetClosesOnContextCancel(t *testing.T) {
	c := NewChooser(logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan clock.Tick)
	out := c.Get(ctx, ticks, testReps())
	cancel()
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected channel to close after cancel")
	}
}

func TestChooser_StabilityWindowSuppressesImmediateReEmit(t *testing.T) {
	c := NewChooser(logger.Nop())
	reps := testReps()
	sorted := sortedByBitrate(reps)

	_, emit1 := c.evaluate(sorted)
	require.True(t, emit1)

	// Same candidate again right away: should not re-emit within the window.
	_, emit2 := c.evaluate(sorted)
	assert.False(t, emit2)
}
