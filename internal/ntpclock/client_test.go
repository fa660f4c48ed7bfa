package ntpclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repeatSample(s sample, n int) []sample {
	out := make([]sample, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func queueTransport(samples []sample) transport {
	idx := 0
	return func(addr string, timeout time.Duration) (sample, bool) {
		if idx >= len(samples) {
			return sample{}, false
		}
		s := samples[idx]
		idx++
		return s, true
	}
}

func TestSync_WeightedOffsetScenario(t *testing.T) {
	c := New(
		withTransport(queueTransport([]sample{
			{offsetMs: 100, delayMs: 50},
			{offsetMs: 110, delayMs: 80},
			{offsetMs: 90, delayMs: 200},
		})),
		WithServers([]string{"a:123", "b:123", "c:123", "d:123"}),
	)

	ok, err := c.Sync()
	require.NoError(t, err)
	require.True(t, ok)

	delayMs, offsetMs, count := c.LastSyncStats()
	assert.Equal(t, int64(50), delayMs)
	assert.Equal(t, int64(100), offsetMs)
	assert.EqualValues(t, 1, count)
}

func TestSync_FirstSyncSetsBaseDirectly(t *testing.T) {
	wall := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	steady := wall
	c := New(
		withTransport(queueTransport([]sample{{offsetMs: 250, delayMs: 20}})),
		WithClocks(func() time.Time { return wall }, func() time.Time { return steady }),
	)

	ok, err := c.Sync()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, c.IsSynced())

	want := wall.Add(250 * time.Millisecond)
	assert.WithinDuration(t, want, c.GetNow(), time.Millisecond)
}

func TestSync_UnsyncedGetNowFallsBackToWallClock(t *testing.T) {
	wall := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(WithClocks(func() time.Time { return wall }, func() time.Time { return wall }))
	assert.False(t, c.IsSynced())
	assert.Equal(t, wall, c.GetNow())
}

func TestSync_NoSamplesReturnsError(t *testing.T) {
	c := New(withTransport(func(addr string, timeout time.Duration) (sample, bool) {
		return sample{}, false
	}))
	ok, err := c.Sync()
	assert.False(t, ok)
	assert.Error(t, err)
	assert.False(t, c.IsSynced())
}

func TestSync_EWMAStepIsCappedAt5ms(t *testing.T) {
	wall := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	steady := wall
	c := New(
		withTransport(queueTransport(repeatSample(sample{offsetMs: 0, delayMs: 20}, 32))),
		WithClocks(func() time.Time { return wall }, func() time.Time { return steady }),
	)

	ok, err := c.Sync()
	require.NoError(t, err)
	require.True(t, ok)
	before := c.GetNow()

	c.transport = queueTransport(repeatSample(sample{offsetMs: 100, delayMs: 20}, 32))
	ok, err = c.Sync()
	require.NoError(t, err)
	require.True(t, ok)
	after := c.GetNow()

	assert.InDelta(t, 5.0, after.Sub(before).Seconds()*1000.0, 0.5)
}

func TestSync_HardResetWhenErrorExceedsThreshold(t *testing.T) {
	wall := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	steady := wall
	c := New(
		withTransport(queueTransport(repeatSample(sample{offsetMs: 0, delayMs: 20}, 32))),
		WithClocks(func() time.Time { return wall }, func() time.Time { return steady }),
	)

	_, err := c.Sync()
	require.NoError(t, err)

	c.transport = queueTransport(repeatSample(sample{offsetMs: 6000, delayMs: 20}, 32))
	_, err = c.Sync()
	require.NoError(t, err)

	want := wall.Add(6000 * time.Millisecond)
	assert.WithinDuration(t, want, c.GetNow(), time.Millisecond)
	assert.Equal(t, 1.0, c.skew)
}

func TestSync_MeasuresSkewAfterAnchorGate(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var wall, steady time.Time
	// The first (fast-mode) sync draws 4 samples; each of the five later
	// syncs draws 8 per server from the 4 default servers: 4 + 5*32 = 164.
	c := New(
		withTransport(queueTransport(repeatSample(sample{offsetMs: 0, delayMs: 20}, 164))),
		WithClocks(func() time.Time { return wall }, func() time.Time { return steady }),
	)

	// Five syncs to satisfy sync_count>=5; each of these still resets
	// the anchor (count<5 at read time), so only the clock reading at
	// the fifth call determines the anchor used afterward.
	for i := 0; i < 5; i++ {
		wall = base.Add(time.Duration(i) * time.Second)
		steady = base.Add(time.Duration(i) * time.Second)
		ok, err := c.Sync()
		require.NoError(t, err)
		require.True(t, ok)
	}
	anchorWall, anchorSteady := wall, steady

	// Sixth sync: steady clock advances 61s past the anchor (clearing
	// the 60s gate) while the server-reported time runs a hair slow.
	steadyDelta := 61 * time.Second
	wallDelta := steadyDelta - 30*time.Millisecond
	wall = anchorWall.Add(wallDelta)
	steady = anchorSteady.Add(steadyDelta)

	ok, err := c.Sync()
	require.NoError(t, err)
	require.True(t, ok)

	assert.Less(t, c.skew, 1.0)
	assert.Greater(t, c.skew, 0.999)
}

func TestAutoSync_StartStop(t *testing.T) {
	c := New(withTransport(queueTransport(repeatSample(sample{offsetMs: 0, delayMs: 20}, 64))))
	c.StartAutoSync()
	assert.Eventually(t, c.IsSynced, time.Second, time.Millisecond)
	c.StopAutoSync()
}

func TestAutoSync_StartTwiceIsNoop(t *testing.T) {
	c := New(withTransport(queueTransport(repeatSample(sample{offsetMs: 0, delayMs: 20}, 64))))
	c.StartAutoSync()
	c.StartAutoSync()
	c.StopAutoSync()
	c.StopAutoSync()
}
