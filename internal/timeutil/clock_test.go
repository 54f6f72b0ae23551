package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClockTicker(t *testing.T) {
	ticker := RealClock{}.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(500 * time.Millisecond):
		t.Error("ticker did not fire")
	}
}

func recv(ch <-chan time.Time) (time.Time, bool) {
	select {
	case v := <-ch:
		return v, true
	default:
		return time.Time{}, false
	}
}

func TestManualClockAdvance(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	ticker := clock.NewTicker(16 * time.Millisecond)
	require.Equal(t, 1, clock.Tickers())

	clock.Advance(10 * time.Millisecond)
	_, fired := recv(ticker.C())
	assert.False(t, fired, "fired before its period")

	clock.Advance(6 * time.Millisecond)
	got, fired := recv(ticker.C())
	require.True(t, fired)
	assert.Equal(t, start.Add(16*time.Millisecond), got)
	assert.Equal(t, got, clock.Now())

	ticker.Stop()
	clock.Advance(time.Second)
	_, fired = recv(ticker.C())
	assert.False(t, fired, "stopped ticker fired")
}

func TestManualClockDropsForSlowReceiver(t *testing.T) {
	t.Parallel()
	clock := NewManualClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Millisecond)
	for range 5 {
		clock.Advance(time.Millisecond)
	}
	got, fired := recv(ticker.C())
	require.True(t, fired)
	assert.Equal(t, time.Unix(0, int64(time.Millisecond)), got, "first tick kept, later ones dropped")
	_, fired = recv(ticker.C())
	assert.False(t, fired)
}

func TestFrameDelta(t *testing.T) {
	t.Parallel()
	start := time.Unix(100, 0)
	fd := NewFrameDelta(start)

	assert.Equal(t, 0.25, fd.Next(start.Add(250*time.Millisecond)))
	assert.Equal(t, 0.25, fd.Next(start.Add(500*time.Millisecond)))
	assert.Zero(t, fd.Next(start), "time going backwards")
}
