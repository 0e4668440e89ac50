package clock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickIsMonotonicAndExpiresOnce(t *testing.T) {
	var fired atomic.Int32
	c := New(3, func() { fired.Add(1) }, zerolog.Nop())

	prev := c.Remaining()
	for i := 0; i < 10; i++ {
		c.Tick()
		cur := c.Remaining()
		require.LessOrEqual(t, cur, prev)
		require.GreaterOrEqual(t, cur, 0)
		prev = cur
	}

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.True(t, c.Expired())
	assert.Equal(t, 0, c.Remaining())
}

func TestZeroDurationExpiresOnFirstTick(t *testing.T) {
	var fired atomic.Int32
	c := New(-5, func() { fired.Add(1) }, zerolog.Nop())
	assert.Equal(t, 0, c.Remaining())

	c.Tick()
	c.Tick()
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
}

func TestRunningClockStopsItselfAtZero(t *testing.T) {
	expired := make(chan struct{}, 4)
	c := New(3, func() { expired <- struct{}{} }, zerolog.Nop()).WithInterval(2 * time.Millisecond)

	require.NoError(t, c.Start(context.Background()))
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("clock never expired")
	}
	require.Eventually(t, func() bool { return !c.Running() }, time.Second, time.Millisecond)
	assert.Len(t, expired, 0)
	c.Stop()
}

func TestStopPreventsFurtherTicks(t *testing.T) {
	var fired atomic.Int32
	c := New(1000, func() { fired.Add(1) }, zerolog.Nop()).WithInterval(time.Millisecond)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Remaining() < 1000 }, time.Second, time.Millisecond)

	c.Stop()
	c.Stop()
	left := c.Remaining()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, left, c.Remaining())

	c.Tick()
	assert.Equal(t, left, c.Remaining())
	assert.NoError(t, c.Resume())
	assert.False(t, c.Running())
	assert.Equal(t, int32(0), fired.Load())
}

func TestPauseAndResume(t *testing.T) {
	c := New(1000, nil, zerolog.Nop()).WithInterval(time.Millisecond)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Remaining() < 995 }, time.Second, time.Millisecond)

	c.Pause()
	paused := c.Remaining()
	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, paused, c.Remaining())

	require.NoError(t, c.Resume())
	require.Eventually(t, func() bool { return c.Remaining() < paused }, time.Second, time.Millisecond)
	c.Stop()
}
