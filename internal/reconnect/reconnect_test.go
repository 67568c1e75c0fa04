package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool { t.stopped = true; return true }

type clock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *clock) afterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *clock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func (c *clock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type traces struct {
	mu    sync.Mutex
	lines []string
}

func (tr *traces) add(level, msg string) {
	tr.mu.Lock()
	tr.lines = append(tr.lines, level+": "+msg)
	tr.mu.Unlock()
}

var testCfg = Config{Enabled: true, MinDelay: time.Second, MaxDelay: 30 * time.Second}

func TestDelayBounds(t *testing.T) {
	var prev time.Duration
	for attempt := 1; attempt <= 12; attempt++ {
		base := BaseDelay(testCfg, attempt)
		assert.GreaterOrEqual(t, base, prev, "non-decreasing at attempt %d", attempt)
		assert.LessOrEqual(t, base, testCfg.MaxDelay)
		prev = base

		for _, r := range []float64{0, 0.5, 0.999999} {
			d := Delay(testCfg, attempt, r)
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, d, base+base/5)
		}
	}
	assert.Equal(t, time.Second, BaseDelay(testCfg, 1))
	assert.Equal(t, 2*time.Second, BaseDelay(testCfg, 2))
	assert.Equal(t, 16*time.Second, BaseDelay(testCfg, 5))
	assert.Equal(t, 30*time.Second, BaseDelay(testCfg, 6))
	assert.Equal(t, 30*time.Second, BaseDelay(testCfg, 200))
}

func TestScheduleRetryNoOps(t *testing.T) {
	clk := &clock{}
	has := true
	c := New(Config{Enabled: false, MinDelay: time.Second, MaxDelay: time.Minute}, nil,
		func() bool { return has }, nil, WithAfterFunc(clk.afterFunc))

	assert.False(t, c.ScheduleRetry("disabled"))

	c.UpdateConfig(testCfg)
	has = false
	assert.False(t, c.ScheduleRetry("no handle"))

	has = true
	c.SetManual(true)
	assert.False(t, c.ScheduleRetry("manual"))

	c.SetManual(false)
	c.Reset()
	assert.True(t, c.ScheduleRetry("first"))
	assert.False(t, c.ScheduleRetry("already scheduled"))
	assert.Equal(t, 1, clk.count())
}

func TestScheduleTracesDelayAndAttempt(t *testing.T) {
	clk := &clock{}
	tr := &traces{}
	c := New(testCfg, func(context.Context) error { return nil }, nil, tr.add,
		WithAfterFunc(clk.afterFunc), WithJitter(func() float64 { return 0.5 }))

	require.True(t, c.ScheduleRetry("Device disconnected"))
	assert.Equal(t, []string{"sys: Device disconnected. Reconnecting in 1.1s (attempt 1)."}, tr.lines)

	snap := c.Snapshot()
	assert.Equal(t, Scheduled, snap.State)
	assert.Equal(t, 1, snap.Attempt)
	require.NotNil(t, snap.NextAttemptAt)
	assert.Equal(t, 1100*time.Millisecond, clk.last().d)
}

func TestFailureReschedulesUntilCap(t *testing.T) {
	clk := &clock{}
	tr := &traces{}
	calls := 0
	cfg := testCfg
	cfg.MaxAttempts = 3
	c := New(cfg, func(context.Context) error { calls++; return errors.New("out of range") }, nil, tr.add,
		WithAfterFunc(clk.afterFunc), WithJitter(func() float64 { return 0 }))

	require.True(t, c.ScheduleRetry("Device disconnected"))
	for i := 0; i < 3; i++ {
		clk.last().f()
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, clk.count())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		[]time.Duration{clk.timers[0].d, clk.timers[1].d, clk.timers[2].d})

	snap := c.Snapshot()
	assert.Equal(t, Stopped, snap.State)
	assert.Nil(t, snap.NextAttemptAt)
	assert.Contains(t, tr.lines[len(tr.lines)-1], "Reconnect stopped after 3 attempts")

	assert.False(t, c.ScheduleRetry("Device disconnected"))
	c.Reset()
	assert.True(t, c.ScheduleRetry("Device disconnected"))
}

func TestSuccessResetsCounter(t *testing.T) {
	clk := &clock{}
	c := New(testCfg, func(context.Context) error { return nil }, nil, nil, WithAfterFunc(clk.afterFunc))

	require.True(t, c.ScheduleRetry("Device disconnected"))
	clk.last().f()
	snap := c.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Zero(t, snap.Attempt)
}

func TestCancelAndManualStopTimer(t *testing.T) {
	clk := &clock{}
	calls := 0
	c := New(testCfg, func(context.Context) error { calls++; return nil }, nil, nil, WithAfterFunc(clk.afterFunc))

	require.True(t, c.ScheduleRetry("drop"))
	timer := clk.last()
	c.SetManual(true)
	assert.True(t, timer.stopped)

	// A timer that fires after cancellation does nothing.
	timer.f()
	assert.Zero(t, calls)
	assert.Equal(t, Stopped, c.Snapshot().State)
	assert.True(t, c.Snapshot().ManualDisconnect)
}

func TestMarkReadyClearsSchedule(t *testing.T) {
	clk := &clock{}
	c := New(testCfg, func(context.Context) error { return nil }, nil, nil, WithAfterFunc(clk.afterFunc))

	require.True(t, c.ScheduleRetry("drop"))
	c.MarkReady()
	assert.True(t, clk.last().stopped)
	assert.False(t, c.Pending())
	assert.Zero(t, c.Snapshot().Attempt)
}

func TestMarkReadyDuringAttemptKeepsCount(t *testing.T) {
	clk := &clock{}
	tr := &traces{}
	cfg := testCfg
	cfg.MaxAttempts = 2
	var c *Controller
	c = New(cfg, func(context.Context) error {
		// The link comes up, then the handshake fails.
		c.MarkReady()
		return errors.New("handshake timed out")
	}, nil, tr.add, WithAfterFunc(clk.afterFunc), WithJitter(func() float64 { return 0 }))

	require.True(t, c.ScheduleRetry("Device disconnected"))
	clk.last().f()
	require.Equal(t, 2, clk.count())
	assert.Equal(t, 2*time.Second, clk.last().d)
	assert.Equal(t, 2, c.Snapshot().Attempt)

	clk.last().f()
	assert.Equal(t, 2, clk.count(), "no retry past the cap")
	assert.Equal(t, Stopped, c.Snapshot().State)
	assert.Contains(t, tr.lines[len(tr.lines)-1], "Reconnect stopped after 2 attempts")
}

func TestTraceMayCallBack(t *testing.T) {
	clk := &clock{}
	var c *Controller
	var seen Snapshot
	c = New(testCfg, nil, nil, func(string, string) { seen = c.Snapshot() }, WithAfterFunc(clk.afterFunc))

	require.True(t, c.ScheduleRetry("drop"))
	assert.Equal(t, Scheduled, seen.State)
}
