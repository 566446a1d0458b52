package watch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "watchbot/pkg/logx"
)

const (
	waitFor = 2 * time.Second
	pollDur = 5 * time.Millisecond
)

func newTestScheduler(t *testing.T, run TickFunc) (*Scheduler, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock, Every(5*time.Minute), run, logx.Nop())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, clock
}

func TestScheduler_ArmAndCancel(t *testing.T) {
	s, clock := newTestScheduler(t, func(context.Context) bool { return true })

	assert.Equal(t, StateIdle, s.State())
	s.Cancel() // unarmed cancel is a no-op
	assert.Equal(t, StateIdle, s.State())

	require.True(t, s.Arm())
	assert.Equal(t, StateArmed, s.State())
	assert.False(t, s.Arm(), "second Arm must not create another timer")

	at, ok := s.NextAt()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(5*time.Minute), at)

	s.Cancel()
	assert.Equal(t, StateIdle, s.State())
	_, ok = s.NextAt()
	assert.False(t, ok)
}

func TestScheduler_ReArmsWhileTickReportsWork(t *testing.T) {
	var ticks atomic.Int32
	s, clock := newTestScheduler(t, func(context.Context) bool {
		ticks.Add(1)
		return true
	})

	s.Arm()
	clock.Advance(4 * time.Minute)
	assert.Equal(t, int32(0), ticks.Load())

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return ticks.Load() == 1 && s.State() == StateArmed }, waitFor, pollDur)

	clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return ticks.Load() == 2 && s.State() == StateArmed }, waitFor, pollDur)
}

func TestScheduler_GoesIdleWhenTickReportsNoWork(t *testing.T) {
	var ticks atomic.Int32
	s, clock := newTestScheduler(t, func(context.Context) bool {
		ticks.Add(1)
		return false
	})

	s.Arm()
	clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return ticks.Load() == 1 && !s.InFlight() }, waitFor, pollDur)
	assert.Equal(t, StateIdle, s.State())

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), ticks.Load())
}

func TestScheduler_PanicInTickStillReArms(t *testing.T) {
	var ticks atomic.Int32
	s, _ := newTestScheduler(t, func(context.Context) bool {
		ticks.Add(1)
		panic("boom")
	})

	require.True(t, s.Kick())
	require.Eventually(t, func() bool { return ticks.Load() == 1 && s.State() == StateArmed }, waitFor, pollDur)
}

func TestScheduler_AtMostOneTickInFlight(t *testing.T) {
	release := make(chan struct{})
	var running, maxRunning, ticks atomic.Int32
	s, clock := newTestScheduler(t, func(context.Context) bool {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		ticks.Add(1)
		<-release
		running.Add(-1)
		return true
	})

	require.True(t, s.Kick())
	require.Eventually(t, func() bool { return ticks.Load() == 1 }, waitFor, pollDur)
	assert.True(t, s.InFlight())

	assert.False(t, s.Kick(), "kick while in flight must be skipped")
	assert.False(t, s.Arm(), "arm while in flight is deferred to completion")
	assert.Equal(t, StateIdle, s.State())

	close(release)
	require.Eventually(t, func() bool { return !s.InFlight() && s.State() == StateArmed }, waitFor, pollDur)

	clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return ticks.Load() == 2 }, waitFor, pollDur)
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestScheduler_ArmDuringIdleTickIsHonored(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	s, _ := newTestScheduler(t, func(context.Context) bool {
		close(entered)
		<-release
		return false
	})

	require.True(t, s.Kick())
	<-entered
	s.Arm()
	close(release)

	require.Eventually(t, func() bool { return !s.InFlight() && s.State() == StateArmed }, waitFor, pollDur)
}

func TestScheduler_SetScheduleReArmsPendingTimer(t *testing.T) {
	s, clock := newTestScheduler(t, func(context.Context) bool { return true })

	s.Arm()
	s.SetSchedule(Every(time.Minute))

	at, ok := s.NextAt()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(time.Minute), at)
}

func TestScheduler_StopPreventsArming(t *testing.T) {
	var ticks atomic.Int32
	s, clock := newTestScheduler(t, func(context.Context) bool {
		ticks.Add(1)
		return true
	})

	s.Arm()
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, s.Arm())
	assert.False(t, s.Kick())

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), ticks.Load())
}

func TestScheduler_StopCancelsInFlightContext(t *testing.T) {
	cancelled := make(chan struct{})
	s, _ := newTestScheduler(t, func(ctx context.Context) bool {
		<-ctx.Done()
		close(cancelled)
		return true
	})

	require.True(t, s.Kick())
	require.Eventually(t, s.InFlight, waitFor, pollDur)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	<-cancelled
	assert.Equal(t, StateIdle, s.State())
}
