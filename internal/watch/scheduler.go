package watch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	logx "watchbot/pkg/logx"
)

// State is the scheduler's timer state.
type State int

const (
	StateIdle State = iota
	StateArmed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TickFunc runs one tick. It returns false when polling should pause.
type TickFunc func(ctx context.Context) bool

// Scheduler is a self-rescheduling one-shot timer.
//
// At most one tick runs at a time. A timer that fires while a tick is in flight
// is folded into that tick, which re-arms when it completes.
type Scheduler struct {
	clock clockwork.Clock
	run   TickFunc
	log   logx.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	schedule Schedule
	timer    clockwork.Timer
	nextAt   time.Time
	gen      uint64
	inFlight bool
	rearm    bool
	stopped  bool
}

func NewScheduler(clock clockwork.Clock, schedule Schedule, run TickFunc, log logx.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if schedule == nil {
		schedule = MustParseSchedule(DefaultSchedule)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:    clock,
		run:      run,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		schedule: schedule,
	}
}

// Start binds ticks to ctx. Cancelling ctx aborts in-flight fetches.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// Arm schedules the next tick if none is pending. It reports whether a timer was armed.
func (s *Scheduler) Arm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.timer != nil {
		return false
	}
	if s.inFlight {
		s.rearm = true
		return false
	}
	s.armLocked()
	return true
}

// Cancel clears the pending timer. Cancelling an unarmed scheduler is a no-op.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.cancelLocked()
	s.mu.Unlock()
}

// Kick runs a tick now in the background, replacing any pending timer. It is a
// no-op while a tick is already in flight.
func (s *Scheduler) Kick() bool {
	s.mu.Lock()
	if s.stopped || s.inFlight {
		s.mu.Unlock()
		return false
	}
	s.cancelLocked()
	s.beginLocked()
	ctx := s.ctx
	s.mu.Unlock()

	go s.execute(ctx)
	return true
}

// SetSchedule replaces the schedule. A pending timer is re-armed against it.
func (s *Scheduler) SetSchedule(schedule Schedule) {
	if schedule == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = schedule
	if s.timer != nil {
		s.cancelLocked()
		s.armLocked()
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return StateArmed
	}
	return StateIdle
}

// NextAt returns when the pending timer fires.
func (s *Scheduler) NextAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return time.Time{}, false
	}
	return s.nextAt, true
}

func (s *Scheduler) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Stop disables arming, cancels in-flight work and waits for it to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.cancelLocked()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) armLocked() {
	now := s.clock.Now()
	next := s.schedule.Next(now)
	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	s.gen++
	gen := s.gen
	s.nextAt = now.Add(delay)
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })
	s.log.Trace("tick armed", logx.Duration("in", delay))
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.nextAt = time.Time{}
	}
	s.gen++
}

func (s *Scheduler) beginLocked() {
	s.inFlight = true
	s.rearm = false
	s.wg.Add(1)
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.nextAt = time.Time{}
	if s.inFlight {
		s.rearm = true
		s.mu.Unlock()
		return
	}
	s.beginLocked()
	ctx := s.ctx
	s.mu.Unlock()

	s.execute(ctx)
}

func (s *Scheduler) execute(ctx context.Context) {
	defer s.wg.Done()

	keep := true
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("tick panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		keep = s.run(ctx)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	if (keep || s.rearm) && !s.stopped && s.timer == nil {
		s.armLocked()
	}
	s.rearm = false
}
