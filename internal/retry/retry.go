package retry

import (
	"time"
)

const (
	// MaxAttempt caps the exponent; later attempts reuse its delay.
	MaxAttempt = 5
	MaxDelay   = 60 * time.Second
)

// Delay returns min(initial * 2^min(attempt, MaxAttempt), MaxDelay).
func Delay(attempt uint, initial time.Duration) time.Duration {
	if attempt > MaxAttempt {
		attempt = MaxAttempt
	}
	d := initial << attempt
	if d > MaxDelay || d < initial {
		return MaxDelay
	}
	return d
}

// Scheduler keeps at most one pending retry timer with exponential backoff.
// It is not safe for concurrent use: all methods and the fire callbacks run on
// the owner's goroutine, reached through dispatch.
type Scheduler struct {
	initial  time.Duration
	dispatch func(func())

	attempt uint
	pending bool
	gen     uint64
	timer   *time.Timer
}

// New creates a scheduler. dispatch hands timer expiries back to the owner's
// goroutine; nil runs them on the timer goroutine.
func New(initial time.Duration, dispatch func(func())) *Scheduler {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	return &Scheduler{initial: initial, dispatch: dispatch}
}

// Schedule arms the retry timer with the delay for the current attempt and
// advances the attempt. Any earlier pending timer is invalidated.
func (s *Scheduler) Schedule(fire func()) time.Duration {
	delay := Delay(s.attempt, s.initial)
	s.Cancel()

	s.gen++
	gen := s.gen
	s.pending = true
	s.timer = time.AfterFunc(delay, func() {
		s.dispatch(func() {
			if gen != s.gen || !s.pending {
				return
			}
			s.pending = false
			s.timer = nil
			fire()
		})
	})

	if s.attempt < MaxAttempt {
		s.attempt++
	}
	return delay
}

// Cancel stops the pending timer, keeping the attempt count.
func (s *Scheduler) Cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = false
	s.gen++
}

// Reset cancels the pending timer and starts backoff over.
func (s *Scheduler) Reset() {
	s.Cancel()
	s.attempt = 0
}

func (s *Scheduler) Attempt() uint { return s.attempt }

func (s *Scheduler) Pending() bool { return s.pending }
