package retry

import (
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	cases := []struct {
		attempt uint
		initial time.Duration
		want    time.Duration
	}{
		{0, time.Second, time.Second},
		{1, time.Second, 2 * time.Second},
		{2, time.Second, 4 * time.Second},
		{3, time.Second, 8 * time.Second},
		{4, time.Second, 16 * time.Second},
		{5, time.Second, 32 * time.Second},
		{6, time.Second, 32 * time.Second},
		{1000, time.Second, 32 * time.Second},
		{5, 3 * time.Second, 60 * time.Second},
		{1, 45 * time.Second, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := Delay(tc.attempt, tc.initial); got != tc.want {
			t.Errorf("Delay(%d, %v) = %v, want %v", tc.attempt, tc.initial, got, tc.want)
		}
	}
}

func TestDelayFormula(t *testing.T) {
	for _, initial := range []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 7 * time.Second} {
		for attempt := uint(0); attempt <= MaxAttempt; attempt++ {
			want := initial * time.Duration(1<<attempt)
			if want > MaxDelay {
				want = MaxDelay
			}
			if got := Delay(attempt, initial); got != want {
				t.Fatalf("Delay(%d, %v) = %v, want %v", attempt, initial, got, want)
			}
		}
		pinned := Delay(MaxAttempt, initial)
		for attempt := uint(MaxAttempt + 1); attempt < 20; attempt++ {
			if got := Delay(attempt, initial); got != pinned {
				t.Fatalf("Delay(%d, %v) = %v, want pinned %v", attempt, initial, got, pinned)
			}
		}
	}
}

// loop runs dispatched callbacks on the test goroutine.
type loop chan func()

func (l loop) dispatch(fn func()) { l <- fn }

func (l loop) runFor(d time.Duration) {
	deadline := time.After(d)
	for {
		select {
		case fn := <-l:
			fn()
		case <-deadline:
			return
		}
	}
}

func TestSchedulerSinglePendingTimer(t *testing.T) {
	l := make(loop, 8)
	s := New(5*time.Millisecond, l.dispatch)

	fired := 0
	s.Schedule(func() { fired++ })
	s.Schedule(func() { fired += 100 })
	if !s.Pending() {
		t.Fatalf("expected pending timer")
	}
	if s.Attempt() != 2 {
		t.Fatalf("attempt = %d, want 2", s.Attempt())
	}

	l.runFor(100 * time.Millisecond)
	if fired != 100 {
		t.Fatalf("fired = %d, want only the second timer (100)", fired)
	}
	if s.Pending() {
		t.Fatalf("expected no pending timer after fire")
	}
}

func TestSchedulerResetAndCancel(t *testing.T) {
	l := make(loop, 8)
	s := New(5*time.Millisecond, l.dispatch)

	fired := false
	for i := 0; i < 8; i++ {
		s.Schedule(func() { fired = true })
	}
	if s.Attempt() != MaxAttempt {
		t.Fatalf("attempt = %d, want capped at %d", s.Attempt(), MaxAttempt)
	}

	s.Cancel()
	if s.Pending() || s.Attempt() != MaxAttempt {
		t.Fatalf("cancel: pending=%v attempt=%d", s.Pending(), s.Attempt())
	}
	s.Reset()
	if s.Pending() || s.Attempt() != 0 {
		t.Fatalf("reset: pending=%v attempt=%d", s.Pending(), s.Attempt())
	}

	l.runFor(50 * time.Millisecond)
	if fired {
		t.Fatalf("cancelled timer fired")
	}
}

func TestSchedulerReturnsBackoff(t *testing.T) {
	s := New(time.Second, func(func()) {})
	defer s.Cancel()
	want := []time.Duration{1, 2, 4, 8, 16, 32, 32}
	for i, w := range want {
		if got := s.Schedule(func() {}); got != w*time.Second {
			t.Fatalf("schedule #%d = %v, want %v", i, got, w*time.Second)
		}
	}
}
