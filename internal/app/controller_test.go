package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/idanyas/digitaldash/internal/country"
	"github.com/idanyas/digitaldash/internal/data"
	"github.com/idanyas/digitaldash/internal/logging"
	"github.com/idanyas/digitaldash/internal/reachability"
)

type fakeMonitor struct {
	mu      sync.Mutex
	cb      func(reachability.Change)
	stopped atomic.Bool
}

func (m *fakeMonitor) Start(cb func(reachability.Change)) error {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
	return nil
}

func (m *fakeMonitor) Stop() { m.stopped.Store(true) }

func (m *fakeMonitor) emit(available, pathChanged bool) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	cb(reachability.Change{Available: available, PathChanged: pathChanged})
}

type fakeResolver struct {
	mu        sync.Mutex
	ipCalls   int
	ccCalls   int
	pollCalls int
	forgets   int
	lastKnown string

	resolveIP  func(ctx context.Context, call int) (string, error)
	countries  map[string]data.Country
	countryErr error
	pollIP     string
}

func (r *fakeResolver) ResolveIP(ctx context.Context) (string, error) {
	r.mu.Lock()
	r.ipCalls++
	call := r.ipCalls
	fn := r.resolveIP
	r.mu.Unlock()

	ip, err := fn(ctx, call)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		return "", data.ErrCancelled
	}
	r.lastKnown = ip
	return ip, nil
}

func (r *fakeResolver) FetchIP(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollCalls++
	if r.pollIP == "" {
		return r.lastKnown, nil
	}
	return r.pollIP, nil
}

func (r *fakeResolver) ResolveCountry(_ context.Context, ip string) (data.Country, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ccCalls++
	if r.countryErr != nil {
		return data.Country{}, r.countryErr
	}
	return r.countries[ip], nil
}

func (r *fakeResolver) LastKnown() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastKnown
}

func (r *fakeResolver) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgets++
	r.lastKnown = ""
}

func (r *fakeResolver) counts() (ip, cc, poll int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ipCalls, r.ccCalls, r.pollCalls
}

func (r *fakeResolver) set(fn func(*fakeResolver)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func fixedIP(ip string) func(context.Context, int) (string, error) {
	return func(context.Context, int) (string, error) { return ip, nil }
}

var world = map[string]data.Country{
	"192.0.2.1":    {Code: "FR", Name: "France"},
	"192.0.2.2":    {Code: "DE", Name: "Germany"},
	"198.51.100.9": {Code: "JP", Name: "Japan"},
}

type memStore struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *memStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *memStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]string)
	}
	s.m[key] = value
	return nil
}

type harness struct {
	ctrl     *Controller
	monitor  *fakeMonitor
	resolver *fakeResolver
	store    *memStore
	online   *atomic.Bool

	mu        sync.Mutex
	published int
}

func newHarness(t *testing.T, opts Options, resolver *fakeResolver) *harness {
	t.Helper()
	h := &harness{
		monitor:  &fakeMonitor{},
		resolver: resolver,
		store:    &memStore{},
		online:   new(atomic.Bool),
	}
	if resolver.countries == nil {
		resolver.countries = world
	}
	opts.Monitor = h.monitor
	opts.Resolver = resolver
	opts.Store = h.store
	opts.Online = h.online
	opts.Logger = logging.Discard()
	opts.Publish = func(data.Snapshot) {
		h.mu.Lock()
		h.published++
		h.mu.Unlock()
	}
	if opts.InitialRetryDelay == 0 {
		opts.InitialRetryDelay = time.Hour
	}
	h.ctrl = New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})

	waitFor(t, "monitor started", func() bool {
		h.monitor.mu.Lock()
		defer h.monitor.mu.Unlock()
		return h.monitor.cb != nil
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, state State) data.Snapshot {
	t.Helper()
	waitFor(t, "state "+state.String(), func() bool {
		return h.ctrl.Snapshot().State == state.String()
	})
	return h.ctrl.Snapshot()
}

func TestFirstObservationResolves(t *testing.T) {
	h := newHarness(t, Options{SettleDelay: time.Hour}, &fakeResolver{resolveIP: fixedIP("192.0.2.1")})

	if s := h.ctrl.Snapshot(); s.State != "idle" || s.HomeCountry != country.NotSet {
		t.Fatalf("initial snapshot = %+v", s)
	}

	h.monitor.emit(true, false)
	s := h.waitState(t, Available)

	if s.IP != "192.0.2.1" || s.Country != "France" || s.CountryCode != "FR" || s.Flag != "🇫🇷" {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.Comparison != data.Indeterminate || s.Title != "Digital Dash" {
		t.Fatalf("home not set must be indeterminate, got %v %q", s.Comparison, s.Title)
	}
	if !h.ctrl.Available() {
		t.Fatal("Available() = false after an available observation")
	}
}

func TestUnavailableClearsStateAndSchedulesRetry(t *testing.T) {
	h := newHarness(t, Options{}, &fakeResolver{resolveIP: fixedIP("192.0.2.1")})

	h.monitor.emit(true, false)
	h.waitState(t, Available)

	h.monitor.emit(false, false)
	s := h.waitState(t, RetryPending)

	if s.IP != "" || s.Country != "" || s.Available {
		t.Fatalf("stale state visible while unavailable: %+v", s)
	}
	if s.Status != "Network unavailable" {
		t.Fatalf("status = %q", s.Status)
	}
	if s.Comparison != data.Indeterminate {
		t.Fatalf("comparison = %v", s.Comparison)
	}
}

func TestFirstObservationUnavailable(t *testing.T) {
	r := &fakeResolver{resolveIP: fixedIP("192.0.2.1")}
	h := newHarness(t, Options{InitialRetryDelay: 10 * time.Millisecond}, r)

	h.monitor.emit(false, false)
	s := h.waitState(t, RetryPending)
	if s.Status != "Network unavailable" {
		t.Fatalf("status = %q", s.Status)
	}

	// Retries keep firing while offline without touching the network.
	time.Sleep(100 * time.Millisecond)
	if ip, _, _ := r.counts(); ip != 0 {
		t.Fatalf("resolver called %d times while offline", ip)
	}
}

func TestFailedResolutionRetriesWithBackoff(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	r := &fakeResolver{resolveIP: func(context.Context, int) (string, error) {
		if fail.Load() {
			return "", &data.TransportError{Op: "GET /ip", Err: errors.New("connection refused")}
		}
		return "192.0.2.2", nil
	}}
	h := newHarness(t, Options{InitialRetryDelay: 5 * time.Millisecond}, r)

	h.monitor.emit(true, false)
	waitFor(t, "three attempts", func() bool {
		ip, _, _ := r.counts()
		return ip >= 3
	})
	s := h.ctrl.Snapshot()
	if s.Status != "Error: connection refused" {
		t.Fatalf("status = %q", s.Status)
	}

	fail.Store(false)
	s = h.waitState(t, Available)
	if s.IP != "192.0.2.2" || s.Status != "" {
		t.Fatalf("snapshot after recovery = %+v", s)
	}
}

func TestCountryFailureClearsCountry(t *testing.T) {
	r := &fakeResolver{
		resolveIP:  fixedIP("192.0.2.1"),
		countryErr: &data.TransportError{Op: "GET /geo", Err: errors.New("timeout")},
	}
	h := newHarness(t, Options{}, r)
	if err := h.ctrl.SetHomeCountry("France"); err != nil {
		t.Fatal(err)
	}

	h.monitor.emit(true, false)
	s := h.waitState(t, RetryPending)
	if s.IP != "192.0.2.1" || s.Country != "" || s.Comparison != data.Indeterminate {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestFlapResolvesOnceAfterSettling(t *testing.T) {
	r := &fakeResolver{resolveIP: fixedIP("192.0.2.1")}
	h := newHarness(t, Options{SettleDelay: 100 * time.Millisecond}, r)

	h.monitor.emit(true, false)
	h.waitState(t, Available)
	before, _, _ := r.counts()

	h.monitor.emit(false, false)
	h.monitor.emit(true, false)
	h.monitor.emit(false, false)
	h.monitor.emit(true, false)

	waitFor(t, "resolution after settling", func() bool {
		ip, _, _ := r.counts()
		return ip > before
	})
	time.Sleep(200 * time.Millisecond)

	after, _, _ := r.counts()
	if after-before != 1 {
		t.Fatalf("flap caused %d resolutions, want 1", after-before)
	}
}

func TestPathChangeResolves(t *testing.T) {
	ips := []string{"192.0.2.1", "198.51.100.9"}
	r := &fakeResolver{resolveIP: func(_ context.Context, call int) (string, error) {
		return ips[min(call, len(ips))-1], nil
	}}
	h := newHarness(t, Options{SettleDelay: 10 * time.Millisecond}, r)

	h.monitor.emit(true, false)
	h.waitState(t, Available)

	h.monitor.emit(true, true)
	waitFor(t, "VPN country", func() bool {
		return h.ctrl.Snapshot().Country == "Japan"
	})
}

func TestSetHomeCountryIsSynchronous(t *testing.T) {
	r := &fakeResolver{resolveIP: fixedIP("192.0.2.1")}
	h := newHarness(t, Options{}, r)

	h.monitor.emit(true, false)
	h.waitState(t, Available)
	ip, cc, _ := r.counts()

	if err := h.ctrl.SetHomeCountry("France"); err != nil {
		t.Fatalf("SetHomeCountry: %v", err)
	}
	if s := h.ctrl.Snapshot(); s.Comparison != data.Match || s.Title != ":)" {
		t.Fatalf("comparison = %v %q, want match immediately", s.Comparison, s.Title)
	}

	if err := h.ctrl.SetHomeCountry("Germany"); err != nil {
		t.Fatalf("SetHomeCountry: %v", err)
	}
	if s := h.ctrl.Snapshot(); s.Comparison != data.Mismatch || s.Title != ":(" || s.HomeCountry != "Germany" {
		t.Fatalf("snapshot = %+v, want mismatch", s)
	}

	if v, _ := h.store.Get(country.HomeKey); v != "Germany" {
		t.Fatalf("stored home = %q", v)
	}
	if ip2, cc2, _ := r.counts(); ip2 != ip || cc2 != cc {
		t.Fatal("SetHomeCountry must not touch the network")
	}
}

func TestPollDetectsNewIP(t *testing.T) {
	var current atomic.Value
	current.Store("192.0.2.1")
	r := &fakeResolver{resolveIP: func(context.Context, int) (string, error) {
		return current.Load().(string), nil
	}}
	h := newHarness(t, Options{PollInterval: 20 * time.Millisecond}, r)

	h.monitor.emit(true, false)
	h.waitState(t, Available)
	waitFor(t, "a poll", func() bool {
		_, _, polls := r.counts()
		return polls > 0
	})
	ip, cc, _ := r.counts()
	if ip != 1 || cc != 1 {
		t.Fatalf("unchanged IP caused resolutions: ip=%d cc=%d", ip, cc)
	}

	current.Store("192.0.2.2")
	r.set(func(r *fakeResolver) { r.pollIP = "192.0.2.2" })

	waitFor(t, "new country", func() bool {
		return h.ctrl.Snapshot().Country == "Germany"
	})
	r.set(func(r *fakeResolver) { r.pollIP = "" })
	time.Sleep(100 * time.Millisecond)

	ip, cc, _ = r.counts()
	if ip != 2 || cc != 2 {
		t.Fatalf("IP change caused ip=%d cc=%d lookups, want exactly one more of each", ip, cc)
	}
}

func TestNewestResolutionWins(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r := &fakeResolver{resolveIP: func(_ context.Context, call int) (string, error) {
		if call == 1 {
			close(started)
			<-release
			return "198.51.100.9", nil
		}
		return "192.0.2.2", nil
	}}
	h := newHarness(t, Options{}, r)

	h.monitor.emit(true, false)
	<-started

	if err := h.ctrl.ForceRefresh(); err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	h.waitState(t, Available)

	close(release)
	time.Sleep(100 * time.Millisecond)

	if s := h.ctrl.Snapshot(); s.IP != "192.0.2.2" || s.Country != "Germany" {
		t.Fatalf("superseded resolution leaked into state: %+v", s)
	}
	if got := r.LastKnown(); got != "192.0.2.2" {
		t.Fatalf("last known = %q, superseded resolution must not record", got)
	}
}

func TestForceRefresh(t *testing.T) {
	r := &fakeResolver{resolveIP: fixedIP("192.0.2.1")}
	h := newHarness(t, Options{}, r)

	h.monitor.emit(true, false)
	h.waitState(t, Available)

	if err := h.ctrl.ForceRefresh(); err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	waitFor(t, "second resolution", func() bool {
		ip, _, _ := r.counts()
		return ip == 2
	})
	h.waitState(t, Available)

	r.mu.Lock()
	forgets := r.forgets
	r.mu.Unlock()
	if forgets != 1 {
		t.Fatalf("Forget called %d times, want 1", forgets)
	}
}

type fakeSpeedTest struct{ result data.SpeedTestResult }

func (f *fakeSpeedTest) Run(context.Context) (<-chan data.Progress, error) {
	ch := make(chan data.Progress, 2)
	ch <- data.Progress{Phase: data.PhaseDownload, Sample: 1, Mbps: 10}
	res := f.result
	ch <- data.Progress{Phase: data.PhaseDone, Percent: 100, Result: &res}
	close(ch)
	return ch, nil
}

func TestRunSpeedTestRecordsResult(t *testing.T) {
	down, up := 20.0, 5.0
	st := &fakeSpeedTest{result: data.SpeedTestResult{DownloadMbps: &down, UploadMbps: &up, Status: data.SpeedDone}}
	h := newHarness(t, Options{SpeedTest: st}, &fakeResolver{resolveIP: fixedIP("192.0.2.1")})

	ch, err := h.ctrl.RunSpeedTest(context.Background())
	if err != nil {
		t.Fatalf("RunSpeedTest: %v", err)
	}
	var n int
	for range ch {
		n++
	}
	if n != 2 {
		t.Fatalf("forwarded %d updates, want 2", n)
	}
	waitFor(t, "speed result", func() bool {
		return h.ctrl.Snapshot().SpeedTest.Status == data.SpeedDone
	})
	if got := *h.ctrl.Snapshot().SpeedTest.DownloadMbps; got != 20 {
		t.Fatalf("download = %v", got)
	}
}

func TestOperationsBeforeRun(t *testing.T) {
	c := New(Options{Monitor: &fakeMonitor{}, Resolver: &fakeResolver{}, Store: &memStore{}, Logger: logging.Discard()})
	if err := c.SetHomeCountry("France"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestShutdownStopsMonitor(t *testing.T) {
	m := &fakeMonitor{}
	c := New(Options{Monitor: m, Resolver: &fakeResolver{}, Store: &memStore{}, Logger: logging.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	waitFor(t, "monitor started", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.cb != nil
	})

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !m.stopped.Load() {
		t.Fatal("monitor not stopped")
	}
	if err := c.ForceRefresh(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("ForceRefresh after shutdown = %v", err)
	}
}
