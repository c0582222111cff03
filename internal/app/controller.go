package app

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/idanyas/digitaldash/internal/country"
	"github.com/idanyas/digitaldash/internal/data"
	"github.com/idanyas/digitaldash/internal/reachability"
	"github.com/idanyas/digitaldash/internal/retry"
)

// ErrNotRunning is returned by operations issued while Run is not active.
var ErrNotRunning = errors.New("controller is not running")

type State int

const (
	Idle State = iota
	Resolving
	Available
	Unavailable
	RetryPending
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	case RetryPending:
		return "retry_pending"
	default:
		return "idle"
	}
}

// Resolver finds the public IP and its country. *location.Resolver satisfies it.
type Resolver interface {
	ResolveIP(ctx context.Context) (string, error)
	FetchIP(ctx context.Context) (string, error)
	ResolveCountry(ctx context.Context, ip string) (data.Country, error)
	LastKnown() string
	Forget()
}

// SpeedTester runs one throughput measurement. *speedtest.Runner satisfies it.
type SpeedTester interface {
	Run(ctx context.Context) (<-chan data.Progress, error)
}

type Options struct {
	Monitor   reachability.Monitor
	Resolver  Resolver
	SpeedTest SpeedTester
	Store     country.Store

	// Online is the availability flag shared with the resolver and speed
	// test gates. The controller is its only writer.
	Online *atomic.Bool

	PollInterval      time.Duration
	SettleDelay       time.Duration
	InitialRetryDelay time.Duration

	// Publish receives every new snapshot on the controller goroutine. It
	// must not call back into the controller.
	Publish func(data.Snapshot)
	Logger  *slog.Logger
}

// Controller owns the network state. All mutation happens on the goroutine
// running Run; everything else posts closures to it.
type Controller struct {
	opts   Options
	logger *slog.Logger
	online *atomic.Bool

	events  chan func()
	done    chan struct{}
	started atomic.Bool
	snap    atomic.Pointer[data.Snapshot]

	// Owned by the loop.
	ctx           context.Context
	state         State
	observed      bool
	ip            data.PublicIPState
	home          string
	status        string
	speed         data.SpeedTestResult
	retry         *retry.Scheduler
	resolveGen    uint64
	resolveCancel context.CancelFunc
	pollGen       uint64
	pollCancel    context.CancelFunc
	settleGen     uint64
	settle        *time.Timer
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	online := opts.Online
	if online == nil {
		online = new(atomic.Bool)
	}
	if opts.InitialRetryDelay <= 0 {
		opts.InitialRetryDelay = time.Second
	}

	c := &Controller{
		opts:   opts,
		logger: logger,
		online: online,
		events: make(chan func(), 64),
		done:   make(chan struct{}),
		ctx:    context.Background(),
		home:   country.LoadHome(opts.Store),
	}
	c.retry = retry.New(opts.InitialRetryDelay, c.post)
	c.publish()
	return c
}

// Run processes events until ctx is cancelled. It may be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("controller already started")
	}
	c.ctx = ctx
	defer c.shutdown()

	err := c.opts.Monitor.Start(func(ch reachability.Change) {
		c.post(func() { c.onChange(ch) })
	})
	if err != nil {
		return err
	}

	var tick <-chan time.Time
	if c.opts.PollInterval > 0 {
		ticker := time.NewTicker(c.opts.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.events:
			fn()
		case <-tick:
			c.poll()
		}
	}
}

func (c *Controller) shutdown() {
	close(c.done)
	c.stopSettle()
	c.retry.Cancel()
	c.cancelResolve()
	c.cancelPoll()
	c.opts.Monitor.Stop()
	c.logger.Debug("controller stopped")
}

// Snapshot returns the most recently published state.
func (c *Controller) Snapshot() data.Snapshot {
	return *c.snap.Load()
}

func (c *Controller) Available() bool {
	return c.online.Load()
}

// ForceRefresh forgets the last known address and resolves again, cancelling
// whatever was in flight.
func (c *Controller) ForceRefresh() error {
	return c.call(func() {
		c.opts.Resolver.Forget()
		c.startResolve("manual refresh")
	})
}

// SetHomeCountry persists name and republishes the comparison before
// returning. It makes no network calls.
func (c *Controller) SetHomeCountry(name string) error {
	var err error
	if cerr := c.call(func() {
		if err = country.SaveHome(c.opts.Store, name); err != nil {
			return
		}
		c.home = country.LoadHome(c.opts.Store)
		c.logger.Info("home country set", "home", c.home)
		c.publish()
	}); cerr != nil {
		return cerr
	}
	return err
}

// RunSpeedTest starts a measurement and mirrors its progress. The final
// result is also recorded in the snapshot.
func (c *Controller) RunSpeedTest(ctx context.Context) (<-chan data.Progress, error) {
	if c.opts.SpeedTest == nil {
		return nil, errors.New("speed test is not configured")
	}
	in, err := c.opts.SpeedTest.Run(ctx)
	if err != nil {
		return nil, err
	}
	c.post(func() {
		c.speed = data.SpeedTestResult{Status: data.SpeedRunning}
		c.publish()
	})

	out := make(chan data.Progress, cap(in))
	go func() {
		defer close(out)
		for p := range in {
			if p.Result != nil {
				res := *p.Result
				c.post(func() {
					c.speed = res
					c.publish()
				})
			}
			out <- p
		}
	}()
	return out, nil
}

func (c *Controller) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// call runs fn on the loop and waits until it has been applied.
func (c *Controller) call(fn func()) error {
	if !c.started.Load() {
		return ErrNotRunning
	}
	applied := make(chan struct{})
	select {
	case c.events <- func() { fn(); close(applied) }:
	case <-c.done:
		return ErrNotRunning
	}
	select {
	case <-applied:
		return nil
	case <-c.done:
		return ErrNotRunning
	}
}

func (c *Controller) onChange(ch reachability.Change) {
	first := !c.observed
	c.observed = true
	wasOnline := c.online.Swap(ch.Available)
	c.logger.Debug("reachability changed", "available", ch.Available, "path_changed", ch.PathChanged, "first", first)

	if !ch.Available {
		if !first && !wasOnline {
			return
		}
		c.becomeUnavailable()
		return
	}
	if first {
		c.startResolve("initial")
		return
	}
	if !wasOnline || ch.PathChanged {
		c.retry.Reset()
		c.armSettle()
	}
}

func (c *Controller) becomeUnavailable() {
	c.cancelResolve()
	c.cancelPoll()
	c.stopSettle()
	c.ip = data.PublicIPState{Err: data.ErrNetworkUnavailable}
	c.status = data.StatusText(data.ErrNetworkUnavailable)
	c.state = Unavailable
	c.logger.Info("network unavailable")
	c.scheduleRetry()
	c.publish()
}

func (c *Controller) scheduleRetry() {
	delay := c.retry.Schedule(c.onRetry)
	c.state = RetryPending
	c.logger.Info("retry scheduled", "delay", delay, "attempt", c.retry.Attempt())
}

func (c *Controller) onRetry() {
	if c.online.Load() {
		c.startResolve("retry")
		return
	}
	c.scheduleRetry()
	c.publish()
}

// armSettle waits for a new network path to stabilise before resolving.
// Re-arming restarts the wait, so a flap produces one resolution.
func (c *Controller) armSettle() {
	c.stopSettle()
	c.cancelResolve()
	c.cancelPoll()
	c.state = Resolving
	if c.opts.SettleDelay <= 0 {
		c.startResolve("network changed")
		return
	}

	gen := c.settleGen
	c.settle = time.AfterFunc(c.opts.SettleDelay, func() {
		c.post(func() {
			if gen != c.settleGen {
				return
			}
			c.settle = nil
			c.startResolve("network changed")
		})
	})
	c.publish()
}

func (c *Controller) stopSettle() {
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	c.settleGen++
}

func (c *Controller) startResolve(reason string) {
	c.cancelResolve()
	c.cancelPoll()
	c.stopSettle()
	c.retry.Cancel()

	gen := c.resolveGen
	ctx, cancel := context.WithCancel(c.ctx)
	c.resolveCancel = cancel
	c.state = Resolving
	c.logger.Debug("resolving public IP", "reason", reason)
	c.publish()

	go func() {
		st := resolve(ctx, c.opts.Resolver)
		c.post(func() { c.finishResolve(gen, st) })
	}()
}

func resolve(ctx context.Context, r Resolver) data.PublicIPState {
	ip, err := r.ResolveIP(ctx)
	if err != nil {
		return data.PublicIPState{Err: err}
	}
	cc, err := r.ResolveCountry(ctx, ip)
	if err != nil {
		return data.PublicIPState{IP: ip, Err: err}
	}
	return data.PublicIPState{IP: ip, Country: cc.Name, CountryCode: cc.Code}
}

func (c *Controller) finishResolve(gen uint64, st data.PublicIPState) {
	if gen != c.resolveGen || c.resolveCancel == nil {
		return
	}
	c.resolveCancel()
	c.resolveCancel = nil
	c.resolveGen++

	if errors.Is(st.Err, data.ErrCancelled) {
		return
	}
	c.ip = st
	if st.Err != nil {
		c.status = data.StatusText(st.Err)
		c.logger.Warn("resolution failed", "kind", data.KindOf(st.Err), "err", st.Err)
		c.scheduleRetry()
		c.publish()
		return
	}

	c.retry.Reset()
	c.status = ""
	c.state = Available
	c.logger.Info("public IP resolved", "ip", st.IP, "country", st.Country)
	c.publish()
}

func (c *Controller) cancelResolve() {
	if c.resolveCancel != nil {
		c.resolveCancel()
		c.resolveCancel = nil
	}
	c.resolveGen++
}

// poll checks for a silent IP change while nothing else is going on.
func (c *Controller) poll() {
	if c.state != Available || c.resolveCancel != nil || c.pollCancel != nil {
		return
	}
	gen := c.pollGen
	ctx, cancel := context.WithCancel(c.ctx)
	c.pollCancel = cancel

	go func() {
		ip, err := c.opts.Resolver.FetchIP(ctx)
		c.post(func() { c.finishPoll(gen, ip, err) })
	}()
}

func (c *Controller) finishPoll(gen uint64, ip string, err error) {
	if gen != c.pollGen || c.pollCancel == nil {
		return
	}
	c.pollCancel()
	c.pollCancel = nil
	c.pollGen++

	if err != nil {
		if !errors.Is(err, data.ErrCancelled) {
			c.logger.Debug("IP check failed", "err", err)
		}
		return
	}
	if last := c.opts.Resolver.LastKnown(); ip != last {
		c.logger.Info("public IP changed", "old", last, "new", ip)
		c.startResolve("IP changed")
	}
}

func (c *Controller) cancelPoll() {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	c.pollGen++
}

func (c *Controller) publish() {
	cmp := country.Compare(c.ip.Country, c.home)
	snap := data.Snapshot{
		State:       c.state.String(),
		Available:   c.online.Load(),
		IP:          c.ip.IP,
		Country:     c.ip.Country,
		CountryCode: c.ip.CountryCode,
		Flag:        country.Flag(c.ip.CountryCode),
		HomeCountry: c.home,
		Comparison:  cmp,
		Title:       cmp.Token(),
		Status:      c.status,
		SpeedTest:   c.speed,
		UpdatedAt:   time.Now(),
	}
	c.snap.Store(&snap)
	if c.opts.Publish != nil {
		c.opts.Publish(snap)
	}
}
