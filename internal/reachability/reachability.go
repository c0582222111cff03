// Package reachability reports whether the machine has a usable network path
// and when that path changes.
package reachability

import (
	"context"
	"hash/fnv"
	"log/slog"
	"net"
	"slices"
	"sort"
	"sync"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// Change is one reachability notification. PathChanged is set when the
// machine stayed online but the set of addresses behind the path moved, e.g.
// a VPN tunnel came up or went down.
type Change struct {
	Available   bool
	PathChanged bool
	PathID      uint64
}

// Monitor pushes reachability changes. The first observation is always
// delivered; later ones only when availability or the path identity moved.
type Monitor interface {
	Start(onChange func(Change)) error
	Stop()
}

// Observation is the derived state of the local interfaces.
type Observation struct {
	Available bool
	PathID    uint64
	Paths     []string // "iface=addr", sorted
}

// Observe enumerates the interfaces right now.
func Observe(ctx context.Context) (Observation, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return Observation{}, err
	}
	return observationFrom(ifaces), nil
}

func observationFrom(ifaces psnet.InterfaceStatList) Observation {
	var paths []string
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			ip := addrIP(a.Addr)
			if ip == nil || !ip.IsGlobalUnicast() {
				continue
			}
			paths = append(paths, iface.Name+"="+ip.String())
		}
	}
	sort.Strings(paths)

	h := fnv.New64a()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return Observation{
		Available: len(paths) > 0,
		PathID:    h.Sum64(),
		Paths:     paths,
	}
}

// addrIP accepts both CIDR and bare forms.
func addrIP(s string) net.IP {
	if ip, _, err := net.ParseCIDR(s); err == nil {
		return ip
	}
	return net.ParseIP(s)
}

// tracker turns successive observations into changes.
type tracker struct {
	seen bool
	last Observation
}

func (t *tracker) update(o Observation) (Change, bool) {
	if !t.seen {
		t.seen = true
		t.last = o
		return Change{Available: o.Available, PathID: o.PathID}, true
	}
	prev := t.last
	t.last = o
	if prev.Available == o.Available && prev.PathID == o.PathID {
		return Change{}, false
	}
	return Change{
		Available:   o.Available,
		PathChanged: prev.Available && o.Available && prev.PathID != o.PathID,
		PathID:      o.PathID,
	}, true
}

// watcher holds what every platform monitor shares: re-observe on a trigger
// and forward real changes.
type watcher struct {
	logger  *slog.Logger
	observe func(context.Context) (Observation, error)

	mu       sync.Mutex
	tracker  tracker
	onChange func(Change)
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (w *watcher) init(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	w.logger = logger
	w.observe = Observe
	w.done = make(chan struct{})
}

func (w *watcher) check() {
	o, err := w.observe(context.Background())
	if err != nil {
		w.logger.Warn("interface enumeration failed, treating network as unavailable", "err", err)
		o = Observation{}
	}

	w.mu.Lock()
	c, changed := w.tracker.update(o)
	fn := w.onChange
	w.mu.Unlock()

	if changed && fn != nil {
		w.logger.Debug("reachability changed", "available", c.Available, "path_changed", c.PathChanged, "paths", o.Paths)
		fn(c)
	}
}

func (w *watcher) setCallback(fn func(Change)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

func (w *watcher) stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}
