//go:build linux

package reachability

import (
	"fmt"
	"log/slog"

	"github.com/vishvananda/netlink"
)

// netlinkMonitor re-observes on every link, address or route update pushed
// by the kernel.
type netlinkMonitor struct {
	watcher
}

func New(logger *slog.Logger) Monitor {
	m := &netlinkMonitor{}
	m.init(logger)
	return m
}

func (m *netlinkMonitor) Start(onChange func(Change)) error {
	m.setCallback(onChange)

	addrCh := make(chan netlink.AddrUpdate, 16)
	linkCh := make(chan netlink.LinkUpdate, 16)
	routeCh := make(chan netlink.RouteUpdate, 16)

	if err := netlink.AddrSubscribe(addrCh, m.done); err != nil {
		return fmt.Errorf("subscribe to address updates: %w", err)
	}
	if err := netlink.LinkSubscribe(linkCh, m.done); err != nil {
		return fmt.Errorf("subscribe to link updates: %w", err)
	}
	if err := netlink.RouteSubscribe(routeCh, m.done); err != nil {
		return fmt.Errorf("subscribe to route updates: %w", err)
	}
	m.logger.Debug("netlink reachability monitor started")

	m.check()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.done:
				return
			case _, ok := <-addrCh:
				if !ok {
					return
				}
			case _, ok := <-linkCh:
				if !ok {
					return
				}
			case _, ok := <-routeCh:
				if !ok {
					return
				}
			}
			// Updates arrive in bursts; one observation covers them all.
			drain(addrCh)
			drain(linkCh)
			drain(routeCh)
			m.check()
		}
	}()
	return nil
}

func (m *netlinkMonitor) Stop() {
	m.stop()
}

func drain[T any](ch <-chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
