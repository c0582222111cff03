//go:build darwin || freebsd || netbsd || openbsd

package reachability

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/net/route"
	"golang.org/x/sys/unix"
)

// routeMonitor listens on a PF_ROUTE socket; the kernel writes a message for
// every interface, address and route change.
type routeMonitor struct {
	watcher
	sock *os.File
}

func New(logger *slog.Logger) Monitor {
	m := &routeMonitor{}
	m.init(logger)
	return m
}

func (m *routeMonitor) Start(onChange func(Change)) error {
	m.setCallback(onChange)

	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return fmt.Errorf("open routing socket: %w", err)
	}
	// Non-blocking so that closing the file unblocks the reader.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("configure routing socket: %w", err)
	}
	m.sock = os.NewFile(uintptr(fd), "route")
	m.logger.Debug("routing socket reachability monitor started")

	m.check()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		buf := make([]byte, 8192)
		for {
			n, err := m.sock.Read(buf)
			if err != nil {
				select {
				case <-m.done:
				default:
					m.logger.Warn("routing socket read failed", "err", err)
				}
				return
			}
			msgs, err := route.ParseRIB(route.RIBTypeRoute, buf[:n])
			if err != nil || !relevant(msgs) {
				continue
			}
			m.check()
		}
	}()
	return nil
}

func relevant(msgs []route.Message) bool {
	for _, msg := range msgs {
		switch msg.(type) {
		case *route.RouteMessage, *route.InterfaceMessage, *route.InterfaceAddrMessage:
			return true
		}
	}
	return false
}

func (m *routeMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		if m.sock != nil {
			m.sock.Close()
		}
	})
	m.wg.Wait()
}
