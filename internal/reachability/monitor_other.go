//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package reachability

import (
	"log/slog"
	"time"
)

// pollMonitor is the fallback where no change notification API is wired up.
type pollMonitor struct {
	watcher
	interval time.Duration
}

func New(logger *slog.Logger) Monitor {
	m := &pollMonitor{interval: 5 * time.Second}
	m.init(logger)
	return m
}

func (m *pollMonitor) Start(onChange func(Change)) error {
	m.setCallback(onChange)
	m.logger.Debug("polling reachability monitor started", "interval", m.interval)

	m.check()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()
	return nil
}

func (m *pollMonitor) Stop() {
	m.stop()
}
