package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/idanyas/digitaldash/internal/app"
	"github.com/idanyas/digitaldash/internal/data"
	"github.com/idanyas/digitaldash/internal/output"
)

var errQuit = errors.New("quit")

// ui renders controller snapshots. Rendering is suspended while a speed test
// or the country picker owns the terminal.
type ui struct {
	jsonOutput bool
	hideIP     bool
	snapshots  chan data.Snapshot

	mu     sync.Mutex
	live   bool
	paused bool
	last   data.Snapshot
}

func newUI(jsonOutput, hideIP bool) *ui {
	return &ui{
		jsonOutput: jsonOutput,
		hideIP:     hideIP,
		snapshots:  make(chan data.Snapshot, 1),
	}
}

// publish is the controller's Publish callback.
func (u *ui) publish(s data.Snapshot) {
	// Only the latest snapshot is interesting.
	select {
	case <-u.snapshots:
	default:
	}
	select {
	case u.snapshots <- s:
	default:
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.last = s
	if u.live && !u.paused {
		u.render(s)
	}
}

func (u *ui) render(s data.Snapshot) {
	if u.jsonOutput {
		output.OutputJSON(os.Stdout, s)
		return
	}
	output.PrintLiveStatus(os.Stdout, s, u.hideIP)
}

func (u *ui) setLive(live bool) {
	u.mu.Lock()
	u.live = live
	u.mu.Unlock()
}

func (u *ui) pause() {
	u.mu.Lock()
	u.paused = true
	u.mu.Unlock()
	if !u.jsonOutput {
		fmt.Println()
	}
}

func (u *ui) resume() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paused = false
	u.render(u.last)
}

func (u *ui) warn(format string, args ...any) {
	if u.jsonOutput {
		return
	}
	yellow := color.New(color.FgYellow).FprintfFunc()
	yellow(os.Stderr, "\n"+format+"\n", args...)
}

// watch keeps the controller running and reacts to single-letter commands
// typed on stdin.
func watch(ctx context.Context, ctrl *app.Controller, u *ui) int {
	u.setLive(true)
	if !u.jsonOutput {
		fmt.Fprintln(os.Stderr, "Keys (then Enter): r refresh, s speed test, h home country, q quit")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return u.input(ctx, ctrl) })

	err := g.Wait()
	if !u.jsonOutput {
		fmt.Println()
	}
	if err != nil && !errors.Is(err, errQuit) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (u *ui) input(ctx context.Context, ctrl *app.Controller) error {
	lines := make(chan string)
	next := make(chan struct{})

	// The reader waits for each command to finish before reading again, so
	// the country picker gets stdin to itself.
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- strings.ToLower(strings.TrimSpace(sc.Text())):
			case <-ctx.Done():
				return
			}
			select {
			case <-next:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep watching until signalled.
				lines = nil
				continue
			}
			if err := u.command(ctx, ctrl, line); err != nil {
				return err
			}
			select {
			case next <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (u *ui) command(ctx context.Context, ctrl *app.Controller, cmd string) error {
	switch cmd {
	case "q", "quit":
		return errQuit
	case "r":
		if err := ctrl.ForceRefresh(); err != nil {
			u.warn("Refresh failed: %v", err)
		}
	case "s":
		u.pause()
		defer u.resume()
		updates, err := ctrl.RunSpeedTest(ctx)
		if err != nil {
			u.warn("Speed test: %s", data.StatusText(err))
			return nil
		}
		res := output.ProgressReporter(os.Stdout, updates, u.jsonOutput)
		if res == nil {
			return nil
		}
		if u.jsonOutput {
			output.OutputJSON(os.Stdout, res)
		} else {
			output.PrintSpeedResult(os.Stdout, *res)
		}
	case "h":
		u.pause()
		name, err := output.SelectCountry(ctrl.Snapshot().HomeCountry)
		u.resume()
		if errors.Is(err, output.ErrAborted) {
			return nil
		}
		if err != nil {
			u.warn("Country picker: %v", err)
			return nil
		}
		if err := ctrl.SetHomeCountry(name); err != nil {
			u.warn("Saving home country failed: %v", err)
		}
	case "":
		u.mu.Lock()
		u.render(u.last)
		u.mu.Unlock()
	default:
		u.warn("Unknown command %q", cmd)
	}
	return nil
}
