package speedtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/idanyas/digitaldash/internal/client"
	"github.com/idanyas/digitaldash/internal/data"
)

type Options struct {
	Client          *http.Client
	DownloadURL     string
	UploadURL       string
	DownloadSamples int
	UploadSamples   int
	UploadBytes     int
	LatencyAttempts int
	SampleTimeout   time.Duration
	Available       func() bool
	Logger          *slog.Logger
}

// Runner measures throughput with a fixed number of timed samples per
// direction. Only one run may be active at a time.
type Runner struct {
	opts    Options
	logger  *slog.Logger
	running atomic.Bool
	payload []byte
}

func New(opts Options) *Runner {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Available == nil {
		opts.Available = func() bool { return true }
	}
	if opts.DownloadSamples <= 0 {
		opts.DownloadSamples = 3
	}
	if opts.UploadSamples <= 0 {
		opts.UploadSamples = 3
	}
	if opts.UploadBytes <= 0 {
		opts.UploadBytes = 5 * 1024 * 1024
	}
	if opts.SampleTimeout <= 0 {
		opts.SampleTimeout = 120 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Zero-filled; the transport does not compress request bodies.
	payload := make([]byte, opts.UploadBytes)

	return &Runner{opts: opts, logger: logger, payload: payload}
}

func (r *Runner) Running() bool { return r.running.Load() }

// Run starts a speed test. Progress updates arrive on the returned channel,
// the last one carrying the final result, after which it is closed.
func (r *Runner) Run(ctx context.Context) (<-chan data.Progress, error) {
	if !r.opts.Available() {
		return nil, data.ErrNetworkUnavailable
	}
	if !r.running.CompareAndSwap(false, true) {
		return nil, data.ErrAlreadyRunning
	}

	steps := 1 + (1 + r.opts.DownloadSamples) + r.opts.UploadSamples
	// Room for every update so the run never blocks on a slow reader.
	ch := make(chan data.Progress, steps+4)
	go func() {
		defer close(ch)
		result := r.run(ctx, ch, steps)
		r.running.Store(false)
		ch <- data.Progress{Phase: data.PhaseDone, Percent: 100, Result: &result}
	}()
	return ch, nil
}

func (r *Runner) run(ctx context.Context, ch chan<- data.Progress, steps int) data.SpeedTestResult {
	done := 0
	emit := func(p data.Progress) {
		done++
		p.Percent = float64(done) * 100 / float64(steps)
		ch <- p
	}

	var result data.SpeedTestResult

	if latency, ok := r.measureLatency(ctx); ok {
		result.LatencyMs = &latency
		emit(data.Progress{Phase: data.PhaseLatency})
	} else {
		emit(data.Progress{Phase: data.PhaseLatency, Err: "latency probe failed"})
	}

	// Warm-up: opens the connection and primes TCP; never counted.
	if _, err := r.downloadSample(ctx); err != nil {
		r.logger.Warn("download warm-up failed", "err", err)
	}
	emit(data.Progress{Phase: data.PhaseDownload})

	var down []float64
	for i := 1; i <= r.opts.DownloadSamples; i++ {
		mbps, err := r.downloadSample(ctx)
		if err != nil {
			r.logger.Warn("download sample failed", "sample", i, "err", err)
			emit(data.Progress{Phase: data.PhaseDownload, Sample: i, Err: err.Error()})
			continue
		}
		down = append(down, mbps)
		emit(data.Progress{Phase: data.PhaseDownload, Sample: i, Mbps: mbps})
	}
	downMbps := Aggregate(down)
	result.DownloadMbps = &downMbps

	var up []float64
	for i := 1; i <= r.opts.UploadSamples; i++ {
		mbps, err := r.uploadSample(ctx)
		if err != nil {
			r.logger.Warn("upload sample failed", "sample", i, "err", err)
			emit(data.Progress{Phase: data.PhaseUpload, Sample: i, Err: err.Error()})
			continue
		}
		up = append(up, mbps)
		emit(data.Progress{Phase: data.PhaseUpload, Sample: i, Mbps: mbps})
	}
	upMbps := Aggregate(up)
	result.UploadMbps = &upMbps

	result.Status = FinalStatus(downMbps, upMbps)
	r.logger.Info("speed test finished", "download_mbps", downMbps, "upload_mbps", upMbps,
		"download_samples", len(down), "upload_samples", len(up), "status", result.Status)
	return result
}

// Aggregate is the arithmetic mean of the successful samples, 0 if there are none.
func Aggregate(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// FinalStatus fails the run only when neither direction produced a sample.
func FinalStatus(downMbps, upMbps float64) data.SpeedStatus {
	if downMbps == 0 && upMbps == 0 {
		return data.SpeedFailed
	}
	return data.SpeedDone
}

// Mbps converts a byte count over a duration to megabits per second.
func Mbps(bytes int64, elapsed time.Duration) float64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(bytes) * 8 / 1_000_000 / seconds
}

func (r *Runner) downloadSample(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.SampleTimeout)
	defer cancel()

	op := "GET " + r.opts.DownloadURL
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.opts.DownloadURL, nil)
	if err != nil {
		return 0, &data.TransportError{Op: op, Err: err}
	}

	start := time.Now()
	resp, err := r.opts.Client.Do(req)
	if err != nil {
		return 0, &data.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &data.TransportError{Op: op, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, &data.TransportError{Op: op, Err: err}
	}
	if n == 0 {
		return 0, fmt.Errorf("empty download body: %w", data.ErrInvalidResponse)
	}
	return Mbps(n, time.Since(start)), nil
}

func (r *Runner) uploadSample(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.SampleTimeout)
	defer cancel()

	op := "POST " + r.opts.UploadURL
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.UploadURL, bytes.NewReader(r.payload))
	if err != nil {
		return 0, &data.TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := r.opts.Client.Do(req)
	if err != nil {
		return 0, &data.TransportError{Op: op, Err: err}
	}
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)); err != nil {
		r.logger.Debug("upload response drain failed", "err", err)
	}
	resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &data.TransportError{Op: op, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}
	return Mbps(int64(len(r.payload)), elapsed), nil
}

// measureLatency averages TCP connect times to the download host.
func (r *Runner) measureLatency(ctx context.Context) (float64, bool) {
	if r.opts.LatencyAttempts <= 0 {
		return 0, false
	}
	addr, err := hostPort(r.opts.DownloadURL)
	if err != nil {
		return 0, false
	}

	dial := (&net.Dialer{Timeout: 5 * time.Second}).DialContext
	if t, ok := client.Transport(r.opts.Client); ok && t.DialContext != nil {
		dial = t.DialContext
	}

	var total time.Duration
	ok := 0
	for i := 0; i < r.opts.LatencyAttempts; i++ {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := time.Now()
		conn, err := dial(dialCtx, "tcp", addr)
		elapsed := time.Since(start)
		cancel()
		if err != nil {
			r.logger.Debug("latency probe failed", "addr", addr, "err", err)
			continue
		}
		conn.Close()
		total += elapsed
		ok++
	}
	if ok == 0 {
		return 0, false
	}
	return float64(total.Microseconds()) / 1000 / float64(ok), true
}

func hostPort(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
