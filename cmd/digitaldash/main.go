package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/idanyas/digitaldash/internal/app"
	"github.com/idanyas/digitaldash/internal/client"
	"github.com/idanyas/digitaldash/internal/config"
	"github.com/idanyas/digitaldash/internal/country"
	"github.com/idanyas/digitaldash/internal/data"
	"github.com/idanyas/digitaldash/internal/location"
	"github.com/idanyas/digitaldash/internal/logging"
	"github.com/idanyas/digitaldash/internal/output"
	"github.com/idanyas/digitaldash/internal/prefs"
	"github.com/idanyas/digitaldash/internal/reachability"
	"github.com/idanyas/digitaldash/internal/speedtest"
)

var (
	version     = "DEV"
	jsonOutput  = pflag.BoolP("json", "j", false, "Output results in JSON format.")
	once        = pflag.Bool("once", false, "Resolve the public IP once, print it and exit.")
	runSpeed    = pflag.BoolP("speedtest", "s", false, "Run a speed test and exit.")
	setHome     = pflag.String("set-home", "", "Set the home country and exit.")
	pickHome    = pflag.Bool("pick-home", false, "Choose the home country from a list and exit.")
	hideIP      = pflag.Bool("hide-ip", false, "Hide the IP address in output.")
	showVersion = pflag.BoolP("version", "v", false, "Print the version and exit.")
)

func main() {
	cfg := config.Default()
	cfg.BindFlags(pflag.CommandLine)

	pflag.Usage = func() {
		out := os.Stderr
		fmt.Fprintf(out, "Usage: %s [options...]\n\n", os.Args[0])
		fmt.Fprintln(out, "Watch your public IP and country, compare it with your home country")
		fmt.Fprintln(out, "and measure throughput on demand.")
		fmt.Fprintln(out, "\nOptions:")
		pflag.PrintDefaults()
		fmt.Fprintf(out, "\nVersion: %s\n", version)
	}
	pflag.CommandLine.Init(os.Args[0], pflag.ContinueOnError)
	if err := pflag.CommandLine.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "\nError parsing flags: %v\n", err)
		os.Exit(2)
	}
	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logging.Setup(cfg.LogLevel)
	os.Exit(run(cfg))
}

func run(cfg config.Config) int {
	logger := slog.Default()

	prefsPath := cfg.PrefsPath
	if prefsPath == "" {
		p, err := prefs.DefaultPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error locating preferences: %v\n", err)
			return 1
		}
		prefsPath = p
	}
	store, err := prefs.Open(prefsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening preferences: %v\n", err)
		return 1
	}

	switch {
	case *setHome != "":
		return saveHome(store, *setHome)
	case *pickHome:
		name, err := output.SelectCountry(country.LoadHome(store))
		if errors.Is(err, output.ErrAborted) {
			return 0
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return saveHome(store, name)
	}

	output.PrintHeader(os.Stdout, *jsonOutput, version)

	if cfg.Insecure && !*jsonOutput {
		yellow := color.New(color.FgYellow).FprintfFunc()
		yellow(os.Stderr, "Warning: Skipping TLS certificate verification (--insecure). This is potentially unsafe!\n")
	}

	httpClient, err := client.NewHTTPClient(client.Options{
		IPv4Only:  cfg.IPv4,
		IPv6Only:  cfg.IPv6,
		Interface: cfg.Interface,
		Insecure:  cfg.Insecure,
		UserAgent: "digitaldash/" + version,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating HTTP client: %v\n", err)
		handleClientError(err, cfg.Interface)
		return 1
	}

	// Written only by the controller, or once up front in speed test mode.
	online := new(atomic.Bool)

	resolver, err := location.New(location.Options{
		Client:    httpClient,
		IPURL:     cfg.IPURL,
		GeoURL:    cfg.GeoURL,
		GeoIPDB:   cfg.GeoIPDB,
		Timeout:   cfg.RequestTimeout,
		Available: online.Load,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer resolver.Close()

	runner := speedtest.New(speedtest.Options{
		Client:          httpClient,
		DownloadURL:     cfg.DownloadURL,
		UploadURL:       cfg.UploadURL,
		DownloadSamples: cfg.DownloadSamples,
		UploadSamples:   cfg.UploadSamples,
		UploadBytes:     cfg.UploadBytes,
		LatencyAttempts: cfg.LatencyAttempts,
		SampleTimeout:   cfg.ResourceTimeout,
		Available:       online.Load,
		Logger:          logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *runSpeed {
		return speedTestOnce(ctx, runner, online)
	}

	u := newUI(*jsonOutput, *hideIP)
	ctrl := app.New(app.Options{
		Monitor:           reachability.New(logger),
		Resolver:          resolver,
		SpeedTest:         runner,
		Store:             store,
		Online:            online,
		PollInterval:      cfg.PollInterval,
		SettleDelay:       cfg.SettleDelay,
		InitialRetryDelay: cfg.InitialRetryDelay,
		Publish:           u.publish,
		Logger:            logger,
	})

	if *once {
		return resolveOnce(ctx, ctrl, u, cfg)
	}
	return watch(ctx, ctrl, u)
}

func saveHome(store *prefs.Store, name string) int {
	if err := country.SaveHome(store, name); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving home country: %v\n", err)
		return 1
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Home country: %s (saved to %s)\n", green("✓"), country.LoadHome(store), store.Path())
	return 0
}

func speedTestOnce(ctx context.Context, runner *speedtest.Runner, online *atomic.Bool) int {
	obs, err := reachability.Observe(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error inspecting network interfaces: %v\n", err)
		return 1
	}
	online.Store(obs.Available)

	updates, err := runner.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", data.StatusText(err))
		return 1
	}
	res := output.ProgressReporter(os.Stdout, updates, *jsonOutput)
	if res == nil {
		fmt.Fprintln(os.Stderr, "Error: speed test ended without a result")
		return 1
	}
	if *jsonOutput {
		output.OutputJSON(os.Stdout, res)
	} else {
		output.PrintSpeedResult(os.Stdout, *res)
	}
	if res.Status == data.SpeedFailed {
		return 1
	}
	return 0
}

// resolveOnce runs the controller until the first resolution settles either way.
func resolveOnce(ctx context.Context, ctrl *app.Controller, u *ui, cfg config.Config) int {
	timeout := cfg.SettleDelay + 2*cfg.RequestTimeout + 5*time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })

	var snap data.Snapshot
	settled := false
	for !settled {
		select {
		case <-ctx.Done():
			snap = ctrl.Snapshot()
			settled = true
		case snap = <-u.snapshots:
			settled = snap.State == app.Available.String() ||
				(snap.State == app.RetryPending.String() && snap.Status != "")
		}
	}
	cancel()
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		output.OutputJSON(os.Stdout, snap)
	} else {
		output.PrintSnapshot(os.Stdout, snap, *hideIP)
	}
	if snap.State != app.Available.String() {
		return 1
	}
	return 0
}

func handleClientError(err error, iface string) {
	var dnsErr *net.DNSError
	switch {
	case strings.Contains(err.Error(), "failed to find interface"):
		fmt.Fprintln(os.Stderr, "Hint: Ensure the specified interface name exists and is correct.")
	case strings.Contains(err.Error(), "IP address found"):
		fmt.Fprintf(os.Stderr, "Hint: Check if interface %q has an IP address matching the requested family (IPv4/IPv6).\n", iface)
	case errors.As(err, &dnsErr) || strings.Contains(err.Error(), "DNS resolution failed"):
		fmt.Fprintln(os.Stderr, "Hint: Check network connectivity and DNS settings. Try forcing IPv4 (-4) or IPv6 (-6).")
	case strings.Contains(err.Error(), "connection failed") || strings.Contains(err.Error(), "dial tcp"):
		fmt.Fprintln(os.Stderr, "Hint: Check network connectivity, firewall rules, or try specifying a source IP/interface with -I.")
	}
}
