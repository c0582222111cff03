package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	DefaultIPURL       = "https://api.ipify.org?format=json"
	DefaultGeoURL      = "https://ipapi.co/%s/json/"
	DefaultDownloadURL = "https://speed.cloudflare.com/__down?bytes=50000000"
	DefaultUploadURL   = "https://speed.cloudflare.com/__up"
)

type Config struct {
	IPURL       string
	GeoURL      string // %s is replaced by the IP
	DownloadURL string
	UploadURL   string
	GeoIPDB     string // optional GeoLite2-Country.mmdb, replaces GeoURL
	PrefsPath   string

	PollInterval      time.Duration
	SettleDelay       time.Duration
	InitialRetryDelay time.Duration
	RequestTimeout    time.Duration
	ResourceTimeout   time.Duration

	DownloadSamples int
	UploadSamples   int
	UploadBytes     int
	LatencyAttempts int

	IPv4      bool
	IPv6      bool
	Interface string
	Insecure  bool

	LogLevel string
}

func Default() Config {
	return Config{
		IPURL:             DefaultIPURL,
		GeoURL:            DefaultGeoURL,
		DownloadURL:       DefaultDownloadURL,
		UploadURL:         DefaultUploadURL,
		PollInterval:      10 * time.Second,
		SettleDelay:       2 * time.Second,
		InitialRetryDelay: time.Second,
		RequestTimeout:    15 * time.Second,
		ResourceTimeout:   120 * time.Second,
		DownloadSamples:   3,
		UploadSamples:     3,
		UploadBytes:       5 * 1024 * 1024,
		LatencyAttempts:   5,
		LogLevel:          "warn",
	}
}

// BindFlags registers every field on fs, using c's current values as defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.IPURL, "ip-url", c.IPURL, "IP echo endpoint returning {\"ip\": ...}.")
	fs.StringVar(&c.GeoURL, "geo-url", c.GeoURL, "Geolocation endpoint; %s is replaced by the IP.")
	fs.StringVar(&c.DownloadURL, "download-url", c.DownloadURL, "Speed test download payload URL.")
	fs.StringVar(&c.UploadURL, "upload-url", c.UploadURL, "Speed test upload URL.")
	fs.StringVar(&c.GeoIPDB, "geoip-db", c.GeoIPDB, "Path to a GeoLite2-Country.mmdb for offline country lookup.")
	fs.StringVar(&c.PrefsPath, "prefs", c.PrefsPath, "Preferences file (default: user config dir).")

	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Interval between silent IP change checks.")
	fs.DurationVar(&c.SettleDelay, "settle-delay", c.SettleDelay, "Wait after a network change before resolving.")
	fs.DurationVar(&c.InitialRetryDelay, "retry-delay", c.InitialRetryDelay, "Initial retry delay, doubled per attempt.")
	fs.DurationVar(&c.RequestTimeout, "timeout", c.RequestTimeout, "Timeout for each IP or country lookup.")
	fs.DurationVar(&c.ResourceTimeout, "sample-timeout", c.ResourceTimeout, "Timeout for each speed test sample.")

	fs.IntVar(&c.DownloadSamples, "download-samples", c.DownloadSamples, "Timed download samples per speed test.")
	fs.IntVar(&c.UploadSamples, "upload-samples", c.UploadSamples, "Timed upload samples per speed test.")
	fs.IntVar(&c.UploadBytes, "upload-bytes", c.UploadBytes, "Size of the synthetic upload payload.")
	fs.IntVarP(&c.LatencyAttempts, "latency-attempts", "l", c.LatencyAttempts, "Number of latency attempts.")

	fs.BoolVarP(&c.IPv4, "ipv4", "4", c.IPv4, "Use IPv4 only connection.")
	fs.BoolVarP(&c.IPv6, "ipv6", "6", c.IPv6, "Use IPv6 only connection.")
	fs.StringVarP(&c.Interface, "interface", "I", c.Interface, "Network interface or source IP address to use.")
	fs.BoolVar(&c.Insecure, "insecure", c.Insecure, "Skip TLS certificate verification (UNSAFE).")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug|info|warn|error.")
}

func (c Config) Validate() error {
	var errs []error
	if c.IPv4 && c.IPv6 {
		errs = append(errs, errors.New("--ipv4 (-4) and --ipv6 (-6) cannot be used together"))
	}
	for name, u := range map[string]string{
		"ip-url":       c.IPURL,
		"download-url": c.DownloadURL,
		"upload-url":   c.UploadURL,
	} {
		if err := checkURL(u); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", name, err))
		}
	}
	if c.GeoIPDB == "" {
		if !strings.Contains(c.GeoURL, "%s") {
			errs = append(errs, errors.New("--geo-url must contain %s for the IP"))
		} else if err := checkURL(fmt.Sprintf(c.GeoURL, "192.0.2.1")); err != nil {
			errs = append(errs, fmt.Errorf("--geo-url: %w", err))
		}
	}
	for name, d := range map[string]time.Duration{
		"poll-interval":  c.PollInterval,
		"retry-delay":    c.InitialRetryDelay,
		"timeout":        c.RequestTimeout,
		"sample-timeout": c.ResourceTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("--%s must be positive", name))
		}
	}
	if c.SettleDelay < 0 {
		errs = append(errs, errors.New("--settle-delay must not be negative"))
	}
	if c.DownloadSamples <= 0 || c.UploadSamples <= 0 {
		errs = append(errs, errors.New("sample counts must be positive"))
	}
	if c.UploadBytes <= 0 {
		errs = append(errs, errors.New("--upload-bytes must be positive"))
	}
	if c.LatencyAttempts < 0 {
		errs = append(errs, errors.New("--latency-attempts must not be negative"))
	}
	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
