package location

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/idanyas/digitaldash/internal/data"
)

type Options struct {
	Client  *http.Client
	IPURL   string
	GeoURL  string // %s is replaced by the IP
	GeoIPDB string // optional GeoLite2 country database used instead of GeoURL
	Timeout time.Duration
	// Available gates every lookup; false fails fast with ErrNetworkUnavailable.
	Available func() bool
	Logger    *slog.Logger
}

// Resolver looks up the public IP and its country.
type Resolver struct {
	client    *http.Client
	ipURL     string
	geoURL    string
	timeout   time.Duration
	available func() bool
	geoDB     *geoip2.Reader
	logger    *slog.Logger

	mu        sync.Mutex
	lastKnown string
}

func New(opts Options) (*Resolver, error) {
	r := &Resolver{
		client:    opts.Client,
		ipURL:     opts.IPURL,
		geoURL:    opts.GeoURL,
		timeout:   opts.Timeout,
		available: opts.Available,
		logger:    opts.Logger,
	}
	if r.client == nil {
		r.client = http.DefaultClient
	}
	if r.available == nil {
		r.available = func() bool { return true }
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if opts.GeoIPDB != "" {
		db, err := geoip2.Open(opts.GeoIPDB)
		if err != nil {
			return nil, fmt.Errorf("open geoip database: %w", err)
		}
		r.geoDB = db
	}
	return r, nil
}

func (r *Resolver) Close() error {
	if r.geoDB != nil {
		return r.geoDB.Close()
	}
	return nil
}

// ResolveIP fetches the public IP and records it as last known. A request
// whose context ended after the response arrived records nothing.
func (r *Resolver) ResolveIP(ctx context.Context) (string, error) {
	ip, err := r.FetchIP(ctx)
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

// FetchIP fetches the public IP without touching the last known address.
func (r *Resolver) FetchIP(ctx context.Context) (string, error) {
	body, err := r.get(ctx, r.ipURL)
	if err != nil {
		return "", err
	}
	ip := parseIP(body)
	if ip == "" {
		return "", fmt.Errorf("unable to parse IP: %w", data.ErrInvalidResponse)
	}
	return ip, nil
}

type geoResponse struct {
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name"`
	Error       bool   `json:"error"`
	Reason      string `json:"reason"`
}

// ResolveCountry geolocates ip.
func (r *Resolver) ResolveCountry(ctx context.Context, ip string) (data.Country, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return data.Country{}, fmt.Errorf("unable to parse IP %q: %w", ip, data.ErrInvalidResponse)
	}
	if !r.available() {
		return data.Country{}, data.ErrNetworkUnavailable
	}
	if r.geoDB != nil {
		return r.lookupDB(parsed)
	}

	body, err := r.get(ctx, fmt.Sprintf(r.geoURL, ip))
	if err != nil {
		return data.Country{}, err
	}
	var resp geoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return data.Country{}, fmt.Errorf("unable to parse country info: %w", data.ErrInvalidResponse)
	}
	if resp.Error {
		return data.Country{}, fmt.Errorf("geolocation refused (%s): %w", resp.Reason, data.ErrInvalidResponse)
	}
	if resp.CountryCode == "" || resp.CountryName == "" {
		return data.Country{}, fmt.Errorf("unable to parse country info: %w", data.ErrInvalidResponse)
	}
	return data.Country{Code: strings.ToUpper(resp.CountryCode), Name: resp.CountryName}, nil
}

func (r *Resolver) lookupDB(ip net.IP) (data.Country, error) {
	rec, err := r.geoDB.Country(ip)
	if err != nil {
		return data.Country{}, &data.TransportError{Op: "geoip lookup", Err: err}
	}
	name := rec.Country.Names["en"]
	if rec.Country.IsoCode == "" || name == "" {
		return data.Country{}, fmt.Errorf("no country for %s in database: %w", ip, data.ErrInvalidResponse)
	}
	return data.Country{Code: rec.Country.IsoCode, Name: name}, nil
}

func (r *Resolver) LastKnown() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastKnown
}

// Forget clears the last known address so the next comparison always differs.
func (r *Resolver) Forget() {
	r.mu.Lock()
	r.lastKnown = ""
	r.mu.Unlock()
}

func (r *Resolver) get(ctx context.Context, url string) ([]byte, error) {
	if !r.available() {
		return nil, data.ErrNetworkUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, data.ErrCancelled
	}

	reqCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	op := "GET " + url
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &data.TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, data.ErrCancelled
		}
		return nil, &data.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, data.ErrCancelled
		}
		return nil, &data.TransportError{Op: op, Err: err}
	}
	r.logger.Debug("lookup done", "url", url, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &data.TransportError{Op: op, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}
	return body, nil
}

// parseIP accepts {"ip": "..."} JSON, a key=value trace body with an ip=
// line, or a bare address. It returns "" when no valid address is found.
func parseIP(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	if body[0] == '{' {
		var parsed struct {
			IP string `json:"ip"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return ""
		}
		return validIP(parsed.IP)
	}

	if ip, ok := ParseTrace(string(body))["ip"]; ok {
		return validIP(ip)
	}
	return validIP(string(body))
}

// ParseTrace splits a key=value per line body such as Cloudflare's
// /cdn-cgi/trace.
func ParseTrace(body string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		if parts := strings.SplitN(strings.TrimSpace(line), "=", 2); len(parts) == 2 {
			info[parts[0]] = parts[1]
		}
	}
	return info
}

func validIP(s string) string {
	s = strings.TrimSpace(s)
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return ""
}
