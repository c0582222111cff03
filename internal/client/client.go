package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gwatts/rootcerts"
)

// Options selects how requests leave the machine.
type Options struct {
	IPv4Only  bool
	IPv6Only  bool
	Interface string // interface name or source IP
	Insecure  bool
	Timeout   time.Duration // whole-request bound; 0 leaves it to the caller's context
	UserAgent string
	Logger    *slog.Logger
}

// userAgentTransport stamps every request with our identity and disables caches.
type userAgentTransport struct {
	base      *http.Transport
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if clone.Header.Get("User-Agent") == "" && t.userAgent != "" {
		clone.Header.Set("User-Agent", t.userAgent)
	}
	clone.Header.Set("Cache-Control", "no-cache")
	if clone.Header.Get("Accept") == "" {
		clone.Header.Set("Accept", "*/*")
	}
	return t.base.RoundTrip(clone)
}

// Transport unwraps the *http.Transport behind a client built by NewHTTPClient.
func Transport(c *http.Client) (*http.Transport, bool) {
	switch t := c.Transport.(type) {
	case *http.Transport:
		return t, true
	case *userAgentTransport:
		return t.base, true
	default:
		return nil, false
	}
}

// NewHTTPClient builds a client bound to the requested address family and
// source, verifying TLS against the embedded root set. Host names that the
// system resolver cannot answer are retried over DoH and plain DNS.
func NewHTTPClient(opts Options) (*http.Client, error) {
	if opts.IPv4Only && opts.IPv6Only {
		return nil, errors.New("IPv4-only and IPv6-only are mutually exclusive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	local, err := localAddr(opts.Interface, opts.IPv4Only, opts.IPv6Only)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.Insecure,
	}
	if !opts.Insecure {
		tlsConfig.RootCAs = rootcerts.ServerCertPool()
		if tlsConfig.RootCAs == nil {
			return nil, errors.New("unable to obtain a root CA pool")
		}
	}

	d := &dialer{
		net: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			LocalAddr: local,
		},
		family:   familyFor(opts.IPv4Only, opts.IPv6Only, local),
		resolver: newResolver(tlsConfig.RootCAs, opts.Insecure),
		logger:   logger,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       tlsConfig,
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = "digitaldash"
	}
	return &http.Client{
		Transport: &userAgentTransport{base: transport, userAgent: ua},
		Timeout:   opts.Timeout,
	}, nil
}

// familyFor returns "tcp4", "tcp6" or "tcp". A bound source address decides
// the family on its own.
func familyFor(ipv4Only, ipv6Only bool, local net.Addr) string {
	if tcp, ok := local.(*net.TCPAddr); ok && tcp.IP != nil {
		if tcp.IP.To4() != nil {
			return "tcp4"
		}
		return "tcp6"
	}
	switch {
	case ipv4Only:
		return "tcp4"
	case ipv6Only:
		return "tcp6"
	default:
		return "tcp"
	}
}

func localAddr(interfaceOrIP string, ipv4Only, ipv6Only bool) (net.Addr, error) {
	if interfaceOrIP == "" {
		return nil, nil
	}

	if ip := net.ParseIP(interfaceOrIP); ip != nil {
		isV4 := ip.To4() != nil
		if ipv4Only && !isV4 {
			return nil, fmt.Errorf("source IP %s is not IPv4, but IPv4-only was requested", interfaceOrIP)
		}
		if ipv6Only && isV4 {
			return nil, fmt.Errorf("source IP %s is not IPv6, but IPv6-only was requested", interfaceOrIP)
		}
		return &net.TCPAddr{IP: ip}, nil
	}

	iface, err := net.InterfaceByName(interfaceOrIP)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface %q: %w", interfaceOrIP, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("failed to get addresses for interface %q: %w", interfaceOrIP, err)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok {
			ips = append(ips, n.IP)
		}
	}
	ip := pickSourceIP(ips, ipv4Only, ipv6Only)
	if ip == nil {
		family := "any"
		if ipv4Only {
			family = "IPv4"
		} else if ipv6Only {
			family = "IPv6"
		}
		return nil, fmt.Errorf("no suitable %s IP address found for interface %q", family, interfaceOrIP)
	}
	return &net.TCPAddr{IP: ip}, nil
}

// pickSourceIP prefers a global IPv6 address, then IPv4, then link-local IPv6,
// honouring the family restriction.
func pickSourceIP(ips []net.IP, ipv4Only, ipv6Only bool) net.IP {
	var v4, v6, v6LinkLocal net.IP
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		switch {
		case ip.To4() != nil:
			if v4 == nil {
				v4 = ip
			}
		case ip.IsLinkLocalUnicast():
			if v6LinkLocal == nil {
				v6LinkLocal = ip
			}
		default:
			if v6 == nil {
				v6 = ip
			}
		}
	}
	if v6 == nil {
		v6 = v6LinkLocal
	}
	switch {
	case ipv4Only:
		return v4
	case ipv6Only:
		return v6
	case v6 != nil && !v6.IsLinkLocalUnicast():
		return v6
	case v4 != nil:
		return v4
	default:
		return v6
	}
}

type dialer struct {
	net      *net.Dialer
	family   string
	resolver *resolver
	logger   *slog.Logger
}

func (d *dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address format: %w", err)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !d.allows(ip) {
			return nil, fmt.Errorf("address %s does not match required network %s", host, d.family)
		}
		return d.net.DialContext(ctx, d.family, addr)
	}

	conn, sysErr := d.net.DialContext(ctx, d.family, addr)
	if sysErr == nil {
		return conn, nil
	}
	if ctx.Err() != nil {
		return nil, sysErr
	}
	var dnsErr *net.DNSError
	if !errors.As(sysErr, &dnsErr) {
		return nil, sysErr
	}

	// The system resolver can lag behind a path change (VPN up/down), so ask
	// public resolvers directly before giving up.
	d.logger.Debug("system resolver failed, trying fallback", "host", host, "err", sysErr)
	ips, err := d.resolver.lookup(ctx, host, d.family)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %s: %w", host, errors.Join(sysErr, err))
	}

	var firstErr error
	for _, ip := range ips {
		if !d.allows(ip) {
			continue
		}
		// One blackholed address must not stall the rest.
		dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		conn, err := d.net.DialContext(dialCtx, d.family, net.JoinHostPort(ip.String(), port))
		cancel()
		if err == nil {
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = errors.New("no usable address")
	}
	return nil, fmt.Errorf("connection failed to all resolved IPs for %s: %w", addr, firstErr)
}

func (d *dialer) allows(ip net.IP) bool {
	switch d.family {
	case "tcp4":
		return ip.To4() != nil
	case "tcp6":
		return ip.To4() == nil
	default:
		return true
	}
}
