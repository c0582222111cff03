package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
)

type dohServer struct {
	address string
	sni     string
}

var dohServers = []dohServer{
	{"1.1.1.1:443", "cloudflare-dns.com"},
	{"1.0.0.1:443", "cloudflare-dns.com"},
	{"8.8.8.8:443", "dns.google"},
	{"9.9.9.9:443", "dns.quad9.net"},
	{"[2606:4700:4700::1111]:443", "cloudflare-dns.com"},
	{"[2001:4860:4860::8888]:443", "dns.google"},
}

var plainServers = []string{
	"1.1.1.1:53",
	"8.8.8.8:53",
	"9.9.9.9:53",
	"[2606:4700:4700::1111]:53",
}

// resolver answers A/AAAA queries without the system resolver: DNS over
// HTTPS first, then plain UDP to public recursors.
type resolver struct {
	rootCAs  *x509.CertPool
	insecure bool
	udp      *dns.Client
}

func newResolver(rootCAs *x509.CertPool, insecure bool) *resolver {
	return &resolver{
		rootCAs:  rootCAs,
		insecure: insecure,
		udp:      &dns.Client{Net: "udp", Timeout: 3 * time.Second},
	}
}

func queryTypes(family string) []uint16 {
	switch family {
	case "tcp4":
		return []uint16{dns.TypeA}
	case "tcp6":
		return []uint16{dns.TypeAAAA}
	default:
		return []uint16{dns.TypeA, dns.TypeAAAA}
	}
}

func (r *resolver) lookup(ctx context.Context, host, family string) ([]net.IP, error) {
	var errs []error
	for _, qtype := range queryTypes(family) {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		ips, err := r.exchangeDoH(ctx, msg)
		if err == nil && len(ips) > 0 {
			return ips, nil
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("doh %s: %w", dns.TypeToString[qtype], err))
		}

		ips, err = r.exchangePlain(ctx, msg)
		if err == nil && len(ips) > 0 {
			return ips, nil
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("dns %s: %w", dns.TypeToString[qtype], err))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return nil, errors.Join(errs...)
}

func (r *resolver) exchangeDoH(ctx context.Context, msg *dns.Msg) ([]net.IP, error) {
	packed, err := msg.Pack()
	if err != nil {
		return nil, err
	}

	servers := shuffled(dohServers)
	var lastErr error
	for _, srv := range servers {
		ips, err := r.queryDoH(ctx, srv, packed)
		if err == nil && len(ips) > 0 {
			return ips, nil
		}
		if err != nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = errors.New("empty answer")
	}
	return nil, lastErr
}

func (r *resolver) queryDoH(ctx context.Context, srv dohServer, packed []byte) ([]net.IP, error) {
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	c := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName:         srv.sni,
				RootCAs:            r.rootCAs,
				InsecureSkipVerify: r.insecure,
			},
			// The server is addressed by IP, so this lookup never recurses.
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, srv.address)
			},
			DisableKeepAlives:   true,
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 3 * time.Second,
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+srv.sni+"/dns-query", bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: http status %d", srv.sni, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	answer := new(dns.Msg)
	if err := answer.Unpack(body); err != nil {
		return nil, err
	}
	return answerIPs(answer), nil
}

func (r *resolver) exchangePlain(ctx context.Context, msg *dns.Msg) ([]net.IP, error) {
	var lastErr error
	for _, addr := range shuffled(plainServers) {
		answer, _, err := r.udp.ExchangeContext(ctx, msg, addr)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if answer.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: rcode %s", addr, dns.RcodeToString[answer.Rcode])
			continue
		}
		if ips := answerIPs(answer); len(ips) > 0 {
			return ips, nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("empty answer")
	}
	return nil, lastErr
}

func answerIPs(m *dns.Msg) []net.IP {
	var ips []net.IP
	for _, rr := range m.Answer {
		var ip net.IP
		switch a := rr.(type) {
		case *dns.A:
			ip = a.A
		case *dns.AAAA:
			ip = a.AAAA
		default:
			continue
		}
		if ip.IsUnspecified() || ip.IsLoopback() {
			continue
		}
		ips = append(ips, ip)
	}
	return ips
}

func shuffled[T any](in []T) []T {
	out := make([]T, len(in))
	copy(out, in)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
