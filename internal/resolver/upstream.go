package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Upstream is one resolution service queried in priority order.
type Upstream interface {
	Name() string
	Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error)
}

// wellKnown maps the public resolver addresses operators usually configure to
// their DNS-over-HTTPS JSON endpoints.
var wellKnown = map[string]string{
	"1.1.1.1": "https://cloudflare-dns.com/dns-query",
	"1.0.0.1": "https://cloudflare-dns.com/dns-query",
	"8.8.8.8": "https://dns.google/resolve",
	"8.8.4.4": "https://dns.google/resolve",
	"9.9.9.9": "https://dns.quad9.net:5053/dns-query",
}

const (
	jsonScheme      = "json+"
	plainDNSPort    = "53"
	userAgent       = "dnswarden/1.0"
	idleConnTimeout = time.Minute
)

// ParseUpstream turns one DNS_RESOLVERS entry into an Upstream:
//
//	https://host/path       DNS-over-HTTPS, wire format
//	json+https://host/path  DNS-over-HTTPS, JSON API
//	udp://ip:port, tcp://ip:port, ip, ip:port  plain DNS
//
// The public resolvers 1.1.1.1, 8.8.8.8 and 9.9.9.9 use their JSON endpoints.
func ParseUpstream(raw string, client *http.Client) (Upstream, error) {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return nil, errors.New("resolver: empty upstream")
	}

	if endpoint, ok := wellKnown[addr]; ok {
		return NewJSONUpstream(addr, endpoint, client), nil
	}

	switch {
	case strings.HasPrefix(addr, jsonScheme+"https://"):
		return NewJSONUpstream(addr, strings.TrimPrefix(addr, jsonScheme), client), nil
	case strings.HasPrefix(addr, "https://"):
		return NewHTTPSUpstream(addr, addr, client), nil
	case strings.HasPrefix(addr, "udp://"):
		return newPlainFromHost(strings.TrimPrefix(addr, "udp://"), "udp")
	case strings.HasPrefix(addr, "tcp://"):
		return newPlainFromHost(strings.TrimPrefix(addr, "tcp://"), "tcp")
	case strings.Contains(addr, "://"):
		return nil, fmt.Errorf("resolver: unsupported upstream scheme in %q", addr)
	default:
		return newPlainFromHost(addr, "udp")
	}
}

func newPlainFromHost(hostport, network string) (Upstream, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, plainDNSPort
	}
	if net.ParseIP(strings.Trim(host, "[]")) == nil {
		return nil, fmt.Errorf("resolver: plain upstream %q is not an IP address", hostport)
	}
	return NewPlainUpstream(net.JoinHostPort(strings.Trim(host, "[]"), port), network), nil
}

// NewHTTPClient returns the client shared by all HTTPS upstreams.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			IdleConnTimeout:     idleConnTimeout,
			TLSHandshakeTimeout: timeout,
			ForceAttemptHTTP2:   true,
		},
		Timeout: timeout,
	}
}
