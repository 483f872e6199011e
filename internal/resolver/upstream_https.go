package resolver

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/miekg/dns"
)

const (
	dnsMessageMediaType = "application/dns-message"
	maxResponseBytes    = 64 * 1024
)

// HTTPSUpstream implements RFC 8484 DNS-over-HTTPS with GET requests.
type HTTPSUpstream struct {
	name     string
	endpoint string
	client   *http.Client
}

func NewHTTPSUpstream(name, endpoint string, client *http.Client) *HTTPSUpstream {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSUpstream{name: name, endpoint: endpoint, client: client}
}

func (h *HTTPSUpstream) Name() string {
	return h.name
}

func (h *HTTPSUpstream) Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	// RFC 8484 recommends ID 0 for cache friendliness.
	wire := query.Copy()
	wire.Id = 0

	buf, err := wire.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack query: %w", err)
	}

	target, err := url.Parse(h.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	params := target.Query()
	params.Set("dns", base64.RawURLEncoding.EncodeToString(buf))
	target.RawQuery = params.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", dnsMessageMediaType)
	request.Header.Set("User-Agent", userAgent)

	resp, err := h.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http request failed with %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(body); err != nil {
		return nil, &parseError{err: err}
	}
	reply.Id = query.Id

	return reply, nil
}
