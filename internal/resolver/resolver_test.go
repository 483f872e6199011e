package resolver

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

type fakeUpstream struct {
	name    string
	answers map[string][]string
	rcode   int
	err     error
	delay   time.Duration
	calls   atomic.Int32
}

func (f *fakeUpstream) Name() string { return f.name }

func (f *fakeUpstream) Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Rcode = f.rcode

	name := query.Question[0].Name
	for _, addr := range f.answers[strings.TrimSuffix(name, ".")] {
		reply.Answer = append(reply.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.ParseIP(addr),
		})
	}
	return reply, nil
}

func TestResolveFallsBackToNextUpstream(t *testing.T) {
	broken := &fakeUpstream{name: "broken", err: errors.New("connection refused")}
	working := &fakeUpstream{name: "working", answers: map[string][]string{
		"example.com": {"93.184.216.34", "10.0.0.1"},
	}}

	r := New([]Upstream{broken, working}, Options{Timeout: time.Second})
	result := r.Resolve(context.Background(), "example.com")

	if !result.OK() {
		t.Fatalf("expected success, got failure %q", result.Err)
	}
	if result.Upstream != "working" {
		t.Fatalf("upstream = %q, want working", result.Upstream)
	}
	if !reflect.DeepEqual(result.Addresses, []string{"10.0.0.1", "93.184.216.34"}) {
		t.Fatalf("addresses = %v", result.Addresses)
	}
	if result.TTL == nil || *result.TTL != 300 {
		t.Fatalf("ttl = %v, want 300", result.TTL)
	}
	if broken.calls.Load() != 1 {
		t.Fatalf("broken upstream called %d times, want 1", broken.calls.Load())
	}
}

func TestResolveStopsAtFirstSuccess(t *testing.T) {
	first := &fakeUpstream{name: "first", answers: map[string][]string{"example.com": {"1.1.1.1"}}}
	second := &fakeUpstream{name: "second", answers: map[string][]string{"example.com": {"2.2.2.2"}}}

	result := New([]Upstream{first, second}, Options{}).Resolve(context.Background(), "example.com")
	if result.Upstream != "first" {
		t.Fatalf("upstream = %q, want first", result.Upstream)
	}
	if second.calls.Load() != 0 {
		t.Fatalf("second upstream should not be queried")
	}
}

func TestResolveAllUpstreamsFail(t *testing.T) {
	nx := &fakeUpstream{name: "nx", rcode: dns.RcodeNameError}
	down := &fakeUpstream{name: "down", err: errors.New("network unreachable")}

	result := New([]Upstream{nx, down}, Options{}).Resolve(context.Background(), "missing.example")

	if result.OK() {
		t.Fatalf("expected failure")
	}
	if result.Status != dns.RcodeServerFailure {
		t.Fatalf("status = %d, want SERVFAIL", result.Status)
	}
	if len(result.Addresses) != 0 {
		t.Fatalf("failure must carry no addresses, got %v", result.Addresses)
	}
	if !strings.Contains(result.Err, "network unreachable") {
		t.Fatalf("error %q does not carry the last upstream error", result.Err)
	}
	if result.Failure != FailureTransport {
		t.Fatalf("failure kind = %q, want transport", result.Failure)
	}
}

func TestResolveTimeoutBecomesFailure(t *testing.T) {
	slow := &fakeUpstream{name: "slow", delay: time.Second, answers: map[string][]string{"example.com": {"1.1.1.1"}}}

	started := time.Now()
	result := New([]Upstream{slow}, Options{Timeout: 50 * time.Millisecond}).Resolve(context.Background(), "example.com")

	if result.OK() {
		t.Fatalf("expected timeout failure")
	}
	if result.Failure != FailureTimeout {
		t.Fatalf("failure kind = %q, want timeout", result.Failure)
	}
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("resolution took %s, timeout not enforced", elapsed)
	}
}

// gatedUpstream answers only after release is closed.
type gatedUpstream struct {
	fakeUpstream
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedUpstream) Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.fakeUpstream.Exchange(ctx, query)
}

func TestResolveCallerCancellationDoesNotFailSharedLookup(t *testing.T) {
	gated := &gatedUpstream{
		fakeUpstream: fakeUpstream{name: "gated", answers: map[string][]string{"example.com": {"192.0.2.1"}}},
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	r := New([]Upstream{gated}, Options{Timeout: 5 * time.Second})

	cancelled, cancel := context.WithCancel(context.Background())
	first := make(chan Result, 1)
	go func() {
		first <- r.Resolve(cancelled, "example.com")
	}()
	<-gated.entered

	second := make(chan Result, 1)
	go func() {
		second <- r.Resolve(context.Background(), "example.com")
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case result := <-first:
		if result.OK() {
			t.Fatalf("cancelled caller should get a failure, got %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancelled caller is still waiting")
	}

	close(gated.release)
	select {
	case result := <-second:
		if !result.OK() || !reflect.DeepEqual(result.Addresses, []string{"192.0.2.1"}) {
			t.Fatalf("second caller result = %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second caller never returned")
	}
}

func TestResolveManyIsolatesFailures(t *testing.T) {
	upstream := &fakeUpstream{name: "mixed", answers: map[string][]string{"ok.example": {"192.0.2.10"}}}
	failing := &fakeUpstream{name: "failing", err: errors.New("boom")}

	r := New([]Upstream{&splitUpstream{ok: upstream, fail: failing, failFor: "bad.example."}}, Options{})
	results := r.ResolveMany(context.Background(), []string{"ok.example", "bad.example"})

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if ok := results["ok.example"]; !ok.OK() || !reflect.DeepEqual(ok.Addresses, []string{"192.0.2.10"}) {
		t.Fatalf("ok.example result = %+v", ok)
	}
	bad := results["bad.example"]
	if bad.OK() || len(bad.Addresses) != 0 || bad.Status != dns.RcodeServerFailure {
		t.Fatalf("bad.example result = %+v", bad)
	}
}

func TestResolveManyRecoversPanics(t *testing.T) {
	r := New([]Upstream{panicUpstream{}}, Options{})
	results := r.ResolveMany(context.Background(), []string{"a.example", "b.example"})

	for _, domain := range []string{"a.example", "b.example"} {
		result, ok := results[domain]
		if !ok {
			t.Fatalf("missing result for %s", domain)
		}
		if result.Failure != FailurePanic {
			t.Fatalf("%s failure = %q, want panic", domain, result.Failure)
		}
	}
}

func TestResolveManyEmpty(t *testing.T) {
	if got := New(nil, Options{}).ResolveMany(context.Background(), nil); len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}

func TestHTTPSUpstreamWireFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != dnsMessageMediaType {
			t.Errorf("accept header = %q", r.Header.Get("Accept"))
		}
		raw, err := base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		query := new(dns.Msg)
		if err := query.Unpack(raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		reply := new(dns.Msg)
		reply.SetReply(query)
		reply.Answer = append(reply.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: query.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120},
			A:   net.ParseIP("203.0.113.7"),
		})
		reply.Ns = append(reply.Ns, &dns.SOA{
			Hdr:    dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 120},
			Ns:     "ns1.example.com.",
			Mbox:   "hostmaster.example.com.",
			Serial: 2024010101,
		})
		buf, err := reply.Pack()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", dnsMessageMediaType)
		_, _ = w.Write(buf)
	}))
	defer server.Close()

	upstream := NewHTTPSUpstream("test-doh", server.URL+"/dns-query", server.Client())
	result := New([]Upstream{upstream}, Options{}).Resolve(context.Background(), "example.com")

	if !result.OK() {
		t.Fatalf("expected success, got %q", result.Err)
	}
	if !reflect.DeepEqual(result.Addresses, []string{"203.0.113.7"}) {
		t.Fatalf("addresses = %v", result.Addresses)
	}
	if result.SOA == nil {
		t.Fatalf("expected SOA metadata")
	}
	if result.SOA.Serial != "2024010101" || result.SOA.Nameserver != "ns1.example.com" || result.SOA.AdminEmail != "hostmaster@example.com" {
		t.Fatalf("unexpected SOA %+v", result.SOA)
	}
}

func TestJSONUpstreamParsesAnswerAndAuthority(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("name"); got != "example.org" {
			t.Errorf("name param = %q", got)
		}
		if got := r.URL.Query().Get("type"); got != "A" {
			t.Errorf("type param = %q", got)
		}
		w.Header().Set("Content-Type", "application/dns-json")
		_, _ = w.Write([]byte(`{
			"Status": 0,
			"Answer": [
				{"name": "example.org.", "type": 5, "TTL": 60, "data": "edge.example.net."},
				{"name": "edge.example.net.", "type": 1, "TTL": 30, "data": "198.51.100.2"},
				{"name": "edge.example.net.", "type": 1, "TTL": 45, "data": "198.51.100.1"}
			],
			"Authority": [
				{"name": "example.org.", "type": 6, "TTL": 900, "data": "ns.example.org. admin.example.org. 42 7200 3600 1209600 300"}
			]
		}`))
	}))
	defer server.Close()

	upstream := NewJSONUpstream("test-json", server.URL+"/resolve", server.Client())
	result := New([]Upstream{upstream}, Options{}).Resolve(context.Background(), "example.org")

	if !result.OK() {
		t.Fatalf("expected success, got %q", result.Err)
	}
	if !reflect.DeepEqual(result.Addresses, []string{"198.51.100.1", "198.51.100.2"}) {
		t.Fatalf("addresses = %v", result.Addresses)
	}
	if result.TTL == nil || *result.TTL != 30 {
		t.Fatalf("ttl = %v, want minimum answer ttl 30", result.TTL)
	}
	if result.SOA == nil || result.SOA.Serial != "42" || result.SOA.AdminEmail != "admin@example.org" {
		t.Fatalf("unexpected SOA %+v", result.SOA)
	}
}

func TestJSONUpstreamNonZeroStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Status": 3}`))
	}))
	defer server.Close()

	upstream := NewJSONUpstream("test-json", server.URL, server.Client())
	result := New([]Upstream{upstream}, Options{}).Resolve(context.Background(), "nope.example")
	if result.OK() {
		t.Fatalf("expected failure for NXDOMAIN")
	}
	if !strings.Contains(result.Err, "NXDOMAIN") {
		t.Fatalf("error %q does not mention NXDOMAIN", result.Err)
	}
}

func TestJSONUpstreamRejectsUnexpectedContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer server.Close()

	upstream := NewJSONUpstream("test-json", server.URL, server.Client())
	result := New([]Upstream{upstream}, Options{}).Resolve(context.Background(), "example.org")
	if result.Failure != FailureParse {
		t.Fatalf("failure kind = %q, want parse", result.Failure)
	}
}

func TestParseUpstream(t *testing.T) {
	tests := []struct {
		raw      string
		wantType string
		wantName string
		wantErr  bool
	}{
		{raw: "1.1.1.1", wantType: "*resolver.JSONUpstream", wantName: "1.1.1.1"},
		{raw: "https://dns.example/dns-query", wantType: "*resolver.HTTPSUpstream", wantName: "https://dns.example/dns-query"},
		{raw: "json+https://dns.example/resolve", wantType: "*resolver.JSONUpstream", wantName: "json+https://dns.example/resolve"},
		{raw: "192.0.2.53", wantType: "*resolver.PlainUpstream", wantName: "udp://192.0.2.53:53"},
		{raw: "tcp://192.0.2.53:5353", wantType: "*resolver.PlainUpstream", wantName: "tcp://192.0.2.53:5353"},
		{raw: "resolver.example", wantErr: true},
		{raw: "ftp://192.0.2.53", wantErr: true},
		{raw: " ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			upstream, err := ParseUpstream(tt.raw, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseUpstream(%q): %v", tt.raw, err)
			}
			if got := reflect.TypeOf(upstream).String(); got != tt.wantType {
				t.Fatalf("type = %s, want %s", got, tt.wantType)
			}
			if upstream.Name() != tt.wantName {
				t.Fatalf("name = %s, want %s", upstream.Name(), tt.wantName)
			}
		})
	}
}

func TestMboxToEmail(t *testing.T) {
	if got := mboxToEmail("dns.cloudflare.com."); got != "dns@cloudflare.com" {
		t.Fatalf("mboxToEmail = %q", got)
	}
	if got := mboxToEmail(""); got != "" {
		t.Fatalf("mboxToEmail of empty = %q", got)
	}
}

type splitUpstream struct {
	ok      Upstream
	fail    Upstream
	failFor string
}

func (s *splitUpstream) Name() string { return "split" }

func (s *splitUpstream) Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	if query.Question[0].Name == s.failFor {
		return s.fail.Exchange(ctx, query)
	}
	return s.ok.Exchange(ctx, query)
}

type panicUpstream struct{}

func (panicUpstream) Name() string { return "panic" }

func (panicUpstream) Exchange(context.Context, *dns.Msg) (*dns.Msg, error) {
	panic("upstream exploded")
}
