// Package resolver looks up the address records of monitored domains against
// an ordered list of upstream services.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"dnswarden/internal/config"
	"dnswarden/internal/metrics"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultMaxConcurrency = 32
)

type Options struct {
	Timeout        time.Duration
	MaxConcurrency int
	QueryAAAA      bool
}

// Resolver is safe for concurrent use.
type Resolver struct {
	upstreams []Upstream
	opts      Options
	inflight  singleflight.Group
}

type parseError struct {
	err error
}

func (e *parseError) Error() string { return "parse response: " + e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

func New(upstreams []Upstream, opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultMaxConcurrency
	}
	return &Resolver{upstreams: upstreams, opts: opts}
}

// FromConfig builds a Resolver from the DNS configuration section.
func FromConfig(cfg config.DNS) (*Resolver, error) {
	client := NewHTTPClient(cfg.Timeout)

	var (
		upstreams []Upstream
		errs      []error
	)
	for _, raw := range cfg.Resolvers {
		upstream, err := ParseUpstream(raw, client)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		upstreams = append(upstreams, upstream)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return New(upstreams, Options{
		Timeout:        cfg.Timeout,
		MaxConcurrency: cfg.MaxConcurrency,
		QueryAAAA:      cfg.QueryAAAA,
	}), nil
}

// Upstreams returns the configured upstream names in priority order.
func (r *Resolver) Upstreams() []string {
	names := make([]string, len(r.upstreams))
	for i, upstream := range r.upstreams {
		names[i] = upstream.Name()
	}
	return names
}

// Resolve returns the first successful answer among the upstreams. Network
// failures never surface as errors: when every upstream fails the result is a
// SERVFAIL failure carrying the last error message.
func (r *Resolver) Resolve(ctx context.Context, domain string) Result {
	name := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))

	// Callers share one lookup, so it runs detached from whichever caller
	// started it and each caller only stops waiting on its own ctx.
	flight := r.inflight.DoChan(name, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupBudget())
		defer cancel()
		return r.resolveGuarded(lookupCtx, name), nil
	})

	var result Result
	select {
	case <-ctx.Done():
		err := ctx.Err()
		result = failedResult(name, classify(err), dns.RcodeServerFailure, err.Error())
	case shared := <-flight:
		result = shared.Val.(Result)
	}
	result.Domain = domain
	result.Addresses = append([]string{}, result.Addresses...)
	return result
}

// ResolveMany resolves all domains concurrently. Every input domain has an
// entry in the returned map; one domain's failure never affects another's.
func (r *Resolver) ResolveMany(ctx context.Context, domains []string) map[string]Result {
	results := make(map[string]Result, len(domains))
	if len(domains) == 0 {
		return results
	}

	log.Debug("Resolving domains", "count", len(domains))

	var (
		mu    sync.Mutex
		group errgroup.Group
	)
	group.SetLimit(r.opts.MaxConcurrency)

	for _, domain := range domains {
		group.Go(func() error {
			result := r.Resolve(ctx, domain)
			mu.Lock()
			results[domain] = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return results
}

// lookupBudget bounds a whole lookup: every question against every upstream.
func (r *Resolver) lookupBudget() time.Duration {
	queries := max(len(r.upstreams), 1) * len(r.questionTypes())
	return time.Duration(queries) * r.opts.Timeout
}

func (r *Resolver) resolveGuarded(ctx context.Context, domain string) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Error("Resolver panic", "domain", domain, "panic", recovered)
			result = failedResult(domain, FailurePanic, dns.RcodeServerFailure, fmt.Sprintf("panic: %v", recovered))
		}
		metrics.ReportResolution(result.OK())
	}()

	return r.resolve(ctx, domain)
}

func (r *Resolver) resolve(ctx context.Context, domain string) Result {
	if len(r.upstreams) == 0 {
		return failedResult(domain, FailureTransport, dns.RcodeServerFailure, "no upstream resolvers configured")
	}

	var last Result
	for _, upstream := range r.upstreams {
		if err := ctx.Err(); err != nil {
			last = failedResult(domain, classify(err), dns.RcodeServerFailure, err.Error())
			break
		}

		result := r.query(ctx, upstream, domain)
		if result.OK() {
			log.Debug("Resolved domain", "domain", domain, "upstream", upstream.Name(), "addresses", len(result.Addresses))
			return result
		}

		log.Warn("DNS query failed", "domain", domain, "upstream", upstream.Name(), "error", result.Err)
		last = result
	}

	log.Error("All DNS resolvers failed", "domain", domain, "last_error", last.Err)
	failed := failedResult(domain, last.Failure, dns.RcodeServerFailure, "all resolvers failed: "+last.Err)
	failed.Upstream = last.Upstream
	return failed
}

func (r *Resolver) query(ctx context.Context, upstream Upstream, domain string) Result {
	result := Result{
		Domain:    domain,
		Status:    dns.RcodeSuccess,
		Addresses: []string{},
		Upstream:  upstream.Name(),
	}

	seen := make(map[string]struct{})
	for _, qtype := range r.questionTypes() {
		query := new(dns.Msg)
		query.SetQuestion(dns.Fqdn(domain), qtype)
		query.RecursionDesired = true

		queryCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		started := time.Now()
		reply, err := upstream.Exchange(queryCtx, query)
		cancel()
		metrics.ReportQuery(upstream.Name(), started, err)

		if err != nil {
			failed := failedResult(domain, classify(err), dns.RcodeServerFailure, fmt.Sprintf("%s: %v", upstream.Name(), err))
			failed.Upstream = upstream.Name()
			return failed
		}
		if reply.Rcode != dns.RcodeSuccess {
			failed := failedResult(domain, FailureRcode, reply.Rcode,
				fmt.Sprintf("%s: DNS status code %d (%s)", upstream.Name(), reply.Rcode, dns.RcodeToString[reply.Rcode]))
			failed.Upstream = upstream.Name()
			return failed
		}

		for _, rr := range reply.Answer {
			var addr string
			switch record := rr.(type) {
			case *dns.A:
				addr = record.A.String()
			case *dns.AAAA:
				addr = record.AAAA.String()
			default:
				continue
			}
			ttl := rr.Header().Ttl
			if result.TTL == nil || ttl < *result.TTL {
				result.TTL = &ttl
			}
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			result.Addresses = append(result.Addresses, addr)
		}

		if result.SOA == nil {
			result.SOA = extractSOA(reply.Ns)
		}
	}

	result.Addresses = sortAddresses(result.Addresses)
	result.ResolvedAt = time.Now().UTC()
	return result
}

func (r *Resolver) questionTypes() []uint16 {
	if r.opts.QueryAAAA {
		return []uint16{dns.TypeA, dns.TypeAAAA}
	}
	return []uint16{dns.TypeA}
}

func extractSOA(authority []dns.RR) *SOA {
	for _, rr := range authority {
		soa, ok := rr.(*dns.SOA)
		if !ok {
			continue
		}
		return &SOA{
			Serial:     strconv.FormatUint(uint64(soa.Serial), 10),
			Nameserver: strings.TrimSuffix(soa.Ns, "."),
			AdminEmail: mboxToEmail(soa.Mbox),
		}
	}
	return nil
}

// mboxToEmail converts the SOA RNAME "hostmaster.example.com." into
// "hostmaster@example.com".
func mboxToEmail(mbox string) string {
	trimmed := strings.TrimSuffix(mbox, ".")
	if trimmed == "" {
		return ""
	}
	return strings.Replace(trimmed, ".", "@", 1)
}

func classify(err error) FailureKind {
	var (
		netErr   net.Error
		parseErr *parseError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.As(err, &parseErr):
		return FailureParse
	case errors.As(err, &netErr) && netErr.Timeout():
		return FailureTimeout
	default:
		return FailureTransport
	}
}

func sortAddresses(addresses []string) []string {
	out := make([]string, len(addresses))
	copy(out, addresses)
	slices.SortFunc(out, func(a, b string) int {
		ipA, errA := netip.ParseAddr(a)
		ipB, errB := netip.ParseAddr(b)
		if errA != nil || errB != nil {
			return strings.Compare(a, b)
		}
		return ipA.Compare(ipB)
	})
	return out
}
