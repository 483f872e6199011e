package resolver

import (
	"time"

	"github.com/miekg/dns"
)

// FailureKind classifies why a resolution produced no usable answer.
type FailureKind string

const (
	FailureTimeout   FailureKind = "timeout"
	FailureTransport FailureKind = "transport"
	FailureRcode     FailureKind = "rcode"
	FailureParse     FailureKind = "parse"
	FailurePanic     FailureKind = "panic"
)

// SOA holds the authority metadata returned alongside an answer.
type SOA struct {
	Serial     string
	Nameserver string
	AdminEmail string
}

// Result is the outcome of resolving one domain. A successful result carries
// addresses and answer metadata; a failed one carries Failure and Err and an
// empty address list.
type Result struct {
	Domain     string
	Status     int
	Addresses  []string
	TTL        *uint32
	SOA        *SOA
	Upstream   string
	Failure    FailureKind
	Err        string
	ResolvedAt time.Time
}

// OK reports whether the lookup succeeded.
func (r Result) OK() bool {
	return r.Failure == "" && r.Status == dns.RcodeSuccess
}

func failedResult(domain string, kind FailureKind, status int, msg string) Result {
	if status == dns.RcodeSuccess {
		status = dns.RcodeServerFailure
	}
	return Result{
		Domain:     domain,
		Status:     status,
		Addresses:  []string{},
		Failure:    kind,
		Err:        msg,
		ResolvedAt: time.Now().UTC(),
	}
}
