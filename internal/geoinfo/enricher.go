// Package geoinfo annotates addresses with GeoLite country and ASN data so
// voters can judge where a new address points.
package geoinfo

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"

	"dnswarden/internal/notify"
)

const (
	NetworkDatacenter = "datacenter"
	NetworkISP        = "isp"
)

var (
	datacenterRegex = regexp.MustCompile(`(?i)(amazon|google|microsoft|digitalocean|linode|akamai|fastly|hetzner|ovh|vultr|ibm|alibaba|tencent|cloudflare|rackspace|hostinger|upcloud|azure|oracle)`)
	ispKeywords     = regexp.MustCompile(`(?i)(isp|broadband|telecom|communications|networks|carrier)`)
)

// Enricher looks addresses up in optional GeoLite databases. Either database
// may be missing; a zero Enricher annotates nothing.
type Enricher struct {
	mu      sync.RWMutex
	country *geoip2.Reader
	asn     *geoip2.Reader
}

// Open loads the databases at the given paths. Empty paths are skipped.
func Open(countryPath, asnPath string) (*Enricher, error) {
	e := &Enricher{}
	if err := e.Reload(countryPath, asnPath); err != nil {
		return nil, err
	}
	if e.Enabled() {
		log.Info("GeoLite enrichment enabled", "country", countryPath != "", "asn", asnPath != "")
	}
	return e, nil
}

// Reload swaps in freshly downloaded databases. On error the previous
// readers stay in use.
func (e *Enricher) Reload(countryPath, asnPath string) error {
	var country, asn *geoip2.Reader

	if countryPath != "" {
		reader, err := geoip2.Open(countryPath)
		if err != nil {
			return fmt.Errorf("geoinfo: open country database: %w", err)
		}
		country = reader
	}

	if asnPath != "" {
		reader, err := geoip2.Open(asnPath)
		if err != nil {
			if country != nil {
				_ = country.Close()
			}
			return fmt.Errorf("geoinfo: open ASN database: %w", err)
		}
		asn = reader
	}

	e.mu.Lock()
	oldCountry, oldASN := e.country, e.asn
	e.country, e.asn = country, asn
	e.mu.Unlock()

	closeReaders(oldCountry, oldASN)
	return nil
}

func (e *Enricher) Enabled() bool {
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.country != nil || e.asn != nil
}

// Annotate returns one annotation per address, in input order.
func (e *Enricher) Annotate(ips []string) []notify.AddressAnnotation {
	out := make([]notify.AddressAnnotation, 0, len(ips))
	for _, ip := range ips {
		out = append(out, e.lookup(ip))
	}
	return out
}

func (e *Enricher) lookup(raw string) notify.AddressAnnotation {
	annotation := notify.AddressAnnotation{IP: raw}
	if e == nil {
		return annotation
	}

	ip := net.ParseIP(raw)
	if ip == nil {
		return annotation
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.country != nil {
		if record, err := e.country.Country(ip); err == nil {
			annotation.Country = record.Country.IsoCode
		}
	}

	if e.asn != nil {
		if record, err := e.asn.ASN(ip); err == nil {
			annotation.ASN = record.AutonomousSystemNumber
			annotation.Organization = record.AutonomousSystemOrganization
			annotation.NetworkType = ClassifyOrganization(record.AutonomousSystemOrganization)
		}
	}

	return annotation
}

// ClassifyOrganization guesses the network type from an ASN organization name.
func ClassifyOrganization(org string) string {
	org = strings.TrimSpace(org)
	switch {
	case org == "":
		return ""
	case datacenterRegex.MatchString(org):
		return NetworkDatacenter
	case ispKeywords.MatchString(org):
		return NetworkISP
	default:
		return ""
	}
}

func (e *Enricher) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	country, asn := e.country, e.asn
	e.country, e.asn = nil, nil
	e.mu.Unlock()
	return closeReaders(country, asn)
}

func closeReaders(readers ...*geoip2.Reader) error {
	var errs []error
	for _, reader := range readers {
		if reader != nil {
			errs = append(errs, reader.Close())
		}
	}
	return errors.Join(errs...)
}
