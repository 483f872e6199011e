package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

var ErrInvalidDomainName = errors.New("invalid domain name")

const maxDomainNameLength = 253

// NormalizeName returns the canonical lowercase ASCII form of a domain name.
// Unicode names are converted to punycode; bare public suffixes are rejected.
func NormalizeName(raw string) (string, error) {
	name := strings.TrimSuffix(strings.TrimSpace(raw), ".")
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidDomainName)
	}

	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDomainName, raw, err)
	}
	ascii = strings.ToLower(ascii)

	if len(ascii) > maxDomainNameLength {
		return "", fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidDomainName, raw, maxDomainNameLength)
	}
	if _, ok := dns.IsDomainName(ascii); !ok || strings.Contains(ascii, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomainName, raw)
	}

	if suffix, _ := publicsuffix.PublicSuffix(ascii); suffix == ascii {
		return "", fmt.Errorf("%w: %q is a public suffix", ErrInvalidDomainName, raw)
	}

	return ascii, nil
}
