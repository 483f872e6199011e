// Package knownaddr answers which addresses are trusted for a domain.
package knownaddr

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/charmbracelet/log"

	"dnswarden/internal/database"
	"dnswarden/internal/domain"
)

// Ledger is a thin accessor over the known-address table. It never caches:
// every answer is read from the store.
type Ledger struct {
	store *database.Store
}

func New(store *database.Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) IsKnown(ctx context.Context, domainID uint, ip string) (bool, error) {
	addr, err := canonical(ip)
	if err != nil {
		return false, err
	}
	return l.store.IsKnownAddress(ctx, domainID, addr)
}

// KnownAddresses returns the trusted addresses of a domain as a set.
func (l *Ledger) KnownAddresses(ctx context.Context, domainID uint) (map[string]struct{}, error) {
	entries, err := l.store.GetKnownAddresses(ctx, domainID)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		set[entry.IPAddress] = struct{}{}
	}
	return set, nil
}

// AddKnown trusts ip for the domain. Calling it twice returns the same id.
func (l *Ledger) AddKnown(ctx context.Context, domainID uint, ip, confirmedBy string, sessionID *uint) (uint, error) {
	addr, err := canonical(ip)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(confirmedBy) == "" {
		confirmedBy = domain.SystemIdentity
	}

	id, err := l.store.AddKnownAddress(ctx, domainID, addr, confirmedBy, sessionID)
	if err != nil {
		return 0, err
	}
	log.Debug("Known address recorded", "domain_id", domainID, "ip", addr, "confirmed_by", confirmedBy)
	return id, nil
}

// FilterUnknown returns the members of ips that are not trusted, in input order.
func (l *Ledger) FilterUnknown(ctx context.Context, domainID uint, ips []string) ([]string, error) {
	if len(ips) == 0 {
		return []string{}, nil
	}
	return l.store.FilterUnknownAddresses(ctx, domainID, ips)
}

// SeedFromResolution trusts every currently resolved address of a newly added
// domain. It returns the number of addresses recorded.
func (l *Ledger) SeedFromResolution(ctx context.Context, domainID uint, ips []string, addedBy string) (int, error) {
	seeded := 0
	for _, ip := range ips {
		if _, err := l.AddKnown(ctx, domainID, ip, addedBy, nil); err != nil {
			return seeded, fmt.Errorf("knownaddr: seed %s: %w", ip, err)
		}
		seeded++
	}
	return seeded, nil
}

func canonical(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("knownaddr: invalid address %q: %w", ip, err)
	}
	return addr.Unmap().String(), nil
}
