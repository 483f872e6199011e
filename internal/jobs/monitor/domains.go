package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"dnswarden/internal/changes"
	"dnswarden/internal/database"
	"dnswarden/internal/domain"
)

type AddDomainResult struct {
	Domain    domain.Domain
	Addresses []string
	Resolved  bool
	Error     string
	// Seeded is the number of current addresses recorded as known.
	Seeded int
}

// AddDomain starts monitoring a domain, stores an initial snapshot and trusts
// the addresses it currently resolves to.
func (m *Monitor) AddDomain(ctx context.Context, name string, isStatic bool, addedBy string) (AddDomainResult, error) {
	var out AddDomainResult

	entity, err := m.store.AddDomain(ctx, name, isStatic, addedBy)
	if err != nil {
		return out, err
	}
	out.Domain = *entity

	result := m.resolver.Resolve(ctx, entity.Name)
	if !result.OK() {
		out.Error = result.Err
		log.Warn("Domain added but could not be resolved", "domain", entity.Name, "error", result.Err)
		if err := m.store.AddDNSRecord(ctx, snapshotFromResult(entity.ID, result, changes.Info{}, nil)); err != nil {
			return out, err
		}
		return out, nil
	}

	out.Resolved = true
	out.Addresses = result.Addresses

	info := changes.Detect(nil, result.Addresses)
	if err := m.store.AddDNSRecord(ctx, snapshotFromResult(entity.ID, result, info, nil)); err != nil {
		return out, err
	}

	confirmer := strings.TrimSpace(addedBy)
	if confirmer == "" {
		confirmer = domain.SystemIdentity
	}
	seeded, err := m.known.SeedFromResolution(ctx, entity.ID, result.Addresses, confirmer)
	out.Seeded = seeded
	if err != nil {
		return out, err
	}

	log.Info("Domain added", "domain", entity.Name, "static", isStatic, "addresses", len(result.Addresses))
	return out, nil
}

func (m *Monitor) RemoveDomain(ctx context.Context, name string) error {
	if err := m.store.RemoveDomain(ctx, name); err != nil {
		return err
	}
	log.Info("Domain removed", "domain", name)
	return nil
}

const (
	MaxBulkDomains = 20

	bulkAddTimeout    = 15 * time.Second
	bulkRemoveTimeout = 10 * time.Second
)

var (
	ErrBulkEmpty    = errors.New("monitor: no domains given")
	ErrBulkTooLarge = fmt.Errorf("monitor: at most %d domains per bulk request", MaxBulkDomains)
)

// BulkResult is the outcome for one name of a bulk request. A domain added
// without a baseline is still a success and carries the lookup error.
type BulkResult struct {
	Domain    string   `json:"domain"`
	Success   bool     `json:"success"`
	Message   string   `json:"message,omitempty"`
	Addresses []string `json:"ip_addresses,omitempty"`
}

type BulkReport struct {
	Results   []BulkResult `json:"results"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
}

func (r *BulkReport) add(result BulkResult) {
	r.Results = append(r.Results, result)
	if result.Success {
		r.Succeeded++
	} else {
		r.Failed++
	}
}

func checkBulk(names []string) error {
	switch {
	case len(names) == 0:
		return ErrBulkEmpty
	case len(names) > MaxBulkDomains:
		return ErrBulkTooLarge
	}
	return nil
}

// AddDomains adds each name in turn. One name failing never stops the rest.
func (m *Monitor) AddDomains(ctx context.Context, names []string, isStatic bool, addedBy string) (BulkReport, error) {
	report := BulkReport{Results: []BulkResult{}}
	if err := checkBulk(names); err != nil {
		return report, err
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		itemCtx, cancel := context.WithTimeout(ctx, bulkAddTimeout)
		added, err := m.AddDomain(itemCtx, name, isStatic, addedBy)
		cancel()

		entry := BulkResult{Domain: name}
		if err != nil {
			entry.Message = err.Error()
		} else {
			entry.Domain = added.Domain.Name
			entry.Success = true
			entry.Addresses = added.Addresses
			entry.Message = added.Error
		}
		report.add(entry)
	}

	log.Info("Bulk domain add finished", "succeeded", report.Succeeded, "failed", report.Failed)
	return report, nil
}

func (m *Monitor) RemoveDomains(ctx context.Context, names []string) (BulkReport, error) {
	report := BulkReport{Results: []BulkResult{}}
	if err := checkBulk(names); err != nil {
		return report, err
	}
	return m.removeEach(ctx, names, report)
}

// RemoveAllDomains stops monitoring every active domain. History and known
// addresses are kept.
func (m *Monitor) RemoveAllDomains(ctx context.Context) (BulkReport, error) {
	report := BulkReport{Results: []BulkResult{}}

	domains, err := m.store.GetActiveDomains(ctx)
	if err != nil {
		return report, err
	}
	names := make([]string, len(domains))
	for i, d := range domains {
		names[i] = d.Name
	}
	return m.removeEach(ctx, names, report)
}

func (m *Monitor) removeEach(ctx context.Context, names []string, report BulkReport) (BulkReport, error) {
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		itemCtx, cancel := context.WithTimeout(ctx, bulkRemoveTimeout)
		err := m.RemoveDomain(itemCtx, name)
		cancel()

		entry := BulkResult{Domain: name, Success: err == nil}
		if err != nil {
			entry.Message = err.Error()
		}
		report.add(entry)
	}
	return report, nil
}

// DomainStatus pairs a monitored domain with its latest snapshot.
type DomainStatus struct {
	Domain domain.Domain     `json:"domain"`
	Latest *domain.DNSRecord `json:"latest,omitempty"`
}

func (m *Monitor) ListDomains(ctx context.Context) ([]DomainStatus, error) {
	domains, err := m.store.GetActiveDomains(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]DomainStatus, 0, len(domains))
	for _, d := range domains {
		latest, err := m.store.GetLatestDNSRecord(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, DomainStatus{Domain: d, Latest: latest})
	}
	return out, nil
}

type CheckResult struct {
	Domain    string   `json:"domain"`
	Monitored bool     `json:"monitored"`
	Resolved  bool     `json:"resolved"`
	Status    int      `json:"dns_status"`
	Addresses []string `json:"ip_addresses"`
	Known     []string `json:"known_ips"`
	Unknown   []string `json:"unknown_ips"`
	Resolver  string   `json:"resolver,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// CheckOnce resolves a single domain without storing anything. For a
// monitored domain the addresses are split into known and unknown.
func (m *Monitor) CheckOnce(ctx context.Context, name string) (CheckResult, error) {
	normalized, err := domain.NormalizeName(name)
	if err != nil {
		return CheckResult{}, err
	}

	result := m.resolver.Resolve(ctx, normalized)
	out := CheckResult{
		Domain:    normalized,
		Resolved:  result.OK(),
		Status:    result.Status,
		Addresses: result.Addresses,
		Known:     []string{},
		Unknown:   []string{},
		Resolver:  result.Upstream,
		Error:     result.Err,
	}

	entity, err := m.store.GetDomainByName(ctx, normalized)
	if err != nil {
		if errors.Is(err, database.ErrDomainNotFound) {
			return out, nil
		}
		return out, err
	}
	out.Monitored = true

	knownSet, err := m.known.KnownAddresses(ctx, entity.ID)
	if err != nil {
		return out, err
	}
	for _, ip := range result.Addresses {
		if _, ok := knownSet[ip]; ok {
			out.Known = append(out.Known, ip)
		} else {
			out.Unknown = append(out.Unknown, ip)
		}
	}
	return out, nil
}
