// Package monitor periodically resolves every active domain, records what it
// saw and hands unknown new addresses to the vote coordinator.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"dnswarden/internal/changes"
	"dnswarden/internal/database"
	"dnswarden/internal/domain"
	"dnswarden/internal/knownaddr"
	"dnswarden/internal/metrics"
	"dnswarden/internal/resolver"
	"dnswarden/internal/support"
	"dnswarden/internal/voting"
)

const (
	LeaderLockKey = "dnswarden:leader:monitor"

	defaultInterval = time.Minute
	pruneEvery      = time.Hour
)

// Resolver is the lookup surface the monitor needs.
type Resolver interface {
	Resolve(ctx context.Context, domain string) resolver.Result
	ResolveMany(ctx context.Context, domains []string) map[string]resolver.Result
}

type Options struct {
	Interval         time.Duration
	HistoryRetention time.Duration
}

type Monitor struct {
	store       *database.Store
	resolver    Resolver
	known       *knownaddr.Ledger
	coordinator *voting.Coordinator
	leader      *support.LeaderLock
	opts        Options
	lastPrune   time.Time
}

func New(store *database.Store, res Resolver, known *knownaddr.Ledger, coordinator *voting.Coordinator, leader *support.LeaderLock, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	return &Monitor{
		store:       store,
		resolver:    res,
		known:       known,
		coordinator: coordinator,
		leader:      leader,
		opts:        opts,
	}
}

// Start runs cycles until ctx is cancelled. With a redis-backed leader lock
// only one replica runs cycles at a time.
func (m *Monitor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	err := m.leader.Run(ctx, m.loop)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("DNS monitor stopped", "error", err)
	}
}

func (m *Monitor) loop(ctx context.Context) {
	log.Info("DNS monitor started", "interval", m.opts.Interval)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.runCycleLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("DNS monitor stopping")
			return
		case <-ticker.C:
			m.runCycleLogged(ctx)
		}
	}
}

func (m *Monitor) runCycleLogged(ctx context.Context) {
	report, err := m.RunCycle(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("DNS monitor cycle failed", "error", err)
		return
	}
	log.Info("DNS monitor cycle completed",
		"domains", report.Domains,
		"failures", report.Failures,
		"changes", report.Changes,
		"sessions_opened", report.SessionsOpened,
		"expired_resolved", report.ExpiredResolved,
		"duration", report.Duration.Round(time.Millisecond),
	)
}

// CycleReport summarises one monitoring cycle.
type CycleReport struct {
	Domains         int
	Failures        int
	Changes         int
	SessionsOpened  int
	ExpiredResolved int
	Duration        time.Duration
}

// RunCycle performs one monitoring pass. A failure on one domain never
// prevents the others from being processed.
func (m *Monitor) RunCycle(ctx context.Context) (CycleReport, error) {
	started := time.Now()
	var report CycleReport

	domains, err := m.store.GetActiveDomains(ctx)
	if err != nil {
		return report, err
	}
	report.Domains = len(domains)

	if len(domains) > 0 {
		names := make([]string, len(domains))
		for i, d := range domains {
			names[i] = d.Name
		}
		results := m.resolver.ResolveMany(ctx, names)

		for _, d := range domains {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}

			result, ok := results[d.Name]
			if !ok {
				result = resolver.Result{
					Domain:    d.Name,
					Status:    domain.DNSStatusServFail,
					Addresses: []string{},
					Failure:   resolver.FailureTransport,
					Err:       "no resolution result",
				}
			}

			outcome := m.processDomainGuarded(ctx, d, result)
			if outcome.failed {
				report.Failures++
			}
			if outcome.changed {
				report.Changes++
			}
			report.SessionsOpened += outcome.sessions
		}
	}

	if m.coordinator != nil {
		expired, err := m.coordinator.SweepExpired(ctx)
		if err != nil {
			log.Error("Failed to sweep expired vote sessions", "error", err)
		}
		report.ExpiredResolved = expired
	}

	m.pruneHistory(ctx)

	report.Duration = time.Since(started)
	metrics.ReportCycle(started, report.Domains, report.Changes)
	return report, nil
}

type domainOutcome struct {
	failed   bool
	changed  bool
	sessions int
}

// processDomainGuarded turns any error or panic into a failure snapshot
// unless this cycle's snapshot was already written.
func (m *Monitor) processDomainGuarded(ctx context.Context, d domain.Domain, result resolver.Result) (outcome domainOutcome) {
	persisted := false
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Error("DNS monitor panic", "domain", d.Name, "panic", recovered)
			outcome = domainOutcome{failed: true}
			if !persisted {
				m.recordFailure(ctx, d, fmt.Sprintf("internal error: %v", recovered))
			}
		}
	}()

	outcome, err := m.processDomain(ctx, d, result, &persisted)
	if err != nil {
		log.Error("Failed to process domain", "domain", d.Name, "error", err)
		outcome.failed = true
		if !persisted {
			m.recordFailure(ctx, d, fmt.Sprintf("internal error: %v", err))
		}
	}
	return outcome
}

func (m *Monitor) processDomain(ctx context.Context, d domain.Domain, result resolver.Result, persisted *bool) (domainOutcome, error) {
	var outcome domainOutcome

	if !result.OK() {
		outcome.failed = true
		log.Warn("DNS resolution failed", "domain", d.Name, "status", result.Status, "error", result.Err)
		if err := m.store.AddDNSRecord(ctx, snapshotFromResult(d.ID, result, changes.Info{}, nil)); err != nil {
			return outcome, err
		}
		*persisted = true
		return outcome, nil
	}

	previous, err := m.store.GetLatestSuccessfulDNSRecord(ctx, d.ID)
	if err != nil {
		return outcome, err
	}
	var previousAddresses []string
	if previous != nil {
		previousAddresses = previous.IPAddresses.Strings()
	}

	info := changes.Detect(previousAddresses, result.Addresses)
	if previous != nil && info.Type == changes.Initial {
		// Addresses coming back after an empty answer are not a first observation.
		info.Type = changes.Addition
	}
	record := snapshotFromResult(d.ID, result, info, previousAddresses)
	if err := m.store.AddDNSRecord(ctx, record); err != nil {
		return outcome, err
	}
	*persisted = true

	if !info.HasChange {
		return outcome, nil
	}
	outcome.changed = true
	log.Info("DNS change detected", "domain", d.Name, "type", info.Type, "added", info.Added, "removed", info.Removed)

	if !info.RequiresReview() {
		return outcome, nil
	}
	if d.IsStatic {
		log.Debug("Static domain changed, no vote requested", "domain", d.Name)
		return outcome, nil
	}

	unknown, err := m.known.FilterUnknown(ctx, d.ID, info.Added)
	if err != nil {
		return outcome, err
	}
	if len(unknown) == 0 {
		log.Debug("New addresses are already known", "domain", d.Name)
		return outcome, nil
	}
	if m.coordinator == nil {
		return outcome, nil
	}

	opened, err := m.coordinator.Open(ctx, voting.OpenRequest{
		Domain:           d,
		UnknownAddresses: unknown,
		CurrentAddresses: result.Addresses,
		Change:           info,
	})
	outcome.sessions = len(opened.Sessions)
	return outcome, err
}

func (m *Monitor) recordFailure(ctx context.Context, d domain.Domain, msg string) {
	record := &domain.DNSRecord{
		DomainID:    d.ID,
		IPAddresses: domain.AddressList{},
		Status:      domain.DNSStatusServFail,
		Error:       msg,
	}
	if err := m.store.AddDNSRecord(ctx, record); err != nil {
		log.Error("Failed to record failure snapshot", "domain", d.Name, "error", err)
	}
}

func snapshotFromResult(domainID uint, result resolver.Result, info changes.Info, previous []string) *domain.DNSRecord {
	record := &domain.DNSRecord{
		DomainID:       domainID,
		IPAddresses:    domain.NewAddressList(result.Addresses),
		TTL:            result.TTL,
		Status:         result.Status,
		Resolver:       result.Upstream,
		Error:          result.Err,
		ChangeDetected: info.HasChange,
		CheckedAt:      result.ResolvedAt,
	}
	if !result.OK() {
		record.IPAddresses = domain.AddressList{}
		if record.Status == domain.DNSStatusNoError {
			record.Status = domain.DNSStatusServFail
		}
		return record
	}
	if info.HasChange {
		record.ChangeType = string(info.Type)
		record.PreviousIPs = domain.NewAddressList(previous)
	}
	if result.SOA != nil {
		record.SOASerial = result.SOA.Serial
		record.Nameserver = result.SOA.Nameserver
		record.AdminEmail = result.SOA.AdminEmail
	}
	return record
}

func (m *Monitor) pruneHistory(ctx context.Context) {
	if m.opts.HistoryRetention <= 0 {
		return
	}
	now := time.Now().UTC()
	if !m.lastPrune.IsZero() && now.Sub(m.lastPrune) < pruneEvery {
		return
	}
	m.lastPrune = now

	deleted, err := m.store.PruneDNSRecords(ctx, now.Add(-m.opts.HistoryRetention))
	if err != nil {
		log.Error("Failed to prune DNS history", "error", err)
		return
	}
	if deleted > 0 {
		log.Info("Pruned DNS history", "deleted", deleted)
	}
}
