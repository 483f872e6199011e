package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"dnswarden/internal/changes"
	"dnswarden/internal/config"
	"dnswarden/internal/database"
	"dnswarden/internal/domain"
	"dnswarden/internal/knownaddr"
	"dnswarden/internal/notify"
	"dnswarden/internal/resolver"
	"dnswarden/internal/voting"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeResolver struct {
	mu      sync.Mutex
	answers map[string][]string
	failing map[string]bool
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{answers: map[string][]string{}, failing: map[string]bool{}}
}

func (f *fakeResolver) set(name string, ips ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[name] = ips
	delete(f.failing, name)
}

func (f *fakeResolver) fail(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[name] = true
}

func (f *fakeResolver) Resolve(_ context.Context, name string) resolver.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[name] {
		return resolver.Result{
			Domain:     name,
			Status:     domain.DNSStatusServFail,
			Addresses:  []string{},
			Failure:    resolver.FailureTransport,
			Err:        "all resolvers failed: connection refused",
			ResolvedAt: time.Now().UTC(),
		}
	}
	return resolver.Result{
		Domain:     name,
		Addresses:  append([]string{}, f.answers[name]...),
		Upstream:   "fake",
		ResolvedAt: time.Now().UTC(),
	}
}

func (f *fakeResolver) ResolveMany(ctx context.Context, names []string) map[string]resolver.Result {
	out := make(map[string]resolver.Result, len(names))
	for _, name := range names {
		out[name] = f.Resolve(ctx, name)
	}
	return out
}

type recordingChannel struct {
	mu       sync.Mutex
	requests []notify.ConsensusRequest
	panicMsg string
}

func (c *recordingChannel) RequestConsensus(_ context.Context, req notify.ConsensusRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panicMsg != "" {
		panic(c.panicMsg)
	}
	c.requests = append(c.requests, req)
	return fmt.Sprintf("ref-%d", len(c.requests)), nil
}

func (c *recordingChannel) UpdateDecision(context.Context, notify.DecisionUpdate) error {
	return nil
}

type fixture struct {
	db       *gorm.DB
	store    *database.Store
	resolver *fakeResolver
	channel  *recordingChannel
	monitor  *Monitor
}

func setupMonitor(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := database.SetupDB("", database.WithDialector(sqlite.Open(dsn)))
	if err != nil {
		t.Fatalf("setup database: %v", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	store := database.NewStore(db, 5*time.Second)
	res := newFakeResolver()
	channel := &recordingChannel{}
	coordinator := voting.New(store, channel, voting.Policy{
		MinVotes:          2,
		MajorityThreshold: 0.6,
		Timeout:           time.Hour,
		ExpiryDecision:    config.ExpiryReject,
	})

	return &fixture{
		db:       db,
		store:    store,
		resolver: res,
		channel:  channel,
		monitor:  New(store, res, knownaddr.New(store), coordinator, nil, Options{Interval: time.Minute}),
	}
}

func (f *fixture) addDomain(t *testing.T, name string, static bool, ips ...string) domain.Domain {
	t.Helper()
	f.resolver.set(name, ips...)
	result, err := f.monitor.AddDomain(context.Background(), name, static, "tester")
	if err != nil {
		t.Fatalf("add domain %s: %v", name, err)
	}
	return result.Domain
}

func (f *fixture) cycle(t *testing.T) CycleReport {
	t.Helper()
	report, err := f.monitor.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	return report
}

func (f *fixture) openSessions(t *testing.T) []domain.VoteSession {
	t.Helper()
	sessions, err := f.store.ListOpenVoteSessions(context.Background())
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	return sessions
}

func TestAddDomainSeedsKnownAddresses(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()

	f.resolver.set("example.com", "192.0.2.2", "192.0.2.1")
	result, err := f.monitor.AddDomain(ctx, "Example.com", false, "alice")
	if err != nil {
		t.Fatalf("add domain: %v", err)
	}
	if !result.Resolved || result.Seeded != 2 || result.Domain.Name != "example.com" {
		t.Fatalf("unexpected add result %+v", result)
	}

	latest, err := f.store.GetLatestDNSRecord(ctx, result.Domain.ID)
	if err != nil || latest == nil {
		t.Fatalf("latest record = %+v, %v", latest, err)
	}
	if latest.ChangeType != string(changes.Initial) || !latest.ChangeDetected {
		t.Fatalf("baseline snapshot should be initial: %+v", latest)
	}

	for _, ip := range []string{"192.0.2.1", "192.0.2.2"} {
		if known, _ := f.store.IsKnownAddress(ctx, result.Domain.ID, ip); !known {
			t.Fatalf("%s should be known after add", ip)
		}
	}
}

func TestCycleOpensVoteForUnknownAddition(t *testing.T) {
	f := setupMonitor(t)
	d := f.addDomain(t, "example.com", false, "192.0.2.1")

	f.resolver.set("example.com", "192.0.2.1", "203.0.113.5")
	report := f.cycle(t)

	if report.Domains != 1 || report.Changes != 1 || report.SessionsOpened != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	sessions := f.openSessions(t)
	if len(sessions) != 1 || sessions[0].IPAddress != "203.0.113.5" || sessions[0].DomainID != d.ID {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	latest, err := f.store.GetLatestDNSRecord(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("latest record: %v", err)
	}
	if !latest.ChangeDetected || latest.ChangeType != string(changes.Addition) {
		t.Fatalf("snapshot change = %v %q", latest.ChangeDetected, latest.ChangeType)
	}
	if fmt.Sprint(latest.PreviousIPs.Strings()) != "[192.0.2.1]" {
		t.Fatalf("previous ips = %v", latest.PreviousIPs)
	}

	if len(f.channel.requests) != 1 || f.channel.requests[0].UnknownAddresses[0] != "203.0.113.5" {
		t.Fatalf("unexpected consensus requests %+v", f.channel.requests)
	}

	// The same answer on the next cycle is not a change and opens nothing new.
	report = f.cycle(t)
	if report.Changes != 0 || report.SessionsOpened != 0 {
		t.Fatalf("unchanged cycle report %+v", report)
	}
}

func TestKnownAddressesDoNotTriggerVote(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()
	d := f.addDomain(t, "example.com", false, "192.0.2.1")

	if _, err := f.store.AddKnownAddress(ctx, d.ID, "192.0.2.9", "alice", nil); err != nil {
		t.Fatalf("add known: %v", err)
	}

	f.resolver.set("example.com", "192.0.2.9")
	report := f.cycle(t)

	if report.Changes != 1 || report.SessionsOpened != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(f.openSessions(t)) != 0 {
		t.Fatalf("known address must not open a session")
	}
}

func TestStaticDomainNeverVotes(t *testing.T) {
	f := setupMonitor(t)
	f.addDomain(t, "static.example.com", true, "192.0.2.1")

	f.resolver.set("static.example.com", "198.51.100.1")
	report := f.cycle(t)

	if report.Changes != 1 {
		t.Fatalf("change should still be recorded, report %+v", report)
	}
	if len(f.openSessions(t)) != 0 {
		t.Fatalf("static domain opened a vote session")
	}
}

func TestRemovalOnlyChangeDoesNotVote(t *testing.T) {
	f := setupMonitor(t)
	f.addDomain(t, "example.com", false, "192.0.2.1", "192.0.2.2")

	f.resolver.set("example.com", "192.0.2.1")
	report := f.cycle(t)

	if report.Changes != 1 || report.SessionsOpened != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestResolutionFailureWritesEmptySnapshot(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()
	d := f.addDomain(t, "example.com", false, "192.0.2.1")

	f.resolver.fail("example.com")
	report := f.cycle(t)
	if report.Failures != 1 || report.Changes != 0 || report.SessionsOpened != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	latest, err := f.store.GetLatestDNSRecord(ctx, d.ID)
	if err != nil {
		t.Fatalf("latest record: %v", err)
	}
	if latest.Status != domain.DNSStatusServFail || len(latest.IPAddresses) != 0 || latest.ChangeDetected {
		t.Fatalf("unexpected failure snapshot %+v", latest)
	}
	if latest.Error == "" {
		t.Fatalf("failure snapshot should carry the error")
	}

	// Recovery with the old address is compared against the last successful
	// snapshot, so nothing changed.
	f.resolver.set("example.com", "192.0.2.1")
	report = f.cycle(t)
	if report.Changes != 0 || report.Failures != 0 {
		t.Fatalf("recovery report %+v", report)
	}
}

func TestAddressesAfterEmptyAnswerAreVoted(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()
	d := f.addDomain(t, "example.com", false, "192.0.2.1")

	// NOERROR without addresses is a successful, empty observation.
	f.resolver.set("example.com")
	report := f.cycle(t)
	if report.Failures != 0 || report.Changes != 1 || report.SessionsOpened != 0 {
		t.Fatalf("empty answer report %+v", report)
	}
	latest, err := f.store.GetLatestDNSRecord(ctx, d.ID)
	if err != nil {
		t.Fatalf("latest record: %v", err)
	}
	if latest.ChangeType != string(changes.CompleteRemoval) {
		t.Fatalf("empty answer change type = %q", latest.ChangeType)
	}

	f.resolver.set("example.com", "203.0.113.66")
	report = f.cycle(t)
	if report.Changes != 1 || report.SessionsOpened != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	sessions := f.openSessions(t)
	if len(sessions) != 1 || sessions[0].IPAddress != "203.0.113.66" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	latest, err = f.store.GetLatestDNSRecord(ctx, d.ID)
	if err != nil {
		t.Fatalf("latest record: %v", err)
	}
	if latest.ChangeType != string(changes.Addition) {
		t.Fatalf("change type = %q, want addition", latest.ChangeType)
	}
}

func TestStoreErrorWritesFailureSnapshot(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()
	d := f.addDomain(t, "example.com", false, "192.0.2.1")

	const hook = "test:fail_dns_record_reads"
	err := f.db.Callback().Query().Before("gorm:query").Register(hook, func(tx *gorm.DB) {
		if tx.Statement.Table == "dns_records" {
			_ = tx.AddError(errors.New("disk on fire"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	f.resolver.set("example.com", "192.0.2.1", "203.0.113.5")
	report := f.cycle(t)

	if err := f.db.Callback().Query().Remove(hook); err != nil {
		t.Fatalf("remove callback: %v", err)
	}

	if report.Failures != 1 || report.SessionsOpened != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	history, err := f.store.GetDNSHistory(ctx, d.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d entries, want 2", len(history))
	}
	if history[0].Status != domain.DNSStatusServFail || !strings.Contains(history[0].Error, "disk on fire") {
		t.Fatalf("unexpected failure snapshot %+v", history[0])
	}
}

func TestPanicAfterSnapshotKeepsSingleRecord(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()
	d := f.addDomain(t, "example.com", false, "192.0.2.1")

	f.channel.panicMsg = "bridge exploded"
	f.resolver.set("example.com", "192.0.2.1", "203.0.113.5")
	report := f.cycle(t)

	if report.Failures != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	history, err := f.store.GetDNSHistory(ctx, d.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d entries, want 2", len(history))
	}
	if history[0].Status != domain.DNSStatusNoError || history[0].ChangeType != string(changes.Addition) {
		t.Fatalf("latest snapshot should be the observed change: %+v", history[0])
	}
}

func TestBatchIsolatesFailingDomain(t *testing.T) {
	f := setupMonitor(t)
	healthy := f.addDomain(t, "healthy.example.com", false, "192.0.2.1")
	broken := f.addDomain(t, "broken.example.com", false, "192.0.2.50")

	f.resolver.set("healthy.example.com", "192.0.2.1", "203.0.113.20")
	f.resolver.fail("broken.example.com")

	report := f.cycle(t)
	if report.Domains != 2 || report.Failures != 1 || report.Changes != 1 || report.SessionsOpened != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	sessions := f.openSessions(t)
	if len(sessions) != 1 || sessions[0].DomainID != healthy.ID {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	history, err := f.store.GetDNSHistory(context.Background(), broken.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Status != domain.DNSStatusServFail {
		t.Fatalf("broken domain history %+v", history)
	}
}

func TestCycleSweepsExpiredSessions(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()
	d := f.addDomain(t, "example.com", false, "192.0.2.1")

	expired := &domain.VoteSession{
		DomainID:   d.ID,
		IPAddress:  "203.0.113.99",
		MessageRef: "old",
		ExpiresAt:  time.Now().UTC().Add(-time.Minute),
	}
	if err := f.store.CreateVoteSession(ctx, expired); err != nil {
		t.Fatalf("create session: %v", err)
	}

	report := f.cycle(t)
	if report.ExpiredResolved != 1 {
		t.Fatalf("expired resolved = %d, want 1", report.ExpiredResolved)
	}
	if len(f.openSessions(t)) != 0 {
		t.Fatalf("expired session still open")
	}
}

func TestCheckOnceSplitsKnownAndUnknown(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()
	d := f.addDomain(t, "example.com", false, "192.0.2.1")

	f.resolver.set("example.com", "192.0.2.1", "203.0.113.1")
	result, err := f.monitor.CheckOnce(ctx, "example.com")
	if err != nil {
		t.Fatalf("check once: %v", err)
	}
	if !result.Monitored || !result.Resolved {
		t.Fatalf("unexpected result %+v", result)
	}
	if fmt.Sprint(result.Known) != "[192.0.2.1]" || fmt.Sprint(result.Unknown) != "[203.0.113.1]" {
		t.Fatalf("known = %v unknown = %v", result.Known, result.Unknown)
	}

	history, err := f.store.GetDNSHistory(ctx, d.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("check once must not persist snapshots, history has %d entries", len(history))
	}

	f.resolver.set("unmonitored.example.org", "198.51.100.7")
	other, err := f.monitor.CheckOnce(ctx, "unmonitored.example.org")
	if err != nil {
		t.Fatalf("check unmonitored: %v", err)
	}
	if other.Monitored || len(other.Addresses) != 1 {
		t.Fatalf("unexpected unmonitored result %+v", other)
	}
}

func TestListAndRemoveDomains(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()
	f.addDomain(t, "a.example.com", false, "192.0.2.1")
	f.addDomain(t, "b.example.com", false, "192.0.2.2")

	if err := f.monitor.RemoveDomain(ctx, "a.example.com"); err != nil {
		t.Fatalf("remove domain: %v", err)
	}

	statuses, err := f.monitor.ListDomains(ctx)
	if err != nil {
		t.Fatalf("list domains: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Domain.Name != "b.example.com" || statuses[0].Latest == nil {
		t.Fatalf("unexpected statuses %+v", statuses)
	}

	report := f.cycle(t)
	if report.Domains != 1 {
		t.Fatalf("removed domain still checked: %+v", report)
	}
}
