// Package voting runs the vote sessions that decide whether a newly observed
// address becomes known for its domain.
package voting

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
	"dnswarden/internal/metrics"
	"dnswarden/internal/notify"
)

// Annotator adds network metadata to the addresses of a consensus request.
type Annotator interface {
	Annotate(ips []string) []notify.AddressAnnotation
}

type Coordinator struct {
	store     *database.Store
	channel   notify.Channel
	policy    Policy
	annotator Annotator
	now       func() time.Time
}

type Option func(*Coordinator)

func WithAnnotator(a Annotator) Option {
	return func(c *Coordinator) {
		c.annotator = a
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func New(store *database.Store, channel notify.Channel, policy Policy, opts ...Option) *Coordinator {
	if channel == nil {
		channel = notify.NewLogChannel(nil)
	}
	c := &Coordinator{
		store:   store,
		channel: channel,
		policy:  policy,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Policy() Policy {
	return c.policy
}

type OpenRequest struct {
	Domain           domain.Domain
	UnknownAddresses []string
	CurrentAddresses []string
	Change           changes.Info
}

type OpenResult struct {
	MessageRef string
	Sessions   []domain.VoteSession
	// Pending lists addresses that already had an open session.
	Pending   []string
	Delivered bool
}

// Open asks the channel for consensus on the unknown addresses of one change
// and creates a session per address. Sessions are created even when the
// channel fails; they then carry a local reference.
func (c *Coordinator) Open(ctx context.Context, req OpenRequest) (OpenResult, error) {
	var result OpenResult

	fresh := make([]string, 0, len(req.UnknownAddresses))
	for _, ip := range req.UnknownAddresses {
		open, err := c.store.GetOpenVoteSession(ctx, req.Domain.ID, ip)
		if err != nil {
			return result, err
		}
		if open != nil {
			result.Pending = append(result.Pending, ip)
			continue
		}
		fresh = append(fresh, ip)
	}
	if len(fresh) == 0 {
		log.Debug("All unknown addresses already under vote", "domain", req.Domain.Name, "pending", len(result.Pending))
		return result, nil
	}

	now := c.now()
	expiresAt := now.Add(c.policy.Timeout)

	consensus := notify.ConsensusRequest{
		DomainID:         req.Domain.ID,
		Domain:           req.Domain.Name,
		UnknownAddresses: fresh,
		CurrentAddresses: req.CurrentAddresses,
		Change: notify.ChangeSummary{
			Type:      string(req.Change.Type),
			Added:     req.Change.Added,
			Removed:   req.Change.Removed,
			Unchanged: req.Change.Unchanged,
		},
		MinVotes:          c.policy.MinVotes,
		MajorityThreshold: c.policy.MajorityThreshold,
		ExpiresAt:         expiresAt,
	}
	if c.annotator != nil {
		consensus.Annotations = c.annotator.Annotate(fresh)
	}

	ref, sendErr := c.channel.RequestConsensus(ctx, consensus)
	if sendErr != nil || strings.TrimSpace(ref) == "" {
		if sendErr == nil {
			sendErr = errors.New("channel returned an empty message reference")
		}
		log.Error("Failed to deliver consensus request", "domain", req.Domain.Name, "error", sendErr)
		metrics.ReportNotificationFailure(domain.NotificationKindVoteRequest)
		ref = notify.NewLocalRef()
	} else {
		result.Delivered = true
	}
	result.MessageRef = ref

	domainID := req.Domain.ID
	c.audit(ctx, &domain.Notification{
		DomainID:       &domainID,
		Kind:           domain.NotificationKindVoteRequest,
		Title:          consensus.Title(),
		Content:        consensus.Content(),
		MessageRef:     ref,
		RequiresAction: true,
		Delivered:      result.Delivered,
		Error:          errorText(sendErr),
	})

	for _, ip := range fresh {
		session := domain.VoteSession{
			DomainID:   req.Domain.ID,
			IPAddress:  ip,
			MessageRef: ref,
			ExpiresAt:  expiresAt,
		}
		if err := c.store.CreateVoteSession(ctx, &session); err != nil {
			return result, err
		}
		session.Domain = req.Domain
		result.Sessions = append(result.Sessions, session)
	}

	metrics.ReportVoteOpened(len(result.Sessions))
	log.Info("Vote sessions opened", "domain", req.Domain.Name, "sessions", len(result.Sessions), "message_ref", ref)
	return result, nil
}

// CastResult reports what a vote or forced resolution did.
type CastResult struct {
	Accepted  bool           `json:"accepted"`
	SessionID uint           `json:"session_id"`
	Resolved  bool           `json:"resolved"`
	Approved  *bool          `json:"approved,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Tally     database.Tally `json:"tally"`
}

// CastVote records one vote. A vote on a resolved or unknown session is not
// accepted and returns database.ErrVoteSessionResolved or
// database.ErrVoteSessionNotFound.
func (c *Coordinator) CastVote(ctx context.Context, sessionID uint, voter string, approve bool) (CastResult, error) {
	outcome, err := c.store.CastVote(ctx, sessionID, voter, approve, c.now(), c.policy.Decide)
	if err != nil {
		return CastResult{SessionID: sessionID}, err
	}

	log.Info("Vote recorded", "session_id", sessionID, "voter", voter, "approve", approve,
		"approve_votes", outcome.Session.ApproveVotes, "reject_votes", outcome.Session.RejectVotes)

	if outcome.Resolved {
		c.announce(ctx, outcome)
	}
	return resultFromOutcome(outcome), nil
}

// HandleVoteEvent applies a vote arriving from a channel or the HTTP API.
func (c *Coordinator) HandleVoteEvent(ctx context.Context, event notify.VoteEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	if event.SessionID != 0 {
		_, err := c.CastVote(ctx, event.SessionID, event.Voter, event.Approve)
		return err
	}

	sessions, err := c.store.GetVoteSessionsByMessageRef(ctx, event.MessageRef)
	if err != nil {
		return err
	}

	var targets []domain.VoteSession
	for _, session := range sessions {
		if event.IPAddress != "" && session.IPAddress != event.IPAddress {
			continue
		}
		targets = append(targets, session)
	}
	if len(targets) == 0 {
		return database.ErrVoteSessionNotFound
	}

	var (
		errs     []error
		accepted int
	)
	for _, session := range targets {
		if session.IsResolved {
			continue
		}
		if _, err := c.CastVote(ctx, session.ID, event.Voter, event.Approve); err != nil {
			if errors.Is(err, database.ErrVoteSessionResolved) {
				continue
			}
			errs = append(errs, fmt.Errorf("session %d: %w", session.ID, err))
			continue
		}
		accepted++
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if accepted == 0 {
		return database.ErrVoteSessionResolved
	}
	return nil
}

// Resolve force-resolves one session, as an administrator would.
func (c *Coordinator) Resolve(ctx context.Context, sessionID uint, approve bool, reason string) (CastResult, error) {
	if strings.TrimSpace(reason) == "" {
		reason = domain.ResolutionManual
	}
	outcome, err := c.store.ResolveVoteSession(ctx, sessionID, database.Fixed(database.Decision{Approved: approve, Reason: reason}), c.now())
	if err != nil {
		return CastResult{SessionID: sessionID}, err
	}
	c.announce(ctx, outcome)
	return resultFromOutcome(outcome), nil
}

// ResolvePending force-resolves every open session and returns how many were
// closed by this call.
func (c *Coordinator) ResolvePending(ctx context.Context, approve bool) (int, error) {
	sessions, err := c.store.ListOpenVoteSessions(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, session := range sessions {
		if _, err := c.Resolve(ctx, session.ID, approve, domain.ResolutionManual); err != nil {
			if errors.Is(err, database.ErrVoteSessionResolved) {
				continue
			}
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// SweepExpired resolves every open session whose voting window has closed.
// Each session is resolved in its own transaction; one failure does not stop
// the sweep.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	now := c.now()
	sessions, err := c.store.ListExpiredVoteSessions(ctx, now)
	if err != nil {
		return 0, err
	}

	var (
		resolved int
		errs     []error
	)
	for _, session := range sessions {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		outcome, err := c.store.ResolveVoteSession(ctx, session.ID, c.policy.DecideAtExpiry, now)
		if err != nil {
			if errors.Is(err, database.ErrVoteSessionResolved) {
				continue
			}
			log.Error("Failed to resolve expired vote session", "session_id", session.ID, "error", err)
			errs = append(errs, err)
			continue
		}

		c.announce(ctx, outcome)
		resolved++
	}

	if resolved > 0 {
		log.Info("Expired vote sessions resolved", "count", resolved)
	}
	return resolved, errors.Join(errs...)
}

// announce tells the channel about a decision. Delivery failures are logged
// and audited but never undo the decision.
func (c *Coordinator) announce(ctx context.Context, outcome database.VoteOutcome) {
	session := outcome.Session
	approved := outcome.Decision != nil && outcome.Decision.Approved
	reason := ""
	if outcome.Decision != nil {
		reason = outcome.Decision.Reason
	}

	metrics.ReportVoteResolved(approved, reason)
	log.Info("Vote session resolved", "session_id", session.ID, "domain", session.Domain.Name,
		"ip", session.IPAddress, "approved", approved, "reason", reason)

	update := notify.DecisionUpdate{
		MessageRef:   session.MessageRef,
		SessionID:    session.ID,
		DomainID:     session.DomainID,
		Domain:       session.Domain.Name,
		IPAddress:    session.IPAddress,
		Approved:     approved,
		Reason:       reason,
		ApproveVotes: session.ApproveVotes,
		RejectVotes:  session.RejectVotes,
		ResolvedAt:   c.now(),
	}
	if session.ResolvedAt != nil {
		update.ResolvedAt = *session.ResolvedAt
	}

	err := c.channel.UpdateDecision(ctx, update)
	if err != nil {
		log.Error("Failed to deliver vote decision", "session_id", session.ID, "error", err)
		metrics.ReportNotificationFailure(domain.NotificationKindDecision)
	}

	domainID := session.DomainID
	c.audit(ctx, &domain.Notification{
		DomainID:   &domainID,
		Kind:       domain.NotificationKindDecision,
		Title:      update.Title(),
		Content:    update.Content(),
		MessageRef: session.MessageRef,
		Delivered:  err == nil,
		Error:      errorText(err),
	})
}

func (c *Coordinator) audit(ctx context.Context, entry *domain.Notification) {
	if err := c.store.AddNotification(ctx, entry); err != nil {
		log.Error("Failed to record notification", "kind", entry.Kind, "error", err)
	}
}

func resultFromOutcome(outcome database.VoteOutcome) CastResult {
	result := CastResult{
		Accepted:  true,
		SessionID: outcome.Session.ID,
		Resolved:  outcome.Session.IsResolved,
		Approved:  outcome.Session.FinalDecision,
		Reason:    outcome.Session.ResolutionReason,
		Tally: database.Tally{
			Total:   outcome.Session.TotalVotes,
			Approve: outcome.Session.ApproveVotes,
			Reject:  outcome.Session.RejectVotes,
		},
	}
	return result
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
