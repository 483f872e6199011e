package voting

import (
	"time"

	"dnswarden/internal/config"
	"dnswarden/internal/database"
	"dnswarden/internal/domain"
)

// Policy is the resolution rule shared by every session.
type Policy struct {
	MinVotes          int
	MajorityThreshold float64
	Timeout           time.Duration
	ExpiryDecision    config.ExpiryDecision
}

func PolicyFromConfig(cfg config.Voting) Policy {
	return Policy{
		MinVotes:          cfg.MinVotesRequired,
		MajorityThreshold: cfg.MajorityThreshold,
		Timeout:           cfg.Timeout,
		ExpiryDecision:    cfg.ExpiryDecision,
	}
}

// Decide returns the decision reached by a tally, or nil while the session
// must stay open. Approval is checked first.
func (p Policy) Decide(t database.Tally) *database.Decision {
	if t.Total == 0 || t.Total < p.MinVotes {
		return nil
	}

	total := float64(t.Total)
	switch {
	case float64(t.Approve)/total >= p.MajorityThreshold:
		return &database.Decision{Approved: true, Reason: domain.ResolutionVotes}
	case float64(t.Reject)/total >= p.MajorityThreshold:
		return &database.Decision{Approved: false, Reason: domain.ResolutionVotes}
	default:
		return nil
	}
}

// DecideAtExpiry force-resolves a session whose voting window closed. A
// session with quorum follows the majority rule; anything else falls back to
// the configured expiry decision.
func (p Policy) DecideAtExpiry(t database.Tally) database.Decision {
	if decision := p.Decide(t); decision != nil {
		return database.Decision{Approved: decision.Approved, Reason: domain.ResolutionExpired}
	}
	return database.Decision{Approved: p.ExpiryDecision.Approve(), Reason: domain.ResolutionExpired}
}
