package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dnswarden/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tally is the recounted state of a session.
type Tally struct {
	Total   int `json:"total"`
	Approve int `json:"approve"`
	Reject  int `json:"reject"`
}

// Decision is the outcome a rule reached for a tally.
type Decision struct {
	Approved bool
	Reason   string
}

// DecideFunc evaluates a tally and returns nil while the session stays open.
type DecideFunc func(Tally) *Decision

// ResolveFunc picks the decision for a session being closed. It sees the
// tallies of the locked row.
type ResolveFunc func(Tally) Decision

// Fixed returns a ResolveFunc that ignores the tallies.
func Fixed(decision Decision) ResolveFunc {
	return func(Tally) Decision { return decision }
}

// VoteOutcome describes the session after a vote was recorded.
type VoteOutcome struct {
	Session domain.VoteSession
	// Resolved is set when this vote closed the session.
	Resolved       bool
	Decision       *Decision
	KnownAddressID uint
}

func (s *Store) CreateVoteSession(ctx context.Context, session *domain.VoteSession) error {
	if session == nil {
		return fmt.Errorf("database: create vote session: nil session")
	}

	db, cancel := s.session(ctx)
	defer cancel()

	if err := db.Omit(clause.Associations).Create(session).Error; err != nil {
		return fmt.Errorf("database: create vote session for %s: %w", session.IPAddress, err)
	}
	return nil
}

func (s *Store) GetVoteSession(ctx context.Context, id uint) (*domain.VoteSession, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var session domain.VoteSession
	if err := db.Preload("Domain").First(&session, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVoteSessionNotFound
		}
		return nil, fmt.Errorf("database: get vote session %d: %w", id, err)
	}
	return &session, nil
}

func (s *Store) GetVoteSessionsByMessageRef(ctx context.Context, ref string) ([]domain.VoteSession, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrVoteSessionNotFound
	}

	db, cancel := s.session(ctx)
	defer cancel()

	var sessions []domain.VoteSession
	if err := db.Preload("Domain").Where("message_ref = ?", ref).Order("id ASC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("database: vote sessions for message %s: %w", ref, err)
	}
	return sessions, nil
}

// GetOpenVoteSession returns the unresolved session for (domain, ip), or nil.
func (s *Store) GetOpenVoteSession(ctx context.Context, domainID uint, ip string) (*domain.VoteSession, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var session domain.VoteSession
	err := db.Where("domain_id = ? AND ip_address = ? AND is_resolved = ?", domainID, ip, false).
		Order("id DESC").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("database: open vote session for %s: %w", ip, err)
	}
	return &session, nil
}

func (s *Store) ListOpenVoteSessions(ctx context.Context) ([]domain.VoteSession, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var sessions []domain.VoteSession
	err := db.Preload("Domain").
		Where("is_resolved = ?", false).
		Order("created_at ASC").
		Order("id ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("database: list open vote sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) ListExpiredVoteSessions(ctx context.Context, now time.Time) ([]domain.VoteSession, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var sessions []domain.VoteSession
	err := db.Preload("Domain").
		Where("is_resolved = ? AND expires_at <= ?", false, now).
		Order("expires_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("database: list expired vote sessions: %w", err)
	}
	return sessions, nil
}

// CastVote records a voter's choice and recounts the session in a single
// transaction. A voter voting again replaces the earlier choice. When decide
// reaches a decision the session is resolved in the same transaction and an
// approved address is added to the known addresses.
func (s *Store) CastVote(ctx context.Context, sessionID uint, userID string, approve bool, now time.Time, decide DecideFunc) (VoteOutcome, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return VoteOutcome{}, fmt.Errorf("database: cast vote: empty voter id")
	}

	db, cancel := s.session(ctx)
	defer cancel()

	var outcome VoteOutcome
	err := db.Transaction(func(tx *gorm.DB) error {
		session, err := lockOpenSession(tx, sessionID)
		if err != nil {
			return err
		}

		vote := domain.UserVote{
			VoteSessionID: session.ID,
			UserID:        userID,
			Approve:       approve,
			VotedAt:       now,
		}
		err = tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vote_session_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"approve", "voted_at"}),
		}).Create(&vote).Error
		if err != nil {
			return fmt.Errorf("upsert vote: %w", err)
		}

		tally, err := recountVotes(tx, session.ID)
		if err != nil {
			return err
		}
		err = tx.Model(&domain.VoteSession{}).
			Where("id = ?", session.ID).
			Updates(map[string]any{
				"total_votes":   tally.Total,
				"approve_votes": tally.Approve,
				"reject_votes":  tally.Reject,
			}).Error
		if err != nil {
			return fmt.Errorf("update tallies: %w", err)
		}
		session.TotalVotes = tally.Total
		session.ApproveVotes = tally.Approve
		session.RejectVotes = tally.Reject

		if decide != nil {
			if decision := decide(tally); decision != nil {
				knownID, err := resolveSession(tx, session, *decision, now)
				if err != nil {
					return err
				}
				outcome.Resolved = true
				outcome.Decision = decision
				outcome.KnownAddressID = knownID
			}
		}

		outcome.Session = *session
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVoteSessionNotFound) || errors.Is(err, ErrVoteSessionResolved) {
			return VoteOutcome{}, err
		}
		return VoteOutcome{}, fmt.Errorf("database: cast vote on session %d: %w", sessionID, err)
	}

	return outcome, nil
}

// ResolveVoteSession closes an open session with the decision returned by
// decide for its current tallies. Only the first resolution wins; later
// attempts return ErrVoteSessionResolved.
func (s *Store) ResolveVoteSession(ctx context.Context, sessionID uint, decide ResolveFunc, now time.Time) (VoteOutcome, error) {
	if decide == nil {
		return VoteOutcome{}, fmt.Errorf("database: resolve vote session %d: nil decision", sessionID)
	}

	db, cancel := s.session(ctx)
	defer cancel()

	var outcome VoteOutcome
	err := db.Transaction(func(tx *gorm.DB) error {
		session, err := lockOpenSession(tx, sessionID)
		if err != nil {
			return err
		}

		decision := decide(Tally{
			Total:   session.TotalVotes,
			Approve: session.ApproveVotes,
			Reject:  session.RejectVotes,
		})
		knownID, err := resolveSession(tx, session, decision, now)
		if err != nil {
			return err
		}

		outcome = VoteOutcome{
			Session:        *session,
			Resolved:       true,
			Decision:       &decision,
			KnownAddressID: knownID,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVoteSessionNotFound) || errors.Is(err, ErrVoteSessionResolved) {
			return VoteOutcome{}, err
		}
		return VoteOutcome{}, fmt.Errorf("database: resolve vote session %d: %w", sessionID, err)
	}

	return outcome, nil
}

func lockOpenSession(tx *gorm.DB, sessionID uint) (*domain.VoteSession, error) {
	var session domain.VoteSession
	err := tx.Preload("Domain").
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", sessionID).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVoteSessionNotFound
		}
		return nil, err
	}
	if session.IsResolved {
		return nil, ErrVoteSessionResolved
	}
	return &session, nil
}

func recountVotes(tx *gorm.DB, sessionID uint) (Tally, error) {
	var total, approves int64
	if err := tx.Model(&domain.UserVote{}).Where("vote_session_id = ?", sessionID).Count(&total).Error; err != nil {
		return Tally{}, fmt.Errorf("count votes: %w", err)
	}
	err := tx.Model(&domain.UserVote{}).
		Where("vote_session_id = ? AND approve = ?", sessionID, true).
		Count(&approves).Error
	if err != nil {
		return Tally{}, fmt.Errorf("count approvals: %w", err)
	}

	return Tally{
		Total:   int(total),
		Approve: int(approves),
		Reject:  int(total - approves),
	}, nil
}

// resolveSession flips the resolved flag only if it is still unset, then
// promotes an approved address.
func resolveSession(tx *gorm.DB, session *domain.VoteSession, decision Decision, now time.Time) (uint, error) {
	res := tx.Model(&domain.VoteSession{}).
		Where("id = ? AND is_resolved = ?", session.ID, false).
		Updates(map[string]any{
			"is_resolved":       true,
			"final_decision":    decision.Approved,
			"resolution_reason": decision.Reason,
			"resolved_at":       now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("mark resolved: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, ErrVoteSessionResolved
	}

	approved := decision.Approved
	resolvedAt := now
	session.IsResolved = true
	session.FinalDecision = &approved
	session.ResolutionReason = decision.Reason
	session.ResolvedAt = &resolvedAt

	if !decision.Approved {
		return 0, nil
	}

	sessionID := session.ID
	knownID, err := addKnownAddress(tx, session.DomainID, session.IPAddress, domain.SystemIdentity, &sessionID)
	if err != nil {
		return 0, fmt.Errorf("promote address: %w", err)
	}
	return knownID, nil
}
