package domain

import "time"

// VoteSession is a pending or finished decision about one (domain, address) pair.
// Once IsResolved is set the row is never modified again.
type VoteSession struct {
	ID               uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	DomainID         uint       `gorm:"not null;index:idx_vote_session_domain_ip,priority:1" json:"domain_id"`
	IPAddress        string     `gorm:"size:45;not null;index:idx_vote_session_domain_ip,priority:2" json:"ip_address"`
	MessageRef       string     `gorm:"size:128;not null;index" json:"message_ref"`
	TotalVotes       int        `gorm:"not null;default:0" json:"total_votes"`
	ApproveVotes     int        `gorm:"not null;default:0" json:"approve_votes"`
	RejectVotes      int        `gorm:"not null;default:0" json:"reject_votes"`
	IsResolved       bool       `gorm:"not null;default:false;index" json:"is_resolved"`
	FinalDecision    *bool      `json:"final_decision,omitempty"`
	ResolutionReason string     `gorm:"size:64" json:"resolution_reason,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	ExpiresAt        time.Time  `gorm:"not null;index" json:"expires_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`

	Domain Domain `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
}

// UserVote is one voter's current choice within a session.
type UserVote struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	VoteSessionID uint      `gorm:"not null;uniqueIndex:idx_user_vote_session_user,priority:1"`
	UserID        string    `gorm:"size:128;not null;uniqueIndex:idx_user_vote_session_user,priority:2"`
	Approve       bool      `gorm:"not null"`
	VotedAt       time.Time `gorm:"not null"`

	VoteSession VoteSession `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
}

// Resolution reasons stored in VoteSession.ResolutionReason.
const (
	ResolutionVotes   = "votes"
	ResolutionExpired = "expired"
	ResolutionManual  = "manual"
)
