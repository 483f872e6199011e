package domain

import "time"

const (
	NotificationKindVoteRequest = "vote_request"
	NotificationKindDecision    = "vote_decision"
)

// Notification records every message handed to the notification channel.
type Notification struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	DomainID       *uint     `gorm:"index" json:"domain_id,omitempty"`
	Kind           string    `gorm:"size:32;not null" json:"kind"`
	Title          string    `gorm:"size:255;not null" json:"title"`
	Content        string    `gorm:"type:text" json:"content"`
	MessageRef     string    `gorm:"size:128" json:"message_ref,omitempty"`
	RequiresAction bool      `gorm:"not null;default:false" json:"requires_action"`
	Delivered      bool      `gorm:"not null;default:false" json:"delivered"`
	Error          string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
