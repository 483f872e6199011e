package domain

import "time"

// SystemIdentity is recorded as confirmer when the service itself trusts an address.
const SystemIdentity = "vote_system"

// KnownAddress is an address trusted for a domain.
type KnownAddress struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	DomainID      uint      `gorm:"not null;uniqueIndex:idx_known_address_domain_ip,priority:1" json:"domain_id"`
	IPAddress     string    `gorm:"size:45;not null;uniqueIndex:idx_known_address_domain_ip,priority:2" json:"ip_address"`
	AddedBy       string    `gorm:"size:128;not null" json:"added_by"`
	VoteSessionID *uint     `gorm:"index" json:"vote_session_id,omitempty"`
	IsConfirmed   bool      `gorm:"not null;default:true" json:"is_confirmed"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"added_at"`

	Domain Domain `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
}
