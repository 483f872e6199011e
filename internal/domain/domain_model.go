package domain

import "time"

// Domain is a monitored name. Domains are never hard-deleted; removal clears IsActive.
type Domain struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"size:253;not null;uniqueIndex" json:"domain"`
	IsStatic  bool      `gorm:"not null;default:false" json:"is_static"`
	AddedBy   string    `gorm:"size:128" json:"added_by,omitempty"`
	IsActive  bool      `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"added_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"-"`
}
