package domain

import "time"

// DNS response codes stored in DNSRecord.Status.
const (
	DNSStatusNoError  = 0
	DNSStatusServFail = 2
	DNSStatusNXDomain = 3
)

// DNSRecord is one immutable observation of a domain's resolved addresses.
type DNSRecord struct {
	ID             uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	DomainID       uint        `gorm:"not null;index:idx_dns_record_domain_checked,priority:1" json:"domain_id"`
	IPAddresses    AddressList `gorm:"type:json;not null" json:"ip_addresses"`
	TTL            *uint32     `json:"ttl,omitempty"`
	Status         int         `gorm:"not null" json:"dns_status"`
	SOASerial      string      `gorm:"size:32" json:"soa_serial,omitempty"`
	Nameserver     string      `gorm:"size:253" json:"nameserver,omitempty"`
	AdminEmail     string      `gorm:"size:253" json:"admin_email,omitempty"`
	Resolver       string      `gorm:"size:255" json:"resolver,omitempty"`
	Error          string      `gorm:"type:text" json:"error,omitempty"`
	ChangeDetected bool        `gorm:"not null;default:false" json:"change_detected"`
	ChangeType     string      `gorm:"size:32" json:"change_type,omitempty"`
	PreviousIPs    AddressList `gorm:"type:json" json:"previous_ips,omitempty"`
	CheckedAt      time.Time   `gorm:"not null;index:idx_dns_record_domain_checked,priority:2" json:"checked_at"`

	Domain Domain `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
}

// Succeeded reports whether the observation came from a successful lookup.
func (r DNSRecord) Succeeded() bool {
	return r.Status == DNSStatusNoError && r.Error == ""
}
