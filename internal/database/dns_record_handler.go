package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dnswarden/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultHistoryLimit = 100

func (s *Store) AddDNSRecord(ctx context.Context, record *domain.DNSRecord) error {
	if record == nil {
		return fmt.Errorf("database: add dns record: nil record")
	}
	if record.CheckedAt.IsZero() {
		record.CheckedAt = time.Now().UTC()
	}
	if record.IPAddresses == nil {
		record.IPAddresses = domain.AddressList{}
	}

	db, cancel := s.session(ctx)
	defer cancel()

	if err := db.Omit(clause.Associations).Create(record).Error; err != nil {
		return fmt.Errorf("database: add dns record for domain %d: %w", record.DomainID, err)
	}
	return nil
}

// GetLatestDNSRecord returns the newest snapshot of a domain, or nil when the
// domain has never been checked.
func (s *Store) GetLatestDNSRecord(ctx context.Context, domainID uint) (*domain.DNSRecord, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	return latestRecord(db.Where("domain_id = ?", domainID), domainID)
}

// GetLatestSuccessfulDNSRecord skips failed lookups; it is the baseline used
// for change detection.
func (s *Store) GetLatestSuccessfulDNSRecord(ctx context.Context, domainID uint) (*domain.DNSRecord, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	return latestRecord(successfulRecords(db.Where("domain_id = ?", domainID)), domainID)
}

func latestRecord(query *gorm.DB, domainID uint) (*domain.DNSRecord, error) {
	var record domain.DNSRecord
	err := query.Order("checked_at DESC").Order("id DESC").First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("database: latest dns record for domain %d: %w", domainID, err)
	}
	return &record, nil
}

func successfulRecords(db *gorm.DB) *gorm.DB {
	return db.Where("status = ? AND (error = '' OR error IS NULL)", domain.DNSStatusNoError)
}

// GetDNSHistory returns up to limit snapshots, newest first.
func (s *Store) GetDNSHistory(ctx context.Context, domainID uint, limit int) ([]domain.DNSRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	db, cancel := s.session(ctx)
	defer cancel()

	var records []domain.DNSRecord
	err := db.Where("domain_id = ?", domainID).
		Order("checked_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("database: dns history for domain %d: %w", domainID, err)
	}
	return records, nil
}

// PruneDNSRecords deletes snapshots older than cutoff. The latest successful
// snapshot of every domain survives so change detection keeps its baseline.
func (s *Store) PruneDNSRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	baseline := successfulRecords(db.Session(&gorm.Session{NewDB: true}).Model(&domain.DNSRecord{})).
		Select("MAX(id)").
		Group("domain_id")

	res := db.Where("checked_at < ?", cutoff).
		Where("id NOT IN (?)", baseline).
		Delete(&domain.DNSRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("database: prune dns records: %w", res.Error)
	}
	return res.RowsAffected, nil
}
