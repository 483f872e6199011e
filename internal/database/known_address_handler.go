package database

import (
	"context"
	"fmt"
	"strings"

	"dnswarden/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AddKnownAddress trusts ip for the domain. Adding an address twice is a
// no-op that returns the original row id.
func (s *Store) AddKnownAddress(ctx context.Context, domainID uint, ip, addedBy string, sessionID *uint) (uint, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var id uint
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = addKnownAddress(tx, domainID, ip, addedBy, sessionID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("database: add known address %s for domain %d: %w", ip, domainID, err)
	}
	return id, nil
}

func addKnownAddress(tx *gorm.DB, domainID uint, ip, addedBy string, sessionID *uint) (uint, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return 0, fmt.Errorf("empty address")
	}
	if strings.TrimSpace(addedBy) == "" {
		addedBy = domain.SystemIdentity
	}

	entry := domain.KnownAddress{
		DomainID:      domainID,
		IPAddress:     ip,
		AddedBy:       addedBy,
		VoteSessionID: sessionID,
		IsConfirmed:   true,
	}
	err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain_id"}, {Name: "ip_address"}},
		DoNothing: true,
	}).Create(&entry).Error
	if err != nil {
		return 0, err
	}

	var existing domain.KnownAddress
	if err := tx.Where("domain_id = ? AND ip_address = ?", domainID, ip).First(&existing).Error; err != nil {
		return 0, err
	}
	return existing.ID, nil
}

func (s *Store) IsKnownAddress(ctx context.Context, domainID uint, ip string) (bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var count int64
	err := db.Model(&domain.KnownAddress{}).
		Where("domain_id = ? AND ip_address = ?", domainID, strings.TrimSpace(ip)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("database: lookup known address %s for domain %d: %w", ip, domainID, err)
	}
	return count > 0, nil
}

func (s *Store) GetKnownAddresses(ctx context.Context, domainID uint) ([]domain.KnownAddress, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var entries []domain.KnownAddress
	if err := db.Where("domain_id = ?", domainID).Order("ip_address ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("database: known addresses for domain %d: %w", domainID, err)
	}
	return entries, nil
}

// FilterUnknownAddresses returns the addresses from ips that are not trusted
// for the domain, keeping input order and dropping duplicates.
func (s *Store) FilterUnknownAddresses(ctx context.Context, domainID uint, ips []string) ([]string, error) {
	candidates := make([]string, 0, len(ips))
	seen := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if _, ok := seen[ip]; ok {
			continue
		}
		seen[ip] = struct{}{}
		candidates = append(candidates, ip)
	}
	if len(candidates) == 0 {
		return []string{}, nil
	}

	db, cancel := s.session(ctx)
	defer cancel()

	var known []string
	err := db.Model(&domain.KnownAddress{}).
		Where("domain_id = ? AND ip_address IN ?", domainID, candidates).
		Pluck("ip_address", &known).Error
	if err != nil {
		return nil, fmt.Errorf("database: filter known addresses for domain %d: %w", domainID, err)
	}

	knownSet := make(map[string]struct{}, len(known))
	for _, ip := range known {
		knownSet[ip] = struct{}{}
	}

	unknown := make([]string, 0, len(candidates))
	for _, ip := range candidates {
		if _, ok := knownSet[ip]; !ok {
			unknown = append(unknown, ip)
		}
	}
	return unknown, nil
}
