package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dnswarden/internal/domain"

	"gorm.io/gorm"
)

// AddDomain starts monitoring a name. A previously removed domain is
// reactivated; an active one yields ErrDomainExists.
func (s *Store) AddDomain(ctx context.Context, name string, isStatic bool, addedBy string) (*domain.Domain, error) {
	normalized, err := domain.NormalizeName(name)
	if err != nil {
		return nil, err
	}

	db, cancel := s.session(ctx)
	defer cancel()

	var result domain.Domain
	err = db.Transaction(func(tx *gorm.DB) error {
		var existing domain.Domain
		err := tx.Where("name = ?", normalized).First(&existing).Error
		switch {
		case err == nil:
			if existing.IsActive {
				return ErrDomainExists
			}
			updates := map[string]any{
				"is_active": true,
				"is_static": isStatic,
				"added_by":  strings.TrimSpace(addedBy),
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return err
			}
			existing.IsActive = true
			existing.IsStatic = isStatic
			existing.AddedBy = strings.TrimSpace(addedBy)
			result = existing
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			result = domain.Domain{
				Name:     normalized,
				IsStatic: isStatic,
				AddedBy:  strings.TrimSpace(addedBy),
				IsActive: true,
			}
			return tx.Create(&result).Error
		default:
			return err
		}
	})
	if err != nil {
		if errors.Is(err, ErrDomainExists) {
			return nil, err
		}
		return nil, fmt.Errorf("database: add domain %s: %w", normalized, err)
	}

	return &result, nil
}

// RemoveDomain stops monitoring a name. History is kept.
func (s *Store) RemoveDomain(ctx context.Context, name string) error {
	normalized, err := domain.NormalizeName(name)
	if err != nil {
		return err
	}

	db, cancel := s.session(ctx)
	defer cancel()

	res := db.Model(&domain.Domain{}).
		Where("name = ? AND is_active = ?", normalized, true).
		Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("database: remove domain %s: %w", normalized, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDomainNotFound
	}
	return nil
}

func (s *Store) GetActiveDomains(ctx context.Context) ([]domain.Domain, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var domains []domain.Domain
	if err := db.Where("is_active = ?", true).Order("name ASC").Find(&domains).Error; err != nil {
		return nil, fmt.Errorf("database: list active domains: %w", err)
	}
	return domains, nil
}

// GetDomainByName returns an active domain.
func (s *Store) GetDomainByName(ctx context.Context, name string) (*domain.Domain, error) {
	normalized, err := domain.NormalizeName(name)
	if err != nil {
		return nil, err
	}

	db, cancel := s.session(ctx)
	defer cancel()

	var entity domain.Domain
	if err := db.Where("name = ? AND is_active = ?", normalized, true).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDomainNotFound
		}
		return nil, fmt.Errorf("database: get domain %s: %w", normalized, err)
	}
	return &entity, nil
}

func (s *Store) GetDomain(ctx context.Context, id uint) (*domain.Domain, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	var entity domain.Domain
	if err := db.First(&entity, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDomainNotFound
		}
		return nil, fmt.Errorf("database: get domain %d: %w", id, err)
	}
	return &entity, nil
}
