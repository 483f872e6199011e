package database

import (
	"context"
	"fmt"

	"dnswarden/internal/domain"
)

// AddNotification appends an entry to the notification audit log.
func (s *Store) AddNotification(ctx context.Context, notification *domain.Notification) error {
	if notification == nil {
		return fmt.Errorf("database: add notification: nil notification")
	}

	db, cancel := s.session(ctx)
	defer cancel()

	if err := db.Create(notification).Error; err != nil {
		return fmt.Errorf("database: add notification %q: %w", notification.Title, err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	db, cancel := s.session(ctx)
	defer cancel()

	var notifications []domain.Notification
	if err := db.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&notifications).Error; err != nil {
		return nil, fmt.Errorf("database: list notifications: %w", err)
	}
	return notifications, nil
}
