package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type tokenRecord struct {
	UserID    string    `gorm:"primaryKey;size:255"`
	Token     string    `gorm:"size:255;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (tokenRecord) TableName() string { return "resume_tokens" }

// GormTracker stores resume tokens in a database, sharing the registry's
// connection so multi-replica deployments see the same tokens.
type GormTracker struct {
	db *gorm.DB
}

// NewGormTracker migrates the resume_tokens table and returns the tracker.
func NewGormTracker(db *gorm.DB) (*GormTracker, error) {
	if err := db.AutoMigrate(&tokenRecord{}); err != nil {
		return nil, fmt.Errorf("migrating session schema: %w", err)
	}
	return &GormTracker{db: db}, nil
}

func (t *GormTracker) Get(ctx context.Context, userID string) (string, error) {
	var rec tokenRecord
	err := t.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading resume token: %w", err)
	}
	return rec.Token, nil
}

func (t *GormTracker) Set(ctx context.Context, userID, token string) error {
	rec := tokenRecord{UserID: userID, Token: token, UpdatedAt: time.Now().UTC()}
	if err := t.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("writing resume token: %w", err)
	}
	return nil
}

func (t *GormTracker) Clear(ctx context.Context, userID string) error {
	if err := t.db.WithContext(ctx).Delete(&tokenRecord{}, "user_id = ?", userID).Error; err != nil {
		return fmt.Errorf("clearing resume token: %w", err)
	}
	return nil
}

var _ Tracker = (*GormTracker)(nil)
