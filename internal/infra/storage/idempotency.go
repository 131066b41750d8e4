package storage

import (
	"context"
	"errors"
	"time"

	"venue_go/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClaimIdempotencyKey inserts rec unless the key already exists.
// It reports whether this call created the row.
func (s *Storage) ClaimIdempotencyKey(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetIdempotencyKey loads a key. Not found is (nil, nil).
func (s *Storage) GetIdempotencyKey(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := s.db.WithContext(ctx).First(&rec, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkIdempotencyEnqueued records that the key's command reached the bus.
func (s *Storage) MarkIdempotencyEnqueued(ctx context.Context, key string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("idempotency_key = ?", key).
		Update("enqueued_at", at).Error
}

// ReleaseIdempotencyKey deletes a claim whose command never reached the bus.
func (s *Storage) ReleaseIdempotencyKey(ctx context.Context, key, commandID string) error {
	return s.db.WithContext(ctx).
		Where("idempotency_key = ? AND command_id = ? AND enqueued_at IS NULL", key, commandID).
		Delete(&domain.IdempotencyRecord{}).Error
}
