package storage

import (
	"context"
	"time"

	"venue_go/internal/domain"

	"gorm.io/gorm"
)

// PendingOutbox returns up to limit unpublished rows in commit order.
func (s *Storage) PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	var rows []domain.OutboxRecord
	err := s.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("id").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// CountPendingOutbox returns the number of unpublished rows.
func (s *Storage) CountPendingOutbox(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.OutboxRecord{}).Where("published_at IS NULL").Count(&n).Error
	return n, err
}

// MarkPublished stamps rows as published and counts the delivery attempt.
func (s *Storage) MarkPublished(ctx context.Context, ids []uint64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Model(&domain.OutboxRecord{}).
			Where("id IN ? AND published_at IS NULL", ids).
			Updates(map[string]interface{}{
				"published_at": at,
				"attempts":     gorm.Expr("attempts + 1"),
				"last_error":   "",
			}).Error
	})
}

// RecordPublishFailure counts a failed attempt without publishing the rows.
func (s *Storage) RecordPublishFailure(ctx context.Context, ids []uint64, cause error) error {
	if len(ids) == 0 {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
		if len(msg) > 500 {
			msg = msg[:500]
		}
	}
	return s.db.WithContext(ctx).Model(&domain.OutboxRecord{}).
		Where("id IN ? AND published_at IS NULL", ids).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": msg,
		}).Error
}

// PurgeStats reports how many rows a retention sweep removed.
type PurgeStats struct {
	Outbox      int64
	Idempotency int64
	Commands    int64
}

// PurgeExpired deletes published outbox rows older than outboxBefore and
// idempotency keys and processed-command markers older than keysBefore.
// Unpublished outbox rows are never deleted.
func (s *Storage) PurgeExpired(ctx context.Context, outboxBefore, keysBefore time.Time) (PurgeStats, error) {
	var stats PurgeStats
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("published_at IS NOT NULL AND published_at < ?", outboxBefore).Delete(&domain.OutboxRecord{})
		if res.Error != nil {
			return res.Error
		}
		stats.Outbox = res.RowsAffected

		res = tx.Where("created_at < ?", keysBefore).Delete(&domain.IdempotencyRecord{})
		if res.Error != nil {
			return res.Error
		}
		stats.Idempotency = res.RowsAffected

		res = tx.Where("processed_at < ?", keysBefore).Delete(&domain.ProcessedCommand{})
		if res.Error != nil {
			return res.Error
		}
		stats.Commands = res.RowsAffected
		return nil
	})
	return stats, err
}
