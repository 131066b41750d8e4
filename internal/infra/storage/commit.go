package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"venue_go/internal/domain"
	"venue_go/internal/event"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxCommitAttempts bounds retries after a (symbol, sequence) collision.
// The symbol's counter is resynced from the orders table before each retry.
const maxCommitAttempts = 3

// ErrCommandProcessed is returned when a command id was already committed.
var ErrCommandProcessed = errors.New("command already processed")

// CommitResult durably records the outcome of one command in a single transaction:
// the next per-symbol sequence, the order and trade rows, maker fills, the outbox
// rows for events, and the processed-command marker.
//
// On success the allocated sequence is written to res.Order.Sequence and to the
// order:accepted and trade:executed events. Rejections store only outbox rows
// and the marker.
func (s *Storage) CommitResult(ctx context.Context, commandID string, res *domain.MatchResult, events []event.MarketEvent) error {
	var err error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return commit(tx, commandID, res, events)
		})
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		slog.Warn("Sequence collision, retrying commit",
			slog.String("command_id", commandID),
			slog.String("symbol", res.Input.Symbol),
			slog.Int("attempt", attempt),
		)
		if rerr := s.resyncSequence(ctx, res.Input.Symbol); rerr != nil {
			return fmt.Errorf("resync sequence for %s: %w", res.Input.Symbol, rerr)
		}
	}
	return fmt.Errorf("commit %s failed after %d attempts: %w", commandID, maxCommitAttempts, err)
}

// IsCommandProcessed reports whether the command id was already committed.
func (s *Storage) IsCommandProcessed(ctx context.Context, commandID string) (bool, error) {
	if commandID == "" {
		return false, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.ProcessedCommand{}).Where("command_id = ?", commandID).Count(&n).Error
	return n > 0, err
}

// Enqueue writes events to the outbox in their own transaction.
func (s *Storage) Enqueue(ctx context.Context, events []event.MarketEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return enqueue(tx, events)
	})
}

func commit(tx *gorm.DB, commandID string, res *domain.MatchResult, events []event.MarketEvent) error {
	now := time.Now()

	if commandID != "" {
		var n int64
		if err := tx.Model(&domain.ProcessedCommand{}).Where("command_id = ?", commandID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrCommandProcessed
		}
	}

	marker := domain.ProcessedCommand{
		CommandID:   commandID,
		Symbol:      res.Input.Symbol,
		Status:      res.Status,
		ProcessedAt: now,
	}

	if res.Accepted() {
		order := res.Order
		seq, err := nextSequence(tx, order.Symbol)
		if err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}
		order.Sequence = seq
		if res.Resting != nil {
			res.Resting.Sequence = seq
		}

		rec := domain.OrderRecord{
			ID:                order.ID,
			UserID:            order.UserID,
			Symbol:            order.Symbol,
			Sequence:          seq,
			Side:              order.Side,
			Type:              order.Type,
			Price:             order.Price,
			Quantity:          order.OriginalQuantity,
			FilledQuantity:    order.Filled(),
			RemainingQuantity: order.Remaining(),
			Status:            order.SettledStatus(),
			PlacedAt:          order.Timestamp,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, t := range res.Trades {
			tr := domain.TradeRecord{
				ID:           t.ID,
				Symbol:       t.Symbol,
				TakerOrderID: t.TakerOrderID,
				MakerOrderID: t.MakerOrderID,
				Price:        t.Price,
				Quantity:     t.Quantity,
				ExecutedAt:   t.Timestamp,
			}
			if err := tx.Create(&tr).Error; err != nil {
				return fmt.Errorf("insert trade: %w", err)
			}
			if err := applyFill(tx, t.MakerOrderID, t.Quantity); err != nil {
				return fmt.Errorf("update maker %s: %w", t.MakerOrderID, err)
			}
		}

		stampSequence(events, seq)
		marker.OrderID = order.ID
	}

	if err := enqueue(tx, events); err != nil {
		return err
	}

	if commandID != "" {
		if err := tx.Create(&marker).Error; err != nil {
			return fmt.Errorf("mark command processed: %w", err)
		}
	}
	return nil
}

// nextSequence increments the symbol's counter atomically and returns the new value.
// The row lock taken by the upsert is held until the transaction ends.
func nextSequence(tx *gorm.DB, symbol string) (int64, error) {
	row := domain.SymbolSequence{Symbol: symbol, LastSequence: 1}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_sequence": gorm.Expr("symbol_sequences.last_sequence + 1"),
		}),
	}).Create(&row).Error
	if err != nil {
		return 0, err
	}

	if err := tx.First(&row, "symbol = ?", symbol).Error; err != nil {
		return 0, err
	}
	return row.LastSequence, nil
}

// resyncSequence raises the symbol's counter to the highest sequence already stored.
func (s *Storage) resyncSequence(ctx context.Context, symbol string) error {
	var highest int64
	err := s.db.WithContext(ctx).Model(&domain.OrderRecord{}).
		Where("symbol = ?", symbol).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&highest).Error
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&domain.SymbolSequence{}).
		Where("symbol = ? AND last_sequence < ?", symbol, highest).
		Update("last_sequence", highest).Error
}

func applyFill(tx *gorm.DB, makerID string, qty decimal.Decimal) error {
	var maker domain.OrderRecord
	err := tx.First(&maker, "id = ?", makerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The maker only ever lived in memory; there is no row to update.
		slog.Warn("Maker order not persisted", slog.String("order_id", makerID))
		return nil
	}
	if err != nil {
		return err
	}

	remaining := maker.RemainingQuantity.Sub(qty)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	return tx.Model(&domain.OrderRecord{}).Where("id = ?", makerID).Updates(map[string]interface{}{
		"remaining_quantity": remaining,
		"filled_quantity":    maker.Quantity.Sub(remaining),
		"status":             domain.DeriveStatus(remaining, maker.Quantity),
		"updated_at":         time.Now(),
	}).Error
}

func stampSequence(events []event.MarketEvent, seq int64) {
	for i := range events {
		ev := &events[i]
		switch p := ev.Payload.(type) {
		case event.OrderAccepted:
			p.Order.Sequence = seq
			ev.Payload = p
			ev.OrderSequence = seq
		case event.TradeExecuted:
			ev.OrderSequence = seq
		}
	}
}

func enqueue(tx *gorm.DB, events []event.MarketEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([]domain.OutboxRecord, 0, len(events))
	for _, ev := range events {
		payload, err := event.Encode(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.Type, err)
		}
		rows = append(rows, domain.OutboxRecord{
			EventID:       ev.EventID,
			EventType:     string(ev.Type),
			Payload:       payload,
			OrderSymbol:   ev.Symbol(),
			OrderSequence: ev.OrderSequence,
			ProducedAt:    time.UnixMilli(ev.ProducedAt),
		})
	}

	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
