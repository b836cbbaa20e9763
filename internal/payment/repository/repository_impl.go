package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/saasbilling/internal/payment/domain"
	"github.com/smallbiznis/saasbilling/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.LedgerRepository {
	return &repo{}
}

func (r *repo) HasProcessed(ctx context.Context, db *gorm.DB, eventID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM stripe_events WHERE event_id = ? AND status = ?`,
		eventID,
		domain.LedgerStatusProcessed,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) Record(ctx context.Context, db *gorm.DB, rec domain.LedgerRecord) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"type",
			"payload",
			"status",
			"outcome",
			"message",
			"processed_at",
			"updated_at",
		}),
	}).Create(&rec).Error
}

func (r *repo) RecordFailure(ctx context.Context, db *gorm.DB, rec domain.LedgerRecord) (bool, error) {
	written := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
			Create(&rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			written = true
			return nil
		}

		res = tx.Model(&domain.LedgerRecord{}).
			Where("event_id = ? AND status <> ?", rec.EventID, domain.LedgerStatusProcessed).
			Updates(map[string]any{
				"type":       rec.Type,
				"payload":    rec.Payload,
				"status":     rec.Status,
				"message":    rec.Message,
				"updated_at": rec.UpdatedAt,
			})
		written = res.RowsAffected > 0
		return res.Error
	})
	return written, err
}

func (r *repo) Claim(ctx context.Context, tx *gorm.DB, rec domain.LedgerRecord) (*domain.LedgerRecord, error) {
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return nil, err
	}

	var locked domain.LedgerRecord
	err = tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("event_id = ?", rec.EventID).
		Take(&locked).Error
	if err != nil {
		return nil, err
	}
	return &locked, nil
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, eventID string) (*domain.LedgerRecord, error) {
	var item domain.LedgerRecord
	err := db.WithContext(ctx).Where("event_id = ?", eventID).Take(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.LedgerFilter) ([]domain.LedgerRecord, error) {
	stmt := db.WithContext(ctx).Model(&domain.LedgerRecord{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		stmt = stmt.Where("type = ?", filter.Type)
	}
	stmt, err := pagination.Keyset(stmt, filter.Page, "id")
	if err != nil {
		return nil, err
	}

	var items []domain.LedgerRecord
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// Purge removes processed rows only; failed rows stay for replay.
func (r *repo) Purge(ctx context.Context, db *gorm.DB, olderThan time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM stripe_events WHERE status = ? AND created_at < ?`,
		domain.LedgerStatusProcessed,
		olderThan,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
