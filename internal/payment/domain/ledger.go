package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/saasbilling/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type LedgerStatus string

const (
	LedgerStatusReceived  LedgerStatus = "received"
	LedgerStatusProcessed LedgerStatus = "processed"
	LedgerStatusFailed    LedgerStatus = "failed"
)

// LedgerRecord is one row per provider event id.
type LedgerRecord struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	EventID     string         `json:"event_id" gorm:"type:text;not null;uniqueIndex:ux_stripe_events_event_id"`
	Type        string         `json:"type" gorm:"type:text;not null;index"`
	Payload     datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Status      LedgerStatus   `json:"status" gorm:"type:text;not null;index"`
	Outcome     string         `json:"outcome" gorm:"type:text;not null;default:''"`
	Message     string         `json:"message" gorm:"type:text;not null;default:''"`
	ProcessedAt *time.Time     `json:"processed_at"`
	CreatedAt   time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time      `json:"updated_at" gorm:"not null"`
}

func (LedgerRecord) TableName() string { return "stripe_events" }

type LedgerFilter struct {
	Status LedgerStatus
	Type   string
	Page   pagination.Pagination
}

type LedgerRepository interface {
	// HasProcessed is true only for status processed.
	HasProcessed(ctx context.Context, db *gorm.DB, eventID string) (bool, error)
	// Record upserts by event id and always overwrites the mutable columns.
	Record(ctx context.Context, db *gorm.DB, rec LedgerRecord) error
	// RecordFailure stores a failed attempt unless the event is already
	// processed. It reports whether a row was written.
	RecordFailure(ctx context.Context, db *gorm.DB, rec LedgerRecord) (bool, error)
	// Claim inserts a received row when absent and locks it for tx.
	Claim(ctx context.Context, tx *gorm.DB, rec LedgerRecord) (*LedgerRecord, error)
	Get(ctx context.Context, db *gorm.DB, eventID string) (*LedgerRecord, error)
	List(ctx context.Context, db *gorm.DB, filter LedgerFilter) ([]LedgerRecord, error)
	Purge(ctx context.Context, db *gorm.DB, olderThan time.Time) (int64, error)
}
