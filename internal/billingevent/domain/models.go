package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventSubscriptionReconciled = "subscription.reconciled"
	EventCustomerProvisioned    = "customer.provisioned"
)

// BillingEvent captures outbox events for billing workflows.
type BillingEvent struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_billing_event_dedupe,priority:1" json:"org_id"`
	EventType   string            `gorm:"type:text;not null" json:"event_type"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb;not null" json:"payload"`
	DedupeKey   *string           `gorm:"type:text;uniqueIndex:ux_billing_event_dedupe,priority:2" json:"dedupe_key,omitempty"`
	Published   bool              `gorm:"not null;default:false;index" json:"published"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Attempts    int               `gorm:"not null;default:0" json:"attempts"`
	LastError   string            `gorm:"type:text;not null;default:''" json:"last_error"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }

type Event struct {
	OrgID     snowflake.ID
	Type      string
	DedupeKey string
	Payload   map[string]any
}

// Outbox stores events in the caller's transaction so they commit or roll
// back with the state change they describe.
type Outbox interface {
	Enqueue(ctx context.Context, tx *gorm.DB, event Event) error
}

// Publisher delivers a stored event to the message bus.
type Publisher interface {
	Publish(ctx context.Context, event BillingEvent) error
	Close() error
}
