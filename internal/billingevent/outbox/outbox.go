package outbox

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/saasbilling/internal/billingevent/domain"
	"github.com/smallbiznis/saasbilling/internal/clock"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidEvent = errors.New("invalid_billing_event")

type outbox struct {
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(genID *snowflake.Node, clk clock.Clock) domain.Outbox {
	return &outbox{genID: genID, clock: clk}
}

func (o *outbox) Enqueue(ctx context.Context, tx *gorm.DB, event domain.Event) error {
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" || event.OrgID == 0 {
		return ErrInvalidEvent
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		payload[key] = value
	}

	row := domain.BillingEvent{
		ID:        o.genID.Generate(),
		OrgID:     event.OrgID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: o.clock.Now(),
	}
	if key := strings.TrimSpace(event.DedupeKey); key != "" {
		row.DedupeKey = &key
	}

	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}
