package relay

import (
	"context"
	"time"

	"github.com/smallbiznis/saasbilling/internal/billingevent/domain"
	"github.com/smallbiznis/saasbilling/internal/clock"
	"github.com/smallbiznis/saasbilling/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchSize = 100
	defaultInterval  = 5 * time.Second
	maxErrorLength   = 512
)

// Relay moves unpublished outbox rows to the publisher, oldest first.
type Relay struct {
	db        *gorm.DB
	log       *zap.Logger
	publisher domain.Publisher
	clock     clock.Clock
	metrics   *metrics.Metrics
	batchSize int
}

func NewRelay(db *gorm.DB, log *zap.Logger, publisher domain.Publisher, clk clock.Clock, m *metrics.Metrics, batchSize int) *Relay {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Relay{
		db:        db,
		log:       log.Named("billing.relay"),
		publisher: publisher,
		clock:     clk,
		metrics:   m,
		batchSize: batchSize,
	}
}

// ProcessPending publishes one batch and returns how many rows were sent.
// A failed row stops the batch so ordering per run is preserved.
func (r *Relay) ProcessPending(ctx context.Context) (int, error) {
	var events []domain.BillingEvent
	err := r.db.WithContext(ctx).
		Where("published = ?", false).
		Order("created_at ASC").
		Order("id ASC").
		Limit(r.batchSize).
		Find(&events).Error
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, event := range events {
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.log.Warn("failed to publish billing event",
				zap.String("billing_event_id", event.ID.String()),
				zap.String("event_type", event.EventType),
				zap.Error(err),
			)
			if markErr := r.markFailed(ctx, event, err); markErr != nil {
				return sent, markErr
			}
			return sent, nil
		}
		if err := r.markPublished(ctx, event); err != nil {
			return sent, err
		}
		r.metrics.RecordOutboxPublished(ctx, event.EventType, 1)
		sent++
	}
	return sent, nil
}

func (r *Relay) markPublished(ctx context.Context, event domain.BillingEvent) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE billing_events SET published = ?, published_at = ?, attempts = attempts + 1 WHERE id = ?`,
		true,
		r.clock.Now(),
		event.ID,
	).Error
}

func (r *Relay) markFailed(ctx context.Context, event domain.BillingEvent, cause error) error {
	message := cause.Error()
	if len(message) > maxErrorLength {
		message = message[:maxErrorLength]
	}
	return r.db.WithContext(ctx).Exec(
		`UPDATE billing_events SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		message,
		event.ID,
	).Error
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.ProcessPending(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("billing event relay failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
