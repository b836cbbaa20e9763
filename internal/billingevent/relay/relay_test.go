package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/smallbiznis/saasbilling/internal/billingevent/domain"
	"github.com/smallbiznis/saasbilling/internal/billingevent/outbox"
	"github.com/smallbiznis/saasbilling/internal/billingevent/relay"
	"github.com/smallbiznis/saasbilling/internal/clock"
	"github.com/smallbiznis/saasbilling/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func seedEvents(t *testing.T, db *gorm.DB, clk *clock.FakeClock, n int) {
	t.Helper()
	node := testutil.Node(t)
	box := outbox.NewOutbox(node, clk)
	for i := 0; i < n; i++ {
		err := box.Enqueue(context.Background(), db, domain.Event{
			OrgID:   node.Generate(),
			Type:    domain.EventSubscriptionReconciled,
			Payload: map[string]any{"seq": i},
		})
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
}

func TestProcessPendingPublishesToKafka(t *testing.T) {
	db := testutil.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	seedEvents(t, db, clk, 2)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var msg map[string]any
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		if msg["event_type"] != domain.EventSubscriptionReconciled {
			return fmt.Errorf("unexpected event_type %v", msg["event_type"])
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	publisher := relay.NewKafkaPublisher(producer, "billing.events", zap.NewNop())
	r := relay.NewRelay(db, zap.NewNop(), publisher, clk, nil, 10)

	sent, err := r.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int64(2), testutil.Count(t, db, "billing_events", "published = ?", true))

	sent, err = r.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	require.NoError(t, publisher.Close())
}

func TestProcessPendingStopsOnFailure(t *testing.T) {
	db := testutil.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	seedEvents(t, db, clk, 2)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker down"))

	publisher := relay.NewKafkaPublisher(producer, "billing.events", zap.NewNop())
	r := relay.NewRelay(db, zap.NewNop(), publisher, clk, nil, 10)

	sent, err := r.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, int64(0), testutil.Count(t, db, "billing_events", "published = ?", true))
	assert.Equal(t, int64(1), testutil.Count(t, db, "billing_events", "attempts = ? AND last_error LIKE ?", 1, "%broker down%"))
	assert.Equal(t, int64(1), testutil.Count(t, db, "billing_events", "attempts = ?", 0))

	require.NoError(t, publisher.Close())
}

func TestLogPublisherMarksEventsPublished(t *testing.T) {
	db := testutil.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	seedEvents(t, db, clk, 3)

	r := relay.NewRelay(db, zap.NewNop(), relay.NewLogPublisher(zap.NewNop()), clk, nil, 2)

	sent, err := r.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	sent, err = r.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, int64(0), testutil.Count(t, db, "billing_events", "published = ?", false))
}

func TestOutboxDeduplicates(t *testing.T) {
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	box := outbox.NewOutbox(node, clk)
	orgID := node.Generate()

	for i := 0; i < 2; i++ {
		err := box.Enqueue(context.Background(), db, domain.Event{
			OrgID:     orgID,
			Type:      domain.EventCustomerProvisioned,
			DedupeKey: "customer:cus_1",
		})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), testutil.Count(t, db, "billing_events", ""))

	err := box.Enqueue(context.Background(), db, domain.Event{Type: domain.EventCustomerProvisioned})
	assert.ErrorIs(t, err, outbox.ErrInvalidEvent)
}
