package billingevent

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/saasbilling/internal/billingevent/domain"
	"github.com/smallbiznis/saasbilling/internal/billingevent/outbox"
	"github.com/smallbiznis/saasbilling/internal/billingevent/relay"
	"github.com/smallbiznis/saasbilling/internal/clock"
	"github.com/smallbiznis/saasbilling/internal/config"
	"github.com/smallbiznis/saasbilling/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("billing.events",
	fx.Provide(func(genID *snowflake.Node, clk clock.Clock) domain.Outbox {
		return outbox.NewOutbox(genID, clk)
	}),
	fx.Provide(newPublisher),
	fx.Provide(newRelay),
	fx.Invoke(runRelay),
)

func newPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (domain.Publisher, error) {
	if !cfg.Kafka.Enabled() {
		log.Info("kafka disabled, billing events are logged only")
		return relay.NewLogPublisher(log), nil
	}

	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, relay.NewSaramaConfig())
	if err != nil {
		return nil, err
	}
	publisher := relay.NewKafkaPublisher(producer, cfg.Kafka.Topic, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

func newRelay(db *gorm.DB, log *zap.Logger, publisher domain.Publisher, clk clock.Clock, m *metrics.Metrics, cfg config.Config) *relay.Relay {
	return relay.NewRelay(db, log, publisher, clk, m, cfg.Kafka.RelayBatch)
}

func runRelay(lc fx.Lifecycle, r *relay.Relay, cfg config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				r.Run(ctx, cfg.Kafka.RelayInterval)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
