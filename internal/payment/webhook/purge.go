package webhook

import (
	"context"
	"time"

	"github.com/smallbiznis/saasbilling/internal/clock"
	"github.com/smallbiznis/saasbilling/internal/config"
	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultRetention     = 90 * 24 * time.Hour
	defaultPurgeInterval = time.Hour
)

// Purger deletes processed ledger rows past the retention window. Failed
// rows are kept for replay.
type Purger struct {
	db        *gorm.DB
	ledger    paymentdomain.LedgerRepository
	log       *zap.Logger
	clock     clock.Clock
	retention time.Duration
	interval  time.Duration
}

func NewPurger(db *gorm.DB, ledger paymentdomain.LedgerRepository, log *zap.Logger, clk clock.Clock, cfg config.Config) *Purger {
	retention := cfg.Ledger.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	interval := cfg.Ledger.PurgeInterval
	if interval <= 0 {
		interval = defaultPurgeInterval
	}
	return &Purger{
		db:        db,
		ledger:    ledger,
		log:       log.Named("billing.ledger.purge"),
		clock:     clk,
		retention: retention,
		interval:  interval,
	}
}

func (p *Purger) PurgeOnce(ctx context.Context) (int64, error) {
	cutoff := p.clock.Now().Add(-p.retention)
	deleted, err := p.ledger.Purge(ctx, p.db, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		p.log.Info("purged billing event ledger",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}

func (p *Purger) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PurgeOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("ledger purge failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
