package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/saasbilling/internal/clock"
	"github.com/smallbiznis/saasbilling/internal/observability/metrics"
	organizationdomain "github.com/smallbiznis/saasbilling/internal/organization/domain"
	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
	"github.com/smallbiznis/saasbilling/internal/payment/router"
	plandomain "github.com/smallbiznis/saasbilling/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/saasbilling/internal/subscription/domain"
	"github.com/smallbiznis/saasbilling/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxMessageLength = 1024

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Verifier paymentdomain.Verifier
	Parser   paymentdomain.Parser
	Ledger   paymentdomain.LedgerRepository
	Router   *router.Router
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	verifier paymentdomain.Verifier
	parser   paymentdomain.Parser
	ledger   paymentdomain.LedgerRepository
	router   *router.Router
	metrics  *metrics.Metrics
}

func NewService(p Params) paymentdomain.WebhookService {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("billing.webhook"),
		genID:    p.GenID,
		clock:    p.Clock,
		verifier: p.Verifier,
		parser:   p.Parser,
		ledger:   p.Ledger,
		router:   p.Router,
		metrics:  p.Metrics,
	}
}

// Ingest verifies, parses and applies one delivery. A nil return means the
// delivery may be acknowledged; ErrHandlerFailed asks the provider to retry.
func (s *Service) Ingest(ctx context.Context, payload []byte, signatureHeader string) error {
	if err := s.verifier.Verify(payload, signatureHeader); err != nil {
		s.log.Warn("rejected webhook delivery",
			zap.Bool("security", true),
			zap.Int("payload_bytes", len(payload)),
			zap.Error(err),
		)
		s.metrics.RecordWebhookEvent(ctx, "unverified", "invalid_signature")
		return err
	}

	event, err := s.parser.Parse(payload)
	if err != nil {
		s.log.Warn("invalid webhook payload", zap.Error(err))
		s.metrics.RecordWebhookEvent(ctx, "unparsed", "invalid_payload")
		return err
	}

	return s.process(ctx, event)
}

// Replay re-runs a stored event that has not been processed.
func (s *Service) Replay(ctx context.Context, eventID string) error {
	record, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if record.Status == paymentdomain.LedgerStatusProcessed {
		return paymentdomain.ErrEventProcessed
	}

	event, err := s.parser.Parse(record.Payload)
	if err != nil {
		return err
	}
	s.log.Info("replaying billing event",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("previous_status", string(record.Status)),
	)
	return s.process(ctx, event)
}

func (s *Service) GetEvent(ctx context.Context, eventID string) (*paymentdomain.LedgerRecord, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, paymentdomain.ErrEventNotFound
	}
	record, err := s.ledger.Get(ctx, s.db, eventID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, paymentdomain.ErrEventNotFound
	}
	return record, nil
}

func (s *Service) ListEvents(ctx context.Context, filter paymentdomain.LedgerFilter) (paymentdomain.ListEventsResponse, error) {
	items, err := s.ledger.List(ctx, s.db, filter)
	if err != nil {
		return paymentdomain.ListEventsResponse{}, err
	}

	var encodeErr error
	items, pageInfo := pagination.BuildCursorPageInfo(items, filter.Page.Size(), func(rec paymentdomain.LedgerRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: rec.ID.String()})
		if err != nil {
			encodeErr = err
		}
		return token
	})
	if encodeErr != nil {
		return paymentdomain.ListEventsResponse{}, encodeErr
	}
	if items == nil {
		items = []paymentdomain.LedgerRecord{}
	}
	return paymentdomain.ListEventsResponse{Events: items, PageInfo: pageInfo}, nil
}

func (s *Service) process(ctx context.Context, event *paymentdomain.Event) error {
	log := s.log.With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)

	processed, err := s.ledger.HasProcessed(ctx, s.db, event.ID)
	if err != nil {
		return err
	}
	if processed {
		log.Info("duplicate billing event acknowledged")
		s.metrics.RecordWebhookEvent(ctx, event.Type, "duplicate")
		return nil
	}

	var (
		result    router.Result
		duplicate bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.ledger.Claim(ctx, tx, s.newRecord(event, paymentdomain.LedgerStatusReceived))
		if err != nil {
			return err
		}
		if claimed.Status == paymentdomain.LedgerStatusProcessed {
			duplicate = true
			return nil
		}

		result, err = s.dispatch(ctx, tx, event)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		record := s.newRecord(event, paymentdomain.LedgerStatusProcessed)
		record.Outcome = result.Outcome
		record.Message = truncate(result.Message)
		record.ProcessedAt = &now
		return s.ledger.Record(ctx, tx, record)
	})
	if err != nil {
		s.recordFailure(ctx, log, event, err)
		return fmt.Errorf("%w: %w", paymentdomain.ErrHandlerFailed, err)
	}

	if duplicate {
		log.Info("billing event processed by a concurrent delivery")
		s.metrics.RecordWebhookEvent(ctx, event.Type, "duplicate")
		return nil
	}

	log.Info("billing event processed", zap.String("outcome", result.Outcome))
	s.metrics.RecordWebhookEvent(ctx, event.Type, "processed")
	return nil
}

// dispatch converts a handler panic into an error so the delivery is
// recorded as failed instead of crashing the request.
func (s *Service) dispatch(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) (result router.Result, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.log.Error("billing event handler panicked",
				zap.String("event_id", event.ID),
				zap.Any("panic", recovered),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	return s.router.Dispatch(ctx, tx, event)
}

func (s *Service) recordFailure(ctx context.Context, log *zap.Logger, event *paymentdomain.Event, cause error) {
	if reason := resolutionFailure(cause); reason != "" {
		log.Error("billing event could not be resolved",
			zap.Bool("alert", true),
			zap.String("reason", reason),
			zap.Error(cause),
		)
		s.metrics.RecordResolutionFailure(ctx, event.Type, reason)
	} else {
		log.Error("billing event handler failed", zap.Error(cause))
	}
	s.metrics.RecordWebhookEvent(ctx, event.Type, "failed")

	record := s.newRecord(event, paymentdomain.LedgerStatusFailed)
	record.Message = truncate(cause.Error())
	written, err := s.ledger.RecordFailure(context.WithoutCancel(ctx), s.db, record)
	if err != nil {
		log.Error("failed to record billing event failure", zap.Error(err))
		return
	}
	if !written {
		log.Info("billing event already processed by a concurrent delivery, failure not recorded")
	}
}

func (s *Service) newRecord(event *paymentdomain.Event, status paymentdomain.LedgerStatus) paymentdomain.LedgerRecord {
	now := s.clock.Now()
	return paymentdomain.LedgerRecord{
		ID:        s.genID.Generate(),
		EventID:   event.ID,
		Type:      event.Type,
		Payload:   datatypes.JSON(event.Raw),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func resolutionFailure(err error) string {
	switch {
	case errors.Is(err, plandomain.ErrPlanNotFound):
		return "plan_not_found"
	case errors.Is(err, organizationdomain.ErrOrganizationNotFound):
		return "organization_not_found"
	case errors.Is(err, subscriptiondomain.ErrMissingPrice):
		return "missing_price"
	default:
		return ""
	}
}

func truncate(message string) string {
	if len(message) > maxMessageLength {
		return message[:maxMessageLength]
	}
	return message
}
