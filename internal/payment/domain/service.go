package domain

import (
	"context"

	"github.com/smallbiznis/saasbilling/pkg/db/pagination"
)

type ListEventsResponse struct {
	Events   []LedgerRecord      `json:"events"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

// WebhookService is the inbound side of the billing provider.
type WebhookService interface {
	Ingest(ctx context.Context, payload []byte, signatureHeader string) error
	Replay(ctx context.Context, eventID string) error
	GetEvent(ctx context.Context, eventID string) (*LedgerRecord, error)
	ListEvents(ctx context.Context, filter LedgerFilter) (ListEventsResponse, error)
}
