package stripe

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
)

type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// expandableID decodes a reference that is either an id string or an
// expanded object carrying an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*e = expandableID(strings.TrimSpace(id))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(strings.TrimSpace(obj.ID))
	return nil
}

type stripeCheckoutSession struct {
	ID                string         `json:"id"`
	Mode              string         `json:"mode"`
	Customer          expandableID   `json:"customer"`
	Subscription      expandableID   `json:"subscription"`
	ClientReferenceID string         `json:"client_reference_id"`
	Metadata          map[string]any `json:"metadata"`
}

type stripeSubscription struct {
	ID                 string                 `json:"id"`
	Customer           expandableID           `json:"customer"`
	Status             string                 `json:"status"`
	CancelAtPeriodEnd  bool                   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64                  `json:"current_period_start"`
	CurrentPeriodEnd   int64                  `json:"current_period_end"`
	TrialEnd           int64                  `json:"trial_end"`
	Metadata           map[string]any         `json:"metadata"`
	Items              stripeSubscriptionList `json:"items"`
}

type stripeSubscriptionList struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	ID                 string       `json:"id"`
	Price              expandableID `json:"price"`
	Plan               expandableID `json:"plan"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
}

type stripeInvoice struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Status       string       `json:"status"`
	Subscription expandableID `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// Parse decodes a verified body into a typed event. Unknown event types are
// not an error; they carry an *Unknown object.
func (p *Parser) Parse(payload []byte) (*paymentdomain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	event.ID = strings.TrimSpace(event.ID)
	event.Type = strings.TrimSpace(event.Type)
	if event.ID == "" || event.Type == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	object, err := parseObject(event.Type, event.Data.Object)
	if err != nil {
		return nil, err
	}

	return &paymentdomain.Event{
		ID:      event.ID,
		Type:    event.Type,
		Created: timestamp(event.Created),
		Raw:     json.RawMessage(payload),
		Object:  object,
	}, nil
}

func parseObject(eventType string, raw json.RawMessage) (paymentdomain.Object, error) {
	switch {
	case strings.HasPrefix(eventType, "checkout.session."):
		var session stripeCheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		return &paymentdomain.CheckoutSession{
			ID:                session.ID,
			Mode:              session.Mode,
			CustomerID:        string(session.Customer),
			SubscriptionID:    string(session.Subscription),
			ClientReferenceID: strings.TrimSpace(session.ClientReferenceID),
			Metadata:          stringMetadata(session.Metadata),
		}, nil
	case strings.HasPrefix(eventType, "customer.subscription."):
		return DecodeSubscription(raw)
	case strings.HasPrefix(eventType, "invoice."):
		var invoice stripeInvoice
		if err := json.Unmarshal(raw, &invoice); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		subscriptionID := string(invoice.Subscription)
		if subscriptionID == "" {
			subscriptionID = string(invoice.Parent.SubscriptionDetails.Subscription)
		}
		return &paymentdomain.Invoice{
			ID:             invoice.ID,
			CustomerID:     string(invoice.Customer),
			SubscriptionID: subscriptionID,
			Status:         invoice.Status,
		}, nil
	default:
		return &paymentdomain.Unknown{Type: eventType, Raw: raw}, nil
	}
}

// DecodeSubscription reads a subscription object as returned by both
// webhooks and the subscriptions API.
func DecodeSubscription(raw []byte) (*paymentdomain.Subscription, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	items := make([]paymentdomain.SubscriptionItem, 0, len(sub.Items.Data))
	for _, item := range sub.Items.Data {
		priceID := string(item.Price)
		if priceID == "" {
			priceID = string(item.Plan)
		}
		items = append(items, paymentdomain.SubscriptionItem{
			ID:                 item.ID,
			PriceID:            priceID,
			CurrentPeriodStart: item.CurrentPeriodStart,
			CurrentPeriodEnd:   item.CurrentPeriodEnd,
		})
	}

	return &paymentdomain.Subscription{
		ID:                 strings.TrimSpace(sub.ID),
		CustomerID:         string(sub.Customer),
		Status:             strings.TrimSpace(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		TrialEnd:           sub.TrialEnd,
		Metadata:           stringMetadata(sub.Metadata),
		Items:              items,
	}, nil
}

func timestamp(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}

func stringMetadata(metadata map[string]any) map[string]string {
	out := make(map[string]string, len(metadata))
	for key := range metadata {
		if value := readMetadataValue(metadata, key); value != "" {
			out[key] = value
		}
	}
	return out
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case bool:
		return strconv.FormatBool(cast)
	}
	return ""
}
