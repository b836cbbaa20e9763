package stripe

import (
	"encoding/json"
	"errors"
	"testing"

	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
)

func TestParseTypedObjects(t *testing.T) {
	tests := []struct {
		name  string
		event map[string]any
		check func(t *testing.T, object paymentdomain.Object)
	}{{
		name: "checkout session",
		event: map[string]any{
			"id":      "evt_cs",
			"type":    paymentdomain.EventCheckoutSessionCompleted,
			"created": 1700000000,
			"data": map[string]any{"object": map[string]any{
				"id":                  "cs_1",
				"mode":                "subscription",
				"customer":            "cus_1",
				"subscription":        map[string]any{"id": "sub_1"},
				"client_reference_id": "42",
				"metadata":            map[string]any{"organization_slug": "acme"},
			}},
		},
		check: func(t *testing.T, object paymentdomain.Object) {
			session, ok := object.(*paymentdomain.CheckoutSession)
			if !ok {
				t.Fatalf("expected checkout session, got %T", object)
			}
			if session.SubscriptionID != "sub_1" || session.CustomerID != "cus_1" {
				t.Fatalf("unexpected refs: %+v", session)
			}
			if session.Metadata["organization_slug"] != "acme" {
				t.Fatalf("metadata not decoded: %+v", session.Metadata)
			}
		},
	}, {
		name: "subscription with item periods",
		event: map[string]any{
			"id":   "evt_sub",
			"type": paymentdomain.EventSubscriptionUpdated,
			"data": map[string]any{"object": map[string]any{
				"id":                   "sub_1",
				"customer":             map[string]any{"id": "cus_1", "object": "customer"},
				"status":               "trialing",
				"cancel_at_period_end": true,
				"trial_end":            1700500000,
				"items": map[string]any{"data": []any{map[string]any{
					"id":                   "si_1",
					"price":                map[string]any{"id": "price_pro_yearly"},
					"current_period_start": 1700000000,
					"current_period_end":   1731536000,
				}}},
			}},
		},
		check: func(t *testing.T, object paymentdomain.Object) {
			sub, ok := object.(*paymentdomain.Subscription)
			if !ok {
				t.Fatalf("expected subscription, got %T", object)
			}
			if sub.CustomerID != "cus_1" || sub.PriceID() != "price_pro_yearly" {
				t.Fatalf("unexpected subscription: %+v", sub)
			}
			if sub.PeriodStart() != 1700000000 || sub.PeriodEnd() != 1731536000 {
				t.Fatalf("expected item period fallback, got %d-%d", sub.PeriodStart(), sub.PeriodEnd())
			}
			if !sub.CancelAtPeriodEnd || sub.TrialEnd != 1700500000 {
				t.Fatalf("flags not decoded: %+v", sub)
			}
		},
	}, {
		name: "invoice with parent subscription details",
		event: map[string]any{
			"id":   "evt_inv",
			"type": paymentdomain.EventInvoicePaymentFailed,
			"data": map[string]any{"object": map[string]any{
				"id":       "in_1",
				"customer": "cus_1",
				"parent": map[string]any{
					"subscription_details": map[string]any{"subscription": "sub_9"},
				},
			}},
		},
		check: func(t *testing.T, object paymentdomain.Object) {
			invoice, ok := object.(*paymentdomain.Invoice)
			if !ok {
				t.Fatalf("expected invoice, got %T", object)
			}
			if invoice.SubscriptionID != "sub_9" {
				t.Fatalf("expected sub_9, got %q", invoice.SubscriptionID)
			}
		},
	}, {
		name: "unknown type",
		event: map[string]any{
			"id":   "evt_x",
			"type": "charge.refunded",
			"data": map[string]any{"object": map[string]any{"id": "ch_1"}},
		},
		check: func(t *testing.T, object paymentdomain.Object) {
			unknown, ok := object.(*paymentdomain.Unknown)
			if !ok {
				t.Fatalf("expected unknown, got %T", object)
			}
			if unknown.ObjectType() != "charge.refunded" {
				t.Fatalf("unexpected type %q", unknown.ObjectType())
			}
		},
	}}

	parser := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			event, err := parser.Parse(payload)
			if err != nil {
				t.Fatalf("parse event: %v", err)
			}
			if event.ID != tt.event["id"] {
				t.Fatalf("expected id %v, got %s", tt.event["id"], event.ID)
			}
			tt.check(t, event.Object)
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	parser := NewParser()
	for _, payload := range []string{
		`not json`,
		`{"type":"invoice.paid"}`,
		`{"id":"evt_1","type":"customer.subscription.updated","data":{"object":{"id":""}}}`,
		`{"id":"evt_1","type":"invoice.paid","data":{"object":"oops"}}`,
	} {
		if _, err := parser.Parse([]byte(payload)); !errors.Is(err, paymentdomain.ErrInvalidPayload) {
			t.Fatalf("payload %s: expected ErrInvalidPayload, got %v", payload, err)
		}
	}
}
