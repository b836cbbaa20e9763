package testutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

// SignStripePayload builds a Stripe-Signature header for payload signed now.
func SignStripePayload(secret string, payload []byte) string {
	return SignStripePayloadAt(secret, payload, time.Now())
}

func SignStripePayloadAt(secret string, payload []byte, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// StripeEvent renders an event envelope around object.
func StripeEvent(t testing.TB, id, eventType string, created time.Time, object map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2025-08-27.basil",
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

// StripeSubscriptionObject is a minimal subscription object priced at priceID.
func StripeSubscriptionObject(id, customerID, status, priceID string, metadata map[string]string) map[string]any {
	return map[string]any{
		"id":                   id,
		"object":               "subscription",
		"customer":             customerID,
		"status":               status,
		"cancel_at_period_end": false,
		"metadata":             metadata,
		"items": map[string]any{
			"object": "list",
			"data": []map[string]any{{
				"id":                   "si_" + id,
				"price":                map[string]any{"id": priceID, "object": "price"},
				"current_period_start": 1767225600,
				"current_period_end":   1769904000,
			}},
		},
	}
}
