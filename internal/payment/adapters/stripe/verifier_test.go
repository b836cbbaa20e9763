package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"invoice.paid","data":{"object":{}}}`)
	timestamp := time.Now().Unix()

	verifier := NewVerifier([]string{secret}, time.Minute)
	if err := verifier.Verify(payload, buildStripeSignatureHeader(secret, payload, timestamp)); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	err := verifier.Verify(payload, buildStripeSignatureHeader("wrong", payload, timestamp))
	if !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"invoice.paid"}`)
	header := buildStripeSignatureHeader(secret, payload, time.Now().Unix())

	verifier := NewVerifier([]string{secret}, time.Minute)
	err := verifier.Verify([]byte(`{"id":"evt_124","type":"invoice.paid"}`), header)
	if !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}
}

func TestVerifyRejectsOldTimestamp(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"invoice.paid"}`)
	header := buildStripeSignatureHeader(secret, payload, time.Now().Add(-10*time.Minute).Unix())

	verifier := NewVerifier([]string{secret}, 5*time.Minute)
	if err := verifier.Verify(payload, header); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected stale signature rejected, got %v", err)
	}
}

func TestVerifyAcceptsRotatedSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_123","type":"invoice.paid"}`)
	header := buildStripeSignatureHeader("whsec_new", payload, time.Now().Unix())

	verifier := NewVerifier([]string{"whsec_old", " whsec_new "}, time.Minute)
	if err := verifier.Verify(payload, header); err != nil {
		t.Fatalf("expected rotated secret accepted, got %v", err)
	}
}

func TestVerifyMissingHeader(t *testing.T) {
	verifier := NewVerifier([]string{"whsec_test"}, time.Minute)
	if err := verifier.Verify([]byte(`{}`), "  "); !errors.Is(err, paymentdomain.ErrMissingSignature) {
		t.Fatalf("expected missing signature, got %v", err)
	}
}

func TestVerifyWithoutSecretsRejects(t *testing.T) {
	payload := []byte(`{"id":"evt_123"}`)
	verifier := NewVerifier(nil, time.Minute)
	if verifier.Configured() {
		t.Fatal("expected verifier without secrets to report unconfigured")
	}
	err := verifier.Verify(payload, buildStripeSignatureHeader("", payload, time.Now().Unix()))
	if !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
