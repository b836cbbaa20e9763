package stripe

import (
	"fmt"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
	"github.com/stripe/stripe-go/v82/webhook"
)

const DefaultTolerance = 300 * time.Second

type Verifier struct {
	secrets   []string
	tolerance time.Duration
}

// NewVerifier accepts several secrets so a rotated endpoint keeps working
// while both signing secrets are live.
func NewVerifier(secrets []string, tolerance time.Duration) *Verifier {
	cleaned := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret != "" {
			cleaned = append(cleaned, secret)
		}
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secrets: cleaned, tolerance: tolerance}
}

func (v *Verifier) Verify(payload []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return paymentdomain.ErrMissingSignature
	}
	if len(v.secrets) == 0 {
		return fmt.Errorf("%w: no webhook secret configured", paymentdomain.ErrInvalidSignature)
	}

	var lastErr error
	for _, secret := range v.secrets {
		err := webhook.ValidatePayloadWithTolerance(payload, header, secret, v.tolerance)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", paymentdomain.ErrInvalidSignature, lastErr)
}

func (v *Verifier) Configured() bool {
	return len(v.secrets) > 0
}
