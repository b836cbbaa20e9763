package domain

import "errors"

var (
	ErrMissingSignature = errors.New("missing_signature")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrHandlerFailed    = errors.New("handler_failed")
	ErrProvider         = errors.New("provider_error")
	ErrProviderTimeout  = errors.New("provider_timeout")
	ErrProviderDisabled = errors.New("provider_not_configured")
	ErrEventNotFound    = errors.New("event_not_found")
	ErrEventProcessed   = errors.New("event_already_processed")
)
