package billing

import "errors"

var (
	// ErrHandlerNotConfigured is returned when a webhook handler is built without a manager
	ErrHandlerNotConfigured = errors.New("billing webhook handler not configured")

	// ErrGatewayNotConfigured is returned when a gateway adapter is missing credentials
	ErrGatewayNotConfigured = errors.New("billing gateway not configured")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrGatewayAPIError is returned when the gateway's API returns an error
	ErrGatewayAPIError = errors.New("billing gateway API error")

	// ErrNotSupported is returned when a gateway doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this gateway")
)
