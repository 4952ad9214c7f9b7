package billing

import "time"

// Metrics defines the interface for tracking webhook handling and gateway API calls.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook.
	// outcome: "applied", "noop", "orphan", "ignored", "conflict" or "error"
	RecordWebhookEvent(provider, eventType, outcome string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a rejected webhook.
	// errorType: e.g. "auth_failed", "invalid_payload", "payload_too_large", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordAPICall records an API call to the gateway.
	// endpoint: the operation called (e.g. "create_subscription")
	// status: "success" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
