package billing

import (
	"time"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

const (
	// DefaultSignatureHeader carries the hex HMAC-SHA256 of the raw body
	DefaultSignatureHeader = "X-Webhook-Signature"

	defaultMaxBodyBytes      = 256 * 1024
	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
)

// Config configures the webhook HTTP handler
type Config struct {
	// Manager processes verified webhooks (required)
	Manager *gosubs.Manager

	// Provider names the gateway in metrics and callbacks (default: "gateway")
	Provider string

	// SignatureHeader is the request header holding the webhook signature
	// (default: DefaultSignatureHeader)
	SignatureHeader string

	// EventTypeHeader optionally names a header carrying the event type for
	// gateways that do not put it in the body
	EventTypeHeader string

	// MaxBodyBytes caps the request body (default: 256 KiB)
	MaxBodyBytes int64

	// RateLimitRequests per RateLimitWindow are allowed for each client IP
	// (defaults: 100 per minute). Negative disables rate limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Metrics is an optional metrics collector. If nil, metrics are ignored.
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger gosubs.Logger

	// OnEvent is called after a webhook changed local state (optional)
	OnEvent WebhookCallback
}
