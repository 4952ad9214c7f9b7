package billing

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gosubs/pkg/billing/internal"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// WebhookHandler receives gateway webhooks over HTTP and hands the raw body
// to the manager. It answers 200 for every event the gateway should stop
// retrying, 401 for bad signatures and 5xx for transient failures.
type WebhookHandler struct {
	manager         *gosubs.Manager
	provider        string
	signatureHeader string
	eventTypeHeader string
	maxBodyBytes    int64
	metrics         Metrics
	logger          gosubs.Logger
	onEvent         WebhookCallback

	handler http.Handler
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(config Config) (*WebhookHandler, error) {
	if config.Manager == nil {
		return nil, ErrHandlerNotConfigured
	}

	h := &WebhookHandler{
		manager:         config.Manager,
		provider:        strings.TrimSpace(config.Provider),
		signatureHeader: config.SignatureHeader,
		eventTypeHeader: config.EventTypeHeader,
		maxBodyBytes:    config.MaxBodyBytes,
		metrics:         config.Metrics,
		logger:          config.Logger,
		onEvent:         config.OnEvent,
	}
	if h.provider == "" {
		h.provider = "gateway"
	}
	if h.signatureHeader == "" {
		h.signatureHeader = DefaultSignatureHeader
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = defaultMaxBodyBytes
	}
	if h.metrics == nil {
		h.metrics = &NoopMetrics{}
	}
	if h.logger == nil {
		h.logger = &gosubs.NoopLogger{}
	}

	h.handler = http.HandlerFunc(h.handleWebhook)
	if config.RateLimitRequests >= 0 {
		requests, window := config.RateLimitRequests, config.RateLimitWindow
		if requests == 0 {
			requests = defaultRateLimitRequests
		}
		if window <= 0 {
			window = defaultRateLimitWindow
		}
		h.handler = internal.NewRateLimiter(requests, window).Middleware(h.handler)
	}
	return h, nil
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *WebhookHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, h.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError(h.provider, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			h.metrics.RecordWebhookError(h.provider, "invalid_payload")
		}
		return
	}

	signature := r.Header.Get(h.signatureHeader)
	var eventType string
	if h.eventTypeHeader != "" {
		eventType = r.Header.Get(h.eventTypeHeader)
	}

	result, err := h.manager.ProcessWebhook(r.Context(), eventType, body, signature)
	switch {
	case errors.Is(err, gosubs.ErrAuth):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		h.metrics.RecordWebhookError(h.provider, "auth_failed")
		return
	case errors.Is(err, gosubs.ErrGatewayNotConfigured):
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		h.metrics.RecordWebhookError(h.provider, "not_configured")
		return
	case err != nil:
		label := eventType
		if result != nil {
			label = string(result.EventType)
		}
		h.logger.Error("webhook processing failed",
			gosubs.F("provider", h.provider),
			gosubs.F("event_type", label),
			gosubs.F("error", err.Error()),
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		h.metrics.RecordWebhookEvent(h.provider, label, "error")
		h.metrics.RecordWebhookError(h.provider, "processing_error")
		h.metrics.RecordWebhookProcessingDuration(h.provider, label, time.Since(startTime))
		return
	}

	if result.Outcome == gosubs.OutcomeApplied && h.onEvent != nil {
		event := WebhookEvent{
			Provider:       h.provider,
			EventID:        result.EventID,
			EventType:      string(result.EventType),
			SubscriptionID: result.SubscriptionID,
			PaymentID:      result.PaymentID,
			ReceivedAt:     startTime,
		}
		if cbErr := h.onEvent(r.Context(), event); cbErr != nil {
			h.logger.Warn("webhook callback failed",
				gosubs.F("event_id", result.EventID),
				gosubs.F("error", cbErr.Error()),
			)
		}
	}

	if err := internal.WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Debug("failed to write webhook response", gosubs.F("error", err.Error()))
	}
	h.metrics.RecordWebhookEvent(h.provider, string(result.EventType), string(result.Outcome))
	h.metrics.RecordWebhookProcessingDuration(h.provider, string(result.EventType), time.Since(startTime))
}
