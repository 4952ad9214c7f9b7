// Package http provides HTTP middleware that reserves plan quota before a
// request is handled
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// ResourceExtractor extracts the resource being created from an HTTP request
type ResourceExtractor func(r *http.Request) gosubs.ResourceType

// AmountExtractor calculates how much of the resource the request uses.
// For example: one project per POST, or the upload size in GB for storage.
type AmountExtractor func(r *http.Request) (float64, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the subscription manager instance (required)
	Manager *gosubs.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetResource extracts the resource from request (required)
	GetResource ResourceExtractor

	// GetAmount calculates the amount to reserve (default: 1)
	GetAmount AmountExtractor

	// KeepOnFailure keeps the reservation when the handler answers with a
	// status >= 400. By default such reservations are released.
	KeepOnFailure bool

	// QuotaExceededStatusCode is returned when the reservation is denied
	// Default: 429 (Too Many Requests)
	QuotaExceededStatusCode int

	// OnQuotaExceeded is called when the reservation is denied
	// If nil, returns QuotaExceededStatusCode with the reservation as JSON
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, res gosubs.Reservation)

	// OnSubscriptionRequired is called when the user has no active or trialing subscription
	// If nil, returns 402 Payment Required
	OnSubscriptionRequired func(w http.ResponseWriter, r *http.Request)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 400 for invalid amounts and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger records failed releases (default: no-op)
	Logger gosubs.Logger
}

// Middleware creates an HTTP middleware that reserves quota against the
// user's subscription before calling the next handler.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("gosubs/http: Config.Manager is required")
	}
	if config.GetUserID == nil {
		panic("gosubs/http: Config.GetUserID is required")
	}
	if config.GetResource == nil {
		panic("gosubs/http: Config.GetResource is required")
	}
	if config.GetAmount == nil {
		config.GetAmount = FixedAmount(1)
	}
	if config.QuotaExceededStatusCode == 0 {
		config.QuotaExceededStatusCode = http.StatusTooManyRequests
	}
	if config.Logger == nil {
		config.Logger = &gosubs.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			resource := config.GetResource(r)
			amount, err := config.GetAmount(r)
			if err != nil {
				config.handleError(w, r, fmt.Errorf("%w: %v", gosubs.ErrInvalidAmount, err))
				return
			}

			ctx := r.Context()
			res, subID, err := config.Manager.ReserveForUser(ctx, userID, resource, amount)
			switch {
			case errors.Is(err, gosubs.ErrSubscriptionNotFound):
				if config.OnSubscriptionRequired != nil {
					config.OnSubscriptionRequired(w, r)
				} else {
					writeError(w, http.StatusPaymentRequired, "Subscription required")
				}
				return
			case err != nil:
				config.handleError(w, r, err)
				return
			case !res.Allowed:
				setQuotaHeaders(w, res)
				if config.OnQuotaExceeded != nil {
					config.OnQuotaExceeded(w, r, res)
				} else {
					writeJSON(w, config.QuotaExceededStatusCode, quotaExceededResponse{
						Error:    "Quota exceeded",
						Resource: res.Resource,
						Used:     res.Current,
						Limit:    res.Limit,
					})
				}
				return
			}

			setQuotaHeaders(w, res)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(WithSubscriptionID(ctx, subID)))

			if rec.status >= http.StatusBadRequest && !config.KeepOnFailure {
				// The request context may already be cancelled.
				if _, err := config.Manager.Release(context.WithoutCancel(ctx), subID, resource, amount); err != nil {
					config.Logger.Error("failed to release reservation",
						gosubs.F("subscription_id", subID),
						gosubs.F("resource", string(resource)),
						gosubs.F("amount", amount),
						gosubs.F("error", err.Error()),
					)
				}
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that reserves quota (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func (c *Config) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if c.OnError != nil {
		c.OnError(w, r, err)
		return
	}
	if errors.Is(err, gosubs.ErrValidation) {
		writeError(w, http.StatusBadRequest, "Bad Request")
		return
	}
	writeError(w, http.StatusInternalServerError, "Internal Server Error")
}

type quotaExceededResponse struct {
	Error    string              `json:"error"`
	Resource gosubs.ResourceType `json:"resource"`
	Used     float64             `json:"used"`
	Limit    float64             `json:"limit"`
}

func setQuotaHeaders(w http.ResponseWriter, res gosubs.Reservation) {
	w.Header().Set("X-Quota-Limit", strconv.FormatFloat(res.Limit, 'f', -1, 64))
	w.Header().Set("X-Quota-Remaining", strconv.FormatFloat(res.Remaining(), 'f', -1, 64))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the status written by the wrapped handler
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Common extractors for convenience

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount float64) AmountExtractor {
	return func(*http.Request) (float64, error) {
		return amount, nil
	}
}

// FromQueryAmount returns an AmountExtractor that parses a query parameter
func FromQueryAmount(name string) AmountExtractor {
	return func(r *http.Request) (float64, error) {
		return strconv.ParseFloat(r.URL.Query().Get(name), 64)
	}
}

// FixedResource returns a ResourceExtractor that always returns a fixed resource
func FixedResource(resource gosubs.ResourceType) ResourceExtractor {
	return func(*http.Request) gosubs.ResourceType {
		return resource
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "gosubs:userID"

	// SubscriptionIDKey is the context key for the subscription a request was reserved against
	SubscriptionIDKey ContextKey = "gosubs:subscriptionID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithSubscriptionID adds the reserving subscription ID to request context
func WithSubscriptionID(ctx context.Context, subscriptionID string) context.Context {
	return context.WithValue(ctx, SubscriptionIDKey, subscriptionID)
}

// SubscriptionID returns the subscription the request was reserved against
func SubscriptionID(ctx context.Context) string {
	id, _ := ctx.Value(SubscriptionIDKey).(string)
	return id
}
