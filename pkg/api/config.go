package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Config holds configuration for the REST API handler
type Config struct {
	// Manager is the subscription manager instance (required)
	Manager *gosubs.Manager

	// GetUserID extracts the authenticated user ID from the request (required).
	// Requests without a user ID are rejected with 401.
	GetUserID func(*http.Request) string

	// AdminOnly guards plan management, capture and refund routes.
	// If nil, those routes are mounted without an extra guard.
	AdminOnly func(http.Handler) http.Handler

	// Webhooks mounts gateway webhook handlers at /webhooks/{name}.
	// These routes do not require a user ID.
	Webhooks map[string]http.Handler

	// MaxBodyBytes limits JSON request bodies (default: 1 MiB)
	MaxBodyBytes int64

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger records server-side failures (default: no-op)
	Logger gosubs.Logger
}

const defaultMaxBodyBytes = 1 << 20

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.Logger == nil {
		config.Logger = &gosubs.NoopLogger{}
	}
	h := &Handler{config: config}
	h.router = h.routes()
	return h, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
