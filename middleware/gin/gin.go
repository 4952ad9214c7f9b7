// Package gin provides Gin middleware that reserves plan quota before a
// request is handled
package gin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// SubscriptionIDKey is the Gin context key holding the subscription a
// request was reserved against
const SubscriptionIDKey = "gosubs.subscription_id"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// ResourceExtractor extracts the resource being created from a Gin context
type ResourceExtractor func(c *gongin.Context) gosubs.ResourceType

// AmountExtractor calculates how much of the resource the request uses
type AmountExtractor func(c *gongin.Context) (float64, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the subscription manager instance
	Manager *gosubs.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetResource extracts the resource from context (required)
	GetResource ResourceExtractor

	// GetAmount calculates the amount to reserve (default: 1)
	GetAmount AmountExtractor

	// KeepOnFailure keeps the reservation when the handler answers with a
	// status >= 400. By default such reservations are released.
	KeepOnFailure bool

	// QuotaExceededStatusCode is the HTTP status code to return when quota is exceeded
	// Default: 429 (Too Many Requests)
	QuotaExceededStatusCode int

	// OnQuotaExceeded is called when the reservation is denied
	// If nil, uses default response: QuotaExceededStatusCode JSON with usage info
	OnQuotaExceeded func(c *gongin.Context, res gosubs.Reservation)

	// OnSubscriptionRequired is called when the user has no active or trialing subscription
	// If nil, returns 402 Payment Required
	OnSubscriptionRequired func(c *gongin.Context)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 400 for invalid amounts and 500 otherwise
	OnError func(c *gongin.Context, err error)

	// Logger records failed releases (default: no-op)
	Logger gosubs.Logger
}

// Middleware creates a Gin middleware that reserves quota against the
// user's subscription
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gosubs/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gosubs/gin: Config.GetUserID is required")
	}
	if cfg.GetResource == nil {
		panic("gosubs/gin: Config.GetResource is required")
	}

	// Set defaults
	if cfg.GetAmount == nil {
		cfg.GetAmount = FixedAmount(1)
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}
	if cfg.Logger == nil {
		cfg.Logger = &gosubs.NoopLogger{}
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		resource := cfg.GetResource(c)
		amount, err := cfg.GetAmount(c)
		if err != nil {
			cfg.handleError(c, fmt.Errorf("%w: %v", gosubs.ErrInvalidAmount, err))
			return
		}

		ctx := c.Request.Context()
		res, subID, err := cfg.Manager.ReserveForUser(ctx, userID, resource, amount)
		if err != nil {
			if errors.Is(err, gosubs.ErrSubscriptionNotFound) {
				if cfg.OnSubscriptionRequired != nil {
					cfg.OnSubscriptionRequired(c)
				} else {
					c.JSON(http.StatusPaymentRequired, gongin.H{"error": "Subscription required"})
				}
				c.Abort()
				return
			}
			cfg.handleError(c, err)
			return
		}

		setQuotaHeaders(c, res)
		if !res.Allowed {
			if cfg.OnQuotaExceeded != nil {
				cfg.OnQuotaExceeded(c, res)
			} else {
				c.JSON(cfg.QuotaExceededStatusCode, gongin.H{
					"error":    "Quota exceeded",
					"resource": res.Resource,
					"used":     res.Current,
					"limit":    res.Limit,
				})
			}
			c.Abort()
			return
		}

		c.Set(SubscriptionIDKey, subID)
		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest && !cfg.KeepOnFailure {
			if _, err := cfg.Manager.Release(context.WithoutCancel(ctx), subID, resource, amount); err != nil {
				cfg.Logger.Error("failed to release reservation",
					gosubs.F("subscription_id", subID),
					gosubs.F("resource", string(resource)),
					gosubs.F("amount", amount),
					gosubs.F("error", err.Error()),
				)
			}
		}
	}
}

func (cfg *Config) handleError(c *gongin.Context, err error) {
	switch {
	case cfg.OnError != nil:
		cfg.OnError(c, err)
	case errors.Is(err, gosubs.ErrValidation):
		c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
	default:
		c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
	}
	c.Abort()
}

func setQuotaHeaders(c *gongin.Context, res gosubs.Reservation) {
	c.Header("X-Quota-Limit", strconv.FormatFloat(res.Limit, 'f', -1, 64))
	c.Header("X-Quota-Remaining", strconv.FormatFloat(res.Remaining(), 'f', -1, 64))
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In quota middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// Convenience extractors for Resource

// FixedResource returns a ResourceExtractor that always returns a fixed resource
func FixedResource(resource gosubs.ResourceType) ResourceExtractor {
	return func(*gongin.Context) gosubs.ResourceType {
		return resource
	}
}

// FromParam returns a ResourceExtractor that reads the resource from a route parameter
func FromParam(paramName string) ResourceExtractor {
	return func(c *gongin.Context) gosubs.ResourceType {
		return gosubs.ResourceType(c.Param(paramName))
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount float64) AmountExtractor {
	return func(*gongin.Context) (float64, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*gongin.Context) float64) AmountExtractor {
	return func(c *gongin.Context) (float64, error) {
		return costFunc(c), nil
	}
}

// SubscriptionID returns the subscription the request was reserved against
func SubscriptionID(c *gongin.Context) string {
	return c.GetString(SubscriptionIDKey)
}
