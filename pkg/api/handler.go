package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

const maxUserIDLen = 255

var errUserIDMissing = errors.New("user ID not found")

// Handler provides the REST API over a gosubs.Manager
type Handler struct {
	config Config
	router chi.Router
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()

	for name, webhook := range h.config.Webhooks {
		r.Handle("/webhooks/"+name, webhook)
	}

	admin := h.config.AdminOnly
	if admin == nil {
		admin = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/plans", func(r chi.Router) {
		r.Get("/", h.ListPlans)
		r.Get("/{planID}", h.GetPlan)
		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Post("/", h.CreatePlan)
			r.Patch("/{planID}", h.UpdatePlan)
			r.Delete("/{planID}", h.DeletePlan)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireUser)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", h.Subscribe)
			r.Get("/", h.ListSubscriptions)
			r.Get("/active", h.GetActiveSubscription)
			r.Route("/{subscriptionID}", func(r chi.Router) {
				r.Get("/", h.GetSubscription)
				r.Patch("/", h.UpdateSubscription)
				r.Post("/cancel", h.CancelSubscription)
				r.Post("/pause", h.PauseSubscription)
				r.Post("/resume", h.ResumeSubscription)
				r.Get("/payments", h.ListPayments)
			})
		})

		r.Get("/entitlement", h.GetEntitlement)
		r.Get("/usage", h.GetUsage)
		r.Post("/usage/{resource}/reserve", h.Reserve)
		r.Post("/usage/{resource}/release", h.Release)

		r.Post("/orders", h.CreateOrder)
		r.Post("/payments/verify", h.VerifyPayment)
		r.Get("/payments/{paymentID}", h.GetPayment)
		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Post("/payments/{paymentID}/capture", h.CapturePayment)
			r.Post("/payments/{paymentID}/refund", h.RefundPayment)
		})
	})

	return r
}

type userIDKey struct{}

// requireUser rejects requests without a valid user ID.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := h.config.GetUserID(r)
		if userID == "" {
			h.handleError(w, r, errUserIDMissing)
			return
		}
		if len(userID) > maxUserIDLen {
			h.handleError(w, r, &gosubs.ValidationError{Field: "user_id", Reason: "too long"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey{}).(string)
	return id
}

// decode reads a JSON body into v, rejecting unknown fields.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &gosubs.ValidationError{Field: "body", Reason: "required"}
		}
		return &gosubs.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &gosubs.ValidationError{Field: key, Reason: "must be an integer"}
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already started
		return
	}
}

// statusFor maps an error kind to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errUserIDMissing), errors.Is(err, gosubs.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, gosubs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, gosubs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gosubs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gosubs.ErrGatewayNotConfigured), errors.Is(err, gosubs.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := statusFor(err)
	resp := ErrorResponse{Error: errorCode(status), Message: err.Error()}
	var verr *gosubs.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("api request failed",
			gosubs.F("method", r.Method),
			gosubs.F("path", r.URL.Path),
			gosubs.F("error", err.Error()),
		)
		// Infrastructure details stay in the logs.
		resp.Message = http.StatusText(status)
	}
	writeJSON(w, status, resp)
}

func errorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusBadRequest:
		return "validation_failed"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("error_%d", status)
	}
}
