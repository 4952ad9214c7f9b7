package api

import (
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// PlanRequest is the body of POST /plans
type PlanRequest struct {
	Name           string                               `json:"name"`
	Type           string                               `json:"type"`
	Description    string                               `json:"description"`
	ExternalPlanID string                               `json:"external_plan_id"`
	BillingCycle   gosubs.BillingCycle                  `json:"billing_cycle"`
	Price          gosubs.Money                         `json:"price"`
	Quotas         map[gosubs.ResourceType]gosubs.Quota `json:"quotas"`
	Features       map[string]bool                      `json:"features"`
	Trial          gosubs.TrialPolicy                   `json:"trial"`
	Status         gosubs.PlanStatus                    `json:"status"`
}

// PlanPatchRequest is the body of PATCH /plans/{planID}. Absent fields are left unchanged.
type PlanPatchRequest struct {
	Name        *string                              `json:"name"`
	Description *string                              `json:"description"`
	Type        *string                              `json:"type"`
	Price       *gosubs.Money                        `json:"price"`
	Quotas      map[gosubs.ResourceType]gosubs.Quota `json:"quotas"`
	Features    map[string]bool                      `json:"features"`
	Trial       *gosubs.TrialPolicy                  `json:"trial"`
	Status      *gosubs.PlanStatus                   `json:"status"`
}

// PlanListResponse is a page of plans
type PlanListResponse struct {
	Plans    []*gosubs.Plan `json:"plans"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// SubscribeRequest is the body of POST /subscriptions
type SubscribeRequest struct {
	PlanID      string            `json:"plan_id"`
	Email       string            `json:"email"`
	Name        string            `json:"name"`
	TotalCycles int               `json:"total_cycles"`
	Metadata    map[string]string `json:"metadata"`
}

// CancelRequest is the body of POST /subscriptions/{id}/cancel
type CancelRequest struct {
	Reason     string `json:"reason"`
	Feedback   string `json:"feedback"`
	AtCycleEnd bool   `json:"at_cycle_end"`
}

// CancelResponse reports the outcome of a cancellation
type CancelResponse struct {
	Outcome      gosubs.CancelOutcome `json:"outcome"`
	Subscription *gosubs.Subscription `json:"subscription"`
	RemoteError  string               `json:"remote_error,omitempty"`
}

// SubscriptionPatchRequest is the body of PATCH /subscriptions/{id}
type SubscriptionPatchRequest struct {
	Metadata map[string]string `json:"metadata"`
}

// AmountRequest carries a usage amount to reserve or release
type AmountRequest struct {
	Amount float64 `json:"amount"`
}

// ReleaseResponse is the counter after a release
type ReleaseResponse struct {
	Resource gosubs.ResourceType `json:"resource"`
	Current  float64             `json:"current"`
}

// UsageResponse is the usage of the caller's live subscription
type UsageResponse struct {
	UserID         string                                `json:"user_id"`
	SubscriptionID string                                `json:"subscription_id"`
	Resources      map[gosubs.ResourceType]ResourceUsage `json:"resources"`
}

// ResourceUsage represents quota information for a single resource
type ResourceUsage struct {
	Used      float64 `json:"used"`
	Limit     float64 `json:"limit"`     // -1 for unlimited
	Remaining float64 `json:"remaining"` // -1 for unlimited
}

// OrderRequest is the body of POST /orders
type OrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// VerifyPaymentRequest is the body of POST /payments/verify
type VerifyPaymentRequest struct {
	SubscriptionID string `json:"subscription_id"`
	OrderID        string `json:"order_id"`
	PaymentID      string `json:"payment_id"`
	Signature      string `json:"signature"`
}

// RefundRequest is the body of POST /payments/{id}/refund
type RefundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// OrderResponse is the gateway order created by POST /orders
type OrderResponse struct {
	ID     string       `json:"id"`
	Amount gosubs.Money `json:"amount"`
	Status string       `json:"status"`
}
