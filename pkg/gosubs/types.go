package gosubs

import (
	"math"
	"time"
)

// BillingCycle defines how often a plan is charged
type BillingCycle string

const (
	// CycleMonthly charges every month on the subscription anniversary
	CycleMonthly BillingCycle = "monthly"
	// CycleYearly charges every twelve months
	CycleYearly BillingCycle = "yearly"
)

// Valid reports whether c is a known billing cycle.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// PlanStatus controls whether a plan can be subscribed to
type PlanStatus string

const (
	PlanActive   PlanStatus = "active"
	PlanInactive PlanStatus = "inactive"
	PlanArchived PlanStatus = "archived"
)

// Valid reports whether s is a known plan status.
func (s PlanStatus) Valid() bool {
	switch s {
	case PlanActive, PlanInactive, PlanArchived:
		return true
	}
	return false
}

// ResourceType identifies a metered business resource
type ResourceType string

const (
	ResourceTeams    ResourceType = "teams"
	ResourceUsers    ResourceType = "users"
	ResourceProjects ResourceType = "projects"
	ResourceClients  ResourceType = "clients"
	ResourceLeads    ResourceType = "leads"
	// ResourceStorage is measured in gigabytes and may be fractional
	ResourceStorage ResourceType = "storage"
)

// Resources lists every metered resource type.
var Resources = []ResourceType{
	ResourceTeams,
	ResourceUsers,
	ResourceProjects,
	ResourceClients,
	ResourceLeads,
	ResourceStorage,
}

// Valid reports whether r is a known resource type.
func (r ResourceType) Valid() bool {
	for _, known := range Resources {
		if r == known {
			return true
		}
	}
	return false
}

// Fractional reports whether amounts of r may be non-integral.
func (r ResourceType) Fractional() bool {
	return r == ResourceStorage
}

// Unlimited is the usage limit value meaning "no ceiling".
const Unlimited float64 = -1

// Money is an amount in the currency's minor unit (e.g. cents, paise).
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// WithTax applies a flat tax rate (0.18 = 18%) and rounds to the nearest minor unit.
func (m Money) WithTax(rate float64) Money {
	if rate <= 0 {
		return m
	}
	return Money{
		Amount:   int64(math.Round(float64(m.Amount) * (1 + rate))),
		Currency: m.Currency,
	}
}

// Quota is the ceiling a plan grants for one resource type
type Quota struct {
	Max       int64 `json:"max"`
	Unlimited bool  `json:"unlimited"`
}

// Limit returns the ledger limit for q, Unlimited when q has no ceiling.
func (q Quota) Limit() float64 {
	if q.Unlimited {
		return Unlimited
	}
	return float64(q.Max)
}

// TrialPolicy describes the trial a plan offers
type TrialPolicy struct {
	Enabled bool `json:"enabled"`
	Days    int  `json:"days"`
}

// Plan is a template describing price, billing cycle, quotas and feature flags
type Plan struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Type           string                 `json:"type,omitempty"`
	Description    string                 `json:"description,omitempty"`
	ExternalPlanID string                 `json:"external_plan_id,omitempty"`
	BillingCycle   BillingCycle           `json:"billing_cycle"`
	Price          Money                  `json:"price"`
	Quotas         map[ResourceType]Quota `json:"quotas"`
	Features       map[string]bool        `json:"features"`
	Trial          TrialPolicy            `json:"trial"`
	Status         PlanStatus             `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Clone returns a deep copy of p.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Quotas = cloneQuotas(p.Quotas)
	c.Features = cloneFeatures(p.Features)
	return &c
}

// Status is a subscription lifecycle state
type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Terminal reports whether no further transitions leave s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// Entitled reports whether a subscription in state s grants its plan's entitlement.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// LiveStatuses are the non-terminal states. A user holds at most one
// subscription in any of them.
var LiveStatuses = []Status{StatusTrialing, StatusActive, StatusPastDue, StatusPaused}

// UsageCounter is the ledger state of one resource type
type UsageCounter struct {
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`
}

// Unlimited reports whether the counter has no ceiling.
func (u UsageCounter) Unlimited() bool {
	return u.Limit == Unlimited
}

// HistoryEntry records one executed lifecycle transition or flagged event
type HistoryEntry struct {
	Action    string    `json:"action"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Cancellation captures why a subscription was cancelled
type Cancellation struct {
	Reason      string    `json:"reason,omitempty"`
	Feedback    string    `json:"feedback,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// TrialWindow is the interval during which a trialing subscription is free
type TrialWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Subscription is a user's binding to a plan snapshot
type Subscription struct {
	ID                     string                        `json:"id"`
	UserID                 string                        `json:"user_id"`
	PlanID                 string                        `json:"plan_id"`
	ExternalSubscriptionID string                        `json:"external_subscription_id"`
	ExternalCustomerID     string                        `json:"external_customer_id,omitempty"`
	Status                 Status                        `json:"status"`
	BillingCycle           BillingCycle                  `json:"billing_cycle"`
	Price                  Money                         `json:"price"`
	Trial                  *TrialWindow                  `json:"trial,omitempty"`
	StartDate              time.Time                     `json:"start_date"`
	EndDate                time.Time                     `json:"end_date"`
	NextBillingDate        time.Time                     `json:"next_billing_date"`
	Usage                  map[ResourceType]UsageCounter `json:"usage"`
	Features               map[string]bool               `json:"features"`
	Quotas                 map[ResourceType]Quota        `json:"quotas"`
	History                []HistoryEntry                `json:"history"`
	Cancellation           *Cancellation                 `json:"cancellation,omitempty"`
	RemoteSyncPending      bool                          `json:"remote_sync_pending"`
	Metadata               map[string]string             `json:"metadata,omitempty"`
	Version                int64                         `json:"version"`
	CreatedAt              time.Time                     `json:"created_at"`
	UpdatedAt              time.Time                     `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.Trial != nil {
		t := *s.Trial
		c.Trial = &t
	}
	if s.Cancellation != nil {
		cc := *s.Cancellation
		c.Cancellation = &cc
	}
	if s.Usage != nil {
		c.Usage = make(map[ResourceType]UsageCounter, len(s.Usage))
		for k, v := range s.Usage {
			c.Usage[k] = v
		}
	}
	c.Features = cloneFeatures(s.Features)
	c.Quotas = cloneQuotas(s.Quotas)
	c.History = append([]HistoryEntry(nil), s.History...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// PaymentStatus is the settlement state of a payment
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentCaptured          PaymentStatus = "captured"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

// paymentEdges lists the forward-only payment status moves.
var paymentEdges = map[PaymentStatus][]PaymentStatus{
	PaymentPending:           {PaymentCaptured, PaymentFailed},
	PaymentFailed:            {PaymentCaptured},
	PaymentCaptured:          {PaymentPartiallyRefunded, PaymentRefunded},
	PaymentPartiallyRefunded: {PaymentPartiallyRefunded, PaymentRefunded},
}

// CanMoveTo reports whether a payment in state s may move to next.
func (s PaymentStatus) CanMoveTo(next PaymentStatus) bool {
	for _, to := range paymentEdges[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Refund is the cumulative refund applied to a payment
type Refund struct {
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason,omitempty"`
	RefundedAt time.Time `json:"refunded_at"`
}

// RefundRecord is one refund to apply to a payment, issued through the
// manager or reported by a gateway event.
type RefundRecord struct {
	// ID is the gateway refund id. A refund id is applied at most once per payment.
	ID string
	// Amount of this refund. Requires ID.
	Amount int64
	// ReportedTotal is the gateway's cumulative refunded amount, when known.
	ReportedTotal int64
	Reason        string
	At            time.Time
}

// Validate checks r before it reaches a store.
func (r RefundRecord) Validate() error {
	if r.Amount < 0 || r.ReportedTotal < 0 || (r.Amount == 0 && r.ReportedTotal == 0) {
		return ErrInvalidAmount
	}
	if r.Amount > 0 && r.ID == "" {
		return invalid("refund_id", "required with an amount")
	}
	return nil
}

// RefundTotals are the two sources of a payment's refunded amount: the sum
// of refunds applied by id and the largest cumulative total a gateway
// reported. The refunded amount is the larger of the two, so a refund seen
// through both is counted once.
type RefundTotals struct {
	Issued   int64
	Reported int64
}

// Total is the refunded amount.
func (t RefundTotals) Total() int64 {
	return max(t.Issued, t.Reported)
}

// Next returns the totals after applying r to p and whether the refunded
// amount changes. Stores call it while holding p exclusively.
func (t RefundTotals) Next(p *Payment, r RefundRecord) (RefundTotals, bool, error) {
	next := RefundTotals{Issued: t.Issued + r.Amount, Reported: max(t.Reported, r.ReportedTotal)}
	if next.Total() > p.Amount {
		return t, false, ErrRefundExceedsBalance
	}
	if next.Total() == t.Total() {
		return next, false, nil
	}
	if p.Status != PaymentCaptured && p.Status != PaymentPartiallyRefunded {
		return t, false, ErrPaymentStatus
	}
	return next, true, nil
}

// SetRefunded records total as the refunded amount and moves p to
// partially_refunded or refunded.
func (p *Payment) SetRefunded(total int64, reason string, at time.Time) {
	p.Refund = &Refund{Amount: total, Reason: reason, RefundedAt: at}
	if total == p.Amount {
		p.Status = PaymentRefunded
	} else {
		p.Status = PaymentPartiallyRefunded
	}
	p.UpdatedAt = at
}

// Payment is a settled or attempted charge reported by the gateway
type Payment struct {
	ID                string        `json:"id"`
	UserID            string        `json:"user_id"`
	SubscriptionID    string        `json:"subscription_id,omitempty"`
	ExternalPaymentID string        `json:"external_payment_id"`
	ExternalOrderID   string        `json:"external_order_id,omitempty"`
	Amount            int64         `json:"amount"`
	Currency          string        `json:"currency"`
	Status            PaymentStatus `json:"status"`
	Method            string        `json:"method,omitempty"`
	ErrorDetail       string        `json:"error_detail,omitempty"`
	Refund            *Refund       `json:"refund,omitempty"`
	ReceiptNumber     string        `json:"receipt_number"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Clone returns a copy of p.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	if p.Refund != nil {
		r := *p.Refund
		c.Refund = &r
	}
	return &c
}

// Refundable returns the amount still available for refund.
func (p *Payment) Refundable() int64 {
	if p.Status != PaymentCaptured && p.Status != PaymentPartiallyRefunded {
		return 0
	}
	if p.Refund == nil {
		return p.Amount
	}
	return p.Amount - p.Refund.Amount
}

// EntitlementSource tells where an entitlement was derived from
type EntitlementSource string

const (
	SourceSubscription EntitlementSource = "subscription"
	SourceFreeTier     EntitlementSource = "free_tier"
)

// Entitlement is the effective set of features and quotas for a user
type Entitlement struct {
	UserID         string                 `json:"user_id"`
	Source         EntitlementSource      `json:"source"`
	SubscriptionID string                 `json:"subscription_id,omitempty"`
	PlanID         string                 `json:"plan_id,omitempty"`
	Status         Status                 `json:"status,omitempty"`
	Features       map[string]bool        `json:"features"`
	Quotas         map[ResourceType]Quota `json:"quotas"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
}

// HasFeature reports whether the entitlement enables feature.
func (e *Entitlement) HasFeature(feature string) bool {
	return e.Features[feature]
}

// Reservation is the outcome of a CheckAndReserve call. A denied reservation
// is a normal result, not an error.
type Reservation struct {
	Resource ResourceType `json:"resource"`
	Allowed  bool         `json:"allowed"`
	// Current is the counter after the increment when allowed, or the
	// unchanged counter when denied.
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`
}

// Remaining returns how much of the ceiling is left, or -1 when unlimited.
func (r Reservation) Remaining() float64 {
	if r.Limit == Unlimited {
		return Unlimited
	}
	if rem := r.Limit - r.Current; rem > 0 {
		return rem
	}
	return 0
}

func cloneQuotas(in map[ResourceType]Quota) map[ResourceType]Quota {
	if in == nil {
		return nil
	}
	out := make(map[ResourceType]Quota, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneFeatures(in map[string]bool) map[string]bool {
	if in == nil {
		return nil
	}
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
