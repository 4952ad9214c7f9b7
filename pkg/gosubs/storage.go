package gosubs

import "context"

// PlanFilter narrows a plan listing. Zero values match everything.
type PlanFilter struct {
	Type   string
	Cycle  BillingCycle
	Status PlanStatus

	// Page is 1-based (default: 1)
	Page int
	// PageSize is the maximum number of plans returned (default: 20, max: 100)
	PageSize int
}

func (f PlanFilter) normalize() PlanFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	return f
}

// Offset returns the number of rows to skip for the filter's page.
func (f PlanFilter) Offset() int {
	f = f.normalize()
	return (f.Page - 1) * f.PageSize
}

// PlanStore persists plan templates.
type PlanStore interface {
	// CreatePlan stores a new plan. Returns ErrDuplicatePlan when the external
	// plan id is already used.
	CreatePlan(ctx context.Context, plan *Plan) error

	// GetPlan returns ErrPlanNotFound when the plan does not exist.
	GetPlan(ctx context.Context, id string) (*Plan, error)

	// UpdatePlan overwrites a stored plan. Returns ErrPlanNotFound when missing.
	UpdatePlan(ctx context.Context, plan *Plan) error

	// DeletePlan removes a plan unless an active or trialing subscription
	// references it. The check and the delete must be a single atomic step.
	// Returns ErrPlanInUse or ErrPlanNotFound.
	DeletePlan(ctx context.Context, id string) error

	// ListPlans returns one page of plans ordered by creation time and the
	// total number of plans matching the filter.
	ListPlans(ctx context.Context, filter PlanFilter) ([]*Plan, int, error)
}

// SubscriptionStore persists subscriptions and their history. Usage counters
// live in the UsageLedger and are not read or written here.
type SubscriptionStore interface {
	// CreateSubscription stores a new subscription with its initial history.
	// Returns ErrLiveSubscriptionExists if the user already holds a
	// non-terminal subscription and ErrDuplicateSubscription if the external
	// subscription id is taken. Both must be enforced by the store itself.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// GetLiveSubscription returns the user's non-terminal subscription or
	// ErrSubscriptionNotFound.
	GetLiveSubscription(ctx context.Context, userID string) (*Subscription, error)

	// ListSubscriptions returns every subscription of a user, newest first.
	ListSubscriptions(ctx context.Context, userID string) ([]*Subscription, error)

	// ListRemoteSyncPending returns subscriptions flagged with RemoteSyncPending.
	ListRemoteSyncPending(ctx context.Context, limit int) ([]*Subscription, error)

	// UpdateSubscription writes sub, including its new Version, if the stored
	// version still equals expectedVersion, and appends the given history
	// entries in the same atomic step. Returns ErrStaleSubscription when the
	// stored version moved and ErrSubscriptionNotFound when it is missing.
	UpdateSubscription(ctx context.Context, sub *Subscription, expectedVersion int64, appended []HistoryEntry) error
}

// UsageLedger keeps per-subscription, per-resource counters.
type UsageLedger interface {
	// InitUsage creates counters with current = 0 for the given limits.
	// Existing counters are left untouched.
	InitUsage(ctx context.Context, subscriptionID string, limits map[ResourceType]float64) error

	// Reserve increments current by amount only if the result stays within
	// the limit, in one atomic step. A missing counter behaves as limit 0.
	Reserve(ctx context.Context, subscriptionID string, resource ResourceType, amount float64) (Reservation, error)

	// Release decrements current by amount, floored at 0, and returns the new value.
	Release(ctx context.Context, subscriptionID string, resource ResourceType, amount float64) (float64, error)

	// Usage returns every counter of a subscription.
	Usage(ctx context.Context, subscriptionID string) (map[ResourceType]UsageCounter, error)
}

// PaymentStore persists payments.
type PaymentStore interface {
	// InsertPayment stores p unless a payment with the same ExternalPaymentID
	// exists. The uniqueness check is the store's constraint, not a prior read.
	// Returns the stored row and whether this call inserted it.
	InsertPayment(ctx context.Context, p *Payment) (*Payment, bool, error)

	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByExternalID(ctx context.Context, externalID string) (*Payment, error)

	// ListPayments returns the payments of a subscription, oldest first.
	ListPayments(ctx context.Context, subscriptionID string) ([]*Payment, error)

	// UpdatePaymentStatus moves a payment from one status to another. Returns
	// ErrPaymentStatus when the stored status is not from.
	UpdatePaymentStatus(ctx context.Context, id string, from, to PaymentStatus, errorDetail string) (*Payment, error)

	// ApplyRefund applies r to the payment's RefundTotals and moves it to
	// partially_refunded or refunded, as one atomic step against concurrent
	// refunds. A refund id already applied to the payment is a no-op.
	// Reports whether the refunded amount changed. Errors are those of
	// RefundTotals.Next and ErrPaymentNotFound.
	ApplyRefund(ctx context.Context, id string, r RefundRecord) (*Payment, bool, error)
}

// Storage is the full persistence surface used by the Manager.
type Storage interface {
	PlanStore
	SubscriptionStore
	UsageLedger
	PaymentStore
}
