// Package memory provides an in-memory implementation of the gosubs.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Storage implements gosubs.Storage using in-memory maps. A single mutex
// makes every method one atomic step, the way a database statement would be.
type Storage struct {
	mu sync.RWMutex

	plans               map[string]*gosubs.Plan
	planByExternalID    map[string]string
	subscriptions       map[string]*gosubs.Subscription
	subByExternalID     map[string]string
	usage               map[string]map[gosubs.ResourceType]gosubs.UsageCounter
	payments            map[string]*gosubs.Payment
	paymentByExternalID map[string]string
	paymentByReceipt    map[string]string
	refunds             map[string]*refundState
}

// refundState is the refund bookkeeping of one payment.
type refundState struct {
	totals  gosubs.RefundTotals
	applied map[string]struct{}
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		plans:               make(map[string]*gosubs.Plan),
		planByExternalID:    make(map[string]string),
		subscriptions:       make(map[string]*gosubs.Subscription),
		subByExternalID:     make(map[string]string),
		usage:               make(map[string]map[gosubs.ResourceType]gosubs.UsageCounter),
		payments:            make(map[string]*gosubs.Payment),
		paymentByExternalID: make(map[string]string),
		paymentByReceipt:    make(map[string]string),
		refunds:             make(map[string]*refundState),
	}
}

// CreatePlan implements gosubs.PlanStore
func (s *Storage) CreatePlan(_ context.Context, plan *gosubs.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if plan.ExternalPlanID != "" {
		if _, taken := s.planByExternalID[plan.ExternalPlanID]; taken {
			return gosubs.ErrDuplicatePlan
		}
		s.planByExternalID[plan.ExternalPlanID] = plan.ID
	}
	s.plans[plan.ID] = plan.Clone()
	return nil
}

// GetPlan implements gosubs.PlanStore
func (s *Storage) GetPlan(_ context.Context, id string) (*gosubs.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.plans[id]
	if !ok {
		return nil, gosubs.ErrPlanNotFound
	}
	return plan.Clone(), nil
}

// UpdatePlan implements gosubs.PlanStore
func (s *Storage) UpdatePlan(_ context.Context, plan *gosubs.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[plan.ID]; !ok {
		return gosubs.ErrPlanNotFound
	}
	s.plans[plan.ID] = plan.Clone()
	return nil
}

// DeletePlan implements gosubs.PlanStore
func (s *Storage) DeletePlan(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[id]
	if !ok {
		return gosubs.ErrPlanNotFound
	}
	for _, sub := range s.subscriptions {
		if sub.PlanID == id && sub.Status.Entitled() {
			return gosubs.ErrPlanInUse
		}
	}
	delete(s.plans, id)
	if plan.ExternalPlanID != "" {
		delete(s.planByExternalID, plan.ExternalPlanID)
	}
	return nil
}

// ListPlans implements gosubs.PlanStore
func (s *Storage) ListPlans(_ context.Context, filter gosubs.PlanFilter) ([]*gosubs.Plan, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*gosubs.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if filter.Type != "" && p.Type != filter.Type {
			continue
		}
		if filter.Cycle != "" && p.BillingCycle != filter.Cycle {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	offset := filter.Offset()
	if offset >= total {
		return []*gosubs.Plan{}, total, nil
	}
	end := offset + pageSize(filter)
	if end > total {
		end = total
	}
	page := make([]*gosubs.Plan, 0, end-offset)
	for _, p := range matched[offset:end] {
		page = append(page, p.Clone())
	}
	return page, total, nil
}

func pageSize(f gosubs.PlanFilter) int {
	switch {
	case f.PageSize <= 0:
		return 20
	case f.PageSize > 100:
		return 100
	}
	return f.PageSize
}

// CreateSubscription implements gosubs.SubscriptionStore
func (s *Storage) CreateSubscription(_ context.Context, sub *gosubs.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.subByExternalID[sub.ExternalSubscriptionID]; taken && sub.ExternalSubscriptionID != "" {
		return gosubs.ErrDuplicateSubscription
	}
	if s.liveLocked(sub.UserID) != nil {
		return gosubs.ErrLiveSubscriptionExists
	}

	stored := sub.Clone()
	stored.Usage = nil
	s.subscriptions[sub.ID] = stored
	if sub.ExternalSubscriptionID != "" {
		s.subByExternalID[sub.ExternalSubscriptionID] = sub.ID
	}
	return nil
}

// GetSubscription implements gosubs.SubscriptionStore
func (s *Storage) GetSubscription(_ context.Context, id string) (*gosubs.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// GetSubscriptionByExternalID implements gosubs.SubscriptionStore
func (s *Storage) GetSubscriptionByExternalID(_ context.Context, externalID string) (*gosubs.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.subByExternalID[externalID]
	if !ok {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	return s.subscriptions[id].Clone(), nil
}

// GetLiveSubscription implements gosubs.SubscriptionStore
func (s *Storage) GetLiveSubscription(_ context.Context, userID string) (*gosubs.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub := s.liveLocked(userID)
	if sub == nil {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (s *Storage) liveLocked(userID string) *gosubs.Subscription {
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && !sub.Status.Terminal() {
			return sub
		}
	}
	return nil
}

// ListSubscriptions implements gosubs.SubscriptionStore
func (s *Storage) ListSubscriptions(_ context.Context, userID string) ([]*gosubs.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*gosubs.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListRemoteSyncPending implements gosubs.SubscriptionStore
func (s *Storage) ListRemoteSyncPending(_ context.Context, limit int) ([]*gosubs.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*gosubs.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.RemoteSyncPending {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateSubscription implements gosubs.SubscriptionStore
func (s *Storage) UpdateSubscription(_ context.Context, sub *gosubs.Subscription, expectedVersion int64, appended []gosubs.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.subscriptions[sub.ID]
	if !ok {
		return gosubs.ErrSubscriptionNotFound
	}
	if current.Version != expectedVersion {
		return gosubs.ErrStaleSubscription
	}

	stored := sub.Clone()
	stored.Usage = nil
	// History is append-only; only the new entries are taken from the caller.
	stored.History = append(slices.Clone(current.History), appended...)
	stored.ExternalSubscriptionID = current.ExternalSubscriptionID
	s.subscriptions[sub.ID] = stored
	return nil
}

// InitUsage implements gosubs.UsageLedger
func (s *Storage) InitUsage(_ context.Context, subscriptionID string, limits map[gosubs.ResourceType]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters, ok := s.usage[subscriptionID]
	if !ok {
		counters = make(map[gosubs.ResourceType]gosubs.UsageCounter, len(limits))
		s.usage[subscriptionID] = counters
	}
	for resource, limit := range limits {
		if _, exists := counters[resource]; !exists {
			counters[resource] = gosubs.UsageCounter{Current: 0, Limit: limit}
		}
	}
	return nil
}

// Reserve implements gosubs.UsageLedger
func (s *Storage) Reserve(_ context.Context, subscriptionID string, resource gosubs.ResourceType, amount float64) (gosubs.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter := s.usage[subscriptionID][resource]
	res := gosubs.Reservation{Resource: resource, Current: counter.Current, Limit: counter.Limit}
	if !counter.Unlimited() && counter.Current+amount > counter.Limit {
		return res, nil
	}

	counter.Current += amount
	counters, ok := s.usage[subscriptionID]
	if !ok {
		counters = make(map[gosubs.ResourceType]gosubs.UsageCounter)
		s.usage[subscriptionID] = counters
	}
	counters[resource] = counter
	res.Allowed = true
	res.Current = counter.Current
	return res, nil
}

// Release implements gosubs.UsageLedger
func (s *Storage) Release(_ context.Context, subscriptionID string, resource gosubs.ResourceType, amount float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters, ok := s.usage[subscriptionID]
	if !ok {
		return 0, nil
	}
	counter, ok := counters[resource]
	if !ok {
		return 0, nil
	}
	counter.Current = math.Max(0, counter.Current-amount)
	counters[resource] = counter
	return counter.Current, nil
}

// SeedUsage restores counters copied from another ledger, leaving existing
// counters untouched.
func (s *Storage) SeedUsage(_ context.Context, subscriptionID string, counters map[gosubs.ResourceType]gosubs.UsageCounter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.usage[subscriptionID]
	if !ok {
		existing = make(map[gosubs.ResourceType]gosubs.UsageCounter, len(counters))
		s.usage[subscriptionID] = existing
	}
	for resource, counter := range counters {
		if _, exists := existing[resource]; !exists {
			existing[resource] = counter
		}
	}
	return nil
}

// Usage implements gosubs.UsageLedger
func (s *Storage) Usage(_ context.Context, subscriptionID string) (map[gosubs.ResourceType]gosubs.UsageCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[gosubs.ResourceType]gosubs.UsageCounter, len(s.usage[subscriptionID]))
	for resource, counter := range s.usage[subscriptionID] {
		out[resource] = counter
	}
	return out, nil
}

// InsertPayment implements gosubs.PaymentStore
func (s *Storage) InsertPayment(_ context.Context, p *gosubs.Payment) (*gosubs.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.paymentByExternalID[p.ExternalPaymentID]; exists {
		return s.payments[id].Clone(), false, nil
	}
	if _, exists := s.paymentByReceipt[p.ReceiptNumber]; exists && p.ReceiptNumber != "" {
		return nil, false, gosubs.ErrConflict
	}
	s.payments[p.ID] = p.Clone()
	state := &refundState{applied: make(map[string]struct{})}
	if p.Refund != nil {
		state.totals.Reported = p.Refund.Amount
	}
	s.refunds[p.ID] = state
	s.paymentByExternalID[p.ExternalPaymentID] = p.ID
	if p.ReceiptNumber != "" {
		s.paymentByReceipt[p.ReceiptNumber] = p.ID
	}
	return p.Clone(), true, nil
}

// GetPayment implements gosubs.PaymentStore
func (s *Storage) GetPayment(_ context.Context, id string) (*gosubs.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, gosubs.ErrPaymentNotFound
	}
	return p.Clone(), nil
}

// GetPaymentByExternalID implements gosubs.PaymentStore
func (s *Storage) GetPaymentByExternalID(_ context.Context, externalID string) (*gosubs.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.paymentByExternalID[externalID]
	if !ok {
		return nil, gosubs.ErrPaymentNotFound
	}
	return s.payments[id].Clone(), nil
}

// ListPayments implements gosubs.PaymentStore
func (s *Storage) ListPayments(_ context.Context, subscriptionID string) ([]*gosubs.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*gosubs.Payment, 0)
	for _, p := range s.payments {
		if p.SubscriptionID == subscriptionID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdatePaymentStatus implements gosubs.PaymentStore
func (s *Storage) UpdatePaymentStatus(_ context.Context, id string, from, to gosubs.PaymentStatus, errorDetail string) (*gosubs.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, gosubs.ErrPaymentNotFound
	}
	if p.Status != from || !from.CanMoveTo(to) {
		return nil, gosubs.ErrPaymentStatus
	}
	p.Status = to
	if errorDetail != "" {
		p.ErrorDetail = errorDetail
	}
	p.UpdatedAt = time.Now().UTC()
	return p.Clone(), nil
}

// ApplyRefund implements gosubs.PaymentStore
func (s *Storage) ApplyRefund(_ context.Context, id string, r gosubs.RefundRecord) (*gosubs.Payment, bool, error) {
	if err := r.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, false, gosubs.ErrPaymentNotFound
	}
	state := s.refunds[id]
	if _, seen := state.applied[r.ID]; seen && r.ID != "" {
		return p.Clone(), false, nil
	}

	next, changed, err := state.totals.Next(p, r)
	if err != nil {
		return nil, false, err
	}
	state.totals = next
	if r.ID != "" {
		state.applied[r.ID] = struct{}{}
	}
	if changed {
		p.SetRefunded(next.Total(), r.Reason, r.At)
	}
	return p.Clone(), changed, nil
}

var _ gosubs.Storage = (*Storage)(nil)
