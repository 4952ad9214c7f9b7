// Package storagetest provides a conformance suite for gosubs.Storage
// implementations. Each backend's tests call Run with a constructor that
// returns an empty store.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Factory returns an empty store for one test.
type Factory func(t *testing.T) gosubs.Storage

// LedgerFactory returns an empty usage ledger for one test.
type LedgerFactory func(t *testing.T) gosubs.UsageLedger

var seq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), seq.Add(1))
}

func now() time.Time {
	// Databases keep microseconds.
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewPlan returns a valid monthly plan with a unique id.
func NewPlan() *gosubs.Plan {
	ts := now()
	return &gosubs.Plan{
		ID:             nextID("plan"),
		Name:           "Pro",
		Type:           "business",
		ExternalPlanID: nextID("ext_plan"),
		BillingCycle:   gosubs.CycleMonthly,
		Price:          gosubs.Money{Amount: 99900, Currency: "INR"},
		Quotas:         map[gosubs.ResourceType]gosubs.Quota{gosubs.ResourceProjects: {Max: 5}},
		Features:       map[string]bool{"api_access": true},
		Trial:          gosubs.TrialPolicy{Enabled: true, Days: 14},
		Status:         gosubs.PlanActive,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
}

// NewSubscription returns an active subscription of userID to plan.
func NewSubscription(userID string, plan *gosubs.Plan) *gosubs.Subscription {
	ts := now()
	return &gosubs.Subscription{
		ID:                     nextID("sub"),
		UserID:                 userID,
		PlanID:                 plan.ID,
		ExternalSubscriptionID: nextID("ext_sub"),
		ExternalCustomerID:     "cust_1",
		Status:                 gosubs.StatusActive,
		BillingCycle:           plan.BillingCycle,
		Price:                  plan.Price,
		StartDate:              ts,
		EndDate:                ts.AddDate(0, 1, 0),
		NextBillingDate:        ts.AddDate(0, 1, 0),
		Features:               plan.Features,
		Quotas:                 plan.Quotas,
		History: []gosubs.HistoryEntry{
			{Action: "created", To: gosubs.StatusActive, Timestamp: ts},
		},
		Metadata:  map[string]string{"source": "test"},
		Version:   1,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

// NewPayment returns a captured payment for sub.
func NewPayment(sub *gosubs.Subscription, amount int64) *gosubs.Payment {
	ts := now()
	return &gosubs.Payment{
		ID:                nextID("pay"),
		UserID:            sub.UserID,
		SubscriptionID:    sub.ID,
		ExternalPaymentID: nextID("ext_pay"),
		ExternalOrderID:   nextID("order"),
		Amount:            amount,
		Currency:          "INR",
		Status:            gosubs.PaymentCaptured,
		Method:            "card",
		ReceiptNumber:     nextID("RCPT"),
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}
}

// Run exercises every gosubs.Storage contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Plans", func(t *testing.T) { testPlans(t, newStore(t)) })
	t.Run("PlanListing", func(t *testing.T) { testPlanListing(t, newStore(t)) })
	t.Run("DeletePlanInUse", func(t *testing.T) { testDeletePlanInUse(t, newStore(t)) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, newStore(t)) })
	t.Run("OneLiveSubscription", func(t *testing.T) { testOneLiveSubscription(t, newStore(t)) })
	t.Run("OptimisticUpdate", func(t *testing.T) { testOptimisticUpdate(t, newStore(t)) })
	t.Run("RemoteSyncPending", func(t *testing.T) { testRemoteSyncPending(t, newStore(t)) })
	t.Run("Payments", func(t *testing.T) { testPayments(t, newStore(t)) })
	t.Run("Refunds", func(t *testing.T) { testRefunds(t, newStore(t)) })
	t.Run("ConcurrentRefunds", func(t *testing.T) { testConcurrentRefunds(t, newStore(t)) })
	RunLedger(t, func(t *testing.T) gosubs.UsageLedger { return newStore(t) })
}

// RunLedger exercises the gosubs.UsageLedger contract.
func RunLedger(t *testing.T, newLedger LedgerFactory) {
	t.Run("LedgerReserveRelease", func(t *testing.T) { testLedger(t, newLedger(t)) })
	t.Run("LedgerConcurrentReserve", func(t *testing.T) { testConcurrentReserve(t, newLedger(t)) })
}

func testPlans(t *testing.T, s gosubs.Storage) {
	ctx := context.Background()
	plan := NewPlan()
	require.NoError(t, s.CreatePlan(ctx, plan))

	got, err := s.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Name, got.Name)
	assert.Equal(t, plan.ExternalPlanID, got.ExternalPlanID)
	assert.Equal(t, plan.Price, got.Price)
	assert.Equal(t, plan.Quotas, got.Quotas)
	assert.Equal(t, plan.Features, got.Features)
	assert.Equal(t, plan.Trial, got.Trial)
	assert.True(t, plan.CreatedAt.Equal(got.CreatedAt))

	dup := NewPlan()
	dup.ExternalPlanID = plan.ExternalPlanID
	assert.ErrorIs(t, s.CreatePlan(ctx, dup), gosubs.ErrDuplicatePlan)

	got.Name = "Pro v2"
	got.Status = gosubs.PlanArchived
	require.NoError(t, s.UpdatePlan(ctx, got))
	again, err := s.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pro v2", again.Name)
	assert.Equal(t, gosubs.PlanArchived, again.Status)

	_, err = s.GetPlan(ctx, "missing")
	assert.ErrorIs(t, err, gosubs.ErrPlanNotFound)
	assert.ErrorIs(t, s.UpdatePlan(ctx, NewPlan()), gosubs.ErrPlanNotFound)

	require.NoError(t, s.DeletePlan(ctx, plan.ID))
	_, err = s.GetPlan(ctx, plan.ID)
	assert.ErrorIs(t, err, gosubs.ErrPlanNotFound)
	assert.ErrorIs(t, s.DeletePlan(ctx, plan.ID), gosubs.ErrPlanNotFound)
}

func testPlanListing(t *testing.T, s gosubs.Storage) {
	ctx := context.Background()
	base := now()
	for i := 0; i < 5; i++ {
		p := NewPlan()
		p.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if i%2 == 1 {
			p.BillingCycle = gosubs.CycleYearly
		}
		require.NoError(t, s.CreatePlan(ctx, p))
	}

	page, total, err := s.ListPlans(ctx, gosubs.PlanFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.True(t, page[0].CreatedAt.Before(page[1].CreatedAt))

	yearly, total, err := s.ListPlans(ctx, gosubs.PlanFilter{Cycle: gosubs.CycleYearly, PageSize: 20})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, yearly, 2)

	empty, total, err := s.ListPlans(ctx, gosubs.PlanFilter{Page: 10, PageSize: 20})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, empty)
}

func testDeletePlanInUse(t *testing.T, s gosubs.Storage) {
	ctx := context.Background()
	plan := NewPlan()
	require.NoError(t, s.CreatePlan(ctx, plan))
	sub := NewSubscription(nextID("user"), plan)
	require.NoError(t, s.CreateSubscription(ctx, sub))

	assert.ErrorIs(t, s.DeletePlan(ctx, plan.ID), gosubs.ErrPlanInUse)

	// A paused subscription no longer pins the plan.
	paused := sub.Clone()
	paused.Status = gosubs.StatusPaused
	paused.Version = 2
	require.NoError(t, s.UpdateSubscription(ctx, paused, 1, nil))
	assert.NoError(t, s.DeletePlan(ctx, plan.ID))
}

func testSubscriptions(t *testing.T, s gosubs.Storage) {
	ctx := context.Background()
	plan := NewPlan()
	require.NoError(t, s.CreatePlan(ctx, plan))
	user := nextID("user")
	sub := NewSubscription(user, plan)
	sub.Trial = &gosubs.TrialWindow{Start: sub.StartDate, End: sub.StartDate.AddDate(0, 0, 14)}
	require.NoError(t, s.CreateSubscription(ctx, sub))

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, user, got.UserID)
	assert.Equal(t, gosubs.StatusActive, got.Status)
	assert.Equal(t, sub.Quotas, got.Quotas)
	assert.Equal(t, sub.Metadata, got.Metadata)
	require.NotNil(t, got.Trial)
	assert.True(t, sub.Trial.End.Equal(got.Trial.End))
	require.Len(t, got.History, 1)
	assert.Equal(t, "created", got.History[0].Action)

	byExt, err := s.GetSubscriptionByExternalID(ctx, sub.ExternalSubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, byExt.ID)

	live, err := s.GetLiveSubscription(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, live.ID)

	_, err = s.GetSubscription(ctx, "missing")
	assert.ErrorIs(t, err, gosubs.ErrSubscriptionNotFound)
	_, err = s.GetSubscriptionByExternalID(ctx, "missing")
	assert.ErrorIs(t, err, gosubs.ErrSubscriptionNotFound)
	_, err = s.GetLiveSubscription(ctx, "nobody")
	assert.ErrorIs(t, err, gosubs.ErrSubscriptionNotFound)

	dup := NewSubscription(nextID("user"), plan)
	dup.ExternalSubscriptionID = sub.ExternalSubscriptionID
	assert.ErrorIs(t, s.CreateSubscription(ctx, dup), gosubs.ErrDuplicateSubscription)

	cancelled := got.Clone()
	cancelled.Status = gosubs.StatusCancelled
	cancelled.Cancellation = &gosubs.Cancellation{Reason: "too expensive", CancelledAt: now()}
	cancelled.Version = 2
	cancelled.UpdatedAt = now()
	entry := gosubs.HistoryEntry{Action: "cancel", From: gosubs.StatusActive, To: gosubs.StatusCancelled, Timestamp: now()}
	require.NoError(t, s.UpdateSubscription(ctx, cancelled, 1, []gosubs.HistoryEntry{entry}))

	_, err = s.GetLiveSubscription(ctx, user)
	assert.ErrorIs(t, err, gosubs.ErrSubscriptionNotFound)

	second := NewSubscription(user, plan)
	second.CreatedAt = second.CreatedAt.Add(time.Second)
	require.NoError(t, s.CreateSubscription(ctx, second))

	all, err := s.ListSubscriptions(ctx, user)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")
	assert.Equal(t, gosubs.StatusCancelled, all[1].Status)
	require.Len(t, all[1].History, 2)
	assert.Equal(t, gosubs.StatusCancelled, all[1].History[1].To)
	require.NotNil(t, all[1].Cancellation)
	assert.Equal(t, "too expensive", all[1].Cancellation.Reason)
}

func testOneLiveSubscription(t *testing.T, s gosubs.Storage) {
	ctx := context.Background()
	plan := NewPlan()
	require.NoError(t, s.CreatePlan(ctx, plan))
	user := nextID("user")

	var wg sync.WaitGroup
	var created atomic.Int32
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateSubscription(ctx, NewSubscription(user, plan))
			if err == nil {
				created.Add(1)
				return
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	assert.Equal(t, int32(1), created.Load())
	for err := range errs {
		assert.ErrorIs(t, err, gosubs.ErrLiveSubscriptionExists)
	}
}

func testOptimisticUpdate(t *testing.T, s gosubs.Storage) {
	ctx := context.Background()
	plan := NewPlan()
	require.NoError(t, s.CreatePlan(ctx, plan))
	sub := NewSubscription(nextID("user"), plan)
	require.NoError(t, s.CreateSubscription(ctx, sub))

	first := sub.Clone()
	first.Status = gosubs.StatusPastDue
	first.Version = 2
	require.NoError(t, s.UpdateSubscription(ctx, first, 1, nil))

	stale := sub.Clone()
	stale.Status = gosubs.StatusPaused
	stale.Version = 2
	assert.ErrorIs(t, s.UpdateSubscription(ctx, stale, 1, nil), gosubs.ErrStaleSubscription)

	missing := NewSubscription(nextID("user"), plan)
	assert.ErrorIs(t, s.UpdateSubscription(ctx, missing, 1, nil), gosubs.ErrSubscriptionNotFound)

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, gosubs.StatusPastDue, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func testRemoteSyncPending(t *testing.T, s gosubs.Storage) {
	ctx := context.Background()
	plan := NewPlan()
	require.NoError(t, s.CreatePlan(ctx, plan))

	for i := 0; i < 3; i++ {
		sub := NewSubscription(nextID("user"), plan)
		require.NoError(t, s.CreateSubscription(ctx, sub))
		if i == 1 {
			continue
		}
		flagged := sub.Clone()
		flagged.Status = gosubs.StatusCancelled
		flagged.RemoteSyncPending = true
		flagged.Version = 2
		require.NoError(t, s.UpdateSubscription(ctx, flagged, 1, nil))
	}

	pending, err := s.ListRemoteSyncPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	for _, sub := range pending {
		assert.True(t, sub.RemoteSyncPending)
	}

	limited, err := s.ListRemoteSyncPending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testPayments(t *testing.T, s gosubs.Storage) {
	ctx := context.Background()
	plan := NewPlan()
	require.NoError(t, s.CreatePlan(ctx, plan))
	sub := NewSubscription(nextID("user"), plan)
	require.NoError(t, s.CreateSubscription(ctx, sub))

	p := NewPayment(sub, 5000)
	p.Status = gosubs.PaymentPending
	stored, inserted, err := s.InsertPayment(ctx, p)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, p.ID, stored.ID)

	// Redelivery of the same gateway payment returns the stored row.
	redelivered := NewPayment(sub, 5000)
	redelivered.ExternalPaymentID = p.ExternalPaymentID
	existing, inserted, err := s.InsertPayment(ctx, redelivered)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, p.ID, existing.ID)

	dupReceipt := NewPayment(sub, 100)
	dupReceipt.ReceiptNumber = p.ReceiptNumber
	_, _, err = s.InsertPayment(ctx, dupReceipt)
	assert.ErrorIs(t, err, gosubs.ErrConflict)

	byExt, err := s.GetPaymentByExternalID(ctx, p.ExternalPaymentID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byExt.ID)
	_, err = s.GetPayment(ctx, "missing")
	assert.ErrorIs(t, err, gosubs.ErrPaymentNotFound)

	failed, err := s.UpdatePaymentStatus(ctx, p.ID, gosubs.PaymentPending, gosubs.PaymentFailed, "card declined")
	require.NoError(t, err)
	assert.Equal(t, gosubs.PaymentFailed, failed.Status)
	assert.Equal(t, "card declined", failed.ErrorDetail)

	_, err = s.UpdatePaymentStatus(ctx, p.ID, gosubs.PaymentPending, gosubs.PaymentCaptured, "")
	assert.ErrorIs(t, err, gosubs.ErrPaymentStatus, "stored status is no longer pending")

	captured, err := s.UpdatePaymentStatus(ctx, p.ID, gosubs.PaymentFailed, gosubs.PaymentCaptured, "")
	require.NoError(t, err)
	assert.Equal(t, gosubs.PaymentCaptured, captured.Status)
	assert.Equal(t, "card declined", captured.ErrorDetail)

	_, err = s.UpdatePaymentStatus(ctx, p.ID, gosubs.PaymentCaptured, gosubs.PaymentPending, "")
	assert.ErrorIs(t, err, gosubs.ErrPaymentStatus, "no backward moves")

	second := NewPayment(sub, 7000)
	second.CreatedAt = second.CreatedAt.Add(time.Second)
	_, _, err = s.InsertPayment(ctx, second)
	require.NoError(t, err)

	list, err := s.ListPayments(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, p.ID, list[0].ID, "oldest first")
}

func refund(id string, amount int64) gosubs.RefundRecord {
	return gosubs.RefundRecord{ID: id, Amount: amount, At: now()}
}

func reported(total int64) gosubs.RefundRecord {
	return gosubs.RefundRecord{ReportedTotal: total, At: now()}
}

func testRefunds(t *testing.T, s gosubs.Storage) {
	ctx := context.Background()
	plan := NewPlan()
	require.NoError(t, s.CreatePlan(ctx, plan))
	sub := NewSubscription(nextID("user"), plan)
	require.NoError(t, s.CreateSubscription(ctx, sub))

	pending := NewPayment(sub, 1000)
	pending.Status = gosubs.PaymentPending
	_, _, err := s.InsertPayment(ctx, pending)
	require.NoError(t, err)
	_, _, err = s.ApplyRefund(ctx, pending.ID, refund("rf_pending", 100))
	assert.ErrorIs(t, err, gosubs.ErrPaymentStatus)

	p := NewPayment(sub, 1000)
	_, _, err = s.InsertPayment(ctx, p)
	require.NoError(t, err)

	_, _, err = s.ApplyRefund(ctx, p.ID, gosubs.RefundRecord{Amount: 100, At: now()})
	assert.ErrorIs(t, err, gosubs.ErrValidation, "an amount needs a refund id")

	r := refund("rf_1", 400)
	r.Reason = "goodwill"
	partial, changed, err := s.ApplyRefund(ctx, p.ID, r)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, gosubs.PaymentPartiallyRefunded, partial.Status)
	require.NotNil(t, partial.Refund)
	assert.Equal(t, int64(400), partial.Refund.Amount)
	assert.Equal(t, "goodwill", partial.Refund.Reason)

	// A refund id is applied once.
	again, changed, err := s.ApplyRefund(ctx, p.ID, refund("rf_1", 400))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(400), again.Refund.Amount)

	// A reported total at or below the refunded amount changes nothing.
	same, changed, err := s.ApplyRefund(ctx, p.ID, reported(300))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(400), same.Refund.Amount)

	// The gateway reports a total that already includes a refund not yet
	// applied by id; applying that refund afterwards does not count it twice.
	raised, changed, err := s.ApplyRefund(ctx, p.ID, reported(600))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(600), raised.Refund.Amount)
	late, changed, err := s.ApplyRefund(ctx, p.ID, refund("rf_2", 200))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(600), late.Refund.Amount)

	_, _, err = s.ApplyRefund(ctx, p.ID, refund("rf_3", 401))
	assert.ErrorIs(t, err, gosubs.ErrRefundExceedsBalance)

	full, changed, err := s.ApplyRefund(ctx, p.ID, refund("rf_3", 400))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, gosubs.PaymentRefunded, full.Status)
	assert.Equal(t, int64(1000), full.Refund.Amount)

	stored, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, gosubs.PaymentRefunded, stored.Status)
	assert.Equal(t, int64(1000), stored.Refund.Amount)

	_, _, err = s.ApplyRefund(ctx, p.ID, refund("rf_4", 1))
	assert.ErrorIs(t, err, gosubs.ErrRefundExceedsBalance)

	_, _, err = s.ApplyRefund(ctx, "missing", refund("rf_5", 1))
	assert.ErrorIs(t, err, gosubs.ErrPaymentNotFound)
}

func testConcurrentRefunds(t *testing.T, s gosubs.Storage) {
	ctx := context.Background()
	plan := NewPlan()
	require.NoError(t, s.CreatePlan(ctx, plan))
	sub := NewSubscription(nextID("user"), plan)
	require.NoError(t, s.CreateSubscription(ctx, sub))
	p := NewPayment(sub, 100)
	_, _, err := s.InsertPayment(ctx, p)
	require.NoError(t, err)

	// Twenty refund ids of 10 each; rf_0 is delivered six times.
	var wg sync.WaitGroup
	var applied, refused, replayed atomic.Int32
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("rf_%d", i)
			if i >= 20 {
				id = "rf_0"
			}
			_, changed, err := s.ApplyRefund(ctx, p.ID, refund(id, 10))
			switch {
			case errors.Is(err, gosubs.ErrRefundExceedsBalance), errors.Is(err, gosubs.ErrPaymentStatus):
				refused.Add(1)
			case err != nil:
				t.Errorf("ApplyRefund: %v", err)
			case changed:
				applied.Add(1)
			default:
				replayed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), applied.Load())
	assert.Equal(t, int32(25), applied.Load()+refused.Load()+replayed.Load())
	stored, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, gosubs.PaymentRefunded, stored.Status)
	assert.Equal(t, int64(100), stored.Refund.Amount)
}

func testLedger(t *testing.T, l gosubs.UsageLedger) {
	ctx := context.Background()
	subID := nextID("sub")
	require.NoError(t, l.InitUsage(ctx, subID, map[gosubs.ResourceType]float64{
		gosubs.ResourceProjects: 2,
		gosubs.ResourceStorage:  1.5,
		gosubs.ResourceLeads:    gosubs.Unlimited,
	}))

	res, err := l.Reserve(ctx, subID, gosubs.ResourceProjects, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, float64(2), res.Current)
	assert.Equal(t, float64(2), res.Limit)

	res, err = l.Reserve(ctx, subID, gosubs.ResourceProjects, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, float64(2), res.Current, "denied reservations leave the counter")

	res, err = l.Reserve(ctx, subID, gosubs.ResourceStorage, 0.75)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = l.Reserve(ctx, subID, gosubs.ResourceStorage, 0.75)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "exactly at the limit is allowed")
	assert.InDelta(t, 1.5, res.Current, 1e-9)

	res, err = l.Reserve(ctx, subID, gosubs.ResourceLeads, 1e6)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, gosubs.Unlimited, res.Limit)

	res, err = l.Reserve(ctx, subID, gosubs.ResourceTeams, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "a missing counter has limit 0")

	current, err := l.Release(ctx, subID, gosubs.ResourceProjects, 5)
	require.NoError(t, err)
	assert.Equal(t, float64(0), current, "counters never go below zero")

	current, err = l.Release(ctx, subID, gosubs.ResourceTeams, 1)
	require.NoError(t, err)
	assert.Equal(t, float64(0), current)

	// InitUsage leaves existing counters untouched.
	require.NoError(t, l.InitUsage(ctx, subID, map[gosubs.ResourceType]float64{gosubs.ResourceStorage: 10}))

	usage, err := l.Usage(ctx, subID)
	require.NoError(t, err)
	assert.Len(t, usage, 3)
	assert.Equal(t, gosubs.UsageCounter{Current: 0, Limit: 2}, usage[gosubs.ResourceProjects])
	assert.InDelta(t, 1.5, usage[gosubs.ResourceStorage].Limit, 1e-9)
	assert.True(t, usage[gosubs.ResourceLeads].Unlimited())

	empty, err := l.Usage(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testConcurrentReserve(t *testing.T, l gosubs.UsageLedger) {
	ctx := context.Background()
	subID := nextID("sub")
	const limit = 10
	require.NoError(t, l.InitUsage(ctx, subID, map[gosubs.ResourceType]float64{gosubs.ResourceProjects: limit}))

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Reserve(ctx, subID, gosubs.ResourceProjects, 1)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(limit), allowed.Load())
	usage, err := l.Usage(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, float64(limit), usage[gosubs.ResourceProjects].Current)
}
