package gosubs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SubscribeRequest starts a subscription for a user
type SubscribeRequest struct {
	UserID string
	PlanID string
	Email  string
	Name   string

	// CustomerID reuses an existing gateway customer instead of creating one
	CustomerID string

	// TotalCycles bounds a fixed-term subscription (0 = until cancelled)
	TotalCycles int

	Metadata map[string]string
}

// SubscriptionPatch lists the subscription fields a caller may change.
// Lifecycle fields, external ids and history change only through operations.
type SubscriptionPatch struct {
	// Metadata replaces the stored metadata when non-nil
	Metadata map[string]string
}

// CancelRequest describes a cancellation
type CancelRequest struct {
	Reason   string
	Feedback string
	// AtCycleEnd asks the gateway to stop billing at the end of the current
	// period instead of immediately. The local subscription is cancelled now.
	AtCycleEnd bool
}

// CancelOutcome distinguishes the results of the local write and the remote call.
type CancelOutcome string

const (
	// CancelCompleted means the subscription is cancelled locally and on the gateway
	CancelCompleted CancelOutcome = "completed"
	// CancelRemotePending means the local cancel succeeded but the gateway call
	// failed; the subscription is flagged with RemoteSyncPending
	CancelRemotePending CancelOutcome = "remote_pending"
	// CancelFailed means nothing changed
	CancelFailed CancelOutcome = "failed"
)

// CancelResult reports a cancellation
type CancelResult struct {
	Outcome      CancelOutcome
	Subscription *Subscription
	// RemoteErr is the gateway error when Outcome is CancelRemotePending
	RemoteErr error
}

// Subscribe creates a gateway subscription for the plan and stores a local
// subscription holding a snapshot of the plan's price, features and quotas.
func (m *Manager) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, invalid("user_id", "required")
	}
	if req.PlanID == "" {
		return nil, invalid("plan_id", "required")
	}
	if req.TotalCycles < 0 {
		return nil, invalid("total_cycles", "must not be negative")
	}
	if err := m.requireGateway(); err != nil {
		return nil, err
	}

	plan, err := m.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.Status != PlanActive {
		return nil, ErrPlanNotAvailable
	}
	if plan.ExternalPlanID == "" {
		return nil, invalid("plan", "plan is not registered with the gateway")
	}

	// Fail fast before touching the gateway. The store enforces this again on insert.
	if _, err := m.storage.GetLiveSubscription(ctx, req.UserID); err == nil {
		return nil, ErrLiveSubscriptionExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	customerID := req.CustomerID
	if customerID == "" {
		cust, err := m.gateway.CreateCustomer(ctx, CustomerRequest{UserID: req.UserID, Email: req.Email, Name: req.Name})
		if err != nil {
			return nil, fmt.Errorf("failed to create gateway customer: %w", err)
		}
		customerID = cust.ID
	}

	trialDays := 0
	if plan.Trial.Enabled {
		trialDays = plan.Trial.Days
	}
	remote, err := m.gateway.CreateSubscription(ctx, SubscriptionRequest{
		UserID:         req.UserID,
		CustomerID:     customerID,
		ExternalPlanID: plan.ExternalPlanID,
		TrialDays:      trialDays,
		TotalCount:     req.TotalCycles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway subscription: %w", err)
	}

	sub := m.newSubscription(req, plan, customerID, remote)

	start := time.Now()
	err = m.storage.CreateSubscription(ctx, sub)
	m.observe("create_subscription", start, err)
	if err != nil {
		m.compensateRemote(ctx, remote.ID, err)
		return nil, err
	}

	limits := make(map[ResourceType]float64, len(sub.Quotas))
	for resource, q := range sub.Quotas {
		limits[resource] = q.Limit()
	}
	start = time.Now()
	err = m.ledger.InitUsage(ctx, sub.ID, limits)
	m.observe("init_usage", start, err)
	if err != nil {
		m.logger.Error("failed to initialise usage counters",
			F("subscription_id", sub.ID),
			F("error", err.Error()),
		)
		m.abandonSubscription(ctx, sub, err)
		return nil, fmt.Errorf("failed to initialise usage counters: %w", Transient(err))
	}
	sub.Usage = make(map[ResourceType]UsageCounter, len(limits))
	for resource, limit := range limits {
		sub.Usage[resource] = UsageCounter{Current: 0, Limit: limit}
	}

	m.metrics.RecordTransition("", sub.Status)
	m.logger.Info("subscription created",
		F("subscription_id", sub.ID),
		F("user_id", sub.UserID),
		F("plan_id", sub.PlanID),
		F("status", string(sub.Status)),
	)
	if sub.Status == StatusActive {
		m.notify(ctx, Notification{
			Kind:           NotifySubscriptionActivated,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Message:        fmt.Sprintf("Your %s subscription is active.", plan.Name),
		})
	}
	return sub, nil
}

func (m *Manager) newSubscription(req SubscribeRequest, plan *Plan, customerID string, remote *GatewaySubscription) *Subscription {
	now := m.now()
	sub := &Subscription{
		ID:                     m.newID(),
		UserID:                 req.UserID,
		PlanID:                 plan.ID,
		ExternalSubscriptionID: remote.ID,
		ExternalCustomerID:     customerID,
		BillingCycle:           plan.BillingCycle,
		Price:                  plan.Price,
		StartDate:              now,
		Features:               cloneFeatures(plan.Features),
		Quotas:                 cloneQuotas(plan.Quotas),
		Metadata:               req.Metadata,
		Version:                1,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if sub.Features == nil {
		sub.Features = map[string]bool{}
	}
	if sub.Quotas == nil {
		sub.Quotas = map[ResourceType]Quota{}
	}

	if plan.Trial.Enabled {
		end := trialEnd(now, plan.Trial.Days)
		sub.Status = StatusTrialing
		sub.Trial = &TrialWindow{Start: now, End: end}
		sub.EndDate = end
		sub.NextBillingDate = end
	} else {
		sub.Status = StatusActive
		end := remote.CurrentEnd
		if end.IsZero() {
			end = cycleEnd(now, plan.BillingCycle)
		}
		sub.EndDate = end
		sub.NextBillingDate = end
	}
	sub.History = []HistoryEntry{{
		Action:    ActionCreated,
		To:        sub.Status,
		Timestamp: now,
		Detail:    fmt.Sprintf("plan %s", plan.ID),
	}}
	return sub
}

// compensateRemote cancels a gateway subscription whose local record could
// not be stored, so the gateway does not keep billing an unknown subscription.
func (m *Manager) compensateRemote(ctx context.Context, externalID string, cause error) {
	if err := m.gateway.CancelSubscription(context.WithoutCancel(ctx), externalID, false); err != nil {
		m.logger.Error("failed to cancel orphaned gateway subscription",
			F("external_subscription_id", externalID),
			F("cause", cause.Error()),
			F("error", err.Error()),
		)
		return
	}
	m.logger.Warn("cancelled gateway subscription after local insert failed",
		F("external_subscription_id", externalID),
		F("cause", cause.Error()),
	)
}

// abandonSubscription cancels a stored subscription that cannot be used
// because its usage counters were never created. A failed gateway cancel
// leaves it flagged for SyncPendingCancellations.
func (m *Manager) abandonSubscription(ctx context.Context, sub *Subscription, cause error) {
	res, err := m.Cancel(context.WithoutCancel(ctx), sub.ID, CancelRequest{
		Reason: "usage counters could not be initialised",
	})
	if err != nil {
		m.logger.Error("failed to cancel subscription without usage counters",
			F("subscription_id", sub.ID),
			F("cause", cause.Error()),
			F("error", err.Error()),
		)
		return
	}
	m.logger.Warn("cancelled subscription without usage counters",
		F("subscription_id", sub.ID),
		F("outcome", string(res.Outcome)),
		F("cause", cause.Error()),
	)
}

// GetSubscription returns a subscription with its current usage counters.
func (m *Manager) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	sub, err := m.storage.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.withUsage(ctx, sub)
}

// GetActiveSubscription returns the user's active or trialing subscription,
// or ErrSubscriptionNotFound.
func (m *Manager) GetActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := m.storage.GetLiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sub.Status.Entitled() {
		return nil, ErrSubscriptionNotFound
	}
	return m.withUsage(ctx, sub)
}

// ListSubscriptions returns every subscription a user ever held, newest first.
func (m *Manager) ListSubscriptions(ctx context.Context, userID string) ([]*Subscription, error) {
	return m.storage.ListSubscriptions(ctx, userID)
}

func (m *Manager) withUsage(ctx context.Context, sub *Subscription) (*Subscription, error) {
	usage, err := m.ledger.Usage(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}
	sub.Usage = usage
	return sub, nil
}

func (m *Manager) byID(id string) func(ctx context.Context) (*Subscription, error) {
	return func(ctx context.Context) (*Subscription, error) {
		return m.storage.GetSubscription(ctx, id)
	}
}

// Activate moves a trialing subscription to active. periodEnd is the
// gateway-reported end of the first paid period; zero derives it from the cycle.
func (m *Manager) Activate(ctx context.Context, id string, periodEnd time.Time) (*Subscription, error) {
	sub, _, err := m.transition(ctx, m.byID(id), transition{to: StatusActive, periodEnd: periodEnd})
	return sub, err
}

// Renew extends an active subscription to periodEnd. Renewing to a period
// end that is not later than the current end date is a no-op.
func (m *Manager) Renew(ctx context.Context, id string, periodEnd time.Time) (*Subscription, error) {
	sub, _, err := m.transition(ctx, m.byID(id), transition{to: StatusActive, renewal: true, periodEnd: periodEnd})
	return sub, err
}

// MarkPastDue records a failed charge on an active subscription.
func (m *Manager) MarkPastDue(ctx context.Context, id, reason string) (*Subscription, error) {
	sub, _, err := m.transition(ctx, m.byID(id), transition{to: StatusPastDue, detail: reason})
	return sub, err
}

// Complete ends a fixed-term subscription whose cycles are exhausted.
func (m *Manager) Complete(ctx context.Context, id string) (*Subscription, error) {
	sub, _, err := m.transition(ctx, m.byID(id), transition{to: StatusCompleted})
	return sub, err
}

// Pause pauses billing on the gateway, then locally. If the gateway call
// fails nothing changes locally.
func (m *Manager) Pause(ctx context.Context, id string) (*Subscription, error) {
	return m.remoteThenLocal(ctx, id, StatusPaused, func(ctx context.Context, externalID string) error {
		return m.gateway.PauseSubscription(ctx, externalID)
	})
}

// Resume resumes billing on the gateway, then locally.
func (m *Manager) Resume(ctx context.Context, id string) (*Subscription, error) {
	return m.remoteThenLocal(ctx, id, StatusActive, func(ctx context.Context, externalID string) error {
		return m.gateway.ResumeSubscription(ctx, externalID)
	})
}

func (m *Manager) remoteThenLocal(ctx context.Context, id string, to Status,
	remote func(ctx context.Context, externalID string) error) (*Subscription, error) {
	if err := m.requireGateway(); err != nil {
		return nil, err
	}
	sub, err := m.storage.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == to {
		return sub, nil
	}
	if !CanTransition(sub.Status, to) {
		m.metrics.RecordTransitionRejected(sub.Status, to)
		return nil, &TransitionError{SubscriptionID: sub.ID, From: sub.Status, To: to}
	}
	if err := remote(ctx, sub.ExternalSubscriptionID); err != nil {
		return nil, fmt.Errorf("gateway rejected %s: %w", to, err)
	}
	// The gateway will also deliver a webhook for this change; whichever
	// arrives second is a no-op.
	updated, _, err := m.transition(ctx, m.byID(id), transition{to: to})
	return updated, err
}

// Cancel cancels a subscription locally, then on the gateway. The two steps
// are not atomic; the result tells which of them succeeded.
func (m *Manager) Cancel(ctx context.Context, id string, req CancelRequest) (*CancelResult, error) {
	sub, changed, err := m.transition(ctx, m.byID(id), transition{
		to:           StatusCancelled,
		detail:       req.Reason,
		cancellation: &Cancellation{Reason: req.Reason, Feedback: req.Feedback},
	})
	if err != nil {
		return &CancelResult{Outcome: CancelFailed, Subscription: sub}, err
	}
	if !changed && !sub.RemoteSyncPending {
		// Already cancelled and in sync with the gateway.
		return &CancelResult{Outcome: CancelCompleted, Subscription: sub}, nil
	}

	remoteErr := m.cancelRemote(ctx, sub, req.AtCycleEnd)
	if remoteErr != nil {
		flagged, err := m.setRemoteSyncPending(ctx, id, true, remoteErr.Error())
		if err != nil {
			m.logger.Error("failed to flag subscription for remote cancel retry",
				F("subscription_id", id),
				F("error", err.Error()),
			)
		} else {
			sub = flagged
		}
		m.logger.Warn("subscription cancelled locally, gateway cancel pending",
			F("subscription_id", id),
			F("external_subscription_id", sub.ExternalSubscriptionID),
			F("error", remoteErr.Error()),
		)
		return &CancelResult{Outcome: CancelRemotePending, Subscription: sub, RemoteErr: remoteErr}, nil
	}

	if sub.RemoteSyncPending {
		if synced, err := m.setRemoteSyncPending(ctx, id, false, ""); err == nil {
			sub = synced
		}
	}
	return &CancelResult{Outcome: CancelCompleted, Subscription: sub}, nil
}

func (m *Manager) cancelRemote(ctx context.Context, sub *Subscription, atCycleEnd bool) error {
	if m.gateway == nil {
		return ErrGatewayNotConfigured
	}
	return m.gateway.CancelSubscription(ctx, sub.ExternalSubscriptionID, atCycleEnd)
}

func (m *Manager) setRemoteSyncPending(ctx context.Context, id string, pending bool, detail string) (*Subscription, error) {
	_, after, _, err := m.mutate(ctx, m.byID(id), func(sub *Subscription, now time.Time) (bool, []HistoryEntry, error) {
		if sub.RemoteSyncPending == pending {
			return false, nil, nil
		}
		sub.RemoteSyncPending = pending
		action := ActionRemoteCancelSynced
		if pending {
			action = ActionRemoteCancelPending
		}
		return true, []HistoryEntry{{
			Action:    action,
			From:      sub.Status,
			To:        sub.Status,
			Timestamp: now,
			Detail:    detail,
		}}, nil
	})
	return after, err
}

// RetryRemoteCancel repeats the gateway cancel for a subscription flagged
// with RemoteSyncPending and clears the flag on success.
func (m *Manager) RetryRemoteCancel(ctx context.Context, id string) (*Subscription, error) {
	sub, err := m.storage.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sub.RemoteSyncPending {
		return sub, nil
	}
	if err := m.cancelRemote(ctx, sub, false); err != nil {
		return nil, fmt.Errorf("gateway cancel still failing: %w", Transient(err))
	}
	m.logger.Info("gateway cancel synced", F("subscription_id", id))
	return m.setRemoteSyncPending(ctx, id, false, "")
}

// SyncPendingCancellations retries up to limit flagged cancellations and
// returns how many were synced.
func (m *Manager) SyncPendingCancellations(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	pending, err := m.storage.ListRemoteSyncPending(ctx, limit)
	if err != nil {
		return 0, err
	}
	synced := 0
	for _, sub := range pending {
		if _, err := m.RetryRemoteCancel(ctx, sub.ID); err != nil {
			m.logger.Warn("remote cancel retry failed",
				F("subscription_id", sub.ID),
				F("error", err.Error()),
			)
			continue
		}
		synced++
	}
	return synced, nil
}

// UpdateSubscription applies an allow-listed patch.
func (m *Manager) UpdateSubscription(ctx context.Context, id string, patch SubscriptionPatch) (*Subscription, error) {
	for k := range patch.Metadata {
		if strings.TrimSpace(k) == "" {
			return nil, invalid("metadata", "keys must not be empty")
		}
	}
	_, after, _, err := m.mutate(ctx, m.byID(id), func(sub *Subscription, _ time.Time) (bool, []HistoryEntry, error) {
		if patch.Metadata == nil {
			return false, nil, nil
		}
		sub.Metadata = make(map[string]string, len(patch.Metadata))
		for k, v := range patch.Metadata {
			sub.Metadata[k] = v
		}
		return true, nil, nil
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}
