package gosubs

import (
	"context"
	"errors"
	"time"
)

// History actions.
const (
	ActionCreated             = "created"
	ActionActivated           = "activated"
	ActionRenewed             = "renewed"
	ActionPastDue             = "past_due"
	ActionRecovered           = "recovered"
	ActionPaused              = "paused"
	ActionResumed             = "resumed"
	ActionCancelled           = "cancelled"
	ActionCompleted           = "completed"
	ActionRemoteCancelPending = "remote_cancel_pending"
	ActionRemoteCancelSynced  = "remote_cancel_synced"
	ActionGatewayUpdated      = "gateway_updated"
)

// allowedEdges is the complete lifecycle graph. active -> active is renewal.
var allowedEdges = map[Status][]Status{
	StatusTrialing: {StatusActive, StatusCancelled},
	StatusActive:   {StatusActive, StatusPastDue, StatusPaused, StatusCancelled, StatusCompleted},
	StatusPastDue:  {StatusActive, StatusPaused, StatusCancelled},
	StatusPaused:   {StatusActive, StatusCancelled},
}

// CanTransition reports whether the lifecycle allows moving from one state to another.
func CanTransition(from, to Status) bool {
	for _, s := range allowedEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition is one requested lifecycle change.
type transition struct {
	to     Status
	detail string

	// renewal marks an active -> active period extension. Without it,
	// requesting the current state is a no-op.
	renewal bool

	// periodEnd is the gateway-reported end of the current period, if known.
	periodEnd time.Time

	cancellation *Cancellation
}

// apply mutates sub in place. It returns the history entry to append, or
// nil when the transition is a no-op.
func (t transition) apply(sub *Subscription, now time.Time) (*HistoryEntry, error) {
	from := sub.Status

	if from == t.to && !t.renewal {
		return nil, nil
	}
	if !CanTransition(from, t.to) {
		return nil, &TransitionError{SubscriptionID: sub.ID, From: from, To: t.to}
	}

	action := ""
	switch {
	case t.renewal:
		end := t.periodEnd
		if end.IsZero() {
			end = nextPeriodEnd(sub, now)
		}
		if !end.After(sub.EndDate) {
			// Already renewed for this period.
			return nil, nil
		}
		sub.EndDate = end
		sub.NextBillingDate = end
		action = ActionRenewed

	case t.to == StatusActive && from == StatusTrialing:
		end := t.periodEnd
		if end.IsZero() {
			end = cycleEnd(now, sub.BillingCycle)
		}
		sub.EndDate = end
		sub.NextBillingDate = end
		action = ActionActivated

	case t.to == StatusActive && from == StatusPastDue:
		if t.periodEnd.After(sub.EndDate) {
			sub.EndDate = t.periodEnd
			sub.NextBillingDate = t.periodEnd
		}
		action = ActionRecovered

	case t.to == StatusActive && from == StatusPaused:
		if t.periodEnd.After(sub.EndDate) {
			sub.EndDate = t.periodEnd
			sub.NextBillingDate = t.periodEnd
		}
		action = ActionResumed

	case t.to == StatusPastDue:
		action = ActionPastDue

	case t.to == StatusPaused:
		action = ActionPaused

	case t.to == StatusCancelled:
		c := Cancellation{CancelledAt: now}
		if t.cancellation != nil {
			c.Reason = t.cancellation.Reason
			c.Feedback = t.cancellation.Feedback
		}
		sub.Cancellation = &c
		action = ActionCancelled

	case t.to == StatusCompleted:
		sub.EndDate = now
		action = ActionCompleted
	}

	sub.Status = t.to
	return &HistoryEntry{
		Action:    action,
		From:      from,
		To:        t.to,
		Timestamp: now,
		Detail:    t.detail,
	}, nil
}

// nextPeriodEnd returns the first anniversary after the current end date,
// computed from the start date so the billing day does not drift.
func nextPeriodEnd(sub *Subscription, now time.Time) time.Time {
	anchor := sub.StartDate
	if sub.Trial != nil && !sub.Trial.End.IsZero() {
		anchor = sub.Trial.End
	}
	if anchor.IsZero() {
		return cycleEnd(now, sub.BillingCycle)
	}
	after := sub.EndDate
	if after.IsZero() {
		after = now
	}
	for n := 1; ; n++ {
		end := nthCycleEnd(anchor, sub.BillingCycle, n)
		if end.After(after) {
			return end
		}
	}
}

// mutation changes a loaded subscription. It reports whether anything changed
// and the history entries to append.
type mutation func(sub *Subscription, now time.Time) (changed bool, appended []HistoryEntry, err error)

// mutate loads a subscription, applies fn and persists the result with a
// compare-and-set on Version. A lost race reloads and re-applies fn, so fn
// always sees current state. before is the state fn was applied to.
func (m *Manager) mutate(ctx context.Context, load func(ctx context.Context) (*Subscription, error),
	fn mutation) (before, after *Subscription, changed bool, err error) {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		current, err := load(ctx)
		m.observe("get_subscription", start, err)
		if err != nil {
			return nil, nil, false, err
		}

		next := current.Clone()
		now := m.now()
		changed, appended, err := fn(next, now)
		if err != nil {
			return current, current, false, err
		}
		if !changed {
			return current, current, false, nil
		}

		next.Version = current.Version + 1
		next.UpdatedAt = now
		next.History = append(next.History, appended...)

		start = time.Now()
		err = m.storage.UpdateSubscription(ctx, next, current.Version, appended)
		m.observe("update_subscription", start, err)
		if errors.Is(err, ErrStaleSubscription) && attempt < m.config.MaxTransitionRetries {
			m.logger.Debug("subscription modified concurrently, retrying",
				F("subscription_id", current.ID),
				F("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return current, nil, false, err
		}
		return current, next, true, nil
	}
}

// transition applies t to the subscription returned by load.
func (m *Manager) transition(ctx context.Context, load func(ctx context.Context) (*Subscription, error),
	t transition) (*Subscription, bool, error) {
	var rejected *TransitionError
	before, after, changed, err := m.mutate(ctx, load, func(sub *Subscription, now time.Time) (bool, []HistoryEntry, error) {
		entry, err := t.apply(sub, now)
		if err != nil || entry == nil {
			return false, nil, err
		}
		return true, []HistoryEntry{*entry}, nil
	})
	if errors.As(err, &rejected) {
		m.metrics.RecordTransitionRejected(rejected.From, rejected.To)
		m.logger.Warn("lifecycle transition rejected",
			F("subscription_id", rejected.SubscriptionID),
			F("from", string(rejected.From)),
			F("to", string(rejected.To)),
		)
		return before, false, err
	}
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return after, false, nil
	}

	m.metrics.RecordTransition(before.Status, after.Status)
	m.logger.Info("subscription transitioned",
		F("subscription_id", after.ID),
		F("user_id", after.UserID),
		F("from", string(before.Status)),
		F("to", string(after.Status)),
	)
	m.notifyTransition(ctx, before, after)
	return after, true, nil
}

func (m *Manager) notifyTransition(ctx context.Context, before, after *Subscription) {
	var kind NotificationKind
	var msg string
	switch {
	case before.Status == StatusActive && after.Status == StatusActive:
		kind, msg = NotifySubscriptionRenewed, "Your subscription has been renewed."
	case after.Status == StatusActive && before.Status == StatusPaused:
		kind, msg = NotifySubscriptionResumed, "Your subscription has been resumed."
	case after.Status == StatusActive:
		kind, msg = NotifySubscriptionActivated, "Your subscription is active."
	case after.Status == StatusPastDue:
		kind, msg = NotifySubscriptionPastDue, "We could not charge your payment method. Please update it to keep your plan."
	case after.Status == StatusPaused:
		kind, msg = NotifySubscriptionPaused, "Your subscription has been paused."
	case after.Status == StatusCancelled:
		kind, msg = NotifySubscriptionCancelled, "Your subscription has been cancelled."
	case after.Status == StatusCompleted:
		kind, msg = NotifySubscriptionCompleted, "Your subscription has completed its term."
	default:
		return
	}
	m.notify(ctx, Notification{
		Kind:           kind,
		UserID:         after.UserID,
		SubscriptionID: after.ID,
		Message:        msg,
		Data: map[string]string{
			"status":            string(after.Status),
			"next_billing_date": after.NextBillingDate.Format(time.RFC3339),
		},
	})
}
