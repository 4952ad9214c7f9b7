package gosubs

import (
	"context"
	"errors"
	"time"
)

// WebhookOutcome describes what processing a webhook did
type WebhookOutcome string

const (
	// OutcomeApplied means local state changed
	OutcomeApplied WebhookOutcome = "applied"
	// OutcomeNoop means the event was already reflected in local state
	OutcomeNoop WebhookOutcome = "noop"
	// OutcomeOrphan means the event refers to a subscription or payment unknown locally
	OutcomeOrphan WebhookOutcome = "orphan"
	// OutcomeIgnored means the event type is unsupported or the payload unusable
	OutcomeIgnored WebhookOutcome = "ignored"
	// OutcomeConflict means the event asked for a change the current state does not allow
	OutcomeConflict WebhookOutcome = "conflict"
)

// WebhookResult reports the processing of one webhook event. Every result
// returned with a nil error should be acknowledged to the gateway.
type WebhookResult struct {
	EventID        string         `json:"event_id,omitempty"`
	EventType      EventType      `json:"event_type"`
	Outcome        WebhookOutcome `json:"outcome"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	PaymentID      string         `json:"payment_id,omitempty"`
}

// ProcessWebhook verifies, decodes and applies one gateway webhook.
//
// It returns ErrInvalidSignature (an ErrAuth) when the signature does not
// verify, and a transient error when persistence or the gateway failed and
// the delivery should be retried. Orphan, ignored, duplicate, conflicting
// and malformed events return a result and a nil error.
func (m *Manager) ProcessWebhook(ctx context.Context, eventType string, rawBody []byte, signature string) (*WebhookResult, error) {
	if err := m.requireGateway(); err != nil {
		return nil, err
	}
	if !m.gateway.VerifyWebhookSignature(rawBody, signature) {
		m.logger.Warn("webhook signature rejected",
			F("gateway", m.gateway.Name()),
			F("event_type", eventType),
		)
		return nil, ErrInvalidSignature
	}

	ev, err := m.decodeEvent(eventType, rawBody)
	if err != nil {
		m.logger.Warn("webhook payload rejected",
			F("event_type", eventType),
			F("error", err.Error()),
		)
		return &WebhookResult{EventType: EventType(eventType), Outcome: OutcomeIgnored}, nil
	}

	result := &WebhookResult{EventID: ev.ID, EventType: ev.Type}
	err = m.applyEvent(ctx, ev, result)

	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		result.Outcome = OutcomeConflict
		m.logger.Warn("webhook event conflicts with local state",
			F("event_id", ev.ID),
			F("event_type", string(ev.Type)),
			F("subscription_id", result.SubscriptionID),
			F("error", err.Error()),
		)
	case IsDomainError(err):
		result.Outcome = OutcomeIgnored
		m.logger.Warn("webhook event ignored",
			F("event_id", ev.ID),
			F("event_type", string(ev.Type)),
			F("error", err.Error()),
		)
	default:
		m.logger.Error("webhook event failed",
			F("event_id", ev.ID),
			F("event_type", string(ev.Type)),
			F("subscription_id", result.SubscriptionID),
			F("error", err.Error()),
		)
		return result, Transient(err)
	}

	m.logger.Debug("webhook event processed",
		F("event_id", ev.ID),
		F("event_type", string(ev.Type)),
		F("outcome", string(result.Outcome)),
	)
	return result, nil
}

func (m *Manager) decodeEvent(eventType string, rawBody []byte) (*GatewayEvent, error) {
	if m.decoder != nil {
		return m.decoder.DecodeEvent(eventType, rawBody)
	}
	return DecodeEvent(eventType, rawBody)
}

func (m *Manager) applyEvent(ctx context.Context, ev *GatewayEvent, result *WebhookResult) error {
	switch ev.Type {
	case EventPaymentCaptured, EventPaymentFailed:
		return m.applyPaymentEvent(ctx, ev, result)
	case EventRefundProcessed:
		return m.applyRefundEvent(ctx, ev, result)
	case EventSubscriptionAuthenticated, EventSubscriptionActivated, EventSubscriptionCharged,
		EventSubscriptionPending, EventSubscriptionHalted, EventSubscriptionPaused,
		EventSubscriptionResumed, EventSubscriptionCancelled, EventSubscriptionCompleted,
		EventSubscriptionUpdated:
		return m.applySubscriptionEvent(ctx, ev, result)
	default:
		result.Outcome = OutcomeIgnored
		m.logger.Info("unsupported webhook event type", F("event_type", string(ev.Type)))
		return nil
	}
}

func (m *Manager) byExternalID(externalID string) func(ctx context.Context) (*Subscription, error) {
	return func(ctx context.Context) (*Subscription, error) {
		return m.storage.GetSubscriptionByExternalID(ctx, externalID)
	}
}

func (m *Manager) applySubscriptionEvent(ctx context.Context, ev *GatewayEvent, result *WebhookResult) error {
	extID := ev.ExternalSubscriptionID()
	if extID == "" {
		result.Outcome = OutcomeIgnored
		return invalid("subscription", "event carries no subscription id")
	}
	sub, err := m.storage.GetSubscriptionByExternalID(ctx, extID)
	if errors.Is(err, ErrNotFound) {
		result.Outcome = OutcomeOrphan
		m.logger.Warn("webhook for unknown subscription",
			F("event_id", ev.ID),
			F("event_type", string(ev.Type)),
			F("external_subscription_id", extID),
		)
		return nil
	}
	if err != nil {
		return err
	}
	result.SubscriptionID = sub.ID
	load := m.byExternalID(extID)
	detail := string(ev.Type)

	var t transition
	switch ev.Type {
	case EventSubscriptionAuthenticated:
		// Mandate authorised; the first charge follows as activated or charged.
		result.Outcome = OutcomeNoop
		return nil

	case EventSubscriptionActivated:
		t = transition{to: StatusActive, periodEnd: ev.PeriodEnd(), detail: detail}

	case EventSubscriptionCharged:
		if ev.Payment != nil {
			p, changed, err := m.recordPayment(ctx, sub.UserID, sub.ID, ev.Payment)
			if err != nil {
				return err
			}
			result.PaymentID = p.ID
			if changed {
				result.Outcome = OutcomeApplied
			}
		}
		switch sub.Status {
		case StatusActive:
			t = transition{to: StatusActive, renewal: true, periodEnd: ev.PeriodEnd(), detail: detail}
		case StatusTrialing, StatusPastDue:
			t = transition{to: StatusActive, periodEnd: ev.PeriodEnd(), detail: detail}
		default:
			return &TransitionError{SubscriptionID: sub.ID, From: sub.Status, To: StatusActive}
		}

	case EventSubscriptionPending, EventSubscriptionHalted:
		t = transition{to: StatusPastDue, detail: detail}

	case EventSubscriptionPaused:
		t = transition{to: StatusPaused, detail: detail}

	case EventSubscriptionResumed:
		t = transition{to: StatusActive, periodEnd: ev.PeriodEnd(), detail: detail}

	case EventSubscriptionCancelled:
		return m.applyRemoteCancel(ctx, load, result)

	case EventSubscriptionCompleted:
		t = transition{to: StatusCompleted, detail: detail}

	case EventSubscriptionUpdated:
		return m.applyRemoteUpdate(ctx, sub, ev, result)
	}

	_, changed, err := m.transition(ctx, load, t)
	if err != nil {
		return err
	}
	if changed {
		result.Outcome = OutcomeApplied
	} else if result.Outcome == "" {
		result.Outcome = OutcomeNoop
	}
	return nil
}

// applyRemoteCancel cancels locally and clears a pending remote cancel: the
// gateway has confirmed the cancellation.
func (m *Manager) applyRemoteCancel(ctx context.Context, load func(ctx context.Context) (*Subscription, error), result *WebhookResult) error {
	sub, changed, err := m.transition(ctx, load, transition{
		to:           StatusCancelled,
		detail:       string(EventSubscriptionCancelled),
		cancellation: &Cancellation{Reason: "cancelled by gateway"},
	})
	if err != nil {
		return err
	}
	if sub.RemoteSyncPending {
		if _, err := m.setRemoteSyncPending(ctx, sub.ID, false, "confirmed by gateway"); err != nil {
			return err
		}
		changed = true
	}
	if changed {
		result.Outcome = OutcomeApplied
	} else {
		result.Outcome = OutcomeNoop
	}
	return nil
}

// applyRemoteUpdate refreshes the billing period from the gateway and moves
// the subscription to active when the lifecycle allows it.
func (m *Manager) applyRemoteUpdate(ctx context.Context, sub *Subscription, ev *GatewayEvent, result *WebhookResult) error {
	load := m.byExternalID(sub.ExternalSubscriptionID)
	detail := string(EventSubscriptionUpdated)

	if sub.Status != StatusActive && CanTransition(sub.Status, StatusActive) {
		_, changed, err := m.transition(ctx, load, transition{to: StatusActive, periodEnd: ev.PeriodEnd(), detail: detail})
		if err != nil {
			return err
		}
		result.Outcome = OutcomeNoop
		if changed {
			result.Outcome = OutcomeApplied
		}
		return nil
	}

	periodEnd := ev.PeriodEnd()
	_, _, changed, err := m.mutate(ctx, load, func(s *Subscription, now time.Time) (bool, []HistoryEntry, error) {
		if s.Status.Terminal() || periodEnd.IsZero() || !periodEnd.After(s.EndDate) {
			return false, nil, nil
		}
		s.EndDate = periodEnd
		s.NextBillingDate = periodEnd
		return true, []HistoryEntry{{
			Action:    ActionGatewayUpdated,
			From:      s.Status,
			To:        s.Status,
			Timestamp: now,
			Detail:    detail,
		}}, nil
	})
	if err != nil {
		return err
	}
	result.Outcome = OutcomeNoop
	if changed {
		result.Outcome = OutcomeApplied
	}
	return nil
}

func (m *Manager) applyPaymentEvent(ctx context.Context, ev *GatewayEvent, result *WebhookResult) error {
	if ev.Payment == nil || ev.Payment.ID == "" {
		result.Outcome = OutcomeIgnored
		return invalid("payment", "event carries no payment")
	}
	ep := *ev.Payment
	if ev.Type == EventPaymentCaptured {
		ep.Status = PaymentCaptured
	} else {
		ep.Status = PaymentFailed
	}

	var userID, subscriptionID string
	if extSubID := ev.ExternalSubscriptionID(); extSubID != "" {
		sub, err := m.storage.GetSubscriptionByExternalID(ctx, extSubID)
		switch {
		case err == nil:
			userID, subscriptionID = sub.UserID, sub.ID
		case !errors.Is(err, ErrNotFound):
			return err
		}
	}
	if userID == "" {
		// One-off payments recorded through VerifyPayment carry no
		// subscription; the stored row identifies the owner.
		existing, err := m.storage.GetPaymentByExternalID(ctx, ep.ID)
		switch {
		case err == nil:
			userID, subscriptionID = existing.UserID, existing.SubscriptionID
		case errors.Is(err, ErrNotFound):
			result.Outcome = OutcomeOrphan
			m.logger.Warn("webhook for unknown payment",
				F("event_id", ev.ID),
				F("external_payment_id", ep.ID),
			)
			return nil
		default:
			return err
		}
	}
	result.SubscriptionID = subscriptionID

	p, changed, err := m.recordPayment(ctx, userID, subscriptionID, &ep)
	if err != nil {
		return err
	}
	result.PaymentID = p.ID
	result.Outcome = OutcomeNoop
	if changed {
		result.Outcome = OutcomeApplied
	}
	return nil
}

func (m *Manager) applyRefundEvent(ctx context.Context, ev *GatewayEvent, result *WebhookResult) error {
	var extPaymentID string
	switch {
	case ev.Refund != nil && ev.Refund.PaymentID != "":
		extPaymentID = ev.Refund.PaymentID
	case ev.Payment != nil:
		extPaymentID = ev.Payment.ID
	}
	if extPaymentID == "" {
		result.Outcome = OutcomeIgnored
		return invalid("refund", "event carries no payment id")
	}

	p, err := m.storage.GetPaymentByExternalID(ctx, extPaymentID)
	if errors.Is(err, ErrNotFound) {
		result.Outcome = OutcomeOrphan
		m.logger.Warn("refund for unknown payment",
			F("event_id", ev.ID),
			F("external_payment_id", extPaymentID),
		)
		return nil
	}
	if err != nil {
		return err
	}
	result.PaymentID = p.ID
	result.SubscriptionID = p.SubscriptionID

	// A refund id is applied once. The payment's cumulative refunded amount,
	// when present, is the gateway's authoritative total.
	rec := RefundRecord{Reason: string(EventRefundProcessed), At: m.now()}
	if ev.Refund != nil && ev.Refund.ID != "" {
		rec.ID = ev.Refund.ID
		rec.Amount = ev.Refund.Amount
	}
	if ev.Payment != nil && ev.Payment.AmountRefunded > 0 {
		rec.ReportedTotal = ev.Payment.AmountRefunded
	} else if rec.ID == "" && ev.Refund != nil {
		// Without an id the single refund amount is a lower bound for the total.
		rec.ReportedTotal = ev.Refund.Amount
	}
	if err := rec.Validate(); err != nil {
		result.Outcome = OutcomeIgnored
		return err
	}

	start := time.Now()
	updated, changed, err := m.storage.ApplyRefund(ctx, p.ID, rec)
	m.observe("apply_refund", start, err)
	if err != nil {
		return err
	}
	if !changed {
		result.Outcome = OutcomeNoop
		return nil
	}

	result.Outcome = OutcomeApplied
	m.metrics.RecordPayment(updated.Status, false)
	m.notify(ctx, Notification{
		Kind:           NotifyRefundProcessed,
		UserID:         updated.UserID,
		SubscriptionID: updated.SubscriptionID,
		PaymentID:      updated.ID,
		Message:        "Your refund has been processed.",
	})
	return nil
}
