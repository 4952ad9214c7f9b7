package gosubs

import (
	"context"
	"errors"
)

// Free tier limits granted to users without an entitled subscription.
var freeTierQuotas = map[ResourceType]Quota{
	ResourceTeams:    {Max: 1},
	ResourceUsers:    {Max: 1},
	ResourceProjects: {Max: 2},
	ResourceClients:  {Max: 10},
	ResourceLeads:    {Max: 50},
	ResourceStorage:  {Max: 1},
}

var freeTierFeatures = map[string]bool{
	"dashboard":        true,
	"basic_reports":    true,
	"custom_branding":  false,
	"api_access":       false,
	"priority_support": false,
}

// FreeTier returns the entitlement of a user without an entitled
// subscription. It never reads the plan registry.
func FreeTier(userID string) *Entitlement {
	return &Entitlement{
		UserID:   userID,
		Source:   SourceFreeTier,
		Features: cloneFeatures(freeTierFeatures),
		Quotas:   cloneQuotas(freeTierQuotas),
	}
}

// GetEntitlement returns the features and quotas currently in effect for a
// user: the snapshot of an active or trialing subscription that has not
// passed its end date (plus EntitlementGrace), otherwise the free tier.
func (m *Manager) GetEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	if userID == "" {
		return nil, invalid("user_id", "required")
	}

	sub, err := m.storage.GetLiveSubscription(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return FreeTier(userID), nil
	}
	if err != nil {
		return nil, Transient(err)
	}

	if !sub.Status.Entitled() {
		return FreeTier(userID), nil
	}
	expires := sub.EndDate.Add(m.config.EntitlementGrace)
	if !sub.EndDate.IsZero() && m.now().After(expires) {
		m.logger.Debug("subscription past end date, using free tier",
			F("subscription_id", sub.ID),
			F("end_date", sub.EndDate),
		)
		return FreeTier(userID), nil
	}

	ent := &Entitlement{
		UserID:         userID,
		Source:         SourceSubscription,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		Status:         sub.Status,
		Features:       cloneFeatures(sub.Features),
		Quotas:         cloneQuotas(sub.Quotas),
	}
	if ent.Features == nil {
		ent.Features = map[string]bool{}
	}
	if ent.Quotas == nil {
		ent.Quotas = map[ResourceType]Quota{}
	}
	if !sub.EndDate.IsZero() {
		ent.ExpiresAt = &expires
	}
	return ent, nil
}
