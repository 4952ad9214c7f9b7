package gosubs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/billing/mock"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
	"github.com/mihaimyh/gosubs/storage/memory"
)

const (
	webhookSecret = "whsec_test"
	keySecret     = "key_secret_test"
)

var epoch = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []gosubs.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n gosubs.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) count(kind gosubs.NotificationKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) last(kind gosubs.NotificationKind) (gosubs.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].Kind == kind {
			return r.sent[i], true
		}
	}
	return gosubs.Notification{}, false
}

type harness struct {
	ctx      context.Context
	store    *memory.Storage
	gateway  *mock.Gateway
	manager  *gosubs.Manager
	clock    *fakeClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T, configure ...func(*gosubs.Config)) *harness {
	t.Helper()
	return newHarnessWithStorage(t, memory.New(), configure...)
}

func newHarnessWithStorage(t *testing.T, storage gosubs.Storage, configure ...func(*gosubs.Config)) *harness {
	t.Helper()

	clock := &fakeClock{now: epoch}
	gw := mock.New(webhookSecret, keySecret)
	gw.Now = clock.Now
	notifier := &recordingNotifier{}

	cfg := gosubs.Config{
		Clock:    clock.Now,
		Notifier: notifier,
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	m, err := gosubs.NewManager(storage, gw, cfg)
	require.NoError(t, err)

	h := &harness{
		ctx:      context.Background(),
		gateway:  gw,
		manager:  m,
		clock:    clock,
		notifier: notifier,
	}
	if mem, ok := storage.(*memory.Storage); ok {
		h.store = mem
	}
	t.Cleanup(m.Wait)
	return h
}

func (h *harness) createPlan(t *testing.T, mutate ...func(*gosubs.Plan)) *gosubs.Plan {
	t.Helper()
	plan := &gosubs.Plan{
		Name:         "Business",
		Type:         "business",
		BillingCycle: gosubs.CycleMonthly,
		Price:        gosubs.Money{Amount: 49900, Currency: "inr"},
		Quotas: map[gosubs.ResourceType]gosubs.Quota{
			gosubs.ResourceProjects: {Max: 2},
			gosubs.ResourceTeams:    {Max: 1},
			gosubs.ResourceLeads:    {Unlimited: true},
			gosubs.ResourceStorage:  {Max: 5},
		},
		Features: map[string]bool{"api_access": true, "custom_branding": false},
	}
	for _, fn := range mutate {
		fn(plan)
	}
	created, err := h.manager.CreatePlan(h.ctx, plan)
	require.NoError(t, err)
	return created
}

func withTrial(days int) func(*gosubs.Plan) {
	return func(p *gosubs.Plan) {
		p.Trial = gosubs.TrialPolicy{Enabled: true, Days: days}
	}
}

func (h *harness) subscribe(t *testing.T, userID, planID string) *gosubs.Subscription {
	t.Helper()
	sub, err := h.manager.Subscribe(h.ctx, gosubs.SubscribeRequest{
		UserID: userID,
		PlanID: planID,
		Email:  userID + "@example.com",
	})
	require.NoError(t, err)
	return sub
}

// deliver sends a correctly signed webhook.
func (h *harness) deliver(t *testing.T, body []byte) *gosubs.WebhookResult {
	t.Helper()
	res, err := h.manager.ProcessWebhook(h.ctx, "", body, h.gateway.SignWebhook(body))
	require.NoError(t, err)
	return res
}

func (h *harness) reload(t *testing.T, id string) *gosubs.Subscription {
	t.Helper()
	sub, err := h.manager.GetSubscription(h.ctx, id)
	require.NoError(t, err)
	return sub
}
