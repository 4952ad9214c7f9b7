package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mihaimyh/gosubs/pkg/billing/mock"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
	"github.com/mihaimyh/gosubs/storage/memory"
)

// Test helper to create a manager whose user1 holds a plan allowing two projects
func setupTestManager(t *testing.T) *gosubs.Manager {
	t.Helper()

	manager, err := gosubs.NewManager(memory.New(), mock.New("whsec", "key"), gosubs.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(manager.Wait)

	ctx := context.Background()
	plan, err := manager.CreatePlan(ctx, &gosubs.Plan{
		Name:         "Team",
		BillingCycle: gosubs.CycleMonthly,
		Price:        gosubs.Money{Amount: 1900, Currency: "USD"},
		Quotas: map[gosubs.ResourceType]gosubs.Quota{
			gosubs.ResourceProjects: {Max: 2},
			gosubs.ResourceStorage:  {Max: 5},
		},
	})
	if err != nil {
		t.Fatalf("Failed to create plan: %v", err)
	}
	if _, err := manager.Subscribe(ctx, gosubs.SubscribeRequest{UserID: "user1", PlanID: plan.ID}); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	return manager
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusCreated)
}

func serve(handler http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/projects", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func usage(t *testing.T, manager *gosubs.Manager, resource gosubs.ResourceType) float64 {
	t.Helper()
	sub, err := manager.GetActiveSubscription(context.Background(), "user1")
	if err != nil {
		t.Fatalf("Failed to load subscription: %v", err)
	}
	return sub.Usage[resource].Current
}

func TestMiddleware_ReservesUntilLimit(t *testing.T) {
	manager := setupTestManager(t)

	var gotSubID string
	handler := Middleware(Config{
		Manager:     manager,
		GetUserID:   FromHeader("X-User-ID"),
		GetResource: FixedResource(gosubs.ResourceProjects),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubID = SubscriptionID(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	for i := 0; i < 2; i++ {
		rec := serve(handler, "user1")
		if rec.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i+1, rec.Code)
		}
	}
	if gotSubID == "" {
		t.Error("Expected subscription ID in request context")
	}

	rec := serve(handler, "user1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Quota-Remaining"); got != "0" {
		t.Errorf("Expected X-Quota-Remaining 0, got %q", got)
	}
	var body quotaExceededResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Used != 2 || body.Limit != 2 {
		t.Errorf("Expected 2/2 used, got %v/%v", body.Used, body.Limit)
	}
	if got := usage(t, manager, gosubs.ResourceProjects); got != 2 {
		t.Errorf("Expected usage 2, got %v", got)
	}
}

func TestMiddleware_ReleasesOnFailure(t *testing.T) {
	manager := setupTestManager(t)

	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	handler := Middleware(Config{
		Manager:     manager,
		GetUserID:   FromHeader("X-User-ID"),
		GetResource: FixedResource(gosubs.ResourceProjects),
	})(failing)

	if rec := serve(handler, "user1"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}
	if got := usage(t, manager, gosubs.ResourceProjects); got != 0 {
		t.Errorf("Expected reservation released, usage %v", got)
	}

	keep := Middleware(Config{
		Manager:       manager,
		GetUserID:     FromHeader("X-User-ID"),
		GetResource:   FixedResource(gosubs.ResourceProjects),
		KeepOnFailure: true,
	})(failing)
	serve(keep, "user1")
	if got := usage(t, manager, gosubs.ResourceProjects); got != 1 {
		t.Errorf("Expected reservation kept, usage %v", got)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	manager := setupTestManager(t)

	called := false
	handler := Middleware(Config{
		Manager:     manager,
		GetUserID:   FromHeader("X-User-ID"),
		GetResource: FixedResource(gosubs.ResourceProjects),
		OnUnauthorized: func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusForbidden)
		},
	})(http.HandlerFunc(okHandler))

	rec := serve(handler, "")
	if !called || rec.Code != http.StatusForbidden {
		t.Errorf("Expected custom unauthorized handler, got %d", rec.Code)
	}
}

func TestMiddleware_SubscriptionRequired(t *testing.T) {
	manager := setupTestManager(t)

	handler := Middleware(Config{
		Manager:     manager,
		GetUserID:   FromHeader("X-User-ID"),
		GetResource: FixedResource(gosubs.ResourceProjects),
	})(http.HandlerFunc(okHandler))

	if rec := serve(handler, "user2"); rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d", rec.Code)
	}
}

func TestMiddleware_InvalidAmount(t *testing.T) {
	manager := setupTestManager(t)

	tests := []struct {
		name   string
		amount AmountExtractor
	}{
		{"extractor error", func(*http.Request) (float64, error) { return 0, errors.New("no size") }},
		{"fractional projects", FixedAmount(0.5)},
		{"negative", FixedAmount(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Middleware(Config{
				Manager:     manager,
				GetUserID:   FromHeader("X-User-ID"),
				GetResource: FixedResource(gosubs.ResourceProjects),
				GetAmount:   tt.amount,
			})(http.HandlerFunc(okHandler))

			if rec := serve(handler, "user1"); rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestMiddleware_FractionalStorage(t *testing.T) {
	manager := setupTestManager(t)

	handler := Middleware(Config{
		Manager:                 manager,
		GetUserID:               FromHeader("X-User-ID"),
		GetResource:             FixedResource(gosubs.ResourceStorage),
		GetAmount:               FromQueryAmount("gb"),
		QuotaExceededStatusCode: http.StatusForbidden,
	})(http.HandlerFunc(okHandler))

	do := func(gb string) int {
		req := httptest.NewRequest(http.MethodPost, "/upload?gb="+gb, nil)
		req.Header.Set("X-User-ID", "user1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("4.5"); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if code := do("0.75"); code != http.StatusForbidden {
		t.Errorf("Expected 403 past the limit, got %d", code)
	}
	if code := do("0.5"); code != http.StatusCreated {
		t.Errorf("Expected 201 exactly at the limit, got %d", code)
	}
}

func TestHandlerFunc(t *testing.T) {
	manager := setupTestManager(t)

	wrap := HandlerFunc(Config{
		Manager:     manager,
		GetUserID:   FromContext(UserIDKey),
		GetResource: FixedResource(gosubs.ResourceProjects),
	})
	handler := wrap(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/projects", nil)
	req = req.WithContext(WithUserID(req.Context(), "user1"))
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusCreated {
		t.Errorf("Expected 201, got %d", rec.Code)
	}
}

func TestMiddleware_PanicsWithoutManager(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic")
		}
	}()
	Middleware(Config{})
}
