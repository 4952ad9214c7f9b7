package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// find returns the metric family called name with labels matching want.
func find(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if v, ok := want[lp.GetName()]; ok && v != lp.GetValue() {
					continue metrics
				}
			}
			return m
		}
	}
	t.Fatalf("metric %s%v not found", name, want)
	return nil
}

func TestPrometheusMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	if NewMetrics(reg, "test") == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPrometheusMetrics_RecordTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordTransition(gosubs.StatusTrialing, gosubs.StatusActive)
	metrics.RecordTransition(gosubs.StatusTrialing, gosubs.StatusActive)
	metrics.RecordTransitionRejected(gosubs.StatusCancelled, gosubs.StatusActive)

	m := find(t, reg, "test_subscription_transitions_total", map[string]string{"from": "trialing", "to": "active"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("transitions = %v, want 2", got)
	}
	m = find(t, reg, "test_subscription_transitions_rejected_total", map[string]string{"from": "cancelled"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
}

func TestPrometheusMetrics_RecordReservation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordReservation(gosubs.ResourceProjects, true)
	metrics.RecordReservation(gosubs.ResourceProjects, false)
	metrics.RecordReservation(gosubs.ResourceProjects, false)
	metrics.RecordRelease(gosubs.ResourceProjects)

	m := find(t, reg, "test_usage_reservations_total", map[string]string{"resource": "projects", "allowed": "false"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("denied = %v, want 2", got)
	}
	m = find(t, reg, "test_usage_releases_total", map[string]string{"resource": "projects"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("releases = %v, want 1", got)
	}
}

func TestPrometheusMetrics_RecordGatewayCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordGatewayCall("create_subscription", 120*time.Millisecond, nil)
	metrics.RecordGatewayCall("create_subscription", 2*time.Second, errors.New("timeout"))

	m := find(t, reg, "test_gateway_call_duration_seconds", map[string]string{"operation": "create_subscription"})
	if got := m.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("samples = %v, want 2", got)
	}
	m = find(t, reg, "test_gateway_call_errors_total", map[string]string{"operation": "create_subscription"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestPrometheusMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("update_subscription", 10*time.Millisecond, nil)
	metrics.RecordStorageOperation("update_subscription", 10*time.Millisecond, errors.New("stale"))

	m := find(t, reg, "test_storage_operation_errors_total", map[string]string{"operation": "update_subscription"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestPrometheusMetrics_PaymentsAndNotifications(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordPayment(gosubs.PaymentCaptured, true)
	metrics.RecordNotification(gosubs.NotifyPaymentCaptured, nil)
	metrics.RecordNotification(gosubs.NotifyPaymentCaptured, errors.New("smtp down"))
	metrics.RecordCircuitBreakerStateChange("open")

	m := find(t, reg, "test_payments_recorded_total", map[string]string{"status": "captured", "created": "true"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("payments = %v, want 1", got)
	}
	m = find(t, reg, "test_notifications_total", map[string]string{"kind": "payment.captured", "success": "false"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("failed notifications = %v, want 1", got)
	}
	m = find(t, reg, "test_circuit_breaker_state_changes_total", map[string]string{"state": "open"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("state changes = %v, want 1", got)
	}
}
