package gosubs

import (
	"context"
	"time"
)

// guardedGateway wraps a Gateway with a circuit breaker, call metrics and
// transient error classification. Signature checks are local and bypass it.
type guardedGateway struct {
	Gateway
	breaker CircuitBreaker
	metrics Metrics
}

func newGuardedGateway(inner Gateway, breaker CircuitBreaker, metrics Metrics) *guardedGateway {
	return &guardedGateway{Gateway: inner, breaker: breaker, metrics: metrics}
}

func (g *guardedGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(ctx, fn)
	} else {
		err = fn(ctx)
	}
	g.metrics.RecordGatewayCall(op, time.Since(start), err)
	return Transient(err)
}

func (g *guardedGateway) CreateCustomer(ctx context.Context, req CustomerRequest) (*GatewayCustomer, error) {
	var out *GatewayCustomer
	err := g.call(ctx, "create_customer", func(ctx context.Context) error {
		var err error
		out, err = g.Gateway.CreateCustomer(ctx, req)
		return err
	})
	return out, err
}

func (g *guardedGateway) CreateOrder(ctx context.Context, req OrderRequest) (*GatewayOrder, error) {
	var out *GatewayOrder
	err := g.call(ctx, "create_order", func(ctx context.Context) error {
		var err error
		out, err = g.Gateway.CreateOrder(ctx, req)
		return err
	})
	return out, err
}

func (g *guardedGateway) CreatePlan(ctx context.Context, plan *Plan) (string, error) {
	var out string
	err := g.call(ctx, "create_plan", func(ctx context.Context) error {
		var err error
		out, err = g.Gateway.CreatePlan(ctx, plan)
		return err
	})
	return out, err
}

func (g *guardedGateway) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*GatewaySubscription, error) {
	var out *GatewaySubscription
	err := g.call(ctx, "create_subscription", func(ctx context.Context) error {
		var err error
		out, err = g.Gateway.CreateSubscription(ctx, req)
		return err
	})
	return out, err
}

func (g *guardedGateway) CancelSubscription(ctx context.Context, externalID string, atCycleEnd bool) error {
	return g.call(ctx, "cancel_subscription", func(ctx context.Context) error {
		return g.Gateway.CancelSubscription(ctx, externalID, atCycleEnd)
	})
}

func (g *guardedGateway) PauseSubscription(ctx context.Context, externalID string) error {
	return g.call(ctx, "pause_subscription", func(ctx context.Context) error {
		return g.Gateway.PauseSubscription(ctx, externalID)
	})
}

func (g *guardedGateway) ResumeSubscription(ctx context.Context, externalID string) error {
	return g.call(ctx, "resume_subscription", func(ctx context.Context) error {
		return g.Gateway.ResumeSubscription(ctx, externalID)
	})
}

func (g *guardedGateway) CapturePayment(ctx context.Context, externalPaymentID string, amount Money) (*GatewayPayment, error) {
	var out *GatewayPayment
	err := g.call(ctx, "capture_payment", func(ctx context.Context) error {
		var err error
		out, err = g.Gateway.CapturePayment(ctx, externalPaymentID, amount)
		return err
	})
	return out, err
}

func (g *guardedGateway) CreateRefund(ctx context.Context, req RefundRequest) (*GatewayRefund, error) {
	var out *GatewayRefund
	err := g.call(ctx, "create_refund", func(ctx context.Context) error {
		var err error
		out, err = g.Gateway.CreateRefund(ctx, req)
		return err
	})
	return out, err
}

func (g *guardedGateway) FetchPayment(ctx context.Context, externalPaymentID string) (*GatewayPayment, error) {
	var out *GatewayPayment
	err := g.call(ctx, "fetch_payment", func(ctx context.Context) error {
		var err error
		out, err = g.Gateway.FetchPayment(ctx, externalPaymentID)
		return err
	})
	return out, err
}
