package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gosubs/pkg/billing"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

const (
	providerName = "stripe"

	// SignatureHeader carries the webhook signature on Stripe deliveries.
	SignatureHeader = "Stripe-Signature"

	metadataUserID = "user_id"
	metadataPlanID = "plan_id"
)

// Config configures the Stripe gateway
type Config struct {
	APIKey        string
	WebhookSecret string

	// PaymentSigningSecret verifies checkout signatures produced by
	// SignPayment. Without it VerifyPaymentSignature always fails.
	PaymentSigningSecret string

	// WebhookTolerance bounds the age of a signed webhook (default: webhook.DefaultTolerance)
	WebhookTolerance time.Duration

	// Backends overrides the Stripe API backends, e.g. to point at a proxy
	Backends *stripe.Backends

	Metrics billing.Metrics
}

// Gateway implements gosubs.Gateway and gosubs.EventDecoder on the Stripe API.
//
// Orders are PaymentIntents with manual capture, plans are recurring Prices
// and subscriptions are Stripe subscriptions with a single item.
type Gateway struct {
	client        *stripe.Client
	webhookSecret string
	paymentSecret string
	tolerance     time.Duration
	metrics       billing.Metrics
}

// New creates a Stripe gateway.
func New(config Config) (*Gateway, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrGatewayNotConfigured
	}

	var opts []stripe.ClientOption
	if config.Backends != nil {
		opts = append(opts, stripe.WithBackends(config.Backends))
	}

	tolerance := config.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Gateway{
		client:        stripe.NewClient(apiKey, opts...),
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		paymentSecret: config.PaymentSigningSecret,
		tolerance:     tolerance,
		metrics:       metrics,
	}, nil
}

// Name returns the gateway name
func (g *Gateway) Name() string {
	return providerName
}

func (g *Gateway) CreateCustomer(ctx context.Context, req gosubs.CustomerRequest) (*gosubs.GatewayCustomer, error) {
	start := time.Now()
	params := &stripe.CustomerCreateParams{}
	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	params.AddMetadata(metadataUserID, req.UserID)

	cust, err := g.client.V1Customers.Create(ctx, params)
	if err = g.observe("/customers", start, err); err != nil {
		return nil, err
	}
	return &gosubs.GatewayCustomer{ID: cust.ID}, nil
}

// CreateOrder creates a PaymentIntent that is authorised at checkout and
// captured later by CapturePayment.
func (g *Gateway) CreateOrder(ctx context.Context, req gosubs.OrderRequest) (*gosubs.GatewayOrder, error) {
	start := time.Now()
	params := &stripe.PaymentIntentCreateParams{
		Amount:        stripe.Int64(req.Amount.Amount),
		Currency:      stripe.String(strings.ToLower(req.Amount.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	if req.Receipt != "" {
		params.Description = stripe.String(req.Receipt)
	}
	params.AddMetadata(metadataUserID, req.UserID)
	for k, v := range req.Notes {
		params.AddMetadata(k, v)
	}

	pi, err := g.client.V1PaymentIntents.Create(ctx, params)
	if err = g.observe("/payment_intents", start, err); err != nil {
		return nil, err
	}
	return &gosubs.GatewayOrder{
		ID:     pi.ID,
		Amount: gosubs.Money{Amount: pi.Amount, Currency: strings.ToUpper(string(pi.Currency))},
		Status: string(pi.Status),
	}, nil
}

// CreatePlan registers the plan as a recurring Price with an inline product.
func (g *Gateway) CreatePlan(ctx context.Context, plan *gosubs.Plan) (string, error) {
	interval, err := priceInterval(plan.BillingCycle)
	if err != nil {
		return "", err
	}

	start := time.Now()
	params := &stripe.PriceCreateParams{
		Currency:   stripe.String(strings.ToLower(plan.Price.Currency)),
		UnitAmount: stripe.Int64(plan.Price.Amount),
		Recurring: &stripe.PriceCreateRecurringParams{
			Interval: stripe.String(interval),
		},
		ProductData: &stripe.PriceCreateProductDataParams{
			Name: stripe.String(plan.Name),
		},
	}
	if plan.ID != "" {
		params.AddMetadata(metadataPlanID, plan.ID)
	}

	price, err := g.client.V1Prices.Create(ctx, params)
	if err = g.observe("/prices", start, err); err != nil {
		return "", err
	}
	return price.ID, nil
}

func priceInterval(cycle gosubs.BillingCycle) (string, error) {
	switch cycle {
	case gosubs.CycleMonthly:
		return string(stripe.PriceRecurringIntervalMonth), nil
	case gosubs.CycleYearly:
		return string(stripe.PriceRecurringIntervalYear), nil
	default:
		return "", &gosubs.ValidationError{Field: "billing_cycle", Reason: fmt.Sprintf("unsupported cycle %q", cycle)}
	}
}

func (g *Gateway) CreateSubscription(ctx context.Context, req gosubs.SubscriptionRequest) (*gosubs.GatewaySubscription, error) {
	start := time.Now()
	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(req.CustomerID),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(req.ExternalPlanID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	if req.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}
	params.AddMetadata(metadataUserID, req.UserID)
	if req.TotalCount > 0 {
		// Stripe has no cycle limit; the count travels with the subscription
		// and completion is reported by the local lifecycle.
		params.AddMetadata("total_cycles", fmt.Sprint(req.TotalCount))
	}

	sub, err := g.client.V1Subscriptions.Create(ctx, params)
	if err = g.observe("/subscriptions", start, err); err != nil {
		return nil, err
	}
	periodStart, periodEnd := subscriptionPeriod(sub)
	return &gosubs.GatewaySubscription{
		ID:           sub.ID,
		Status:       string(sub.Status),
		CurrentStart: periodStart,
		CurrentEnd:   periodEnd,
	}, nil
}

// CancelSubscription cancels immediately, or sets cancel_at_period_end when
// atCycleEnd is true.
func (g *Gateway) CancelSubscription(ctx context.Context, externalID string, atCycleEnd bool) error {
	start := time.Now()
	var err error
	if atCycleEnd {
		_, err = g.client.V1Subscriptions.Update(ctx, externalID, &stripe.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
	} else {
		_, err = g.client.V1Subscriptions.Cancel(ctx, externalID, &stripe.SubscriptionCancelParams{})
	}
	return g.observe("/subscriptions/cancel", start, err)
}

// PauseSubscription pauses collection; invoices drafted while paused are voided.
func (g *Gateway) PauseSubscription(ctx context.Context, externalID string) error {
	start := time.Now()
	_, err := g.client.V1Subscriptions.Update(ctx, externalID, &stripe.SubscriptionUpdateParams{
		PauseCollection: &stripe.SubscriptionUpdatePauseCollectionParams{
			Behavior: stripe.String(string(stripe.SubscriptionPauseCollectionBehaviorVoid)),
		},
	})
	return g.observe("/subscriptions/pause", start, err)
}

func (g *Gateway) ResumeSubscription(ctx context.Context, externalID string) error {
	start := time.Now()
	params := &stripe.SubscriptionUpdateParams{}
	// An empty value unsets pause_collection.
	params.AddExtra("pause_collection", "")
	_, err := g.client.V1Subscriptions.Update(ctx, externalID, params)
	return g.observe("/subscriptions/resume", start, err)
}

func (g *Gateway) CapturePayment(ctx context.Context, externalPaymentID string, amount gosubs.Money) (*gosubs.GatewayPayment, error) {
	start := time.Now()
	params := &stripe.PaymentIntentCaptureParams{}
	if amount.Amount > 0 {
		params.AmountToCapture = stripe.Int64(amount.Amount)
	}
	params.AddExpand("latest_charge")

	pi, err := g.client.V1PaymentIntents.Capture(ctx, externalPaymentID, params)
	if err = g.observe("/payment_intents/capture", start, err); err != nil {
		return nil, err
	}
	return paymentFromIntent(pi), nil
}

// CreateRefund refunds a captured PaymentIntent. Stripe only accepts a fixed
// set of refund reasons, so the free-text reason is kept in metadata.
func (g *Gateway) CreateRefund(ctx context.Context, req gosubs.RefundRequest) (*gosubs.GatewayRefund, error) {
	start := time.Now()
	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(req.ExternalPaymentID),
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	refund, err := g.client.V1Refunds.Create(ctx, params)
	if err = g.observe("/refunds", start, err); err != nil {
		return nil, err
	}
	return &gosubs.GatewayRefund{
		ID:     refund.ID,
		Amount: refund.Amount,
		Status: string(refund.Status),
	}, nil
}

func (g *Gateway) FetchPayment(ctx context.Context, externalPaymentID string) (*gosubs.GatewayPayment, error) {
	start := time.Now()
	params := &stripe.PaymentIntentRetrieveParams{}
	params.AddExpand("latest_charge")

	pi, err := g.client.V1PaymentIntents.Retrieve(ctx, externalPaymentID, params)
	if err = g.observe("/payment_intents/retrieve", start, err); err != nil {
		return nil, err
	}
	return paymentFromIntent(pi), nil
}

// VerifyPaymentSignature checks a checkout signature issued with SignPayment.
// For Stripe the order id and the payment id are both the PaymentIntent id.
func (g *Gateway) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return billing.VerifyPaymentSignature(g.paymentSecret, orderID, paymentID, signature)
}

// SignPayment issues the checkout signature accepted by VerifyPaymentSignature.
func (g *Gateway) SignPayment(orderID, paymentID string) string {
	return billing.SignPayment(g.paymentSecret, orderID, paymentID)
}

// VerifyWebhookSignature checks the Stripe-Signature header over the raw body.
func (g *Gateway) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	if g.webhookSecret == "" || signature == "" {
		return false
	}
	return webhook.ValidatePayloadWithTolerance(rawBody, signature, g.webhookSecret, g.tolerance) == nil
}

// observe records the API call and classifies a failed call.
func (g *Gateway) observe(endpoint string, start time.Time, err error) error {
	g.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err == nil {
		g.metrics.RecordAPICall(providerName, endpoint, "success")
		return nil
	}
	g.metrics.RecordAPICall(providerName, endpoint, "error")
	return classify(err)
}

// classify keeps a domain kind for errors the caller caused; everything
// else is a gateway failure the manager treats as transient.
func classify(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		switch serr.HTTPStatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", gosubs.ErrNotFound, serr.Msg)
		case http.StatusBadRequest, http.StatusPaymentRequired:
			return fmt.Errorf("%w: %s", gosubs.ErrValidation, serr.Msg)
		}
	}
	return fmt.Errorf("%w: %v", billing.ErrGatewayAPIError, err)
}

func paymentFromIntent(pi *stripe.PaymentIntent) *gosubs.GatewayPayment {
	p := &gosubs.GatewayPayment{
		ID:      pi.ID,
		OrderID: pi.ID,
		Amount:  gosubs.Money{Amount: pi.Amount, Currency: strings.ToUpper(string(pi.Currency))},
		Status:  intentStatus(pi.Status),
	}
	if len(pi.PaymentMethodTypes) > 0 {
		p.Method = pi.PaymentMethodTypes[0]
	}
	if pi.LastPaymentError != nil {
		p.ErrorDescription = pi.LastPaymentError.Msg
	}
	if pi.LatestCharge != nil {
		p.AmountRefunded = pi.LatestCharge.AmountRefunded
	}
	if p.Status == gosubs.PaymentCaptured && pi.AmountReceived > 0 {
		p.Amount.Amount = pi.AmountReceived
	}
	return p
}

func intentStatus(s stripe.PaymentIntentStatus) gosubs.PaymentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return gosubs.PaymentCaptured
	case stripe.PaymentIntentStatusCanceled:
		return gosubs.PaymentFailed
	default:
		return gosubs.PaymentPending
	}
}

// subscriptionPeriod returns the current period of the subscription's first
// item; Stripe reports periods per item.
func subscriptionPeriod(sub *stripe.Subscription) (start, end time.Time) {
	if sub.Items == nil {
		return start, end
	}
	for _, item := range sub.Items.Data {
		if item == nil {
			continue
		}
		return unixOrZero(item.CurrentPeriodStart), unixOrZero(item.CurrentPeriodEnd)
	}
	return start, end
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

var (
	_ gosubs.Gateway      = (*Gateway)(nil)
	_ gosubs.EventDecoder = (*Gateway)(nil)
)
