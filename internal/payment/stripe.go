package payment

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/chargeplatform/control-plane/internal/apperr"
	"github.com/chargeplatform/control-plane/internal/config"
)

// StripeProvider creates PaymentIntents for wallet top-ups and
// verifies Stripe's signed webhook callbacks. Grounded on
// JoseRFJuniorLLMs-EV-IA/internal/adapter/external/payment/stripe.go.
type StripeProvider struct {
	webhookSecret string
}

// NewStripeProvider configures the global stripe-go client with
// cfg.APIKey, matching the teacher example's package-level
// stripe.Key assignment.
func NewStripeProvider(cfg config.ProviderAConfig) *StripeProvider {
	stripe.Key = cfg.APIKey
	return &StripeProvider{webhookSecret: cfg.WebhookSecret}
}

func (p *StripeProvider) Kind() string { return "stripe" }

func (p *StripeProvider) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (CreateInvoiceResult, error) {
	if req.Amount <= 0 {
		return CreateInvoiceResult{}, apperr.New(apperr.InvalidArgument, "top-up amount must be positive")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		Metadata: map[string]string{"client_id": req.ClientID},
	}
	params.Context = ctx

	pi, err := paymentintent.New(params)
	if err != nil {
		return CreateInvoiceResult{}, apperr.Wrap(apperr.ProviderFailure, "stripe: create payment intent", err)
	}

	return CreateInvoiceResult{ProviderOrderID: pi.ID}, nil
}

func (p *StripeProvider) VerifyWebhook(payload []byte, headers http.Header) (WebhookEvent, error) {
	sig := headers.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sig, p.webhookSecret)
	if err != nil {
		return WebhookEvent{}, apperr.Wrap(apperr.Unauthenticated, "stripe: invalid webhook signature", err)
	}

	if event.Type != "payment_intent.succeeded" {
		return WebhookEvent{}, apperr.New(apperr.InvalidArgument, "stripe: unhandled event type "+string(event.Type))
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return WebhookEvent{}, apperr.Wrap(apperr.InvalidArgument, "stripe: decode payment intent", err)
	}

	return WebhookEvent{ProviderOrderID: pi.ID, PaidAmount: pi.AmountReceived}, nil
}
