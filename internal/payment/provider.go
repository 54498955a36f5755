// Package payment implements the Payment Provider Adapter: top-up
// invoice creation and webhook-driven crediting behind a single
// Provider interface, so the rest of the system never branches on
// which payment provider a client's wallet top-up used.
//
// Grounded on JoseRFJuniorLLMs-EV-IA's internal/ports.PaymentGateway
// (a narrow interface over a concrete Stripe adapter) and
// internal/adapter/external/payment/stripe.go for the stripe-go/v76
// call shapes; the per-webhook idempotent-credit lock is grounded on
// other_examples' dir2mcp payment.go keyMutex/execution-key locking,
// repurposed from x402 replay protection to invoice-credit idempotency.
package payment

import (
	"context"
	"net/http"
	"time"

	"github.com/chargeplatform/control-plane/internal/domain/billing"
)

// CreateInvoiceRequest is what the REST Surface's top-up endpoint
// hands to a Provider.
type CreateInvoiceRequest struct {
	ClientID string
	Amount   int64
	Currency string
}

// CreateInvoiceResult is what the provider hands back to persist as a
// pending billing.Invoice.
type CreateInvoiceResult struct {
	ProviderOrderID string
	QRPayload       string // empty for redirect-based providers like Stripe
}

// WebhookEvent is a provider-agnostic parse of an inbound webhook:
// which order it settles, and how much was actually paid.
type WebhookEvent struct {
	ProviderOrderID string
	PaidAmount      int64
}

// Provider is implemented by each payment backend (Stripe, the local
// QR/copy-paste provider). Kind must match the
// config.PaymentConfig.ProviderKind value that selects it.
type Provider interface {
	Kind() string
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (CreateInvoiceResult, error)
	VerifyWebhook(payload []byte, headers http.Header) (WebhookEvent, error)
}

// invoiceFor builds the pending billing.Invoice row for a freshly
// created provider invoice, shared by both providers' call sites in
// Service.CreateTopUp.
func invoiceFor(clientID, providerKind string, amount int64, result CreateInvoiceResult, expiry time.Duration) billing.Invoice {
	now := time.Now()
	return billing.Invoice{
		ClientID:        clientID,
		ProviderOrderID: result.ProviderOrderID,
		ProviderKind:    providerKind,
		AmountRequested: amount,
		Status:          billing.InvoicePending,
		QRPayload:       result.QRPayload,
		CreatedAt:       now,
		ExpiresAt:       now.Add(expiry),
	}
}
