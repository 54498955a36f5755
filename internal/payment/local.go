package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/chargeplatform/control-plane/internal/apperr"
	"github.com/chargeplatform/control-plane/internal/config"
)

// LocalProvider is the QR/copy-paste payment rail for markets without
// card-on-file support: it mints an order id and a static payload a
// wallet app scans, and trusts an HMAC-SHA256-signed webhook for
// settlement. Grounded on JoseRFJuniorLLMs-EV-IA/domain.PixPayment's
// order/QR-payload shape.
type LocalProvider struct {
	secret  string
	baseURL string
}

func NewLocalProvider(cfg config.ProviderBConfig) *LocalProvider {
	return &LocalProvider{secret: cfg.Secret, baseURL: cfg.BaseURL}
}

func (p *LocalProvider) Kind() string { return "local" }

func (p *LocalProvider) CreateInvoice(_ context.Context, req CreateInvoiceRequest) (CreateInvoiceResult, error) {
	if req.Amount <= 0 {
		return CreateInvoiceResult{}, apperr.New(apperr.InvalidArgument, "top-up amount must be positive")
	}

	orderID := uuid.NewString()
	payload := fmt.Sprintf("%s/pay/%s?amount=%d&currency=%s", p.baseURL, orderID, req.Amount, req.Currency)

	return CreateInvoiceResult{ProviderOrderID: orderID, QRPayload: payload}, nil
}

type localWebhookBody struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

func (p *LocalProvider) VerifyWebhook(payload []byte, headers http.Header) (WebhookEvent, error) {
	sig := headers.Get("X-Signature")
	if sig == "" {
		return WebhookEvent{}, apperr.New(apperr.Unauthenticated, "local: missing X-Signature header")
	}

	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return WebhookEvent{}, apperr.New(apperr.Unauthenticated, "local: webhook signature mismatch")
	}

	var body localWebhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return WebhookEvent{}, apperr.Wrap(apperr.InvalidArgument, "local: decode webhook body", err)
	}

	return WebhookEvent{ProviderOrderID: body.OrderID, PaidAmount: body.Amount}, nil
}
