package payment

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chargeplatform/control-plane/internal/apperr"
	"github.com/chargeplatform/control-plane/internal/config"
	"github.com/chargeplatform/control-plane/internal/dataaccess"
	"github.com/chargeplatform/control-plane/internal/domain/billing"
	"github.com/chargeplatform/control-plane/internal/events"
	"github.com/chargeplatform/control-plane/internal/metrics"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 500 * time.Millisecond
)

// keyMutex is a per-order lock so two concurrent deliveries of the
// same webhook (a provider's at-least-once retry) serialize instead
// of racing to credit twice. Grounded on other_examples' dir2mcp
// payment.go keyMutex/execution-key locking.
type keyMutex struct {
	mu  sync.Mutex
	ref int
}

// Service is the Payment Provider Adapter: it fronts a single
// Provider with invoice persistence, transient-failure retry, and
// idempotent webhook crediting.
type Service struct {
	da       dataaccess.Gateway
	provider Provider
	cfg      config.LifecycleConfig
	audit    events.Publisher

	mu      sync.Mutex
	locks   map[string]*keyMutex
}

// New builds a Service over provider, using cfg for invoice expiry
// and default currency.
func New(da dataaccess.Gateway, provider Provider, cfg config.LifecycleConfig, audit events.Publisher) *Service {
	return &Service{
		da:       da,
		provider: provider,
		cfg:      cfg,
		audit:    audit,
		locks:    make(map[string]*keyMutex),
	}
}

// CreateTopUp asks the provider for a new invoice and persists it as
// pending. Transient provider failures are retried up to
// retryAttempts times with exponential backoff starting at
// retryBaseDelay, per spec.md §7.
func (s *Service) CreateTopUp(ctx context.Context, clientID string, amount int64) (*billing.Invoice, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.InvalidArgument, "top-up amount must be positive")
	}

	req := CreateInvoiceRequest{ClientID: clientID, Amount: amount, Currency: s.cfg.DefaultCurrency}

	var result CreateInvoiceResult
	err := withRetry(ctx, func() error {
		var err error
		result, err = s.provider.CreateInvoice(ctx, req)
		return err
	})
	if err != nil {
		metrics.PaymentProviderCalls.WithLabelValues(s.provider.Kind(), "create_invoice", "error").Inc()
		return nil, err
	}
	metrics.PaymentProviderCalls.WithLabelValues(s.provider.Kind(), "create_invoice", "ok").Inc()

	inv := invoiceFor(clientID, s.provider.Kind(), amount, result, s.cfg.InvoiceExpiry)
	if err := s.da.CreateInvoice(ctx, &inv); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "persist invoice", err)
	}

	s.publishAudit(events.InvoiceCreated, inv.ID, clientID, amount)
	return &inv, nil
}

// HandleWebhook verifies and applies a provider webhook, crediting the
// client's balance exactly once even if the provider redelivers the
// same event. Approval is terminal and monotonic: a webhook for an
// already-expired (or failed) invoice still credits the client and
// flips it to approved, overriding the expiry — only an
// already-approved invoice short-circuits, per spec.md §8 Scenario 5.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	event, err := s.provider.VerifyWebhook(payload, headers)
	if err != nil {
		return err
	}

	unlock := s.lockForOrder(event.ProviderOrderID)
	defer unlock()

	inv, err := s.da.GetInvoiceByProviderOrderID(ctx, event.ProviderOrderID)
	if err != nil {
		return err
	}
	if inv.Status == billing.InvoiceApproved {
		log.Info().Str("provider_order_id", event.ProviderOrderID).Msg("payment: webhook for already-approved invoice, ignoring")
		return nil
	}

	applied, err := s.da.ApproveInvoice(ctx, event.ProviderOrderID, event.PaidAmount, time.Now())
	if err != nil {
		return apperr.Wrap(apperr.Internal, "approve invoice", err)
	}
	if !applied {
		return nil
	}

	s.publishAudit(events.InvoiceApproved, inv.ID, inv.ClientID, event.PaidAmount)
	return nil
}

func (s *Service) lockForOrder(orderID string) func() {
	s.mu.Lock()
	km, ok := s.locks[orderID]
	if !ok {
		km = &keyMutex{}
		s.locks[orderID] = km
	}
	km.ref++
	s.mu.Unlock()

	km.mu.Lock()
	return func() {
		km.mu.Unlock()
		s.mu.Lock()
		km.ref--
		if km.ref == 0 {
			delete(s.locks, orderID)
		}
		s.mu.Unlock()
	}
}

func (s *Service) publishAudit(kind events.Kind, invoiceID, clientID string, amount int64) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Publish(events.Event{Kind: kind, InvoiceID: invoiceID, ClientID: clientID, Amount: amount}); err != nil {
		log.Error().Err(err).Str("invoice_id", invoiceID).Msg("payment: failed to publish audit event")
	}
}

// withRetry runs fn up to retryAttempts times, retrying only
// apperr.ProviderFailure errors with exponential backoff. Any other
// error kind (InvalidArgument, Unauthenticated, ...) is a permanent
// failure and returns immediately.
func withRetry(ctx context.Context, fn func() error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !apperr.Is(err, apperr.ProviderFailure) || attempt == retryAttempts {
			return err
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("payment: retrying provider call")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
