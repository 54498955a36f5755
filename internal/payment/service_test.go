package payment

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargeplatform/control-plane/internal/apperr"
	"github.com/chargeplatform/control-plane/internal/config"
	dafake "github.com/chargeplatform/control-plane/internal/dataaccess/fake"
	"github.com/chargeplatform/control-plane/internal/domain/billing"
	eventsfake "github.com/chargeplatform/control-plane/internal/events/fake"
)

type fakeProvider struct {
	kind           string
	failuresBefore int
	calls          int
	event          WebhookEvent
	eventErr       error
}

func (p *fakeProvider) Kind() string { return p.kind }

func (p *fakeProvider) CreateInvoice(_ context.Context, req CreateInvoiceRequest) (CreateInvoiceResult, error) {
	p.calls++
	if p.calls <= p.failuresBefore {
		return CreateInvoiceResult{}, apperr.New(apperr.ProviderFailure, "provider temporarily unavailable")
	}
	return CreateInvoiceResult{ProviderOrderID: "order-1"}, nil
}

func (p *fakeProvider) VerifyWebhook(_ []byte, _ http.Header) (WebhookEvent, error) {
	return p.event, p.eventErr
}

func testService(t *testing.T, provider Provider) (*Service, *dafake.Gateway) {
	t.Helper()
	da := dafake.New()
	cfg := config.LifecycleConfig{DefaultCurrency: "KGS", InvoiceExpiry: time.Hour}
	return New(da, provider, cfg, eventsfake.New()), da
}

func TestCreateTopUp_PersistsPendingInvoice(t *testing.T) {
	s, da := testService(t, &fakeProvider{kind: "local"})

	inv, err := s.CreateTopUp(context.Background(), "client-1", 500_00)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePending, inv.Status)

	stored, err := da.GetInvoiceByProviderOrderID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500_00), stored.AmountRequested)
}

func TestCreateTopUp_RetriesTransientProviderFailure(t *testing.T) {
	s, _ := testService(t, &fakeProvider{kind: "local", failuresBefore: 2})

	_, err := s.CreateTopUp(context.Background(), "client-1", 500_00)
	require.NoError(t, err)
}

func TestCreateTopUp_RejectsNonPositiveAmount(t *testing.T) {
	s, _ := testService(t, &fakeProvider{kind: "local"})

	_, err := s.CreateTopUp(context.Background(), "client-1", 0)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestHandleWebhook_CreditsClientBalance(t *testing.T) {
	provider := &fakeProvider{kind: "local", event: WebhookEvent{ProviderOrderID: "order-1", PaidAmount: 500_00}}
	s, da := testService(t, provider)

	da.SeedClient(billing.Client{ID: "client-1", Balance: 0, Currency: "KGS"})
	_, err := s.CreateTopUp(context.Background(), "client-1", 500_00)
	require.NoError(t, err)

	err = s.HandleWebhook(context.Background(), []byte(`{}`), http.Header{})
	require.NoError(t, err)

	client, err := da.GetClient(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500_00), client.Balance)
}

func TestHandleWebhook_CreditsAndOverridesExpiredInvoice(t *testing.T) {
	provider := &fakeProvider{kind: "local", event: WebhookEvent{ProviderOrderID: "order-1", PaidAmount: 500_00}}
	s, da := testService(t, provider)

	da.SeedClient(billing.Client{ID: "client-1", Balance: 0, Currency: "KGS"})
	inv, err := s.CreateTopUp(context.Background(), "client-1", 500_00)
	require.NoError(t, err)
	require.Equal(t, billing.InvoicePending, inv.Status)

	n, err := da.ExpirePendingInvoices(context.Background(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	expired, err := da.GetInvoiceByProviderOrderID(context.Background(), "order-1")
	require.NoError(t, err)
	require.Equal(t, billing.InvoiceExpired, expired.Status)

	require.NoError(t, s.HandleWebhook(context.Background(), []byte(`{}`), http.Header{}))

	client, err := da.GetClient(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500_00), client.Balance, "a late webhook for an expired invoice must still credit, overriding the expiry")

	approved, err := da.GetInvoiceByProviderOrderID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceApproved, approved.Status)
}

func TestHandleWebhook_IsIdempotentOnReplay(t *testing.T) {
	provider := &fakeProvider{kind: "local", event: WebhookEvent{ProviderOrderID: "order-1", PaidAmount: 500_00}}
	s, da := testService(t, provider)

	da.SeedClient(billing.Client{ID: "client-1", Balance: 0, Currency: "KGS"})
	_, err := s.CreateTopUp(context.Background(), "client-1", 500_00)
	require.NoError(t, err)

	require.NoError(t, s.HandleWebhook(context.Background(), []byte(`{}`), http.Header{}))
	require.NoError(t, s.HandleWebhook(context.Background(), []byte(`{}`), http.Header{}))

	client, err := da.GetClient(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500_00), client.Balance, "a replayed webhook must not credit twice")
}
