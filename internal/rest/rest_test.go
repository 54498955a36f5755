package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busfake "github.com/chargeplatform/control-plane/internal/bus/fake"
	"github.com/chargeplatform/control-plane/internal/config"
	dafake "github.com/chargeplatform/control-plane/internal/dataaccess/fake"
	"github.com/chargeplatform/control-plane/internal/domain/billing"
	"github.com/chargeplatform/control-plane/internal/domain/station"
	eventsfake "github.com/chargeplatform/control-plane/internal/events/fake"
	"github.com/chargeplatform/control-plane/internal/lifecycle"
	"github.com/chargeplatform/control-plane/internal/payment"
	"github.com/chargeplatform/control-plane/internal/registry"
	"github.com/chargeplatform/control-plane/internal/router"
)

type fakeOnlyProvider struct{}

func (fakeOnlyProvider) Kind() string { return "local" }
func (fakeOnlyProvider) CreateInvoice(_ context.Context, req payment.CreateInvoiceRequest) (payment.CreateInvoiceResult, error) {
	return payment.CreateInvoiceResult{ProviderOrderID: "order-xyz"}, nil
}
func (fakeOnlyProvider) VerifyWebhook(_ []byte, _ http.Header) (payment.WebhookEvent, error) {
	return payment.WebhookEvent{ProviderOrderID: "order-xyz", PaidAmount: 500_00}, nil
}

func testServer(t *testing.T) (*Server, *dafake.Gateway) {
	t.Helper()
	da := dafake.New()
	b := busfake.New()
	r := router.New(b)
	reg := registry.New(b, "pod-1", time.Minute)
	cfg := config.LifecycleConfig{DefaultTariffPricePerKWh: 1500, DefaultCurrency: "KGS"}
	engine := lifecycle.New(da, r, reg, cfg, eventsfake.New())
	payCfg := config.LifecycleConfig{DefaultCurrency: "KGS", InvoiceExpiry: time.Hour}
	svc := payment.New(da, fakeOnlyProvider{}, payCfg, eventsfake.New())
	return New(engine, svc, da), da
}

func TestHandleTopUp_CreatesInvoice(t *testing.T) {
	s, da := testServer(t)
	da.SeedClient(billing.Client{ID: "client-1", Balance: 0, Currency: "KGS"})

	body, _ := json.Marshal(topUpRequest{ClientID: "client-1", Amount: 500_00})
	req := httptest.NewRequest(http.MethodPost, "/balance/topup", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var inv billing.Invoice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inv))
	assert.Equal(t, billing.InvoicePending, inv.Status)
}

func TestHandleTopUp_RejectsInvalidBody(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/balance/topup", bytes.NewReader([]byte(`{"client_id":""}`)))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTopUp_IdempotencyKeyReplaysResponse(t *testing.T) {
	s, da := testServer(t)
	da.SeedClient(billing.Client{ID: "client-1", Balance: 0, Currency: "KGS"})

	body, _ := json.Marshal(topUpRequest{ClientID: "client-1", Amount: 500_00})

	req1 := httptest.NewRequest(http.MethodPost, "/balance/topup", bytes.NewReader(body))
	req1.Header.Set("Idempotency-Key", "key-1")
	rec1 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusCreated, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/balance/topup", bytes.NewReader(body))
	req2.Header.Set("Idempotency-Key", "key-1")
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req2)

	require.Equal(t, http.StatusCreated, rec2.Code)
	assert.Equal(t, "true", rec2.Header().Get("Idempotency-Replayed"))
	assert.JSONEq(t, rec1.Body.String(), rec2.Body.String())
}

func TestHandleGetSession_NotFound(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/charging/missing-session", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStartCharge_UnregisteredStationReturnsServiceUnavailable(t *testing.T) {
	s, da := testServer(t)
	da.SeedClient(billing.Client{ID: "client-1", Balance: 0, Currency: "KGS"})
	da.SeedStation(station.Station{ID: "station-1", Status: station.StatusOnline})
	da.SeedConnector(station.Connector{StationID: "station-1", ConnectorID: 1, Status: station.ConnectorAvailable})

	body, _ := json.Marshal(startChargeRequest{
		ClientID: "client-1", StationID: "station-1", ConnectorID: 1,
		LimitKind: "amount", LimitValue: 1000_00,
	})
	req := httptest.NewRequest(http.MethodPost, "/charging/start", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "station is never registered with the presence registry in this test, so StationUnavailable is expected before the balance check")
}

func TestHandleWebhook_CreditsBalance(t *testing.T) {
	s, da := testServer(t)
	da.SeedClient(billing.Client{ID: "client-1", Balance: 0, Currency: "KGS"})

	topUpBody, _ := json.Marshal(topUpRequest{ClientID: "client-1", Amount: 500_00})
	topUpReq := httptest.NewRequest(http.MethodPost, "/balance/topup", bytes.NewReader(topUpBody))
	topUpRec := httptest.NewRecorder()
	s.Router().ServeHTTP(topUpRec, topUpReq)
	require.Equal(t, http.StatusCreated, topUpRec.Code)

	webhookReq := httptest.NewRequest(http.MethodPost, "/payment/webhook", bytes.NewReader([]byte(`{}`)))
	webhookRec := httptest.NewRecorder()
	s.Router().ServeHTTP(webhookRec, webhookReq)
	require.Equal(t, http.StatusOK, webhookRec.Code)

	client, err := da.GetClient(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500_00), client.Balance)
}
