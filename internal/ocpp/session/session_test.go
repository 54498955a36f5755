package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busfake "github.com/chargeplatform/control-plane/internal/bus/fake"
	"github.com/chargeplatform/control-plane/internal/config"
	dafake "github.com/chargeplatform/control-plane/internal/dataaccess/fake"
	"github.com/chargeplatform/control-plane/internal/domain/billing"
	"github.com/chargeplatform/control-plane/internal/domain/ocpp16"
	"github.com/chargeplatform/control-plane/internal/domain/station"
	eventsfake "github.com/chargeplatform/control-plane/internal/events/fake"
	"github.com/chargeplatform/control-plane/internal/lifecycle"
	"github.com/chargeplatform/control-plane/internal/router"
)

type alwaysPresent struct{}

func (alwaysPresent) Owner(ctx context.Context, stationID string) (string, error) {
	return "pod-1", nil
}

type memTransport struct {
	mu  sync.Mutex
	out [][]byte
}

func (m *memTransport) WriteMessage(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = append(m.out, append([]byte(nil), data...))
	return nil
}

func (m *memTransport) Close() error { return nil }

func (m *memTransport) last() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.out) == 0 {
		return nil
	}
	return m.out[len(m.out)-1]
}

func testSession(t *testing.T) (*Session, *memTransport, *dafake.Gateway) {
	t.Helper()
	da := dafake.New()
	b := busfake.New()
	r := router.New(b)
	cfg := config.LifecycleConfig{
		HungSessionNoTxGrace:     10 * time.Minute,
		HungSessionMaxActive:     12 * time.Hour,
		DefaultTariffPricePerKWh: 1500.0,
		DefaultCurrency:          "KGS",
	}
	engine := lifecycle.New(da, r, alwaysPresent{}, cfg, eventsfake.New())

	transport := &memTransport{}
	s := New("st-1", transport, da, engine, nil, DefaultConfig())
	return s, transport, da
}

func call(action ocpp16.Action, uniqueID string, payload interface{}) []byte {
	data, _ := json.Marshal(payload)
	raw, _ := json.Marshal([]interface{}{ocpp16.Call, uniqueID, string(action), json.RawMessage(data)})
	return raw
}

func TestSession_BootNotificationAccepted(t *testing.T) {
	s, transport, _ := testSession(t)
	ctx := context.Background()

	s.handleFrame(ctx, call(ocpp16.ActionBootNotification, "1", ocpp16.BootNotificationRequest{
		ChargePointVendor: "Acme",
		ChargePointModel:  "Z1",
	}))

	assert.Equal(t, Booted, s.State())
	var f []json.RawMessage
	require.NoError(t, json.Unmarshal(transport.last(), &f))
	var resp ocpp16.BootNotificationResponse
	require.NoError(t, json.Unmarshal(f[2], &resp))
	assert.Equal(t, ocpp16.RegistrationStatusAccepted, resp.Status)
}

func TestSession_BootNotificationRejectedClosesAfterThreshold(t *testing.T) {
	s, _, _ := testSession(t)
	s.cfg.BootAccept = false
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.handleFrame(ctx, call(ocpp16.ActionBootNotification, "1", ocpp16.BootNotificationRequest{
			ChargePointVendor: "Acme",
			ChargePointModel:  "Z1",
		}))
	}

	assert.Equal(t, Closed, s.State())
}

func TestSession_MalformedFrameThresholdClosesConnection(t *testing.T) {
	s, _, _ := testSession(t)
	ctx := context.Background()

	s.handleFrame(ctx, []byte(`not json`))
	s.handleFrame(ctx, []byte(`not json`))
	assert.NotEqual(t, Closed, s.State())
	s.handleFrame(ctx, []byte(`not json`))

	assert.Equal(t, Closed, s.State())
}

func TestSession_FullChargeLifecycleOverFrames(t *testing.T) {
	s, transport, da := testSession(t)
	ctx := context.Background()

	da.SeedClient(billing.Client{ID: "client-1", Balance: 1000_00, Currency: "KGS"})
	da.SeedStation(station.Station{ID: "st-1", Status: station.StatusOnline})
	da.SeedConnector(station.Connector{StationID: "st-1", ConnectorID: 1, Status: station.ConnectorAvailable})

	sessionID, err := s.lifecycle.StartCharge(ctx, "client-1", "st-1", 1, billing.LimitEnergy, 10.0)
	require.NoError(t, err)

	sess, err := da.GetSession(ctx, sessionID)
	require.NoError(t, err)

	s.handleFrame(ctx, call(ocpp16.ActionStartTransaction, "2", ocpp16.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       sess.IDTag,
		MeterStart:  0,
		Timestamp:   ocpp16.DateTime{Time: time.Now()},
	}))

	var f []json.RawMessage
	require.NoError(t, json.Unmarshal(transport.last(), &f))
	var startResp ocpp16.StartTransactionResponse
	require.NoError(t, json.Unmarshal(f[2], &startResp))
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, startResp.IdTagInfo.Status)

	s.handleFrame(ctx, call(ocpp16.ActionStopTransaction, "3", ocpp16.StopTransactionRequest{
		MeterStop:     10_000,
		Timestamp:     ocpp16.DateTime{Time: time.Now()},
		TransactionId: startResp.TransactionId,
	}))

	sess, err = da.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, billing.SessionStopped, sess.Status)
}

func TestSession_StatusNotificationFaultedTriggersLifecycle(t *testing.T) {
	s, _, da := testSession(t)
	ctx := context.Background()

	da.SeedClient(billing.Client{ID: "client-1", Balance: 1000_00, Currency: "KGS"})
	da.SeedStation(station.Station{ID: "st-1", Status: station.StatusOnline})
	da.SeedConnector(station.Connector{StationID: "st-1", ConnectorID: 1, Status: station.ConnectorAvailable})

	sessionID, err := s.lifecycle.StartCharge(ctx, "client-1", "st-1", 1, billing.LimitEnergy, 10.0)
	require.NoError(t, err)

	sess, _ := da.GetSession(ctx, sessionID)
	_, _, err = s.lifecycle.OnStartTransaction(ctx, "st-1", sess.IDTag, 0, time.Now())
	require.NoError(t, err)

	s.handleFrame(ctx, call(ocpp16.ActionStatusNotification, "4", ocpp16.StatusNotificationRequest{
		ConnectorId: 1,
		ErrorCode:   ocpp16.ChargePointErrorCodeGroundFailure,
		Status:      ocpp16.ChargePointStatusFaulted,
	}))

	sess, err = da.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, billing.SessionStopping, sess.Status)
}

func TestSession_HeartbeatStale(t *testing.T) {
	s, _, _ := testSession(t)
	s.cfg.HeartbeatInterval = time.Minute
	now := time.Now()

	assert.False(t, s.HeartbeatStale(now), "no heartbeat observed yet means not stale")

	s.mu.Lock()
	s.lastHeartbeat = now.Add(-3 * time.Minute)
	s.mu.Unlock()
	assert.True(t, s.HeartbeatStale(now))
}
