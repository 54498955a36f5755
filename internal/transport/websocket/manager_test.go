package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busfake "github.com/chargeplatform/control-plane/internal/bus/fake"
	"github.com/chargeplatform/control-plane/internal/config"
	dafake "github.com/chargeplatform/control-plane/internal/dataaccess/fake"
	eventsfake "github.com/chargeplatform/control-plane/internal/events/fake"
	"github.com/chargeplatform/control-plane/internal/lifecycle"
	ocppsession "github.com/chargeplatform/control-plane/internal/ocpp/session"
	"github.com/chargeplatform/control-plane/internal/registry"
	"github.com/chargeplatform/control-plane/internal/router"
)

func testManager(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	da := dafake.New()
	b := busfake.New()
	reg := registry.New(b, "pod-1", time.Minute)
	rtr := router.New(b)
	cfg := config.LifecycleConfig{DefaultTariffPricePerKWh: 1500, DefaultCurrency: "KGS"}
	engine := lifecycle.New(da, rtr, reg, cfg, eventsfake.New())

	m := NewManager(DefaultConfig(), reg, rtr, da, engine, ocppsession.DefaultConfig())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		m.ServeWS(w, r, r.URL.Path[len("/ws/"):])
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return m, srv
}

func dialStation(t *testing.T, srv *httptest.Server, stationID string) *gorillaws.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):] + "/ws/" + stationID
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", subprotocol)
	conn, _, err := gorillaws.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServeWS_BootNotificationRoundTrips(t *testing.T) {
	_, srv := testManager(t)
	conn := dialStation(t, srv, "station-1")

	frame := []interface{}{2, "msg-1", "BootNotification", map[string]string{
		"chargePointVendor": "Acme",
		"chargePointModel":  "X1",
	}}
	require.NoError(t, conn.WriteJSON(frame))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Len(t, resp, 3)

	var msgType int
	require.NoError(t, json.Unmarshal(resp[0], &msgType))
	assert.Equal(t, 3, msgType)
}

func TestServeWS_RejectsMissingStationID(t *testing.T) {
	_, srv := testManager(t)

	url := "ws" + srv.URL[len("http"):] + "/ws/"
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", subprotocol)
	_, resp, err := gorillaws.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
