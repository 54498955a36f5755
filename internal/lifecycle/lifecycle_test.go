package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargeplatform/control-plane/internal/apperr"
	busfake "github.com/chargeplatform/control-plane/internal/bus/fake"
	"github.com/chargeplatform/control-plane/internal/config"
	dafake "github.com/chargeplatform/control-plane/internal/dataaccess/fake"
	"github.com/chargeplatform/control-plane/internal/domain/billing"
	"github.com/chargeplatform/control-plane/internal/domain/ocpp16"
	"github.com/chargeplatform/control-plane/internal/domain/station"
	eventsfake "github.com/chargeplatform/control-plane/internal/events/fake"
	"github.com/chargeplatform/control-plane/internal/router"
)

type alwaysPresent struct{}

func (alwaysPresent) Owner(ctx context.Context, stationID string) (string, error) {
	return "pod-1", nil
}

func testEngine(t *testing.T) (*Engine, *dafake.Gateway, *router.Router) {
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
	e := New(da, r, alwaysPresent{}, cfg, eventsfake.New())
	return e, da, r
}

func TestStartCharge_HappyPathEnergyLimit(t *testing.T) {
	e, da, r := testEngine(t)
	ctx := context.Background()

	da.SeedClient(billing.Client{ID: "client-1", Balance: 1000_00, Currency: "KGS"})
	da.SeedStation(station.Station{ID: "st-1", Status: station.StatusOnline})
	da.SeedConnector(station.Connector{StationID: "st-1", ConnectorID: 1, Status: station.ConnectorAvailable})

	sub := r.Subscribe(ctx, "st-1")
	defer sub.Close()

	sessionID, err := e.StartCharge(ctx, "client-1", "st-1", 1, billing.LimitEnergy, 10.0)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	client, err := da.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000_00-150_00), client.Balance) // reserved = 10kWh * 1500/kWh = 15000

	cmd := <-sub.Commands()
	assert.Equal(t, string(ocpp16.ActionRemoteStartTransaction), cmd.Action)

	sess, err := da.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, billing.SessionStarting, sess.Status)

	txID, status, err := e.OnStartTransaction(ctx, "st-1", sess.IDTag, 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, status)
	assert.Greater(t, txID, 0)

	sess, err = da.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, billing.SessionActive, sess.Status)

	err = e.OnStopTransaction(ctx, "st-1", txID, 10_000, time.Now())
	require.NoError(t, err)

	sess, err = da.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, billing.SessionStopped, sess.Status)
	assert.Equal(t, int64(150_00), sess.AmountCharged)
	assert.Equal(t, int64(0), sess.RefundAmount)
}

func TestStopCharge_UnderConsumptionRefund(t *testing.T) {
	e, da, _ := testEngine(t)
	ctx := context.Background()

	da.SeedClient(billing.Client{ID: "client-1", Balance: 1000_00, Currency: "KGS"})
	da.SeedStation(station.Station{ID: "st-1", Status: station.StatusOnline})
	da.SeedConnector(station.Connector{StationID: "st-1", ConnectorID: 1, Status: station.ConnectorAvailable})

	sessionID, err := e.StartCharge(ctx, "client-1", "st-1", 1, billing.LimitAmount, 100_00)
	require.NoError(t, err)

	sess, _ := da.GetSession(ctx, sessionID)
	txID, _, err := e.OnStartTransaction(ctx, "st-1", sess.IDTag, 1000, time.Now())
	require.NoError(t, err)

	// Only 2kWh consumed against a 100.00 reservation at 15.00/kWh = 30.00 due.
	err = e.OnStopTransaction(ctx, "st-1", txID, 3000, time.Now())
	require.NoError(t, err)

	sess, err = da.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(30_00), sess.AmountCharged)
	assert.Equal(t, int64(70_00), sess.RefundAmount)

	client, err := da.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000_00-30_00), client.Balance)
}

func TestStartCharge_InsufficientFunds(t *testing.T) {
	e, da, _ := testEngine(t)
	ctx := context.Background()

	da.SeedClient(billing.Client{ID: "client-1", Balance: 5_00, Currency: "KGS"})
	da.SeedStation(station.Station{ID: "st-1", Status: station.StatusOnline})
	da.SeedConnector(station.Connector{StationID: "st-1", ConnectorID: 1, Status: station.ConnectorAvailable})

	_, err := e.StartCharge(ctx, "client-1", "st-1", 1, billing.LimitAmount, 100_00)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InsufficientFunds))

	client, err := da.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5_00), client.Balance, "balance must be untouched on a failed reservation")
}

// TestStartCharge_ConcurrentDoubleStartRejected fires two StartCharge
// calls for the same client at the same instant, against different
// connectors, so they race past the presence/active-session checks
// together. CreateSession's atomic invariant (a partial unique index
// on Postgres, its equivalent check-under-lock in the fake) must let
// exactly one through and compensate the loser's reservation.
func TestStartCharge_ConcurrentDoubleStartRejected(t *testing.T) {
	e, da, _ := testEngine(t)
	ctx := context.Background()

	da.SeedClient(billing.Client{ID: "client-1", Balance: 1000_00, Currency: "KGS"})
	da.SeedStation(station.Station{ID: "st-1", Status: station.StatusOnline})
	da.SeedConnector(station.Connector{StationID: "st-1", ConnectorID: 1, Status: station.ConnectorAvailable})
	da.SeedConnector(station.Connector{StationID: "st-1", ConnectorID: 2, Status: station.ConnectorAvailable})

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, connectorID := range []int{1, 2} {
		wg.Add(1)
		go func(i, connectorID int) {
			defer wg.Done()
			<-start
			_, err := e.StartCharge(ctx, "client-1", "st-1", connectorID, billing.LimitAmount, 10_00)
			results[i] = err
		}(i, connectorID)
	}
	close(start)
	wg.Wait()

	var successes, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case apperr.Is(err, apperr.Conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent StartCharge must win")
	assert.Equal(t, 1, conflicts, "the loser must be rejected as a conflict, not silently double-started")

	client, err := da.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000_00-10_00), client.Balance, "the loser's reservation must be compensated back")
}

func TestStopCharge_IdempotentOnAlreadyStopped(t *testing.T) {
	e, da, _ := testEngine(t)
	ctx := context.Background()

	da.SeedClient(billing.Client{ID: "client-1", Balance: 1000_00, Currency: "KGS"})
	da.SeedStation(station.Station{ID: "st-1", Status: station.StatusOnline})
	da.SeedConnector(station.Connector{StationID: "st-1", ConnectorID: 1, Status: station.ConnectorAvailable})

	sessionID, err := e.StartCharge(ctx, "client-1", "st-1", 1, billing.LimitAmount, 10_00)
	require.NoError(t, err)

	first, err := e.StopCharge(ctx, sessionID, "client")
	require.NoError(t, err)
	assert.Equal(t, billing.SessionExpired, first.Status)

	second, err := e.StopCharge(ctx, sessionID, "client")
	require.NoError(t, err)
	assert.Equal(t, billing.SessionExpired, second.Status)

	client, err := da.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000_00), client.Balance, "refund must not be applied twice")
}

func TestOnStartTransaction_NoPendingSessionIsInvalid(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()

	txID, status, err := e.OnStartTransaction(ctx, "st-1", "unknown-tag", 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, txID)
	assert.Equal(t, ocpp16.AuthorizationStatusInvalid, status)
}
