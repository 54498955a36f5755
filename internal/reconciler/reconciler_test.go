package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busfake "github.com/chargeplatform/control-plane/internal/bus/fake"
	"github.com/chargeplatform/control-plane/internal/config"
	dafake "github.com/chargeplatform/control-plane/internal/dataaccess/fake"
	"github.com/chargeplatform/control-plane/internal/domain/billing"
)

func TestSweepHungSessions_ExpiresStartingSessionPastGrace(t *testing.T) {
	da := dafake.New()
	b := busfake.New()
	cfg := config.LifecycleConfig{
		HungSessionNoTxGrace: 10 * time.Minute,
		HungSessionMaxActive: 12 * time.Hour,
	}
	r := New(da, b, cfg, "pod-1")

	da.SeedClient(billing.Client{ID: "client-1", Balance: 1000_00, Currency: "KGS"})
	require.NoError(t, da.CreateSession(context.Background(), &billing.ChargingSession{
		ID:             "sess-1",
		ClientID:       "client-1",
		StationID:      "st-1",
		ConnectorID:    1,
		LimitKind:      billing.LimitAmount,
		LimitValue:     10_00,
		ReservedAmount: 10_00,
		IDTag:          "sess-sess-1",
		Status:         billing.SessionStarting,
		CreatedAt:      time.Now().Add(-20 * time.Minute),
	}))

	r.sweepHungSessions(context.Background())

	sess, err := da.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, billing.SessionExpired, sess.Status)
}

func TestSweepExpiredInvoices_ExpiresStalePending(t *testing.T) {
	da := dafake.New()
	b := busfake.New()
	cfg := config.LifecycleConfig{InvoiceExpiry: time.Hour}
	r := New(da, b, cfg, "pod-1")

	require.NoError(t, da.CreateInvoice(context.Background(), &billing.Invoice{
		ID:              "inv-1",
		ClientID:        "client-1",
		ProviderOrderID: "order-1",
		AmountRequested: 500_00,
		Status:          billing.InvoicePending,
		CreatedAt:       time.Now().Add(-2 * time.Hour),
		ExpiresAt:       time.Now().Add(-90 * time.Minute),
	}))

	r.sweepExpiredInvoices(context.Background())

	inv, err := da.GetInvoiceByProviderOrderID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceExpired, inv.Status)
}

func TestWithLock_SkipsWhenLockHeldElsewhere(t *testing.T) {
	da := dafake.New()
	b := busfake.New()
	cfg := config.LifecycleConfig{}
	r := New(da, b, cfg, "pod-1")

	_, ok, err := b.AcquireLock(context.Background(), hungSessionLock, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ran := false
	r.withLock(context.Background(), hungSessionLock, func(ctx context.Context) { ran = true })

	assert.False(t, ran, "sweep must not run while another pod holds the lock")
}
