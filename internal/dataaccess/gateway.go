// Package dataaccess is the Data-Access Gateway: the only component
// that touches persisted Client, Station, ChargingSession, and Invoice
// rows. All balance mutations are expressed as atomic conditional SQL
// updates; no caller ever holds a balance in memory across a
// suspension point.
//
// Adapted from PavolRusnak-OCPP-Power-Manager/internal/db/db.go's
// pool-tuning idiom, re-platformed onto pgx's native pool since the
// gateway's connection concurrency is much higher than that repo's.
package dataaccess

import (
	"context"
	"time"

	"github.com/chargeplatform/control-plane/internal/domain/billing"
	"github.com/chargeplatform/control-plane/internal/domain/station"
)

// Gateway is the full contract the Lifecycle Engine, OCPP Session
// Handler, Reconciler, Payment Provider Adapter, and REST Surface use
// to reach persisted state.
type Gateway interface {
	// Clients
	GetClient(ctx context.Context, clientID string) (*billing.Client, error)
	// DebitIfSufficient performs `UPDATE clients SET balance = balance
	// - amount WHERE id = $1 AND balance >= amount`. ok is false and
	// newBalance is the pre-update balance when the row wasn't
	// sufficient.
	DebitIfSufficient(ctx context.Context, clientID string, amount int64) (newBalance int64, ok bool, err error)
	// Credit performs `UPDATE clients SET balance = balance + amount`
	// unconditionally (refunds/top-ups are always safe to add).
	Credit(ctx context.Context, clientID string, amount int64) (newBalance int64, err error)

	// Stations & connectors
	GetStation(ctx context.Context, stationID string) (*station.Station, error)
	UpsertStationSeen(ctx context.Context, st station.Station) error
	UpdateStationStatus(ctx context.Context, stationID string, status station.Status, at time.Time) error
	ListStationsHeartbeatBefore(ctx context.Context, cutoff time.Time) ([]station.Station, error)
	GetConnector(ctx context.Context, stationID string, connectorID int) (*station.Connector, error)
	UpsertConnectorStatus(ctx context.Context, stationID string, connectorID int, status station.ConnectorStatus, at time.Time) error

	// Tariff
	EffectiveTariff(ctx context.Context, stationID string, at time.Time, fallbackPricePerKWh float64, fallbackCurrency string) (billing.TariffRule, error)

	// Sessions
	HasActiveSessionForClient(ctx context.Context, clientID string) (bool, error)
	HasActiveSessionForConnector(ctx context.Context, stationID string, connectorID int) (bool, error)
	// GetActiveSessionForConnector returns the one active session on a
	// connector, or apperr.NotFound if the connector is idle.
	GetActiveSessionForConnector(ctx context.Context, stationID string, connectorID int) (*billing.ChargingSession, error)
	CreateSession(ctx context.Context, s *billing.ChargingSession) error
	GetSession(ctx context.Context, sessionID string) (*billing.ChargingSession, error)
	SetSessionStatus(ctx context.Context, sessionID string, status billing.SessionStatus) error
	FindStartingSessionByIDTag(ctx context.Context, stationID, idTag string) (*billing.ChargingSession, error)
	BindStartTransaction(ctx context.Context, sessionID string, txID int, meterStart int64, startedAt time.Time) error
	GetSessionByTxID(ctx context.Context, stationID string, txID int) (*billing.ChargingSession, error)
	AppendMeterSample(ctx context.Context, sample billing.OcppMeterSample) error
	LastMeterSample(ctx context.Context, sessionID string) (*billing.OcppMeterSample, error)
	// FinalizeStop atomically transitions the session to stopped with
	// the computed settlement fields and, if refund > 0, credits the
	// client in the same transaction.
	FinalizeStop(ctx context.Context, sessionID string, meterStop int64, energyDelivered float64, amountCharged, refund int64, stoppedAt time.Time) error
	// ExpireHungSession atomically marks a starting session expired and
	// refunds its full reservation.
	ExpireHungSession(ctx context.Context, sessionID string) error
	// ForceFailSession atomically marks a long-running active session
	// failed and refunds the given amount.
	ForceFailSession(ctx context.Context, sessionID string, refund int64) error
	ListHungStartingSessions(ctx context.Context, createdBefore time.Time) ([]billing.ChargingSession, error)
	ListLongRunningActiveSessions(ctx context.Context, createdBefore time.Time) ([]billing.ChargingSession, error)

	// Invoices
	CreateInvoice(ctx context.Context, inv *billing.Invoice) error
	GetInvoiceByProviderOrderID(ctx context.Context, providerOrderID string) (*billing.Invoice, error)
	// ApproveInvoice atomically approves the invoice and credits the
	// client, unless the invoice is already approved (applied=false).
	ApproveInvoice(ctx context.Context, providerOrderID string, paidAmount int64, paidAt time.Time) (applied bool, err error)
	ExpirePendingInvoices(ctx context.Context, cutoff time.Time) (int, error)

	// Idempotency
	GetIdempotencyRecord(ctx context.Context, key, endpoint string) (*billing.IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, rec billing.IdempotencyRecord) error

	Close()
}
