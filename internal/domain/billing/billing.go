// Package billing holds the client/session/invoice entities the
// Charging Lifecycle Engine and Payment Provider Adapter operate on.
package billing

import "time"

// Client is a prepaid account. Balance is a minor-unit integer
// (cents); it is mutated only through atomic conditional updates in
// internal/dataaccess, never read-modify-write in application memory.
type Client struct {
	ID       string
	Balance  int64
	Currency string
}

// LimitKind selects how a ChargingSession's limit_value is interpreted.
type LimitKind string

const (
	LimitEnergy LimitKind = "energy"
	LimitAmount LimitKind = "amount"
)

// SessionStatus is the ChargingSession lifecycle state.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionStopping SessionStatus = "stopping"
	SessionStopped  SessionStatus = "stopped"
	SessionFailed   SessionStatus = "failed"
	SessionExpired  SessionStatus = "expired"
)

// ActiveStatuses are the statuses counted against the "at most one
// active charge per client/connector" invariant.
var ActiveStatuses = []SessionStatus{SessionPending, SessionStarting, SessionActive, SessionStopping}

// IsActive reports whether s counts as an active charge.
func (s SessionStatus) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// ChargingSession is the sole mutation target of the Charging Lifecycle
// Engine. OcppTxID is nil until StartTransaction binds it.
type ChargingSession struct {
	ID              string
	ClientID        string
	StationID       string
	ConnectorID     int
	LimitKind       LimitKind
	LimitValue      float64
	ReservedAmount  int64
	IDTag           string
	OcppTxID        *int
	MeterStart      *int64
	MeterStop       *int64
	EnergyDelivered float64
	AmountCharged   int64
	RefundAmount    int64
	Status          SessionStatus
	CreatedAt       time.Time
	StartedAt       *time.Time
	StoppedAt       *time.Time
}

// InvoiceStatus is the Top-Up lifecycle state.
type InvoiceStatus string

const (
	InvoicePending  InvoiceStatus = "pending"
	InvoiceApproved InvoiceStatus = "approved"
	InvoiceExpired  InvoiceStatus = "expired"
	InvoiceFailed   InvoiceStatus = "failed"
)

// Invoice is a balance top-up request routed through the Payment
// Provider Adapter. Approval is terminal and monotonic.
type Invoice struct {
	ID              string
	ClientID        string
	ProviderOrderID string
	ProviderKind    string
	AmountRequested int64
	AmountPaid      int64
	Status          InvoiceStatus
	QRPayload       string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	PaidAt          *time.Time
}

// OcppMeterSample is an append-only metering record for a session.
type OcppMeterSample struct {
	SessionID string
	Timestamp time.Time
	MeterWh   int64
	Measurand string
	Unit      string
}

// TariffRule prices energy for a station (or fleet-wide when StationID
// is empty), effective over [EffectiveFrom, EffectiveTo).
type TariffRule struct {
	ID            string
	StationID     string // empty = fleet-wide default
	PricePerKWh   float64
	Currency      string
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
}

// Effective reports whether the rule applies at instant at.
func (r TariffRule) Effective(at time.Time) bool {
	if at.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !at.Before(*r.EffectiveTo) {
		return false
	}
	return true
}

// IdempotencyRecord backs the REST Surface's Idempotency-Key replay.
type IdempotencyRecord struct {
	Key            string
	Endpoint       string
	ClientID       string
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
}
