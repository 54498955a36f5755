// Package station holds the station/connector/location entities owned
// by the Data-Access Gateway, separate from the OCPP wire types in
// internal/domain/ocpp16.
package station

import "time"

// Location groups stations under a single owner and timezone.
type Location struct {
	ID      string
	OwnerID string
	Name    string
	Address string
	TZ      string
}

// Status is the control-plane's view of a station's connectivity,
// distinct from any individual connector's OCPP status.
type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusFaulted Status = "faulted"
)

// Station is a single charge point identity, addressable by the OCPP
// WebSocket path segment StationID.
type Station struct {
	ID         string
	LocationID string
	Vendor     string
	Model      string
	Status     Status
	LastSeenAt time.Time
}

// OwnerID is derived through the station's location, never stored
// directly on the station row.
func (s Station) OwnerID(loc Location) string {
	return loc.OwnerID
}

// ConnectorStatus mirrors the OCPP 1.6 ChargePointStatus vocabulary at
// the control-plane level.
type ConnectorStatus string

const (
	ConnectorAvailable     ConnectorStatus = "Available"
	ConnectorPreparing     ConnectorStatus = "Preparing"
	ConnectorCharging      ConnectorStatus = "Charging"
	ConnectorSuspendedEVSE ConnectorStatus = "SuspendedEVSE"
	ConnectorSuspendedEV   ConnectorStatus = "SuspendedEV"
	ConnectorFinishing     ConnectorStatus = "Finishing"
	ConnectorReserved      ConnectorStatus = "Reserved"
	ConnectorUnavailable   ConnectorStatus = "Unavailable"
	ConnectorFaulted       ConnectorStatus = "Faulted"
)

// Connector is one physical socket on a Station.
type Connector struct {
	StationID   string
	ConnectorID int
	Status      ConnectorStatus
	UpdatedAt   time.Time
}
