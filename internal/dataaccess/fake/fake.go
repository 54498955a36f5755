// Package fake provides an in-memory dataaccess.Gateway for lifecycle,
// router, reconciler, and REST unit tests — grounded on the teacher's
// own heavy use of mutex-guarded in-memory maps as a test double
// (internal/business/transaction.Manager, internal/storage) rather
// than standing up a real Postgres instance.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chargeplatform/control-plane/internal/apperr"
	"github.com/chargeplatform/control-plane/internal/domain/billing"
	"github.com/chargeplatform/control-plane/internal/domain/station"
)

// Gateway is a single-process dataaccess.Gateway backed by plain maps
// under one mutex. Good enough to exercise every invariant the real
// Postgres implementation enforces; not meant for concurrency
// benchmarking.
type Gateway struct {
	mu          sync.Mutex
	clients     map[string]*billing.Client
	stations    map[string]*station.Station
	connectors  map[string]*station.Connector // key: stationID/connectorID
	tariffs     []billing.TariffRule
	sessions    map[string]*billing.ChargingSession
	samples     map[string][]billing.OcppMeterSample
	invoices    map[string]*billing.Invoice // key: provider order id
	idempotency map[string]*billing.IdempotencyRecord
}

// New returns an empty fake Gateway.
func New() *Gateway {
	return &Gateway{
		clients:     make(map[string]*billing.Client),
		stations:    make(map[string]*station.Station),
		connectors:  make(map[string]*station.Connector),
		sessions:    make(map[string]*billing.ChargingSession),
		samples:     make(map[string][]billing.OcppMeterSample),
		invoices:    make(map[string]*billing.Invoice),
		idempotency: make(map[string]*billing.IdempotencyRecord),
	}
}

// SeedClient installs a client row directly, for test setup.
func (g *Gateway) SeedClient(c billing.Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := c
	g.clients[c.ID] = &cp
}

// SeedStation installs a station row directly, for test setup.
func (g *Gateway) SeedStation(s station.Station) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sp := s
	g.stations[s.ID] = &sp
}

// SeedConnector installs a connector row directly, for test setup.
func (g *Gateway) SeedConnector(c station.Connector) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := c
	g.connectors[connKey(c.StationID, c.ConnectorID)] = &cp
}

// SeedTariff installs a tariff rule directly, for test setup.
func (g *Gateway) SeedTariff(r billing.TariffRule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tariffs = append(g.tariffs, r)
}

func connKey(stationID string, connectorID int) string {
	return fmt.Sprintf("%s/%d", stationID, connectorID)
}

func (g *Gateway) GetClient(_ context.Context, clientID string) (*billing.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.clients[clientID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "client not found")
	}
	cp := *c
	return &cp, nil
}

func (g *Gateway) DebitIfSufficient(_ context.Context, clientID string, amount int64) (int64, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.clients[clientID]
	if !ok {
		return 0, false, apperr.New(apperr.NotFound, "client not found")
	}
	if c.Balance < amount {
		return c.Balance, false, nil
	}
	c.Balance -= amount
	return c.Balance, true, nil
}

func (g *Gateway) Credit(_ context.Context, clientID string, amount int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.clients[clientID]
	if !ok {
		return 0, apperr.New(apperr.NotFound, "client not found")
	}
	c.Balance += amount
	return c.Balance, nil
}

func (g *Gateway) GetStation(_ context.Context, stationID string) (*station.Station, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.stations[stationID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "station not found")
	}
	sp := *s
	return &sp, nil
}

func (g *Gateway) UpsertStationSeen(_ context.Context, st station.Station) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	stp := st
	g.stations[st.ID] = &stp
	return nil
}

func (g *Gateway) UpdateStationStatus(_ context.Context, stationID string, status station.Status, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.stations[stationID]
	if !ok {
		return apperr.New(apperr.NotFound, "station not found")
	}
	s.Status = status
	s.LastSeenAt = at
	return nil
}

func (g *Gateway) ListStationsHeartbeatBefore(_ context.Context, cutoff time.Time) ([]station.Station, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []station.Station
	for _, s := range g.stations {
		if s.LastSeenAt.Before(cutoff) && s.Status != station.StatusOffline {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (g *Gateway) GetConnector(_ context.Context, stationID string, connectorID int) (*station.Connector, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.connectors[connKey(stationID, connectorID)]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "connector not found")
	}
	cp := *c
	return &cp, nil
}

func (g *Gateway) UpsertConnectorStatus(_ context.Context, stationID string, connectorID int, status station.ConnectorStatus, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connectors[connKey(stationID, connectorID)] = &station.Connector{
		StationID: stationID, ConnectorID: connectorID, Status: status, UpdatedAt: at,
	}
	return nil
}

func (g *Gateway) EffectiveTariff(_ context.Context, stationID string, at time.Time, fallbackPricePerKWh float64, fallbackCurrency string) (billing.TariffRule, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var best *billing.TariffRule
	for i := range g.tariffs {
		r := g.tariffs[i]
		if r.StationID != stationID && r.StationID != "" {
			continue
		}
		if !r.Effective(at) {
			continue
		}
		// Station-specific rows beat fleet-wide ones; within the same
		// specificity the latest effective_from wins, as in Postgres.
		better := best == nil ||
			(r.StationID != "" && best.StationID == "") ||
			((r.StationID != "") == (best.StationID != "") && r.EffectiveFrom.After(best.EffectiveFrom))
		if better {
			rr := r
			best = &rr
		}
	}
	if best != nil {
		return *best, nil
	}
	return billing.TariffRule{PricePerKWh: fallbackPricePerKWh, Currency: fallbackCurrency, EffectiveFrom: time.Unix(0, 0)}, nil
}

func (g *Gateway) HasActiveSessionForClient(_ context.Context, clientID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.sessions {
		if s.ClientID == clientID && s.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gateway) HasActiveSessionForConnector(_ context.Context, stationID string, connectorID int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.sessions {
		if s.StationID == stationID && s.ConnectorID == connectorID && s.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gateway) GetActiveSessionForConnector(_ context.Context, stationID string, connectorID int) (*billing.ChargingSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.sessions {
		if s.StationID == stationID && s.ConnectorID == connectorID && s.Status.IsActive() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "no active session for connector")
}

// CreateSession mirrors the Postgres partial-unique-index invariant:
// the active-session check and the insert happen under the same lock,
// so two concurrent callers racing for the same client or connector
// can't both win the way they would with separate check-then-insert
// calls.
func (g *Gateway) CreateSession(_ context.Context, s *billing.ChargingSession) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.sessions {
		if existing.Status.IsActive() && existing.ClientID == s.ClientID {
			return apperr.New(apperr.Conflict, "client already has an active session")
		}
		if existing.Status.IsActive() && existing.StationID == s.StationID && existing.ConnectorID == s.ConnectorID {
			return apperr.New(apperr.Conflict, "connector already has an active session")
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	cp := *s
	g.sessions[s.ID] = &cp
	return nil
}

func (g *Gateway) GetSession(_ context.Context, sessionID string) (*billing.ChargingSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "session not found")
	}
	cp := *s
	return &cp, nil
}

func (g *Gateway) SetSessionStatus(_ context.Context, sessionID string, status billing.SessionStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return apperr.New(apperr.NotFound, "session not found")
	}
	s.Status = status
	return nil
}

func (g *Gateway) FindStartingSessionByIDTag(_ context.Context, stationID, idTag string) (*billing.ChargingSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.sessions {
		if s.StationID == stationID && s.IDTag == idTag && s.Status == billing.SessionStarting {
			cp := *s
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "no starting session for idTag")
}

func (g *Gateway) GetSessionByTxID(_ context.Context, stationID string, txID int) (*billing.ChargingSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.sessions {
		if s.StationID == stationID && s.OcppTxID != nil && *s.OcppTxID == txID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "session not found for tx id")
}

func (g *Gateway) BindStartTransaction(_ context.Context, sessionID string, txID int, meterStart int64, startedAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return apperr.New(apperr.NotFound, "session not found")
	}
	if s.Status != billing.SessionStarting {
		return apperr.New(apperr.Conflict, "session not in starting state")
	}
	s.Status = billing.SessionActive
	s.OcppTxID = &txID
	s.MeterStart = &meterStart
	s.StartedAt = &startedAt
	return nil
}

func (g *Gateway) AppendMeterSample(_ context.Context, sample billing.OcppMeterSample) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.samples[sample.SessionID] = append(g.samples[sample.SessionID], sample)
	return nil
}

func (g *Gateway) LastMeterSample(_ context.Context, sessionID string) (*billing.OcppMeterSample, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.samples[sessionID]
	if len(list) == 0 {
		return nil, apperr.New(apperr.NotFound, "no meter samples")
	}
	sorted := append([]billing.OcppMeterSample(nil), list...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.After(sorted[j].Timestamp) })
	s := sorted[0]
	return &s, nil
}

func (g *Gateway) FinalizeStop(_ context.Context, sessionID string, meterStop int64, energyDelivered float64, amountCharged, refund int64, stoppedAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return apperr.New(apperr.NotFound, "session not found")
	}
	if s.Status != billing.SessionActive && s.Status != billing.SessionStopping {
		return nil
	}
	s.Status = billing.SessionStopped
	s.MeterStop = &meterStop
	s.EnergyDelivered = energyDelivered
	s.AmountCharged = amountCharged
	s.RefundAmount = refund
	s.StoppedAt = &stoppedAt

	if refund > 0 {
		if c, ok := g.clients[s.ClientID]; ok {
			c.Balance += refund
		}
	}
	return nil
}

func (g *Gateway) ExpireHungSession(_ context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok || s.Status != billing.SessionStarting {
		return nil
	}
	s.Status = billing.SessionExpired
	s.RefundAmount = s.ReservedAmount
	if c, ok := g.clients[s.ClientID]; ok {
		c.Balance += s.ReservedAmount
	}
	return nil
}

func (g *Gateway) ForceFailSession(_ context.Context, sessionID string, refund int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok || s.Status != billing.SessionActive {
		return nil
	}
	s.Status = billing.SessionFailed
	s.RefundAmount = refund
	if refund > 0 {
		if c, ok := g.clients[s.ClientID]; ok {
			c.Balance += refund
		}
	}
	return nil
}

func (g *Gateway) ListHungStartingSessions(_ context.Context, createdBefore time.Time) ([]billing.ChargingSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []billing.ChargingSession
	for _, s := range g.sessions {
		if s.Status == billing.SessionStarting && s.OcppTxID == nil && s.CreatedAt.Before(createdBefore) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (g *Gateway) ListLongRunningActiveSessions(_ context.Context, createdBefore time.Time) ([]billing.ChargingSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []billing.ChargingSession
	for _, s := range g.sessions {
		if s.Status == billing.SessionActive && s.CreatedAt.Before(createdBefore) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (g *Gateway) CreateInvoice(_ context.Context, inv *billing.Invoice) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	cp := *inv
	g.invoices[inv.ProviderOrderID] = &cp
	return nil
}

func (g *Gateway) GetInvoiceByProviderOrderID(_ context.Context, providerOrderID string) (*billing.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invoices[providerOrderID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "invoice not found")
	}
	cp := *inv
	return &cp, nil
}

func (g *Gateway) ApproveInvoice(_ context.Context, providerOrderID string, paidAmount int64, paidAt time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invoices[providerOrderID]
	if !ok {
		return false, apperr.New(apperr.NotFound, "invoice not found")
	}
	if inv.Status == billing.InvoiceApproved {
		return false, nil
	}
	inv.Status = billing.InvoiceApproved
	inv.AmountPaid = paidAmount
	inv.PaidAt = &paidAt
	if c, ok := g.clients[inv.ClientID]; ok {
		c.Balance += paidAmount
	}
	return true, nil
}

func (g *Gateway) ExpirePendingInvoices(_ context.Context, cutoff time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, inv := range g.invoices {
		if inv.Status == billing.InvoicePending && inv.ExpiresAt.Before(cutoff) {
			inv.Status = billing.InvoiceExpired
			n++
		}
	}
	return n, nil
}

func (g *Gateway) GetIdempotencyRecord(_ context.Context, key, endpoint string) (*billing.IdempotencyRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.idempotency[endpoint+"|"+key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (g *Gateway) SaveIdempotencyRecord(_ context.Context, rec billing.IdempotencyRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := rec.Endpoint + "|" + rec.Key
	if _, exists := g.idempotency[k]; exists {
		return nil
	}
	cp := rec
	g.idempotency[k] = &cp
	return nil
}

func (g *Gateway) Close() {}
