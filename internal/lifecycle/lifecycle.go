// Package lifecycle implements the Charging Lifecycle Engine: the sole
// writer of ChargingSession, owner of the reserve → start → meter →
// stop → refund state machine and its monetary invariants.
//
// Adapted from internal/business/transaction.Manager's structure
// (config, event channel, stats) but rewritten so dataaccess's atomic
// SQL calls — not an in-memory map — are the source of truth for
// session state and client balance.
package lifecycle

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chargeplatform/control-plane/internal/apperr"
	"github.com/chargeplatform/control-plane/internal/config"
	"github.com/chargeplatform/control-plane/internal/dataaccess"
	"github.com/chargeplatform/control-plane/internal/domain/billing"
	"github.com/chargeplatform/control-plane/internal/domain/ocpp16"
	"github.com/chargeplatform/control-plane/internal/domain/station"
	"github.com/chargeplatform/control-plane/internal/events"
	"github.com/chargeplatform/control-plane/internal/router"
)

// StationPresence answers whether a station's socket is currently
// registered anywhere in the fleet — satisfied by *registry.Registry,
// narrowed here to avoid the Engine depending on the registry's full
// surface.
type StationPresence interface {
	Owner(ctx context.Context, stationID string) (string, error)
}

// Engine is the Charging Lifecycle Engine.
type Engine struct {
	da       dataaccess.Gateway
	router   *router.Router
	presence StationPresence
	cfg      config.LifecycleConfig
	audit    events.Publisher
	nextTxID atomic.Int64
	tariffs  *tariffCache
}

// New builds an Engine. audit may be nil to disable the domain-event
// audit stream.
func New(da dataaccess.Gateway, r *router.Router, presence StationPresence, cfg config.LifecycleConfig, audit events.Publisher) *Engine {
	e := &Engine{da: da, router: r, presence: presence, cfg: cfg, audit: audit, tariffs: newTariffCache()}
	e.nextTxID.Store(time.Now().Unix())
	return e
}

// StartCharge reserves funds and initiates a remote start. See
// spec.md §4.3.
func (e *Engine) StartCharge(ctx context.Context, clientID, stationID string, connectorID int, limitKind billing.LimitKind, limitValue float64) (string, error) {
	if limitValue <= 0 {
		return "", apperr.New(apperr.InvalidArgument, "limit_value must be positive")
	}

	if _, err := e.presence.Owner(ctx, stationID); err != nil {
		return "", apperr.New(apperr.StationUnavailable, "station socket not registered")
	}

	active, err := e.da.HasActiveSessionForClient(ctx, clientID)
	if err != nil {
		return "", err
	}
	if active {
		return "", apperr.New(apperr.Conflict, "client already has an active charge")
	}

	connector, err := e.da.GetConnector(ctx, stationID, connectorID)
	if err != nil {
		return "", apperr.New(apperr.NotFound, "connector not found")
	}
	if connector.Status != station.ConnectorAvailable {
		return "", apperr.New(apperr.Conflict, "connector is not available")
	}
	connectorBusy, err := e.da.HasActiveSessionForConnector(ctx, stationID, connectorID)
	if err != nil {
		return "", err
	}
	if connectorBusy {
		return "", apperr.New(apperr.Conflict, "connector already has an active charge")
	}

	tariff, err := e.effectiveTariff(ctx, stationID, time.Now())
	if err != nil {
		return "", err
	}

	var reserved int64
	switch limitKind {
	case billing.LimitAmount:
		reserved = int64(math.Ceil(limitValue))
	case billing.LimitEnergy:
		reserved = int64(math.Ceil(limitValue * tariff.PricePerKWh))
	default:
		return "", apperr.New(apperr.InvalidArgument, "unknown limit_kind")
	}

	newBalance, ok, err := e.da.DebitIfSufficient(ctx, clientID, reserved)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.New(apperr.InsufficientFunds, fmt.Sprintf("balance %d below reserve %d", newBalance, reserved))
	}

	sessionID := uuid.NewString()
	idTag := fmt.Sprintf("sess-%s", sessionID[:20])
	if len(idTag) > 20 {
		idTag = idTag[:20]
	}
	sess := &billing.ChargingSession{
		ID:             sessionID,
		ClientID:       clientID,
		StationID:      stationID,
		ConnectorID:    connectorID,
		LimitKind:      limitKind,
		LimitValue:     limitValue,
		ReservedAmount: reserved,
		IDTag:          idTag,
		Status:         billing.SessionPending,
		CreatedAt:      time.Now(),
	}
	if err := e.da.CreateSession(ctx, sess); err != nil {
		e.compensate(ctx, clientID, reserved, "create session failed")
		return "", err
	}

	connID := connectorID
	_, err = e.router.Publish(ctx, stationID, string(ocpp16.ActionRemoteStartTransaction), ocpp16.RemoteStartTransactionRequest{
		ConnectorId: &connID,
		IdTag:       idTag,
	}, sessionID)
	if err != nil {
		e.compensate(ctx, clientID, reserved, "remote start publish failed")
		_ = e.da.SetSessionStatus(ctx, sessionID, billing.SessionFailed)
		return "", apperr.Wrap(apperr.StationUnavailable, "failed to dispatch remote start", err)
	}

	if err := e.da.SetSessionStatus(ctx, sessionID, billing.SessionStarting); err != nil {
		return "", err
	}
	e.publishAudit(events.SessionStarting, sessionID, stationID)
	return sessionID, nil
}

func (e *Engine) compensate(ctx context.Context, clientID string, amount int64, reason string) {
	if _, err := e.da.Credit(ctx, clientID, amount); err != nil {
		log.Error().Err(err).Str("client_id", clientID).Str("reason", reason).Msg("lifecycle: compensation credit failed")
	}
}

// OnStartTransaction binds an incoming OCPP StartTransaction to the
// pending session addressed by idTag.
func (e *Engine) OnStartTransaction(ctx context.Context, stationID, idTag string, meterStart int64, at time.Time) (int, ocpp16.AuthorizationStatus, error) {
	sess, err := e.da.FindStartingSessionByIDTag(ctx, stationID, idTag)
	if err != nil {
		return 0, ocpp16.AuthorizationStatusInvalid, nil
	}
	if time.Since(sess.CreatedAt) > e.cfg.HungSessionNoTxGrace {
		return 0, ocpp16.AuthorizationStatusInvalid, nil
	}

	txID := int(e.nextTxID.Add(1))
	if err := e.da.BindStartTransaction(ctx, sess.ID, txID, meterStart, at); err != nil {
		return 0, ocpp16.AuthorizationStatusInvalid, nil
	}
	e.publishAudit(events.SessionActive, sess.ID, stationID)
	return txID, ocpp16.AuthorizationStatusAccepted, nil
}

// OnMeterValues records samples and triggers a RemoteStopTransaction
// once the session's limit is reached.
func (e *Engine) OnMeterValues(ctx context.Context, stationID string, txID int, samples []ocpp16.MeterValue) error {
	sess, err := e.da.GetSessionByTxID(ctx, stationID, txID)
	if err != nil {
		return nil // unknown transaction: ignore per §5 out-of-order handling
	}
	if sess.Status != billing.SessionActive {
		return nil
	}

	var lastWh int64
	haveSample := false
	for _, mv := range samples {
		for _, sv := range mv.SampledValue {
			wh, ok := meterWh(sv)
			if !ok {
				continue
			}
			if err := e.da.AppendMeterSample(ctx, billing.OcppMeterSample{
				SessionID: sess.ID,
				Timestamp: mv.Timestamp.Time,
				MeterWh:   wh,
				Measurand: measurandString(sv),
				Unit:      unitString(sv),
			}); err != nil {
				log.Error().Err(err).Str("session_id", sess.ID).Msg("lifecycle: append meter sample failed")
			}
			lastWh = wh
			haveSample = true
		}
	}
	if !haveSample || sess.MeterStart == nil {
		return nil
	}

	energyKWh := float64(lastWh-*sess.MeterStart) / 1000.0
	if energyKWh < 0 {
		energyKWh = 0
	}

	tariff, err := e.effectiveTariff(ctx, stationID, time.Now())
	if err != nil {
		return err
	}

	var reached bool
	switch sess.LimitKind {
	case billing.LimitEnergy:
		reached = energyKWh >= sess.LimitValue
	case billing.LimitAmount:
		reached = int64(math.Ceil(energyKWh*tariff.PricePerKWh)) >= sess.ReservedAmount
	}
	if !reached {
		return nil
	}

	if _, err := e.router.Publish(ctx, stationID, string(ocpp16.ActionRemoteStopTransaction), ocpp16.RemoteStopTransactionRequest{
		TransactionId: txID,
	}, sess.ID); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("lifecycle: limit-triggered remote stop publish failed")
	}
	return nil
}

func meterWh(sv ocpp16.SampledValue) (int64, bool) {
	var f float64
	if _, err := fmt.Sscanf(sv.Value, "%g", &f); err != nil {
		return 0, false
	}
	if sv.Unit != nil && *sv.Unit == ocpp16.UnitOfMeasureKWh {
		f *= 1000
	}
	return int64(math.Round(f)), true
}

func measurandString(sv ocpp16.SampledValue) string {
	if sv.Measurand != nil {
		return string(*sv.Measurand)
	}
	return string(ocpp16.MeasurandEnergyActiveImportRegister)
}

func unitString(sv ocpp16.SampledValue) string {
	if sv.Unit != nil {
		return string(*sv.Unit)
	}
	return string(ocpp16.UnitOfMeasureWh)
}

// OnStopTransaction finalizes a session's settlement once the station
// reports its StopTransaction.
func (e *Engine) OnStopTransaction(ctx context.Context, stationID string, txID int, meterStop int64, at time.Time) error {
	sess, err := e.da.GetSessionByTxID(ctx, stationID, txID)
	if err != nil {
		return apperr.New(apperr.Conflict, "stop transaction for unknown transaction id")
	}
	if sess.Status != billing.SessionActive && sess.Status != billing.SessionStopping {
		return apperr.New(apperr.Conflict, "session not active or stopping")
	}
	if sess.MeterStart == nil {
		return apperr.New(apperr.Internal, "active session missing meter_start")
	}

	tariff, err := e.effectiveTariff(ctx, stationID, at)
	if err != nil {
		return err
	}

	energyKWh := float64(meterStop-*sess.MeterStart) / 1000.0
	if energyKWh < 0 {
		energyKWh = 0
	}
	amountCharged := int64(math.Ceil(energyKWh * tariff.PricePerKWh))
	if amountCharged > sess.ReservedAmount {
		amountCharged = sess.ReservedAmount
	}
	refund := sess.ReservedAmount - amountCharged

	if err := e.da.FinalizeStop(ctx, sess.ID, meterStop, energyKWh, amountCharged, refund, at); err != nil {
		return err
	}
	e.publishAudit(events.SessionStopped, sess.ID, stationID)
	return nil
}

// StopCharge requests a station-side stop. Idempotent while the
// session is already stopping or stopped.
func (e *Engine) StopCharge(ctx context.Context, sessionID, actor string) (*billing.ChargingSession, error) {
	sess, err := e.da.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case billing.SessionStopped, billing.SessionStopping, billing.SessionFailed, billing.SessionExpired:
		return sess, nil
	}

	if sess.OcppTxID != nil {
		if _, err := e.router.Publish(ctx, sess.StationID, string(ocpp16.ActionRemoteStopTransaction), ocpp16.RemoteStopTransactionRequest{
			TransactionId: *sess.OcppTxID,
		}, sessionID); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Str("actor", actor).Msg("lifecycle: stop charge publish failed")
		}
		if err := e.da.SetSessionStatus(ctx, sessionID, billing.SessionStopping); err != nil {
			return nil, err
		}
		sess.Status = billing.SessionStopping
		return sess, nil
	}

	// Never bound to an OCPP transaction: nothing to tell the station
	// to stop, so cancel the reservation outright.
	if err := e.da.ExpireHungSession(ctx, sessionID); err != nil {
		return nil, err
	}
	sess.Status = billing.SessionExpired
	return sess, nil
}

// OnConnectorFaulted marks any active session on the connector as
// failed-pending-stop, per the OCPP Session Handler's StatusNotification
// handling in spec.md §4.2.
func (e *Engine) OnConnectorFaulted(ctx context.Context, stationID string, connectorID int) error {
	sess, err := e.da.GetActiveSessionForConnector(ctx, stationID, connectorID)
	if apperr.Is(err, apperr.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if sess.OcppTxID != nil {
		if _, err := e.router.Publish(ctx, stationID, string(ocpp16.ActionRemoteStopTransaction), ocpp16.RemoteStopTransactionRequest{
			TransactionId: *sess.OcppTxID,
		}, sess.ID); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("lifecycle: faulted-connector stop publish failed")
		}
	}
	return e.da.SetSessionStatus(ctx, sess.ID, billing.SessionStopping)
}

func (e *Engine) publishAudit(kind events.Kind, sessionID, stationID string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Publish(events.Event{Kind: kind, SessionID: sessionID, StationID: stationID, At: time.Now()}); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("lifecycle: audit publish failed")
	}
}
