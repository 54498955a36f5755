// Package session implements the OCPP Session Handler: one actor per
// station WebSocket connection, driving a small state machine
// (Connecting, Booted, Operational, Closing, Closed) and translating
// between wire frames and the Charging Lifecycle Engine's calls.
//
// Adapted from internal/transport/websocket.ConnectionWrapper's
// per-connection send/receive/ping goroutine structure, replacing its
// stateless dispatcher hand-off with an explicit state field and the
// OCPP boot/heartbeat/fault bookkeeping spec.md §4.2 and §6 require.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chargeplatform/control-plane/internal/apperr"
	"github.com/chargeplatform/control-plane/internal/dataaccess"
	"github.com/chargeplatform/control-plane/internal/domain/ocpp16"
	"github.com/chargeplatform/control-plane/internal/domain/station"
	"github.com/chargeplatform/control-plane/internal/lifecycle"
	"github.com/chargeplatform/control-plane/internal/metrics"
	"github.com/chargeplatform/control-plane/internal/ocpp/codec"
	"github.com/chargeplatform/control-plane/internal/ocpp/dispatch"
	"github.com/chargeplatform/control-plane/internal/router"
)

// State is the connection lifecycle stage of a Session.
type State int

const (
	Connecting State = iota
	Booted
	Operational
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Booted:
		return "booted"
	case Operational:
		return "operational"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the raw byte pipe a Session writes to and reads from.
// Implemented by the WebSocket connection wrapper that owns the
// socket.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// Config holds the tunables a Session needs from internal/config's
// OCPPConfig and LifecycleConfig.
type Config struct {
	CallTimeout          time.Duration
	HeartbeatInterval    time.Duration
	BootAccept           bool
	MaxConsecutiveReject int
	MalformedThreshold   int
	MalformedWindow      time.Duration
	InboxSize            int
	RecentNonces         int
}

// DefaultConfig returns the spec.md-mandated defaults: 3 consecutive
// boot rejects close the socket, 3 malformed frames within 10s close
// it, heartbeat tolerance is 2x the negotiated interval plus a 30s
// grace, and the most recent 1024 command nonces are remembered.
func DefaultConfig() Config {
	return Config{
		CallTimeout:          30 * time.Second,
		HeartbeatInterval:    5 * time.Minute,
		BootAccept:           true,
		MaxConsecutiveReject: 3,
		MalformedThreshold:   3,
		MalformedWindow:      10 * time.Second,
		InboxSize:            256,
		RecentNonces:         1024,
	}
}

// Session is the per-station actor. One Session exists per live
// WebSocket connection; reconnects create a new Session with a new
// epoch from the Station Registry.
type Session struct {
	stationID string
	transport Transport
	cfg       Config

	da        dataaccess.Gateway
	lifecycle *lifecycle.Engine
	dispatch  *dispatch.Dispatcher
	commands  *router.Subscription

	inbox    chan []byte
	malformed *codec.MalformedFrameTracker

	mu                sync.Mutex
	state             State
	consecutiveReject int
	lastHeartbeat     time.Time
	seenNonces        map[uint64]struct{}
	nonceOrder        []uint64

	stop        chan struct{}
	once        sync.Once
	closeReason string
}

// New builds a Session for stationID. Call Run to start its loops.
func New(stationID string, transport Transport, da dataaccess.Gateway, engine *lifecycle.Engine, commands *router.Subscription, cfg Config) *Session {
	return &Session{
		stationID: stationID,
		transport: transport,
		cfg:       cfg,
		da:        da,
		lifecycle: engine,
		dispatch:  dispatch.New(cfg.CallTimeout),
		commands:  commands,
		inbox:     make(chan []byte, cfg.InboxSize),
		malformed: codec.NewMalformedFrameTracker(cfg.MalformedThreshold, cfg.MalformedWindow),
		state:     Connecting,
		seenNonces: make(map[uint64]struct{}, cfg.RecentNonces),
		stop:      make(chan struct{}),
	}
}

// StationID satisfies registry.Handle.
func (s *Session) StationID() string { return s.stationID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Send implements dispatch.Sender for this station's connection.
func (s *Session) Send(_ context.Context, data []byte) error {
	return s.transport.WriteMessage(data)
}

// Deliver feeds a raw inbound WebSocket frame to the session's
// processing loop. Called by the transport's receive routine.
func (s *Session) Deliver(data []byte) {
	select {
	case s.inbox <- data:
	case <-s.stop:
	default:
		log.Warn().Str("station_id", s.stationID).Msg("session: inbox full, dropping frame")
	}
}

// Close stops the session's loops and closes the transport.
func (s *Session) Close() {
	s.once.Do(func() {
		s.setState(Closing)
		close(s.stop)
		if s.commands != nil {
			_ = s.commands.Close()
		}
		_ = s.transport.Close()
		s.setState(Closed)

		reason := s.closeReason
		if reason == "" {
			reason = "disconnect"
		}
		metrics.SessionsClosedTotal.WithLabelValues(reason).Inc()
	})
}

// closeWithReason records why the session is closing before running
// the one-shot Close logic, so the SessionsClosedTotal metric can be
// labeled meaningfully.
func (s *Session) closeWithReason(reason string) {
	s.mu.Lock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
	s.mu.Unlock()
	s.Close()
}

// Run drives the session's inbox and command-subscription loops until
// Close is called or the context is cancelled. It blocks.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()

	var cmdCh <-chan router.Command
	if s.commands != nil {
		cmdCh = s.commands.Commands()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case data, ok := <-s.inbox:
			if !ok {
				return
			}
			s.handleFrame(ctx, data)
		case cmd, ok := <-cmdCh:
			if !ok {
				cmdCh = nil
				continue
			}
			s.handleCommand(ctx, cmd)
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	f, err := codec.Decode(data)
	if err != nil {
		s.onMalformed(data, err)
		return
	}

	switch f.Type {
	case ocpp16.Call:
		s.handleCall(ctx, f)
	case ocpp16.CallResult:
		s.dispatch.HandleResult(f.UniqueID, f.Payload)
	case ocpp16.CallError:
		s.dispatch.HandleError(f.UniqueID, f.ErrorCode, f.ErrorDescription)
	}
}

// onMalformed answers a malformed Call with CallError(FormationViolation)
// when the UniqueId is recoverable, per spec.md §4.1, then counts it
// toward the threshold that closes the connection outright.
func (s *Session) onMalformed(data []byte, err error) {
	log.Warn().Err(err).Str("station_id", s.stationID).Msg("session: malformed frame")

	if uniqueID := codec.RecoverUniqueID(data); uniqueID != "" {
		resp, encErr := codec.EncodeCallError(uniqueID, codec.ErrorFormationViolation, err.Error(), nil)
		if encErr != nil {
			log.Error().Err(encErr).Msg("session: failed to encode CallError for malformed frame")
		} else {
			_ = s.transport.WriteMessage(resp)
		}
	}

	if s.malformed.Record(time.Now()) {
		log.Error().Str("station_id", s.stationID).Msg("session: malformed frame threshold exceeded, closing")
		s.closeWithReason("malformed_threshold")
	}
}

func (s *Session) handleCall(ctx context.Context, f codec.Frame) {
	result, callErr := s.dispatchAction(ctx, f)
	if callErr != nil {
		kind := apperr.KindOf(callErr)
		data, err := codec.EncodeCallError(f.UniqueID, codec.ErrorCodeFor(kind), callErr.Error(), nil)
		if err != nil {
			log.Error().Err(err).Msg("session: failed to encode CallError")
			return
		}
		_ = s.transport.WriteMessage(data)
		return
	}

	data, err := codec.EncodeCallResult(f.UniqueID, result)
	if err != nil {
		log.Error().Err(err).Msg("session: failed to encode CallResult")
		return
	}
	_ = s.transport.WriteMessage(data)
}

func (s *Session) dispatchAction(ctx context.Context, f codec.Frame) (interface{}, error) {
	switch ocpp16.Action(f.Action) {
	case ocpp16.ActionBootNotification:
		return s.onBootNotification(ctx, f.Payload)
	case ocpp16.ActionHeartbeat:
		return s.onHeartbeat(ctx, f.Payload)
	case ocpp16.ActionStatusNotification:
		return s.onStatusNotification(ctx, f.Payload)
	case ocpp16.ActionAuthorize:
		return s.onAuthorize(ctx, f.Payload)
	case ocpp16.ActionStartTransaction:
		return s.onStartTransaction(ctx, f.Payload)
	case ocpp16.ActionStopTransaction:
		return s.onStopTransaction(ctx, f.Payload)
	case ocpp16.ActionMeterValues:
		return s.onMeterValues(ctx, f.Payload)
	case ocpp16.ActionDataTransfer:
		return s.onDataTransfer(ctx, f.Payload)
	case ocpp16.ActionDiagnosticsStatusNotification:
		return s.onDiagnosticsStatusNotification(ctx, f.Payload)
	case ocpp16.ActionFirmwareStatusNotification:
		return s.onFirmwareStatusNotification(ctx, f.Payload)
	default:
		return nil, apperr.New(apperr.NotImplemented, fmt.Sprintf("unsupported action %q", f.Action))
	}
}

// onDataTransfer acknowledges a vendor-specific DataTransfer with
// UnknownVendorId: the gateway has no registered vendor extensions to
// route it to, per spec.md §6.
func (s *Session) onDataTransfer(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var req ocpp16.DataTransferRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "decode DataTransfer", err)
	}
	log.Debug().Str("station_id", s.stationID).Str("vendor_id", req.VendorId).Msg("session: data transfer received")
	return ocpp16.DataTransferResponse{Status: ocpp16.DataTransferStatusUnknownVendorId}, nil
}

func (s *Session) onDiagnosticsStatusNotification(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var req ocpp16.DiagnosticsStatusNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "decode DiagnosticsStatusNotification", err)
	}
	log.Info().Str("station_id", s.stationID).Str("status", string(req.Status)).Msg("session: diagnostics status")
	return ocpp16.DiagnosticsStatusNotificationResponse{}, nil
}

func (s *Session) onFirmwareStatusNotification(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var req ocpp16.FirmwareStatusNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "decode FirmwareStatusNotification", err)
	}
	log.Info().Str("station_id", s.stationID).Str("status", string(req.Status)).Msg("session: firmware status")
	return ocpp16.FirmwareStatusNotificationResponse{}, nil
}

func (s *Session) onBootNotification(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req ocpp16.BootNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "decode BootNotification", err)
	}

	status := ocpp16.RegistrationStatusRejected
	if s.cfg.BootAccept {
		status = ocpp16.RegistrationStatusAccepted
	}

	s.mu.Lock()
	if status == ocpp16.RegistrationStatusAccepted {
		s.consecutiveReject = 0
	} else {
		s.consecutiveReject++
	}
	reject := s.consecutiveReject
	s.mu.Unlock()

	if status == ocpp16.RegistrationStatusAccepted {
		if err := s.da.UpsertStationSeen(ctx, station.Station{
			ID:     s.stationID,
			Vendor: req.ChargePointVendor,
			Model:  req.ChargePointModel,
			Status: station.StatusOnline,
		}); err != nil {
			log.Error().Err(err).Str("station_id", s.stationID).Msg("session: failed to persist boot")
		}
		s.setState(Booted)
	} else if reject >= s.cfg.MaxConsecutiveReject {
		log.Error().Str("station_id", s.stationID).Int("rejects", reject).Msg("session: too many boot rejects, closing")
		defer s.closeWithReason("boot_reject_threshold")
	}

	return ocpp16.BootNotificationResponse{
		Status:      status,
		CurrentTime: ocpp16.DateTime{Time: time.Now()},
		Interval:    int(s.cfg.HeartbeatInterval.Seconds()),
	}, nil
}

func (s *Session) onHeartbeat(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	if s.state == Booted {
		s.state = Operational
	}
	s.mu.Unlock()

	if err := s.da.UpdateStationStatus(ctx, s.stationID, station.StatusOnline, time.Now()); err != nil {
		log.Error().Err(err).Str("station_id", s.stationID).Msg("session: failed to refresh heartbeat")
	}
	return ocpp16.HeartbeatResponse{CurrentTime: ocpp16.DateTime{Time: time.Now()}}, nil
}

func (s *Session) onStatusNotification(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req ocpp16.StatusNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "decode StatusNotification", err)
	}

	connStatus := toConnectorStatus(req.Status)
	if err := s.da.UpsertConnectorStatus(ctx, s.stationID, req.ConnectorId, connStatus, time.Now()); err != nil {
		log.Error().Err(err).Str("station_id", s.stationID).Int("connector_id", req.ConnectorId).Msg("session: failed to record connector status")
	}

	if req.Status == ocpp16.ChargePointStatusFaulted {
		if err := s.lifecycle.OnConnectorFaulted(ctx, s.stationID, req.ConnectorId); err != nil {
			log.Error().Err(err).Str("station_id", s.stationID).Int("connector_id", req.ConnectorId).Msg("session: failed to react to connector fault")
		}
	}

	return ocpp16.StatusNotificationResponse{}, nil
}

func (s *Session) onAuthorize(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var req ocpp16.AuthorizeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "decode Authorize", err)
	}
	// Authorization is decided at StartCharge time by the Lifecycle
	// Engine (client balance, session ownership); a station-initiated
	// Authorize always gets a provisional accept so plug-and-charge
	// flows aren't blocked on a second round trip.
	return ocpp16.AuthorizeResponse{IdTagInfo: ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted}}, nil
}

func (s *Session) onStartTransaction(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req ocpp16.StartTransactionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "decode StartTransaction", err)
	}

	txID, status, err := s.lifecycle.OnStartTransaction(ctx, s.stationID, req.IdTag, int64(req.MeterStart), req.Timestamp.Time)
	if err != nil {
		return nil, err
	}

	return ocpp16.StartTransactionResponse{
		IdTagInfo:     ocpp16.IdTagInfo{Status: status},
		TransactionId: txID,
	}, nil
}

func (s *Session) onStopTransaction(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req ocpp16.StopTransactionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "decode StopTransaction", err)
	}

	if err := s.lifecycle.OnStopTransaction(ctx, s.stationID, req.TransactionId, int64(req.MeterStop), req.Timestamp.Time); err != nil {
		log.Error().Err(err).Str("station_id", s.stationID).Int("tx_id", req.TransactionId).Msg("session: failed to finalize stop")
	}

	return ocpp16.StopTransactionResponse{}, nil
}

func (s *Session) onMeterValues(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req ocpp16.MeterValuesRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "decode MeterValues", err)
	}
	if req.TransactionId == nil {
		return ocpp16.MeterValuesResponse{}, nil
	}
	if err := s.lifecycle.OnMeterValues(ctx, s.stationID, *req.TransactionId, req.MeterValue); err != nil {
		log.Error().Err(err).Str("station_id", s.stationID).Int("tx_id", *req.TransactionId).Msg("session: failed to process meter values")
	}
	return ocpp16.MeterValuesResponse{}, nil
}

// handleCommand delivers a Router command to the station, deduping by
// nonce against the most recent RecentNonces seen for this session.
func (s *Session) handleCommand(ctx context.Context, cmd router.Command) {
	if s.seenNonce(cmd.Nonce) {
		return
	}

	var err error
	switch ocpp16.Action(cmd.Action) {
	case ocpp16.ActionRemoteStartTransaction, ocpp16.ActionRemoteStopTransaction,
		ocpp16.ActionReserveNow, ocpp16.ActionCancelReservation,
		ocpp16.ActionTriggerMessage, ocpp16.ActionReset,
		ocpp16.ActionUnlockConnector, ocpp16.ActionGetDiagnostics,
		ocpp16.ActionUpdateFirmware:
		// The Call runs off the Run loop: the station's CallResult/CallError
		// reaches the Dispatcher through the inbox, which Run keeps draining.
		go func() {
			if _, err := s.dispatch.Call(ctx, s, ocpp16.Action(cmd.Action), cmd.Payload); err != nil {
				log.Error().Err(err).Str("station_id", s.stationID).Str("action", cmd.Action).Msg("session: command delivery failed")
			}
		}()
	default:
		err = apperr.New(apperr.NotImplemented, fmt.Sprintf("router command: unsupported action %q", cmd.Action))
	}
	if err != nil {
		log.Error().Err(err).Str("station_id", s.stationID).Str("action", cmd.Action).Msg("session: command delivery failed")
	}
}

func (s *Session) seenNonce(nonce uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seenNonces[nonce]; ok {
		return true
	}
	s.seenNonces[nonce] = struct{}{}
	s.nonceOrder = append(s.nonceOrder, nonce)
	if len(s.nonceOrder) > s.cfg.RecentNonces {
		oldest := s.nonceOrder[0]
		s.nonceOrder = s.nonceOrder[1:]
		delete(s.seenNonces, oldest)
	}
	return false
}

// HeartbeatStale reports whether the station has missed its heartbeat
// tolerance window (2x the negotiated interval plus a 30s grace). The
// WebSocket Manager does not call it; it drops idle sockets through its
// read deadline and failed pings instead.
func (s *Session) HeartbeatStale(now time.Time) bool {
	s.mu.Lock()
	last := s.lastHeartbeat
	s.mu.Unlock()
	if last.IsZero() {
		return false
	}
	tolerance := 2*s.cfg.HeartbeatInterval + 30*time.Second
	return now.Sub(last) > tolerance
}

func toConnectorStatus(status ocpp16.ChargePointStatus) station.ConnectorStatus {
	switch status {
	case ocpp16.ChargePointStatusAvailable:
		return station.ConnectorAvailable
	case ocpp16.ChargePointStatusPreparing:
		return station.ConnectorPreparing
	case ocpp16.ChargePointStatusCharging:
		return station.ConnectorCharging
	case ocpp16.ChargePointStatusSuspendedEVSE:
		return station.ConnectorSuspendedEVSE
	case ocpp16.ChargePointStatusSuspendedEV:
		return station.ConnectorSuspendedEV
	case ocpp16.ChargePointStatusFinishing:
		return station.ConnectorFinishing
	case ocpp16.ChargePointStatusReserved:
		return station.ConnectorReserved
	case ocpp16.ChargePointStatusUnavailable:
		return station.ConnectorUnavailable
	case ocpp16.ChargePointStatusFaulted:
		return station.ConnectorFaulted
	default:
		return station.ConnectorUnavailable
	}
}
