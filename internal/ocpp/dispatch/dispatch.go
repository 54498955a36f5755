// Package dispatch correlates outbound OCPP Calls with their eventual
// CallResult/CallError by UniqueId and times them out if the station
// never answers. Adapted from the teacher's
// internal/protocol/ocpp16.Processor pendingRequests map plus its
// cleanupRoutine sweep, narrowed to the correlation concern alone —
// encoding lives in internal/ocpp/codec and action handling lives in
// internal/ocpp/session.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chargeplatform/control-plane/internal/apperr"
	"github.com/chargeplatform/control-plane/internal/domain/ocpp16"
	"github.com/chargeplatform/control-plane/internal/ocpp/codec"
)

// Sender delivers an already-encoded frame to a single station
// connection. Implemented by internal/ocpp/session.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

type pendingCall struct {
	action    ocpp16.Action
	createdAt time.Time
	timeout   time.Duration
	result    chan json.RawMessage
	errc      chan error
}

// Dispatcher tracks Calls awaiting a response for one station
// connection. A Dispatcher is scoped to a single session, not shared
// across stations.
type Dispatcher struct {
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// New builds a Dispatcher using defaultTimeout for calls that don't
// specify their own.
func New(defaultTimeout time.Duration) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pendingCall),
	}
}

// Call sends action to the station through sender and blocks until a
// CallResult/CallError arrives, ctx is cancelled, or the timeout
// elapses. The returned payload is the raw CallResult payload.
func (d *Dispatcher) Call(ctx context.Context, sender Sender, action ocpp16.Action, payload interface{}) (json.RawMessage, error) {
	uniqueID := uuid.NewString()
	data, err := codec.EncodeCall(uniqueID, action, payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode call", err)
	}

	pc := &pendingCall{
		action:    action,
		createdAt: time.Now(),
		timeout:   d.defaultTimeout,
		result:    make(chan json.RawMessage, 1),
		errc:      make(chan error, 1),
	}

	d.mu.Lock()
	d.pending[uniqueID] = pc
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, uniqueID)
		d.mu.Unlock()
	}()

	if err := sender.Send(ctx, data); err != nil {
		return nil, apperr.Wrap(apperr.StationUnavailable, "send call", err)
	}

	timer := time.NewTimer(pc.timeout)
	defer timer.Stop()

	select {
	case payload := <-pc.result:
		return payload, nil
	case err := <-pc.errc:
		return nil, err
	case <-timer.C:
		return nil, apperr.New(apperr.Timeout, "station did not respond to "+string(action))
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.Timeout, "call cancelled", ctx.Err())
	}
}

// HandleResult resolves a pending call with a CallResult payload. It
// reports whether uniqueID matched a pending call.
func (d *Dispatcher) HandleResult(uniqueID string, payload json.RawMessage) bool {
	pc := d.take(uniqueID)
	if pc == nil {
		return false
	}
	pc.result <- payload
	return true
}

// HandleError resolves a pending call with a CallError. It reports
// whether uniqueID matched a pending call.
func (d *Dispatcher) HandleError(uniqueID, code, description string) bool {
	pc := d.take(uniqueID)
	if pc == nil {
		return false
	}
	pc.errc <- apperr.New(stationErrorKind(code), description)
	return true
}

func (d *Dispatcher) take(uniqueID string) *pendingCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.pending[uniqueID]
	if !ok {
		return nil
	}
	delete(d.pending, uniqueID)
	return pc
}

// PendingCount returns the number of calls awaiting a response.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Sweep fails any call older than its timeout. Intended to be driven
// by a ticker from the owning session so a response that never
// arrives (rather than one that times out via Call's own timer, e.g.
// because the caller stopped watching) still frees the slot.
func (d *Dispatcher) Sweep() {
	now := time.Now()
	var expired []string

	d.mu.Lock()
	for uniqueID, pc := range d.pending {
		if now.Sub(pc.createdAt) > pc.timeout {
			expired = append(expired, uniqueID)
		}
	}
	d.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	for _, uniqueID := range expired {
		if pc := d.take(uniqueID); pc != nil {
			select {
			case pc.errc <- apperr.New(apperr.Timeout, "station did not respond to "+string(pc.action)):
			default:
			}
		}
	}
	log.Warn().Int("count", len(expired)).Msg("swept expired pending calls")
}

// stationErrorKind maps an OCPP CallError code back to an apperr.Kind.
// It is not an exact inverse of codec.ErrorCodeFor, which is
// many-to-one: e.g. NotSupported maps to NotImplemented here, not NotFound.
func stationErrorKind(code string) apperr.Kind {
	switch codec.ErrorCode(code) {
	case codec.ErrorFormationViolation, codec.ErrorPropertyConstraintViolation, codec.ErrorTypeConstraintViolation:
		return apperr.InvalidArgument
	case codec.ErrorSecurityError:
		return apperr.Forbidden
	case codec.ErrorNotSupported, codec.ErrorNotImplemented:
		return apperr.NotImplemented
	case codec.ErrorOccurenceConstraintViolation:
		return apperr.Conflict
	case codec.ErrorGenericError, codec.ErrorProtocolError:
		return apperr.ProviderFailure
	default:
		return apperr.Internal
	}
}
