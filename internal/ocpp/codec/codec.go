// Package codec frames and parses OCPP 1.6-JSON messages: JSON arrays
// of the form [MessageTypeId, UniqueId, ...]. Adapted from the
// teacher's internal/domain/serialization.Serializer, narrowed to the
// three OCPP 1.6 message shapes and given a typed Frame result instead
// of four positional return values.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chargeplatform/control-plane/internal/apperr"
	"github.com/chargeplatform/control-plane/internal/domain/ocpp16"
)

// ErrorCode is the OCPP 1.6 CallError vocabulary.
type ErrorCode string

const (
	ErrorNotImplemented                ErrorCode = "NotImplemented"
	ErrorNotSupported                  ErrorCode = "NotSupported"
	ErrorInternalError                 ErrorCode = "InternalError"
	ErrorProtocolError                 ErrorCode = "ProtocolError"
	ErrorSecurityError                 ErrorCode = "SecurityError"
	ErrorFormationViolation            ErrorCode = "FormationViolation"
	ErrorPropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	ErrorOccurenceConstraintViolation  ErrorCode = "OccurenceConstraintViolation"
	ErrorTypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	ErrorGenericError                  ErrorCode = "GenericError"
)

// ErrorCodeFor maps an apperr.Kind to the OCPP CallError code sent back
// to the station, per spec.md §7.
func ErrorCodeFor(kind apperr.Kind) ErrorCode {
	switch kind {
	case apperr.InvalidArgument:
		return ErrorFormationViolation
	case apperr.Unauthenticated, apperr.Forbidden:
		return ErrorSecurityError
	case apperr.NotFound:
		return ErrorNotSupported
	case apperr.NotImplemented:
		return ErrorNotImplemented
	case apperr.Conflict, apperr.InsufficientFunds, apperr.StationUnavailable:
		return ErrorOccurenceConstraintViolation
	case apperr.Timeout:
		return ErrorGenericError
	default:
		return ErrorInternalError
	}
}

// Frame is a parsed inbound OCPP message, regardless of which of the
// three shapes it arrived as.
type Frame struct {
	Type             ocpp16.MessageType
	UniqueID         string
	Action           string          // set only for Call
	Payload          json.RawMessage // set for Call and CallResult
	ErrorCode        string          // set only for CallError
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// IsCall reports whether f is a station-initiated request.
func (f Frame) IsCall() bool { return f.Type == ocpp16.Call }

// Decode parses a raw WebSocket text frame into a Frame.
func Decode(data []byte) (Frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, apperr.Wrap(apperr.InvalidArgument, "malformed OCPP frame", err)
	}
	if len(raw) < 3 {
		return Frame{}, apperr.New(apperr.InvalidArgument, "OCPP frame too short")
	}

	var msgType int
	if err := json.Unmarshal(raw[0], &msgType); err != nil {
		return Frame{}, apperr.Wrap(apperr.InvalidArgument, "invalid messageTypeId", err)
	}
	var uniqueID string
	if err := json.Unmarshal(raw[1], &uniqueID); err != nil {
		return Frame{}, apperr.Wrap(apperr.InvalidArgument, "invalid uniqueId", err)
	}

	switch ocpp16.MessageType(msgType) {
	case ocpp16.Call:
		if len(raw) != 4 {
			return Frame{}, apperr.New(apperr.InvalidArgument, "Call frame must have 4 elements")
		}
		var action string
		if err := json.Unmarshal(raw[2], &action); err != nil {
			return Frame{}, apperr.Wrap(apperr.InvalidArgument, "invalid action", err)
		}
		return Frame{Type: ocpp16.Call, UniqueID: uniqueID, Action: action, Payload: raw[3]}, nil

	case ocpp16.CallResult:
		if len(raw) != 3 {
			return Frame{}, apperr.New(apperr.InvalidArgument, "CallResult frame must have 3 elements")
		}
		return Frame{Type: ocpp16.CallResult, UniqueID: uniqueID, Payload: raw[2]}, nil

	case ocpp16.CallError:
		if len(raw) < 4 || len(raw) > 5 {
			return Frame{}, apperr.New(apperr.InvalidArgument, "CallError frame must have 4 or 5 elements")
		}
		var code, desc string
		if err := json.Unmarshal(raw[2], &code); err != nil {
			return Frame{}, apperr.Wrap(apperr.InvalidArgument, "invalid errorCode", err)
		}
		if err := json.Unmarshal(raw[3], &desc); err != nil {
			return Frame{}, apperr.Wrap(apperr.InvalidArgument, "invalid errorDescription", err)
		}
		f := Frame{Type: ocpp16.CallError, UniqueID: uniqueID, ErrorCode: code, ErrorDescription: desc}
		if len(raw) == 5 {
			f.ErrorDetails = raw[4]
		}
		return f, nil

	default:
		return Frame{}, apperr.New(apperr.InvalidArgument, fmt.Sprintf("unknown messageTypeId %d", msgType))
	}
}

// RecoverUniqueID makes a best-effort attempt to pull the UniqueId out
// of an otherwise malformed frame, so the caller can still send a
// matching CallError back to the station. Returns "" if the frame is
// malformed too early (not even a JSON array, or fewer than 2
// elements) to recover one.
func RecoverUniqueID(data []byte) string {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) < 2 {
		return ""
	}
	var uniqueID string
	if err := json.Unmarshal(raw[1], &uniqueID); err != nil {
		return ""
	}
	return uniqueID
}

// EncodeCall builds a station-bound request frame.
func EncodeCall(uniqueID string, action ocpp16.Action, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{ocpp16.Call, uniqueID, action, payload})
}

// EncodeCallResult builds a response frame to a station-initiated Call.
func EncodeCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{ocpp16.CallResult, uniqueID, payload})
}

// EncodeCallError builds an error response to a station-initiated Call.
func EncodeCallError(uniqueID string, code ErrorCode, description string, details interface{}) ([]byte, error) {
	if details == nil {
		details = struct{}{}
	}
	return json.Marshal([]interface{}{ocpp16.CallError, uniqueID, code, description, details})
}

// MalformedFrameTracker counts malformed frames within a sliding
// window, so a session can close a connection that sends junk
// repeatedly rather than letting one bad actor hold a socket open.
type MalformedFrameTracker struct {
	window    time.Duration
	threshold int
	seen      []time.Time
}

// NewMalformedFrameTracker builds a tracker that trips once threshold
// malformed frames land within window.
func NewMalformedFrameTracker(threshold int, window time.Duration) *MalformedFrameTracker {
	return &MalformedFrameTracker{window: window, threshold: threshold}
}

// Record notes a malformed frame at now and reports whether the
// threshold has been reached.
func (t *MalformedFrameTracker) Record(now time.Time) bool {
	cutoff := now.Add(-t.window)
	live := t.seen[:0]
	for _, ts := range t.seen {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	t.seen = append(live, now)
	return len(t.seen) >= t.threshold
}
