package rest

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/chargeplatform/control-plane/internal/apperr"
)

// errorBody is the JSON shape every failed request gets back, independent
// of transport (REST here; codec.ErrorCodeFor plays the same role for
// OCPP CallError frames).
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an apperr.Kind to the HTTP status a REST client should
// see, mirroring codec.ErrorCodeFor's role at the OCPP transport boundary.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.InvalidArgument:
		return http.StatusBadRequest
	case apperr.Unauthenticated:
		return http.StatusUnauthorized
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.NotImplemented:
		return http.StatusNotImplemented
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.InsufficientFunds:
		return http.StatusConflict
	case apperr.StationUnavailable:
		return http.StatusServiceUnavailable
	case apperr.ProviderFailure:
		return http.StatusBadGateway
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("kind", string(kind)).Msg("rest: request failed")
	}
	writeJSON(w, status, errorBody{Code: string(kind), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("rest: failed to encode response body")
	}
}
