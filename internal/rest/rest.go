// Package rest implements the REST Surface: a thin JSON translation
// layer in front of the Charging Lifecycle Engine and Payment Provider
// Adapter. It never contains business logic — every handler decodes a
// request, calls one engine/service method, and translates the result.
//
// Grounded on PavolRusnak-OCPP-Power-Manager/internal/ocpp/server.go's
// chi usage (go-chi/chi/v5), the only pack repo routing an HTTP API
// next to an OCPP stack, and on the teacher's
// internal/domain/validation.Validator for request validation
// (go-playground/validator/v10).
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/chargeplatform/control-plane/internal/apperr"
	"github.com/chargeplatform/control-plane/internal/dataaccess"
	"github.com/chargeplatform/control-plane/internal/domain/billing"
	"github.com/chargeplatform/control-plane/internal/lifecycle"
	"github.com/chargeplatform/control-plane/internal/payment"
)

// requestTimeout bounds every REST handler's wall clock, per spec.md
// §5: exceeding it returns 504. The Lifecycle Engine's own StartCharge
// compensates its reservation on any downstream failure, including a
// context cancellation propagated from this timeout, so no additional
// compensation step is needed here.
const requestTimeout = 60 * time.Second

const maxWebhookBody = 1 << 20 // 1MiB

// Server wires the REST Surface's dependencies: the Lifecycle Engine
// for charging operations, the Payment Service for top-ups and
// webhooks, and the Data-Access Gateway for read-only snapshots and
// Idempotency-Key bookkeeping.
type Server struct {
	engine   *lifecycle.Engine
	payments *payment.Service
	da       dataaccess.Gateway
	validate *validator.Validate
}

// New builds a Server. Call Router to obtain its http.Handler.
func New(engine *lifecycle.Engine, payments *payment.Service, da dataaccess.Gateway) *Server {
	return &Server{engine: engine, payments: payments, da: da, validate: validator.New()}
}

// Router builds the chi mux for the REST Surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withTimeout)

	r.Route("/charging", func(r chi.Router) {
		r.Post("/start", idempotent(s.da, "/charging/start", s.handleStartCharge))
		r.Post("/stop", idempotent(s.da, "/charging/stop", s.handleStopCharge))
		r.Get("/{sessionID}", s.handleGetSession)
	})

	r.Route("/balance", func(r chi.Router) {
		r.Post("/topup", idempotent(s.da, "/balance/topup", s.handleTopUp))
	})

	r.Post("/payment/webhook", s.handleWebhook)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

func withTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type startChargeRequest struct {
	ClientID    string  `json:"client_id" validate:"required"`
	StationID   string  `json:"station_id" validate:"required"`
	ConnectorID int     `json:"connector_id" validate:"required,gt=0"`
	LimitKind   string  `json:"limit_kind" validate:"required,oneof=energy amount"`
	LimitValue  float64 `json:"limit_value" validate:"required,gt=0"`
}

func (s *Server) handleStartCharge(w http.ResponseWriter, r *http.Request) {
	var req startChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidArgument, "decode request body", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidArgument, "validate request", err))
		return
	}

	sessionID, err := s.engine.StartCharge(r.Context(), req.ClientID, req.StationID, req.ConnectorID, billing.LimitKind(req.LimitKind), req.LimitValue)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

type stopChargeRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	Actor     string `json:"actor"`
}

func (s *Server) handleStopCharge(w http.ResponseWriter, r *http.Request) {
	var req stopChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidArgument, "decode request body", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidArgument, "validate request", err))
		return
	}

	actor := req.Actor
	if actor == "" {
		actor = "client"
	}
	session, err := s.engine.StopCharge(r.Context(), req.SessionID, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := s.da.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type topUpRequest struct {
	ClientID string `json:"client_id" validate:"required"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidArgument, "decode request body", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidArgument, "validate request", err))
		return
	}

	inv, err := s.payments.CreateTopUp(r.Context(), req.ClientID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// handleWebhook accepts the provider's payload verbatim and verifies its
// signature inside payment.Service.HandleWebhook. A non-2xx response
// tells the provider to retry delivery, per spec.md §6.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxWebhookBody)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidArgument, "read webhook body", err))
		return
	}

	if err := s.payments.HandleWebhook(r.Context(), body, r.Header); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
