package dataaccess

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/chargeplatform/control-plane/internal/apperr"
	"github.com/chargeplatform/control-plane/internal/config"
	"github.com/chargeplatform/control-plane/internal/domain/billing"
	"github.com/chargeplatform/control-plane/internal/domain/station"
)

// Postgres is the production Gateway, backed by a pgxpool connection
// pool. Pool sizing follows PavolRusnak-OCPP-Power-Manager's
// SetMaxOpenConns/SetMaxIdleConns idiom, expressed through pgxpool's
// own Config.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open builds a connection pool per cfg and verifies connectivity.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) GetClient(ctx context.Context, clientID string) (*billing.Client, error) {
	var c billing.Client
	err := p.pool.QueryRow(ctx,
		`SELECT id, balance, currency FROM clients WHERE id = $1`, clientID,
	).Scan(&c.ID, &c.Balance, &c.Currency)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "client not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get client", err)
	}
	return &c, nil
}

func (p *Postgres) DebitIfSufficient(ctx context.Context, clientID string, amount int64) (int64, bool, error) {
	var balance int64
	err := p.pool.QueryRow(ctx,
		`UPDATE clients SET balance = balance - $1 WHERE id = $2 AND balance >= $1 RETURNING balance`,
		amount, clientID,
	).Scan(&balance)
	if err == pgx.ErrNoRows {
		cur, gerr := p.GetClient(ctx, clientID)
		if gerr != nil {
			return 0, false, gerr
		}
		return cur.Balance, false, nil
	}
	if err != nil {
		return 0, false, apperr.Wrap(apperr.Internal, "debit client", err)
	}
	return balance, true, nil
}

func (p *Postgres) Credit(ctx context.Context, clientID string, amount int64) (int64, error) {
	var balance int64
	err := p.pool.QueryRow(ctx,
		`UPDATE clients SET balance = balance + $1 WHERE id = $2 RETURNING balance`,
		amount, clientID,
	).Scan(&balance)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "credit client", err)
	}
	return balance, nil
}

func (p *Postgres) GetStation(ctx context.Context, stationID string) (*station.Station, error) {
	var s station.Station
	err := p.pool.QueryRow(ctx,
		`SELECT id, location_id, vendor, model, status, last_seen_at FROM stations WHERE id = $1`, stationID,
	).Scan(&s.ID, &s.LocationID, &s.Vendor, &s.Model, &s.Status, &s.LastSeenAt)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "station not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get station", err)
	}
	return &s, nil
}

func (p *Postgres) UpsertStationSeen(ctx context.Context, st station.Station) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO stations (id, location_id, vendor, model, status, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			vendor = EXCLUDED.vendor,
			model = EXCLUDED.model,
			status = EXCLUDED.status,
			last_seen_at = EXCLUDED.last_seen_at
	`, st.ID, st.LocationID, st.Vendor, st.Model, st.Status, st.LastSeenAt)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "upsert station", err)
	}
	return nil
}

func (p *Postgres) UpdateStationStatus(ctx context.Context, stationID string, status station.Status, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE stations SET status = $1, last_seen_at = $2 WHERE id = $3`, status, at, stationID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "update station status", err)
	}
	return nil
}

func (p *Postgres) ListStationsHeartbeatBefore(ctx context.Context, cutoff time.Time) ([]station.Station, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, location_id, vendor, model, status, last_seen_at FROM stations WHERE last_seen_at < $1 AND status != $2`,
		cutoff, station.StatusOffline)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list stale stations", err)
	}
	defer rows.Close()
	var out []station.Station
	for rows.Next() {
		var s station.Station
		if err := rows.Scan(&s.ID, &s.LocationID, &s.Vendor, &s.Model, &s.Status, &s.LastSeenAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan station", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetConnector(ctx context.Context, stationID string, connectorID int) (*station.Connector, error) {
	var c station.Connector
	err := p.pool.QueryRow(ctx,
		`SELECT station_id, connector_id, status, updated_at FROM connectors WHERE station_id = $1 AND connector_id = $2`,
		stationID, connectorID,
	).Scan(&c.StationID, &c.ConnectorID, &c.Status, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "connector not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get connector", err)
	}
	return &c, nil
}

func (p *Postgres) UpsertConnectorStatus(ctx context.Context, stationID string, connectorID int, status station.ConnectorStatus, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO connectors (station_id, connector_id, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (station_id, connector_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`, stationID, connectorID, status, at)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "upsert connector status", err)
	}
	return nil
}

func (p *Postgres) EffectiveTariff(ctx context.Context, stationID string, at time.Time, fallbackPricePerKWh float64, fallbackCurrency string) (billing.TariffRule, error) {
	var r billing.TariffRule
	err := p.pool.QueryRow(ctx, `
		SELECT id, station_id, price_per_kwh, currency, effective_from, effective_to
		FROM tariff_rules
		WHERE (station_id = $1 OR station_id = '') AND effective_from <= $2
		  AND (effective_to IS NULL OR effective_to > $2)
		ORDER BY (station_id = $1) DESC, effective_from DESC
		LIMIT 1
	`, stationID, at).Scan(&r.ID, &r.StationID, &r.PricePerKWh, &r.Currency, &r.EffectiveFrom, &r.EffectiveTo)
	if err == pgx.ErrNoRows {
		return billing.TariffRule{
			StationID:     "",
			PricePerKWh:   fallbackPricePerKWh,
			Currency:      fallbackCurrency,
			EffectiveFrom: time.Unix(0, 0),
		}, nil
	}
	if err != nil {
		return billing.TariffRule{}, apperr.Wrap(apperr.Internal, "resolve tariff", err)
	}
	return r, nil
}

func (p *Postgres) HasActiveSessionForClient(ctx context.Context, clientID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM charging_sessions WHERE client_id = $1 AND status = ANY($2))`,
		clientID, activeStatusStrings()).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "check active session for client", err)
	}
	return exists, nil
}

func (p *Postgres) HasActiveSessionForConnector(ctx context.Context, stationID string, connectorID int) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM charging_sessions WHERE station_id = $1 AND connector_id = $2 AND status = ANY($3))`,
		stationID, connectorID, activeStatusStrings()).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "check active session for connector", err)
	}
	return exists, nil
}

func (p *Postgres) GetActiveSessionForConnector(ctx context.Context, stationID string, connectorID int) (*billing.ChargingSession, error) {
	return p.scanSession(ctx, `SELECT id, client_id, station_id, connector_id, limit_kind, limit_value,
		reserved_amount, id_tag, ocpp_tx_id, meter_start, meter_stop, energy_delivered, amount_charged,
		refund_amount, status, created_at, started_at, stopped_at
		FROM charging_sessions WHERE station_id = $1 AND connector_id = $2 AND status = ANY($3)
		ORDER BY created_at DESC LIMIT 1`, stationID, connectorID, activeStatusStrings())
}

func activeStatusStrings() []string {
	out := make([]string, len(billing.ActiveStatuses))
	for i, s := range billing.ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

// pgUniqueViolation is the Postgres SQLSTATE for a unique constraint
// violation (23505).
const pgUniqueViolation = "23505"

// CreateSession inserts a new session row. The database carries the
// "at most one active session per client" and "at most one active
// session per connector" invariants as partial unique indexes
// (internal/dataaccess/migrations); a losing concurrent StartCharge
// surfaces here as a unique-violation, which is mapped to
// apperr.Conflict so the caller can compensate the reservation instead
// of reading back a phantom success.
func (p *Postgres) CreateSession(ctx context.Context, s *billing.ChargingSession) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO charging_sessions
			(id, client_id, station_id, connector_id, limit_kind, limit_value, reserved_amount, id_tag, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.ClientID, s.StationID, s.ConnectorID, s.LimitKind, s.LimitValue, s.ReservedAmount, s.IDTag, s.Status, s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return apperr.Wrap(apperr.Conflict, "client or connector already has an active session", err)
		}
		return apperr.Wrap(apperr.Internal, "create session", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, sessionID string) (*billing.ChargingSession, error) {
	return p.scanSession(ctx, `SELECT id, client_id, station_id, connector_id, limit_kind, limit_value,
		reserved_amount, id_tag, ocpp_tx_id, meter_start, meter_stop, energy_delivered, amount_charged,
		refund_amount, status, created_at, started_at, stopped_at
		FROM charging_sessions WHERE id = $1`, sessionID)
}

func (p *Postgres) FindStartingSessionByIDTag(ctx context.Context, stationID, idTag string) (*billing.ChargingSession, error) {
	return p.scanSession(ctx, `SELECT id, client_id, station_id, connector_id, limit_kind, limit_value,
		reserved_amount, id_tag, ocpp_tx_id, meter_start, meter_stop, energy_delivered, amount_charged,
		refund_amount, status, created_at, started_at, stopped_at
		FROM charging_sessions WHERE station_id = $1 AND id_tag = $2 AND status = $3`,
		stationID, idTag, billing.SessionStarting)
}

func (p *Postgres) GetSessionByTxID(ctx context.Context, stationID string, txID int) (*billing.ChargingSession, error) {
	return p.scanSession(ctx, `SELECT id, client_id, station_id, connector_id, limit_kind, limit_value,
		reserved_amount, id_tag, ocpp_tx_id, meter_start, meter_stop, energy_delivered, amount_charged,
		refund_amount, status, created_at, started_at, stopped_at
		FROM charging_sessions WHERE station_id = $1 AND ocpp_tx_id = $2`, stationID, txID)
}

func (p *Postgres) scanSession(ctx context.Context, query string, args ...interface{}) (*billing.ChargingSession, error) {
	var s billing.ChargingSession
	err := p.pool.QueryRow(ctx, query, args...).Scan(
		&s.ID, &s.ClientID, &s.StationID, &s.ConnectorID, &s.LimitKind, &s.LimitValue,
		&s.ReservedAmount, &s.IDTag, &s.OcppTxID, &s.MeterStart, &s.MeterStop, &s.EnergyDelivered,
		&s.AmountCharged, &s.RefundAmount, &s.Status, &s.CreatedAt, &s.StartedAt, &s.StoppedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "session not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "scan session", err)
	}
	return &s, nil
}

func (p *Postgres) SetSessionStatus(ctx context.Context, sessionID string, status billing.SessionStatus) error {
	_, err := p.pool.Exec(ctx, `UPDATE charging_sessions SET status = $1 WHERE id = $2`, status, sessionID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "set session status", err)
	}
	return nil
}

func (p *Postgres) BindStartTransaction(ctx context.Context, sessionID string, txID int, meterStart int64, startedAt time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE charging_sessions
		SET status = $1, ocpp_tx_id = $2, meter_start = $3, started_at = $4
		WHERE id = $5 AND status = $6
	`, billing.SessionActive, txID, meterStart, startedAt, sessionID, billing.SessionStarting)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "bind start transaction", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.Conflict, "session not in starting state")
	}
	return nil
}

func (p *Postgres) AppendMeterSample(ctx context.Context, sample billing.OcppMeterSample) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ocpp_meter_samples (session_id, "timestamp", meter_wh, measurand, unit)
		VALUES ($1, $2, $3, $4, $5)
	`, sample.SessionID, sample.Timestamp, sample.MeterWh, sample.Measurand, sample.Unit)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "append meter sample", err)
	}
	return nil
}

func (p *Postgres) LastMeterSample(ctx context.Context, sessionID string) (*billing.OcppMeterSample, error) {
	var s billing.OcppMeterSample
	err := p.pool.QueryRow(ctx, `
		SELECT session_id, "timestamp", meter_wh, measurand, unit
		FROM ocpp_meter_samples WHERE session_id = $1 ORDER BY "timestamp" DESC LIMIT 1
	`, sessionID).Scan(&s.SessionID, &s.Timestamp, &s.MeterWh, &s.Measurand, &s.Unit)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "no meter samples")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "last meter sample", err)
	}
	return &s, nil
}

func (p *Postgres) FinalizeStop(ctx context.Context, sessionID string, meterStop int64, energyDelivered float64, amountCharged, refund int64, stoppedAt time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "begin finalize stop", err)
	}
	defer tx.Rollback(ctx)

	var clientID string
	tag, err := tx.Exec(ctx, `
		UPDATE charging_sessions
		SET status = $1, meter_stop = $2, energy_delivered = $3, amount_charged = $4, refund_amount = $5, stopped_at = $6
		WHERE id = $7 AND status IN ($8, $9)
	`, billing.SessionStopped, meterStop, energyDelivered, amountCharged, refund, stoppedAt,
		sessionID, billing.SessionActive, billing.SessionStopping)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "finalize stop update", err)
	}
	if tag.RowsAffected() == 0 {
		log.Warn().Str("session_id", sessionID).Msg("finalize stop: session not in active/stopping state, skipping")
		return nil
	}

	if err := tx.QueryRow(ctx, `SELECT client_id FROM charging_sessions WHERE id = $1`, sessionID).Scan(&clientID); err != nil {
		return apperr.Wrap(apperr.Internal, "lookup client for stop credit", err)
	}

	if refund > 0 {
		if _, err := tx.Exec(ctx, `UPDATE clients SET balance = balance + $1 WHERE id = $2`, refund, clientID); err != nil {
			return apperr.Wrap(apperr.Internal, "credit refund on stop", err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ExpireHungSession(ctx context.Context, sessionID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "begin expire hung session", err)
	}
	defer tx.Rollback(ctx)

	var clientID string
	var reserved int64
	err = tx.QueryRow(ctx, `
		SELECT client_id, reserved_amount FROM charging_sessions WHERE id = $1 AND status = $2 FOR UPDATE
	`, sessionID, billing.SessionStarting).Scan(&clientID, &reserved)
	if err == pgx.ErrNoRows {
		return nil // already moved on; reconciler safety
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, "lock hung session", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE charging_sessions SET status = $1, refund_amount = $2 WHERE id = $3`,
		billing.SessionExpired, reserved, sessionID); err != nil {
		return apperr.Wrap(apperr.Internal, "mark session expired", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE clients SET balance = balance + $1 WHERE id = $2`, reserved, clientID); err != nil {
		return apperr.Wrap(apperr.Internal, "refund hung session", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ForceFailSession(ctx context.Context, sessionID string, refund int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "begin force fail", err)
	}
	defer tx.Rollback(ctx)

	var clientID string
	tag, err := tx.Exec(ctx, `UPDATE charging_sessions SET status = $1, refund_amount = $2 WHERE id = $3 AND status = $4`,
		billing.SessionFailed, refund, sessionID, billing.SessionActive)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "mark session failed", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if err := tx.QueryRow(ctx, `SELECT client_id FROM charging_sessions WHERE id = $1`, sessionID).Scan(&clientID); err != nil {
		return apperr.Wrap(apperr.Internal, "lookup client for force fail", err)
	}
	if refund > 0 {
		if _, err := tx.Exec(ctx, `UPDATE clients SET balance = balance + $1 WHERE id = $2`, refund, clientID); err != nil {
			return apperr.Wrap(apperr.Internal, "refund force fail", err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ListHungStartingSessions(ctx context.Context, createdBefore time.Time) ([]billing.ChargingSession, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, client_id, station_id, connector_id, reserved_amount, status, created_at
		FROM charging_sessions WHERE status = $1 AND ocpp_tx_id IS NULL AND created_at < $2
	`, billing.SessionStarting, createdBefore)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list hung starting sessions", err)
	}
	defer rows.Close()
	var out []billing.ChargingSession
	for rows.Next() {
		var s billing.ChargingSession
		if err := rows.Scan(&s.ID, &s.ClientID, &s.StationID, &s.ConnectorID, &s.ReservedAmount, &s.Status, &s.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan hung session", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListLongRunningActiveSessions(ctx context.Context, createdBefore time.Time) ([]billing.ChargingSession, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, client_id, station_id, connector_id, reserved_amount, ocpp_tx_id, status, created_at
		FROM charging_sessions WHERE status = $1 AND created_at < $2
	`, billing.SessionActive, createdBefore)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list long-running sessions", err)
	}
	defer rows.Close()
	var out []billing.ChargingSession
	for rows.Next() {
		var s billing.ChargingSession
		if err := rows.Scan(&s.ID, &s.ClientID, &s.StationID, &s.ConnectorID, &s.ReservedAmount, &s.OcppTxID, &s.Status, &s.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan long-running session", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO top_ups (id, client_id, provider_order_id, provider_kind, amount_requested, status, qr_payload, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, inv.ID, inv.ClientID, inv.ProviderOrderID, inv.ProviderKind, inv.AmountRequested, inv.Status, inv.QRPayload, inv.CreatedAt, inv.ExpiresAt)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "create invoice", err)
	}
	return nil
}

func (p *Postgres) GetInvoiceByProviderOrderID(ctx context.Context, providerOrderID string) (*billing.Invoice, error) {
	var inv billing.Invoice
	err := p.pool.QueryRow(ctx, `
		SELECT id, client_id, provider_order_id, provider_kind, amount_requested, amount_paid, status, qr_payload, created_at, expires_at, paid_at
		FROM top_ups WHERE provider_order_id = $1
	`, providerOrderID).Scan(&inv.ID, &inv.ClientID, &inv.ProviderOrderID, &inv.ProviderKind, &inv.AmountRequested,
		&inv.AmountPaid, &inv.Status, &inv.QRPayload, &inv.CreatedAt, &inv.ExpiresAt, &inv.PaidAt)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "invoice not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get invoice", err)
	}
	return &inv, nil
}

func (p *Postgres) ApproveInvoice(ctx context.Context, providerOrderID string, paidAmount int64, paidAt time.Time) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "begin approve invoice", err)
	}
	defer tx.Rollback(ctx)

	var clientID string
	var status billing.InvoiceStatus
	err = tx.QueryRow(ctx, `
		SELECT client_id, status FROM top_ups WHERE provider_order_id = $1 FOR UPDATE
	`, providerOrderID).Scan(&clientID, &status)
	if err == pgx.ErrNoRows {
		return false, apperr.New(apperr.NotFound, "invoice not found")
	}
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "lock invoice", err)
	}
	if status == billing.InvoiceApproved {
		return false, nil // webhook idempotency: already credited
	}

	if _, err := tx.Exec(ctx, `
		UPDATE top_ups SET status = $1, amount_paid = $2, paid_at = $3 WHERE provider_order_id = $4
	`, billing.InvoiceApproved, paidAmount, paidAt, providerOrderID); err != nil {
		return false, apperr.Wrap(apperr.Internal, "approve invoice", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE clients SET balance = balance + $1 WHERE id = $2`, paidAmount, clientID); err != nil {
		return false, apperr.Wrap(apperr.Internal, "credit invoice", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, apperr.Wrap(apperr.Internal, "commit approve invoice", err)
	}
	return true, nil
}

func (p *Postgres) ExpirePendingInvoices(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE top_ups SET status = $1 WHERE status = $2 AND expires_at < $3
	`, billing.InvoiceExpired, billing.InvoicePending, cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "expire pending invoices", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) GetIdempotencyRecord(ctx context.Context, key, endpoint string) (*billing.IdempotencyRecord, error) {
	var rec billing.IdempotencyRecord
	err := p.pool.QueryRow(ctx, `
		SELECT key, endpoint, client_id, response_status, response_body, created_at
		FROM idempotency_records WHERE key = $1 AND endpoint = $2
	`, key, endpoint).Scan(&rec.Key, &rec.Endpoint, &rec.ClientID, &rec.ResponseStatus, &rec.ResponseBody, &rec.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get idempotency record", err)
	}
	return &rec, nil
}

func (p *Postgres) SaveIdempotencyRecord(ctx context.Context, rec billing.IdempotencyRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO idempotency_records (key, endpoint, client_id, response_status, response_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key, endpoint) DO NOTHING
	`, rec.Key, rec.Endpoint, rec.ClientID, rec.ResponseStatus, rec.ResponseBody, rec.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "save idempotency record", err)
	}
	return nil
}
