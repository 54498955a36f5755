// Package websocket implements the OCPP WebSocket transport: it
// upgrades inbound connections, enforces the negotiated subprotocol,
// and hands each connection to its own ocpp/session.Session actor
// registered with the Station Registry.
//
// Adapted from the teacher's internal/transport/websocket.Manager /
// ConnectionWrapper — the upgrade-then-per-connection-goroutine shape
// and idle/ping housekeeping are kept; the teacher's
// gateway.MessageDispatcher indirection and connection.Connection
// metadata struct are dropped in favor of session.Session owning its
// own frame handling, and registry.Registry owning connection-epoch
// bookkeeping instead of a plain map.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/chargeplatform/control-plane/internal/dataaccess"
	"github.com/chargeplatform/control-plane/internal/lifecycle"
	"github.com/chargeplatform/control-plane/internal/metrics"
	ocppsession "github.com/chargeplatform/control-plane/internal/ocpp/session"
	"github.com/chargeplatform/control-plane/internal/registry"
	"github.com/chargeplatform/control-plane/internal/router"
)

const subprotocol = "ocpp1.6"

// Config configures connection limits and socket housekeeping for the
// WebSocket transport.
type Config struct {
	ReadBufferSize    int
	WriteBufferSize   int
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	MaxMessageSize    int64
	EnableCompression bool
	MaxConnectionsPerProcess int
	CheckOrigin       bool
	AllowedOrigins    []string
}

// DefaultConfig mirrors the teacher's DefaultConfig defaults, trimmed
// to the fields this Manager still uses.
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:           4096,
		WriteBufferSize:          4096,
		HandshakeTimeout:         10 * time.Second,
		ReadTimeout:              90 * time.Second,
		WriteTimeout:             10 * time.Second,
		PingInterval:             30 * time.Second,
		MaxMessageSize:           1 << 20,
		EnableCompression:        false,
		MaxConnectionsPerProcess: 5000,
		CheckOrigin:              false,
	}
}

// Manager upgrades incoming requests to WebSocket connections, builds
// one ocpp/session.Session per station, and runs it until the socket
// closes.
type Manager struct {
	cfg      *Config
	upgrader *websocket.Upgrader

	registry   *registry.Registry
	router     *router.Router
	da         dataaccess.Gateway
	engine     *lifecycle.Engine
	sessionCfg ocppsession.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a Manager. sessionCfg configures every Session it
// creates (call timeout, heartbeat interval, reject/malformed
// thresholds).
func NewManager(cfg *Config, reg *registry.Registry, rtr *router.Router, da dataaccess.Gateway, engine *lifecycle.Engine, sessionCfg ocppsession.Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())

	upgrader := &websocket.Upgrader{
		ReadBufferSize:    cfg.ReadBufferSize,
		WriteBufferSize:   cfg.WriteBufferSize,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		EnableCompression: cfg.EnableCompression,
		Subprotocols:      []string{subprotocol},
		CheckOrigin: func(r *http.Request) bool {
			if !cfg.CheckOrigin {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range cfg.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return len(cfg.AllowedOrigins) == 0
		},
	}

	return &Manager{
		cfg:        cfg,
		upgrader:   upgrader,
		registry:   reg,
		router:     rtr,
		da:         da,
		engine:     engine,
		sessionCfg: sessionCfg,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ServeWS upgrades the request for stationID and drives its Session
// until disconnect. Mounted by cmd/gateway at `/ws/{station_id}`.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request, stationID string) {
	if stationID == "" {
		http.Error(w, "station id is required", http.StatusBadRequest)
		return
	}
	if m.registry.LocalCount() >= m.cfg.MaxConnectionsPerProcess {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("station_id", stationID).Msg("websocket: upgrade failed")
		return
	}

	transport := &wsTransport{conn: conn, writeTimeout: m.cfg.WriteTimeout}
	conn.SetReadLimit(m.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		return nil
	})

	sub := m.router.Subscribe(m.ctx, stationID)
	sess := ocppsession.New(stationID, transport, m.da, m.engine, sub, m.sessionCfg)

	epoch, err := m.registry.Connect(m.ctx, stationID, sess)
	if err != nil {
		log.Warn().Err(err).Str("station_id", stationID).Msg("websocket: failed to register station in registry")
	}
	metrics.ActiveConnections.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer metrics.ActiveConnections.Dec()
		defer m.registry.Disconnect(context.Background(), stationID, epoch)

		ctx, cancel := context.WithCancel(m.ctx)
		defer cancel()

		go m.pingLoop(ctx, transport, sess)
		go func() {
			defer cancel()
			m.readLoop(conn, sess, stationID)
		}()

		sess.Run(ctx)
	}()
}

func (m *Manager) readLoop(conn *websocket.Conn, sess *ocppsession.Session, stationID string) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("station_id", stationID).Msg("websocket: unexpected close")
			}
			sess.Close()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		metrics.MessagesReceived.WithLabelValues("1.6", "frame").Inc()
		sess.Deliver(data)
	}
}

func (m *Manager) pingLoop(ctx context.Context, transport *wsTransport, sess *ocppsession.Session) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := transport.Ping(); err != nil {
				log.Warn().Err(err).Str("station_id", sess.StationID()).Msg("websocket: ping failed")
				sess.Close()
				return
			}
			if err := m.registry.Refresh(ctx, sess.StationID()); err != nil {
				log.Warn().Err(err).Str("station_id", sess.StationID()).Msg("websocket: failed to refresh registry entry")
			}
		}
	}
}

// Shutdown cancels every in-flight connection's context, letting each
// Session's own Close path run, and waits for their goroutines to
// drain or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleHealthCheck reports process-local connection count; cmd/gateway
// mounts it at /health for external load balancer probes.
func (m *Manager) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":           "healthy",
		"local_connections": m.registry.LocalCount(),
	})
}

// wsTransport adapts *websocket.Conn to ocpp/session.Transport,
// serializing writes (application frames and pings share one
// connection and gorilla/websocket permits only one writer at a time).
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
