// Package registry implements the Station Registry: a local map of
// station id to the actor handle owning its socket, mirrored in the
// Cache/Bus so other processes can tell a station is connected
// somewhere even when they don't own the connection.
//
// Adapted from internal/storage.RedisStorage, generalized from a
// single connection-id mapping into add/mirror/delete/local-first
// lookup.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chargeplatform/control-plane/internal/bus"
)

const connectedStationsSet = "connected_stations"

func busKey(stationID string) string {
	return fmt.Sprintf("station:conn:%s", stationID)
}

// Handle is the local interface a Registry tracks per station — in
// practice an *ocppsession.Session, kept generic here to avoid an
// import cycle.
type Handle interface {
	StationID() string
}

type localEntry struct {
	handle Handle
	epoch  uint64
}

// Registry is the Station Registry: a local map plus a bus mirror.
type Registry struct {
	bus      bus.Bus
	podID    string
	ttl      time.Duration
	mu       sync.RWMutex
	local    map[string]localEntry
	nextEpoch uint64
}

// New builds a Registry mirroring connections into bus under podID,
// with per-station keys expiring after ttl (cmd/gateway passes 2x the
// heartbeat interval plus a 30s grace).
func New(b bus.Bus, podID string, ttl time.Duration) *Registry {
	return &Registry{
		bus:   b,
		podID: podID,
		ttl:   ttl,
		local: make(map[string]localEntry),
	}
}

// Connect registers handle as the local owner of stationID and mirrors
// ownership into the bus. Returns the connection epoch, which callers
// use to detect a stale reconnect racing a disconnect.
func (r *Registry) Connect(ctx context.Context, stationID string, handle Handle) (uint64, error) {
	r.mu.Lock()
	r.nextEpoch++
	epoch := r.nextEpoch
	r.local[stationID] = localEntry{handle: handle, epoch: epoch}
	r.mu.Unlock()

	if err := r.bus.Set(ctx, busKey(stationID), r.podID, r.ttl); err != nil {
		log.Error().Err(err).Str("station_id", stationID).Msg("registry: failed to mirror connection in bus")
		return epoch, err
	}
	if err := r.bus.SAdd(ctx, connectedStationsSet, stationID); err != nil {
		log.Error().Err(err).Str("station_id", stationID).Msg("registry: failed to add to connected set")
	}
	return epoch, nil
}

// Disconnect removes the local entry for stationID if it still matches
// epoch (guards against a disconnect racing a newer reconnect) and
// deletes the bus mirror.
func (r *Registry) Disconnect(ctx context.Context, stationID string, epoch uint64) {
	r.mu.Lock()
	if e, ok := r.local[stationID]; ok && e.epoch == epoch {
		delete(r.local, stationID)
	}
	r.mu.Unlock()

	if err := r.bus.Delete(ctx, busKey(stationID)); err != nil {
		log.Error().Err(err).Str("station_id", stationID).Msg("registry: failed to clear bus mirror")
	}
	if err := r.bus.SRem(ctx, connectedStationsSet, stationID); err != nil {
		log.Error().Err(err).Str("station_id", stationID).Msg("registry: failed to remove from connected set")
	}
}

// Lookup returns the locally owned handle for stationID. A missing
// entry means this process does not own the socket — callers must
// consult the bus mirror (Owner) to find which process does.
func (r *Registry) Lookup(stationID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.local[stationID]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Owner returns the pod id that owns stationID's socket per the bus
// mirror, or bus.ErrNotFound if no process currently owns it.
func (r *Registry) Owner(ctx context.Context, stationID string) (string, error) {
	return r.bus.Get(ctx, busKey(stationID))
}

// Refresh renews the bus TTL for a still-connected station; the
// WebSocket Manager calls it on each ping tick while the socket is open.
func (r *Registry) Refresh(ctx context.Context, stationID string) error {
	return r.bus.Set(ctx, busKey(stationID), r.podID, r.ttl)
}

// LocalCount returns the number of stations this process currently
// owns, used to enforce max_sockets_per_process.
func (r *Registry) LocalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local)
}
