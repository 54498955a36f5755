// Package router implements the Command Router: REST- and
// Lifecycle-Engine-initiated commands reach the station that owns a
// WebSocket connection by publishing onto a per-station Cache/Bus
// topic. Delivery is at-least-once; the Session Handler on the
// receiving end deduplicates by nonce.
//
// No direct teacher analogue — the teacher routes remote commands
// through a Kafka consumer (internal/message/kafka_consumer.go).
// spec.md §4.4 calls for the Cache/Bus instead, so this re-platforms
// the teacher's consume-loop-dispatch shape onto go-redis/v8 pub/sub.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/chargeplatform/control-plane/internal/bus"
)

// Command is a single outbound instruction for a station, identified
// by a monotonically increasing per-station nonce for dedup.
type Command struct {
	Nonce         uint64      `json:"nonce"`
	Action        string      `json:"action"`
	Payload       interface{} `json:"payload"`
	CorrelationID string      `json:"correlation_id"`
}

func topic(stationID string) string {
	return fmt.Sprintf("commands:%s", stationID)
}

// Router publishes commands onto per-station bus topics and hands back
// a stream for the station's actor to subscribe to.
type Router struct {
	bus    bus.Bus
	nonces nonceCounters
}

// New builds a Router over b.
func New(b bus.Bus) *Router {
	return &Router{bus: b}
}

// Publish sends cmd to stationID's topic, assigning the next nonce for
// that station. It does not report whether any subscriber was present:
// the bus itself doesn't report this, so Router relies on the caller
// (the Lifecycle Engine, via the Station Registry) to have confirmed
// the station is connected before calling Publish; a publish with no
// live subscriber is still accepted by Redis but drops silently, which
// is why StartCharge treats publish failure and registry-absence as
// equally compensable (spec.md §4.4).
func (r *Router) Publish(ctx context.Context, stationID, action string, payload interface{}, correlationID string) (Command, error) {
	cmd := Command{
		Nonce:         r.nonces.next(stationID),
		Action:        action,
		Payload:       payload,
		CorrelationID: correlationID,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return cmd, fmt.Errorf("marshal command: %w", err)
	}
	if err := r.bus.Publish(ctx, topic(stationID), string(data)); err != nil {
		log.Error().Err(err).Str("station_id", stationID).Str("action", action).Msg("router: publish failed")
		return cmd, err
	}
	return cmd, nil
}

// Subscription wraps bus.Subscription, decoding payloads back into
// Command values for the Session Handler.
type Subscription struct {
	sub bus.Subscription
	out chan Command
}

func (s *Subscription) Commands() <-chan Command { return s.out }
func (s *Subscription) Close() error             { return s.sub.Close() }

// Subscribe returns the command stream for stationID. Called once by
// the station's actor on connect.
func (r *Router) Subscribe(ctx context.Context, stationID string) *Subscription {
	sub := r.bus.Subscribe(ctx, topic(stationID))
	out := make(chan Command, 64)
	go func() {
		defer close(out)
		for payload := range sub.Channel() {
			var cmd Command
			if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
				log.Error().Err(err).Str("station_id", stationID).Msg("router: failed to decode command")
				continue
			}
			select {
			case out <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &Subscription{sub: sub, out: out}
}

// nonceCounters hands out monotonically increasing nonces per station.
type nonceCounters struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

func (n *nonceCounters) next(stationID string) uint64 {
	n.mu.Lock()
	if n.counters == nil {
		n.counters = make(map[string]*atomic.Uint64)
	}
	counter, ok := n.counters[stationID]
	if !ok {
		counter = &atomic.Uint64{}
		n.counters[stationID] = counter
	}
	n.mu.Unlock()
	return counter.Add(1)
}
