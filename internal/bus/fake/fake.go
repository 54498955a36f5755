// Package fake provides an in-memory bus.Bus for lifecycle, router,
// and reconciler unit tests, grounded on the teacher's own
// mutex-guarded in-memory maps (internal/business/transaction.Manager,
// internal/storage).
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chargeplatform/control-plane/internal/bus"
)

type entry struct {
	value   string
	expires time.Time
}

// Bus is a single-process, goroutine-safe stand-in for bus.RedisBus.
type Bus struct {
	mu     sync.Mutex
	kv     map[string]entry
	sets   map[string]map[string]struct{}
	locks  map[string]string
	topics map[string][]chan string
}

// New returns an empty fake Bus.
func New() *Bus {
	return &Bus{
		kv:     make(map[string]entry),
		sets:   make(map[string]map[string]struct{}),
		locks:  make(map[string]string),
		topics: make(map[string][]chan string),
	}
}

func (b *Bus) expireLocked(key string) {
	if e, ok := b.kv[key]; ok && !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(b.kv, key)
	}
}

func (b *Bus) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	b.kv[key] = entry{value: value, expires: exp}
	return nil
}

func (b *Bus) Get(_ context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(key)
	e, ok := b.kv[key]
	if !ok {
		return "", bus.ErrNotFound
	}
	return e.value, nil
}

func (b *Bus) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, key)
	return nil
}

func (b *Bus) SAdd(_ context.Context, set, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sets[set] == nil {
		b.sets[set] = make(map[string]struct{})
	}
	b.sets[set][member] = struct{}{}
	return nil
}

func (b *Bus) SRem(_ context.Context, set, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sets[set], member)
	return nil
}

func (b *Bus) SMembers(_ context.Context, set string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sets[set]))
	for m := range b.sets[set] {
		out = append(out, m)
	}
	return out, nil
}

func (b *Bus) Publish(_ context.Context, topic string, payload string) error {
	b.mu.Lock()
	subs := append([]chan string(nil), b.topics[topic]...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

type subscription struct {
	ch   chan string
	stop func()
}

func (s *subscription) Channel() <-chan string { return s.ch }
func (s *subscription) Close() error           { s.stop(); return nil }

func (b *Bus) Subscribe(_ context.Context, topic string) bus.Subscription {
	ch := make(chan string, 256)
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], ch)
	b.mu.Unlock()

	stop := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, c := range subs {
			if c == ch {
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return &subscription{ch: ch, stop: stop}
}

func (b *Bus) AcquireLock(_ context.Context, name string, ttl time.Duration) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked("lock:" + name)
	if _, held := b.locks[name]; held {
		return "", false, nil
	}
	token := uuid.NewString()
	b.locks[name] = token
	exp := time.Now().Add(ttl)
	b.kv["lock:"+name] = entry{value: token, expires: exp}
	return token, true, nil
}

func (b *Bus) RenewLock(_ context.Context, name, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locks[name] != token {
		return false, nil
	}
	b.kv["lock:"+name] = entry{value: token, expires: time.Now().Add(ttl)}
	return true, nil
}

func (b *Bus) ReleaseLock(_ context.Context, name, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locks[name] == token {
		delete(b.locks, name)
		delete(b.kv, "lock:"+name)
	}
	return nil
}

func (b *Bus) Close() error { return nil }
