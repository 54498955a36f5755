// Package bus implements the Cache/Bus: a key-value cache with TTLs,
// pub/sub channels, and distributed locks backed by Redis. It
// generalizes the gateway's original single-purpose connection-mapping
// store into the contract the Station Registry, Command Router, and
// Reconciler all depend on.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/chargeplatform/control-plane/internal/config"
)

// ErrNotFound is returned by Get when the key does not exist, mirroring
// the teacher's explicit redis.Nil passthrough in ConnectionStorage.
var ErrNotFound = errors.New("bus: key not found")

// Bus is the Cache/Bus contract. It is satisfied by *RedisBus in
// production and by an in-memory fake in tests.
type Bus interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	SAdd(ctx context.Context, set, member string) error
	SRem(ctx context.Context, set, member string) error
	SMembers(ctx context.Context, set string) ([]string, error)

	Publish(ctx context.Context, topic string, payload string) error
	Subscribe(ctx context.Context, topic string) Subscription

	// AcquireLock attempts to take a named lock with the given TTL,
	// returning a token to pass to Renew/Release, or ok=false if held
	// by someone else.
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	RenewLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, token string) error

	Close() error
}

// Subscription delivers messages for one topic until Close is called.
type Subscription interface {
	Channel() <-chan string
	Close() error
}

// RedisBus is the production Bus, backed by go-redis/v8.
type RedisBus struct {
	Client *redis.Client
}

// NewRedisBus dials Redis per cfg and verifies connectivity, following
// the teacher's RedisStorage constructor.
func NewRedisBus(cfg config.RedisConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return &RedisBus{Client: client}, nil
}

func (b *RedisBus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.Client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBus) Get(ctx context.Context, key string) (string, error) {
	val, err := b.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (b *RedisBus) Delete(ctx context.Context, key string) error {
	return b.Client.Del(ctx, key).Err()
}

func (b *RedisBus) SAdd(ctx context.Context, set, member string) error {
	return b.Client.SAdd(ctx, set, member).Err()
}

func (b *RedisBus) SRem(ctx context.Context, set, member string) error {
	return b.Client.SRem(ctx, set, member).Err()
}

func (b *RedisBus) SMembers(ctx context.Context, set string) ([]string, error) {
	return b.Client.SMembers(ctx, set).Result()
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload string) error {
	return b.Client.Publish(ctx, topic, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) Subscription {
	pubsub := b.Client.Subscribe(ctx, topic)
	out := make(chan string, 256)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for msg := range ch {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &redisSubscription{pubsub: pubsub, ch: out}
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan string
}

func (s *redisSubscription) Channel() <-chan string { return s.ch }
func (s *redisSubscription) Close() error           { return s.pubsub.Close() }

const lockKeyPrefix = "lock:"

// AcquireLock implements the classic SET NX PX pattern with a random
// token, so only the holder can renew or release.
func (b *RedisBus) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := b.Client.SetNX(ctx, lockKeyPrefix+name, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

func (b *RedisBus) RenewLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, b.Client, []string{lockKeyPrefix + name}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

func (b *RedisBus) ReleaseLock(ctx context.Context, name, token string) error {
	return releaseScript.Run(ctx, b.Client, []string{lockKeyPrefix + name}, token).Err()
}

func (b *RedisBus) Close() error {
	return b.Client.Close()
}
