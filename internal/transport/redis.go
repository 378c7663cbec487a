package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is the production Adapter, backed by Redis pub/sub for messaging and
// Redis strings with PX expiry for the TTL key-value store.
type Redis struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redisSubscription

	connected sync.Map // presence key "" -> bool, set by the startup probe and by each Publish/KV call
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	handlers []Handler
	cancel   context.CancelFunc
}

// RedisOptions configures a Redis-backed adapter.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis dials addr and returns a ready-to-use adapter. Dial failures are
// not fatal here; IsConnected reflects the live state and callers decide how
// to react (the registry's readiness check reports not-ready while it is
// false).
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	r := &Redis{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}
	r.connected.Store("", false)
	r.probe(context.Background())
	return r
}

func (r *Redis) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := r.client.Ping(pingCtx).Err()
	r.connected.Store("", err == nil)
}

// Subscribe opens a Redis pub/sub subscription for channel, adding handler to
// any subscription already open on that channel.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler Handler, ready ReadyFunc) error {
	r.mu.Lock()
	sub, exists := r.subs[channel]
	if !exists {
		subCtx, cancel := context.WithCancel(context.Background())
		pubsub := r.client.Subscribe(subCtx, channel)
		sub = &redisSubscription{pubsub: pubsub, cancel: cancel}
		r.subs[channel] = sub
	}
	sub.handlers = append(sub.handlers, handler)
	r.mu.Unlock()

	if _, err := sub.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %q: %w", channel, err)
	}

	if !exists {
		go r.dispatch(channel, sub)
	}
	if ready != nil {
		ready()
	}
	return nil
}

func (r *Redis) dispatch(channel string, sub *redisSubscription) {
	ch := sub.pubsub.Channel()
	for msg := range ch {
		r.mu.Lock()
		handlers := append([]Handler(nil), sub.handlers...)
		r.mu.Unlock()
		for _, h := range handlers {
			h(channel, []byte(msg.Payload))
		}
	}
}

// Unsubscribe drops handler from channel. When it was the last handler, the
// underlying Redis subscription is closed.
func (r *Redis) Unsubscribe(channel string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[channel]
	if !ok {
		return nil
	}
	kept := sub.handlers[:0]
	for _, h := range sub.handlers {
		if sameHandler(h, handler) {
			continue
		}
		kept = append(kept, h)
	}
	sub.handlers = kept
	if len(sub.handlers) == 0 {
		sub.cancel()
		_ = sub.pubsub.Close()
		delete(r.subs, channel)
	}
	return nil
}

// Publish fire-and-forgets payload on channel.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		r.connected.Store("", false)
		return fmt.Errorf("publish to %q: %w", channel, err)
	}
	r.connected.Store("", true)
	return nil
}

// SetWithTTL stores value under key with millisecond expiry precision.
func (r *Redis) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.connected.Store("", false)
		return fmt.Errorf("set %q: %w", key, err)
	}
	r.connected.Store("", true)
	return nil
}

// Get retrieves key, translating redis.Nil into ErrKeyNotFound.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		r.connected.Store("", false)
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	r.connected.Store("", true)
	return value, nil
}

// Del deletes zero or more keys.
func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.connected.Store("", false)
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Scan walks the keyspace with SCAN and a MATCH glob, avoiding KEYS' O(n)
// blocking behaviour against a live fleet.
func (r *Redis) Scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		result []string
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			r.connected.Store("", false)
			return nil, fmt.Errorf("scan %q*: %w", prefix, err)
		}
		result = append(result, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	r.connected.Store("", true)
	return result, nil
}

// IsConnected reports the last observed health of the connection, refreshed
// opportunistically by every Publish/Get/Set/Scan call.
func (r *Redis) IsConnected() bool {
	value, _ := r.connected.Load("")
	ok, _ := value.(bool)
	return ok
}

// Close releases every open subscription and the underlying client.
func (r *Redis) Close() error {
	r.mu.Lock()
	for channel, sub := range r.subs {
		sub.cancel()
		_ = sub.pubsub.Close()
		delete(r.subs, channel)
	}
	r.mu.Unlock()
	return r.client.Close()
}
