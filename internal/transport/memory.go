package transport

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"time"
)

type memorySubscription struct {
	handler Handler
	queue   chan []byte
	done    chan struct{}
}

type memoryEntry struct {
	value    []byte
	deadline time.Time
	hasTTL   bool
}

// Memory is an in-process Adapter backed by channels and a TTL-aware map.
// It is the default transport for tests and for single-binary rehearsals of
// the whole fabric (registry + game server + proxy in one process).
type Memory struct {
	mu   sync.RWMutex
	subs map[string][]*memorySubscription

	kvMu sync.Mutex
	kv   map[string]memoryEntry

	closed bool
}

// NewMemory constructs a ready-to-use in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		subs: make(map[string][]*memorySubscription),
		kv:   make(map[string]memoryEntry),
	}
}

// Subscribe registers handler on channel. The readiness callback fires
// synchronously before Subscribe returns, since there is no real network
// round trip to wait for.
func (m *Memory) Subscribe(_ context.Context, channel string, handler Handler, ready ReadyFunc) error {
	sub := &memorySubscription{
		handler: handler,
		queue:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], sub)
	m.mu.Unlock()

	//1.- Deliveries run on their own goroutine so Publish never blocks on a slow handler.
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case payload := <-sub.queue:
				handler(channel, payload)
			}
		}
	}()

	if ready != nil {
		ready()
	}
	return nil
}

// Unsubscribe stops delivery to handler on channel.
func (m *Memory) Unsubscribe(channel string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.subs[channel]
	kept := existing[:0]
	for _, sub := range existing {
		//1.- Funcs are not comparable, so handlers are matched by code pointer;
		// closures built from the same function literal share that pointer and
		// are removed together.
		if sameHandler(sub.handler, handler) {
			close(sub.done)
			continue
		}
		kept = append(kept, sub)
	}
	m.subs[channel] = kept
	return nil
}

func sameHandler(a, b Handler) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// Publish fans payload out to every subscriber of channel without blocking.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	subs := append([]*memorySubscription(nil), m.subs[channel]...)
	m.mu.RUnlock()
	cp := append([]byte(nil), payload...)
	for _, sub := range subs {
		select {
		case sub.queue <- cp:
		default:
			//1.- A full queue means a stalled subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

// SetWithTTL stores value under key with an optional expiry.
func (m *Memory) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.kvMu.Lock()
	defer m.kvMu.Unlock()
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.hasTTL = true
		entry.deadline = time.Now().Add(ttl)
	}
	m.kv[key] = entry
	return nil
}

// Get retrieves the value for key, honouring TTL expiry lazily.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.kvMu.Lock()
	defer m.kvMu.Unlock()
	entry, ok := m.kv[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if entry.hasTTL && time.Now().After(entry.deadline) {
		delete(m.kv, key)
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

// Del removes keys, ignoring ones that do not exist.
func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.kvMu.Lock()
	defer m.kvMu.Unlock()
	for _, key := range keys {
		delete(m.kv, key)
	}
	return nil
}

// Scan returns keys starting with prefix, skipping expired entries.
func (m *Memory) Scan(_ context.Context, prefix string) ([]string, error) {
	m.kvMu.Lock()
	defer m.kvMu.Unlock()
	now := time.Now()
	var matches []string
	for key, entry := range m.kv {
		if entry.hasTTL && now.After(entry.deadline) {
			delete(m.kv, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			matches = append(matches, key)
		}
	}
	return matches, nil
}

// IsConnected reports true until Close is called; the in-memory adapter has no network dependency.
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// Close tears down every active subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	m.subs = make(map[string][]*memorySubscription)
	return nil
}
