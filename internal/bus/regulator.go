package bus

import (
	"sync"
	"time"
)

// DefaultPublishBytesPerSecond caps a single channel's outbound throughput at
// 256 kbps (decimal) before the regulator starts refusing publishes.
const DefaultPublishBytesPerSecond = 256000.0 / 8.0

type regulatorBucket struct {
	tokens float64
	last   time.Time
	sent   int64
	denied int64
}

// PublishRegulator enforces a token-bucket byte budget per outbound channel,
// so a single noisy publisher (a server blasting heartbeats, a proxy
// broadcasting route acks) cannot starve the shared transport.
type PublishRegulator struct {
	mu       sync.Mutex
	buckets  map[string]*regulatorBucket
	capacity float64
	refill   float64
	now      func() time.Time
}

// NewPublishRegulator constructs a regulator enforcing targetBytesPerSecond
// per channel. A non-positive rate falls back to DefaultPublishBytesPerSecond.
func NewPublishRegulator(targetBytesPerSecond float64, clock func() time.Time) *PublishRegulator {
	if targetBytesPerSecond <= 0 {
		targetBytesPerSecond = DefaultPublishBytesPerSecond
	}
	if clock == nil {
		clock = time.Now
	}
	return &PublishRegulator{
		buckets:  make(map[string]*regulatorBucket),
		capacity: targetBytesPerSecond,
		refill:   targetBytesPerSecond,
		now:      clock,
	}
}

func (r *PublishRegulator) replenish(bucket *regulatorBucket, now time.Time) {
	if now.Before(bucket.last) {
		return
	}
	elapsed := now.Sub(bucket.last).Seconds()
	if elapsed <= 0 {
		bucket.last = now
		return
	}
	bucket.tokens += elapsed * r.refill
	if bucket.tokens > r.capacity {
		bucket.tokens = r.capacity
	}
	bucket.last = now
}

// Allow charges payloadBytes against channel's budget, returning false when
// the channel is over budget. A nil regulator always allows, so callers may
// wire it in optionally without nil checks scattered through the bus.
func (r *PublishRegulator) Allow(channel string, payloadBytes int) bool {
	if r == nil || channel == "" || payloadBytes <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.buckets[channel]
	now := r.now()
	if bucket == nil {
		bucket = &regulatorBucket{tokens: r.capacity, last: now}
		r.buckets[channel] = bucket
	}
	r.replenish(bucket, now)

	request := float64(payloadBytes)
	if request > bucket.tokens {
		bucket.denied++
		return false
	}
	bucket.tokens -= request
	bucket.sent += int64(payloadBytes)
	return true
}

// Forget drops the bucket for channel, used when server-id rotation retires
// a channel name for good.
func (r *PublishRegulator) Forget(channel string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.buckets, channel)
	r.mu.Unlock()
}

// DeniedCount reports how many publishes channel has had refused, for
// diagnostics and tests.
func (r *PublishRegulator) DeniedCount(channel string) int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.buckets[channel]
	if !ok {
		return 0
	}
	return bucket.denied
}
