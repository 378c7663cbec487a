// Package skew implements a bus-based clock-skew probe: a service pings the
// registry and estimates how far its own clock has drifted from the
// registry's, logging a warning past a configurable threshold. Adapted from
// the teacher's internal/timesync RTT-sampling gRPC stream, traded down to a
// broadcast ping/pong on the bus since this module has no RPC stream layer.
// It never adjusts timestamps; crash detection stays wall-clock-based.
package skew

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haroldsh/fulcrum/internal/bus"
	"github.com/haroldsh/fulcrum/internal/envelope"
	"github.com/haroldsh/fulcrum/internal/logging"
)

// Wire message types for the ping/pong exchange.
const (
	TypePingRequest  = "fulcrum.registry.ping.request"
	TypePingResponse = "fulcrum.registry.ping.response"
)

// PingRequest is broadcast by a service sampling clock skew against the registry.
type PingRequest struct {
	RequestID string `json:"request_id"`
	ServiceID string `json:"service_id"`
	SentAtMs  int64  `json:"sent_at_ms"`
}

// PingResponse echoes the request, stamped with the registry's clock on receipt.
type PingResponse struct {
	RequestID    string `json:"request_id"`
	ServiceID    string `json:"service_id"`
	SentAtMs     int64  `json:"sent_at_ms"`
	ReceivedAtMs int64  `json:"received_at_ms"`
}

// RegisterTypes installs decoders for the ping/pong message types on registry.
func RegisterTypes(registry *envelope.TypeRegistry) error {
	decoders := map[string]envelope.Decoder{
		TypePingRequest: func(payload json.RawMessage) (any, error) {
			var v PingRequest
			err := json.Unmarshal(payload, &v)
			return v, err
		},
		TypePingResponse: func(payload json.RawMessage) (any, error) {
			var v PingResponse
			err := json.Unmarshal(payload, &v)
			return v, err
		},
	}
	for typ, decoder := range decoders {
		if err := registry.Register(typ, decoder); err != nil {
			return err
		}
	}
	return nil
}

// Respond answers every PingRequest seen on b with a PingResponse stamped at
// the moment it is handled. Registered by the registry, the only service
// every other service's clock is measured against.
func Respond(ctx context.Context, b *bus.Bus, logger *logging.Logger) error {
	return b.Subscribe(ctx, TypePingRequest, func(ctx context.Context, env envelope.Envelope) {
		var req PingRequest
		if err := env.Unmarshal(&req); err != nil {
			logger.Warn("skew: malformed ping request", logging.Error(err))
			return
		}
		resp := PingResponse{
			RequestID:    req.RequestID,
			ServiceID:    req.ServiceID,
			SentAtMs:     req.SentAtMs,
			ReceivedAtMs: time.Now().UnixMilli(),
		}
		if err := b.Broadcast(ctx, TypePingResponse, resp); err != nil {
			logger.Warn("skew: broadcast ping response failed", logging.Error(err))
		}
	})
}

// Prober periodically pings the registry and logs a warning when the
// estimated one-way clock skew exceeds its threshold.
type Prober struct {
	bus       *bus.Bus
	logger    *logging.Logger
	threshold time.Duration

	mu        sync.Mutex
	serviceID string
	pending   map[string]chan PingResponse
}

// NewProber constructs a Prober that samples skew under serviceID's own
// identity, logging a warning once the estimated skew exceeds threshold.
func NewProber(b *bus.Bus, logger *logging.Logger, serviceID string, threshold time.Duration) *Prober {
	return &Prober{
		bus:       b,
		logger:    logger,
		serviceID: serviceID,
		threshold: threshold,
		pending:   make(map[string]chan PingResponse),
	}
}

// Start subscribes the prober to pong traffic. Call once before Probe/Run.
func (p *Prober) Start(ctx context.Context) error {
	return p.bus.Subscribe(ctx, TypePingResponse, p.onPingResponse)
}

// SetServiceID updates the identity the prober pings under. A gameserver or
// proxy only learns its permanent service id after registration succeeds, so
// probing starts under the temp id and is retargeted once that resolves.
func (p *Prober) SetServiceID(serviceID string) {
	p.mu.Lock()
	p.serviceID = serviceID
	p.mu.Unlock()
}

func (p *Prober) currentServiceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serviceID
}

func (p *Prober) onPingResponse(ctx context.Context, env envelope.Envelope) {
	var resp PingResponse
	if err := env.Unmarshal(&resp); err != nil {
		return
	}
	if resp.ServiceID != p.currentServiceID() {
		return
	}
	p.mu.Lock()
	ch, ok := p.pending[resp.RequestID]
	if ok {
		delete(p.pending, resp.RequestID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// Probe sends one ping and blocks (up to timeout) for the matching pong,
// logging a warning if the estimated skew exceeds the prober's threshold.
func (p *Prober) Probe(ctx context.Context, timeout time.Duration) {
	requestID := uuid.NewString()
	sentAt := time.Now()

	ch := make(chan PingResponse, 1)
	p.mu.Lock()
	p.pending[requestID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, requestID)
		p.mu.Unlock()
	}()

	req := PingRequest{RequestID: requestID, ServiceID: p.currentServiceID(), SentAtMs: sentAt.UnixMilli()}
	if err := p.bus.Broadcast(ctx, TypePingRequest, req); err != nil {
		p.logger.Warn("skew: ping broadcast failed", logging.Error(err))
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		p.evaluate(sentAt, resp)
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (p *Prober) evaluate(sentAt time.Time, resp PingResponse) {
	//1.- Assuming a symmetric network path, the registry's clock should read
	// sentAt+roundTrip/2 at the moment it received the ping; the difference
	// between what it actually reported and that expectation is the skew.
	roundTrip := time.Since(sentAt)
	estimated := time.Duration(resp.ReceivedAtMs-resp.SentAtMs)*time.Millisecond - roundTrip/2
	if estimated < 0 {
		estimated = -estimated
	}
	if estimated > p.threshold {
		p.logger.Warn("skew: clock skew exceeds threshold",
			logging.String("service_id", resp.ServiceID),
			logging.Int64("estimated_skew_ms", estimated.Milliseconds()),
			logging.Int64("round_trip_ms", roundTrip.Milliseconds()))
	}
}

// Run calls Probe on every tick of interval until ctx is done.
func (p *Prober) Run(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx, timeout)
		}
	}
}
