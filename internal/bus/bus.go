// Package bus implements the envelope dispatcher every fulcrum service talks
// to: typed publish/subscribe, targeted send, and request/response with
// correlation-id matching, dedup, and server-id rotation.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haroldsh/fulcrum/internal/auditlog"
	"github.com/haroldsh/fulcrum/internal/config"
	"github.com/haroldsh/fulcrum/internal/envelope"
	"github.com/haroldsh/fulcrum/internal/logging"
	"github.com/haroldsh/fulcrum/internal/transport"
)

var (
	// ErrTimeout is returned by Request when no response arrives before the deadline.
	ErrTimeout = errors.New("bus: request timed out")
	// ErrShutdown is returned by Request (and any future callers) once the bus has been shut down.
	ErrShutdown = errors.New("bus: shut down")
)

// Handler receives a decoded inbound envelope. Handlers must not block; the
// bus invokes them on the transport's delivery goroutine.
type Handler func(ctx context.Context, env envelope.Envelope)

// Signer optionally authenticates outbound envelopes and verifies inbound
// ones. A nil Signer disables signing entirely.
type Signer interface {
	Sign(env envelope.Envelope) (string, error)
	Verify(env envelope.Envelope) error
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithLogger attaches a logger; the zero value logs nowhere.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithRegulator attaches a publish regulator enforcing per-channel byte budgets.
func WithRegulator(regulator *PublishRegulator) Option {
	return func(b *Bus) { b.regulator = regulator }
}

// WithSigner attaches an envelope signer/verifier.
func WithSigner(signer Signer) Option {
	return func(b *Bus) { b.signer = signer }
}

// AuditSink optionally records bus error-path events for later inspection.
// A nil sink (the default) disables auditing entirely.
type AuditSink interface {
	Append(event auditlog.Event) error
}

// WithAuditSink attaches an audit sink that records malformed envelopes,
// unrouted requests, and dropped duplicates.
func WithAuditSink(sink AuditSink) Option {
	return func(b *Bus) { b.audit = sink }
}

// WithTap attaches a read-only observer invoked with every successfully
// decoded and verified inbound envelope, regardless of routing kind. Used by
// the admin debug stream to mirror live bus traffic; tap must not block or
// retain the envelope's Payload slice beyond the call.
func WithTap(tap func(envelope.Envelope)) Option {
	return func(b *Bus) { b.tap = tap }
}

type pendingRequest struct {
	resultCh chan requestResult
}

type requestResult struct {
	env envelope.Envelope
	err error
}

// Bus dispatches envelopes to handlers and mediates request/response pairs
// over a transport.Adapter.
type Bus struct {
	transport transport.Adapter
	registry  *envelope.TypeRegistry
	dedup     *dedupCache
	logger    *logging.Logger
	regulator *PublishRegulator
	signer    Signer
	audit     AuditSink
	tap       func(envelope.Envelope)

	mu             sync.RWMutex
	serviceID      string
	handlersByType map[string][]Handler
	channelSubs    map[string]transport.Handler // channel -> the transport-level handler closure we registered

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	closedMu sync.Mutex
	closed   bool
}

// New constructs a Bus over transport, using registry to decode payloads.
func New(cfg config.Config, t transport.Adapter, registry *envelope.TypeRegistry, opts ...Option) *Bus {
	b := &Bus{
		transport:      t,
		registry:       registry,
		dedup:          newDedupCache(t, cfg),
		handlersByType: make(map[string][]Handler),
		channelSubs:    make(map[string]transport.Handler),
		pending:        make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) log() *logging.Logger {
	if b.logger != nil {
		return b.logger
	}
	return logging.NewTestLogger()
}

// Sweep deletes every dedup and message-cache key on the transport, so an id
// cannot be resurrected by a restart racing a late duplicate. Keys written by
// other processes sharing the transport are deleted too. Call once at
// startup, before subscribing.
func (b *Bus) Sweep(ctx context.Context) error {
	return sweepStale(ctx, b.transport)
}

// SetServiceID (re)subscribes the bus's directed channels to serviceID,
// atomically retiring any previous id's channels. Called once at startup
// with a temp id, and again when the lifecycle manager receives a permanent
// id.
func (b *Bus) SetServiceID(ctx context.Context, serviceID string) error {
	b.mu.Lock()
	oldID := b.serviceID
	b.mu.Unlock()

	newChannels := []string{serverChannel(serviceID), requestChannel(serviceID), responseChannel(serviceID)}
	for _, channel := range newChannels {
		if err := b.subscribeChannel(ctx, channel); err != nil {
			return fmt.Errorf("subscribe directed channel %q: %w", channel, err)
		}
	}

	//1.- Flip the id only after the new subscriptions are confirmed active, so no
	// envelope addressed to the new id can arrive before we are listening for it.
	b.mu.Lock()
	b.serviceID = serviceID
	b.mu.Unlock()

	if oldID != "" && oldID != serviceID {
		for _, channel := range []string{serverChannel(oldID), requestChannel(oldID), responseChannel(oldID)} {
			b.unsubscribeChannel(channel)
			b.regulator.Forget(channel)
		}
	}
	return nil
}

func (b *Bus) subscribeChannel(ctx context.Context, channel string) error {
	b.mu.Lock()
	if _, ok := b.channelSubs[channel]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	handler := func(ch string, payload []byte) {
		b.handleInbound(ch, payload)
	}
	ready := make(chan struct{})
	if err := b.transport.Subscribe(ctx, channel, handler, func() { close(ready) }); err != nil {
		return err
	}
	<-ready

	b.mu.Lock()
	b.channelSubs[channel] = handler
	b.mu.Unlock()
	return nil
}

func (b *Bus) unsubscribeChannel(channel string) {
	b.mu.Lock()
	handler, ok := b.channelSubs[channel]
	delete(b.channelSubs, channel)
	b.mu.Unlock()
	if ok {
		_ = b.transport.Unsubscribe(channel, handler)
	}
}

// Subscribe registers handler for every inbound envelope whose Type equals typ.
func (b *Bus) Subscribe(ctx context.Context, typ string, handler Handler) error {
	channel := channelForType(typ)
	if err := b.subscribeChannel(ctx, channel); err != nil {
		return err
	}
	b.mu.Lock()
	b.handlersByType[typ] = append(b.handlersByType[typ], handler)
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes handler from typ. In-flight deliveries already handed
// to a goroutine may still complete.
func (b *Bus) Unsubscribe(typ string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing := b.handlersByType[typ]
	target := fmt.Sprintf("%p", handler)
	kept := existing[:0]
	for _, h := range existing {
		if fmt.Sprintf("%p", h) == target {
			continue
		}
		kept = append(kept, h)
	}
	b.handlersByType[typ] = kept
	return nil
}

// Broadcast publishes payload as typ on its topic channel, best effort.
func (b *Bus) Broadcast(ctx context.Context, typ string, payload any) error {
	env, err := b.buildEnvelope(typ, "", payload)
	if err != nil {
		return err
	}
	return b.publish(ctx, channelForType(typ), env)
}

// Send publishes payload as typ directly to targetServiceID.
func (b *Bus) Send(ctx context.Context, targetServiceID, typ string, payload any) error {
	env, err := b.buildEnvelope(typ, targetServiceID, payload)
	if err != nil {
		return err
	}
	return b.publish(ctx, serverChannel(targetServiceID), env)
}

// Request publishes payload as typ to target's request channel and blocks
// until a matching response arrives on our own response channel or timeout
// elapses.
func (b *Bus) Request(ctx context.Context, target, typ string, payload any, timeout time.Duration) (envelope.Envelope, error) {
	if b.isClosed() {
		return envelope.Envelope{}, ErrShutdown
	}
	env, err := b.buildEnvelope(typ, target, payload)
	if err != nil {
		return envelope.Envelope{}, err
	}

	pr := &pendingRequest{resultCh: make(chan requestResult, 1)}
	b.pendingMu.Lock()
	b.pending[env.CorrelationID] = pr
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, env.CorrelationID)
		b.pendingMu.Unlock()
	}()

	if err := b.publish(ctx, requestChannel(target), env); err != nil {
		return envelope.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-pr.resultCh:
		return result.env, result.err
	case <-timer.C:
		return envelope.Envelope{}, ErrTimeout
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}

// Shutdown fails every pending request with ErrShutdown and releases
// subscriptions. Safe to call more than once.
func (b *Bus) Shutdown() error {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return nil
	}
	b.closed = true
	b.closedMu.Unlock()

	b.pendingMu.Lock()
	for id, pr := range b.pending {
		select {
		case pr.resultCh <- requestResult{err: ErrShutdown}:
		default:
		}
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()

	b.mu.Lock()
	subs := make(map[string]transport.Handler, len(b.channelSubs))
	for channel, handler := range b.channelSubs {
		subs[channel] = handler
	}
	b.channelSubs = make(map[string]transport.Handler)
	b.mu.Unlock()

	for channel, handler := range subs {
		_ = b.transport.Unsubscribe(channel, handler)
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.closedMu.Lock()
	defer b.closedMu.Unlock()
	return b.closed
}

func (b *Bus) buildEnvelope(typ, target string, payload any) (envelope.Envelope, error) {
	b.mu.RLock()
	senderID := b.serviceID
	b.mu.RUnlock()
	env, err := envelope.New(typ, senderID, payload)
	if err != nil {
		return envelope.Envelope{}, err
	}
	env.TargetID = target
	if b.signer != nil {
		sig, err := b.signer.Sign(env)
		if err != nil {
			return envelope.Envelope{}, fmt.Errorf("sign envelope: %w", err)
		}
		env.Signature = sig
	}
	return env, nil
}

func (b *Bus) publish(ctx context.Context, channel string, env envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		b.log().Error("bus: encode failed", logging.String("type", env.Type), logging.Error(err))
		return err
	}
	if b.regulator != nil && !b.regulator.Allow(channel, len(data)) {
		b.log().Warn("bus: publish regulated", logging.String("channel", channel), logging.Int("bytes", len(data)))
		return nil
	}
	if err := b.transport.Publish(ctx, channel, data); err != nil {
		b.log().Error("bus: publish failed", logging.String("channel", channel), logging.Error(err))
		return nil
	}
	return nil
}

func (b *Bus) handleInbound(channel string, payload []byte) {
	ctx := context.Background()
	env, err := envelope.Decode(payload)
	if err != nil {
		b.log().Warn("bus: dropping malformed envelope", logging.String("channel", channel), logging.Error(err))
		b.recordAudit(auditlog.Event{Kind: auditlog.KindMalformedEnvelope, Detail: err.Error()})
		return
	}
	if b.signer != nil && env.Signature != "" {
		if err := b.signer.Verify(env); err != nil {
			b.log().Warn("bus: dropping unverified envelope", logging.String("type", env.Type), logging.Error(err))
			return
		}
	}

	if _, err := b.registry.Decode(env.Type, env.Payload); err != nil {
		b.log().Warn("bus: dropping envelope with undecodable payload", logging.String("type", env.Type), logging.Error(err))
		b.recordAudit(auditlog.Event{Kind: auditlog.KindMalformedEnvelope, EnvelopeType: env.Type, SenderID: env.SenderID, CorrelationID: env.CorrelationID, Detail: err.Error()})
		return
	}

	if b.tap != nil {
		b.tap(env)
	}

	b.mu.RLock()
	myID := b.serviceID
	b.mu.RUnlock()
	kind := classifyDirected(channel, myID)

	if kind != directedNone && !isRegistrationClass(env.Type) {
		seen, err := b.dedup.seen(ctx, env.Type, channel+":"+env.CorrelationID)
		if err != nil {
			b.log().Warn("bus: dedup check failed", logging.Error(err))
		} else if seen {
			b.recordAudit(auditlog.Event{Kind: auditlog.KindDuplicate, EnvelopeType: env.Type, SenderID: env.SenderID, CorrelationID: env.CorrelationID})
			return
		}
	}

	switch kind {
	case directedResponse:
		b.completeRequest(env)
	case directedRequest:
		if !b.dispatch(ctx, env) {
			b.replyNoHandler(ctx, env)
		}
	default:
		b.dispatch(ctx, env)
	}
}

func (b *Bus) completeRequest(env envelope.Envelope) {
	b.pendingMu.Lock()
	pr, ok := b.pending[env.CorrelationID]
	if ok {
		delete(b.pending, env.CorrelationID)
	}
	b.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case pr.resultCh <- requestResult{env: env}:
	default:
	}
}

func (b *Bus) dispatch(ctx context.Context, env envelope.Envelope) bool {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlersByType[env.Type]...)
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return false
	}
	for _, h := range handlers {
		b.invokeSafely(ctx, env, h)
	}
	return true
}

func (b *Bus) invokeSafely(ctx context.Context, env envelope.Envelope, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log().Error("bus: handler panicked", logging.String("type", env.Type), logging.String("panic", fmt.Sprint(r)))
		}
	}()
	h(ctx, env)
}

type noHandlerPayload struct {
	Error string `json:"error"`
}

func (b *Bus) replyNoHandler(ctx context.Context, request envelope.Envelope) {
	b.recordAudit(auditlog.Event{Kind: auditlog.KindNoHandler, EnvelopeType: request.Type, SenderID: request.SenderID, CorrelationID: request.CorrelationID})
	reply, err := envelope.Reply(request, request.Type+"_response", b.currentServiceID(), noHandlerPayload{
		Error: fmt.Sprintf("No handler for %s", request.Type),
	})
	if err != nil {
		b.log().Error("bus: build no-handler reply failed", logging.Error(err))
		return
	}
	_ = b.publish(ctx, responseChannel(request.SenderID), reply)
}

func (b *Bus) recordAudit(event auditlog.Event) {
	if b.audit == nil {
		return
	}
	if err := b.audit.Append(event); err != nil {
		b.log().Warn("bus: audit append failed", logging.Error(err))
	}
}

func (b *Bus) currentServiceID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.serviceID
}
