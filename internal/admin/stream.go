package admin

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haroldsh/fulcrum/internal/envelope"
	"github.com/haroldsh/fulcrum/internal/logging"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 20 * time.Second
	streamSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Stream fans a tapped envelope out to every connected debug-stream client.
// Registered with bus.WithTap so it observes live traffic read-only. A client
// whose buffer is full misses that envelope rather than blocking the tap, and
// stays connected; a client is removed once its connection is closed.
type Stream struct {
	mu      sync.Mutex
	logger  *logging.Logger
	clients map[chan envelope.Envelope]struct{}
}

// NewStream constructs an empty Stream.
func NewStream(logger *logging.Logger) *Stream {
	if logger == nil {
		logger = logging.L()
	}
	return &Stream{logger: logger, clients: make(map[chan envelope.Envelope]struct{})}
}

// Tap is registered via bus.WithTap(stream.Tap) to mirror inbound traffic.
func (s *Stream) Tap(env envelope.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- env:
		default:
			//1.- Drop for slow clients instead of blocking the bus dispatch path.
		}
	}
}

func (s *Stream) register() chan envelope.Envelope {
	ch := make(chan envelope.Envelope, streamSendBuffer)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Stream) unregister(ch chan envelope.Envelope) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
	close(ch)
}

// ClientCount reports how many debug-stream clients are presently connected.
func (s *Stream) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// DebugStreamHandler upgrades authorised requests to a WebSocket that
// mirrors every tapped envelope as a JSON text frame.
func (h *HandlerSet) DebugStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(logging.String("handler", "debug_stream"), logging.String("remote_addr", r.RemoteAddr))
		if !h.authorise(r) {
			reqLogger.Warn("debug stream denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("debug stream denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			reqLogger.Warn("debug stream upgrade failed", logging.Error(err))
			return
		}
		ch := h.stream.register()
		reqLogger.Info("debug stream client connected")

		go func() {
			defer func() {
				h.stream.unregister(ch)
				_ = conn.Close()
			}()
			//1.- Drain and discard inbound frames only to detect client-initiated close.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		defer conn.Close()
		for {
			select {
			case env, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(env); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					return
				}
			}
		}
	}
}
