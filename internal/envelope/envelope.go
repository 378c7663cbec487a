// Package envelope defines fulcrum's canonical wire format and the
// registry that maps type strings onto typed decoders.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CurrentVersion is the envelope schema version emitted by this build.
const CurrentVersion = 1

var (
	// ErrMalformedEnvelope is returned when raw bytes cannot be decoded into an Envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrTypeConflict is returned when a type is registered twice with different decoders.
	ErrTypeConflict = errors.New("type already registered with a different decoder")
)

// Envelope is the universal unit of transfer between fulcrum services.
type Envelope struct {
	Type          string          `json:"type"`
	SenderID      string          `json:"senderId"`
	TargetID      string          `json:"targetId,omitempty"`
	CorrelationID string          `json:"correlationId"`
	TimestampMs   int64           `json:"timestamp"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"signature,omitempty"`
}

// New builds an envelope with a fresh correlation id and the current timestamp.
func New(typ, senderID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload for %q: %w", typ, err)
	}
	return Envelope{
		Type:          typ,
		SenderID:      senderID,
		CorrelationID: uuid.NewString(),
		TimestampMs:   time.Now().UnixMilli(),
		Version:       CurrentVersion,
		Payload:       raw,
	}, nil
}

// Reply builds a response envelope that echoes the request's correlation id.
func Reply(request Envelope, typ, senderID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload for %q: %w", typ, err)
	}
	return Envelope{
		Type:          typ,
		SenderID:      senderID,
		TargetID:      request.SenderID,
		CorrelationID: request.CorrelationID,
		TimestampMs:   time.Now().UnixMilli(),
		Version:       CurrentVersion,
		Payload:       raw,
	}, nil
}

// Encode serialises a well-formed envelope. Encoding a valid Envelope never fails.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses raw bytes into an Envelope, rejecting malformed shapes.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" || env.CorrelationID == "" {
		return Envelope{}, fmt.Errorf("%w: missing type or correlation id", ErrMalformedEnvelope)
	}
	return env, nil
}

// Unmarshal decodes the envelope's payload into out.
func (e Envelope) Unmarshal(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal payload for %q: %w", e.Type, err)
	}
	return nil
}

// Decoder converts a raw payload tree into a typed value. Implementations should
// be pure and side-effect free; the registry calls them synchronously.
type Decoder func(payload json.RawMessage) (any, error)

// TypeRegistry maps type strings to decoders. The zero value is ready to use.
type TypeRegistry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewTypeRegistry constructs an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{decoders: make(map[string]Decoder)}
}

// Register associates typ with decoder. Re-registering the exact same decoder
// value is a no-op; registering a different decoder for an already-known type
// fails with ErrTypeConflict.
func (r *TypeRegistry) Register(typ string, decoder Decoder) error {
	if r == nil || decoder == nil {
		return fmt.Errorf("%w: nil registry or decoder", ErrMalformedEnvelope)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decoders == nil {
		r.decoders = make(map[string]Decoder)
	}
	if existing, ok := r.decoders[typ]; ok {
		//1.- Decoders compare by code pointer: the same named func, or closures
		// built from the same function literal, count as identical; a decoder
		// from any other func or literal trips the conflict below.
		if reflect.ValueOf(existing).Pointer() == reflect.ValueOf(decoder).Pointer() {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrTypeConflict, typ)
	}
	r.decoders[typ] = decoder
	return nil
}

// Decode resolves typ to its decoder and applies it to payload. Unknown types
// decode into a generic map.
func (r *TypeRegistry) Decode(typ string, payload json.RawMessage) (any, error) {
	r.mu.RLock()
	decoder, ok := r.decoders[typ]
	r.mu.RUnlock()
	if !ok {
		var generic map[string]any
		if len(payload) == 0 {
			return generic, nil
		}
		if err := json.Unmarshal(payload, &generic); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		return generic, nil
	}
	return decoder(payload)
}
