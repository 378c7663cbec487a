// Package signing authenticates envelope sender fields with a shared HMAC
// key, the way the teacher's internal/auth package authenticates WebSocket
// tokens: compute an HMAC over a canonical byte string, compare with
// hmac.Equal, never compare signatures with ==.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/haroldsh/fulcrum/internal/envelope"
)

// ErrInvalidSignature is returned by Verify when the signature does not
// match the envelope's canonical content, or is missing.
var ErrInvalidSignature = errors.New("signing: invalid envelope signature")

// HMACSigner signs and verifies envelopes with a single shared secret. The
// zero value is not usable; construct with New.
type HMACSigner struct {
	secret []byte
}

// New constructs an HMACSigner from secret. An empty secret is rejected so
// callers cannot accidentally disable signing by passing a blank key; to
// disable signing entirely, pass a nil bus.Signer instead of constructing
// one.
func New(secret string) (*HMACSigner, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("signing: secret must not be empty")
	}
	return &HMACSigner{secret: []byte(secret)}, nil
}

// Sign returns the base64 (raw URL encoding) HMAC-SHA256 of env's canonical
// fields, excluding the Signature field itself.
func (s *HMACSigner) Sign(env envelope.Envelope) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", errors.New("signing: signer not initialised")
	}
	mac, err := s.compute(env)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(mac), nil
}

// Verify recomputes the expected signature for env and compares it against
// env.Signature using a constant-time comparison.
func (s *HMACSigner) Verify(env envelope.Envelope) error {
	if s == nil || len(s.secret) == 0 {
		return errors.New("signing: signer not initialised")
	}
	if env.Signature == "" {
		return ErrInvalidSignature
	}
	expected, err := s.compute(env)
	if err != nil {
		return err
	}
	actual, err := base64.RawURLEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !hmac.Equal(expected, actual) {
		return ErrInvalidSignature
	}
	return nil
}

// compute builds the canonical signing base and HMACs it. The payload is
// included verbatim as raw JSON bytes; field order is fixed so Sign and
// Verify always agree regardless of map key ordering upstream.
func (s *HMACSigner) compute(env envelope.Envelope) ([]byte, error) {
	var b strings.Builder
	b.WriteString(env.Type)
	b.WriteByte('\n')
	b.WriteString(env.SenderID)
	b.WriteByte('\n')
	b.WriteString(env.TargetID)
	b.WriteByte('\n')
	b.WriteString(env.CorrelationID)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(env.TimestampMs, 10))
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(env.Version))
	b.WriteByte('\n')
	b.Write(env.Payload)

	mac := hmac.New(sha256.New, s.secret)
	if _, err := mac.Write([]byte(b.String())); err != nil {
		return nil, fmt.Errorf("signing: compute hmac: %w", err)
	}
	return mac.Sum(nil), nil
}
