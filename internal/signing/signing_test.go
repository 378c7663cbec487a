package signing

import (
	"testing"

	"github.com/haroldsh/fulcrum/internal/envelope"
)

func testEnvelope(t *testing.T) envelope.Envelope {
	t.Helper()
	env, err := envelope.New("fulcrum.registry.registration.request", "temp-abc123", map[string]any{"hello": "world"})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func TestSignThenVerifySucceeds(t *testing.T) {
	signer, err := New("super-secret-key")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	env := testEnvelope(t)

	sig, err := signer.Sign(env)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	env.Signature = sig

	if err := signer.Verify(env); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signer, err := New("super-secret-key")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	env := testEnvelope(t)
	sig, err := signer.Sign(env)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	env.Signature = sig
	env.Payload = []byte(`{"hello":"mallory"}`)

	if err := signer.Verify(env); err == nil {
		t.Fatalf("expected verification to fail after payload tampering")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer, err := New("super-secret-key")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	other, err := New("a-different-key")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	env := testEnvelope(t)
	sig, err := signer.Sign(env)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	env.Signature = sig

	if err := other.Verify(env); err == nil {
		t.Fatalf("expected verification with a different key to fail")
	}
}

func TestVerifyRejectsMissingSignature(t *testing.T) {
	signer, err := New("super-secret-key")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	env := testEnvelope(t)

	if err := signer.Verify(env); err == nil {
		t.Fatalf("expected verification to fail without a signature")
	}
}

func TestNewRejectsEmptySecret(t *testing.T) {
	if _, err := New("   "); err == nil {
		t.Fatalf("expected an error for a blank secret")
	}
}
