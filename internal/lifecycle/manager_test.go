package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/haroldsh/fulcrum/internal/bus"
	"github.com/haroldsh/fulcrum/internal/config"
	"github.com/haroldsh/fulcrum/internal/envelope"
	"github.com/haroldsh/fulcrum/internal/transport"
)

func testConfig() config.Config {
	return config.Config{
		HeartbeatInterval:       30 * time.Millisecond,
		RegistrationRetryDelay:  20 * time.Millisecond,
		RegistrationMaxAttempts: 3,
		RegistrationTimeout:     2 * time.Second,
		DedupTTL:                60 * time.Second,
		RegistrationDedupTTL:    30 * time.Second,
	}
}

// runFakeRegistry answers every registration request with a fixed assigned id,
// standing in for the real registry service in these lifecycle-only tests.
func runFakeRegistry(t *testing.T, b *bus.Bus, assignedID string) {
	t.Helper()
	ctx := context.Background()
	if err := b.SetServiceID(ctx, "test-registry"); err != nil {
		t.Fatalf("registry set service id failed: %v", err)
	}
	if err := b.Subscribe(ctx, TypeRegistrationRequest, func(ctx context.Context, env envelope.Envelope) {
		var req RegistrationRequest
		if err := env.Unmarshal(&req); err != nil {
			t.Fatalf("unmarshal registration request: %v", err)
		}
		resp := RegistrationResponse{TempID: req.TempID, Success: true, AssignedServerID: assignedID}
		if err := b.Broadcast(ctx, TypeRegistrationResponse, resp); err != nil {
			t.Fatalf("broadcast registration response: %v", err)
		}
	}); err != nil {
		t.Fatalf("registry subscribe failed: %v", err)
	}
}

func TestManagerHappyRegistrationReachesAvailable(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()

	registryBus := bus.New(testConfig(), tr, envelope.NewTypeRegistry())
	runFakeRegistry(t, registryBus, "lobby-0")

	serviceBus := bus.New(testConfig(), tr, envelope.NewTypeRegistry())
	identity, err := NewIdentity(ServiceTypeServer, "lobby", "127.0.0.1", 25565)
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}

	successCh := make(chan string, 1)
	mgr := New(serviceBus, testConfig(), nil, identity, 100, Callbacks{
		OnRegistrationSuccess: func(id string) { successCh <- id },
	})

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer mgr.Shutdown(ctx)

	select {
	case id := <-successCh:
		if id != "lobby-0" {
			t.Fatalf("expected assigned id lobby-0, got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for registration success")
	}

	if mgr.Status() != StatusAvailable {
		t.Fatalf("expected AVAILABLE after registration, got %v", mgr.Status())
	}
	if mgr.Identity().ServiceID != "lobby-0" {
		t.Fatalf("expected permanent id to be set")
	}
}

func TestManagerRegistrationFailureInvokesCallback(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()

	serviceBus := bus.New(testConfig(), tr, envelope.NewTypeRegistry())
	identity, err := NewIdentity(ServiceTypeProxy, "proxy", "127.0.0.1", 25577)
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}

	failureCh := make(chan string, 1)
	cfg := testConfig()
	cfg.RegistrationMaxAttempts = 2
	cfg.RegistrationRetryDelay = 10 * time.Millisecond
	cfg.RegistrationTimeout = 2 * time.Second

	mgr := New(serviceBus, cfg, nil, identity, 0, Callbacks{
		OnRegistrationFailure: func(reason string) { failureCh <- reason },
	})

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer mgr.Shutdown(ctx)

	select {
	case reason := <-failureCh:
		if reason == "" {
			t.Fatalf("expected non-empty failure reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for registration failure")
	}
}

func TestManagerHeartbeatCarriesPermanentID(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()

	registryBus := bus.New(testConfig(), tr, envelope.NewTypeRegistry())
	runFakeRegistry(t, registryBus, "arena-2")

	serviceBus := bus.New(testConfig(), tr, envelope.NewTypeRegistry())
	identity, err := NewIdentity(ServiceTypeServer, "arena", "10.0.0.5", 25566)
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}

	heartbeats := make(chan Metadata, 4)
	mgr := New(serviceBus, testConfig(), nil, identity, 50, Callbacks{
		OnHeartbeat: func(meta Metadata) {
			select {
			case heartbeats <- meta:
			default:
			}
		},
	})

	observerBus := bus.New(testConfig(), tr, envelope.NewTypeRegistry())
	if err := observerBus.SetServiceID(context.Background(), "observer"); err != nil {
		t.Fatalf("observer set service id failed: %v", err)
	}
	hbCh := make(chan Heartbeat, 4)
	if err := observerBus.Subscribe(context.Background(), TypeHeartbeat, func(_ context.Context, env envelope.Envelope) {
		var hb Heartbeat
		if err := env.Unmarshal(&hb); err == nil {
			select {
			case hbCh <- hb:
			default:
			}
		}
	}); err != nil {
		t.Fatalf("observer subscribe failed: %v", err)
	}

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer mgr.Shutdown(ctx)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case hb := <-hbCh:
			if hb.ServiceID == "arena-2" {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for heartbeat carrying permanent id")
		}
	}
}

func TestManagerEvacuationTransitionsStatus(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()

	registryBus := bus.New(testConfig(), tr, envelope.NewTypeRegistry())
	runFakeRegistry(t, registryBus, "survival-1")

	serviceBus := bus.New(testConfig(), tr, envelope.NewTypeRegistry())
	identity, err := NewIdentity(ServiceTypeServer, "survival", "10.0.0.9", 25568)
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}
	successCh := make(chan string, 1)
	mgr := New(serviceBus, testConfig(), nil, identity, 20, Callbacks{
		OnRegistrationSuccess: func(id string) { successCh <- id },
	})

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer mgr.Shutdown(ctx)

	select {
	case <-successCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for registration")
	}

	if err := registryBus.Broadcast(ctx, TypeEvacuationRequest, EvacuationRequest{ServiceID: "survival-1"}); err != nil {
		t.Fatalf("broadcast evacuation request failed: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if mgr.Status() == StatusEvacuating {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for EVACUATING status")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMetadataLoadFactorAndHealthy(t *testing.T) {
	m := Metadata{PlayerCount: 30, MaxCapacity: 100, TPS: 20}
	if !m.Healthy() {
		t.Fatalf("expected healthy metadata")
	}
	want := 0.6 * 0.3
	if got := m.LoadFactor(); got < want-0.001 || got > want+0.001 {
		t.Fatalf("unexpected load factor: got %v want ~%v", got, want)
	}

	unhealthy := Metadata{PlayerCount: 100, MaxCapacity: 100, TPS: 10}
	if unhealthy.Healthy() {
		t.Fatalf("expected unhealthy metadata at tps 10 and full capacity")
	}
}
