package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haroldsh/fulcrum/internal/auditlog"
	"github.com/haroldsh/fulcrum/internal/config"
	"github.com/haroldsh/fulcrum/internal/lifecycle"
	"github.com/haroldsh/fulcrum/internal/transport"
)

type fakeAuditSink struct {
	mu     sync.Mutex
	events []auditlog.Event
}

func (s *fakeAuditSink) Append(event auditlog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeAuditSink) snapshot() []auditlog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]auditlog.Event(nil), s.events...)
}

func testConfig() config.Config {
	return config.Config{
		RegistryRecordTTL:     2 * time.Minute,
		CrashDetectionTimeout: 60 * time.Second,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	tr := transport.NewMemory()
	t.Cleanup(func() { _ = tr.Close() })
	return New(tr, testConfig(), nil)
}

func identityFor(serviceType lifecycle.ServiceType, role string) lifecycle.Identity {
	return lifecycle.Identity{
		TempID:      "temp-abcdef01",
		ServiceType: serviceType,
		Role:        role,
		Address:     "127.0.0.1",
		Port:        25565,
		StartedAt:   time.Now(),
	}
}

func TestRegisterAllocatesLowestFreeID(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	result, err := reg.Register(ctx, identityFor(lifecycle.ServiceTypeServer, "lobby"), "uuid-1", 100)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if result.Outcome != OutcomeSuccess || result.ServiceID != "lobby-0" {
		t.Fatalf("expected Success lobby-0, got %+v", result)
	}

	second, err := reg.Register(ctx, identityFor(lifecycle.ServiceTypeServer, "lobby"), "uuid-2", 100)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if second.Outcome != OutcomeSuccess || second.ServiceID != "lobby-1" {
		t.Fatalf("expected Success lobby-1, got %+v", second)
	}
}

func TestRegisterSameInstanceUUIDReclaimsSameID(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, identityFor(lifecycle.ServiceTypeServer, "arena"), "uuid-dup", 50)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	second, err := reg.Register(ctx, identityFor(lifecycle.ServiceTypeServer, "arena"), "uuid-dup", 50)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if second.Outcome != OutcomeReclaimed {
		t.Fatalf("expected Reclaimed outcome, got %v", second.Outcome)
	}
	if second.ServiceID != first.ServiceID {
		t.Fatalf("expected reclaimed id to match original, got %q vs %q", second.ServiceID, first.ServiceID)
	}
}

func TestUnregisterThenRegisterNewInstanceGetsFreshAllocation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, identityFor(lifecycle.ServiceTypeServer, "survival"), "uuid-a", 10)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := reg.Unregister(ctx, first.ServiceID); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}

	second, err := reg.Register(ctx, identityFor(lifecycle.ServiceTypeServer, "survival"), "uuid-b", 10)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if second.Outcome != OutcomeSuccess {
		t.Fatalf("expected a fresh Success allocation, got %+v", second)
	}
	if second.ServiceID != first.ServiceID {
		t.Fatalf("expected the freed slot %q to be reused, got %q", first.ServiceID, second.ServiceID)
	}
}

func TestProxyRegistrationUsesProxyPrefix(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	result, err := reg.Register(ctx, identityFor(lifecycle.ServiceTypeProxy, ""), "uuid-proxy", 500)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if result.ServiceID != "fulcrum-proxy-0" {
		t.Fatalf("expected fulcrum-proxy-0, got %q", result.ServiceID)
	}
}

func TestHeartbeatUpdatesRecordAndResetsTTL(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	result, err := reg.Register(ctx, identityFor(lifecycle.ServiceTypeServer, "lobby"), "uuid-hb", 100)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	ok, err := reg.Heartbeat(ctx, result.ServiceID, 42, 100, 19.5, lifecycle.StatusAvailable)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected heartbeat to find the record")
	}

	record, found, err := reg.GetServer(ctx, result.ServiceID)
	if err != nil {
		t.Fatalf("get server failed: %v", err)
	}
	if !found {
		t.Fatalf("expected record to be found")
	}
	if record.PlayerCount != 42 || record.Status != lifecycle.StatusAvailable {
		t.Fatalf("unexpected record after heartbeat: %+v", record)
	}
}

func TestCheckCrashedMarksStaleRecordsOffline(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	result, err := reg.Register(ctx, identityFor(lifecycle.ServiceTypeServer, "arena"), "uuid-crash", 20)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := reg.Heartbeat(ctx, result.ServiceID, 1, 20, 20, lifecycle.StatusAvailable); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	record, _, err := reg.GetServer(ctx, result.ServiceID)
	if err != nil {
		t.Fatalf("get server failed: %v", err)
	}
	record.LastHeartbeatAt = time.Now().Add(-2 * time.Minute)
	data, err := encodeRecord(record)
	if err != nil {
		t.Fatalf("encode record failed: %v", err)
	}
	tr := reg.transport
	if err := tr.SetWithTTL(ctx, recordKey(result.ServiceID), data, 2*time.Minute); err != nil {
		t.Fatalf("rewrite record failed: %v", err)
	}

	crashed, err := reg.CheckCrashed(ctx, 60*time.Second)
	if err != nil {
		t.Fatalf("check crashed failed: %v", err)
	}
	if len(crashed) != 1 || crashed[0] != result.ServiceID {
		t.Fatalf("expected %q reported crashed, got %v", result.ServiceID, crashed)
	}

	best, found, err := reg.BestServer(ctx, "arena")
	if err != nil {
		t.Fatalf("best server failed: %v", err)
	}
	if found {
		t.Fatalf("expected no healthy arena server, got %+v", best)
	}
}

func TestBestServerPicksLowestLoad(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	busy, err := reg.Register(ctx, identityFor(lifecycle.ServiceTypeServer, "lobby"), "uuid-busy", 100)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	idle, err := reg.Register(ctx, identityFor(lifecycle.ServiceTypeServer, "lobby"), "uuid-idle", 100)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := reg.Heartbeat(ctx, busy.ServiceID, 90, 100, 20, lifecycle.StatusAvailable); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if _, err := reg.Heartbeat(ctx, idle.ServiceID, 5, 100, 20, lifecycle.StatusAvailable); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	best, found, err := reg.BestServer(ctx, "lobby")
	if err != nil {
		t.Fatalf("best server failed: %v", err)
	}
	if !found || best.ServiceID != idle.ServiceID {
		t.Fatalf("expected idle server to win, got %+v", best)
	}
}

func TestRegisterFailsOnLiveIDCollisionAndRecordsAudit(t *testing.T) {
	tr := transport.NewMemory()
	t.Cleanup(func() { _ = tr.Close() })
	sink := &fakeAuditSink{}
	reg := New(tr, testConfig(), nil).WithAuditSink(sink)
	ctx := context.Background()

	//1.- Plant a live record at the id this registration would otherwise be
	// allocated, owned by a different instance and freshly heartbeating, to
	// simulate two registry processes racing over the same candidate slot.
	collision := Record{
		ServiceID:       "dup-0",
		ServiceType:     "SERVER",
		Role:            "dup",
		InstanceUUID:    "uuid-owner",
		RegisteredAt:    time.Now(),
		LastHeartbeatAt: time.Now(),
		Status:          lifecycle.StatusAvailable,
	}
	data, err := encodeRecord(collision)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	if err := tr.SetWithTTL(ctx, recordKey(collision.ServiceID), data, time.Minute); err != nil {
		t.Fatalf("seed collision record: %v", err)
	}

	result, err := reg.Register(ctx, identityFor(lifecycle.ServiceTypeServer, "dup"), "uuid-challenger", 10)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if result.Outcome != OutcomeFailure {
		t.Fatalf("expected failure outcome, got %+v", result)
	}

	events := sink.snapshot()
	if len(events) != 1 || events[0].Kind != auditlog.KindIdentityConflict {
		t.Fatalf("expected one identity_conflict audit event, got %+v", events)
	}
}

func TestListByTypeAndStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	result, err := reg.Register(ctx, identityFor(lifecycle.ServiceTypeServer, "lobby"), "uuid-x", 10)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if ok, err := reg.UpdateStatus(ctx, result.ServiceID, lifecycle.StatusAvailable); err != nil || !ok {
		t.Fatalf("update status failed: ok=%v err=%v", ok, err)
	}

	byType, err := reg.ListByType(ctx, "SERVER")
	if err != nil {
		t.Fatalf("list by type failed: %v", err)
	}
	if len(byType) != 1 {
		t.Fatalf("expected one SERVER record, got %d", len(byType))
	}

	byStatus, err := reg.ListByStatus(ctx, lifecycle.StatusAvailable)
	if err != nil {
		t.Fatalf("list by status failed: %v", err)
	}
	if len(byStatus) != 1 {
		t.Fatalf("expected one AVAILABLE record, got %d", len(byStatus))
	}
}
