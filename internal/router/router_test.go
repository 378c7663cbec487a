package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haroldsh/fulcrum/internal/bus"
	"github.com/haroldsh/fulcrum/internal/config"
	"github.com/haroldsh/fulcrum/internal/envelope"
	"github.com/haroldsh/fulcrum/internal/lifecycle"
	"github.com/haroldsh/fulcrum/internal/transport"
)

func testConfig() config.Config {
	return config.Config{
		DedupTTL:             60 * time.Second,
		RegistrationDedupTTL: 30 * time.Second,
		MetricStale:          10 * time.Second,
	}
}

func newTestBus(t *testing.T, serviceID string) *bus.Bus {
	t.Helper()
	tr := transport.NewMemory()
	t.Cleanup(func() { _ = tr.Close() })
	b := bus.New(testConfig(), tr, envelope.NewTypeRegistry())
	if err := b.SetServiceID(context.Background(), serviceID); err != nil {
		t.Fatalf("set service id failed: %v", err)
	}
	return b
}

type fakeDirectory struct {
	mu     sync.Mutex
	online map[string]bool
}

func newFakeDirectory() *fakeDirectory { return &fakeDirectory{online: make(map[string]bool)} }

func (d *fakeDirectory) setOnline(playerID string, online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.online[playerID] = online
}

func (d *fakeDirectory) IsOnline(playerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online[playerID]
}

type fakeConnector struct {
	mu          sync.Mutex
	current     map[string]string
	connectErr  error
	payloadErr  error
	kicked      map[string]string
	connectCall int
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{current: make(map[string]string), kicked: make(map[string]string)}
}

func (c *fakeConnector) CurrentServer(playerID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.current[playerID]
	return s, ok
}

func (c *fakeConnector) Connect(ctx context.Context, playerID, serverID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCall++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.current[playerID] = serverID
	return nil
}

func (c *fakeConnector) SendRoutePayload(ctx context.Context, playerID string, cmd ProxyCommand) error {
	return c.payloadErr
}

func (c *fakeConnector) Kick(ctx context.Context, playerID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicked[playerID] = reason
	return nil
}

func waitForAck(t *testing.T, ackCh chan RouteAck) RouteAck {
	t.Helper()
	select {
	case ack := <-ackCh:
		return ack
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for route ack")
	}
	return RouteAck{}
}

func subscribeAcks(t *testing.T, b *bus.Bus) chan RouteAck {
	t.Helper()
	ackCh := make(chan RouteAck, 4)
	if err := b.Subscribe(context.Background(), TypeRouteAck, func(_ context.Context, env envelope.Envelope) {
		var ack RouteAck
		if err := env.Unmarshal(&ack); err == nil {
			ackCh <- ack
		}
	}); err != nil {
		t.Fatalf("subscribe route ack: %v", err)
	}
	return ackCh
}

func TestChooseInitialServerPrefersHealthyLobby(t *testing.T) {
	b := newTestBus(t, "fulcrum-proxy-0")
	ctx := context.Background()
	r := New(b, testConfig(), nil, "fulcrum-proxy-0", newFakeDirectory(), newFakeConnector())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.Shutdown()

	r.view.upsert(serverMetrics{ServiceID: "survival-0", Role: "survival", Healthy: true, TPS: 20})
	r.view.upsert(serverMetrics{ServiceID: "lobby-0", Role: "lobby", Healthy: true, TPS: 20})

	id, ok := r.ChooseInitialServer()
	if !ok || id != "lobby-0" {
		t.Fatalf("expected lobby-0, got %q ok=%v", id, ok)
	}
}

func TestChooseInitialServerFallsBackWithoutLobby(t *testing.T) {
	b := newTestBus(t, "fulcrum-proxy-0")
	ctx := context.Background()
	r := New(b, testConfig(), nil, "fulcrum-proxy-0", newFakeDirectory(), newFakeConnector())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.Shutdown()

	r.view.upsert(serverMetrics{ServiceID: "survival-0", Role: "survival", Healthy: true, TPS: 20})

	id, ok := r.ChooseInitialServer()
	if !ok || id != "survival-0" {
		t.Fatalf("expected survival-0, got %q ok=%v", id, ok)
	}
}

func TestHandleRouteCommandPlayerOffline(t *testing.T) {
	b := newTestBus(t, "fulcrum-proxy-0")
	ctx := context.Background()
	connector := newFakeConnector()
	r := New(b, testConfig(), nil, "fulcrum-proxy-0", newFakeDirectory(), connector)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.Shutdown()

	ackCh := subscribeAcks(t, b)
	r.handleRouteCommand(ctx, ProxyCommand{Action: ActionRoute, PlayerID: "p1", ServerID: "lobby-0"})

	ack := waitForAck(t, ackCh)
	if ack.Status != StatusFailed || ack.Reason != ReasonPlayerOffline {
		t.Fatalf("expected player-offline failure, got %+v", ack)
	}
}

func TestHandleRouteCommandBackendNotFound(t *testing.T) {
	b := newTestBus(t, "fulcrum-proxy-0")
	ctx := context.Background()
	directory := newFakeDirectory()
	directory.setOnline("p1", true)
	connector := newFakeConnector()
	r := New(b, testConfig(), nil, "fulcrum-proxy-0", directory, connector)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.Shutdown()

	ackCh := subscribeAcks(t, b)
	r.handleRouteCommand(ctx, ProxyCommand{Action: ActionRoute, PlayerID: "p1", ServerID: ""})

	ack := waitForAck(t, ackCh)
	if ack.Status != StatusFailed || ack.Reason != ReasonBackendNotFound {
		t.Fatalf("expected backend-not-found failure, got %+v", ack)
	}
}

func TestHandleRouteCommandConnectFailureAcksFailed(t *testing.T) {
	b := newTestBus(t, "fulcrum-proxy-0")
	ctx := context.Background()
	directory := newFakeDirectory()
	directory.setOnline("p1", true)
	connector := newFakeConnector()
	connector.connectErr = errors.New("boom")
	r := New(b, testConfig(), nil, "fulcrum-proxy-0", directory, connector)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.Shutdown()

	ackCh := subscribeAcks(t, b)
	r.handleRouteCommand(ctx, ProxyCommand{Action: ActionRoute, PlayerID: "p1", ServerID: "lobby-0"})

	ack := waitForAck(t, ackCh)
	if ack.Status != StatusFailed || ack.Reason != ReasonConnectFailed {
		t.Fatalf("expected connection-failed failure, got %+v", ack)
	}
	if _, held := r.Assignment("p1"); held {
		t.Fatalf("expected no assignment recorded after a connect failure")
	}
}

func TestHandleRouteCommandSuccessRecordsAssignmentBeforeAck(t *testing.T) {
	b := newTestBus(t, "fulcrum-proxy-0")
	ctx := context.Background()
	directory := newFakeDirectory()
	directory.setOnline("p1", true)
	connector := newFakeConnector()
	r := New(b, testConfig(), nil, "fulcrum-proxy-0", directory, connector)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.Shutdown()

	ackCh := make(chan RouteAck, 1)
	if err := b.Subscribe(ctx, TypeRouteAck, func(_ context.Context, env envelope.Envelope) {
		var ack RouteAck
		if err := env.Unmarshal(&ack); err == nil {
			if _, held := r.Assignment("p1"); !held {
				t.Error("expected assignment to be recorded before the ack was published")
			}
			ackCh <- ack
		}
	}); err != nil {
		t.Fatalf("subscribe route ack: %v", err)
	}

	r.handleRouteCommand(ctx, ProxyCommand{Action: ActionRoute, PlayerID: "p1", ServerID: "lobby-0", SlotID: "slot-3"})

	ack := waitForAck(t, ackCh)
	if ack.Status != StatusSuccess {
		t.Fatalf("expected success ack, got %+v", ack)
	}
	assignment, held := r.Assignment("p1")
	if !held || assignment.ServerID != "lobby-0" || assignment.SlotID != "slot-3" {
		t.Fatalf("unexpected assignment: %+v held=%v", assignment, held)
	}
}

func TestHandleDisconnectCommandKicksAndForgetsAssignment(t *testing.T) {
	b := newTestBus(t, "fulcrum-proxy-0")
	ctx := context.Background()
	directory := newFakeDirectory()
	directory.setOnline("p1", true)
	connector := newFakeConnector()
	r := New(b, testConfig(), nil, "fulcrum-proxy-0", directory, connector)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.Shutdown()

	r.handleRouteCommand(ctx, ProxyCommand{Action: ActionRoute, PlayerID: "p1", ServerID: "lobby-0"})
	r.handleDisconnectCommand(ctx, ProxyCommand{Action: ActionDisconnect, PlayerID: "p1", Reason: "evacuation"})

	if _, held := r.Assignment("p1"); held {
		t.Fatalf("expected assignment to be forgotten after disconnect")
	}
	if reason := connector.kicked["p1"]; reason != "evacuation" {
		t.Fatalf("expected player kicked with reason evacuation, got %q", reason)
	}
}

func TestHandleLocateRequestRepliesWhenHeld(t *testing.T) {
	b := newTestBus(t, "fulcrum-proxy-0")
	ctx := context.Background()
	directory := newFakeDirectory()
	directory.setOnline("p1", true)
	connector := newFakeConnector()
	r := New(b, testConfig(), nil, "fulcrum-proxy-0", directory, connector)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.Shutdown()

	r.handleRouteCommand(ctx, ProxyCommand{Action: ActionRoute, PlayerID: "p1", ServerID: "lobby-0", SlotID: "slot-1"})

	respCh := make(chan LocateResponse, 1)
	if err := b.Subscribe(ctx, TypeLocateResponse, func(_ context.Context, env envelope.Envelope) {
		var resp LocateResponse
		if err := env.Unmarshal(&resp); err == nil {
			respCh <- resp
		}
	}); err != nil {
		t.Fatalf("subscribe locate response: %v", err)
	}

	r.handleLocateRequest(ctx, LocateRequest{RequestID: "req-1", PlayerID: "p1"})

	select {
	case resp := <-respCh:
		if !resp.Found || resp.ServerID != "lobby-0" || resp.SlotID != "slot-1" {
			t.Fatalf("unexpected locate response: %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for locate response")
	}
}

func TestHandleLocateRequestDropsWhenNotHeld(t *testing.T) {
	b := newTestBus(t, "fulcrum-proxy-0")
	ctx := context.Background()
	r := New(b, testConfig(), nil, "fulcrum-proxy-0", newFakeDirectory(), newFakeConnector())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.Shutdown()

	received := false
	if err := b.Subscribe(ctx, TypeLocateResponse, func(_ context.Context, env envelope.Envelope) {
		received = true
	}); err != nil {
		t.Fatalf("subscribe locate response: %v", err)
	}

	r.handleLocateRequest(ctx, LocateRequest{RequestID: "req-2", PlayerID: "ghost"})
	time.Sleep(50 * time.Millisecond)
	if received {
		t.Fatalf("expected no locate response when the player isn't held")
	}
}

func TestHandleSlotRequestBroadcastsAndReturnsRequestID(t *testing.T) {
	b := newTestBus(t, "fulcrum-proxy-0")
	ctx := context.Background()
	r := New(b, testConfig(), nil, "fulcrum-proxy-0", newFakeDirectory(), newFakeConnector())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.Shutdown()

	received := make(chan SlotRequest, 1)
	if err := b.Subscribe(ctx, TypeSlotRequest, func(_ context.Context, env envelope.Envelope) {
		var req SlotRequest
		if err := env.Unmarshal(&req); err == nil {
			received <- req
		}
	}); err != nil {
		t.Fatalf("subscribe slot request: %v", err)
	}

	requestID, err := r.HandleSlotRequest(ctx, "p1", "lobby", nil)
	if err != nil {
		t.Fatalf("handle slot request failed: %v", err)
	}
	if requestID == "" {
		t.Fatalf("expected a non-empty request id")
	}

	select {
	case req := <-received:
		if req.RequestID != requestID || req.PlayerID != "p1" || req.Family != "lobby" || req.ProxyID != "fulcrum-proxy-0" {
			t.Fatalf("unexpected slot request: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for slot request broadcast")
	}
}

func TestSetProxyIDResubscribesRouteChannel(t *testing.T) {
	b := newTestBus(t, "fulcrum-proxy-0")
	ctx := context.Background()
	directory := newFakeDirectory()
	directory.setOnline("p1", true)
	r := New(b, testConfig(), nil, "fulcrum-proxy-0", directory, newFakeConnector())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.Shutdown()

	if err := r.SetProxyID(ctx, "fulcrum-proxy-1"); err != nil {
		t.Fatalf("set proxy id failed: %v", err)
	}

	ackCh := subscribeAcks(t, b)
	if err := b.Broadcast(ctx, routeCommandType("fulcrum-proxy-1"), ProxyCommand{Action: ActionRoute, PlayerID: "p1", ServerID: "lobby-0"}); err != nil {
		t.Fatalf("broadcast route command: %v", err)
	}

	ack := waitForAck(t, ackCh)
	if ack.ProxyID != "fulcrum-proxy-1" {
		t.Fatalf("expected ack to carry the new proxy id, got %+v", ack)
	}
}

func TestLifecycleHeartbeatFeedsServerView(t *testing.T) {
	b := newTestBus(t, "fulcrum-proxy-0")
	ctx := context.Background()
	r := New(b, testConfig(), nil, "fulcrum-proxy-0", newFakeDirectory(), newFakeConnector())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.Shutdown()

	if err := b.Broadcast(ctx, lifecycle.TypeHeartbeat, lifecycle.Heartbeat{
		ServiceID: "lobby-0", Role: "lobby", TPS: 19.5, PlayerCount: 2, MaxCapacity: 20,
	}); err != nil {
		t.Fatalf("broadcast heartbeat: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if id, ok := r.ChooseInitialServer(); ok && id == "lobby-0" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server view never observed the broadcast heartbeat")
}
