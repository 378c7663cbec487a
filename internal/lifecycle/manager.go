// Package lifecycle drives a single service's registration, heartbeat,
// re-registration, evacuation, and shutdown state machine over the bus.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haroldsh/fulcrum/internal/bus"
	"github.com/haroldsh/fulcrum/internal/config"
	"github.com/haroldsh/fulcrum/internal/envelope"
	"github.com/haroldsh/fulcrum/internal/logging"
)

// Callbacks are the capability set a host service implements to react to
// lifecycle transitions. Any field may be left nil.
type Callbacks struct {
	OnRegistrationSuccess func(serviceID string)
	OnRegistrationFailure func(reason string)
	OnHeartbeat           func(metadata Metadata)
	OnShutdown            func()
	// PreHeartbeat runs immediately before each heartbeat publish, giving the
	// host a chance to refresh player_count/tps in Manager's metadata.
	PreHeartbeat func(*Metadata)
}

// Manager owns one service's identity and lifecycle state machine.
type Manager struct {
	bus    *bus.Bus
	cfg    config.Config
	logger *logging.Logger
	cb     Callbacks

	mu       sync.Mutex
	identity Identity
	metadata Metadata

	reregisterChannel string
	reregisterHandler bus.Handler
	registerCancel    context.CancelFunc
	heartbeatCancel   context.CancelFunc
	wg                sync.WaitGroup
}

// New constructs a Manager for identity, ready to Start.
func New(b *bus.Bus, cfg config.Config, logger *logging.Logger, identity Identity, maxCapacity int, cb Callbacks) *Manager {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Manager{
		bus:    b,
		cfg:    cfg,
		logger: logger,
		cb:     cb,
		identity: identity,
		metadata: Metadata{
			Status:      StatusStarting,
			MaxCapacity: maxCapacity,
			TPS:         20.0,
			Properties:  make(map[string]any),
		},
	}
}

// Identity returns a snapshot of the current identity.
func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Status returns the current lifecycle status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata.Status
}

// Start subscribes the global handlers and begins the registration loop.
func (m *Manager) Start(ctx context.Context) error {
	m.setStatus(StatusStarting)
	if err := m.bus.SetServiceID(ctx, m.identity.CurrentID()); err != nil {
		return fmt.Errorf("bind bus to temp id: %w", err)
	}
	if err := m.subscribeReregisterChannel(ctx, m.identity.CurrentID()); err != nil {
		return err
	}
	if err := m.bus.Subscribe(ctx, TypeReregisterGlobal, func(ctx context.Context, env envelope.Envelope) {
		m.handleReregister(ctx)
	}); err != nil {
		return fmt.Errorf("subscribe global reregister: %w", err)
	}
	if err := m.bus.Subscribe(ctx, TypeEvacuationRequest, m.handleEvacuation); err != nil {
		return fmt.Errorf("subscribe evacuation: %w", err)
	}
	if err := m.bus.Subscribe(ctx, TypeRegistrationResponse, m.handleRegistrationResponse); err != nil {
		return fmt.Errorf("subscribe registration response: %w", err)
	}

	m.setStatus(StatusRegistering)
	m.startRegistrationLoop(ctx)
	return nil
}

func (m *Manager) subscribeReregisterChannel(ctx context.Context, id string) error {
	channel := "fulcrum.server." + id + ".reregister"
	handler := func(ctx context.Context, _ envelope.Envelope) {
		m.handleReregister(ctx)
	}
	if err := m.bus.Subscribe(ctx, channel, handler); err != nil {
		return fmt.Errorf("subscribe targeted reregister: %w", err)
	}

	m.mu.Lock()
	oldChannel, oldHandler := m.reregisterChannel, m.reregisterHandler
	m.reregisterChannel, m.reregisterHandler = channel, handler
	m.mu.Unlock()

	if oldChannel != "" && oldChannel != channel {
		_ = m.bus.Unsubscribe(oldChannel, oldHandler)
	}
	return nil
}

func (m *Manager) startRegistrationLoop(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.registerCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runRegistration(loopCtx)
	}()
}

func (m *Manager) runRegistration(ctx context.Context) {
	deadline := time.NewTimer(m.cfg.RegistrationTimeout)
	defer deadline.Stop()

	for attempt := 1; attempt <= m.cfg.RegistrationMaxAttempts; attempt++ {
		if err := m.publishRegistrationRequest(ctx); err != nil {
			m.logger.Warn("lifecycle: registration publish failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			m.failRegistration("registration timeout exceeded")
			return
		case <-time.After(m.cfg.RegistrationRetryDelay):
			if m.Status() != StatusRegistering {
				return
			}
		}
	}
	if m.Status() == StatusRegistering {
		m.failRegistration(fmt.Sprintf("exhausted %d registration attempts", m.cfg.RegistrationMaxAttempts))
	}
}

func (m *Manager) publishRegistrationRequest(ctx context.Context) error {
	id := m.Identity()
	req := RegistrationRequest{
		TempID:       id.TempID,
		InstanceUUID: id.InstanceUUID,
		ServiceType:  string(id.ServiceType),
		Role:         id.Role,
		Address:      id.Address,
		Port:         id.Port,
		MaxCapacity:  m.currentMaxCapacity(),
	}
	return m.bus.Broadcast(ctx, TypeRegistrationRequest, req)
}

func (m *Manager) currentMaxCapacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata.MaxCapacity
}

func (m *Manager) handleRegistrationResponse(ctx context.Context, env envelope.Envelope) {
	var resp RegistrationResponse
	if err := env.Unmarshal(&resp); err != nil {
		m.logger.Warn("lifecycle: malformed registration response", logging.Error(err))
		return
	}
	id := m.Identity()
	if resp.TempID != id.TempID {
		return
	}
	if m.Status() != StatusRegistering {
		return
	}
	if !resp.Success || resp.AssignedServerID == "" {
		m.failRegistration(resp.Reason)
		return
	}

	m.mu.Lock()
	m.registerCancel()
	m.identity.ServiceID = resp.AssignedServerID
	m.mu.Unlock()

	if err := m.bus.SetServiceID(ctx, resp.AssignedServerID); err != nil {
		m.logger.Error("lifecycle: bus rebind to permanent id failed", logging.Error(err))
	}
	if err := m.subscribeReregisterChannel(ctx, resp.AssignedServerID); err != nil {
		m.logger.Error("lifecycle: reregister resubscribe failed", logging.Error(err))
	}

	m.setStatus(StatusAvailable)

	announcement := Announcement{
		ServiceID:   resp.AssignedServerID,
		ServiceType: string(id.ServiceType),
		Role:        id.Role,
		Address:     id.Address,
		Port:        id.Port,
	}
	if err := m.bus.Broadcast(ctx, TypeAnnouncement, announcement); err != nil {
		m.logger.Warn("lifecycle: announcement broadcast failed", logging.Error(err))
	}

	if m.cb.OnRegistrationSuccess != nil {
		m.cb.OnRegistrationSuccess(resp.AssignedServerID)
	}
	m.startHeartbeatLoop(ctx)
}

func (m *Manager) failRegistration(reason string) {
	m.mu.Lock()
	if m.registerCancel != nil {
		m.registerCancel()
	}
	m.mu.Unlock()
	if reason == "" {
		reason = "registration failed"
	}
	m.logger.Error("lifecycle: registration failed", logging.String("reason", reason))
	if m.cb.OnRegistrationFailure != nil {
		m.cb.OnRegistrationFailure(reason)
	}
}

func (m *Manager) startHeartbeatLoop(ctx context.Context) {
	hbCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.heartbeatCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runHeartbeat(hbCtx)
	}()
}

func (m *Manager) runHeartbeat(ctx context.Context) {
	//1.- Fire immediately on reaching AVAILABLE, then on the configured interval.
	m.emitHeartbeat(ctx)
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.emitHeartbeat(ctx)
		}
	}
}

func (m *Manager) emitHeartbeat(ctx context.Context) {
	m.mu.Lock()
	if m.cb.PreHeartbeat != nil {
		m.cb.PreHeartbeat(&m.metadata)
	}
	m.metadata.LastHeartbeatAt = time.Now()
	id := m.identity
	metadata := m.metadata
	m.mu.Unlock()

	hb := Heartbeat{
		ServiceID:   id.CurrentID(),
		PlayerCount: metadata.PlayerCount,
		MaxCapacity: metadata.MaxCapacity,
		TPS:         metadata.TPS,
		UptimeMs:    time.Since(id.StartedAt).Milliseconds(),
		Role:        id.Role,
		Status:      string(metadata.Status),
	}
	if err := m.bus.Broadcast(ctx, TypeHeartbeat, hb); err != nil {
		m.logger.Warn("lifecycle: heartbeat publish failed", logging.Error(err))
	}
	if m.cb.OnHeartbeat != nil {
		m.cb.OnHeartbeat(metadata)
	}
}

// emitFinalHeartbeat publishes one last heartbeat carrying an explicit
// status string that does not otherwise appear in the lifecycle FSM.
func (m *Manager) emitFinalHeartbeat(ctx context.Context, status string) {
	m.mu.Lock()
	id := m.identity
	metadata := m.metadata
	m.mu.Unlock()

	hb := Heartbeat{
		ServiceID:   id.CurrentID(),
		PlayerCount: metadata.PlayerCount,
		MaxCapacity: metadata.MaxCapacity,
		TPS:         metadata.TPS,
		UptimeMs:    time.Since(id.StartedAt).Milliseconds(),
		Role:        id.Role,
		Status:      status,
	}
	if err := m.bus.Broadcast(ctx, TypeHeartbeat, hb); err != nil {
		m.logger.Warn("lifecycle: final heartbeat publish failed", logging.Error(err))
	}
}

func (m *Manager) handleReregister(ctx context.Context) {
	if err := m.publishRegistrationRequest(ctx); err != nil {
		m.logger.Warn("lifecycle: reregistration publish failed", logging.Error(err))
	}
	if m.Status() == StatusAvailable || m.Status() == StatusFull {
		m.emitHeartbeat(ctx)
	}
}

func (m *Manager) handleEvacuation(ctx context.Context, env envelope.Envelope) {
	var req EvacuationRequest
	if err := env.Unmarshal(&req); err != nil {
		m.logger.Warn("lifecycle: malformed evacuation request", logging.Error(err))
		return
	}
	if req.ServiceID != m.Identity().CurrentID() {
		return
	}
	m.setStatus(StatusEvacuating)
	resp := EvacuationResponse{ServiceID: req.ServiceID, Accepted: true}
	if err := m.bus.Broadcast(ctx, TypeEvacuationResponse, resp); err != nil {
		m.logger.Warn("lifecycle: evacuation response failed", logging.Error(err))
	}
}

// SetPlayerCount updates the service's occupancy, flipping status between
// AVAILABLE and FULL as the soft capacity boundary is crossed.
func (m *Manager) SetPlayerCount(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata.PlayerCount = count
	switch m.metadata.Status {
	case StatusAvailable, StatusFull:
		if m.metadata.MaxCapacity > 0 && count >= m.metadata.MaxCapacity {
			m.metadata.Status = StatusFull
		} else {
			m.metadata.Status = StatusAvailable
		}
	}
}

// SetTPS updates the service's observed tick rate.
func (m *Manager) SetTPS(tps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata.TPS = tps
}

func (m *Manager) setStatus(status Status) {
	m.mu.Lock()
	m.metadata.Status = status
	m.mu.Unlock()
}

// Shutdown transitions through STOPPING to STOPPED: cancels background
// loops, announces removal, sends a final heartbeat, then waits up to 5
// seconds for goroutines to exit before returning regardless.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.setStatus(StatusStopping)

	m.mu.Lock()
	if m.registerCancel != nil {
		m.registerCancel()
	}
	if m.heartbeatCancel != nil {
		m.heartbeatCancel()
	}
	id := m.identity
	m.mu.Unlock()

	removal := RemovalNotification{
		ServiceID:   id.CurrentID(),
		ServiceType: string(id.ServiceType),
		Reason:      "SHUTDOWN",
	}
	if err := m.bus.Broadcast(ctx, TypeServerRemoved, removal); err != nil {
		m.logger.Warn("lifecycle: removal notification failed", logging.Error(err))
	}
	m.emitFinalHeartbeat(ctx, "SHUTDOWN")
	m.setStatus(StatusStopped)

	waitDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		m.logger.Warn("lifecycle: forced shutdown after grace period")
	}

	if m.cb.OnShutdown != nil {
		m.cb.OnShutdown()
	}
	return nil
}
