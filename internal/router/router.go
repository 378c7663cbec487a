// Package router implements the proxy-side player routing core: slot
// requests, route commands, route acks, and locate queries exchanged with
// the rest of the fleet over the message bus.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haroldsh/fulcrum/internal/bus"
	"github.com/haroldsh/fulcrum/internal/config"
	"github.com/haroldsh/fulcrum/internal/envelope"
	"github.com/haroldsh/fulcrum/internal/lifecycle"
	"github.com/haroldsh/fulcrum/internal/logging"
)

// routePayloadDelay is how long handle_route_command waits before sending
// the plugin-message payload to a player already connected to the target
// server, giving the client a moment to settle post-handshake.
const routePayloadDelay = 50 * time.Millisecond

// Router runs on the proxy. It tracks a locally-built server view, the
// player->assignment map, and dispatches all route choreography through a
// single-threaded command queue so assignment updates never race each other.
type Router struct {
	bus         *bus.Bus
	logger      *logging.Logger
	directory   PlayerDirectory
	connector   BackendConnector
	view        *serverView
	assignments *assignmentStore

	proxyMu sync.RWMutex
	proxyID string

	inbox chan func(ctx context.Context)
	done  chan struct{}
}

// New constructs a Router. directory and connector are supplied by the host
// proxy runtime; proxyID is the service's current id (temp or permanent) at
// construction time, updated later via SetProxyID.
func New(b *bus.Bus, cfg config.Config, logger *logging.Logger, proxyID string, directory PlayerDirectory, connector BackendConnector) *Router {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Router{
		bus:         b,
		logger:      logger,
		directory:   directory,
		connector:   connector,
		view:        newServerView(cfg.MetricStale),
		assignments: newAssignmentStore(),
		proxyID:     proxyID,
		inbox:       make(chan func(ctx context.Context), 256),
		done:        make(chan struct{}),
	}
}

// Start subscribes to lifecycle traffic (to build the server view), the
// player-request/locate channels, and this proxy's own route-command
// channel, then begins running the single-threaded dispatch loop.
func (r *Router) Start(ctx context.Context) error {
	go r.run(ctx)

	if err := r.bus.Subscribe(ctx, lifecycle.TypeHeartbeat, r.onHeartbeat); err != nil {
		return fmt.Errorf("router: subscribe heartbeat: %w", err)
	}
	if err := r.bus.Subscribe(ctx, lifecycle.TypeAnnouncement, r.onAnnouncement); err != nil {
		return fmt.Errorf("router: subscribe announcement: %w", err)
	}
	if err := r.bus.Subscribe(ctx, lifecycle.TypeServerRemoved, r.onServerRemoved); err != nil {
		return fmt.Errorf("router: subscribe server removed: %w", err)
	}
	if err := r.bus.Subscribe(ctx, TypeLocateRequest, r.onLocateRequest); err != nil {
		return fmt.Errorf("router: subscribe locate request: %w", err)
	}
	if err := r.subscribeRouteChannel(ctx, r.currentProxyID()); err != nil {
		return fmt.Errorf("router: subscribe route channel: %w", err)
	}
	return nil
}

func (r *Router) currentProxyID() string {
	r.proxyMu.RLock()
	defer r.proxyMu.RUnlock()
	return r.proxyID
}

// Shutdown stops the dispatch loop. Already-queued commands are dropped.
func (r *Router) Shutdown() {
	close(r.done)
}

func (r *Router) run(ctx context.Context) {
	for {
		select {
		case fn := <-r.inbox:
			fn(ctx)
		case <-r.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) enqueue(fn func(ctx context.Context)) {
	select {
	case r.inbox <- fn:
	default:
		r.logger.Warn("router: command queue full, dropping")
	}
}

// SetProxyID re-subscribes the router's route-command channel to a new
// proxy id, retiring the prior subscription. Called by the lifecycle
// manager's registration-success callback.
func (r *Router) SetProxyID(ctx context.Context, proxyID string) error {
	oldID := r.currentProxyID()
	if proxyID == oldID {
		return nil
	}
	if err := r.subscribeRouteChannel(ctx, proxyID); err != nil {
		return err
	}
	r.proxyMu.Lock()
	r.proxyID = proxyID
	r.proxyMu.Unlock()
	if oldID != "" {
		_ = r.bus.Unsubscribe(routeCommandType(oldID), r.onProxyCommand)
	}
	return nil
}

func (r *Router) subscribeRouteChannel(ctx context.Context, proxyID string) error {
	return r.bus.Subscribe(ctx, routeCommandType(proxyID), r.onProxyCommand)
}

func (r *Router) onHeartbeat(ctx context.Context, env envelope.Envelope) {
	var hb lifecycle.Heartbeat
	if err := env.Unmarshal(&hb); err != nil {
		r.logger.Warn("router: malformed heartbeat", logging.Error(err))
		return
	}
	r.view.upsert(serverMetrics{
		ServiceID:   hb.ServiceID,
		Role:        hb.Role,
		Healthy:     hb.TPS >= 18 && (hb.MaxCapacity <= 0 || hb.PlayerCount < hb.MaxCapacity),
		PlayerCount: hb.PlayerCount,
		MaxCapacity: hb.MaxCapacity,
		TPS:         hb.TPS,
	})
}

func (r *Router) onAnnouncement(ctx context.Context, env envelope.Envelope) {
	var ann lifecycle.Announcement
	if err := env.Unmarshal(&ann); err != nil {
		r.logger.Warn("router: malformed announcement", logging.Error(err))
		return
	}
	if _, known := r.view.get(ann.ServiceID); known {
		return
	}
	r.view.upsert(serverMetrics{ServiceID: ann.ServiceID, Role: ann.Role, Healthy: true, TPS: 20})
}

func (r *Router) onServerRemoved(ctx context.Context, env envelope.Envelope) {
	var removal lifecycle.RemovalNotification
	if err := env.Unmarshal(&removal); err != nil {
		r.logger.Warn("router: malformed removal notification", logging.Error(err))
		return
	}
	r.view.remove(removal.ServiceID)
}

// ChooseInitialServer implements choose_initial_server.
func (r *Router) ChooseInitialServer() (serviceID string, ok bool) {
	m, ok := r.view.chooseInitial()
	if !ok {
		return "", false
	}
	return m.ServiceID, true
}

// FindOptimal implements find_optimal(role).
func (r *Router) FindOptimal(role string) (serviceID string, ok bool) {
	m, ok := r.view.findOptimal(role)
	if !ok {
		return "", false
	}
	return m.ServiceID, true
}

// HandleSlotRequest implements handle_slot_request: broadcasts a
// SlotRequest and returns its request id for correlation.
func (r *Router) HandleSlotRequest(ctx context.Context, playerID, family string, metadata map[string]any) (string, error) {
	requestID := uuid.NewString()
	var rawMeta []byte
	if len(metadata) > 0 {
		var err error
		rawMeta, err = json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("router: marshal slot request metadata: %w", err)
		}
	}
	req := SlotRequest{RequestID: requestID, PlayerID: playerID, ProxyID: r.currentProxyID(), Family: family, Metadata: rawMeta}
	if err := r.bus.Broadcast(ctx, TypeSlotRequest, req); err != nil {
		return "", fmt.Errorf("router: broadcast slot request: %w", err)
	}
	return requestID, nil
}

func (r *Router) onProxyCommand(ctx context.Context, env envelope.Envelope) {
	var cmd ProxyCommand
	if err := env.Unmarshal(&cmd); err != nil {
		r.logger.Warn("router: malformed proxy command", logging.Error(err))
		return
	}
	switch cmd.Action {
	case ActionDisconnect:
		r.enqueue(func(ctx context.Context) { r.handleDisconnectCommand(ctx, cmd) })
	default:
		r.enqueue(func(ctx context.Context) { r.handleRouteCommand(ctx, cmd) })
	}
}

func (r *Router) handleRouteCommand(ctx context.Context, cmd ProxyCommand) {
	if !r.directory.IsOnline(cmd.PlayerID) {
		r.ack(ctx, cmd.PlayerID, StatusFailed, ReasonPlayerOffline)
		return
	}
	if cmd.ServerID == "" {
		r.ack(ctx, cmd.PlayerID, StatusFailed, ReasonBackendNotFound)
		return
	}

	if current, ok := r.connector.CurrentServer(cmd.PlayerID); ok && current == cmd.ServerID {
		time.Sleep(routePayloadDelay)
		if err := r.connector.SendRoutePayload(ctx, cmd.PlayerID, cmd); err != nil {
			r.ack(ctx, cmd.PlayerID, StatusFailed, ReasonConnectFailed)
			return
		}
		r.completeRoute(ctx, cmd)
		return
	}

	if err := r.connector.Connect(ctx, cmd.PlayerID, cmd.ServerID); err != nil {
		r.logger.Warn("router: connection attempt failed", logging.String("player_id", cmd.PlayerID), logging.String("server_id", cmd.ServerID), logging.Error(err))
		r.ack(ctx, cmd.PlayerID, StatusFailed, ReasonConnectFailed)
		return
	}
	if err := r.connector.SendRoutePayload(ctx, cmd.PlayerID, cmd); err != nil {
		r.ack(ctx, cmd.PlayerID, StatusFailed, ReasonConnectFailed)
		return
	}
	r.completeRoute(ctx, cmd)
}

func (r *Router) completeRoute(ctx context.Context, cmd ProxyCommand) {
	//1.- The assignment map must reflect the new location before the ack goes out.
	r.assignments.set(cmd.PlayerID, Assignment{
		ServerID:   cmd.ServerID,
		SlotID:     cmd.SlotID,
		SlotSuffix: cmd.SlotSuffix,
		FamilyID:   cmd.FamilyID,
	})
	r.ack(ctx, cmd.PlayerID, StatusSuccess, "")
}

func (r *Router) handleDisconnectCommand(ctx context.Context, cmd ProxyCommand) {
	if err := r.connector.Kick(ctx, cmd.PlayerID, cmd.Reason); err != nil {
		r.logger.Warn("router: kick failed", logging.String("player_id", cmd.PlayerID), logging.Error(err))
	}
	r.assignments.forget(cmd.PlayerID)
}

func (r *Router) ack(ctx context.Context, playerID, status, reason string) {
	if err := r.bus.Broadcast(ctx, TypeRouteAck, RouteAck{ProxyID: r.currentProxyID(), PlayerID: playerID, Status: status, Reason: reason}); err != nil {
		r.logger.Warn("router: broadcast ack failed", logging.Error(err))
	}
}

func (r *Router) onLocateRequest(ctx context.Context, env envelope.Envelope) {
	var req LocateRequest
	if err := env.Unmarshal(&req); err != nil {
		r.logger.Warn("router: malformed locate request", logging.Error(err))
		return
	}
	r.enqueue(func(ctx context.Context) { r.handleLocateRequest(ctx, req) })
}

func (r *Router) handleLocateRequest(ctx context.Context, req LocateRequest) {
	//1.- IsOnline, not the assignment map, is the authority on whether this
	// proxy holds the player: a player who arrived via choose_initial_server
	// never gets an assignment entry but is still held here.
	if !r.directory.IsOnline(req.PlayerID) {
		return
	}
	resp := LocateResponse{RequestID: req.RequestID, PlayerID: req.PlayerID, Found: true}
	if assignment, held := r.assignments.get(req.PlayerID); held {
		resp.ServerID = assignment.ServerID
		resp.SlotID = assignment.SlotID
		resp.SlotSuffix = assignment.SlotSuffix
		resp.FamilyID = assignment.FamilyID
	}
	if err := r.bus.Broadcast(ctx, TypeLocateResponse, resp); err != nil {
		r.logger.Warn("router: broadcast locate response failed", logging.Error(err))
	}
}

// Assignment returns the player's current assignment, if this proxy holds one.
func (r *Router) Assignment(playerID string) (Assignment, bool) {
	return r.assignments.get(playerID)
}
