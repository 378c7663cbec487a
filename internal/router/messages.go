package router

import (
	"encoding/json"

	"github.com/haroldsh/fulcrum/internal/envelope"
)

// Wire message types carried on the player-routing channels.
const (
	TypeSlotRequest    = "fulcrum.registry.player.request"
	TypeRouteAck       = "fulcrum.player.route.ack"
	TypeLocateRequest  = "fulcrum.registry.player.locate.request"
	TypeLocateResponse = "fulcrum.registry.player.locate.response"

	routeCommandPrefix = "fulcrum.player.route."
)

// Actions carried by a ProxyCommand arriving on a proxy's route channel.
const (
	ActionRoute      = "ROUTE"
	ActionDisconnect = "DISCONNECT"
)

// routeCommandType names a proxy's own route-command channel/type. The bus
// treats any fulcrum.-prefixed type as its own channel, so this string
// doubles as both; ROUTE and DISCONNECT commands share it, distinguished by
// their Action field.
func routeCommandType(proxyID string) string { return routeCommandPrefix + proxyID }

// Ack statuses broadcast on TypeRouteAck.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Failure reasons for a FAILED ack.
const (
	ReasonPlayerOffline   = "player-offline"
	ReasonBackendNotFound = "backend-not-found"
	ReasonConnectFailed   = "connection-failed"
)

// SlotRequest asks the fleet to pick a destination slot for a player.
type SlotRequest struct {
	RequestID string          `json:"request_id"`
	PlayerID  string          `json:"player_id"`
	ProxyID   string          `json:"proxy_id"`
	Family    string          `json:"family"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// ProxyCommand arrives on a proxy's own route channel. Action selects
// whether it is a ROUTE (move the player onto ServerID/SlotID) or a
// DISCONNECT (kick the player, Reason explains why).
type ProxyCommand struct {
	Action     string `json:"action"`
	PlayerID   string `json:"player_id"`
	ServerID   string `json:"server_id,omitempty"`
	SlotID     string `json:"slot_id,omitempty"`
	SlotSuffix string `json:"slot_suffix,omitempty"`
	FamilyID   string `json:"family_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// RouteAck reports the outcome of a ProxyCommand.
type RouteAck struct {
	ProxyID  string `json:"proxy_id"`
	PlayerID string `json:"player_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// LocateRequest asks every proxy whether it currently holds PlayerID.
type LocateRequest struct {
	RequestID string `json:"request_id"`
	PlayerID  string `json:"player_id"`
}

// LocateResponse answers a LocateRequest from the proxy that holds the player.
type LocateResponse struct {
	RequestID  string `json:"request_id"`
	PlayerID   string `json:"player_id"`
	Found      bool   `json:"found"`
	ServerID   string `json:"server_id,omitempty"`
	SlotID     string `json:"slot_id,omitempty"`
	SlotSuffix string `json:"slot_suffix,omitempty"`
	FamilyID   string `json:"family_id,omitempty"`
}

// RegisterTypes installs a decoder for every statically-typed routing
// message on registry. ProxyCommand is deliberately not registered here: its
// channel (and therefore its type string, per routeCommandType) is derived
// per-proxy-id at runtime, so there is no fixed key to register it under.
func RegisterTypes(registry *envelope.TypeRegistry) error {
	decoders := map[string]envelope.Decoder{
		TypeSlotRequest: func(payload json.RawMessage) (any, error) {
			var v SlotRequest
			err := json.Unmarshal(payload, &v)
			return v, err
		},
		TypeRouteAck: func(payload json.RawMessage) (any, error) {
			var v RouteAck
			err := json.Unmarshal(payload, &v)
			return v, err
		},
		TypeLocateRequest: func(payload json.RawMessage) (any, error) {
			var v LocateRequest
			err := json.Unmarshal(payload, &v)
			return v, err
		},
		TypeLocateResponse: func(payload json.RawMessage) (any, error) {
			var v LocateResponse
			err := json.Unmarshal(payload, &v)
			return v, err
		},
	}
	for typ, decoder := range decoders {
		if err := registry.Register(typ, decoder); err != nil {
			return err
		}
	}
	return nil
}
