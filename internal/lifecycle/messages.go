package lifecycle

import (
	"encoding/json"

	"github.com/haroldsh/fulcrum/internal/envelope"
)

// Wire message types carried on the stable fulcrum.* channels.
const (
	TypeRegistrationRequest  = "fulcrum.registry.registration.request"
	TypeRegistrationResponse = "fulcrum.server.registration.response"
	TypeReregisterGlobal     = "fulcrum.registry.reregister.request"
	TypeHeartbeat            = "fulcrum.server.heartbeat"
	TypeAnnouncement         = "fulcrum.server.announcement"
	TypeEvacuationRequest    = "fulcrum.server.evacuation.request"
	TypeEvacuationResponse   = "fulcrum.server.evacuation.response"
	TypeServerRemoved        = "fulcrum.registry.server.removed"
)

// RegistrationRequest is published by a starting service to claim a permanent id.
type RegistrationRequest struct {
	TempID       string `json:"temp_id"`
	InstanceUUID string `json:"instance_uuid"`
	ServiceType  string `json:"service_type"`
	Role         string `json:"role"`
	Address      string `json:"address"`
	Port         int    `json:"port"`
	MaxCapacity  int    `json:"max_capacity"`
}

// RegistrationResponse answers a RegistrationRequest, matched on TempID.
type RegistrationResponse struct {
	TempID           string `json:"temp_id"`
	Success          bool   `json:"success"`
	AssignedServerID string `json:"assigned_server_id"`
	Reason           string `json:"reason,omitempty"`
}

// Announcement is broadcast once a service's permanent id is live.
type Announcement struct {
	ServiceID   string `json:"service_id"`
	ServiceType string `json:"service_type"`
	Role        string `json:"role"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
}

// Heartbeat is republished on every tick of a registered service.
type Heartbeat struct {
	ServiceID   string  `json:"service_id"`
	PlayerCount int     `json:"player_count"`
	MaxCapacity int     `json:"max_capacity"`
	TPS         float64 `json:"tps"`
	UptimeMs    int64   `json:"uptime_ms"`
	Role        string  `json:"role"`
	Status      string  `json:"status"`
}

// EvacuationRequest asks one service, by id, to begin draining players.
type EvacuationRequest struct {
	ServiceID string `json:"service_id"`
	Reason    string `json:"reason,omitempty"`
}

// EvacuationResponse acknowledges an EvacuationRequest.
type EvacuationResponse struct {
	ServiceID string `json:"service_id"`
	Accepted  bool   `json:"accepted"`
}

// RemovalNotification announces a service's departure from the fleet.
type RemovalNotification struct {
	ServiceID   string `json:"service_id"`
	ServiceType string `json:"service_type"`
	Reason      string `json:"reason"`
}

// RegisterTypes installs a decoder for every lifecycle message type on
// registry, so the bus rejects a malformed payload for a known type before
// it reaches a handler rather than leaving each handler to discover the
// problem on its own Unmarshal call.
func RegisterTypes(registry *envelope.TypeRegistry) error {
	decoders := map[string]envelope.Decoder{
		TypeRegistrationRequest: func(payload json.RawMessage) (any, error) {
			var v RegistrationRequest
			err := json.Unmarshal(payload, &v)
			return v, err
		},
		TypeRegistrationResponse: func(payload json.RawMessage) (any, error) {
			var v RegistrationResponse
			err := json.Unmarshal(payload, &v)
			return v, err
		},
		TypeReregisterGlobal: func(payload json.RawMessage) (any, error) {
			var v struct{}
			if len(payload) == 0 {
				return v, nil
			}
			err := json.Unmarshal(payload, &v)
			return v, err
		},
		TypeHeartbeat: func(payload json.RawMessage) (any, error) {
			var v Heartbeat
			err := json.Unmarshal(payload, &v)
			return v, err
		},
		TypeAnnouncement: func(payload json.RawMessage) (any, error) {
			var v Announcement
			err := json.Unmarshal(payload, &v)
			return v, err
		},
		TypeEvacuationRequest: func(payload json.RawMessage) (any, error) {
			var v EvacuationRequest
			err := json.Unmarshal(payload, &v)
			return v, err
		},
		TypeEvacuationResponse: func(payload json.RawMessage) (any, error) {
			var v EvacuationResponse
			err := json.Unmarshal(payload, &v)
			return v, err
		},
		TypeServerRemoved: func(payload json.RawMessage) (any, error) {
			var v RemovalNotification
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
