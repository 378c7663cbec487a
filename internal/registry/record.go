package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/haroldsh/fulcrum/internal/lifecycle"
)

const recordKeyPrefix = "fulcrum:servers:"
const serverIDsKey = "fulcrum:server_ids"

func recordKey(serviceID string) string { return recordKeyPrefix + serviceID }

// Record is the authoritative, serialized view of one known service.
// It is exclusively owned by the registry; every other component that
// reads one must treat it as a point-in-time cache.
type Record struct {
	ServiceID    string    `json:"service_id"`
	ServiceType  string    `json:"service_type"`
	Role         string    `json:"role"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	InstanceUUID string    `json:"instance_uuid"`
	StartedAt    time.Time `json:"started_at"`
	RegisteredAt time.Time `json:"registered_at"`

	Status          lifecycle.Status `json:"status"`
	PlayerCount     int              `json:"player_count"`
	MaxCapacity     int              `json:"max_capacity"`
	TPS             float64          `json:"tps"`
	LastHeartbeatAt time.Time        `json:"last_heartbeat_at"`
	Properties      map[string]any   `json:"properties,omitempty"`
}

// LoadFactor mirrors lifecycle.Metadata.LoadFactor for registry-side ranking.
func (r Record) LoadFactor() float64 {
	meta := lifecycle.Metadata{PlayerCount: r.PlayerCount, MaxCapacity: r.MaxCapacity, TPS: r.TPS}
	return meta.LoadFactor()
}

// Healthy mirrors lifecycle.Metadata.Healthy.
func (r Record) Healthy() bool {
	meta := lifecycle.Metadata{PlayerCount: r.PlayerCount, MaxCapacity: r.MaxCapacity, TPS: r.TPS}
	return meta.Healthy() && r.Status != lifecycle.StatusOffline
}

// CrashedAt reports whether now minus the last heartbeat exceeds timeout.
func (r Record) CrashedAt(now time.Time, timeout time.Duration) bool {
	if r.LastHeartbeatAt.IsZero() {
		return false
	}
	return now.Sub(r.LastHeartbeatAt) > timeout
}

func encodeRecord(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode registry record %q: %w", r.ServiceID, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode registry record: %w", err)
	}
	return r, nil
}
