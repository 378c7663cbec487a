package lifecycle

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServiceType classifies a fabric participant.
type ServiceType string

const (
	ServiceTypeProxy    ServiceType = "PROXY"
	ServiceTypeServer   ServiceType = "SERVER"
	ServiceTypeRegistry ServiceType = "REGISTRY"
)

// Status is a service's point-in-time lifecycle state.
type Status string

const (
	StatusStarting     Status = "STARTING"
	StatusRegistering  Status = "REGISTERING"
	StatusAvailable    Status = "AVAILABLE"
	StatusFull         Status = "FULL"
	StatusEvacuating   Status = "EVACUATING"
	StatusStopping     Status = "STOPPING"
	StatusStopped      Status = "STOPPED"
	StatusUnresponsive Status = "UNRESPONSIVE"
	StatusMaintenance  Status = "MAINTENANCE"
	// StatusOffline is set by the registry's crash sweep on records whose
	// heartbeat has aged out; it never appears on the owning service's own
	// in-process status.
	StatusOffline Status = "OFFLINE"
)

// Identity is immutable after a permanent ServiceID is assigned; only the id
// itself changes, exactly once, during registration.
type Identity struct {
	TempID       string
	ServiceID    string
	ServiceType  ServiceType
	Role         string
	Address      string
	Port         int
	InstanceUUID string
	StartedAt    time.Time
}

// CurrentID returns the permanent ServiceID once assigned, otherwise the temp id.
func (id Identity) CurrentID() string {
	if id.ServiceID != "" {
		return id.ServiceID
	}
	return id.TempID
}

// NewIdentity builds an identity with a freshly generated temp id and instance uuid.
func NewIdentity(serviceType ServiceType, role, address string, port int) (Identity, error) {
	tempID, err := newTempID()
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		TempID:       tempID,
		ServiceType:  serviceType,
		Role:         role,
		Address:      address,
		Port:         port,
		InstanceUUID: uuid.NewString(),
		StartedAt:    time.Now(),
	}, nil
}

func newTempID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate temp id: %w", err)
	}
	return "temp-" + hex.EncodeToString(buf), nil
}

// Metadata is a service's mutable runtime state.
type Metadata struct {
	Status          Status
	PlayerCount     int
	MaxCapacity     int
	TPS             float64
	LastHeartbeatAt time.Time
	Properties      map[string]any
}

// LoadFactor blends occupancy and tick-rate health into a single comparable score.
// Lower is better.
func (m Metadata) LoadFactor() float64 {
	occupancy := 0.0
	if m.MaxCapacity > 0 {
		occupancy = float64(m.PlayerCount) / float64(m.MaxCapacity)
	}
	tpsGap := (20.0 - m.TPS) / 20.0
	if tpsGap < 0 {
		tpsGap = 0
	}
	return 0.6*occupancy + 0.4*tpsGap
}

// Healthy reports whether the service is both responsive and has room.
func (m Metadata) Healthy() bool {
	return m.TPS >= 18 && (m.MaxCapacity <= 0 || m.PlayerCount < m.MaxCapacity)
}
