// Package registry holds the authoritative directory of live services: id
// allocation, crash detection, and the queries the proxy and game servers
// use to pick a destination.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haroldsh/fulcrum/internal/auditlog"
	"github.com/haroldsh/fulcrum/internal/config"
	"github.com/haroldsh/fulcrum/internal/lifecycle"
	"github.com/haroldsh/fulcrum/internal/logging"
	"github.com/haroldsh/fulcrum/internal/transport"
)

// AuditSink optionally records identity conflicts during registration. A nil
// sink (the default) disables auditing entirely.
type AuditSink interface {
	Append(event auditlog.Event) error
}

// Outcome classifies the result of a Register call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeReclaimed
	OutcomeFailure
)

// RegisterResult is returned by Register.
type RegisterResult struct {
	Outcome   Outcome
	ServiceID string
	Reason    string
}

// Registry is the authoritative service directory. Safe for concurrent use.
type Registry struct {
	transport transport.Adapter
	cfg       config.Config
	logger    *logging.Logger
	audit     AuditSink

	// mu serializes registration decisions; the transport offers no
	// multi-key transactions, so contiguous-lowest-free allocation and the
	// reclaim-vs-fail check are made atomic at the process level instead.
	mu sync.Mutex
}

// New constructs a Registry over transport.
func New(t transport.Adapter, cfg config.Config, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Registry{transport: t, cfg: cfg, logger: logger}
}

// WithAuditSink attaches a sink that records identity conflicts (a
// registration request colliding with a live, differently-owned id).
func (r *Registry) WithAuditSink(sink AuditSink) *Registry {
	r.audit = sink
	return r
}

// Register allocates or reclaims an id for req, keyed by instanceUUID so a
// reconnecting instance keeps the same service id.
func (r *Registry) Register(ctx context.Context, req lifecycle.Identity, instanceUUID string, maxCapacity int) (RegisterResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.allLocked(ctx)
	if err != nil {
		return RegisterResult{}, err
	}

	//1.- A reconnecting instance (same instance_uuid) keeps its prior id, but
	// every identity field is overwritten from req: the process may have
	// restarted on a new host/port, and a stale address would silently
	// break routing to it.
	for _, existing := range records {
		if existing.InstanceUUID == instanceUUID {
			reclaimed := Record{
				ServiceID:    existing.ServiceID,
				ServiceType:  string(req.ServiceType),
				Role:         req.Role,
				Address:      req.Address,
				Port:         req.Port,
				InstanceUUID: instanceUUID,
				StartedAt:    req.StartedAt,
				RegisteredAt: time.Now(),
				Status:       lifecycle.StatusStarting,
				MaxCapacity:  maxCapacity,
				TPS:          20.0,
			}
			if err := r.putLocked(ctx, reclaimed); err != nil {
				return RegisterResult{}, err
			}
			return RegisterResult{Outcome: OutcomeReclaimed, ServiceID: existing.ServiceID}, nil
		}
	}

	//2.- The candidate id comes from the fulcrum:server_ids member set; the
	// live record keyspace is then checked for a record already at that id.
	prefix := idPrefixFor(string(req.ServiceType), req.Role)
	var existingIDs []string
	if data, err := r.transport.Get(ctx, serverIDsKey); err == nil {
		if err := json.Unmarshal(data, &existingIDs); err != nil {
			return RegisterResult{}, fmt.Errorf("decode member cache: %w", err)
		}
	} else if err != transport.ErrKeyNotFound {
		return RegisterResult{}, fmt.Errorf("load member cache: %w", err)
	}
	byID := make(map[string]Record, len(records))
	for _, existing := range records {
		byID[existing.ServiceID] = existing
	}
	candidateID := nextID(prefix, existingIDs)

	if collision, ok := byID[candidateID]; ok {
		now := time.Now()
		stale := collision.CrashedAt(now, r.cfg.CrashDetectionTimeout)
		if collision.InstanceUUID == instanceUUID || stale {
			reclaimed := Record{
				ServiceID:    candidateID,
				ServiceType:  string(req.ServiceType),
				Role:         req.Role,
				Address:      req.Address,
				Port:         req.Port,
				InstanceUUID: instanceUUID,
				StartedAt:    req.StartedAt,
				RegisteredAt: now,
				Status:       lifecycle.StatusStarting,
				MaxCapacity:  maxCapacity,
				TPS:          20.0,
			}
			if err := r.putLocked(ctx, reclaimed); err != nil {
				return RegisterResult{}, err
			}
			return RegisterResult{Outcome: OutcomeReclaimed, ServiceID: candidateID}, nil
		}
		if r.audit != nil {
			if err := r.audit.Append(auditlog.Event{
				Kind:     auditlog.KindIdentityConflict,
				SenderID: instanceUUID,
				Detail:   fmt.Sprintf("candidate id %q already held by instance %q", candidateID, collision.InstanceUUID),
			}); err != nil {
				r.logger.Warn("registry: audit append failed", logging.Error(err))
			}
		}
		return RegisterResult{Outcome: OutcomeFailure, Reason: "id in use"}, nil
	}

	fresh := Record{
		ServiceID:    candidateID,
		ServiceType:  string(req.ServiceType),
		Role:         req.Role,
		Address:      req.Address,
		Port:         req.Port,
		InstanceUUID: instanceUUID,
		StartedAt:    req.StartedAt,
		RegisteredAt: time.Now(),
		Status:       lifecycle.StatusStarting,
		MaxCapacity:  maxCapacity,
		TPS:          20.0,
	}
	if err := r.putLocked(ctx, fresh); err != nil {
		return RegisterResult{}, err
	}
	return RegisterResult{Outcome: OutcomeSuccess, ServiceID: candidateID}, nil
}

func (r *Registry) putLocked(ctx context.Context, record Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := r.transport.SetWithTTL(ctx, recordKey(record.ServiceID), data, r.cfg.RegistryRecordTTL); err != nil {
		return fmt.Errorf("store record %q: %w", record.ServiceID, err)
	}
	return r.refreshMemberCacheLocked(ctx)
}

// refreshMemberCacheLocked keeps fulcrum:server_ids as a denormalized,
// non-expiring membership set rebuilt from the live record keyspace. Register
// allocates candidate ids from this set and checks the record keyspace for a
// collision at the chosen id.
func (r *Registry) refreshMemberCacheLocked(ctx context.Context) error {
	records, err := r.allLocked(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ServiceID)
	}
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode member cache: %w", err)
	}
	if err := r.transport.SetWithTTL(ctx, serverIDsKey, data, 0); err != nil {
		return fmt.Errorf("store member cache: %w", err)
	}
	return nil
}

func (r *Registry) allLocked(ctx context.Context) ([]Record, error) {
	keys, err := r.transport.Scan(ctx, recordKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		data, err := r.transport.Get(ctx, key)
		if err == transport.ErrKeyNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get record %q: %w", key, err)
		}
		record, err := decodeRecord(data)
		if err != nil {
			r.logger.Warn("registry: dropping corrupt record", logging.String("key", key), logging.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// ListAll returns every known record.
func (r *Registry) ListAll(ctx context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allLocked(ctx)
}

// GetServer returns the record for id.
func (r *Registry) GetServer(ctx context.Context, id string) (Record, bool, error) {
	data, err := r.transport.Get(ctx, recordKey(id))
	if err == transport.ErrKeyNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get record %q: %w", id, err)
	}
	record, err := decodeRecord(data)
	if err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}

// ListByFamily returns every record whose Role equals family.
func (r *Registry) ListByFamily(ctx context.Context, family string) ([]Record, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if rec.Role == family {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ListByType returns every record whose ServiceType equals serviceType.
func (r *Registry) ListByType(ctx context.Context, serviceType string) ([]Record, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if rec.ServiceType == serviceType {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ListByStatus returns every record whose Status equals status.
func (r *Registry) ListByStatus(ctx context.Context, status lifecycle.Status) ([]Record, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpdateStatus sets id's status, returning ok=false if the record is unknown.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status lifecycle.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, found, err := r.GetServer(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	record.Status = status
	return true, r.putLocked(ctx, record)
}

// Heartbeat updates id's runtime metrics and resets its TTL.
func (r *Registry) Heartbeat(ctx context.Context, id string, playerCount, maxCapacity int, tps float64, status lifecycle.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, found, err := r.GetServer(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	record.PlayerCount = playerCount
	record.MaxCapacity = maxCapacity
	record.TPS = tps
	record.Status = status
	record.LastHeartbeatAt = time.Now()
	return true, r.putLocked(ctx, record)
}

// Unregister deletes id's record and member cache entry.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transport.Del(ctx, recordKey(id)); err != nil {
		return fmt.Errorf("delete record %q: %w", id, err)
	}
	return r.refreshMemberCacheLocked(ctx)
}

// CheckCrashed scans every record, marks stale ones OFFLINE, and returns
// their ids.
func (r *Registry) CheckCrashed(ctx context.Context, timeout time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.allLocked(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var crashed []string
	for _, record := range records {
		if record.Status == lifecycle.StatusOffline {
			continue
		}
		if record.CrashedAt(now, timeout) {
			record.Status = lifecycle.StatusOffline
			if err := r.putLocked(ctx, record); err != nil {
				return nil, err
			}
			crashed = append(crashed, record.ServiceID)
		}
	}
	return crashed, nil
}

// BestServer returns the lowest-load, non-crashed record for family, or
// false if none qualifies.
func (r *Registry) BestServer(ctx context.Context, family string) (Record, bool, error) {
	candidates, err := r.ListByFamily(ctx, family)
	if err != nil {
		return Record{}, false, err
	}
	var best Record
	found := false
	for _, rec := range candidates {
		if rec.Status == lifecycle.StatusOffline {
			continue
		}
		if !found || rec.LoadFactor() < best.LoadFactor() {
			best = rec
			found = true
		}
	}
	return best, found, nil
}
