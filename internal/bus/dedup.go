package bus

import (
	"context"
	"time"

	"github.com/haroldsh/fulcrum/internal/config"
	"github.com/haroldsh/fulcrum/internal/transport"
)

const (
	dedupKeyPrefix = "fulcrum:msgid:"
	msgCachePrefix = "fulcrum:msg:"
	dedupMarker    = "1"
)

// registrationClassType is the one message type the inbound pipeline never
// dedups, since it is broadcast and every interested subscriber (including
// late joiners re-registering) must see it independently. It repeats
// lifecycle.TypeRegistrationResponse, which this package cannot import.
const registrationClassType = "fulcrum.server.registration.response"

func isRegistrationClass(typ string) bool {
	return typ == registrationClassType
}

// dedupCache wraps the transport's TTL key-value store with the bus's
// correlation-id dedup semantics.
type dedupCache struct {
	transport   transport.Adapter
	ttl         time.Duration
	registerTTL time.Duration
}

func newDedupCache(t transport.Adapter, cfg config.Config) *dedupCache {
	return &dedupCache{
		transport:   t,
		ttl:         cfg.DedupTTL,
		registerTTL: cfg.RegistrationDedupTTL,
	}
}

// seen reports whether id has already been recorded, and records it with the
// appropriate TTL when it has not. The bus passes the receiving channel joined
// to the correlation id, so each receiver channel has its own entry.
func (d *dedupCache) seen(ctx context.Context, typ, id string) (bool, error) {
	key := dedupKeyPrefix + id
	if _, err := d.transport.Get(ctx, key); err == nil {
		return true, nil
	} else if err != transport.ErrKeyNotFound {
		return false, err
	}

	ttl := d.ttl
	if isRegistrationClass(typ) {
		ttl = d.registerTTL
	}
	if err := d.transport.SetWithTTL(ctx, key, []byte(dedupMarker), ttl); err != nil {
		return false, err
	}
	return false, nil
}

// sweepStale deletes every key under the dedup and message-cache prefixes,
// so expired-looking ids cannot be resurrected by a restart racing a
// late-arriving duplicate. Keys carry no owner, so keys written by other
// processes sharing the transport are deleted as well.
func sweepStale(ctx context.Context, t transport.Adapter) error {
	for _, prefix := range []string{msgCachePrefix, dedupKeyPrefix} {
		keys, err := t.Scan(ctx, prefix)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			continue
		}
		if err := t.Del(ctx, keys...); err != nil {
			return err
		}
	}
	return nil
}
