// Implements a lock provider on a NATS JetStream key-value bucket.

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// NATS is a Provider storing one key per held lock in a JetStream KV bucket.
//
// Creating a key is the acquisition; deleting it guarded by its revision is
// the release. The bucket's MaxAge removes keys left by dead holders, and an
// expired lease found in the bucket is removed before retrying.
type NATS struct {
	kv    jetstream.KeyValue
	clock func() time.Time
}

type natsLease struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// NewNATS opens or creates bucket. maxAge bounds how long any key may live
// and should exceed the longest lock TTL in use.
func NewNATS(ctx context.Context, js jetstream.JetStream, bucket string, maxAge time.Duration) (*NATS, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "docstore locks",
		TTL:         maxAge,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open lock bucket %q: %w", bucket, err)
	}
	return &NATS{kv: kv, clock: time.Now}, nil
}

// TryAcquire implements Provider.
func (p *NATS) TryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	key := natsKey(resource)
	now := p.clock()
	value, err := json.Marshal(natsLease{Token: token, ExpiresAt: now.Add(ttl).UnixMilli()})
	if err != nil {
		return false, err
	}
	if _, err = p.kv.Create(ctx, key, value); err == nil {
		return true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, fmt.Errorf("failed to create lock key: %w", err)
	}
	entry, cur, err := p.get(ctx, key)
	if err != nil || entry == nil {
		// Released between the two calls; the next attempt will retry.
		return false, err
	}
	if cur.Token == token {
		return true, nil
	}
	if now.UnixMilli() <= cur.ExpiresAt {
		return false, nil
	}
	// Expired lease: take it over only if nobody else did.
	if _, err := p.kv.Update(ctx, key, value, entry.Revision()); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("failed to take over expired lock: %w", err)
	}
	return true, nil
}

// Release implements Provider.
func (p *NATS) Release(ctx context.Context, resource, token string) error {
	key := natsKey(resource)
	entry, cur, err := p.get(ctx, key)
	if err != nil {
		return err
	}
	if entry == nil || cur.Token != token {
		return ErrNotHeld
	}
	if err := p.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision())); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrNotHeld
		}
		return fmt.Errorf("failed to delete lock key: %w", err)
	}
	return nil
}

// get returns a nil entry when the key is absent or deleted.
func (p *NATS) get(ctx context.Context, key string) (jetstream.KeyValueEntry, natsLease, error) {
	entry, err := p.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, natsLease{}, nil
		}
		return nil, natsLease{}, fmt.Errorf("failed to read lock key: %w", err)
	}
	var cur natsLease
	if err := json.Unmarshal(entry.Value(), &cur); err != nil {
		return nil, natsLease{}, fmt.Errorf("failed to decode lock key %q: %w", key, err)
	}
	return entry, cur, nil
}

// natsKey maps a resource name to a valid KV key. ':' separators become '.'
// and every other byte outside the key alphabet is escaped as =XX. An empty
// segment becomes "=", so no token is empty and distinct resources never share
// a key.
func natsKey(resource string) string {
	segs := strings.Split(resource, ":")
	for i, seg := range segs {
		if seg == "" {
			segs[i] = "="
			continue
		}
		var b strings.Builder
		for j := range len(seg) {
			switch c := seg[j]; {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '/':
				b.WriteByte(c)
			default:
				fmt.Fprintf(&b, "=%02X", c)
			}
		}
		segs[i] = b.String()
	}
	return strings.Join(segs, ".")
}
