// Allocates document ids from a persisted counter.

package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/maruel/docstore/internal/jsondb"
	"github.com/maruel/docstore/internal/lock"
)

const (
	// CountersCollection holds the id counter record. It is reserved and not
	// reachable through the Adapter.
	CountersCollection = "counters"
	counterID          = "documents"
)

// Counters declares the counter collection for jsondb.Open.
func Counters() jsondb.Collection {
	return jsondb.Collection{
		Name:    CountersCollection,
		Default: json.RawMessage(`[{"_id":"documents","seq":0}]`),
	}
}

// IDAllocator hands out increasing integer ids shared by every collection of a
// store.
//
// Next takes its own lock, nested inside the caller's collection lock. The
// allocator never takes a collection lock, so the nesting cannot deadlock.
type IDAllocator struct {
	db       *jsondb.Store
	locks    *lock.Manager
	resource string
}

// NewIDAllocator returns an allocator over db's counter collection.
func NewIDAllocator(db *jsondb.Store, locks *lock.Manager, store string) (*IDAllocator, error) {
	if !db.Has(CountersCollection) {
		return nil, fmt.Errorf("store has no %q collection", CountersCollection)
	}
	return &IDAllocator{db: db, locks: locks, resource: lockKey(store, CountersCollection)}, nil
}

// Next increments the counter and returns its new value. The result is always
// greater than floor, which lets callers skip ids already present in a
// collection.
func (a *IDAllocator) Next(ctx context.Context, floor int64) (int64, error) {
	var id int64
	err := a.locks.WithLock(ctx, a.resource, func(ctx context.Context) error {
		docs, err := a.db.Load(CountersCollection)
		if err != nil {
			return err
		}
		i := -1
		for j, d := range docs {
			if d["_id"] == counterID {
				i = j
				break
			}
		}
		if i < 0 {
			docs = append(docs, jsondb.Document{"_id": counterID, "seq": 0})
			i = len(docs) - 1
		}
		seq, ok := toInt64(docs[i]["seq"])
		if !ok {
			return fmt.Errorf("counter %q has a non-integer seq %v", counterID, docs[i]["seq"])
		}
		if seq == math.MaxInt64 || floor == math.MaxInt64 {
			return errors.New("id counter overflow")
		}
		id = max(seq, floor) + 1
		docs[i]["seq"] = id
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("counter lock expired: %w", err)
		}
		return a.db.Persist(CountersCollection, docs)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate id: %w", err)
	}
	return id, nil
}

// toInt64 converts an integral JSON number.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
