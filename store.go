package persistcache

import (
	"context"
	"io"
	"time"
)

// StoredRecord is the persisted shape of a cache entry. The value travels as
// an opaque payload plus the type tag its Codec needs to decode it.
type StoredRecord struct {
	// ID is the durable row identifier, assigned by the store on first
	// AddOrUpdate and stable across updates of the same (namespace, key).
	ID string `msgpack:"id"`

	Namespace string `msgpack:"ns"`
	Key       string `msgpack:"key"`

	Payload []byte `msgpack:"payload"`
	TypeTag string `msgpack:"tag"`

	Priority           Priority      `msgpack:"priority"`
	AbsoluteExpiration time.Time     `msgpack:"absExp"` // zero means none
	SlidingExpiration  time.Duration `msgpack:"slidingExp"`
	LastAccessed       time.Time     `msgpack:"lastAccessed"`
}

// PersistentStore is the backing store an engine shadows its mutations into.
// Implementations are free to queue or batch internally, but every method
// must be safe for concurrent use. Removing an absent row is not an error.
type PersistentStore interface {
	// LoadEntries returns every row belonging to the namespace. Called once,
	// before the engine accepts traffic.
	LoadEntries(ctx context.Context, namespace string) ([]StoredRecord, error)

	// Find returns the row for (namespace, key), or ok == false when there
	// is none.
	Find(ctx context.Context, namespace, key string) (StoredRecord, bool, error)

	// AddOrUpdate upserts the row identified by (record.Namespace,
	// record.Key) and assigns record.ID. The implementation must re-resolve
	// the current row by key before deciding insert vs. update so that
	// concurrent writers to the same key never produce duplicate rows.
	AddOrUpdate(ctx context.Context, record *StoredRecord) error

	// RemoveByKey deletes the row for (namespace, key). Idempotent.
	RemoveByKey(ctx context.Context, namespace, key string) error

	// RemoveByID deletes the row with the given identifier. Idempotent.
	RemoveByID(ctx context.Context, id string) error

	io.Closer
}
