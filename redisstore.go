package persistcache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RedisStore is a PersistentStore backed by redis. Each row lives under
// "<prefix>:<namespace>:<key>" as a msgpack-encoded StoredRecord; that full
// redis key doubles as the durable row identifier, which makes AddOrUpdate a
// natural upsert with no duplicate-row hazard under concurrent writers.
type RedisStore struct {
	Options *RedisStoreOptions
	Client  *redis.Client
}

type RedisStoreOptions struct {
	RedisOptions *redis.Options

	// KeyPrefix namespaces this store's rows within a shared redis.
	// Default "persistcache".
	KeyPrefix string

	// OpTimeout bounds every single redis operation. Default 1s.
	OpTimeout time.Duration

	// ScanCount is the COUNT hint for the startup SCAN. Default 100.
	ScanCount int64
}

func (o *RedisStoreOptions) Init() error {
	if o.RedisOptions == nil {
		return errors.New("persistcache: RedisOptions must be provided")
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = "persistcache"
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = time.Second
	}
	if o.ScanCount <= 0 {
		o.ScanCount = 100
	}
	return nil
}

func NewRedisStore(options *RedisStoreOptions) (*RedisStore, error) {
	if err := options.Init(); err != nil {
		return nil, err
	}
	client := redis.NewClient(options.RedisOptions)

	if err := redisotel.InstrumentTracing(client); err != nil {
		client.Close()
		return nil, err
	}

	if err := redisotel.InstrumentMetrics(client); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{
		Options: options,
		Client:  client,
	}, nil
}

func (s *RedisStore) rowKey(namespace, key string) string {
	return s.Options.KeyPrefix + ":" + namespace + ":" + key
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Options.OpTimeout)
}

func (s *RedisStore) LoadEntries(ctx context.Context, namespace string) ([]StoredRecord, error) {
	ctx, span := otel.Tracer("persistcache").Start(ctx, "RedisStore.LoadEntries",
		trace.WithAttributes(attribute.String("cache.namespace", namespace)))
	defer span.End()

	pattern := s.rowKey(namespace, "*")
	var cursor uint64
	var rowKeys []string
	for {
		var batch []string
		var err error

		opCtx, cancel := s.opContext(ctx)
		batch, cursor, err = s.Client.Scan(opCtx, cursor, pattern, s.Options.ScanCount).Result()
		cancel()
		if err != nil {
			return nil, err
		}
		rowKeys = append(rowKeys, batch...)
		if cursor == 0 {
			break
		}
	}
	span.SetAttributes(attribute.Int("cache.rows", len(rowKeys)))

	records := make([]StoredRecord, 0, len(rowKeys))
	for _, rowKey := range rowKeys {
		opCtx, cancel := s.opContext(ctx)
		data, err := s.Client.Get(opCtx, rowKey).Bytes()
		cancel()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // deleted between scan and read
			}
			return nil, err
		}
		var rec StoredRecord
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		rec.ID = rowKey
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisStore) Find(ctx context.Context, namespace, key string) (StoredRecord, bool, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	data, err := s.Client.Get(opCtx, s.rowKey(namespace, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StoredRecord{}, false, nil
		}
		return StoredRecord{}, false, err
	}
	var rec StoredRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return StoredRecord{}, false, err
	}
	rec.ID = s.rowKey(namespace, key)
	return rec, true, nil
}

func (s *RedisStore) AddOrUpdate(ctx context.Context, record *StoredRecord) error {
	record.ID = s.rowKey(record.Namespace, record.Key)
	data, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.Client.Set(opCtx, record.ID, data, 0).Err()
}

func (s *RedisStore) RemoveByKey(ctx context.Context, namespace, key string) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.Client.Del(opCtx, s.rowKey(namespace, key)).Err()
}

func (s *RedisStore) RemoveByID(ctx context.Context, id string) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.Client.Del(opCtx, id).Err()
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}
