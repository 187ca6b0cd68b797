package persistcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// memStore is an in-memory PersistentStore with fault injection for tests.
// Safe for reuse across engine instances: Close only counts calls.
type memStore struct {
	mu       sync.Mutex
	rows     map[string]StoredRecord // (namespace, key) -> row
	nextID   int
	closed   int
	failNext error // returned by the next mutating call, then cleared
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]StoredRecord)}
}

func (s *memStore) rowKey(namespace, key string) string {
	return namespace + "\x00" + key
}

func (s *memStore) takeFault() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *memStore) LoadEntries(_ context.Context, namespace string) ([]StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []StoredRecord
	for _, rec := range s.rows {
		if rec.Namespace == namespace {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *memStore) Find(_ context.Context, namespace, key string) (StoredRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return StoredRecord{}, false, err
	}
	rec, ok := s.rows[s.rowKey(namespace, key)]
	return rec, ok, nil
}

func (s *memStore) AddOrUpdate(_ context.Context, record *StoredRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	rk := s.rowKey(record.Namespace, record.Key)
	if existing, ok := s.rows[rk]; ok {
		record.ID = existing.ID
	} else {
		s.nextID++
		record.ID = fmt.Sprintf("row-%d", s.nextID)
	}
	s.rows[rk] = *record
	return nil
}

func (s *memStore) RemoveByKey(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	delete(s.rows, s.rowKey(namespace, key))
	return nil
}

func (s *memStore) RemoveByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	for rk, rec := range s.rows {
		if rec.ID == id {
			delete(s.rows, rk)
			return nil
		}
	}
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *memStore) injectFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *memStore) get(namespace, key string) (StoredRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[s.rowKey(namespace, key)]
	return rec, ok
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

var errInjected = errors.New("injected store failure")
