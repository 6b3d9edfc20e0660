// Package store implements the generic persisted record store the
// pairing and session layers keep their state in: an in-memory
// key → record map with whole-snapshot persistence, fail-loud restore
// semantics and tombstone tracking for recently deleted keys.
package store

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pairwire/pairwire-go/errs"
	"github.com/pairwire/pairwire-go/storage"
)

// tombstoneCapacity bounds the recently-deleted buffer. When full, the
// oldest entry is overwritten.
const tombstoneCapacity = 200

// tombstones is a fixed-capacity ring of deleted keys, kept so that
// lookups after a delete can be told apart from lookups of keys that
// never existed.
type tombstones struct {
	keys [tombstoneCapacity]string
	next int
	full bool
}

func (ts *tombstones) add(key string) {
	ts.keys[ts.next] = key
	ts.next = (ts.next + 1) % tombstoneCapacity
	if ts.next == 0 {
		ts.full = true
	}
}

func (ts *tombstones) contains(key string) bool {
	n := ts.next
	if ts.full {
		n = tombstoneCapacity
	}
	for i := 0; i < n; i++ {
		if ts.keys[i] == key {
			return true
		}
	}
	return false
}

// KeyFunc extracts the map key from a record, e.g. its topic or id.
type KeyFunc[T any] func(T) string

// MergeFunc combines a partial record into an existing one for Update.
// Nil means Update replaces the record wholesale.
type MergeFunc[T any] func(existing, partial T) T

// Store is a persisted key → record map. It is owned by a single
// composition: in-memory mutations happen synchronously before the
// persistence write, so no two tasks ever observe a half-applied
// mutation.
type Store[T any] struct {
	name   string
	db     storage.Storage
	keyOf  KeyFunc[T]
	merge  MergeFunc[T]
	logger zerolog.Logger

	mu          sync.Mutex
	records     map[string]T
	deleted     tombstones
	initialized bool
}

// New creates a store persisting under the given component name.
func New[T any](name string, db storage.Storage, keyOf KeyFunc[T], merge MergeFunc[T], logger zerolog.Logger) *Store[T] {
	return &Store[T]{
		name:    name,
		db:      db,
		keyOf:   keyOf,
		merge:   merge,
		logger:  logger.With().Str("component", "store").Str("name", name).Logger(),
		records: make(map[string]T),
	}
}

// Init restores the persisted snapshot. Restore is strictly a
// cold-start operation: finding a non-empty snapshot while the
// in-memory map is already non-empty is a programming error and fails
// with ErrRestoreOverride.
func (s *Store[T]) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok, err := s.db.GetItem(storage.Key(s.name))
	if err != nil {
		return errs.Wrap(errs.KindStorage, "load snapshot", err)
	}
	if !ok {
		s.initialized = true
		return nil
	}

	var persisted []T
	if err := json.Unmarshal(data, &persisted); err != nil {
		return errs.Wrap(errs.KindStorage, "decode snapshot", err)
	}
	if len(persisted) > 0 && len(s.records) > 0 {
		return errs.ErrRestoreOverride
	}
	for _, rec := range persisted {
		s.records[s.keyOf(rec)] = rec
	}
	s.initialized = true
	s.logger.Debug().Int("records", len(s.records)).Msg("store restored")
	return nil
}

// Set inserts the record, or updates it if the key already exists.
func (s *Store[T]) Set(key string, record T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return s.errNotInitialized()
	}
	if existing, ok := s.records[key]; ok && s.merge != nil {
		record = s.merge(existing, record)
	}
	s.records[key] = record
	return s.persist()
}

// Get returns the record for key. A key in the tombstone buffer fails
// with RecentlyDeletedError, anything else absent with NotFoundError.
func (s *Store[T]) Get(key string) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if !s.initialized {
		return zero, s.errNotInitialized()
	}
	if record, ok := s.records[key]; ok {
		return record, nil
	}
	if s.deleted.contains(key) {
		return zero, &errs.RecentlyDeletedError{Key: key}
	}
	return zero, &errs.NotFoundError{Key: key}
}

// Update merges the partial record into the existing one. Fails like
// Get when the key is absent.
func (s *Store[T]) Update(key string, partial T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return s.errNotInitialized()
	}
	existing, ok := s.records[key]
	if !ok {
		if s.deleted.contains(key) {
			return &errs.RecentlyDeletedError{Key: key}
		}
		return &errs.NotFoundError{Key: key}
	}
	if s.merge != nil {
		s.records[key] = s.merge(existing, partial)
	} else {
		s.records[key] = partial
	}
	return s.persist()
}

// Delete removes the record, remembers the key as a tombstone and
// persists. Reason is recorded in the log only.
func (s *Store[T]) Delete(key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return s.errNotInitialized()
	}
	if _, ok := s.records[key]; !ok {
		if s.deleted.contains(key) {
			return &errs.RecentlyDeletedError{Key: key}
		}
		return &errs.NotFoundError{Key: key}
	}
	delete(s.records, key)
	s.deleted.add(key)
	s.logger.Debug().Str("key", key).Str("reason", reason).Msg("record deleted")
	return s.persist()
}

// GetAll returns every record, or only those matching the filter.
func (s *Store[T]) GetAll(filter func(T) bool) []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]T, 0, len(s.records))
	for _, record := range s.records {
		if filter == nil || filter(record) {
			out = append(out, record)
		}
	}
	return out
}

// Has reports whether key holds a live record.
func (s *Store[T]) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	return ok
}

// Len returns the number of live records.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store[T]) errNotInitialized() error {
	return errs.Newf(errs.KindValidation, "store %s not initialized", s.name)
}

// persist writes the whole value set. Callers hold s.mu.
func (s *Store[T]) persist() error {
	values := make([]T, 0, len(s.records))
	for _, record := range s.records {
		values = append(values, record)
	}
	data, err := json.Marshal(values)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "encode snapshot", err)
	}
	if err := s.db.SetItem(storage.Key(s.name), data); err != nil {
		return errs.Wrap(errs.KindStorage, "persist snapshot", err)
	}
	return nil
}
