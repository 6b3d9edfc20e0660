// Package storage defines the durable key/value interface consumed by
// the key vault, record stores and expiry tracker, plus the built-in
// backends (memory, SQLite, S3).
//
// Keys are namespaced strings of the form "<prefix><version>//<name>",
// e.g. "pw@2//keychain". Values are opaque byte snapshots: every
// persisting component writes its whole state on each mutation, so a
// backend never needs to understand value shape.
package storage

import (
	"fmt"
	"sort"
	"sync"
)

const (
	// Prefix and Version namespace every storage key so independent
	// protocol versions can share one backend.
	Prefix  = "pw"
	Version = "2"
)

// Key builds the namespaced storage key for a component name.
func Key(name string) string {
	return fmt.Sprintf("%s@%s//%s", Prefix, Version, name)
}

// Storage is the durable key/value contract. GetItem reports absence
// via the second return instead of an error so callers can tell "never
// written" from backend failure.
type Storage interface {
	GetItem(key string) ([]byte, bool, error)
	SetItem(key string, value []byte) error
	RemoveItem(key string) error
	ListKeys() ([]string, error)
}

// Memory is an in-process Storage used by tests and ephemeral clients.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) GetItem(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (m *Memory) SetItem(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.items[key] = cp
	return nil
}

func (m *Memory) RemoveItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) ListKeys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
