// Package kvstore provides the durable key/value stores the ring queue sits
// on. Keys are small integers, as on the device's NVS partition; every Put is
// individually atomic and durable, with no multi-key transactions.
package kvstore

import (
	"errors"
	"fmt"
	"log/slog"
)

var ErrNotFound = errors.New("kvstore: key not found")

// Store is the contract the queue relies on.
type Store interface {
	// Get returns a copy of the value at key, or ErrNotFound.
	Get(key uint16) ([]byte, error)
	// Put replaces the value at key. It returns only once the write is durable.
	Put(key uint16, value []byte) error
	Delete(key uint16) error
	// Ping checks that the backing medium is reachable.
	Ping() error
	Close() error
}

const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open returns the store for backend. path is ignored by the memory backend.
func Open(backend, path string, logger *slog.Logger) (Store, error) {
	switch backend {
	case BackendBolt:
		return OpenBolt(path)
	case BackendSQLite:
		return OpenSQLite(path, logger)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q (allowed: bolt, sqlite, memory)", backend)
	}
}
