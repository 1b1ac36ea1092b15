// Package store provides the local key-value persistence used by the client:
// wallet address, cached profile, session key material and delegation status.
package store

import (
	"errors"
	"fmt"
)

// Keys written by the client. Values are opaque strings, JSON where structured.
const (
	KeyWalletAddress    = "wallet_address"
	KeyPlayerProfile    = "player_profile"
	KeySessionSecret    = "session_key.secret"
	KeySessionExpiry    = "session_key.expires_at"
	KeyDelegationStatus = "delegation_status"
)

// Backend names accepted by Open.
const (
	BackendBadger  = "badger"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("store: key not found")

// Store defines the interface for local persistence.
type Store interface {
	// Get retrieves a value. Returns ErrNotFound if the key does not exist.
	Get(key string) (string, error)

	// Set stores a value, replacing any previous one.
	Set(key, value string) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key string) error

	// Has returns true if the key exists.
	Has(key string) bool

	// Count returns the number of stored keys.
	Count() uint64

	// Close closes the store.
	Close() error
}

// Open opens a store with the named backend. path is ignored for memory.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendBadger, "":
		if path == "" {
			return nil, fmt.Errorf("store: %s backend needs a path", BackendBadger)
		}
		return NewBadgerStore(path)
	case BackendLevelDB:
		if path == "" {
			return nil, fmt.Errorf("store: %s backend needs a path", BackendLevelDB)
		}
		return NewLevelDBStore(path)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", backend)
	}
}
