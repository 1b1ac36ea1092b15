package store

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// keyPrefix namespaces client keys inside the database.
const keyPrefix = "crush:"

// BadgerStore is a persistent implementation of Store using BadgerDB.
type BadgerStore struct {
	db    *badger.DB
	count atomic.Uint64
}

// NewBadgerStore opens or creates a BadgerDB store at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerStore{
		db: db,
	}

	count, err := s.countKeys()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to count keys: %w", err)
	}
	s.count.Store(count)

	return s, nil
}

func makeKey(key string) []byte {
	return []byte(keyPrefix + key)
}

// Get retrieves a value.
func (s *BadgerStore) Get(key string) (string, error) {
	var value string

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Set stores a value.
func (s *BadgerStore) Set(key, value string) error {
	k := makeKey(key)

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		isNew := errors.Is(err, badger.ErrKeyNotFound)

		if err := txn.Set(k, []byte(value)); err != nil {
			return err
		}

		if isNew {
			s.count.Add(1)
		}
		return nil
	})

	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *BadgerStore) Delete(key string) error {
	k := makeKey(key)

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // Already deleted
		}
		if err != nil {
			return err
		}

		if err := txn.Delete(k); err != nil {
			return err
		}

		s.count.Add(^uint64(0)) // Decrement by 1
		return nil
	})

	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Has returns true if the key exists.
func (s *BadgerStore) Has(key string) bool {
	var exists bool

	_ = s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(makeKey(key))
		exists = err == nil
		return nil
	})

	return exists
}

// Count returns the number of keys.
func (s *BadgerStore) Count() uint64 {
	return s.count.Load()
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) countKeys() (uint64, error) {
	var count uint64

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // Only need keys for counting
		opts.Prefix = []byte(keyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	return count, err
}

// Ensure BadgerStore implements Store.
var _ Store = (*BadgerStore)(nil)
