package store

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStore implements Store using LevelDB.
type LevelDBStore struct {
	db    *leveldb.DB
	count atomic.Uint64
}

// NewLevelDBStore opens (or creates) a LevelDB store at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}

	s := &LevelDBStore{db: db}
	it := db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	var count uint64
	for it.Next() {
		count++
	}
	it.Release()
	if err := it.Error(); err != nil {
		db.Close()
		return nil, fmt.Errorf("count leveldb keys: %w", err)
	}
	s.count.Store(count)
	return s, nil
}

func (s *LevelDBStore) Get(key string) (string, error) {
	val, err := s.db.Get(makeKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return string(val), nil
}

func (s *LevelDBStore) Set(key, value string) error {
	k := makeKey(key)
	exists, err := s.db.Has(k, nil)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := s.db.Put(k, []byte(value), nil); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if !exists {
		s.count.Add(1)
	}
	return nil
}

func (s *LevelDBStore) Delete(key string) error {
	k := makeKey(key)
	exists, err := s.db.Has(k, nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if !exists {
		return nil
	}
	if err := s.db.Delete(k, nil); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.count.Add(^uint64(0))
	return nil
}

func (s *LevelDBStore) Has(key string) bool {
	ok, err := s.db.Has(makeKey(key), nil)
	return err == nil && ok
}

func (s *LevelDBStore) Count() uint64 {
	return s.count.Load()
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

var _ Store = (*LevelDBStore)(nil)
