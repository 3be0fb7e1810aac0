package store

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound reports a missing key.
var ErrNotFound = errors.New("store: key not found")

// Store is the host-local KV surface the orchestrator persists through.
// Implementations must be safe for concurrent use.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	NewIterator(prefix string) Iterator
	Close() error
}

// Iterator walks keys under one prefix in lexicographic order. Release must
// be called exactly once; Err reports any scan failure after exhaustion.
type Iterator interface {
	Next() bool
	Key() string
	Value() []byte
	Release()
	Err() error
}

// LevelDB is the embedded implementation used in production.
type LevelDB struct {
	db *leveldb.DB
}

// Open creates or re-opens the database directory.
func Open(dir string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", dir, err)
	}
	return &LevelDB{db: db}, nil
}

func (s *LevelDB) Put(key string, value []byte) error {
	if err := s.db.Put([]byte(key), value, nil); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *LevelDB) Get(key string) ([]byte, error) {
	v, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *LevelDB) Delete(key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *LevelDB) NewIterator(prefix string) Iterator {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	return &levelIterator{it: it}
}

func (s *LevelDB) Close() error {
	return s.db.Close()
}

type levelIterator struct {
	it iterator.Iterator
}

func (l *levelIterator) Next() bool    { return l.it.Next() }
func (l *levelIterator) Key() string   { return string(l.it.Key()) }
func (l *levelIterator) Value() []byte { return append([]byte(nil), l.it.Value()...) }
func (l *levelIterator) Release()      { l.it.Release() }
func (l *levelIterator) Err() error    { return l.it.Error() }
