package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrNotFound = errors.New("storage: key not found")
	ErrClosed   = errors.New("storage: database closed")
)

// KV is the durable map the networking layer persists peer identity,
// reputation snapshots and seed lists into.
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Delete(key []byte) error
	// Iterate calls fn for every key carrying prefix in key order. Returning
	// false from fn stops the iteration.
	Iterate(prefix []byte, fn func(key, value []byte) bool) error
	Flush() error
	Close() error
}

// MemDB is a map-backed KV for tests and ephemeral nodes.
type MemDB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemDB() *MemDB {
	return &MemDB{data: map[string][]byte{}}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	if value, ok := db.data[string(key)]; ok {
		return append([]byte(nil), value...), nil
	}
	return nil, ErrNotFound
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	delete(db.data, string(key))
	return nil
}

func (db *MemDB) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return ErrClosed
	}
	keys := make([]string, 0, len(db.data))
	for key := range db.data {
		if strings.HasPrefix(key, string(prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = append([]byte(nil), db.data[key]...)
	}
	db.mu.RUnlock()

	for i, key := range keys {
		if !fn([]byte(key), values[i]) {
			break
		}
	}
	return nil
}

// Flush is a no-op for the in-memory store.
func (db *MemDB) Flush() error { return nil }

func (db *MemDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}

// LevelDB is the on-disk KV.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens or creates the database at path. A corrupted manifest is
// recovered instead of refusing to start, since everything stored here can be
// relearned from the network.
func NewLevelDB(path string) (*LevelDB, error) {
	options := &opt.Options{
		BlockCacheCapacity:     8 * opt.MiB,
		WriteBuffer:            4 * opt.MiB,
		OpenFilesCacheCapacity: 64,
	}
	db, err := leveldb.OpenFile(path, options)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, options)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return ErrClosed
	}
	return err
}

func (l *LevelDB) Put(key []byte, value []byte) error {
	return mapErr(l.db.Put(key, value, nil))
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	return value, mapErr(err)
}

func (l *LevelDB) Delete(key []byte) error {
	return mapErr(l.db.Delete(key, nil))
}

// Iterate hands fn copies of each key and value.
func (l *LevelDB) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if !fn(bytes.Clone(iter.Key()), bytes.Clone(iter.Value())) {
			break
		}
	}
	return mapErr(iter.Error())
}

var flushMarker = []byte("meta:flush")

// Flush forces the journal to disk with a synced marker write.
func (l *LevelDB) Flush() error {
	return mapErr(l.db.Put(flushMarker, []byte{1}, &opt.WriteOptions{Sync: true}))
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
