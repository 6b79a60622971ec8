package storage

import (
	"sync"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

// Entry is one mutation in a checkpoint batch. Tombstone deletes the key.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Engine is the durable base store underneath the version chains. It holds
// only checkpointed data; the write-ahead log covers everything newer.
type Engine interface {
	// Get returns (nil, false, nil) when the key is absent.
	Get(key []byte) ([]byte, bool, error)
	// WriteBatch applies the entries atomically.
	WriteBatch(entries []Entry) error
	Close() error
}

// BadgerEngine stores checkpointed data in a badger LSM tree.
type BadgerEngine struct {
	db *badger.DB
}

func NewBadgerEngine(dir string, syncWrites bool) (*BadgerEngine, error) {
	opts := badger.DefaultOptions
	opts.NumCompactors = 1
	opts.Dir = dir
	opts.ValueDir = dir
	opts.SyncWrites = syncWrites
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &BadgerEngine{db: db}, nil
}

func (e *BadgerEngine) Get(key []byte) ([]byte, bool, error) {
	var val []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		v, err := item.Value()
		if err != nil {
			return err
		}
		val = append([]byte(nil), v...)
		return nil
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return val, true, nil
}

func (e *BadgerEngine) WriteBatch(entries []Entry) error {
	err := e.db.Update(func(txn *badger.Txn) error {
		for _, entry := range entries {
			if entry.Tombstone {
				if err := txn.Delete(entry.Key); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(entry.Key, entry.Value); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Trace(err)
}

func (e *BadgerEngine) Close() error {
	return errors.Trace(e.db.Close())
}

// MemEngine is an in-memory Engine for tests.
type MemEngine struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemEngine() *MemEngine {
	return &MemEngine{data: map[string][]byte{}}
}

func (e *MemEngine) Get(key []byte) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	val, ok := e.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), val...), true, nil
}

func (e *MemEngine) WriteBatch(entries []Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		if entry.Tombstone {
			delete(e.data, string(entry.Key))
			continue
		}
		e.data[string(entry.Key)] = append([]byte(nil), entry.Value...)
	}
	return nil
}

func (e *MemEngine) Close() error { return nil }
