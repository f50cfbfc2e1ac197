package store

import (
	stderrors "errors"

	"github.com/dgraph-io/badger/v4"
)

// ==================== KV Methods (BadgerDB) ====================

// SetKV stores a key-value pair
func (s *Store) SetKV(key string, value []byte) error {
	return s.badger.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// GetKV retrieves a value by key. The bool is false when the key is absent.
func (s *Store) GetKV(key string) ([]byte, bool, error) {
	var val []byte
	err := s.badger.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = append([]byte{}, v...)
			return nil
		})
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// ScanKV calls fn for every key under prefix in key order
func (s *Store) ScanKV(prefix string, fn func(key string, value []byte) error) error {
	p := []byte(prefix)
	return s.badger.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteKV removes a key
func (s *Store) DeleteKV(key string) error {
	return s.badger.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}
