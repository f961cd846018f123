package models

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Store persists per-model UserInfo overrides in a small BadgerDB
// instance instead of the bare model_config.json file LoadUserConfig
// reads, giving the override data BadgerDB's crash-safe,
// concurrent-write guarantees instead of a plain file rewrite. It is an
// alternative backing store to LoadUserConfig/Save, not a replacement:
// either works against the same UserInfo shape.
type Store struct {
	db *badger.DB
}

// OpenStore opens (creating if necessary) a BadgerDB database rooted at
// dir for model override storage. It uses low-memory settings, since
// this store only ever holds a handful of small JSON values.
func OpenStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithNumMemtables(1).
		WithNumLevelZeroTables(1).
		WithNumLevelZeroTablesStall(2)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("models: open override store at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the override for filename, or (UserInfo{}, false) if none exists.
func (s *Store) Get(filename string) (UserInfo, bool, error) {
	var (
		info  UserInfo
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(filename))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if err != nil {
		return UserInfo{}, false, fmt.Errorf("models: read override for %s: %w", filename, err)
	}
	return info, found, nil
}

// Set writes or replaces filename's override.
func (s *Store) Set(filename string, info UserInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("models: marshal override for %s: %w", filename, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(filename), data)
	})
	if err != nil {
		return fmt.Errorf("models: write override for %s: %w", filename, err)
	}
	return nil
}

// All loads every stored override into a UserConfig, the shape
// ScanFile/ScanDirectory expect.
func (s *Store) All() (UserConfig, error) {
	cfg := UserConfig{Overrides: make(map[string]UserInfo)}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			var info UserInfo
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return fmt.Errorf("models: decode override for %s: %w", key, err)
			}
			cfg.Overrides[key] = info
		}
		return nil
	})
	if err != nil {
		return UserConfig{}, err
	}
	return cfg, nil
}
