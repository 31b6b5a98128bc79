package badger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/interfaces"
)

// kvPrefix namespaces raw key/value entries away from badgerhold's keyspace
const kvPrefix = "kv:"

// maxKVRetries bounds optimistic-transaction retries on write conflicts.
// Every conflict means another writer committed, so a contender can lose at
// most once per concurrent peer; the cap only guards against livelock.
const maxKVRetries = 16

// KVStorage implements the KeyValueStorage interface on raw Badger entries.
// Unlike the row storages it bypasses badgerhold so entries carry Badger's
// native TTL: expired keys vanish without a sweeper.
type KVStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewKVStorage creates a new KVStorage instance
func NewKVStorage(db *BadgerDB, logger arbor.ILogger) interfaces.KeyValueStorage {
	return &KVStorage{
		db:     db,
		logger: logger,
	}
}

// normalizeKey converts a key to lowercase for case-insensitive storage
func (s *KVStorage) normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (s *KVStorage) keyBytes(key string) []byte {
	return []byte(kvPrefix + s.normalizeKey(key))
}

// Get retrieves a value by key (case-insensitive). Expired keys read as absent.
func (s *KVStorage) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.Store().Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(s.keyBytes(key))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(data)
		return nil
	})
	if err == badgerdb.ErrKeyNotFound {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	return value, nil
}

// Set inserts or updates a key (case-insensitive); ttl <= 0 stores without expiry
func (s *KVStorage) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(s.keyBytes(key), []byte(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// SetNX sets the key only if it does not already exist; returns true when
// this call created it. Concurrent callers race through Badger's optimistic
// transactions, so a conflicted attempt re-reads before giving up.
func (s *KVStorage) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	kb := s.keyBytes(key)
	for attempt := 0; attempt < maxKVRetries; attempt++ {
		created := false
		err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
			_, err := txn.Get(kb)
			if err == nil {
				return nil
			}
			if err != badgerdb.ErrKeyNotFound {
				return err
			}
			entry := badgerdb.NewEntry(kb, []byte(value))
			if ttl > 0 {
				entry = entry.WithTTL(ttl)
			}
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
			created = true
			return nil
		})
		if err == badgerdb.ErrConflict {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to set key if absent: %w", err)
		}
		return created, nil
	}
	return false, fmt.Errorf("failed to set key if absent: too many conflicts")
}

// Delete removes a key; deleting a missing key is not an error
func (s *KVStorage) Delete(ctx context.Context, key string) error {
	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(s.keyBytes(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Exists reports whether the key is present and unexpired
func (s *KVStorage) Exists(ctx context.Context, key string) (bool, error) {
	exists := false
	err := s.db.Store().Badger().View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(s.keyBytes(key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	return exists, nil
}

// Increment atomically bumps an integer counter, creating it at 1 with the
// given ttl. Later bumps preserve the remaining TTL so the window expires on
// schedule regardless of traffic.
func (s *KVStorage) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	kb := s.keyBytes(key)
	for attempt := 0; attempt < maxKVRetries; attempt++ {
		var count int64
		err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
			remaining := ttl
			count = 0

			item, err := txn.Get(kb)
			if err == nil {
				data, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				count, _ = strconv.ParseInt(string(data), 10, 64)
				if exp := item.ExpiresAt(); exp > 0 {
					remaining = time.Until(time.Unix(int64(exp), 0))
					if remaining <= 0 {
						// Expired between iterator visibility and now; restart the window
						count = 0
						remaining = ttl
					}
				} else {
					remaining = 0
				}
			} else if err != badgerdb.ErrKeyNotFound {
				return err
			}

			count++
			entry := badgerdb.NewEntry(kb, []byte(strconv.FormatInt(count, 10)))
			if remaining > 0 {
				entry = entry.WithTTL(remaining)
			}
			return txn.SetEntry(entry)
		})
		if err == badgerdb.ErrConflict {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to increment key: %w", err)
		}
		return count, nil
	}
	return 0, fmt.Errorf("failed to increment key: too many conflicts")
}

// ListByPrefix returns all live keys with the given prefix. Returned map
// keys are normalized and have the internal namespace stripped.
func (s *KVStorage) ListByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	result := make(map[string]string)
	scanPrefix := s.keyBytes(prefix)

	err := s.db.Store().Badger().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = scanPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[strings.TrimPrefix(string(item.Key()), kvPrefix)] = string(data)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys by prefix: %w", err)
	}
	return result, nil
}

// DeleteByPrefix removes all keys with the given prefix and returns how many
// were dropped. Large sweeps split across transactions when the current one
// fills up.
func (s *KVStorage) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	scanPrefix := s.keyBytes(prefix)

	var keys [][]byte
	err := s.db.Store().Badger().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = scanPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan keys by prefix: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	db := s.db.Store().Badger()
	txn := db.NewTransaction(true)
	defer txn.Discard()

	deleted := 0
	for _, key := range keys {
		err := txn.Delete(key)
		if err == badgerdb.ErrTxnTooBig {
			if err := txn.Commit(); err != nil {
				return deleted, fmt.Errorf("failed to delete keys by prefix: %w", err)
			}
			txn = db.NewTransaction(true)
			err = txn.Delete(key)
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to delete keys by prefix: %w", err)
		}
		deleted++
	}
	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("failed to delete keys by prefix: %w", err)
	}
	return deleted, nil
}
