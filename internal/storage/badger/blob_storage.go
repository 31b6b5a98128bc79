package badger

import (
	"context"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/interfaces"
)

// blobPrefix namespaces raw blob entries away from badgerhold's keyspace
const blobPrefix = "blob:"

// BlobStorage stores raw page bodies as Badger values, outside the indexed
// row space so multi-megabyte HTML never flows through badgerhold encoding.
type BlobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewBlobStorage creates a new BlobStorage instance
func NewBlobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BlobStorage {
	return &BlobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *BlobStorage) keyBytes(key string) []byte {
	return []byte(blobPrefix + key)
}

func (s *BlobStorage) Put(ctx context.Context, key string, data []byte) error {
	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		return txn.Set(s.keyBytes(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to put blob: %w", err)
	}
	return nil
}

func (s *BlobStorage) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.Store().Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(s.keyBytes(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badgerdb.ErrKeyNotFound {
		return nil, fmt.Errorf("blob %s: %w", key, interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return data, nil
}

// Delete removes a blob; deleting a missing blob is not an error
func (s *BlobStorage) Delete(ctx context.Context, key string) error {
	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(s.keyBytes(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// DeleteByPrefix removes every blob under the prefix, splitting across
// transactions when the current one fills up. Used when a job or website
// is purged.
func (s *BlobStorage) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
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
		return 0, fmt.Errorf("failed to scan blobs by prefix: %w", err)
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
				return deleted, fmt.Errorf("failed to delete blobs by prefix: %w", err)
			}
			txn = db.NewTransaction(true)
			err = txn.Delete(key)
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to delete blobs by prefix: %w", err)
		}
		deleted++
	}
	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("failed to delete blobs by prefix: %w", err)
	}
	return deleted, nil
}
