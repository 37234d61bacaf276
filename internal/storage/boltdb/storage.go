// Package boltdb реализует storage.Storage поверх BoltDB.
// Профиль клиентской реплики: один файл, один процесс, записи
// сериализуются в msgpack.
package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/usp/internal/storage"
)

var (
	// BoltDB bucket names
	bucketChangeLog   = []byte("changelog")     // seq -> record
	bucketChangeIndex = []byte("change_index")  // record id -> seq
	bucketCheckpoints = []byte("checkpoints")   // peer id -> token
	bucketDocuments   = []byte("documents")     // collection/id -> snapshot
	bucketClock       = []byte("clock")         // "state" -> clock stamp
	bucketPending     = []byte("pending")       // queue pos -> record
	bucketPendingIdx  = []byte("pending_index") // record id -> queue pos
)

// Storage represents BoltDB storage implementation for a replica
type Storage struct {
	db *bbolt.DB
}

var _ storage.Storage = (*Storage)(nil)

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{db: db}

	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	buckets := [][]byte{
		bucketChangeLog, bucketChangeIndex,
		bucketCheckpoints, bucketDocuments,
		bucketClock, bucketPending, bucketPendingIdx,
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// itob кодирует uint64 в big-endian ключ, сохраняющий порядок
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
