package boltdb

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/iudanet/usp/internal/document"
	"github.com/iudanet/usp/internal/storage"
)

// SaveDocument сохраняет CRDT снимок документа
func (s *Storage) SaveDocument(ctx context.Context, snap document.DocumentSnapshot) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := []byte(snap.Collection + "/" + snap.ID)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadDocuments возвращает все сохраненные снимки
func (s *Storage) LoadDocuments(ctx context.Context) ([]document.DocumentSnapshot, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var snaps []document.DocumentSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(k, v []byte) error {
			var snap document.DocumentSnapshot
			if err := msgpack.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("failed to unmarshal snapshot %s: %w", k, err)
			}
			snaps = append(snaps, snap)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	return snaps, nil
}
