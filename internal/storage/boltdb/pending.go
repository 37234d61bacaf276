package boltdb

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/iudanet/usp/internal/models"
	"github.com/iudanet/usp/internal/storage"
)

// Enqueue ставит запись в очередь неотправленных изменений
func (s *Storage) Enqueue(ctx context.Context, rec *models.ChangeRecord) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(bucketPending)
		index := tx.Bucket(bucketPendingIdx)

		// Повторный enqueue той же записи не создает дубликат
		if index.Get([]byte(rec.ID)) != nil {
			return nil
		}

		pos, err := queue.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate queue position: %w", err)
		}
		if err := queue.Put(itob(pos), data); err != nil {
			return fmt.Errorf("failed to enqueue record: %w", err)
		}
		return index.Put([]byte(rec.ID), itob(pos))
	})
	if err != nil {
		return fmt.Errorf("enqueue transaction failed: %w", err)
	}
	return nil
}

// Pending возвращает записи очереди в порядке постановки
func (s *Storage) Pending(ctx context.Context, limit int) ([]*models.ChangeRecord, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var records []*models.ChangeRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketPending).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(records) == limit {
				return nil
			}
			var rec models.ChangeRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal pending record: %w", err)
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read pending queue: %w", err)
	}
	return records, nil
}

// Ack убирает подтвержденные записи из очереди
func (s *Storage) Ack(ctx context.Context, recordIDs []string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if len(recordIDs) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(bucketPending)
		index := tx.Bucket(bucketPendingIdx)

		for _, id := range recordIDs {
			pos := index.Get([]byte(id))
			if pos == nil {
				continue // уже подтверждена прежним ack
			}
			if err := queue.Delete(pos); err != nil {
				return fmt.Errorf("failed to dequeue record %s: %w", id, err)
			}
			if err := index.Delete([]byte(id)); err != nil {
				return fmt.Errorf("failed to unindex record %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack transaction failed: %w", err)
	}
	return nil
}
