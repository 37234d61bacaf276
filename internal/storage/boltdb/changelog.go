package boltdb

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/iudanet/usp/internal/models"
	"github.com/iudanet/usp/internal/storage"
)

// Append добавляет запись в change log, присваивая следующий seq.
// Повторный append записи с известным ID возвращает существующий seq.
func (s *Storage) Append(ctx context.Context, rec *models.ChangeRecord) (uint64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketChangeIndex)
		if existing := index.Get([]byte(rec.ID)); existing != nil {
			seq = btoi(existing)
			return nil
		}

		log := tx.Bucket(bucketChangeLog)
		next, err := log.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate seq: %w", err)
		}

		stored := rec.Clone()
		stored.Seq = next
		data, err := msgpack.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		if err := log.Put(itob(next), data); err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}
		if err := index.Put([]byte(rec.ID), itob(next)); err != nil {
			return fmt.Errorf("failed to index record: %w", err)
		}

		seq = next
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append transaction failed: %w", err)
	}
	return seq, nil
}

// Since возвращает страницу записей с seq > afterSeq
func (s *Storage) Since(ctx context.Context, afterSeq uint64, collections []string, limit int) ([]*models.ChangeRecord, bool, error) {
	if s.db == nil {
		return nil, false, storage.ErrStorageClosed
	}

	wanted := make(map[string]struct{}, len(collections))
	for _, c := range collections {
		wanted[c] = struct{}{}
	}

	var records []*models.ChangeRecord
	var hasMore bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketChangeLog).Cursor()

		for k, v := cursor.Seek(itob(afterSeq + 1)); k != nil; k, v = cursor.Next() {
			var rec models.ChangeRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record at seq %d: %w", btoi(k), err)
			}

			if len(wanted) > 0 {
				if _, ok := wanted[rec.Collection]; !ok {
					continue
				}
			}

			if limit > 0 && len(records) == limit {
				hasMore = true
				return nil
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read change log: %w", err)
	}
	return records, hasMore, nil
}

// LastSeq возвращает seq последней записи лога
func (s *Storage) LastSeq(ctx context.Context) (uint64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var last uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		last = tx.Bucket(bucketChangeLog).Sequence()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read last seq: %w", err)
	}
	return last, nil
}
