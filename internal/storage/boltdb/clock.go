package boltdb

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/internal/storage"
)

var clockStateKey = []byte("state")

// SaveClock сохраняет состояние часов узла
func (s *Storage) SaveClock(ctx context.Context, stamp clock.Stamp) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := msgpack.Marshal(stamp)
	if err != nil {
		return fmt.Errorf("failed to marshal clock state: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketClock).Put(clockStateKey, data)
	})
	if err != nil {
		return fmt.Errorf("failed to save clock state: %w", err)
	}
	return nil
}

// LoadClock возвращает сохраненное состояние часов
func (s *Storage) LoadClock(ctx context.Context) (clock.Stamp, error) {
	if s.db == nil {
		return clock.Stamp{}, storage.ErrStorageClosed
	}

	var stamp clock.Stamp
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketClock).Get(clockStateKey)
		if data == nil {
			return nil
		}
		return msgpack.Unmarshal(data, &stamp)
	})
	if err != nil {
		return clock.Stamp{}, fmt.Errorf("failed to load clock state: %w", err)
	}
	return stamp, nil
}
