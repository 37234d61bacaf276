package boltdb

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/usp/internal/storage"
)

// Checkpoint возвращает сохраненный токен пира.
// Пустая строка без ошибки означает, что пир еще не синхронизировался.
func (s *Storage) Checkpoint(ctx context.Context, peerID string) (string, error) {
	if s.db == nil {
		return "", storage.ErrStorageClosed
	}

	var token string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketCheckpoints).Get([]byte(peerID)); data != nil {
			token = string(data)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return token, nil
}

// SaveCheckpoint фиксирует токен пира
func (s *Storage) SaveCheckpoint(ctx context.Context, peerID, token string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(peerID), []byte(token))
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}
