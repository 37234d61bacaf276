package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint возвращает сохраненный токен пира.
// Пустая строка без ошибки означает, что пир еще не синхронизировался.
func (s *Storage) Checkpoint(ctx context.Context, peerID string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM checkpoints WHERE peer_id = ?`, peerID,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return token, nil
}

// SaveCheckpoint фиксирует токен пира
func (s *Storage) SaveCheckpoint(ctx context.Context, peerID, token string) error {
	query := `
		INSERT INTO checkpoints (peer_id, token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, peerID, token, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}
