package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/iudanet/usp/internal/models"
)

// Enqueue ставит запись в очередь неотправленных изменений
func (s *Storage) Enqueue(ctx context.Context, rec *models.ChangeRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	query := `
		INSERT INTO pending (record_id, record)
		VALUES (?, ?)
		ON CONFLICT(record_id) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, rec.ID, data); err != nil {
		return fmt.Errorf("failed to enqueue record: %w", err)
	}
	return nil
}

// Pending возвращает записи очереди в порядке постановки
func (s *Storage) Pending(ctx context.Context, limit int) ([]*models.ChangeRecord, error) {
	query := `SELECT record FROM pending ORDER BY pos ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending queue: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []*models.ChangeRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan pending record: %w", err)
		}
		rec := &models.ChangeRecord{}
		if err := msgpack.Unmarshal(data, rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return records, nil
}

// Ack убирает подтвержденные записи из очереди
func (s *Storage) Ack(ctx context.Context, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(recordIDs)), ", ")
	args := make([]any, len(recordIDs))
	for i, id := range recordIDs {
		args[i] = id
	}

	query := `DELETE FROM pending WHERE record_id IN (` + placeholders + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to ack records: %w", err)
	}
	return nil
}
