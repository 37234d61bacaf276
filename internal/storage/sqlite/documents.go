package sqlite

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/iudanet/usp/internal/document"
)

// SaveDocument сохраняет CRDT снимок документа
func (s *Storage) SaveDocument(ctx context.Context, snap document.DocumentSnapshot) error {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO documents (collection, id, snapshot)
		VALUES (?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET snapshot = excluded.snapshot
	`

	if _, err := s.db.ExecContext(ctx, query, snap.Collection, snap.ID, data); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadDocuments возвращает все сохраненные снимки
func (s *Storage) LoadDocuments(ctx context.Context) ([]document.DocumentSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot FROM documents ORDER BY collection, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var snaps []document.DocumentSnapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		var snap document.DocumentSnapshot
		if err := msgpack.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return snaps, nil
}
