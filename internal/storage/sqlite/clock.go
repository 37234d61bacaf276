package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iudanet/usp/internal/clock"
)

// SaveClock сохраняет состояние часов узла
func (s *Storage) SaveClock(ctx context.Context, stamp clock.Stamp) error {
	vector, err := json.Marshal(stamp.Vector)
	if err != nil {
		return fmt.Errorf("failed to marshal vector clock: %w", err)
	}

	query := `
		INSERT INTO clock_state (id, node_id, wall_ms, logical, vector)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			node_id = excluded.node_id,
			wall_ms = excluded.wall_ms,
			logical = excluded.logical,
			vector  = excluded.vector
	`

	if _, err := s.db.ExecContext(ctx, query, stamp.NodeID, stamp.Time.WallMs, stamp.Time.Logical, string(vector)); err != nil {
		return fmt.Errorf("failed to save clock state: %w", err)
	}
	return nil
}

// LoadClock возвращает сохраненное состояние часов
func (s *Storage) LoadClock(ctx context.Context) (clock.Stamp, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT node_id, wall_ms, logical, vector FROM clock_state WHERE id = 1`,
	)

	var stamp clock.Stamp
	var vector string
	err := row.Scan(&stamp.NodeID, &stamp.Time.WallMs, &stamp.Time.Logical, &vector)
	if errors.Is(err, sql.ErrNoRows) {
		return clock.Stamp{}, nil
	}
	if err != nil {
		return clock.Stamp{}, fmt.Errorf("failed to load clock state: %w", err)
	}

	if err := json.Unmarshal([]byte(vector), &stamp.Vector); err != nil {
		return clock.Stamp{}, fmt.Errorf("failed to unmarshal vector clock: %w", err)
	}
	return stamp, nil
}
