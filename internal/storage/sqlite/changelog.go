package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/internal/models"
)

// Append добавляет запись в change log, присваивая следующий seq.
// Повторный append записи с известным ID возвращает существующий seq.
func (s *Storage) Append(ctx context.Context, rec *models.ChangeRecord) (uint64, error) {
	vcJSON, err := json.Marshal(rec.Stamp.Vector)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal vector clock: %w", err)
	}
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `
		INSERT INTO change_log (
			record_id, collection, document_id, operation,
			node_id, wall_ms, logical, vector_clock, fields
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Collection,
		rec.DocumentID,
		string(rec.Operation),
		rec.Stamp.NodeID,
		rec.Stamp.Time.WallMs,
		rec.Stamp.Time.Logical,
		string(vcJSON),
		string(fieldsJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}

	var seq uint64
	err = s.db.QueryRowContext(ctx,
		`SELECT seq FROM change_log WHERE record_id = ?`, rec.ID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read assigned seq: %w", err)
	}
	return seq, nil
}

// Since возвращает страницу записей с seq > afterSeq
func (s *Storage) Since(ctx context.Context, afterSeq uint64, collections []string, limit int) ([]*models.ChangeRecord, bool, error) {
	query := `
		SELECT seq, record_id, collection, document_id, operation,
		       node_id, wall_ms, logical, vector_clock, fields
		FROM change_log
		WHERE seq > ?
	`
	args := []any{afterSeq}

	if len(collections) > 0 {
		placeholders := strings.Repeat("?, ", len(collections))
		query += ` AND collection IN (` + strings.TrimSuffix(placeholders, ", ") + `)`
		for _, c := range collections {
			args = append(args, c)
		}
	}

	query += ` ORDER BY seq ASC`
	if limit > 0 {
		// Запрашиваем на одну больше, чтобы узнать о следующей странице
		query += ` LIMIT ?`
		args = append(args, limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query change log: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, false, err
	}

	hasMore := false
	if limit > 0 && len(records) > limit {
		records = records[:limit]
		hasMore = true
	}
	return records, hasMore, nil
}

// LastSeq возвращает seq последней записи лога
func (s *Storage) LastSeq(ctx context.Context) (uint64, error) {
	var last uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM change_log`,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last seq: %w", err)
	}
	return last, nil
}

// scanRecords собирает записи из результата запроса change log
func scanRecords(rows *sql.Rows) ([]*models.ChangeRecord, error) {
	var records []*models.ChangeRecord

	for rows.Next() {
		rec := &models.ChangeRecord{}
		var operation, vcJSON, fieldsJSON string

		err := rows.Scan(
			&rec.Seq,
			&rec.ID,
			&rec.Collection,
			&rec.DocumentID,
			&operation,
			&rec.Stamp.NodeID,
			&rec.Stamp.Time.WallMs,
			&rec.Stamp.Time.Logical,
			&vcJSON,
			&fieldsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		rec.Operation = models.Operation(operation)
		rec.Stamp.Vector = clock.NewVectorClock()
		if err := json.Unmarshal([]byte(vcJSON), &rec.Stamp.Vector); err != nil {
			return nil, fmt.Errorf("failed to unmarshal vector clock: %w", err)
		}
		if fieldsJSON != "" && fieldsJSON != "null" {
			if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
			}
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return records, nil
}
