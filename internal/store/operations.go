package store

import (
	"context"
	"fmt"

	"github.com/fentz26/ainews/internal/models"
	"github.com/google/uuid"
)

// WriteOperation appends an entry to the operation log.
func (s *Store) WriteOperation(ctx context.Context, name, level, fields, inputsHash string) (*models.OperationRecord, error) {
	now := s.now()
	rec := &models.OperationRecord{
		OperationID: uuid.New().String(),
		Name:        name,
		Level:       level,
		Fields:      fields,
		InputsHash:  inputsHash,
		CreatedAt:   fromMillis(millis(now)),
	}

	_, err := s.exec(ctx, s.db, s.sb.Insert("operation_log").
		Columns("operation_id", "name", "level", "fields", "inputs_hash", "created_at").
		Values(rec.OperationID, rec.Name, rec.Level, rec.Fields, rec.InputsHash, millis(now)))
	if err != nil {
		return nil, fmt.Errorf("insert operation: %w", err)
	}
	return rec, nil
}

// ListOperations returns the newest operation log entries.
func (s *Store) ListOperations(ctx context.Context, limit int) ([]models.OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, s.db, s.sb.Select("operation_id", "name", "level", "fields", "inputs_hash", "created_at").
		From("operation_log").
		OrderBy("created_at DESC", "operation_id").
		Limit(uint64(limit)))
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var recs []models.OperationRecord
	for rows.Next() {
		var rec models.OperationRecord
		var createdAt int64
		if err := rows.Scan(&rec.OperationID, &rec.Name, &rec.Level, &rec.Fields, &rec.InputsHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		rec.CreatedAt = fromMillis(createdAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
