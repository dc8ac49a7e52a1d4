package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fentz26/ainews/internal/models"
	"github.com/google/uuid"
)

// SaveProcessSnapshot records the progress of the supervised process.
func (s *Store) SaveProcessSnapshot(ctx context.Context, snap models.ProcessSnapshot) (*models.ProcessSnapshot, error) {
	if snap.SnapshotID == "" {
		snap.SnapshotID = uuid.New().String()
	}
	if snap.LastSave.IsZero() {
		snap.LastSave = s.now()
	}

	_, err := s.exec(ctx, s.db, s.sb.Insert("process_snapshots").
		Columns("snapshot_id", "pid", "start_time", "current_source", "total_sources", "processed_sources", "total_articles", "last_save").
		Values(snap.SnapshotID, snap.PID, millis(snap.StartTime), snap.CurrentSource, snap.TotalSources,
			snap.ProcessedSources, snap.TotalArticles, millis(snap.LastSave)))
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	return &snap, nil
}

// LatestProcessSnapshot returns the most recent snapshot, or nil, nil if none.
func (s *Store) LatestProcessSnapshot(ctx context.Context) (*models.ProcessSnapshot, error) {
	var (
		snap                models.ProcessSnapshot
		startTime, lastSave int64
	)
	err := s.queryRow(ctx, s.db, s.sb.Select("snapshot_id", "pid", "start_time", "current_source", "total_sources",
		"processed_sources", "total_articles", "last_save").
		From("process_snapshots").
		OrderBy("last_save DESC").
		Limit(1),
		&snap.SnapshotID, &snap.PID, &startTime, &snap.CurrentSource, &snap.TotalSources,
		&snap.ProcessedSources, &snap.TotalArticles, &lastSave)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	snap.StartTime = fromMillis(startTime)
	snap.LastSave = fromMillis(lastSave)
	return &snap, nil
}
