package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fentz26/ainews/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingStore struct {
	records []models.OperationRecord
	err     error
	panic   bool
}

func (s *recordingStore) WriteOperation(_ context.Context, name, level, fields, inputsHash string) (*models.OperationRecord, error) {
	if s.panic {
		panic("store exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	rec := models.OperationRecord{Name: name, Level: level, Fields: fields, InputsHash: inputsHash}
	s.records = append(s.records, rec)
	return &rec, nil
}

func TestLogOperation(t *testing.T) {
	st := &recordingStore{}
	w := NewWriter(st, nil)

	w.LogOperation(context.Background(), "article_processed", map[string]any{"article_id": "A1", "success": true})

	require.Len(t, st.records, 1)
	rec := st.records[0]
	assert.Equal(t, "article_processed", rec.Name)
	assert.Equal(t, LevelInfo, rec.Level)
	assert.Len(t, rec.InputsHash, 64)

	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.Fields), &fields))
	assert.Equal(t, "A1", fields["article_id"])
}

func TestLogError_MergesKindAndMessage(t *testing.T) {
	st := &recordingStore{}
	w := NewWriter(st, nil)

	w.LogError(context.Background(), "phase_failed", "parse timed out", map[string]any{"phase": "parse"})

	require.Len(t, st.records, 1)
	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(st.records[0].Fields), &fields))
	assert.Equal(t, "phase_failed", fields["error_type"])
	assert.Equal(t, "parse timed out", fields["message"])
	assert.Equal(t, "parse", fields["phase"])
	assert.Equal(t, LevelError, st.records[0].Level)
}

func TestWriter_NeverPropagates(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	w := NewWriter(&recordingStore{err: errors.New("disk full")}, zap.New(core))
	assert.NotPanics(t, func() { w.LogOperation(context.Background(), "x", nil) })

	w = NewWriter(&recordingStore{panic: true}, zap.New(core))
	assert.NotPanics(t, func() { w.LogOperation(context.Background(), "y", nil) })

	assert.Equal(t, 1, logs.FilterMessage("failed to write operation").Len())
	assert.Equal(t, 1, logs.FilterMessage("operation log panicked").Len())
}

func TestHashInputs_Stable(t *testing.T) {
	a := hashInputs(map[string]any{"b": 1, "a": 2})
	b := hashInputs(map[string]any{"a": 2, "b": 1})
	assert.Equal(t, a, b)
}
