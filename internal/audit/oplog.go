// Package audit writes the structured operation log.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fentz26/ainews/internal/models"
	"go.uber.org/zap"
)

// Levels recorded in the operation log.
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// OperationStore persists operation records.
type OperationStore interface {
	WriteOperation(ctx context.Context, name, level, fields, inputsHash string) (*models.OperationRecord, error)
}

// Writer is a fire-and-forget operation log sink. It never returns errors
// and never panics into the caller; failures are logged.
type Writer struct {
	store  OperationStore
	logger *zap.Logger
}

// NewWriter creates a writer. A nil store logs through zap only.
func NewWriter(s OperationStore, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: s, logger: logger.With(zap.String("component", "oplog"))}
}

// LogOperation records a named event with its fields.
func (w *Writer) LogOperation(ctx context.Context, name string, fields map[string]any) {
	w.write(ctx, name, LevelInfo, fields)
}

// LogError records an error event of the given kind.
func (w *Writer) LogError(ctx context.Context, kind, message string, fields map[string]any) {
	merged := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		merged[k] = v
	}
	merged["error_type"] = kind
	merged["message"] = message
	w.write(ctx, kind, LevelError, merged)
}

func (w *Writer) write(ctx context.Context, name, level string, fields map[string]any) {
	if w == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("operation log panicked", zap.String("operation", name), zap.Any("panic", r))
		}
	}()

	payload, err := json.Marshal(fields)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}

	if level == LevelError {
		w.logger.Warn(name, zap.ByteString("fields", payload))
	} else {
		w.logger.Debug(name, zap.ByteString("fields", payload))
	}

	if w.store == nil {
		return
	}
	if _, err := w.store.WriteOperation(ctx, name, level, string(payload), hashInputs(fields)); err != nil {
		w.logger.Warn("failed to write operation", zap.String("operation", name), zap.Error(err))
	}
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
