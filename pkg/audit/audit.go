// Package audit persists one row per tool execution. The log keeps metadata
// only: tool name, outcome, timing. Parameters and outputs are never stored,
// since both can carry user data.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"toolgate/pkg/types"
)

// Record is one execution audit entry.
type Record struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	Tool       string           `json:"tool"`
	Provenance types.Provenance `json:"provenance"`
	Success    bool             `json:"success"`
	ErrorCode  string           `json:"error_code,omitempty"`
	DurationMS int64            `json:"duration_ms"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Store persists audit records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new audit store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// RecordExecution inserts one entry.
func (s *Store) RecordExecution(ctx context.Context, r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_audit (id, user_id, tool, provenance, success, error_code, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.UserID, r.Tool, string(r.Provenance), r.Success, r.ErrorCode, r.DurationMS, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit.RecordExecution: %w", err)
	}
	return nil
}

const defaultListLimit = 100

// ListRecent returns a user's latest executions, newest first.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, tool, provenance, success, error_code, duration_ms, created_at
		FROM execution_audit
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit.ListRecent: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.UserID, &r.Tool, &r.Provenance, &r.Success, &r.ErrorCode, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit.ListRecent scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit.ListRecent iteration: %w", err)
	}
	return out, nil
}

// ExecutionWriter persists one audit entry.
type ExecutionWriter interface {
	RecordExecution(ctx context.Context, r Record) error
}

// Recorder wraps the store and emits a structured log line alongside each
// write. Audit failures are logged, never propagated: a broken audit path
// must not fail user executions.
type Recorder struct {
	store ExecutionWriter
	log   *slog.Logger
}

// NewRecorder creates an audit recorder backed by the given store.
func NewRecorder(store ExecutionWriter, log *slog.Logger) *Recorder {
	return &Recorder{store: store, log: log}
}

// Record persists and logs one execution.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if err := r.store.RecordExecution(ctx, rec); err != nil {
		r.log.ErrorContext(ctx, "audit record failed",
			"user_id", rec.UserID,
			"tool", rec.Tool,
			"error", err,
		)
		return
	}
	r.log.InfoContext(ctx, "execution recorded",
		"user_id", rec.UserID,
		"tool", rec.Tool,
		"provenance", string(rec.Provenance),
		"success", rec.Success,
		"error_code", rec.ErrorCode,
		"duration_ms", rec.DurationMS,
	)
}
