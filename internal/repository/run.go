package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rayjennings3rd/paige-ai/internal/models"
	"go.uber.org/zap"
)

// PostgresRunStore 运行台账
type PostgresRunStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresRunStore 创建运行台账
func NewPostgresRunStore(db *sql.DB, logger *zap.Logger) *PostgresRunStore {
	return &PostgresRunStore{
		db:     db,
		logger: logger,
	}
}

// Start 记录运行开始
func (r *PostgresRunStore) Start(ctx context.Context, summary *models.RunSummary) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO glucose_runs (run_id, processing_date, status, started_at)
		VALUES ($1, $2, $3, $4)
	`, summary.RunID, models.DateOf(summary.ProcessingDate), string(summary.Status), summary.StartedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to insert run: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Finish 记录运行结果与计数
func (r *PostgresRunStore) Finish(ctx context.Context, summary *models.RunSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	var runErr sql.NullString
	if summary.Error != "" {
		runErr = sql.NullString{String: summary.Error, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE glucose_runs
		SET status = $2, finished_at = $3, summary = $4, error = $5
		WHERE run_id = $1
	`, summary.RunID, string(summary.Status), summary.FinishedAt, payload, runErr)
	if err != nil {
		return fmt.Errorf("%w: failed to update run: %w", ErrStoreUnavailable, err)
	}
	return nil
}
