package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rayjennings3rd/paige-ai/internal/models"
	"go.uber.org/zap"
)

// PostgresAnomalyStore 异常复核表
type PostgresAnomalyStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAnomalyStore 创建异常存储
func NewPostgresAnomalyStore(db *sql.DB, logger *zap.Logger) *PostgresAnomalyStore {
	return &PostgresAnomalyStore{
		db:     db,
		logger: logger,
	}
}

// Record 写入异常；重复记录忽略
func (r *PostgresAnomalyStore) Record(ctx context.Context, anomaly *models.Anomaly) error {
	if anomaly.ID == "" {
		anomaly.ID = uuid.New().String()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO glucose_anomalies (
			anomaly_id, run_id, kind, patient_key, value_mgdl, draw, source_date, detected_on
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (patient_key, kind, source_date, draw, value_mgdl) DO NOTHING
	`,
		anomaly.ID,
		anomaly.RunID,
		string(anomaly.Kind),
		anomaly.Reading.PatientKey,
		anomaly.Reading.ValueMgdl,
		anomaly.Reading.Draw,
		models.DateOf(anomaly.Reading.SourceDate),
		models.DateOf(anomaly.DetectedOn),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to record anomaly: %w", ErrStoreUnavailable, err)
	}
	return nil
}
