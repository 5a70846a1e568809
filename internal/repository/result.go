package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rayjennings3rd/paige-ai/internal/models"
	"go.uber.org/zap"
)

// PostgresResultSink 按 finalized_on 做 LIST 分区的结果表
type PostgresResultSink struct {
	db         *sql.DB
	logger     *zap.Logger
	partitions sync.Map // 已确认存在的分区
}

// NewPostgresResultSink 创建结果输出
func NewPostgresResultSink(db *sql.DB, logger *zap.Logger) *PostgresResultSink {
	return &PostgresResultSink{
		db:     db,
		logger: logger,
	}
}

// PartitionName 分区表名
func PartitionName(finalizedOn time.Time) string {
	return "glucose_results_p" + finalizedOn.Format("20060102")
}

// ensurePartition 按需创建当日分区
func (s *PostgresResultSink) ensurePartition(ctx context.Context, finalizedOn time.Time) error {
	name := PartitionName(finalizedOn)
	if _, ok := s.partitions.Load(name); ok {
		return nil
	}

	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF glucose_results FOR VALUES IN ('%s')`,
		name, finalizedOn.Format(models.DateLayout),
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: failed to create partition %s: %w", ErrSinkUnavailable, name, err)
	}

	s.partitions.Store(name, struct{}{})
	s.logger.Info("Ensured result partition", zap.String("partition", name))
	return nil
}

// WriteOnce 同一 patient_key 只写一次（跨分区检查，事务级 advisory lock 串行化）
func (s *PostgresResultSink) WriteOnce(ctx context.Context, result *models.ClassificationResult) (bool, error) {
	finalizedOn := models.DateOf(result.FinalizedOn)
	if err := s.ensurePartition(ctx, finalizedOn); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: failed to begin transaction: %w", ErrSinkUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, result.PatientKey); err != nil {
		return false, fmt.Errorf("%w: failed to lock patient_key: %w", ErrSinkUnavailable, err)
	}

	var avg sql.NullFloat64
	if result.AverageMgdl != nil {
		avg = sql.NullFloat64{Float64: *result.AverageMgdl, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO glucose_results (
			patient_key, average_mgdl, classification, classification_code,
			reading_count, finalized_on, is_partial
		)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (SELECT 1 FROM glucose_results WHERE patient_key = $1)
	`,
		result.PatientKey,
		avg,
		string(result.Classification),
		result.Classification.Code(),
		result.ReadingCount,
		finalizedOn,
		result.IsPartial,
	)
	if err != nil {
		return false, fmt.Errorf("%w: failed to insert result: %w", ErrSinkUnavailable, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: failed to read rows affected: %w", ErrSinkUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: failed to commit result: %w", ErrSinkUnavailable, err)
	}
	return affected == 1, nil
}

// ListPartition 读取某一天的结果
func (s *PostgresResultSink) ListPartition(ctx context.Context, finalizedOn time.Time) ([]*models.ClassificationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT patient_key, average_mgdl, classification, reading_count, finalized_on, is_partial
		FROM glucose_results
		WHERE finalized_on = $1
		ORDER BY patient_key
	`, models.DateOf(finalizedOn))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query results: %w", ErrSinkUnavailable, err)
	}
	defer rows.Close()

	var results []*models.ClassificationResult
	for rows.Next() {
		var result models.ClassificationResult
		var avg sql.NullFloat64
		var classification string
		if err := rows.Scan(
			&result.PatientKey,
			&avg,
			&classification,
			&result.ReadingCount,
			&result.FinalizedOn,
			&result.IsPartial,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan result: %w", ErrSinkUnavailable, err)
		}
		if avg.Valid {
			v := avg.Float64
			result.AverageMgdl = &v
		}
		result.Classification = models.Classification(classification)
		result.FinalizedOn = models.DateOf(result.FinalizedOn)
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate results: %w", ErrSinkUnavailable, err)
	}
	return results, nil
}
