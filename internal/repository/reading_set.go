package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rayjennings3rd/paige-ai/internal/models"
	"go.uber.org/zap"
)

// mergeAttempts 版本冲突时重新读取并合并的次数
const mergeAttempts = 3

// PostgresReadingSetStore 基于 PostgreSQL 的对账存储
// 并发控制：以 (patient_key, version) 为条件的写入，冲突时重新读取
type PostgresReadingSetStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresReadingSetStore 创建对账存储
func NewPostgresReadingSetStore(db *sql.DB, logger *zap.Logger) *PostgresReadingSetStore {
	return &PostgresReadingSetStore{
		db:     db,
		logger: logger,
	}
}

const readingSetColumns = `patient_key, readings, status, first_seen_date, last_updated_date, finalized_on, is_partial, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReadingSet(row rowScanner) (*models.PatientReadingSet, error) {
	var set models.PatientReadingSet
	var readings []byte
	var status string
	var finalizedOn sql.NullTime

	if err := row.Scan(
		&set.PatientKey,
		&readings,
		&status,
		&set.FirstSeenDate,
		&set.LastUpdatedDate,
		&finalizedOn,
		&set.Partial,
		&set.Version,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(readings, &set.Readings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal readings: %w", err)
	}
	set.Status = models.SetStatus(status)
	set.FirstSeenDate = models.DateOf(set.FirstSeenDate)
	set.LastUpdatedDate = models.DateOf(set.LastUpdatedDate)
	if finalizedOn.Valid {
		d := models.DateOf(finalizedOn.Time)
		set.FinalizedOn = &d
	}
	return &set, nil
}

// Get 读取患者记录
func (r *PostgresReadingSetStore) Get(ctx context.Context, patientKey string) (*models.PatientReadingSet, error) {
	query := `SELECT ` + readingSetColumns + ` FROM glucose_reading_sets WHERE patient_key = $1`

	set, err := scanReadingSet(r.db.QueryRowContext(ctx, query, patientKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to query reading set: %w", ErrStoreUnavailable, err)
	}
	return set, nil
}

// Merge 合并读数（读取 → 内存合并 → 条件写入）
func (r *PostgresReadingSetStore) Merge(ctx context.Context, reading models.Reading, processingDate time.Time) (*models.PatientReadingSet, error) {
	for attempt := 1; attempt <= mergeAttempts; attempt++ {
		current, err := r.Get(ctx, reading.PatientKey)
		if err != nil {
			return nil, err
		}
		if current == nil {
			current = models.NewPatientReadingSet(reading.PatientKey, processingDate)
		}

		next := current.Clone()
		if err := next.Merge(reading, processingDate); err != nil {
			return current, err
		}

		ok, err := r.save(ctx, next)
		if err != nil {
			return nil, err
		}
		if ok {
			next.Version++
			return next, nil
		}

		r.logger.Debug("Reading set version conflict, retrying merge",
			zap.String("patient_key", reading.PatientKey),
			zap.Int("attempt", attempt),
		)
	}
	return nil, fmt.Errorf("%w: patient_key %s", models.ErrVersionConflict, reading.PatientKey)
}

// save 条件写入；返回 false 表示版本冲突
func (r *PostgresReadingSetStore) save(ctx context.Context, set *models.PatientReadingSet) (bool, error) {
	readings, err := json.Marshal(set.Readings)
	if err != nil {
		return false, fmt.Errorf("failed to marshal readings: %w", err)
	}

	var res sql.Result
	if set.Version == 0 {
		res, err = r.db.ExecContext(ctx, `
			INSERT INTO glucose_reading_sets (
				patient_key, readings, status, first_seen_date, last_updated_date, version
			) VALUES ($1, $2, $3, $4, $5, 1)
			ON CONFLICT (patient_key) DO NOTHING
		`, set.PatientKey, readings, string(set.Status), set.FirstSeenDate, set.LastUpdatedDate)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE glucose_reading_sets
			SET readings = $2,
				status = $3,
				last_updated_date = $4,
				version = version + 1,
				updated_at = NOW()
			WHERE patient_key = $1 AND version = $5
		`, set.PatientKey, readings, string(set.Status), set.LastUpdatedDate, set.Version)
	}
	if err != nil {
		return false, fmt.Errorf("%w: failed to save reading set: %w", ErrStoreUnavailable, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: failed to read rows affected: %w", ErrStoreUnavailable, err)
	}
	return affected == 1, nil
}

// BeginFinalize 冻结读数并写入结果日期（只对 AWAITING/READY 且版本匹配的记录生效）
func (r *PostgresReadingSetStore) BeginFinalize(ctx context.Context, patientKey string, expectedVersion int64, finalizedOn time.Time, partial bool) (*models.PatientReadingSet, error) {
	query := `
		UPDATE glucose_reading_sets
		SET status = 'FINALIZING',
			finalized_on = $2,
			is_partial = $3,
			last_updated_date = GREATEST(last_updated_date, $2),
			version = version + 1,
			updated_at = NOW()
		WHERE patient_key = $1 AND version = $4 AND status IN ('AWAITING', 'READY')
		RETURNING ` + readingSetColumns

	set, err := scanReadingSet(r.db.QueryRowContext(ctx, query, patientKey, models.DateOf(finalizedOn), partial, expectedVersion))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: patient_key %s version %d", models.ErrVersionConflict, patientKey, expectedVersion)
		}
		return nil, fmt.Errorf("%w: failed to begin finalization: %w", ErrStoreUnavailable, err)
	}
	return set, nil
}

// MarkFinalized 结果写入后完成定稿；finalized_on 沿用 BeginFinalize 写入的日期
func (r *PostgresReadingSetStore) MarkFinalized(ctx context.Context, patientKey string, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE glucose_reading_sets
		SET status = 'FINALIZED',
			version = version + 1,
			updated_at = NOW()
		WHERE patient_key = $1 AND version = $2 AND status = 'FINALIZING'
	`, patientKey, expectedVersion)
	if err != nil {
		return fmt.Errorf("%w: failed to finalize reading set: %w", ErrStoreUnavailable, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to read rows affected: %w", ErrStoreUnavailable, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: patient_key %s version %d", models.ErrVersionConflict, patientKey, expectedVersion)
	}
	return nil
}

// ListFinalizable 分页扫描待定稿记录
func (r *PostgresReadingSetStore) ListFinalizable(ctx context.Context, cutoff time.Time, afterKey string, limit int) ([]*models.PatientReadingSet, error) {
	query := `
		SELECT ` + readingSetColumns + `
		FROM glucose_reading_sets
		WHERE patient_key > $1
		  AND (status IN ('READY', 'FINALIZING') OR (status = 'AWAITING' AND first_seen_date <= $2))
		ORDER BY patient_key
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, afterKey, models.DateOf(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query finalizable sets: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var sets []*models.PatientReadingSet
	for rows.Next() {
		set, err := scanReadingSet(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan reading set: %w", ErrStoreUnavailable, err)
		}
		sets = append(sets, set)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate reading sets: %w", ErrStoreUnavailable, err)
	}
	return sets, nil
}
