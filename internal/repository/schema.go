package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements 建表语句（可重复执行）
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS glucose_reading_sets (
		patient_key       VARCHAR(64) PRIMARY KEY,
		readings          JSONB       NOT NULL DEFAULT '[]',
		status            VARCHAR(16) NOT NULL,
		first_seen_date   DATE        NOT NULL,
		last_updated_date DATE        NOT NULL,
		finalized_on      DATE,
		is_partial        BOOLEAN     NOT NULL DEFAULT FALSE,
		version           BIGINT      NOT NULL DEFAULT 1,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE glucose_reading_sets ADD COLUMN IF NOT EXISTS is_partial BOOLEAN NOT NULL DEFAULT FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_glucose_reading_sets_pending
		ON glucose_reading_sets (status, first_seen_date, patient_key)
		WHERE status <> 'FINALIZED'`,
	`CREATE TABLE IF NOT EXISTS glucose_results (
		patient_key         VARCHAR(64)  NOT NULL,
		average_mgdl        NUMERIC(7,2),
		classification      VARCHAR(16)  NOT NULL,
		classification_code SMALLINT     NOT NULL,
		reading_count       SMALLINT     NOT NULL,
		finalized_on        DATE         NOT NULL,
		is_partial          BOOLEAN      NOT NULL,
		created_at          TIMESTAMPTZ  NOT NULL DEFAULT NOW()
	) PARTITION BY LIST (finalized_on)`,
	`CREATE INDEX IF NOT EXISTS idx_glucose_results_patient_key ON glucose_results (patient_key)`,
	`CREATE TABLE IF NOT EXISTS glucose_anomalies (
		anomaly_id   UUID         PRIMARY KEY,
		run_id       UUID         NOT NULL,
		kind         VARCHAR(32)  NOT NULL,
		patient_key  VARCHAR(64)  NOT NULL,
		value_mgdl   NUMERIC(7,2) NOT NULL,
		draw         SMALLINT     NOT NULL,
		source_date  DATE         NOT NULL,
		detected_on  DATE         NOT NULL,
		reviewed     BOOLEAN      NOT NULL DEFAULT FALSE,
		created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
		UNIQUE (patient_key, kind, source_date, draw, value_mgdl)
	)`,
	`CREATE TABLE IF NOT EXISTS glucose_runs (
		run_id          UUID        PRIMARY KEY,
		processing_date DATE        NOT NULL,
		status          VARCHAR(16) NOT NULL,
		started_at      TIMESTAMPTZ NOT NULL,
		finished_at     TIMESTAMPTZ,
		summary         JSONB       NOT NULL DEFAULT '{}',
		error           TEXT
	)`,
}

// EnsureSchema 创建所需的表与索引
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
