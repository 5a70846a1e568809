package models

import "time"

// RunStatus 运行状态
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// RunSummary 每日运行汇总（计数即对外暴露的指标）
type RunSummary struct {
	RunID          string         `json:"run_id"`
	ProcessingDate time.Time      `json:"processing_date"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	Status         RunStatus      `json:"status"`
	SourceFound    bool           `json:"source_found"`
	RowsRead       int            `json:"rows_read"`
	ReadingsValid  int            `json:"readings_valid"`
	Rejected       int            `json:"rejected"`
	RejectedBy     map[string]int `json:"rejected_by,omitempty"`
	Merged         int            `json:"merged"`
	Duplicates     int            `json:"duplicates"`
	Anomalies      int            `json:"anomalies"`
	Finalized      int            `json:"finalized"`
	Partial        int            `json:"partial"`
	Error          string         `json:"error,omitempty"`
}
