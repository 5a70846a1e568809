package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rayjennings3rd/paige-ai/internal/models"
)

// 基础设施错误：可重试
var (
	ErrStoreUnavailable = errors.New("reconciliation store unavailable")
	ErrSinkUnavailable  = errors.New("output sink unavailable")
)

// ReadingSetStore 对账存储（唯一的共享可变状态）
type ReadingSetStore interface {
	// Get 读取患者记录；不存在时返回 nil, nil
	Get(ctx context.Context, patientKey string) (*models.PatientReadingSet, error)

	// Merge 合并读数并以 (patient_key, version) 条件写入
	// 领域错误（重复、迟到等）返回当前记录且不修改状态
	Merge(ctx context.Context, reading models.Reading, processingDate time.Time) (*models.PatientReadingSet, error)

	// BeginFinalize 以 expectedVersion 条件写入 FINALIZING、结果日期与是否部分结果
	// 写入后 Merge 把新读数当作迟到读数处理
	BeginFinalize(ctx context.Context, patientKey string, expectedVersion int64, finalizedOn time.Time, partial bool) (*models.PatientReadingSet, error)

	// MarkFinalized 结果写入后以 expectedVersion 条件把 FINALIZING 改为 FINALIZED
	MarkFinalized(ctx context.Context, patientKey string, expectedVersion int64) error

	// ListFinalizable 按 patient_key 分页列出 READY、FINALIZING 记录以及 first_seen_date <= cutoff 的 AWAITING 记录
	ListFinalizable(ctx context.Context, cutoff time.Time, afterKey string, limit int) ([]*models.PatientReadingSet, error)
}

// ResultSink 仅追加、按 finalized_on 分区的输出
type ResultSink interface {
	// WriteOnce 该 patient_key 尚无结果时写入；已存在时返回 written=false
	WriteOnce(ctx context.Context, result *models.ClassificationResult) (written bool, err error)

	// ListPartition 读取某一分区的全部结果（按 patient_key 排序）
	ListPartition(ctx context.Context, finalizedOn time.Time) ([]*models.ClassificationResult, error)
}

// AnomalyStore 异常复核队列
type AnomalyStore interface {
	// Record 幂等记录；同一读数的同类异常只保留一条
	Record(ctx context.Context, anomaly *models.Anomaly) error
}

// RunStore 运行台账
type RunStore interface {
	Start(ctx context.Context, summary *models.RunSummary) error
	Finish(ctx context.Context, summary *models.RunSummary) error
}
