package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rayjennings3rd/paige-ai/internal/aggregator"
	"github.com/rayjennings3rd/paige-ai/internal/anonymizer"
	"github.com/rayjennings3rd/paige-ai/internal/ingest"
	"github.com/rayjennings3rd/paige-ai/internal/locker"
	"github.com/rayjennings3rd/paige-ai/internal/models"
	"github.com/rayjennings3rd/paige-ai/internal/notifier"
	"github.com/rayjennings3rd/paige-ai/internal/repository"
	"github.com/rayjennings3rd/paige-ai/internal/validator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// reasonMalformed 无法解析的 CSV 记录
const reasonMalformed = "malformed"

// IngestionDeps 编排器依赖
type IngestionDeps struct {
	Source     ingest.Source
	Anonymizer anonymizer.Anonymizer
	Validator  *validator.Validator
	Store      repository.ReadingSetStore
	Sink       repository.ResultSink
	Anomalies  repository.AnomalyStore
	Runs       repository.RunStore
	Locker     locker.Locker
	Notifier   notifier.Notifier
}

// IngestionOptions 编排参数
type IngestionOptions struct {
	Encoding       string
	LateWindowDays int
	WorkerCount    int
	SweepPageSize  int
	SweepMaxPages  int
	LockTimeout    time.Duration
	Retry          RetryPolicy
}

// IngestionService 每日摄入编排：拉取 → 解析 → 匿名化 → 校验 → 合并 → 定稿 → 超时扫描
type IngestionService struct {
	deps   IngestionDeps
	opts   IngestionOptions
	logger *zap.Logger
}

// NewIngestionService 创建编排器
func NewIngestionService(deps IngestionDeps, opts IngestionOptions, logger *zap.Logger) *IngestionService {
	if opts.WorkerCount < 1 {
		opts.WorkerCount = 1
	}
	if opts.SweepPageSize < 1 {
		opts.SweepPageSize = 500
	}
	if opts.SweepMaxPages < 1 {
		opts.SweepMaxPages = 1
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.NopNotifier{}
	}
	return &IngestionService{
		deps:   deps,
		opts:   opts,
		logger: logger,
	}
}

// runCounters 多个 worker 共享的计数
type runCounters struct {
	merged     atomic.Int64
	duplicates atomic.Int64
	anomalies  atomic.Int64
	finalized  atomic.Int64
	partial    atomic.Int64
}

// RunDaily 处理某一天的文件并执行超时扫描
// 没有当日文件时仍然扫描；同一天重复运行不会改变输出
func (s *IngestionService) RunDaily(ctx context.Context, processingDate time.Time) (*models.RunSummary, error) {
	summary := &models.RunSummary{
		RunID:          uuid.New().String(),
		ProcessingDate: models.DateOf(processingDate),
		StartedAt:      time.Now().UTC(),
		Status:         models.RunRunning,
		RejectedBy:     make(map[string]int),
	}
	logger := s.logger.With(
		zap.String("run_id", summary.RunID),
		zap.String("processing_date", summary.ProcessingDate.Format(models.DateLayout)),
	)

	if err := s.opts.Retry.Do(ctx, logger, "run_start", func(ctx context.Context) error {
		return s.deps.Runs.Start(ctx, summary)
	}); err != nil {
		return nil, fmt.Errorf("failed to record run start: %w", err)
	}
	logger.Info("Daily run started")

	counters := &runCounters{}
	runErr := s.ingest(ctx, logger, summary, counters)
	if runErr == nil {
		runErr = s.sweep(ctx, logger, summary, counters)
	}

	summary.Merged = int(counters.merged.Load())
	summary.Duplicates = int(counters.duplicates.Load())
	summary.Anomalies = int(counters.anomalies.Load())
	summary.Finalized = int(counters.finalized.Load())
	summary.Partial = int(counters.partial.Load())
	summary.FinishedAt = time.Now().UTC()
	summary.Status = models.RunCompleted
	if runErr != nil {
		summary.Status = models.RunFailed
		summary.Error = runErr.Error()
	}

	// 即使 ctx 已取消也要落账
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finishTimeout())
	defer cancel()
	if err := s.opts.Retry.Do(finishCtx, logger, "run_finish", func(ctx context.Context) error {
		return s.deps.Runs.Finish(ctx, summary)
	}); err != nil {
		logger.Error("Failed to record run finish", zap.Error(err))
	}
	if err := s.deps.Notifier.PublishRunSummary(finishCtx, summary); err != nil {
		logger.Warn("Failed to publish run summary", zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("status", string(summary.Status)),
		zap.Bool("source_found", summary.SourceFound),
		zap.Int("rows_read", summary.RowsRead),
		zap.Int("readings_valid", summary.ReadingsValid),
		zap.Int("rejected", summary.Rejected),
		zap.Any("rejected_by", summary.RejectedBy),
		zap.Int("merged", summary.Merged),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("anomalies", summary.Anomalies),
		zap.Int("finalized", summary.Finalized),
		zap.Int("partial", summary.Partial),
		zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)),
	}
	if runErr != nil {
		logger.Error("Daily run failed", append(fields, zap.Error(runErr))...)
		return summary, runErr
	}
	logger.Info("Daily run completed", fields...)
	return summary, nil
}

func (s *IngestionService) finishTimeout() time.Duration {
	if s.opts.Retry.AttemptTimeout > 0 {
		return time.Duration(s.opts.Retry.MaxAttempts+1) * s.opts.Retry.AttemptTimeout
	}
	return 30 * time.Second
}

// ingest 单个生产者解析文件，按患者键哈希分发给 worker
// 同一患者键总落在同一 worker，保证按到达顺序合并
func (s *IngestionService) ingest(ctx context.Context, logger *zap.Logger, summary *models.RunSummary, counters *runCounters) error {
	date := summary.ProcessingDate
	workers := s.opts.WorkerCount

	g, gctx := errgroup.WithContext(ctx)

	partitions := make([]chan models.Reading, workers)
	for i := range partitions {
		partitions[i] = make(chan models.Reading, 256)
	}

	g.Go(func() error {
		defer func() {
			for _, ch := range partitions {
				close(ch)
			}
		}()
		return s.produce(gctx, logger, summary, partitions)
	})

	for i := range partitions {
		in := partitions[i]
		g.Go(func() error {
			for reading := range in {
				if err := s.processReading(gctx, logger, summary.RunID, date, reading, counters); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// produce 拉取并解析当日文件；PHI 只存在于此函数的回调中
func (s *IngestionService) produce(ctx context.Context, logger *zap.Logger, summary *models.RunSummary, partitions []chan models.Reading) error {
	date := summary.ProcessingDate

	file, err := s.deps.Source.Fetch(ctx, date)
	if err != nil {
		if errors.Is(err, ingest.ErrSourceNotFound) {
			logger.Warn("No source file for processing date, continuing with sweep", zap.Error(err))
			return nil
		}
		return fmt.Errorf("failed to fetch source file: %w", err)
	}
	summary.SourceFound = true
	logger.Info("Processing source file", zap.String("file", file.Name))

	stats, err := ingest.Decode(file, s.opts.Encoding, func(row ingest.Row) error {
		candidates, rejection := Scrub(row, s.deps.Anonymizer)
		if rejection != nil {
			s.countRejection(logger, summary, rejection)
			return nil
		}
		for _, candidate := range candidates {
			reading, rejection := s.deps.Validator.Validate(candidate, date)
			if rejection != nil {
				s.countRejection(logger, summary, rejection)
				continue
			}
			summary.ReadingsValid++

			ch := partitions[partitionOf(reading.PatientKey, len(partitions))]
			select {
			case ch <- *reading:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	summary.RowsRead = stats.Rows
	if stats.Malformed > 0 {
		summary.Rejected += stats.Malformed
		summary.RejectedBy[reasonMalformed] += stats.Malformed
	}
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", file.Name, err)
	}
	return nil
}

func (s *IngestionService) countRejection(logger *zap.Logger, summary *models.RunSummary, rejection *validator.Rejection) {
	summary.Rejected++
	summary.RejectedBy[string(rejection.Reason)]++
	logger.Debug("Rejected measurement",
		zap.Int("line", rejection.Line),
		zap.Int("draw", rejection.Draw),
		zap.String("reason", string(rejection.Reason)),
	)
}

func partitionOf(patientKey string, n int) int {
	return int(xxhash.Sum64String(patientKey) % uint64(n))
}

// processReading 在患者键锁内合并一个读数，收齐 3 个后立即定稿
func (s *IngestionService) processReading(ctx context.Context, logger *zap.Logger, runID string, date time.Time, reading models.Reading, counters *runCounters) error {
	release, err := s.lock(ctx, logger, reading.PatientKey)
	if err != nil {
		return err
	}
	defer release()

	var set *models.PatientReadingSet
	err = s.opts.Retry.Do(ctx, logger, "merge", func(ctx context.Context) error {
		var err error
		set, err = s.deps.Store.Merge(ctx, reading, date)
		return err
	})

	switch {
	case err == nil:
		counters.merged.Add(1)
		if set.Status == models.StatusReady {
			return s.finalize(ctx, logger, set, date, false, counters)
		}
		return nil
	case errors.Is(err, models.ErrDuplicateReading):
		counters.duplicates.Add(1)
		return nil
	}

	if kind, ok := models.AnomalyKindOf(err); ok {
		counters.anomalies.Add(1)
		return s.recordAnomaly(ctx, logger, runID, kind, reading, date)
	}
	return fmt.Errorf("failed to merge reading for %s: %w", reading.PatientKey, err)
}

// lock 锁服务连接失败按重试策略重试；等待超时不重试
func (s *IngestionService) lock(ctx context.Context, logger *zap.Logger, patientKey string) (func(), error) {
	var release func()
	err := s.opts.Retry.Do(ctx, logger, "lock", func(ctx context.Context) error {
		lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
		defer cancel()

		var err error
		release, err = s.deps.Locker.Acquire(lockCtx, patientKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", patientKey, err)
	}
	return release, nil
}

// finalize 三步：写入 FINALIZING（冻结读数与结果日期）→ 写结果 → 标记终态
// 任一步之后崩溃，下次扫描都会用记录中的日期补完剩余步骤
func (s *IngestionService) finalize(ctx context.Context, logger *zap.Logger, set *models.PatientReadingSet, date time.Time, partial bool, counters *runCounters) error {
	pending, err := s.beginFinalize(ctx, logger, set, date, partial)
	if err != nil {
		return err
	}
	if pending == nil {
		return nil
	}
	if set.Status == models.StatusFinalizing {
		logger.Info("Resuming interrupted finalization",
			zap.String("patient_key", pending.PatientKey),
			zap.Time("finalized_on", *pending.FinalizedOn),
		)
	}

	result := aggregator.BuildResult(pending, *pending.FinalizedOn, pending.Partial)

	var written bool
	if err := s.opts.Retry.Do(ctx, logger, "write_result", func(ctx context.Context) error {
		var err error
		written, err = s.deps.Sink.WriteOnce(ctx, result)
		return err
	}); err != nil {
		return fmt.Errorf("failed to write result for %s: %w", pending.PatientKey, err)
	}
	if !written {
		logger.Info("Result already written, completing finalization",
			zap.String("patient_key", pending.PatientKey),
		)
	}

	if err := s.opts.Retry.Do(ctx, logger, "mark_finalized", func(ctx context.Context) error {
		err := s.deps.Store.MarkFinalized(ctx, pending.PatientKey, pending.Version)
		if !errors.Is(err, models.ErrVersionConflict) {
			return err
		}
		current, getErr := s.deps.Store.Get(ctx, pending.PatientKey)
		if getErr != nil {
			return getErr
		}
		if current != nil && current.Status == models.StatusFinalized {
			return nil
		}
		return err
	}); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", pending.PatientKey, err)
	}

	if written {
		counters.finalized.Add(1)
		if result.IsPartial {
			counters.partial.Add(1)
		}
	}
	logger.Debug("Reading set finalized",
		zap.String("patient_key", pending.PatientKey),
		zap.String("classification", string(result.Classification)),
		zap.Int("reading_count", result.ReadingCount),
		zap.Bool("is_partial", result.IsPartial),
	)
	return nil
}

// beginFinalize 返回处于 FINALIZING 的记录；记录已是 FINALIZED 时返回 nil
func (s *IngestionService) beginFinalize(ctx context.Context, logger *zap.Logger, set *models.PatientReadingSet, date time.Time, partial bool) (*models.PatientReadingSet, error) {
	if set.Status == models.StatusFinalizing {
		return set, nil
	}

	var pending *models.PatientReadingSet
	err := s.opts.Retry.Do(ctx, logger, "begin_finalize", func(ctx context.Context) error {
		p, err := s.deps.Store.BeginFinalize(ctx, set.PatientKey, set.Version, date, partial)
		if !errors.Is(err, models.ErrVersionConflict) {
			pending = p
			return err
		}
		current, getErr := s.deps.Store.Get(ctx, set.PatientKey)
		if getErr != nil {
			return getErr
		}
		if current != nil && current.Closed() {
			pending = current
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin finalization for %s: %w", set.PatientKey, err)
	}
	if pending.Status == models.StatusFinalized {
		return nil, nil
	}
	return pending, nil
}

// recordAnomaly 读数被丢弃，写入复核队列
func (s *IngestionService) recordAnomaly(ctx context.Context, logger *zap.Logger, runID string, kind models.AnomalyKind, reading models.Reading, date time.Time) error {
	anomaly := &models.Anomaly{
		ID:         uuid.New().String(),
		RunID:      runID,
		Kind:       kind,
		Reading:    reading,
		DetectedOn: date,
	}

	if err := s.opts.Retry.Do(ctx, logger, "record_anomaly", func(ctx context.Context) error {
		return s.deps.Anomalies.Record(ctx, anomaly)
	}); err != nil {
		return fmt.Errorf("failed to record anomaly for %s: %w", reading.PatientKey, err)
	}

	logger.Warn("Reading discarded as anomaly",
		zap.String("patient_key", reading.PatientKey),
		zap.String("kind", string(kind)),
		zap.Int("draw", reading.Draw),
	)
	if err := s.deps.Notifier.PublishAnomaly(ctx, anomaly); err != nil {
		logger.Warn("Failed to publish anomaly", zap.Error(err))
	}
	return nil
}

// sweep 分页扫描超出迟到窗口的 AWAITING 记录以及遗留的 READY、FINALIZING 记录
func (s *IngestionService) sweep(ctx context.Context, logger *zap.Logger, summary *models.RunSummary, counters *runCounters) error {
	date := summary.ProcessingDate
	cutoff := date.AddDate(0, 0, -s.opts.LateWindowDays)
	afterKey := ""

	page := 0
	for ; page < s.opts.SweepMaxPages; page++ {
		var sets []*models.PatientReadingSet
		if err := s.opts.Retry.Do(ctx, logger, "list_finalizable", func(ctx context.Context) error {
			var err error
			sets, err = s.deps.Store.ListFinalizable(ctx, cutoff, afterKey, s.opts.SweepPageSize)
			return err
		}); err != nil {
			return fmt.Errorf("failed to list finalizable sets: %w", err)
		}
		if len(sets) == 0 {
			break
		}
		afterKey = sets[len(sets)-1].PatientKey

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.WorkerCount)
		for _, set := range sets {
			key := set.PatientKey
			g.Go(func() error {
				return s.sweepOne(gctx, logger, key, date, counters)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if len(sets) < s.opts.SweepPageSize {
			break
		}
	}

	if page == s.opts.SweepMaxPages {
		logger.Warn("Sweep stopped at page limit, remaining sets are picked up by the next run",
			zap.Int("max_pages", s.opts.SweepMaxPages),
			zap.String("last_patient_key", afterKey),
		)
	}
	return nil
}

// sweepOne 在锁内重新读取后再判断，扫描期间状态可能已变化
func (s *IngestionService) sweepOne(ctx context.Context, logger *zap.Logger, patientKey string, date time.Time, counters *runCounters) error {
	release, err := s.lock(ctx, logger, patientKey)
	if err != nil {
		return err
	}
	defer release()

	var set *models.PatientReadingSet
	if err := s.opts.Retry.Do(ctx, logger, "get", func(ctx context.Context) error {
		var err error
		set, err = s.deps.Store.Get(ctx, patientKey)
		return err
	}); err != nil {
		return fmt.Errorf("failed to load %s: %w", patientKey, err)
	}
	if set == nil {
		return nil
	}

	switch {
	case set.Status == models.StatusFinalizing:
		// 上次运行在定稿中途中断
		return s.finalize(ctx, logger, set, date, set.Partial, counters)
	case set.Status == models.StatusReady:
		return s.finalize(ctx, logger, set, date, false, counters)
	case set.IsExpired(date, s.opts.LateWindowDays):
		return s.finalize(ctx, logger, set, date, len(set.Readings) < models.MaxReadingsPerPatient, counters)
	}
	return nil
}
