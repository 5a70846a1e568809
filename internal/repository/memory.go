package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rayjennings3rd/paige-ai/internal/models"
)

// MemoryReadingSetStore 内存对账存储（STORE_BACKEND=memory 与测试使用）
type MemoryReadingSetStore struct {
	mu   sync.Mutex
	sets map[string]*models.PatientReadingSet
}

// NewMemoryReadingSetStore 创建内存对账存储
func NewMemoryReadingSetStore() *MemoryReadingSetStore {
	return &MemoryReadingSetStore{sets: make(map[string]*models.PatientReadingSet)}
}

// Get 读取患者记录
func (m *MemoryReadingSetStore) Get(ctx context.Context, patientKey string) (*models.PatientReadingSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets[patientKey].Clone(), nil
}

// Merge 合并读数
func (m *MemoryReadingSetStore) Merge(ctx context.Context, reading models.Reading, processingDate time.Time) (*models.PatientReadingSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sets[reading.PatientKey]
	if !ok {
		current = models.NewPatientReadingSet(reading.PatientKey, processingDate)
	}

	next := current.Clone()
	if err := next.Merge(reading, processingDate); err != nil {
		return current.Clone(), err
	}
	next.Version++
	m.sets[reading.PatientKey] = next
	return next.Clone(), nil
}

// BeginFinalize 写入 FINALIZING
func (m *MemoryReadingSetStore) BeginFinalize(ctx context.Context, patientKey string, expectedVersion int64, finalizedOn time.Time, partial bool) (*models.PatientReadingSet, error) {
	return m.update(patientKey, expectedVersion, func(set *models.PatientReadingSet) error {
		return set.BeginFinalize(finalizedOn, partial)
	})
}

// MarkFinalized 标记终态
func (m *MemoryReadingSetStore) MarkFinalized(ctx context.Context, patientKey string, expectedVersion int64) error {
	_, err := m.update(patientKey, expectedVersion, func(set *models.PatientReadingSet) error {
		return set.MarkFinalized()
	})
	return err
}

// update 版本匹配且 fn 成功时写回；其他情况都按版本冲突处理
func (m *MemoryReadingSetStore) update(patientKey string, expectedVersion int64, fn func(*models.PatientReadingSet) error) (*models.PatientReadingSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[patientKey]
	if !ok || set.Version != expectedVersion {
		return nil, fmt.Errorf("%w: patient_key %s version %d", models.ErrVersionConflict, patientKey, expectedVersion)
	}
	next := set.Clone()
	if err := fn(next); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrVersionConflict, err)
	}
	next.Version++
	m.sets[patientKey] = next
	return next.Clone(), nil
}

// ListFinalizable 分页扫描待定稿记录
func (m *MemoryReadingSetStore) ListFinalizable(ctx context.Context, cutoff time.Time, afterKey string, limit int) ([]*models.PatientReadingSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff = models.DateOf(cutoff)
	var keys []string
	for key, set := range m.sets {
		if key <= afterKey {
			continue
		}
		if set.Status == models.StatusReady || set.Status == models.StatusFinalizing ||
			(set.Status == models.StatusAwaiting && !set.FirstSeenDate.After(cutoff)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	sets := make([]*models.PatientReadingSet, 0, len(keys))
	for _, key := range keys {
		sets = append(sets, m.sets[key].Clone())
	}
	return sets, nil
}

// MemoryResultSink 内存结果输出
type MemoryResultSink struct {
	mu      sync.Mutex
	results map[string]models.ClassificationResult
}

// NewMemoryResultSink 创建内存结果输出
func NewMemoryResultSink() *MemoryResultSink {
	return &MemoryResultSink{results: make(map[string]models.ClassificationResult)}
}

// WriteOnce 同一 patient_key 只写一次
func (m *MemoryResultSink) WriteOnce(ctx context.Context, result *models.ClassificationResult) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.results[result.PatientKey]; ok {
		return false, nil
	}
	stored := *result
	if result.AverageMgdl != nil {
		v := *result.AverageMgdl
		stored.AverageMgdl = &v
	}
	m.results[result.PatientKey] = stored
	return true, nil
}

// ListPartition 读取某一天的结果
func (m *MemoryResultSink) ListPartition(ctx context.Context, finalizedOn time.Time) ([]*models.ClassificationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := models.DateOf(finalizedOn)
	var results []*models.ClassificationResult
	for _, r := range m.results {
		if r.FinalizedOn.Equal(day) {
			c := r
			results = append(results, &c)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].PatientKey < results[j].PatientKey })
	return results, nil
}

// Len 结果总数
func (m *MemoryResultSink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

// MemoryAnomalyStore 内存异常存储
type MemoryAnomalyStore struct {
	mu        sync.Mutex
	anomalies []models.Anomaly
	seen      map[string]bool
}

// NewMemoryAnomalyStore 创建内存异常存储
func NewMemoryAnomalyStore() *MemoryAnomalyStore {
	return &MemoryAnomalyStore{seen: make(map[string]bool)}
}

// Record 幂等记录
func (m *MemoryAnomalyStore) Record(ctx context.Context, anomaly *models.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := anomaly.Reading
	key := fmt.Sprintf("%s|%s|%s|%d|%.2f", r.PatientKey, anomaly.Kind, r.SourceDate.Format(models.DateLayout), r.Draw, r.ValueMgdl)
	if m.seen[key] {
		return nil
	}
	m.seen[key] = true
	m.anomalies = append(m.anomalies, *anomaly)
	return nil
}

// List 返回全部异常
func (m *MemoryAnomalyStore) List() []models.Anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Anomaly(nil), m.anomalies...)
}

// MemoryRunStore 内存运行台账
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]models.RunSummary
}

// NewMemoryRunStore 创建内存运行台账
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]models.RunSummary)}
}

// Start 记录运行开始
func (m *MemoryRunStore) Start(ctx context.Context, summary *models.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[summary.RunID] = *summary
	return nil
}

// Finish 记录运行结束
func (m *MemoryRunStore) Finish(ctx context.Context, summary *models.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[summary.RunID] = *summary
	return nil
}

// Get 读取运行记录
func (m *MemoryRunStore) Get(runID string) (models.RunSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.runs[runID]
	return s, ok
}
