package service

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rayjennings3rd/paige-ai/internal/anonymizer"
	"github.com/rayjennings3rd/paige-ai/internal/ingest"
	"github.com/rayjennings3rd/paige-ai/internal/locker"
	"github.com/rayjennings3rd/paige-ai/internal/models"
	"github.com/rayjennings3rd/paige-ai/internal/repository"
	"github.com/rayjennings3rd/paige-ai/internal/validator"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const wideHeader = "patient_id,first_name,last_name,email,address,glucose_mgdl_t1,glucose_mgdl_t2,glucose_mgdl_t3\n"

// memSource 按日期返回内存中的 CSV
type memSource struct {
	mu    sync.Mutex
	files map[string]string
}

func (m *memSource) put(date time.Time, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[date.Format(models.DateLayout)] = body
}

func (m *memSource) Fetch(ctx context.Context, date time.Time) (*ingest.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.files[date.Format(models.DateLayout)]
	if !ok {
		return nil, ingest.ErrSourceNotFound
	}
	return &ingest.File{
		Name: ingest.FileName("", date),
		Body: io.NopCloser(strings.NewReader(body)),
	}, nil
}

type harness struct {
	svc       *IngestionService
	source    *memSource
	anon      *anonymizer.Blake2bAnonymizer
	store     *repository.MemoryReadingSetStore
	sink      *repository.MemoryResultSink
	anomalies *repository.MemoryAnomalyStore
	runs      *repository.MemoryRunStore
}

func newHarness(t *testing.T, workers int) *harness {
	anon, err := anonymizer.NewBlake2bAnonymizer([]byte("test-hash-key"))
	require.NoError(t, err)
	v, err := validator.New(10, 1000)
	require.NoError(t, err)

	h := &harness{
		source:    &memSource{files: make(map[string]string)},
		anon:      anon,
		store:     repository.NewMemoryReadingSetStore(),
		sink:      repository.NewMemoryResultSink(),
		anomalies: repository.NewMemoryAnomalyStore(),
		runs:      repository.NewMemoryRunStore(),
	}
	h.svc = NewIngestionService(IngestionDeps{
		Source:     h.source,
		Anonymizer: anon,
		Validator:  v,
		Store:      h.store,
		Sink:       h.sink,
		Anomalies:  h.anomalies,
		Runs:       h.runs,
		Locker:     locker.NewLocalLocker(),
	}, IngestionOptions{
		Encoding:       ingest.EncodingUTF8,
		LateWindowDays: 14,
		WorkerCount:    workers,
		SweepPageSize:  2,
		SweepMaxPages:  100,
		LockTimeout:    time.Second,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Backoff:     time.Millisecond,
			MaxBackoff:  5 * time.Millisecond,
		},
	}, zap.NewNop())
	return h
}

// keyOf 测试患者的匿名键
func (h *harness) keyOf(t *testing.T, patientID string) string {
	key, err := h.anon.DeriveKey(anonymizer.RawIdentifier{
		PatientID: patientID,
		FirstName: "Ann",
		LastName:  "Lee",
		Email:     "ann@example.com",
	})
	require.NoError(t, err)
	return key
}

// row 生成宽表数据行
func row(patientID, t1, t2, t3 string) string {
	return patientID + ",Ann,Lee,ann@example.com,1 Main St," + t1 + "," + t2 + "," + t3 + "\n"
}

func (h *harness) run(t *testing.T, date time.Time) *models.RunSummary {
	summary, err := h.svc.RunDaily(context.Background(), date)
	require.NoError(t, err)
	return summary
}

func (h *harness) result(t *testing.T, patientKey string) *models.ClassificationResult {
	set, err := h.store.Get(context.Background(), patientKey)
	require.NoError(t, err)
	if set == nil || set.FinalizedOn == nil {
		return nil
	}
	results, err := h.sink.ListPartition(context.Background(), *set.FinalizedOn)
	require.NoError(t, err)
	for _, r := range results {
		if r.PatientKey == patientKey {
			return r
		}
	}
	return nil
}

func day(d int) time.Time {
	return time.Date(2021, 5, d, 0, 0, 0, 0, time.UTC)
}
