package repository

import (
	"context"
	"testing"

	"github.com/rayjennings3rd/paige-ai/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReadingSetStore_MergeAndFinalize(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryReadingSetStore()
	d1 := date(2021, 5, 1)

	set, err := store.Merge(ctx, models.Reading{PatientKey: "pk-1", ValueMgdl: 120, Draw: 1, SourceDate: d1}, d1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), set.Version)

	// 返回的是副本
	set.Readings[0].ValueMgdl = 999
	stored, err := store.Get(ctx, "pk-1")
	require.NoError(t, err)
	assert.Equal(t, 120.0, stored.Readings[0].ValueMgdl)

	d15 := date(2021, 5, 15)
	_, err = store.BeginFinalize(ctx, "pk-1", 0, d15, true)
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	// 没有 FINALIZING 不能直接定稿
	err = store.MarkFinalized(ctx, "pk-1", 1)
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	pending, err := store.BeginFinalize(ctx, "pk-1", 1, d15, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinalizing, pending.Status)
	assert.Equal(t, int64(2), pending.Version)

	// FINALIZING 期间的新读数是迟到异常
	_, err = store.Merge(ctx, models.Reading{PatientKey: "pk-1", ValueMgdl: 300, Draw: 2, SourceDate: d15}, d15)
	assert.ErrorIs(t, err, models.ErrLateAfterFinalization)

	sets, err := store.ListFinalizable(ctx, d1.AddDate(0, 0, -30), "", 10)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, models.StatusFinalizing, sets[0].Status)

	require.NoError(t, store.MarkFinalized(ctx, "pk-1", 2))
	stored, _ = store.Get(ctx, "pk-1")
	assert.Equal(t, models.StatusFinalized, stored.Status)
	assert.Equal(t, int64(3), stored.Version)
	assert.True(t, d15.Equal(*stored.FinalizedOn))
	assert.True(t, stored.Partial)

	_, err = store.Merge(ctx, models.Reading{PatientKey: "pk-1", ValueMgdl: 140, Draw: 2, SourceDate: d1}, d1)
	assert.ErrorIs(t, err, models.ErrLateAfterFinalization)
}

func TestMemoryReadingSetStore_ListFinalizablePages(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryReadingSetStore()
	d1 := date(2021, 5, 1)
	d10 := date(2021, 5, 10)

	for _, key := range []string{"pk-c", "pk-a", "pk-b"} {
		_, err := store.Merge(ctx, models.Reading{PatientKey: key, ValueMgdl: 100, Draw: 1, SourceDate: d1}, d1)
		require.NoError(t, err)
	}
	_, err := store.Merge(ctx, models.Reading{PatientKey: "pk-new", ValueMgdl: 100, Draw: 1, SourceDate: d10}, d10)
	require.NoError(t, err)

	page, err := store.ListFinalizable(ctx, d1, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "pk-a", page[0].PatientKey)
	assert.Equal(t, "pk-b", page[1].PatientKey)

	page, err = store.ListFinalizable(ctx, d1, "pk-b", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "pk-c", page[0].PatientKey)
}

func TestMemoryResultSink_WriteOnce(t *testing.T) {
	ctx := context.Background()
	sink := NewMemoryResultSink()
	day := date(2021, 5, 18)

	written, err := sink.WriteOnce(ctx, &models.ClassificationResult{PatientKey: "pk-1", Classification: models.ClassNormal, FinalizedOn: day})
	require.NoError(t, err)
	assert.True(t, written)

	written, err = sink.WriteOnce(ctx, &models.ClassificationResult{PatientKey: "pk-1", Classification: models.ClassDiabetes, FinalizedOn: day})
	require.NoError(t, err)
	assert.False(t, written)

	results, err := sink.ListPartition(ctx, day)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ClassNormal, results[0].Classification)
}

func TestMemoryAnomalyStore_Dedup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAnomalyStore()
	a := &models.Anomaly{Kind: models.AnomalyLateAfterFinalization, Reading: models.Reading{PatientKey: "pk-1", ValueMgdl: 130, Draw: 2, SourceDate: date(2021, 5, 20)}}

	require.NoError(t, store.Record(ctx, a))
	require.NoError(t, store.Record(ctx, a))
	assert.Len(t, store.List(), 1)
}
