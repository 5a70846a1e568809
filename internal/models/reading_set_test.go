package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func reading(key string, v float64, draw int, src string) Reading {
	return Reading{PatientKey: key, ValueMgdl: v, Draw: draw, SourceDate: day(src)}
}

func TestMerge_TransitionsToReadyOnThirdReading(t *testing.T) {
	set := NewPatientReadingSet("pk-1", day("2021-05-01"))

	require.NoError(t, set.Merge(reading("pk-1", 100, 1, "2021-05-01"), day("2021-05-01")))
	require.NoError(t, set.Merge(reading("pk-1", 150, 2, "2021-05-01"), day("2021-05-01")))
	assert.Equal(t, StatusAwaiting, set.Status)

	require.NoError(t, set.Merge(reading("pk-1", 250, 3, "2021-05-05"), day("2021-05-05")))
	assert.Equal(t, StatusReady, set.Status)
	assert.Len(t, set.Readings, 3)
	assert.Equal(t, day("2021-05-01"), set.FirstSeenDate)
	assert.Equal(t, day("2021-05-05"), set.LastUpdatedDate)
}

func TestMerge_SameReadingTwiceIsIdempotent(t *testing.T) {
	once := NewPatientReadingSet("pk-1", day("2021-05-01"))
	require.NoError(t, once.Merge(reading("pk-1", 120, 1, "2021-05-01"), day("2021-05-01")))

	twice := once.Clone()
	err := twice.Merge(reading("pk-1", 120, 1, "2021-05-01"), day("2021-05-01"))
	assert.ErrorIs(t, err, ErrDuplicateReading)
	assert.Equal(t, once, twice)
}

func TestMerge_ResentDrawFromLaterFileIsDuplicate(t *testing.T) {
	set := NewPatientReadingSet("pk-1", day("2021-05-01"))
	require.NoError(t, set.Merge(reading("pk-1", 120, 1, "2021-05-01"), day("2021-05-01")))

	err := set.Merge(reading("pk-1", 120, 1, "2021-05-02"), day("2021-05-02"))
	assert.ErrorIs(t, err, ErrDuplicateReading)
	assert.Len(t, set.Readings, 1)
}

func TestMerge_SameValueDifferentDrawIsNotDuplicate(t *testing.T) {
	set := NewPatientReadingSet("pk-1", day("2021-05-01"))
	require.NoError(t, set.Merge(reading("pk-1", 120, 1, "2021-05-01"), day("2021-05-01")))
	require.NoError(t, set.Merge(reading("pk-1", 120, 2, "2021-05-01"), day("2021-05-01")))
	assert.Len(t, set.Readings, 2)
}

func TestMerge_DrawConflict(t *testing.T) {
	set := NewPatientReadingSet("pk-1", day("2021-05-01"))
	require.NoError(t, set.Merge(reading("pk-1", 120, 1, "2021-05-01"), day("2021-05-01")))

	err := set.Merge(reading("pk-1", 130, 1, "2021-05-02"), day("2021-05-02"))
	assert.ErrorIs(t, err, ErrDrawConflict)
	assert.Equal(t, 120.0, set.Readings[0].ValueMgdl)
}

func TestMerge_FinalizedRejectsLateReading(t *testing.T) {
	set := NewPatientReadingSet("pk-1", day("2021-05-01"))
	require.NoError(t, set.Merge(reading("pk-1", 120, 1, "2021-05-01"), day("2021-05-01")))
	require.NoError(t, set.BeginFinalize(day("2021-05-15"), true))
	require.NoError(t, set.MarkFinalized())

	err := set.Merge(reading("pk-1", 140, 2, "2021-05-20"), day("2021-05-20"))
	assert.ErrorIs(t, err, ErrLateAfterFinalization)
	assert.Len(t, set.Readings, 1)

	// 重放已输出的读数不是异常
	err = set.Merge(reading("pk-1", 120, 1, "2021-05-01"), day("2021-05-20"))
	assert.ErrorIs(t, err, ErrDuplicateReading)
}

func TestMerge_NeverExceedsThreeReadings(t *testing.T) {
	set := NewPatientReadingSet("pk-1", day("2021-05-01"))
	require.NoError(t, set.Merge(reading("pk-1", 100, 0, "2021-05-01"), day("2021-05-01")))
	require.NoError(t, set.Merge(reading("pk-1", 110, 0, "2021-05-01"), day("2021-05-01")))
	require.NoError(t, set.Merge(reading("pk-1", 120, 0, "2021-05-01"), day("2021-05-01")))

	err := set.Merge(reading("pk-1", 130, 0, "2021-05-02"), day("2021-05-02"))
	assert.ErrorIs(t, err, ErrReadingSetFull)
	assert.Len(t, set.Readings, MaxReadingsPerPatient)
}

func TestIsExpired(t *testing.T) {
	set := NewPatientReadingSet("pk-1", day("2021-05-01"))

	assert.False(t, set.IsExpired(day("2021-05-14"), 14))
	assert.True(t, set.IsExpired(day("2021-05-15"), 14))

	require.NoError(t, set.BeginFinalize(day("2021-05-15"), true))
	assert.False(t, set.IsExpired(day("2021-06-30"), 14))
}

func TestBeginFinalize_ClosesSetBeforeMark(t *testing.T) {
	set := NewPatientReadingSet("pk-1", day("2021-05-01"))
	require.NoError(t, set.Merge(reading("pk-1", 120, 1, "2021-05-01"), day("2021-05-01")))

	// 结果尚未输出时不能直接标记终态
	assert.Error(t, set.MarkFinalized())

	require.NoError(t, set.BeginFinalize(day("2021-05-15"), true))
	assert.Equal(t, StatusFinalizing, set.Status)
	assert.True(t, set.Partial)
	require.NotNil(t, set.FinalizedOn)
	assert.True(t, day("2021-05-15").Equal(*set.FinalizedOn))

	// FINALIZING 与 FINALIZED 一样拒绝新读数
	err := set.Merge(reading("pk-1", 300, 2, "2021-05-16"), day("2021-05-16"))
	assert.ErrorIs(t, err, ErrLateAfterFinalization)
	assert.Len(t, set.Readings, 1)

	assert.Error(t, set.BeginFinalize(day("2021-05-16"), false))

	require.NoError(t, set.MarkFinalized())
	assert.Equal(t, StatusFinalized, set.Status)
	assert.True(t, day("2021-05-15").Equal(*set.FinalizedOn))
}

func TestAnomalyKindOf(t *testing.T) {
	kind, ok := AnomalyKindOf(ErrLateAfterFinalization)
	assert.True(t, ok)
	assert.Equal(t, AnomalyLateAfterFinalization, kind)

	_, ok = AnomalyKindOf(ErrDuplicateReading)
	assert.False(t, ok)
}
