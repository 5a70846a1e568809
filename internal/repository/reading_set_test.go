package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rayjennings3rd/paige-ai/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var readingSetCols = []string{"patient_key", "readings", "status", "first_seen_date", "last_updated_date", "finalized_on", "is_partial", "version"}

func setupMockStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresReadingSetStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	store := NewPostgresReadingSetStore(db, zap.NewNop())
	return db, mock, store
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestGet_NotFound(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM glucose_reading_sets WHERE patient_key`).
		WithArgs("pk-1").
		WillReturnRows(sqlmock.NewRows(readingSetCols))

	set, err := store.Get(context.Background(), "pk-1")

	require.NoError(t, err)
	assert.Nil(t, set)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_Found(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	readings := `[{"patient_key":"pk-1","value_mgdl":100,"draw":1,"source_date":"2021-05-01T00:00:00Z"}]`
	mock.ExpectQuery(`SELECT .* FROM glucose_reading_sets WHERE patient_key`).
		WithArgs("pk-1").
		WillReturnRows(sqlmock.NewRows(readingSetCols).
			AddRow("pk-1", []byte(readings), "AWAITING", date(2021, 5, 1), date(2021, 5, 1), nil, false, int64(1)))

	set, err := store.Get(context.Background(), "pk-1")

	require.NoError(t, err)
	require.NotNil(t, set)
	assert.Equal(t, models.StatusAwaiting, set.Status)
	assert.Equal(t, int64(1), set.Version)
	require.Len(t, set.Readings, 1)
	assert.Equal(t, 100.0, set.Readings[0].ValueMgdl)
	assert.Nil(t, set.FinalizedOn)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_DatabaseError(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM glucose_reading_sets`).
		WithArgs("pk-1").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Get(context.Background(), "pk-1")

	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerge_NewPatientInserts(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	day := date(2021, 5, 1)
	mock.ExpectQuery(`SELECT .* FROM glucose_reading_sets`).
		WithArgs("pk-1").
		WillReturnRows(sqlmock.NewRows(readingSetCols))
	mock.ExpectExec(`INSERT INTO glucose_reading_sets`).
		WithArgs("pk-1", sqlmock.AnyArg(), "AWAITING", day, day).
		WillReturnResult(sqlmock.NewResult(0, 1))

	set, err := store.Merge(context.Background(), models.Reading{PatientKey: "pk-1", ValueMgdl: 100, Draw: 1, SourceDate: day}, day)

	require.NoError(t, err)
	assert.Equal(t, int64(1), set.Version)
	assert.Len(t, set.Readings, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerge_ThirdReadingUpdatesToReady(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	d1 := date(2021, 5, 1)
	d5 := date(2021, 5, 5)
	readings := `[{"patient_key":"pk-1","value_mgdl":100,"draw":1,"source_date":"2021-05-01T00:00:00Z"},` +
		`{"patient_key":"pk-1","value_mgdl":150,"draw":2,"source_date":"2021-05-01T00:00:00Z"}]`

	mock.ExpectQuery(`SELECT .* FROM glucose_reading_sets`).
		WithArgs("pk-1").
		WillReturnRows(sqlmock.NewRows(readingSetCols).
			AddRow("pk-1", []byte(readings), "AWAITING", d1, d1, nil, false, int64(2)))
	mock.ExpectExec(`UPDATE glucose_reading_sets`).
		WithArgs("pk-1", sqlmock.AnyArg(), "READY", d5, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	set, err := store.Merge(context.Background(), models.Reading{PatientKey: "pk-1", ValueMgdl: 250, Draw: 3, SourceDate: d5}, d5)

	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, set.Status)
	assert.Equal(t, int64(3), set.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerge_RetriesOnVersionConflict(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	day := date(2021, 5, 1)
	readings := `[{"patient_key":"pk-1","value_mgdl":100,"draw":1,"source_date":"2021-05-01T00:00:00Z"}]`

	// 第一次插入时被并发写入抢先
	mock.ExpectQuery(`SELECT .* FROM glucose_reading_sets`).
		WithArgs("pk-1").
		WillReturnRows(sqlmock.NewRows(readingSetCols))
	mock.ExpectExec(`INSERT INTO glucose_reading_sets`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM glucose_reading_sets`).
		WithArgs("pk-1").
		WillReturnRows(sqlmock.NewRows(readingSetCols).
			AddRow("pk-1", []byte(readings), "AWAITING", day, day, nil, false, int64(1)))
	mock.ExpectExec(`UPDATE glucose_reading_sets`).
		WithArgs("pk-1", sqlmock.AnyArg(), "AWAITING", day, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	set, err := store.Merge(context.Background(), models.Reading{PatientKey: "pk-1", ValueMgdl: 130, Draw: 2, SourceDate: day}, day)

	require.NoError(t, err)
	assert.Len(t, set.Readings, 2)
	assert.Equal(t, int64(2), set.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerge_DuplicateDoesNotWrite(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	day := date(2021, 5, 1)
	readings := `[{"patient_key":"pk-1","value_mgdl":100,"draw":1,"source_date":"2021-05-01T00:00:00Z"}]`
	mock.ExpectQuery(`SELECT .* FROM glucose_reading_sets`).
		WithArgs("pk-1").
		WillReturnRows(sqlmock.NewRows(readingSetCols).
			AddRow("pk-1", []byte(readings), "AWAITING", day, day, nil, false, int64(1)))

	set, err := store.Merge(context.Background(), models.Reading{PatientKey: "pk-1", ValueMgdl: 100, Draw: 1, SourceDate: day}, day)

	assert.ErrorIs(t, err, models.ErrDuplicateReading)
	assert.Equal(t, int64(1), set.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerge_FinalizedIsLate(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	d1 := date(2021, 5, 1)
	d15 := date(2021, 5, 15)
	readings := `[{"patient_key":"pk-1","value_mgdl":120,"draw":1,"source_date":"2021-05-01T00:00:00Z"}]`
	mock.ExpectQuery(`SELECT .* FROM glucose_reading_sets`).
		WithArgs("pk-1").
		WillReturnRows(sqlmock.NewRows(readingSetCols).
			AddRow("pk-1", []byte(readings), "FINALIZED", d1, d15, d15, false, int64(2)))

	_, err := store.Merge(context.Background(), models.Reading{PatientKey: "pk-1", ValueMgdl: 130, Draw: 2, SourceDate: d15}, d15)

	assert.ErrorIs(t, err, models.ErrLateAfterFinalization)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginFinalize(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	d1 := date(2021, 5, 1)
	d15 := date(2021, 5, 15)
	readings := `[{"patient_key":"pk-1","value_mgdl":120,"draw":1,"source_date":"2021-05-01T00:00:00Z"}]`
	mock.ExpectQuery(`UPDATE glucose_reading_sets\s+SET status = 'FINALIZING'.*RETURNING`).
		WithArgs("pk-1", d15, true, int64(1)).
		WillReturnRows(sqlmock.NewRows(readingSetCols).
			AddRow("pk-1", []byte(readings), "FINALIZING", d1, d15, d15, true, int64(2)))
	mock.ExpectQuery(`UPDATE glucose_reading_sets\s+SET status = 'FINALIZING'`).
		WithArgs("pk-1", d15, true, int64(1)).
		WillReturnRows(sqlmock.NewRows(readingSetCols))

	set, err := store.BeginFinalize(context.Background(), "pk-1", 1, d15, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinalizing, set.Status)
	assert.Equal(t, int64(2), set.Version)
	assert.True(t, set.Partial)
	require.NotNil(t, set.FinalizedOn)
	assert.True(t, d15.Equal(*set.FinalizedOn))

	_, err = store.BeginFinalize(context.Background(), "pk-1", 1, d15, true)
	assert.ErrorIs(t, err, models.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerge_FinalizingIsLate(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	d1 := date(2021, 5, 1)
	d15 := date(2021, 5, 15)
	readings := `[{"patient_key":"pk-1","value_mgdl":120,"draw":1,"source_date":"2021-05-01T00:00:00Z"}]`
	mock.ExpectQuery(`SELECT .* FROM glucose_reading_sets`).
		WithArgs("pk-1").
		WillReturnRows(sqlmock.NewRows(readingSetCols).
			AddRow("pk-1", []byte(readings), "FINALIZING", d1, d15, d15, true, int64(2)))

	_, err := store.Merge(context.Background(), models.Reading{PatientKey: "pk-1", ValueMgdl: 300, Draw: 2, SourceDate: d15}, d15)

	assert.ErrorIs(t, err, models.ErrLateAfterFinalization)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFinalized(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE glucose_reading_sets\s+SET status = 'FINALIZED'.*status = 'FINALIZING'`).
		WithArgs("pk-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE glucose_reading_sets\s+SET status = 'FINALIZED'`).
		WithArgs("pk-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.MarkFinalized(context.Background(), "pk-1", 3))

	err := store.MarkFinalized(context.Background(), "pk-1", 3)
	assert.ErrorIs(t, err, models.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListFinalizable(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	cutoff := date(2021, 5, 1)
	readings := `[{"patient_key":"pk-a","value_mgdl":120,"draw":1,"source_date":"2021-05-01T00:00:00Z"}]`
	mock.ExpectQuery(`SELECT .* FROM glucose_reading_sets\s+WHERE patient_key > \$1`).
		WithArgs("", cutoff, 100).
		WillReturnRows(sqlmock.NewRows(readingSetCols).
			AddRow("pk-a", []byte(readings), "AWAITING", cutoff, cutoff, nil, false, int64(1)))

	sets, err := store.ListFinalizable(context.Background(), cutoff, "", 100)

	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "pk-a", sets[0].PatientKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}
