package database_test

import (
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uc-cdis/bosun/database"
)

func TestRecorderCreatesThenUpdates(t *testing.T) {
	psqlDao, mock := newDao()
	recorder := database.NewRecorder(psqlDao)
	defer recorder.Close()
	root := "/data/gut_2024Mar05"

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM pipeline_run WHERE root=$1")).WithArgs(root).WillReturnError(sql.ErrNoRows)
	mock.ExpectPrepare("INSERT into pipeline_run").ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectPrepare("INSERT into module_run").ExpectQuery().
		WithArgs(3, "01_Classify", 1, 1, "Failed", 12.5, "exit status 3").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM pipeline_run WHERE root=$1")).WithArgs(root).WillReturnRows(
		sqlmock.NewRows(pipelineColumns).AddRow(3, "gut", root, 1, "Failed", []byte("{}"), time.Now(), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE pipeline_run SET attempt=?, status=?, updated_at=now() WHERE id=?")).
		WithArgs(2, "Running", 3).WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, recorder.RecordPipeline("gut", root, 1, "Running"))
	require.NoError(t, recorder.RecordModule(root, "01_Classify", 1, 1, "Failed", 12.5, "exit status 3"))
	require.NoError(t, recorder.RecordPipeline("gut", root, 2, "Running"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorderModuleWithoutPipeline(t *testing.T) {
	psqlDao, mock := newDao()
	recorder := database.NewRecorder(psqlDao)
	defer recorder.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM pipeline_run WHERE root=$1")).WillReturnError(sql.ErrNoRows)
	err := recorder.RecordModule("/data/unknown", "00_A", 0, 1, "Completed", 0, "")
	assert.Error(t, err)
}

func TestRecorderServesHistory(t *testing.T) {
	psqlDao, mock := newDao()
	recorder := database.NewRecorder(psqlDao)
	defer recorder.Close()
	root := "/data/gut_2024Mar05"
	updated := time.Date(2024, time.March, 5, 11, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM pipeline_run ORDER BY id")).WillReturnRows(
		sqlmock.NewRows(pipelineColumns).AddRow(3, "gut", root, 2, "Completed", []byte("{}"), updated, updated))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM pipeline_run WHERE root=$1")).WithArgs(root).WillReturnRows(
		sqlmock.NewRows(pipelineColumns).AddRow(3, "gut", root, 2, "Completed", []byte("{}"), updated, updated))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM module_run WHERE pipeline_id=3 ORDER BY ordinal, attempt")).WillReturnRows(
		sqlmock.NewRows(moduleColumns).
			AddRow(1, 3, "01_Classify", 1, 1, "Failed", 12.5, "exit status 3", updated).
			AddRow(2, 3, "01_Classify", 1, 2, "Completed", 11.0, "", updated))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM pipeline_run WHERE root=$1")).WithArgs("/data/other").WillReturnError(sql.ErrNoRows)

	pipelines, err := recorder.Pipelines()
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	assert.Equal(t, 2, pipelines[0].Attempt)
	assert.Equal(t, "2024-03-05T11:00:00Z", pipelines[0].Updated)

	runs, err := recorder.ModuleRuns(root)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "exit status 3", runs[0].Error)
	assert.Equal(t, "Completed", runs[1].Status)

	runs, err = recorder.ModuleRuns("/data/other")
	assert.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
