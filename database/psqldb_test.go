package database_test

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uc-cdis/bosun/database"
)

var (
	pipelineColumns = []string{"id", "name", "root", "attempt", "status", "metadata", "created_at", "updated_at"}
	moduleColumns   = []string{"id", "pipeline_id", "name", "ordinal", "attempt", "status", "duration", "error", "created_at"}
)

func NewMock() (*sqlx.DB, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		log.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}

	sqlxDB := sqlx.NewDb(mockDB, "sqlmock")

	return sqlxDB, mock
}

func newDao() (*database.PSQLDao, sqlmock.Sqlmock) {
	mockdb, mock := NewMock()
	psqlDao := &database.PSQLDao{DBConnection: mockdb}
	return psqlDao, mock
}

func TestGetPipelineByRoot(t *testing.T) {
	psqlDao, mock := newDao()
	defer psqlDao.KillDao()

	metadata, _ := json.Marshal(map[string]interface{}{"host": "node1"})
	rows := sqlmock.NewRows(pipelineColumns).
		AddRow(1, "gut", "/data/gut_2024Mar05", 2, "Running", metadata, time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM pipeline_run WHERE root=$1")).
		WithArgs("/data/gut_2024Mar05").WillReturnRows(rows)

	pipeline, err := psqlDao.GetPipelineByRoot("/data/gut_2024Mar05")
	require.NoError(t, err)
	require.NotNil(t, pipeline)
	assert.Equal(t, int64(1), pipeline.ID)
	assert.Equal(t, 2, pipeline.Attempt)
	assert.Equal(t, "node1", pipeline.Metadata["host"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPipelineByRootMissing(t *testing.T) {
	psqlDao, mock := newDao()
	defer psqlDao.KillDao()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM pipeline_run WHERE root=$1")).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM pipeline_run WHERE root=$1")).WillReturnError(errors.New("connection reset"))

	pipeline, err := psqlDao.GetPipelineByRoot("/data/none")
	assert.Nil(t, pipeline)
	assert.Nil(t, err)

	pipeline, err = psqlDao.GetPipelineByRoot("/data/none")
	assert.Nil(t, pipeline)
	assert.NotNil(t, err)
}

func TestGetAll(t *testing.T) {
	psqlDao, mock := newDao()
	defer psqlDao.KillDao()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM pipeline_run ORDER BY id")).WillReturnRows(
		sqlmock.NewRows(pipelineColumns).
			AddRow(1, "gut", "/data/gut_2024Mar05", 1, "Completed", []byte("{}"), time.Now(), time.Now()).
			AddRow(2, "gut", "/data/gut_2_2024Mar05", 1, "Failed", []byte("{}"), time.Now(), time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM module_run WHERE pipeline_id=2 ORDER BY ordinal, attempt")).WillReturnRows(
		sqlmock.NewRows(moduleColumns).
			AddRow(1, 2, "00_ImportMetadata", 0, 1, "Completed", 1.5, "", time.Now()).
			AddRow(2, 2, "01_Classify", 1, 1, "Failed", 20.0, "exit status 3", time.Now()))

	pipelines, err := psqlDao.GetAllPipelines()
	require.NoError(t, err)
	assert.Len(t, pipelines, 2)

	runs, err := psqlDao.GetModuleRunsByPipeline(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "exit status 3", runs[1].Error)
}

func TestGetAllFail(t *testing.T) {
	psqlDao, mock := newDao()
	defer psqlDao.KillDao()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM pipeline_run")).WillReturnError(errors.New("could not get pipelines"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM module_run")).WillReturnError(errors.New("could not get module runs"))

	pipelines, _ := psqlDao.GetAllPipelines()
	runs, _ := psqlDao.GetModuleRunsByPipeline(1)
	assert.Nil(t, pipelines)
	assert.Nil(t, runs)
}

func TestCreate(t *testing.T) {
	psqlDao, mock := newDao()
	defer psqlDao.KillDao()

	mock.ExpectPrepare("INSERT into pipeline_run").ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectPrepare("INSERT into module_run").ExpectQuery().
		WithArgs(1, "00_ImportMetadata", 0, 1, "Completed", 1.5, "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	pipelineID, _ := psqlDao.CreatePipeline("gut", "/data/gut_2024Mar05", 1, "Running", database.JsonBytesMap{})
	assert.Equal(t, int64(1), pipelineID)
	runID, _ := psqlDao.CreateModuleRun(pipelineID, "00_ImportMetadata", 0, 1, "Completed", 1.5, "")
	assert.Equal(t, int64(7), runID)
}

func TestCreateFail(t *testing.T) {
	psqlDao, mock := newDao()
	defer psqlDao.KillDao()

	mock.ExpectPrepare("INSERT into pipeline_run").ExpectQuery().WillReturnError(errors.New("could not create pipeline"))
	mock.ExpectPrepare("INSERT into module_run").WillReturnError(errors.New("could not prepare"))

	pipelineID, _ := psqlDao.CreatePipeline("gut", "/data/gut_2024Mar05", 1, "Running", database.JsonBytesMap{})
	assert.True(t, pipelineID == 0)
	runID, err := psqlDao.CreateModuleRun(1, "00_ImportMetadata", 0, 1, "Completed", 1.5, "")
	assert.True(t, runID == 0)
	assert.NotNil(t, err)
}

func TestUpdate(t *testing.T) {
	psqlDao, mock := newDao()
	defer psqlDao.KillDao()

	pipeline := database.PipelineRun{ID: 1, Name: "gut", Root: "/data/gut_2024Mar05", Attempt: 2, Status: "Completed"}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE pipeline_run SET attempt=?, status=?, updated_at=now() WHERE id=?")).
		WithArgs(2, "Completed", 1).WillReturnResult(sqlmock.NewResult(1, 1))
	err := psqlDao.UpdatePipeline(&pipeline)
	assert.Nil(t, err)
}

func TestUpdateFail(t *testing.T) {
	psqlDao, mock := newDao()
	defer psqlDao.KillDao()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE pipeline_run SET attempt=?, status=?, updated_at=now() WHERE id=?")).WillReturnError(errors.New("could not update pipeline"))
	err := psqlDao.UpdatePipeline(&database.PipelineRun{ID: 1})
	assert.NotNil(t, err)
}

func TestCreateTables(t *testing.T) {
	psqlDao, mock := newDao()
	defer psqlDao.KillDao()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pipeline_run").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.Nil(t, psqlDao.CreateTables())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbcreds.json")
	creds := &database.DBCredentials{Host: "db.local", User: "bosun", Password: "pw", DatabaseName: "history"} //pragma: allowlist secret
	require.NoError(t, database.WriteCredentials(path, creds))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := database.ReadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, creds, loaded)

	_, err = database.ReadCredentials(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestDaoFactoryRejectsUnknownType(t *testing.T) {
	dao, err := database.DaoFactory("mysql", "/nonexistent")
	assert.Nil(t, dao)
	assert.Error(t, err)

	_, err = database.DaoFactory(database.DaoPSQL, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
