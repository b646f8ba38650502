package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	logrus "github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_run (
	id SERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	root TEXT NOT NULL UNIQUE,
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL,
	metadata JSONB,
	created_at TIMESTAMP NOT NULL DEFAULT now(),
	updated_at TIMESTAMP NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS module_run (
	id SERIAL PRIMARY KEY,
	pipeline_id INTEGER NOT NULL REFERENCES pipeline_run(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL,
	duration DOUBLE PRECISION NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT now()
);`

type DBCredentials struct {
	Host         string `json:"db_host"`
	User         string `json:"db_username"`
	Password     string `json:"db_password"`
	DatabaseName string `json:"db_database"`
}

type PSQLDao struct {
	Host         string
	User         string
	Password     string
	DBName       string
	DBConnection *sqlx.DB
}

func connect(psqlDao *PSQLDao) (string, error) {
	psqlInfo := fmt.Sprintf("host=%s user=%s "+
		"password=%s dbname=%s sslmode=disable", //pragma: allowlist secret
		psqlDao.Host, psqlDao.User, psqlDao.Password, psqlDao.DBName)

	dbConnection, err := sqlx.Open("postgres", psqlInfo)
	if err != nil {
		logrus.Errorf("connection to database %s failed", psqlDao.DBName)
		return "", fmt.Errorf("connection to database %s failed", psqlDao.DBName)
	}

	err = dbConnection.Ping()
	if err != nil {
		logrus.Errorf("could not ping database %s after connection", psqlDao.DBName)
		dbConnection.Close()
		return "", fmt.Errorf("could not ping database %s after connection", psqlDao.DBName)
	}

	psqlDao.DBConnection = dbConnection

	sucessString := fmt.Sprintf("connection to %s established", psqlDao.DBName)
	logrus.Info(sucessString)
	return sucessString, nil
}

// ReadCredentials loads the credential file written by WriteCredentials.
func ReadCredentials(path string) (*DBCredentials, error) {
	credFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open database credential file: %v", err)
	}
	defer credFile.Close()

	byteValue, err := ioutil.ReadAll(credFile)
	if err != nil {
		return nil, fmt.Errorf("could not read database credential file: %v", err)
	}

	var credential DBCredentials
	if err = json.Unmarshal(byteValue, &credential); err != nil {
		return nil, fmt.Errorf("marshalling credential file failed: %v", err)
	}
	return &credential, nil
}

// WriteCredentials stores creds at path, readable by the owner only.
func WriteCredentials(path string, creds *DBCredentials) error {
	b, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err = ioutil.WriteFile(path, b, 0600); err != nil {
		return fmt.Errorf("could not write database credential file: %v", err)
	}
	// WriteFile keeps the mode of an existing file
	return os.Chmod(path, 0600)
}

func NewPSQLDao(credentialsPath string) (*PSQLDao, error) {
	credential, err := ReadCredentials(credentialsPath)
	if err != nil {
		return nil, err
	}
	newDao := PSQLDao{
		Host:     credential.Host,
		User:     credential.User,
		Password: credential.Password, //pragma: allowlist secret
		DBName:   credential.DatabaseName,
	}
	if _, err = connect(&newDao); err != nil {
		return nil, err
	}
	if err = newDao.CreateTables(); err != nil {
		newDao.KillDao()
		return nil, err
	}
	return &newDao, nil
}

func (psqlDao *PSQLDao) CreateTables() error {
	if _, err := psqlDao.DBConnection.Exec(schema); err != nil {
		logrus.Errorf("Could not create history tables, failed with error %s", err)
		return fmt.Errorf("could not create history tables")
	}
	return nil
}

func (psqlDao *PSQLDao) GetAllPipelines() ([]PipelineRun, error) {
	pipelines := []PipelineRun{}
	query := "SELECT * FROM pipeline_run ORDER BY id"
	err := psqlDao.DBConnection.Select(&pipelines, query)

	if err != nil {
		logrus.Errorf("Could not retrieve all pipelines, failed with error %s", err)
		return nil, fmt.Errorf("could not retrieve all pipelines")
	}

	return pipelines, nil
}

// GetPipelineByRoot returns nil and no error when root was never recorded.
func (psqlDao *PSQLDao) GetPipelineByRoot(root string) (*PipelineRun, error) {
	pipeline := PipelineRun{}
	err := psqlDao.DBConnection.Get(&pipeline, "SELECT * FROM pipeline_run WHERE root=$1", root)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		logrus.Errorf("Could not retrieve pipeline %s, failed with error %s", root, err)
		return nil, fmt.Errorf("could not retrieve pipeline %s", root)
	}

	return &pipeline, nil
}

func (psqlDao *PSQLDao) CreatePipeline(name string, root string, attempt int, status string, metadata JsonBytesMap) (int64, error) {
	pipelineMap := map[string]interface{}{
		"name":     name,
		"root":     root,
		"attempt":  attempt,
		"status":   status,
		"metadata": metadata,
	}

	var columns []string
	var columnValues []string
	for column := range pipelineMap {
		columns = append(columns, column)
		columnValues = append(columnValues, fmt.Sprintf(":%s", column))
	}

	query := fmt.Sprintf(`INSERT into pipeline_run (%s) VALUES (%s) RETURNING id`, strings.Join(columns, ","), strings.Join(columnValues, ","))
	stmt, err := psqlDao.DBConnection.PrepareNamed(query)
	if err != nil {
		logrus.Errorf("Could not prepare insert statement for pipeline creation, failed with error %s", err)
		return 0, fmt.Errorf("could not prepare named statement for pipeline creation")
	}
	defer stmt.Close()

	var pipelineID int64
	err = stmt.Get(&pipelineID, pipelineMap)
	if err != nil {
		logrus.Errorf("Could not create pipeline, failed with error %s", err)
		return 0, fmt.Errorf("could not create pipeline")
	}

	logrus.Infof("Sucessfully created pipeline run with id %d", pipelineID)
	return pipelineID, nil
}

func (psqlDao *PSQLDao) UpdatePipeline(pipeline *PipelineRun) error {
	pipelineMap := map[string]interface{}{
		"attempt": pipeline.Attempt,
		"status":  pipeline.Status,
		"id":      pipeline.ID,
	}
	_, err := psqlDao.DBConnection.NamedExec(`UPDATE pipeline_run SET attempt=:attempt, status=:status, updated_at=now() WHERE id=:id`, pipelineMap)
	if err != nil {
		logrus.Errorf("Update pipeline with id %d failed with error %s", pipeline.ID, err)
		return fmt.Errorf("update pipeline failed")
	}

	logrus.Infof("Pipeline with id %d updated successfully", pipeline.ID)
	return nil
}

func (psqlDao *PSQLDao) GetModuleRunsByPipeline(pipelineID int64) ([]ModuleRun, error) {
	runs := []ModuleRun{}
	query := fmt.Sprintf("SELECT * FROM module_run WHERE pipeline_id=%d ORDER BY ordinal, attempt", pipelineID)
	err := psqlDao.DBConnection.Select(&runs, query)

	if err != nil {
		logrus.Errorf("Could not retrieve module runs for pipeline %d, failed with error %s", pipelineID, err)
		return nil, fmt.Errorf("could not retrieve module runs")
	}

	return runs, nil
}

func (psqlDao *PSQLDao) CreateModuleRun(pipelineID int64, name string, ordinal int, attempt int, status string, duration float64, runError string) (int64, error) {
	runMap := map[string]interface{}{
		"pipeline_id": pipelineID,
		"name":        name,
		"ordinal":     ordinal,
		"attempt":     attempt,
		"status":      status,
		"duration":    duration,
		"error":       runError,
	}

	stmt, err := psqlDao.DBConnection.PrepareNamed(`INSERT into module_run (pipeline_id,name,ordinal,attempt,status,duration,error) VALUES (:pipeline_id,:name,:ordinal,:attempt,:status,:duration,:error) RETURNING id`)
	if err != nil {
		logrus.Errorf("Could not prepare insert statement for module run creation, failed with error %s", err)
		return 0, fmt.Errorf("could not prepare named statement for module run creation")
	}
	defer stmt.Close()

	var runID int64
	err = stmt.Get(&runID, runMap)
	if err != nil {
		logrus.Errorf("Could not create module run, failed with error %s", err)
		return 0, fmt.Errorf("could not create module run")
	}

	return runID, nil
}

func (psqlDao *PSQLDao) KillDao() {
	psqlDao.DBConnection.Close()
}
