package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type JsonBytesMap map[string]interface{}

func (p JsonBytesMap) Value() (driver.Value, error) {
	j, err := json.Marshal(p)
	return j, err
}

func (p *JsonBytesMap) Scan(src interface{}) error {
	source, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("type assertion .([]byte) failed")
	}

	var i interface{}
	err := json.Unmarshal(source, &i)
	if err != nil {
		return err
	}

	*p, ok = i.(map[string]interface{})
	if !ok {
		return fmt.Errorf("type assertion .(map[string]interface{}) failed")
	}

	return nil
}

// PipelineRun is one pipeline root; Attempt and Status follow its latest attempt.
type PipelineRun struct {
	ID        int64        `db:"id"`
	Name      string       `db:"name"`
	Root      string       `db:"root"`
	Attempt   int          `db:"attempt"`
	Status    string       `db:"status"`
	Metadata  JsonBytesMap `db:"metadata"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

// ModuleRun is one terminal outcome of one module in one attempt.
type ModuleRun struct {
	ID         int64     `db:"id"`
	PipelineID int64     `db:"pipeline_id"`
	Name       string    `db:"name"`
	Ordinal    int       `db:"ordinal"`
	Attempt    int       `db:"attempt"`
	Status     string    `db:"status"`
	Duration   float64   `db:"duration"`
	Error      string    `db:"error"`
	CreatedAt  time.Time `db:"created_at"`
}
