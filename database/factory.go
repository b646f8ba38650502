package database

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

const DaoPSQL = "psql"

// DaoFactory connects the dao named by daoType using the credentials at credentialsPath.
func DaoFactory(daoType string, credentialsPath string) (Dao, error) {
	switch daoType {
	case DaoPSQL:
		dao, err := NewPSQLDao(credentialsPath)
		if err != nil {
			return nil, err
		}
		return dao, nil

	default:
		log.Errorf("There is no current support for the daotype %s. Please select a different supported daotype", daoType)
		return nil, fmt.Errorf("unsupported daotype %s", daoType)
	}
}
