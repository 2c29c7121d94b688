package runner

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/block/spirit/pkg/dbconn"
)

func setupDBConfig(lockWaitTimeout time.Duration) *dbconn.DBConfig {
	dbConfig := dbconn.NewDBConfig()
	// The dump reads on a single connection; the replica check needs one more.
	dbConfig.MaxOpenConnections = 2
	if lockWaitTimeout > 0 {
		dbConfig.LockWaitTimeout = int(lockWaitTimeout.Seconds())
	}

	return dbConfig
}

func setupReplicaDB(config *dbconn.DBConfig, replicaDSN string) (*sql.DB, error) {
	if replicaDSN == "" {
		return nil, nil //nolint:nilnil
	}
	db, err := dbconn.New(replicaDSN, config)
	if err != nil {
		return nil, fmt.Errorf("error connecting to replica database: %w", err)
	}

	return db, nil
}
