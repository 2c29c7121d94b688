package runner

import (
	"testing"
	"time"

	"github.com/block/spirit/pkg/throttler"
	"github.com/fallen/freebackup/pkg/test"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDBConfig(t *testing.T) {
	cfg := setupDBConfig(10 * time.Second)
	assert.Equal(t, 2, cfg.MaxOpenConnections)
	assert.Equal(t, 10, cfg.LockWaitTimeout)

	db, err := setupReplicaDB(cfg, "")
	require.NoError(t, err)
	assert.Nil(t, db)
}

func TestGetThrottler(t *testing.T) {
	r := &DumpRunner{logger: logrus.New()}
	thtl, err := r.getThrottler()
	require.NoError(t, err)
	assert.IsType(t, &throttler.Noop{}, thtl)
	require.NoError(t, thtl.Close())

	if test.ReplicaDSN() == "" {
		t.Skip("REPLICA_DSN not set")
	}
	r.replicaDB, err = setupReplicaDB(setupDBConfig(0), test.ReplicaDSN())
	require.NoError(t, err)
	r.replicaMaxLag = 10 * time.Second
	defer r.replicaDB.Close()
	thtl, err = r.getThrottler()
	require.NoError(t, err)
	assert.False(t, thtl.IsThrottled())
	require.NoError(t, thtl.Close())
}
