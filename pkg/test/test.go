package test

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/fallen/freebackup/pkg/sink"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
)

func DSN() string {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		return "msandbox:msandbox@tcp(127.0.0.1:8030)/test"
	}

	return dsn
}

func ReplicaDSN() string {
	return os.Getenv("REPLICA_DSN")
}

// RequireMySQL skips the test when no server answers on DSN().
func RequireMySQL(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("mysql", DSN())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Skipf("mysql not reachable at MYSQL_DSN: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Errorf("error closing db: %v", closeErr)
		}
	})

	return db
}

func RunSQL(t *testing.T, stmt string) {
	t.Helper()
	db, err := sql.Open("mysql", DSN())
	require.NoError(t, err)
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Errorf("error closing db: %v", closeErr)
		}
	}()
	_, err = db.Exec(stmt)
	require.NoError(t, err)
}

func TableExists(t *testing.T, schema, table string, db *sql.DB) bool {
	t.Helper()
	var count int
	query := "SELECT COUNT(TABLE_NAME) FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?;"

	_ = db.QueryRowContext(context.Background(), query, schema, table).Scan(&count)

	return count > 0
}

func GetCount(t *testing.T, db *sql.DB, tableName string, where string) int {
	t.Helper()
	var count int
	err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", tableName, where)).Scan(&count)
	require.NoError(t, err)

	return count
}

// ReadFile returns the decoded contents of a fragment or artifact, choosing
// the codec from the file extension.
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	_, codec := sink.SplitExt(path)
	r, err := sink.Open(path, codec)
	require.NoError(t, err)
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			t.Errorf("error closing %s: %v", path, closeErr)
		}
	}()
	b, err := io.ReadAll(r)
	require.NoError(t, err)

	return string(b)
}

// ListDir returns the file names in dir.
func ListDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}
