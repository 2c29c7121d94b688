package dump

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/fallen/freebackup/pkg/cursor"
	"github.com/fallen/freebackup/pkg/paginate"
	"github.com/fallen/freebackup/pkg/source"
	"github.com/fallen/freebackup/pkg/test"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replay runs a dumped table section on a connection that accepts several
// statements per Exec.
func replay(t *testing.T, script string) {
	t.Helper()
	cfg, err := mysql.ParseDSN(test.DSN())
	require.NoError(t, err)
	cfg.MultiStatements = true
	db, err := sql.Open("mysql", cfg.FormatDSN())
	require.NoError(t, err)
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Errorf("error closing db: %v", closeErr)
		}
	}()
	_, err = db.Exec(script)
	require.NoError(t, err)
}

// storedRows reads every row of table as exact bytes, NULL as nil.
func storedRows(t *testing.T, db *sql.DB, table string) [][]*string {
	t.Helper()
	rows, err := db.Query(fmt.Sprintf(`SELECT id, CAST(neg AS BINARY), CAST(bin AS BINARY),
		CAST(b5 + 0 AS BINARY), CAST(b13 + 0 AS BINARY), CAST(txt AS BINARY) FROM %s ORDER BY id`, source.Quote(table)))
	require.NoError(t, err)
	defer rows.Close()
	var out [][]*string
	for rows.Next() {
		vals := make([]sql.NullString, 6)
		dest := make([]interface{}, len(vals))
		for i := range vals {
			dest[i] = &vals[i]
		}
		require.NoError(t, rows.Scan(dest...))
		row := make([]*string, len(vals))
		for i, v := range vals {
			if v.Valid {
				s := v.String
				row[i] = &s
			}
		}
		out = append(out, row)
	}
	require.NoError(t, rows.Err())

	return out
}

func TestDumpReplaysIntoIdenticalRows(t *testing.T) {
	test.RequireMySQL(t)
	ctx := context.Background()
	test.RunSQL(t, "DROP TABLE IF EXISTS fbrt_src")
	test.RunSQL(t, "DROP TABLE IF EXISTS fbrt_dst")
	test.RunSQL(t, `CREATE TABLE fbrt_src (
		id int NOT NULL,
		neg bigint DEFAULT NULL,
		bin varbinary(16) DEFAULT NULL,
		b5 bit(5) DEFAULT NULL,
		b13 bit(13) DEFAULT NULL,
		txt text,
		PRIMARY KEY (id)
	) DEFAULT CHARSET=utf8mb4`)
	t.Cleanup(func() {
		test.RunSQL(t, "DROP TABLE IF EXISTS fbrt_src")
		test.RunSQL(t, "DROP TABLE IF EXISTS fbrt_dst")
	})
	test.RunSQL(t, `INSERT INTO fbrt_src VALUES
		(1, -42, 0x0000FF, b'00101', b'1000000000001',
			CONCAT('nul', CHAR(0 USING utf8mb4), 'cr', CHAR(13 USING utf8mb4), 'lf', CHAR(10 USING utf8mb4),
				'q''uote', CHAR(92 USING utf8mb4), 'z', CHAR(26 USING utf8mb4), ' "dq" ;')),
		(2, 0, '', b'0', b'0', ''),
		(3, NULL, NULL, NULL, NULL, NULL),
		(4, -9223372036854775808, 0x00, b'11111', b'1111111111111', 'O''Brien')`)

	m, err := source.OpenMySQL(ctx, &source.MySQLConfig{DSN: test.DSN()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, m.Close())
	})
	columns, err := m.Columns(ctx, "fbrt_src")
	require.NoError(t, err)
	tbl := NewTable(source.Table{Name: "fbrt_src", Kind: source.BaseTable}, "fbrt_dst", columns,
		paginate.NewPlan("fbrt_src", columns, false))

	var out bytes.Buffer
	dc := newContext(m, &out)
	dc.Limits.PageSize = 3
	cur := cursor.NewStart()
	for {
		res := Dump(ctx, dc, tbl, cur)
		require.NoError(t, res.Err)
		if res.Outcome == Done {
			break
		}
		cur = res.Cursor
	}
	assert.Contains(t, out.String(), "0x0000FF")

	replay(t, out.String())

	want := storedRows(t, m.DB(), "fbrt_src")
	require.Len(t, want, 4)
	assert.Equal(t, want, storedRows(t, m.DB(), "fbrt_dst"))
}
