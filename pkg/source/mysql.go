package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/block/spirit/pkg/dbconn"
	"github.com/go-sql-driver/mysql"
)

// MySQL reads through a single connection so session settings made at open
// time hold for every query of the dump.
type MySQL struct {
	db       *sql.DB
	database string
}

type MySQLConfig struct {
	DSN             string
	LockWaitTimeout int
}

// OpenMySQL connects and prepares the session: utf8mb4 results, UTC time
// zone and a sql_mode without strict or quoting modes.
func OpenMySQL(ctx context.Context, cfg *MySQLConfig) (*MySQL, error) {
	parsed, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid dsn: %w", err)
	}
	if parsed.DBName == "" {
		return nil, errors.New("dsn does not name a database")
	}
	dbConfig := dbconn.NewDBConfig()
	dbConfig.MaxOpenConnections = 1
	if cfg.LockWaitTimeout > 0 {
		dbConfig.LockWaitTimeout = cfg.LockWaitTimeout
	}
	db, err := dbconn.New(cfg.DSN, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %s as user: %s, err:%w", parsed.DBName, parsed.User, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	m := &MySQL{db: db, database: parsed.DBName}
	if err = m.prepareSession(ctx); err != nil {
		_ = db.Close()

		return nil, err
	}

	return m, nil
}

// NewMySQL wraps an open handle without touching its session.
func NewMySQL(db *sql.DB, database string) *MySQL {
	return &MySQL{db: db, database: database}
}

func (m *MySQL) prepareSession(ctx context.Context) error {
	var mode string
	if err := m.db.QueryRowContext(ctx, "SELECT @@SESSION.sql_mode").Scan(&mode); err != nil {
		return fmt.Errorf("reading sql_mode: %w", err)
	}
	if err := dbconn.Exec(ctx, m.db, "SET SESSION sql_mode = %?", SanitizeSQLMode(mode)); err != nil {
		return fmt.Errorf("setting sql_mode: %w", err)
	}
	if err := dbconn.Exec(ctx, m.db, "SET NAMES utf8mb4"); err != nil {
		return fmt.Errorf("setting names: %w", err)
	}
	if err := dbconn.Exec(ctx, m.db, "SET SESSION time_zone = %?", "+00:00"); err != nil {
		return fmt.Errorf("setting time_zone: %w", err)
	}

	return nil
}

func (m *MySQL) DB() *sql.DB {
	return m.db
}

func (m *MySQL) Close() error {
	return m.db.Close()
}

func (m *MySQL) Database() string {
	return m.database
}

func (m *MySQL) Tables(ctx context.Context) ([]Table, error) {
	tables, err := m.fullTables(ctx)
	if err == nil {
		return tables, nil
	}
	// Servers that reject SHOW FULL TABLES only have base tables.
	rows, plainErr := m.db.QueryContext(ctx, "SHOW TABLES")
	if plainErr != nil {
		return nil, errors.Join(err, plainErr)
	}
	defer rows.Close()
	tables = nil
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, Table{Name: name, Kind: BaseTable})
	}

	return tables, rows.Err()
}

func (m *MySQL) fullTables(ctx context.Context) ([]Table, error) {
	rows, err := m.db.QueryContext(ctx, "SHOW FULL TABLES")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tables []Table
	for rows.Next() {
		var name, kind string
		if err = rows.Scan(&name, &kind); err != nil {
			return nil, err
		}
		tables = append(tables, Table{Name: name, Kind: Kind(kind)})
	}

	return tables, rows.Err()
}

func (m *MySQL) Columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := m.db.QueryContext(ctx, "SHOW COLUMNS FROM "+Quote(table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var columns []Column
	for rows.Next() {
		var field, typ, null, key, extra string
		var def sql.NullString
		if err = rows.Scan(&field, &typ, &null, &key, &def, &extra); err != nil {
			return nil, err
		}
		col := Column{
			Name:       field,
			Type:       typ,
			Nullable:   null == "YES",
			PrimaryKey: key == "PRI",
		}
		if def.Valid {
			col.Default = &def.String
		}
		columns = append(columns, col)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns", table)
	}

	return columns, nil
}

func (m *MySQL) CreateStatement(ctx context.Context, table Table) (string, error) {
	stmt := "SHOW CREATE TABLE "
	field := "Create Table"
	if table.IsView() {
		stmt = "SHOW CREATE VIEW "
		field = "Create View"
	}
	rows, err := m.db.QueryContext(ctx, stmt+Quote(table.Name))
	if err != nil {
		return "", err
	}
	defer rows.Close()
	res, err := scanToMap(rows)
	if err != nil {
		return "", err
	}
	if !res[field].Valid {
		return "", fmt.Errorf("no %s returned for %s", field, table.Name)
	}

	return res[field].String, nil
}

func (m *MySQL) ApproximateRows(ctx context.Context, table string) (int64, bool, error) {
	rows, err := m.db.QueryContext(ctx, "SHOW TABLE STATUS WHERE Name = ?", table)
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()
	res, err := scanToMap(rows)
	if err != nil {
		return 0, false, err
	}
	if !res["Rows"].Valid {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(res["Rows"].String, 10, 64)
	if err != nil {
		return 0, false, nil //nolint:nilerr // an unparseable estimate is no estimate
	}

	return n, true, nil
}

func (m *MySQL) MinKey(ctx context.Context, table, column string) (int64, bool, error) {
	var minKey sql.NullInt64
	q := fmt.Sprintf("SELECT MIN(%s) FROM %s", Quote(column), Quote(table))
	if err := m.db.QueryRowContext(ctx, q).Scan(&minKey); err != nil {
		return 0, false, err
	}

	return minKey.Int64, minKey.Valid, nil
}

func (m *MySQL) Select(ctx context.Context, w Window) (*ResultSet, error) {
	rows, err := m.db.QueryContext(ctx, w.SQL())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &ResultSet{Columns: columns}
	raw := make([]sql.RawBytes, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err = rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make([]Value, len(columns))
		for i, b := range raw {
			if b == nil {
				row[i] = Null()
			} else {
				row[i] = Bytes(append([]byte{}, b...))
			}
		}
		res.Rows = append(res.Rows, row)
	}

	return res, rows.Err()
}

func (m *MySQL) Triggers(ctx context.Context, table string) ([]Trigger, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT TRIGGER_NAME, ACTION_TIMING, EVENT_MANIPULATION, ACTION_STATEMENT
		FROM information_schema.TRIGGERS
		WHERE TRIGGER_SCHEMA = ? AND EVENT_OBJECT_TABLE = ?`, m.database, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var triggers []Trigger
	for rows.Next() {
		tr := Trigger{Table: table}
		if err = rows.Scan(&tr.Name, &tr.Timing, &tr.Event, &tr.Statement); err != nil {
			return nil, err
		}
		triggers = append(triggers, tr)
	}

	return triggers, rows.Err()
}

// Routines lists functions before procedures, each by name.
func (m *MySQL) Routines(ctx context.Context) ([]Routine, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT ROUTINE_NAME, ROUTINE_TYPE
		FROM information_schema.ROUTINES
		WHERE ROUTINE_SCHEMA = ?
		ORDER BY ROUTINE_TYPE = 'PROCEDURE', ROUTINE_NAME`, m.database)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var routines []Routine
	for rows.Next() {
		var r Routine
		var typ string
		if err = rows.Scan(&r.Name, &typ); err != nil {
			return nil, err
		}
		r.Type = RoutineType(typ)
		routines = append(routines, r)
	}

	return routines, rows.Err()
}

func (m *MySQL) RoutineDefinition(ctx context.Context, r Routine) (string, error) {
	var field string
	switch r.Type {
	case Function:
		field = "Create Function"
	case Procedure:
		field = "Create Procedure"
	default:
		return "", fmt.Errorf("unknown routine type %q", r.Type)
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SHOW CREATE %s %s", r.Type, Quote(r.Name)))
	if err != nil {
		return "", err
	}
	defer rows.Close()
	res, err := scanToMap(rows)
	if err != nil {
		return "", err
	}
	// A NULL body means the user lacks privileges to see it.
	if !res[field].Valid {
		return "", fmt.Errorf("no definition visible for %s %s", r.Type, r.Name)
	}

	return res[field].String, nil
}

func scanToMap(rows *sql.Rows) (map[string]sql.NullString, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := make(map[string]sql.NullString)
	if !rows.Next() {
		return result, rows.Err()
	}
	values := make([]interface{}, len(columns))
	for index := range values {
		values[index] = new(sql.NullString)
	}
	if err = rows.Scan(values...); err != nil {
		return nil, err
	}
	for index, columnName := range columns {
		result[columnName] = *values[index].(*sql.NullString) //nolint:forcetypeassert
	}

	return result, nil
}
