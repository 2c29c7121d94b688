package test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/fallen/freebackup/pkg/source"
)

// Table is an in-memory table served by Source.
type Table struct {
	Name     string
	Kind     source.Kind
	Columns  []source.Column
	Create   string
	Rows     [][]source.Value
	Triggers []source.Trigger
}

// Source is a deterministic in-memory source.Source. Failures are injected
// through the Fail* fields.
type Source struct {
	DB             string
	tables         []*Table
	StoredRoutines []source.Routine
	Definitions    map[string]string

	FailTables  error
	FailColumns map[string]error
	FailCreate  map[string]error
	// FailSelect is consulted before every window. Returning an error fails it.
	FailSelect     func(w source.Window) error
	FailTriggers   map[string]error
	FailRoutines   error
	FailDefinition map[string]error

	// Windows records every window served, in order.
	Windows []source.Window
}

func NewSource(db string) *Source {
	return &Source{
		DB:             db,
		Definitions:    map[string]string{},
		FailColumns:    map[string]error{},
		FailCreate:     map[string]error{},
		FailTriggers:   map[string]error{},
		FailDefinition: map[string]error{},
	}
}

// AddTable registers a table. Kind defaults to a base table and Create to a
// minimal CREATE TABLE statement.
func (s *Source) AddTable(t *Table) *Table {
	if t.Kind == "" {
		t.Kind = source.BaseTable
	}
	if t.Create == "" {
		t.Create = defaultCreate(t)
	}
	s.tables = append(s.tables, t)

	return t
}

func (s *Source) Table(name string) *Table {
	for _, t := range s.tables {
		if t.Name == name {
			return t
		}
	}

	return nil
}

func defaultCreate(t *Table) string {
	if t.Kind == source.View {
		return fmt.Sprintf("CREATE ALGORITHM=UNDEFINED DEFINER=`root`@`localhost` SQL SECURITY DEFINER VIEW `%s` AS select 1 AS `one`", t.Name)
	}
	defs := make([]string, 0, len(t.Columns)+1)
	var pk []string
	for _, c := range t.Columns {
		null := " NOT NULL"
		if c.Nullable {
			null = ""
		}
		defs = append(defs, fmt.Sprintf("  `%s` %s%s", c.Name, c.Type, null))
		if c.PrimaryKey {
			pk = append(pk, "`"+c.Name+"`")
		}
	}
	if len(pk) > 0 {
		defs = append(defs, "  PRIMARY KEY ("+strings.Join(pk, ",")+")")
	}

	return fmt.Sprintf("CREATE TABLE `%s` (\n%s\n) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4", t.Name, strings.Join(defs, ",\n"))
}

// Row builds a row from Go values: nil is NULL, strings and byte slices are
// raw bytes, integers are their decimal text.
func Row(values ...interface{}) []source.Value {
	row := make([]source.Value, len(values))
	for i, v := range values {
		switch x := v.(type) {
		case nil:
			row[i] = source.Null()
		case string:
			row[i] = source.String(x)
		case []byte:
			row[i] = source.Bytes(x)
		case int:
			row[i] = source.String(strconv.Itoa(x))
		case int64:
			row[i] = source.String(strconv.FormatInt(x, 10))
		default:
			panic(fmt.Sprintf("unsupported row value %T", v))
		}
	}

	return row
}

func (s *Source) Database() string {
	return s.DB
}

func (s *Source) Tables(_ context.Context) ([]source.Table, error) {
	if s.FailTables != nil {
		return nil, s.FailTables
	}
	out := make([]source.Table, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, source.Table{Name: t.Name, Kind: t.Kind})
	}

	return out, nil
}

func (s *Source) lookup(name string) (*Table, error) {
	t := s.Table(name)
	if t == nil {
		return nil, fmt.Errorf("table %s doesn't exist", name)
	}

	return t, nil
}

func (s *Source) Columns(_ context.Context, table string) ([]source.Column, error) {
	if err := s.FailColumns[table]; err != nil {
		return nil, err
	}
	t, err := s.lookup(table)
	if err != nil {
		return nil, err
	}

	return slices.Clone(t.Columns), nil
}

func (s *Source) CreateStatement(_ context.Context, table source.Table) (string, error) {
	if err := s.FailCreate[table.Name]; err != nil {
		return "", err
	}
	t, err := s.lookup(table.Name)
	if err != nil {
		return "", err
	}

	return t.Create, nil
}

func (s *Source) ApproximateRows(_ context.Context, table string) (int64, bool, error) {
	t, err := s.lookup(table)
	if err != nil {
		return 0, false, err
	}
	if t.Kind == source.View {
		return 0, false, nil
	}

	return int64(len(t.Rows)), true, nil
}

func (s *Source) columnIndex(t *Table, name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}

	return -1
}

// rowKey parses an integer key. wide is set for unsigned values above the
// int64 range, which order after every int64.
func rowKey(row []source.Value, idx int) (k int64, wide bool, err error) {
	raw := string(row[idx].Raw)
	k, err = strconv.ParseInt(raw, 10, 64)
	if err == nil {
		return k, false, nil
	}
	if _, uerr := strconv.ParseUint(raw, 10, 64); uerr == nil {
		return math.MaxInt64, true, nil
	}

	return 0, false, err
}

func (s *Source) MinKey(_ context.Context, table, column string) (int64, bool, error) {
	t, err := s.lookup(table)
	if err != nil {
		return 0, false, err
	}
	idx := s.columnIndex(t, column)
	if idx < 0 {
		return 0, false, fmt.Errorf("unknown column %s", column)
	}
	var minKey int64
	found := false
	for _, row := range t.Rows {
		k, wide, err := rowKey(row, idx)
		if err != nil {
			return 0, false, err
		}
		if wide {
			continue
		}
		if !found || k < minKey {
			minKey, found = k, true
		}
	}

	return minKey, found, nil
}

func (s *Source) Select(_ context.Context, w source.Window) (*source.ResultSet, error) {
	s.Windows = append(s.Windows, w)
	if s.FailSelect != nil {
		if err := s.FailSelect(w); err != nil {
			return nil, err
		}
	}
	t, err := s.lookup(w.Table)
	if err != nil {
		return nil, err
	}

	var rows [][]source.Value
	if w.Key != "" {
		idx := s.columnIndex(t, w.Key)
		if idx < 0 {
			return nil, fmt.Errorf("unknown column %s", w.Key)
		}
		type keyed struct {
			k    int64
			wide bool
			row  []source.Value
		}
		var matched []keyed
		for _, row := range t.Rows {
			k, wide, err := rowKey(row, idx)
			if err != nil {
				return nil, err
			}
			if wide || k > w.After || (w.Inclusive && k == w.After) {
				matched = append(matched, keyed{k, wide, row})
			}
		}
		slices.SortStableFunc(matched, func(a, b keyed) int {
			switch {
			case a.wide != b.wide:
				if a.wide {
					return 1
				}

				return -1
			case a.k < b.k:
				return -1
			case a.k > b.k:
				return 1
			}

			return 0
		})
		for i := 0; i < len(matched) && i < w.Limit; i++ {
			rows = append(rows, matched[i].row)
		}
	} else {
		if w.Offset < 0 {
			return nil, errors.New("negative offset")
		}
		for i := w.Offset; i < int64(len(t.Rows)) && i < w.Offset+int64(w.Limit); i++ {
			rows = append(rows, t.Rows[i])
		}
	}

	res := &source.ResultSet{}
	var project []int
	if len(w.Columns) == 0 {
		for i, c := range t.Columns {
			res.Columns = append(res.Columns, c.Name)
			project = append(project, i)
		}
	} else {
		for _, c := range w.Columns {
			idx := s.columnIndex(t, c.Name)
			if idx < 0 {
				return nil, fmt.Errorf("unknown column %s", c.Name)
			}
			res.Columns = append(res.Columns, t.Columns[idx].Name)
			project = append(project, idx)
		}
	}
	for _, row := range rows {
		out := make([]source.Value, len(project))
		for i, idx := range project {
			out[i] = row[idx]
		}
		res.Rows = append(res.Rows, out)
	}

	return res, nil
}

func (s *Source) Triggers(_ context.Context, table string) ([]source.Trigger, error) {
	if err := s.FailTriggers[table]; err != nil {
		return nil, err
	}
	t, err := s.lookup(table)
	if err != nil {
		return nil, err
	}

	return slices.Clone(t.Triggers), nil
}

func (s *Source) Routines(_ context.Context) ([]source.Routine, error) {
	if s.FailRoutines != nil {
		return nil, s.FailRoutines
	}

	return slices.Clone(s.StoredRoutines), nil
}

func (s *Source) RoutineDefinition(_ context.Context, r source.Routine) (string, error) {
	if err := s.FailDefinition[r.Name]; err != nil {
		return "", err
	}
	def, ok := s.Definitions[r.Name]
	if !ok {
		return "", fmt.Errorf("routine %s doesn't exist", r.Name)
	}

	return def, nil
}
