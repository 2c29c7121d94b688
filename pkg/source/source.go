// Package source is the data source the dump engine reads from.
package source

import (
	"context"
	"fmt"
	"strings"
)

type Kind string

const (
	BaseTable Kind = "BASE TABLE"
	View      Kind = "VIEW"
)

type Table struct {
	Name string
	Kind Kind
}

func (t Table) IsView() bool {
	return t.Kind == View
}

type Column struct {
	Name string
	// Type is the declared type as the server reports it, e.g. "int(10) unsigned".
	Type     string
	Nullable bool
	// Default is nil when the column has no default.
	Default    *string
	PrimaryKey bool
}

type Trigger struct {
	Name      string
	Timing    string
	Event     string
	Table     string
	Statement string
}

type RoutineType string

const (
	Function  RoutineType = "FUNCTION"
	Procedure RoutineType = "PROCEDURE"
)

type Routine struct {
	Name string
	Type RoutineType
}

// Value is one raw column value. Valid is false for NULL.
type Value struct {
	Raw   []byte
	Valid bool
}

func Bytes(b []byte) Value {
	if b == nil {
		b = []byte{}
	}

	return Value{Raw: b, Valid: true}
}

func String(s string) Value {
	return Bytes([]byte(s))
}

func Null() Value {
	return Value{}
}

// ResultSet holds rows in server column order.
type ResultSet struct {
	Columns []string
	Rows    [][]Value
}

// SelectColumn is one entry of a select list. Binary columns are selected as
// CAST(col AS BINARY) so bit payloads arrive as raw bytes.
type SelectColumn struct {
	Name   string
	Binary bool
}

// Window is one bounded SELECT over a table. With a Key it reads rows whose
// key is greater than After in key order, otherwise it reads Limit rows
// starting at Offset in server order.
type Window struct {
	Table string
	// Columns is nil for SELECT *.
	Columns []SelectColumn
	Key     string
	After   int64
	// Inclusive reads keys from After on, for a first window that cannot
	// start below the smallest key.
	Inclusive bool
	Offset    int64
	Limit     int
}

func (w Window) SQL() string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(w.Columns) == 0 {
		sb.WriteString("*")
	}
	for i, c := range w.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		if c.Binary {
			fmt.Fprintf(&sb, "CAST(%s AS BINARY) AS %s", Quote(c.Name), Quote(c.Name))
		} else {
			sb.WriteString(Quote(c.Name))
		}
	}
	sb.WriteString(" FROM ")
	sb.WriteString(Quote(w.Table))
	if w.Key != "" {
		op := ">"
		if w.Inclusive {
			op = ">="
		}
		fmt.Fprintf(&sb, " WHERE %s %s %d ORDER BY %s ASC LIMIT %d", Quote(w.Key), op, w.After, Quote(w.Key), w.Limit)
	} else {
		fmt.Fprintf(&sb, " LIMIT %d, %d", w.Offset, w.Limit)
	}

	return sb.String()
}

// Quote returns name as a backquoted identifier.
func Quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// Source is everything the engine needs from a database. Every call reports
// its own error, nothing is retried.
type Source interface {
	Database() string
	Tables(ctx context.Context) ([]Table, error)
	Columns(ctx context.Context, table string) ([]Column, error)
	// CreateStatement returns the SHOW CREATE TABLE or SHOW CREATE VIEW text.
	CreateStatement(ctx context.Context, table Table) (string, error)
	// ApproximateRows returns the row estimate from table status. ok is false
	// when the server has none, as for views.
	ApproximateRows(ctx context.Context, table string) (rows int64, ok bool, err error)
	// MinKey returns MIN(column). ok is false for an empty table.
	MinKey(ctx context.Context, table, column string) (minKey int64, ok bool, err error)
	Select(ctx context.Context, w Window) (*ResultSet, error)
	Triggers(ctx context.Context, table string) ([]Trigger, error)
	Routines(ctx context.Context) ([]Routine, error)
	RoutineDefinition(ctx context.Context, r Routine) (string, error)
}
