// Package dump writes one table as DROP, CREATE and INSERT statements, a
// bounded number of pages at a time.
package dump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/block/spirit/pkg/throttler"
	"github.com/fallen/freebackup/pkg/cursor"
	"github.com/fallen/freebackup/pkg/encode"
	"github.com/fallen/freebackup/pkg/paginate"
	"github.com/fallen/freebackup/pkg/query"
	"github.com/fallen/freebackup/pkg/schema"
	"github.com/fallen/freebackup/pkg/source"
	"github.com/siddontang/loggers"
)

const (
	DefaultPageSize           = 500
	DefaultPagesPerInvocation = 100
	DefaultStatementSize      = 512 * 1024
)

var (
	// ErrStructure means the table's definition could not be read.
	ErrStructure = errors.New("cannot read table structure")
	// ErrOutput means the table's output could not be written.
	ErrOutput = errors.New("cannot write table output")
)

type Limits struct {
	// PageSize is the number of rows per SELECT.
	PageSize int
	// PagesPerInvocation bounds the work done before Dump yields.
	PagesPerInvocation int
	// StatementSize is the INSERT text length after which a statement is flushed.
	StatementSize int
}

func DefaultLimits() Limits {
	return Limits{
		PageSize:           DefaultPageSize,
		PagesPerInvocation: DefaultPagesPerInvocation,
		StatementSize:      DefaultStatementSize,
	}
}

// Context is everything one table's dump needs. The driver owns it for the
// duration of that table.
type Context struct {
	Source    source.Source
	Out       io.Writer
	Throttler throttler.Throttler
	Logger    loggers.Advanced
	Limits    Limits
}

// Table is a table prepared for dumping.
type Table struct {
	Source  source.Table
	DumpAs  string
	Columns []source.Column
	Plan    paginate.Plan
	columns map[string]encode.Column
}

func NewTable(t source.Table, dumpAs string, columns []source.Column, plan paginate.Plan) *Table {
	if dumpAs == "" {
		dumpAs = t.Name
	}
	enc := make(map[string]encode.Column, len(columns))
	for _, c := range columns {
		enc[strings.ToLower(c.Name)] = encode.Classify(c.Type, c.Default)
	}

	return &Table{Source: t, DumpAs: dumpAs, Columns: columns, Plan: plan, columns: enc}
}

func (t *Table) describe() string {
	if t.Source.IsView() {
		return "view"
	}

	return "table"
}

type Outcome int

const (
	Continue Outcome = iota
	Done
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}

	return "unknown"
}

// Result is Continue(cursor), Done(cursor) or Failed(err). Rows counts the
// rows written by this invocation.
type Result struct {
	Outcome Outcome
	Cursor  cursor.Cursor
	Rows    int64
	Err     error
}

// Dump writes the table from cur on. A start cursor writes the header first.
// It returns Continue after Limits.PagesPerInvocation non-empty pages, Done
// once a page comes back empty and Failed on the first error.
func Dump(ctx context.Context, dc *Context, t *Table, cur cursor.Cursor) Result {
	out := &errWriter{w: dc.Out}
	res := Result{Cursor: cur}
	fail := func(err error) Result {
		res.Outcome = Failed
		res.Err = err

		return res
	}

	if cur.IsStart() {
		if err := writeHeader(ctx, dc, t, out); err != nil {
			return fail(err)
		}
	}
	if !t.Source.IsView() {
		for pages := 0; pages < dc.Limits.PagesPerInvocation; pages++ {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
			if dc.Throttler != nil {
				dc.Throttler.BlockWait()
			}
			page, err := paginate.Next(ctx, dc.Source, t.Plan, res.Cursor, dc.Limits.PageSize)
			if err != nil {
				return fail(err)
			}
			if page.Empty() {
				return finish(t, out, res)
			}
			writeRows(t, page, dc.Limits.StatementSize, out)
			if out.err != nil {
				return fail(fmt.Errorf("%w: %w", ErrOutput, out.err))
			}
			res.Rows += int64(len(page.Rows))
			res.Cursor = page.Next
		}
		res.Outcome = Continue

		return res
	}

	return finish(t, out, res)
}

func finish(t *Table, out *errWriter, res Result) Result {
	out.printf("\n# End of data contents of %s %s\n\n", t.describe(), source.Quote(t.Source.Name))
	if out.err != nil {
		res.Outcome = Failed
		res.Err = fmt.Errorf("%w: %w", ErrOutput, out.err)

		return res
	}
	res.Outcome = Done

	return res
}

func writeHeader(ctx context.Context, dc *Context, t *Table, out *errWriter) error {
	name := source.Quote(t.Source.Name)
	dst := source.Quote(t.DumpAs)

	create, err := dc.Source.CreateStatement(ctx, t.Source)
	if err != nil {
		return fmt.Errorf("%w: show create %s: %w", ErrStructure, t.Source.Name, err)
	}
	if err = query.CheckCreate(create, t.Source.Name, t.Source.IsView()); err != nil {
		dc.Logger.Warnf("create statement of %s did not validate, writing it unchanged: %v", t.Source.Name, err)
	}

	out.printf("# Table: %s\n", name)
	rows, ok, err := dc.Source.ApproximateRows(ctx, t.Source.Name)
	switch {
	case err != nil:
		dc.Logger.Warnf("could not read table status of %s: %v", t.Source.Name, err)
	case ok:
		out.printf("# Approximate rows expected in table: %d\n", rows)
	}
	out.printf("\n# Delete any existing table %s\n\nDROP TABLE IF EXISTS %s;\n", name, dst)
	if t.Source.IsView() {
		out.printf("DROP VIEW IF EXISTS %s;\n", dst)
	}
	out.printf("\n# Table structure of %s %s\n\n", t.describe(), name)
	out.printf("%s ;", schema.NormalizeCreate(create, t.Source.Name, t.DumpAs))
	out.printf("\n\n# Data contents of %s %s\n\n", t.describe(), name)
	if out.err != nil {
		return fmt.Errorf("%w: %w", ErrOutput, out.err)
	}

	return nil
}

// writeRows writes one page as INSERT statements. A statement is flushed as
// soon as its row list grows past statementSize, and at the end of the page.
func writeRows(t *Table, page paginate.Page, statementSize int, out *errWriter) {
	plan := make([]encode.Column, len(page.Columns))
	for i, name := range page.Columns {
		plan[i] = t.columns[strings.ToLower(name)]
	}
	prefix := " \nINSERT INTO " + source.Quote(t.DumpAs) + " VALUES "

	var entry strings.Builder
	flush := func() {
		if entry.Len() == 0 {
			return
		}
		out.printf("%s%s;", prefix, entry.String())
		entry.Reset()
	}
	for _, row := range page.Rows {
		if entry.Len() > 0 {
			entry.WriteString(",\n ")
		}
		entry.WriteByte('(')
		for i, v := range row {
			if i > 0 {
				entry.WriteString(", ")
			}
			entry.WriteString(plan[i].Encode(v.Raw, v.Valid))
		}
		entry.WriteByte(')')
		if entry.Len() > statementSize {
			flush()
		}
	}
	flush()
}

// WriteFailure closes a table's output after a failed page so the data section
// is still well formed and the failure is visible in the dump.
func WriteFailure(w io.Writer, t *Table, cause error) error {
	out := &errWriter{w: w}
	msg := strings.ReplaceAll(cause.Error(), "\n", " ")
	out.printf("\n# Error: data of %s %s is incomplete: %s\n", t.describe(), source.Quote(t.Source.Name), msg)
	out.printf("\n# End of data contents of %s %s\n\n", t.describe(), source.Quote(t.Source.Name))

	return out.err
}

// errWriter keeps the first write error and drops every write after it.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...interface{}) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
