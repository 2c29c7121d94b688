// Package paginate reads a table one bounded window at a time.
//
// Primary-key mode pages by "key > cursor ORDER BY key" and is stable against
// concurrent writes. Offset mode pages by LIMIT offset, n without an ORDER BY;
// rows inserted or deleted while a table is being read in offset mode can be
// skipped or read twice. That is a known limitation of the mode.
package paginate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fallen/freebackup/pkg/cursor"
	"github.com/fallen/freebackup/pkg/encode"
	"github.com/fallen/freebackup/pkg/source"
)

var ErrCursorMode = errors.New("cursor does not match pagination mode")

// Plan is how one table is paged. It is computed once per table.
type Plan struct {
	Table string
	Mode  cursor.Mode
	// Key is the primary key column in primary-key mode.
	Key         string
	KeyUnsigned bool
	// KeyWide is set for bigint unsigned keys, whose values can exceed the
	// int64 a cursor holds.
	KeyWide bool
	// Columns is nil unless some column must be cast, in which case every
	// column is listed.
	Columns []source.SelectColumn
}

// NewPlan uses primary-key mode when the table has exactly one primary key
// column and it is an integer, unless disablePrimaryKey is set.
func NewPlan(table string, columns []source.Column, disablePrimaryKey bool) Plan {
	p := Plan{Table: table, Mode: cursor.ModeOffset}

	var pk []source.Column
	hasBit := false
	for _, c := range columns {
		if c.PrimaryKey {
			pk = append(pk, c)
		}
		if encode.Classify(c.Type, c.Default).Kind == encode.Bit {
			hasBit = true
		}
	}
	if !disablePrimaryKey && len(pk) == 1 && encode.Classify(pk[0].Type, nil).Kind == encode.Integer {
		p.Mode = cursor.ModePrimaryKey
		p.Key = pk[0].Name
		typ := strings.ToLower(pk[0].Type)
		p.KeyUnsigned = strings.Contains(typ, "unsigned")
		p.KeyWide = p.KeyUnsigned && strings.HasPrefix(typ, "bigint")
	}
	if hasBit {
		for _, c := range columns {
			p.Columns = append(p.Columns, source.SelectColumn{
				Name:   c.Name,
				Binary: encode.Classify(c.Type, nil).Kind == encode.Bit,
			})
		}
	}

	return p
}

// WithMode forces the mode a table was started with, as recorded by its
// fragments. Primary-key mode needs a key column.
func (p Plan) WithMode(m cursor.Mode) (Plan, error) {
	if m == p.Mode {
		return p, nil
	}
	if m == cursor.ModePrimaryKey {
		return p, fmt.Errorf("%w: table %s has no usable primary key", ErrCursorMode, p.Table)
	}
	p.Mode = cursor.ModeOffset
	p.Key = ""
	p.KeyUnsigned = false
	p.KeyWide = false

	return p, nil
}

// FitKeyRange is called before the first page of a table. A bigint unsigned
// key holding a value above math.MaxInt64 cannot be carried by a cursor, so
// such a table is paged by offset instead.
func FitKeyRange(ctx context.Context, src source.Source, plan Plan) (Plan, error) {
	if plan.Mode != cursor.ModePrimaryKey || !plan.KeyWide {
		return plan, nil
	}
	rs, err := src.Select(ctx, source.Window{
		Table:   plan.Table,
		Columns: []source.SelectColumn{{Name: plan.Key}},
		Key:     plan.Key,
		After:   math.MaxInt64,
		Limit:   1,
	})
	if err != nil {
		return plan, fmt.Errorf("checking key range of %s: %w", plan.Table, err)
	}
	if len(rs.Rows) == 0 {
		return plan, nil
	}

	return plan.WithMode(cursor.ModeOffset)
}

type Page struct {
	Columns []string
	Rows    [][]source.Value
	// Next is the cursor after this page. On an empty page it is the input cursor.
	Next cursor.Cursor
}

func (p Page) Empty() bool {
	return len(p.Rows) == 0
}

// Next reads the page after cur. Errors from the source are returned as is
// and never retried.
func Next(ctx context.Context, src source.Source, plan Plan, cur cursor.Cursor, pageSize int) (Page, error) {
	w := source.Window{Table: plan.Table, Columns: plan.Columns, Limit: pageSize}

	switch plan.Mode {
	case cursor.ModePrimaryKey:
		after, inclusive, err := startKey(ctx, src, plan, cur)
		if err != nil {
			return Page{}, err
		}
		w.Key = plan.Key
		w.After = after
		w.Inclusive = inclusive
	default:
		switch cur.Kind {
		case cursor.Start:
		case cursor.Offset:
			w.Offset = cur.Value
		default:
			return Page{}, fmt.Errorf("%w: %s in offset mode", ErrCursorMode, cur)
		}
	}

	rs, err := src.Select(ctx, w)
	if err != nil {
		return Page{}, fmt.Errorf("reading page of %s: %w", plan.Table, err)
	}
	page := Page{Columns: rs.Columns, Rows: rs.Rows, Next: cur}
	if page.Empty() {
		return page, nil
	}

	if plan.Mode == cursor.ModePrimaryKey {
		maxKey, err := maxKey(plan, rs)
		if err != nil {
			return Page{}, err
		}
		page.Next = cursor.NewPrimaryKey(maxKey)
	} else {
		page.Next = cursor.NewOffset(w.Offset + int64(pageSize))
	}

	return page, nil
}

// startKey is the lower bound for the next window. It is exclusive except
// when a signed key starts at the smallest int64, which has nothing below it.
func startKey(ctx context.Context, src source.Source, plan Plan, cur cursor.Cursor) (int64, bool, error) {
	switch cur.Kind {
	case cursor.PrimaryKey:
		return cur.Value, false, nil
	case cursor.Start:
		if plan.KeyUnsigned {
			return -1, false, nil
		}
		minKey, ok, err := src.MinKey(ctx, plan.Table, plan.Key)
		if err != nil {
			return 0, false, fmt.Errorf("reading minimum key of %s: %w", plan.Table, err)
		}
		if !ok {
			return -1, false, nil
		}
		if minKey == math.MinInt64 {
			return minKey, true, nil
		}

		return minKey - 1, false, nil
	}

	return 0, false, fmt.Errorf("%w: %s in primary-key mode", ErrCursorMode, cur)
}

func maxKey(plan Plan, rs *source.ResultSet) (int64, error) {
	idx := -1
	for i, c := range rs.Columns {
		if strings.EqualFold(c, plan.Key) {
			idx = i

			break
		}
	}
	if idx < 0 {
		return 0, fmt.Errorf("key column %s missing from result of %s", plan.Key, plan.Table)
	}
	var out int64
	for i, row := range rs.Rows {
		v := row[idx]
		if !v.Valid {
			return 0, fmt.Errorf("NULL key in %s", plan.Table)
		}
		k, err := strconv.ParseInt(string(v.Raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("key of %s out of range: %w", plan.Table, err)
		}
		if i == 0 || k > out {
			out = k
		}
	}

	return out, nil
}
