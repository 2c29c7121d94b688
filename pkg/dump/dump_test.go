package dump

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/block/spirit/pkg/throttler"
	"github.com/fallen/freebackup/pkg/cursor"
	"github.com/fallen/freebackup/pkg/paginate"
	"github.com/fallen/freebackup/pkg/source"
	"github.com/fallen/freebackup/pkg/test"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext(src source.Source, out *bytes.Buffer) *Context {
	return &Context{
		Source:    src,
		Out:       out,
		Throttler: &throttler.Noop{},
		Logger:    logrus.New(),
		Limits:    DefaultLimits(),
	}
}

func prepare(t *testing.T, src *test.Source, name, dumpAs string) *Table {
	t.Helper()
	tbl := src.Table(name)
	require.NotNil(t, tbl)
	st := source.Table{Name: tbl.Name, Kind: tbl.Kind}

	return NewTable(st, dumpAs, tbl.Columns, paginate.NewPlan(tbl.Name, tbl.Columns, false))
}

func optionsSource() *test.Source {
	src := test.NewSource("wordpress")
	src.AddTable(&test.Table{
		Name: "wp_options",
		Columns: []source.Column{
			{Name: "option_id", Type: "bigint(20) unsigned", PrimaryKey: true},
			{Name: "option_name", Type: "varchar(191)"},
			{Name: "option_value", Type: "longtext"},
		},
		Rows: [][]source.Value{
			test.Row(1, "siteurl", "http://x"),
			test.Row(2, "blogname", "O'Brien"),
		},
	})

	return src
}

func TestDumpOptionsTable(t *testing.T) {
	src := optionsSource()
	var out bytes.Buffer
	res := Dump(context.Background(), newContext(src, &out), prepare(t, src, "wp_options", ""), cursor.NewStart())

	require.NoError(t, res.Err)
	assert.Equal(t, Done, res.Outcome)
	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, cursor.NewPrimaryKey(2), res.Cursor)

	sql := out.String()
	assert.True(t, strings.HasPrefix(sql, "# Table: `wp_options`\n# Approximate rows expected in table: 2\n"))
	assert.Contains(t, sql, "\n# Delete any existing table `wp_options`\n\nDROP TABLE IF EXISTS `wp_options`;\n")
	assert.Contains(t, sql, "\n# Table structure of table `wp_options`\n\nCREATE TABLE `wp_options` (")
	assert.Contains(t, sql, "DEFAULT CHARSET=utf8mb4 ;\n\n# Data contents of table `wp_options`\n\n")
	assert.Contains(t, sql, " \nINSERT INTO `wp_options` VALUES (1, 'siteurl', 'http://x'),\n (2, 'blogname', 'O\\'Brien');")
	assert.True(t, strings.HasSuffix(sql, ";\n# End of data contents of table `wp_options`\n\n"))
	assert.Equal(t, 1, strings.Count(sql, "INSERT INTO"))
}

func TestDumpZeroRowTable(t *testing.T) {
	src := test.NewSource("test")
	src.AddTable(&test.Table{
		Name:    "empty",
		Columns: []source.Column{{Name: "id", Type: "int", PrimaryKey: true}},
	})
	var out bytes.Buffer
	res := Dump(context.Background(), newContext(src, &out), prepare(t, src, "empty", ""), cursor.NewStart())
	require.NoError(t, res.Err)
	assert.Equal(t, Done, res.Outcome)

	want := "# Table: `empty`\n" +
		"# Approximate rows expected in table: 0\n" +
		"\n# Delete any existing table `empty`\n\nDROP TABLE IF EXISTS `empty`;\n" +
		"\n# Table structure of table `empty`\n\n" +
		"CREATE TABLE `empty` (\n  `id` int NOT NULL,\n  PRIMARY KEY (`id`)\n) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 ;" +
		"\n\n# Data contents of table `empty`\n\n" +
		"\n# End of data contents of table `empty`\n\n"
	assert.Equal(t, want, out.String())
}

func TestDumpFlushesLargeStatements(t *testing.T) {
	payload := strings.Repeat("x", 2000)
	build := func(n int) *test.Source {
		src := test.NewSource("test")
		tbl := src.AddTable(&test.Table{
			Name:    "big",
			Columns: []source.Column{{Name: "id", Type: "int", PrimaryKey: true}, {Name: "body", Type: "text"}},
		})
		for i := 1; i <= n; i++ {
			tbl.Rows = append(tbl.Rows, test.Row(i, payload))
		}

		return src
	}

	// 200 rows stay under the threshold: one statement for the page.
	src := build(200)
	var out bytes.Buffer
	res := Dump(context.Background(), newContext(src, &out), prepare(t, src, "big", ""), cursor.NewStart())
	require.NoError(t, res.Err)
	assert.Equal(t, 1, strings.Count(out.String(), "INSERT INTO"))

	// 400 rows of ~2 KB straddle 512 KiB once: one early flush plus the end of page.
	src = build(400)
	out.Reset()
	res = Dump(context.Background(), newContext(src, &out), prepare(t, src, "big", ""), cursor.NewStart())
	require.NoError(t, res.Err)
	assert.Equal(t, int64(400), res.Rows)
	assert.Equal(t, 2, strings.Count(out.String(), "INSERT INTO"))
	for _, stmt := range strings.Split(out.String(), " \nINSERT INTO")[1:] {
		assert.Contains(t, stmt, ");", "every statement is terminated")
	}
	assert.NotContains(t, out.String(), ",;")
}

func numbered(n int) *test.Source {
	src := test.NewSource("test")
	tbl := src.AddTable(&test.Table{
		Name:    "nums",
		Columns: []source.Column{{Name: "id", Type: "int(11)", PrimaryKey: true}, {Name: "v", Type: "varchar(10)"}},
	})
	for i := 1; i <= n; i++ {
		tbl.Rows = append(tbl.Rows, test.Row(i, "v"))
	}

	return src
}

func TestDumpYieldsAfterPageBudget(t *testing.T) {
	src := numbered(5)
	var out bytes.Buffer
	dc := newContext(src, &out)
	dc.Limits.PageSize = 2
	dc.Limits.PagesPerInvocation = 2
	tbl := prepare(t, src, "nums", "")

	res := Dump(context.Background(), dc, tbl, cursor.NewStart())
	require.NoError(t, res.Err)
	assert.Equal(t, Continue, res.Outcome)
	assert.Equal(t, cursor.NewPrimaryKey(4), res.Cursor)
	assert.Equal(t, int64(4), res.Rows)
	assert.NotContains(t, out.String(), "End of data contents")

	out.Reset()
	res = Dump(context.Background(), dc, tbl, res.Cursor)
	require.NoError(t, res.Err)
	assert.Equal(t, Done, res.Outcome)
	assert.Equal(t, int64(1), res.Rows)
	assert.True(t, strings.HasPrefix(out.String(), " \nINSERT INTO `nums` VALUES (5, 'v');"), "a resumed dump has no header")
}

func TestDumpResumeIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	for _, offsetMode := range []bool{false, true} {
		src := numbered(23)
		cols := src.Table("nums").Columns
		tbl := NewTable(source.Table{Name: "nums", Kind: source.BaseTable}, "", cols, paginate.NewPlan("nums", cols, offsetMode))

		var whole bytes.Buffer
		dc := newContext(src, &whole)
		dc.Limits.PageSize = 3
		res := Dump(ctx, dc, tbl, cursor.NewStart())
		require.Equal(t, Done, res.Outcome)

		var pieces bytes.Buffer
		dc = newContext(src, &pieces)
		dc.Limits.PageSize = 3
		dc.Limits.PagesPerInvocation = 2
		cur := cursor.NewStart()
		invocations := 0
		for {
			res = Dump(ctx, dc, tbl, cur)
			require.NoError(t, res.Err)
			invocations++
			if res.Outcome == Done {
				break
			}
			cur = res.Cursor
		}
		assert.Equal(t, 5, invocations)
		assert.Equal(t, whole.String(), pieces.String())
	}
}

func TestDumpPageFailure(t *testing.T) {
	src := numbered(5)
	boom := errors.New("server has gone away")
	src.FailSelect = func(w source.Window) error {
		if w.After >= 2 {
			return boom
		}

		return nil
	}
	var out bytes.Buffer
	dc := newContext(src, &out)
	dc.Limits.PageSize = 2
	res := Dump(context.Background(), dc, prepare(t, src, "nums", ""), cursor.NewStart())

	assert.Equal(t, Failed, res.Outcome)
	require.ErrorIs(t, res.Err, boom)
	assert.NotErrorIs(t, res.Err, ErrStructure)
	assert.Equal(t, cursor.NewPrimaryKey(2), res.Cursor, "cursor stays at the last written page")
	assert.Equal(t, int64(2), res.Rows)
	assert.True(t, strings.HasSuffix(out.String(), "(1, 'v'),\n (2, 'v');"))

	require.NoError(t, WriteFailure(&out, prepare(t, src, "nums", ""), res.Err))
	assert.Contains(t, out.String(), "\n# Error: data of table `nums` is incomplete: ")
	assert.True(t, strings.HasSuffix(out.String(), "\n# End of data contents of table `nums`\n\n"))
}

func TestDumpStructureFailure(t *testing.T) {
	src := numbered(1)
	src.FailCreate["nums"] = errors.New("SHOW command denied")
	var out bytes.Buffer
	res := Dump(context.Background(), newContext(src, &out), prepare(t, src, "nums", ""), cursor.NewStart())
	assert.Equal(t, Failed, res.Outcome)
	require.ErrorIs(t, res.Err, ErrStructure)
	assert.Empty(t, src.Windows)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("no space left on device")
}

func TestDumpOutputFailure(t *testing.T) {
	src := numbered(1)
	dc := newContext(src, nil)
	dc.Out = failingWriter{}
	res := Dump(context.Background(), dc, prepare(t, src, "nums", ""), cursor.NewStart())
	assert.Equal(t, Failed, res.Outcome)
	require.ErrorIs(t, res.Err, ErrOutput)
}

func TestDumpView(t *testing.T) {
	src := test.NewSource("test")
	src.AddTable(&test.Table{Name: "v_posts", Kind: source.View, Columns: []source.Column{{Name: "one", Type: "int"}}})
	var out bytes.Buffer
	res := Dump(context.Background(), newContext(src, &out), prepare(t, src, "v_posts", ""), cursor.NewStart())
	require.NoError(t, res.Err)
	assert.Equal(t, Done, res.Outcome)
	assert.Empty(t, src.Windows, "views have no data section")

	sql := out.String()
	assert.NotContains(t, sql, "Approximate rows")
	assert.Contains(t, sql, "DROP TABLE IF EXISTS `v_posts`;\nDROP VIEW IF EXISTS `v_posts`;\n")
	assert.Contains(t, sql, "# Table structure of view `v_posts`")
	assert.True(t, strings.HasSuffix(sql, "\n# End of data contents of view `v_posts`\n\n"))
}

func TestDumpRenamesTable(t *testing.T) {
	src := optionsSource()
	tbl := src.Table("wp_options")
	tbl.Name = "WP_options"
	tbl.Create = "CREATE TABLE `WP_options` (\n  `option_id` bigint(20) unsigned NOT NULL\n) ENGINE=InnoDB"
	var out bytes.Buffer
	res := Dump(context.Background(), newContext(src, &out), prepare(t, src, "WP_options", "wp_options"), cursor.NewStart())
	require.NoError(t, res.Err)

	sql := out.String()
	assert.Contains(t, sql, "# Table: `WP_options`\n")
	assert.Contains(t, sql, "DROP TABLE IF EXISTS `wp_options`;")
	assert.Contains(t, sql, "CREATE TABLE `wp_options` (")
	assert.Contains(t, sql, "INSERT INTO `wp_options` VALUES")
}

func TestDumpBitAndBinaryColumns(t *testing.T) {
	src := test.NewSource("test")
	src.AddTable(&test.Table{
		Name: "flags",
		Columns: []source.Column{
			{Name: "id", Type: "int", PrimaryKey: true},
			{Name: "mask", Type: "bit(5)", Nullable: true},
			{Name: "wide", Type: "bit(13)"},
			{Name: "hash", Type: "varbinary(3)"},
			{Name: "note", Type: "text", Nullable: true},
		},
		Rows: [][]source.Value{
			test.Row(1, []byte{0x05}, []byte{0x10, 0x01}, []byte{0x00, 0x00, 0xff}, "a\x00b\r\nc"),
			test.Row(2, nil, []byte{0x00, 0x00}, []byte{}, nil),
		},
	})
	var out bytes.Buffer
	res := Dump(context.Background(), newContext(src, &out), prepare(t, src, "flags", ""), cursor.NewStart())
	require.NoError(t, res.Err)

	assert.True(t, src.Windows[0].Columns[1].Binary)
	assert.Contains(t, out.String(), "VALUES (1, b'00101', b'1000000000001', 0x0000FF, 'a\\0b\\r\\nc'),\n (2, NULL, b'0000000000000', '', NULL);")
}

type countingThrottler struct {
	throttler.Noop
	waits int
}

func (c *countingThrottler) BlockWait() {
	c.waits++
}

func TestDumpWaitsOnThrottlerBeforeEveryPage(t *testing.T) {
	src := optionsSource()
	var out bytes.Buffer
	dc := newContext(src, &out)
	thtl := &countingThrottler{}
	dc.Throttler = thtl
	dc.Limits.PageSize = 1
	res := Dump(context.Background(), dc, prepare(t, src, "wp_options", ""), cursor.NewStart())
	require.NoError(t, res.Err)
	assert.Equal(t, Done, res.Outcome)
	// Two pages with one row each, then the empty page.
	assert.Equal(t, 3, thtl.waits)
	assert.Len(t, src.Windows, 3)
}
