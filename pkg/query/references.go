package query

import (
	"slices"
	"strings"

	"github.com/pingcap/tidb/pkg/parser/ast"
)

// tableCollector visits every table name referenced by a statement.
type tableCollector struct {
	names map[string]bool
	// ctes are names bound by WITH clauses, which are not tables.
	ctes map[string]bool
}

func (v *tableCollector) Enter(in ast.Node) (ast.Node, bool) {
	switch n := in.(type) {
	case *ast.WithClause:
		for _, cte := range n.CTEs {
			v.ctes[cte.Name.L] = true
		}
	case *ast.TableName:
		v.names[n.Name.O] = true
	}

	return in, false
}

func (v *tableCollector) Leave(in ast.Node) (ast.Node, bool) {
	return in, true
}

// References returns the sorted names of the tables and views a view's
// definition reads from. The view itself is not included.
func (c *Create) References() []string {
	view, ok := c.stmt.(*ast.CreateViewStmt)
	if !ok || view.Select == nil {
		return nil
	}
	v := &tableCollector{names: map[string]bool{}, ctes: map[string]bool{}}
	view.Select.Accept(v)

	refs := make([]string, 0, len(v.names))
	for name := range v.names {
		if name != c.Name && !v.ctes[strings.ToLower(name)] {
			refs = append(refs, name)
		}
	}
	slices.Sort(refs)

	return refs
}
