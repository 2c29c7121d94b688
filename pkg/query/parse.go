// Package query inspects the DDL the server hands back for tables and views.
package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/mysql"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver" // required for the tidb parser
)

var (
	errNonCreateStmt = errors.New("is not a CREATE TABLE or CREATE VIEW statement")
	ErrNameMismatch  = errors.New("statement creates a different object")
)

// Create is what a SHOW CREATE statement defines.
type Create struct {
	Name string
	View bool
	stmt ast.StmtNode
}

// ParseCreate parses the output of SHOW CREATE TABLE or SHOW CREATE VIEW.
func ParseCreate(stmt string) (*Create, error) {
	p := parser.New()
	p.SetSQLMode(mysql.ModeNone)

	node, err := p.ParseOneStmt(stmt, "", "")
	if err != nil {
		return nil, fmt.Errorf("could not parse create statement: %w", err)
	}
	switch n := node.(type) {
	case *ast.CreateTableStmt:
		return &Create{Name: n.Table.Name.O, stmt: n}, nil
	case *ast.CreateViewStmt:
		return &Create{Name: n.ViewName.Name.O, View: true, stmt: n}, nil
	}

	return nil, fmt.Errorf("statement %.40q %w", stmt, errNonCreateStmt)
}

// CheckCreate verifies that stmt creates the named table or view.
func CheckCreate(stmt, name string, view bool) error {
	c, err := ParseCreate(stmt)
	if err != nil {
		return err
	}
	if !strings.EqualFold(c.Name, name) || c.View != view {
		return fmt.Errorf("%w: want %s, got %s", ErrNameMismatch, name, c.Name)
	}

	return nil
}
