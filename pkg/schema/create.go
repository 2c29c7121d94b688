// Package schema writes table DDL and the trigger and routine blocks that
// close a dump.
package schema

import (
	"regexp"
	"strings"

	"github.com/fallen/freebackup/pkg/source"
)

var (
	engineRe       = regexp.MustCompile(`ENGINE=([^\s;]+)`)
	pageChecksumRe = regexp.MustCompile(`PAGE_CHECKSUM=\d\s?`)
)

// NormalizeCreate prepares a SHOW CREATE statement for restore under dumpAs.
// The pre-5.5 TYPE= table option becomes ENGINE=, the Aria-only
// PAGE_CHECKSUM option is dropped from MyISAM tables and the first reference
// to the table is renamed.
func NormalizeCreate(create, table, dumpAs string) string {
	if !strings.Contains(create, "ENGINE=") {
		if i := strings.LastIndex(create, "TYPE="); i >= 0 {
			create = create[:i] + "ENGINE=" + create[i+len("TYPE="):]
		}
	}
	if m := engineRe.FindStringSubmatch(create); m != nil && strings.EqualFold(m[1], "MyISAM") {
		if loc := pageChecksumRe.FindStringIndex(create); loc != nil {
			create = create[:loc[0]] + create[loc[1]:]
		}
	}
	if dumpAs != "" && dumpAs != table {
		create = strings.Replace(create, source.Quote(table), source.Quote(dumpAs), 1)
	}

	return create
}
