package source

import (
	"slices"
	"strings"
)

// unsafeModes make reads of legacy rows fail or change how identifiers and
// GROUP BY are parsed.
var unsafeModes = []string{
	"NO_ZERO_DATE",
	"ONLY_FULL_GROUP_BY",
	"TRADITIONAL",
	"STRICT_TRANS_TABLES",
	"STRICT_ALL_TABLES",
	"ANSI_QUOTES",
}

// SanitizeSQLMode drops the modes a dump session must not run with and keeps
// the rest in their original order.
func SanitizeSQLMode(mode string) string {
	var keep []string
	for _, m := range strings.Split(mode, ",") {
		m = strings.TrimSpace(m)
		if m == "" || slices.Contains(unsafeModes, strings.ToUpper(m)) {
			continue
		}
		keep = append(keep, m)
	}

	return strings.Join(keep, ",")
}
