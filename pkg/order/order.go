// Package order decides the order tables are written to a dump, and the
// names they are restored under.
package order

import (
	"slices"
	"strings"

	"github.com/fallen/freebackup/pkg/source"
)

const DefaultPrefix = "wp_"

// coreTables are the remaining application tables, in restore order.
var coreTables = []string{
	"terms",
	"term_taxonomy",
	"termmeta",
	"term_relationships",
	"commentmeta",
	"comments",
	"links",
	"postmeta",
	"posts",
	"site",
	"sitemeta",
	"blogs",
	"blogversions",
	"blogmeta",
}

type group int

const (
	groupOptions group = iota
	groupSites
	groupUsers
	groupUserMeta
	groupCore
	groupOther
	groupView
)

func rank(t source.Table, prefix string) (group, int) {
	if t.IsView() {
		return groupView, 0
	}
	switch t.Name {
	case prefix + "options":
		return groupOptions, 0
	case prefix + "site":
		return groupSites, 0
	case prefix + "blogs":
		return groupSites, 1
	case prefix + "users":
		return groupUsers, 0
	case prefix + "usermeta":
		return groupUserMeta, 0
	}
	if strings.HasPrefix(t.Name, prefix) {
		if i := slices.Index(coreTables, t.Name[len(prefix):]); i >= 0 {
			return groupCore, i
		}
	}

	return groupOther, 0
}

func compare(a, b source.Table, prefix string) int {
	ga, ia := rank(a, prefix)
	gb, ib := rank(b, prefix)
	if ga != gb {
		return int(ga) - int(gb)
	}
	if ia != ib {
		return ia - ib
	}

	return strings.Compare(a.Name, b.Name)
}

// Sort returns tables in dump order: base tables by application precedence
// then by name, then views. A view that reads from another view follows it;
// viewRefs maps a view name to the names it reads from. The input is not
// modified.
func Sort(tables []source.Table, prefix string, viewRefs map[string][]string) []source.Table {
	out := slices.Clone(tables)
	slices.SortStableFunc(out, func(a, b source.Table) int {
		return compare(a, b, prefix)
	})

	first := slices.IndexFunc(out, source.Table.IsView)
	if first < 0 || len(viewRefs) == 0 {
		return out
	}

	return append(out[:first:first], orderViews(out[first:], viewRefs)...)
}

// orderViews emits, at every step, the first view by name whose referenced
// views have all been emitted. Views caught in a cycle keep name order.
func orderViews(views []source.Table, refs map[string][]string) []source.Table {
	pending := slices.Clone(views)
	isView := make(map[string]bool, len(views))
	for _, v := range views {
		isView[v.Name] = true
	}
	done := make(map[string]bool, len(views))
	out := make([]source.Table, 0, len(views))

	for len(pending) > 0 {
		next := slices.IndexFunc(pending, func(v source.Table) bool {
			for _, r := range refs[v.Name] {
				if isView[r] && !done[r] && r != v.Name {
					return false
				}
			}

			return true
		})
		if next < 0 {
			next = 0
		}
		done[pending[next].Name] = true
		out = append(out, pending[next])
		pending = slices.Delete(pending, next, next+1)
	}

	return out
}

// DumpNames maps every table to the name it is restored under. A table whose
// prefix matches the configured one only case-insensitively is renamed to use
// the configured prefix, unless the database has tables whose names differ
// only by case, in which case no table is renamed. The duplicated names are
// returned lower-cased.
func DumpNames(tables []source.Table, prefix string) (map[string]string, []string) {
	seen := make(map[string]bool, len(tables))
	var duplicates []string
	for _, t := range tables {
		lower := strings.ToLower(t.Name)
		if seen[lower] {
			if !slices.Contains(duplicates, lower) {
				duplicates = append(duplicates, lower)
			}

			continue
		}
		seen[lower] = true
	}

	names := make(map[string]string, len(tables))
	for _, t := range tables {
		names[t.Name] = t.Name
		if len(duplicates) > 0 || prefix == "" || len(t.Name) < len(prefix) {
			continue
		}
		head := t.Name[:len(prefix)]
		if head != prefix && strings.EqualFold(head, prefix) {
			names[t.Name] = prefix + t.Name[len(prefix):]
		}
	}

	return names, duplicates
}
