// Package checkpoint stores table dump progress as fragment files whose names
// carry everything needed to resume, and stitches them into the artifact.
//
// A table's files are named
//
//	{run}-{table}.table.tmp{ext}            open temporary output
//	{run}-{table}.table.tmp{tag}{n}{ext}    closed fragment ending at cursor n
//	{run}-{table}.table{ext}                final output, the table is complete
//
// where tag is "r" for a primary-key cursor, "o" for an offset cursor and
// empty for the legacy offset scheme, and ext is the codec extension.
package checkpoint

import (
	"strings"

	"github.com/fallen/freebackup/pkg/cursor"
	"github.com/fallen/freebackup/pkg/sink"
)

type State int

const (
	Final State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Final:
		return "final"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}

	return "unknown"
}

const (
	tableMarker = ".table"
	tmpMarker   = ".tmp"
)

// Name is a parsed fragment file name.
type Name struct {
	RunID string
	Table string
	State State
	// Cursor is set for closed fragments.
	Cursor cursor.Cursor
	// Legacy is true for closed fragments written by the untagged scheme.
	Legacy bool
	Codec  sink.Codec
}

// String renders the file name. Closed fragments are always written with a
// tagged cursor.
func (n Name) String() string {
	var sb strings.Builder
	sb.WriteString(n.RunID)
	sb.WriteString("-")
	sb.WriteString(n.Table)
	sb.WriteString(tableMarker)
	switch n.State {
	case Open:
		sb.WriteString(tmpMarker)
	case Closed:
		sb.WriteString(tmpMarker)
		tag, err := n.Cursor.Tag()
		if err != nil {
			// A start cursor never closes a fragment.
			panic(err)
		}
		sb.WriteString(tag)
	}
	sb.WriteString(n.Codec.Ext)

	return sb.String()
}

// Parse reads a file name written for runID. ok is false for files of other
// runs and for anything that is not a fragment.
func Parse(runID, file string) (Name, bool) {
	base, codec := sink.SplitExt(file)
	rest, found := strings.CutPrefix(base, runID+"-")
	if !found {
		return Name{}, false
	}
	// The state suffix never contains the marker, so the last one ends the
	// table name even when the name itself contains ".table".
	i := strings.LastIndex(rest, tableMarker)
	if i <= 0 {
		return Name{}, false
	}
	n := Name{RunID: runID, Table: rest[:i], Codec: codec}
	state := rest[i+len(tableMarker):]

	switch {
	case state == "":
		n.State = Final
	case state == tmpMarker:
		n.State = Open
	case strings.HasPrefix(state, tmpMarker):
		c, legacy, err := cursor.ParseTag(state[len(tmpMarker):])
		if err != nil {
			return Name{}, false
		}
		n.State = Closed
		n.Cursor = c
		n.Legacy = legacy
	default:
		return Name{}, false
	}

	return n, true
}
