package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/fallen/freebackup/pkg/cursor"
	"github.com/fallen/freebackup/pkg/sink"
	"github.com/siddontang/loggers"
)

// ErrMixedModes means a table has closed fragments of both cursor kinds and
// cannot be resumed.
var ErrMixedModes = errors.New("fragments mix primary key and offset cursors")

// Fragment is a file on disk belonging to one table.
type Fragment struct {
	Path string
	Name Name
}

// Files are the fragments found for one table.
type Files struct {
	Closed []Fragment
	Final  *Fragment
	// Open are temporaries left behind by an interrupted invocation.
	Open []Fragment
}

// Ordered returns the closed fragments by ascending cursor, followed by the
// final file.
func (f *Files) Ordered() []Fragment {
	out := make([]Fragment, len(f.Closed), len(f.Closed)+1)
	copy(out, f.Closed)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Name, out[j].Name
		if a.Cursor.Value != b.Cursor.Value {
			return a.Cursor.Less(b.Cursor)
		}
		// Equal cursors only happen across legacy and tagged offsets.
		return filepath.Base(out[i].Path) < filepath.Base(out[j].Path)
	})
	if f.Final != nil {
		out = append(out, *f.Final)
	}

	return out
}

// Mode reports the cursor mode recorded by the closed fragments. ok is false
// when there are none.
func (f *Files) Mode() (mode cursor.Mode, ok bool, err error) {
	for _, frag := range f.Closed {
		m, _ := frag.Name.Cursor.Mode()
		if ok && m != mode {
			return mode, false, ErrMixedModes
		}
		mode, ok = m, true
	}

	return mode, ok, nil
}

// Resume returns the cursor to continue from: the largest closed cursor, or
// the start when nothing was committed.
func (f *Files) Resume() (cursor.Cursor, error) {
	if _, _, err := f.Mode(); err != nil {
		return cursor.Cursor{}, err
	}
	cur := cursor.NewStart()
	for _, frag := range f.Closed {
		if cur.IsStart() || cur.Less(frag.Name.Cursor) {
			cur = frag.Name.Cursor
		}
	}

	return cur, nil
}

// Manager owns the fragment files of one run.
type Manager struct {
	dir    string
	runID  string
	codec  sink.Codec
	logger loggers.Advanced
	tables map[string]*Files
}

// Output is an open temporary file of one table.
type Output struct {
	*sink.File
	table string
	path  string
}

// NewManager scans dir for fragments of runID. New fragments are written
// with codec; existing ones are read back with the codec their name records.
func NewManager(dir, runID string, codec sink.Codec, logger loggers.Advanced) (*Manager, error) {
	m := &Manager{
		dir:    dir,
		runID:  runID,
		codec:  codec,
		logger: logger,
		tables: make(map[string]*Files),
	}
	if err := m.scan(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) scan() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("reading run directory: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name, ok := Parse(m.runID, e.Name())
		if !ok {
			continue
		}
		frag := Fragment{Path: filepath.Join(m.dir, e.Name()), Name: name}
		files := m.files(name.Table)
		switch name.State {
		case Final:
			if files.Final != nil {
				m.logger.Warnf("table %s has more than one final file, using %s", name.Table, files.Final.Path)

				continue
			}
			files.Final = &frag
		case Closed:
			if name.Legacy {
				m.logger.Infof("resuming %s from legacy fragment %s", name.Table, e.Name())
			}
			files.Closed = append(files.Closed, frag)
		case Open:
			files.Open = append(files.Open, frag)
		}
	}

	return nil
}

func (m *Manager) files(table string) *Files {
	f, ok := m.tables[table]
	if !ok {
		f = &Files{}
		m.tables[table] = f
	}

	return f
}

// Files returns what is on disk for table.
func (m *Manager) Files(table string) *Files {
	return m.files(table)
}

// Finished is true once the table has a final file.
func (m *Manager) Finished(table string) bool {
	f, ok := m.tables[table]

	return ok && f.Final != nil
}

func (m *Manager) path(n Name) string {
	return filepath.Join(m.dir, n.String())
}

// Open creates the table's temporary file, truncating any leftover from an
// interrupted invocation.
func (m *Manager) Open(table string) (*Output, error) {
	path := m.path(Name{RunID: m.runID, Table: table, State: Open, Codec: m.codec})
	f, err := sink.Create(path, m.codec)
	if err != nil {
		return nil, err
	}

	return &Output{File: f, table: table, path: path}, nil
}

// Commit closes out and renames it to a closed fragment ending at cur.
func (m *Manager) Commit(out *Output, cur cursor.Cursor) error {
	name := Name{RunID: m.runID, Table: out.table, State: Closed, Cursor: cur, Codec: m.codec}
	if err := m.rename(out, name); err != nil {
		return err
	}
	files := m.files(out.table)
	files.Closed = append(files.Closed, Fragment{Path: m.path(name), Name: name})

	return nil
}

// Finish closes out and renames it to the table's final file.
func (m *Manager) Finish(out *Output) error {
	name := Name{RunID: m.runID, Table: out.table, State: Final, Codec: m.codec}
	if err := m.rename(out, name); err != nil {
		return err
	}
	m.files(out.table).Final = &Fragment{Path: m.path(name), Name: name}

	return nil
}

func (m *Manager) rename(out *Output, name Name) error {
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", out.path, err)
	}
	if err := os.Rename(out.path, m.path(name)); err != nil {
		return fmt.Errorf("renaming %s: %w", out.path, err)
	}

	return nil
}

// Discard closes and removes out. The table's committed fragments are kept.
func (m *Manager) Discard(out *Output) {
	if err := out.Close(); err != nil {
		m.logger.Debugf("closing discarded %s: %v", out.path, err)
	}
	if err := os.Remove(out.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warnf("could not remove %s: %v", out.path, err)
	}
}

// Stitch copies the table's fragments into w in cursor order and returns the
// paths it read. Nothing is deleted here; see Cleanup.
func (m *Manager) Stitch(w io.Writer, table string) ([]string, error) {
	f, ok := m.tables[table]
	if !ok || f.Final == nil {
		return nil, fmt.Errorf("table %s has no final file", table)
	}
	var paths []string
	for _, frag := range f.Ordered() {
		if err := copyFragment(w, frag); err != nil {
			return paths, err
		}
		paths = append(paths, frag.Path)
	}

	return paths, nil
}

func copyFragment(w io.Writer, frag Fragment) error {
	r, err := sink.Open(frag.Path, frag.Name.Codec)
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err = io.Copy(w, r); err != nil {
		return fmt.Errorf("copying %s: %w", frag.Path, err)
	}

	return nil
}

// Cleanup removes stitched fragments and every leftover temporary of the run.
// It is only called once the artifact is complete.
func (m *Manager) Cleanup(paths []string) error {
	var errs []error
	for _, f := range m.tables {
		for _, frag := range f.Open {
			paths = append(paths, frag.Path)
		}
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
