// Package audit keeps the record of each run next to its files, so a later
// invocation can tell whether to resume, skip or start over.
package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const recordSuffix = ".run.json"

var ErrNotFound = errors.New("run record not found")

// Record is the persisted state of one run.
type Record struct {
	RunID     string    `json:"run_id"`
	TryNum    int       `json:"try_num"`
	Status    string    `json:"status"`
	StartedBy string    `json:"started_by,omitempty"`
	Database  string    `json:"database"`
	Codec     string    `json:"codec"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Artifact  string    `json:"artifact,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	Errors    int       `json:"errors"`
	Warnings  int       `json:"warnings"`
}

func RecordName(runID string) string {
	return runID + recordSuffix
}

// LogName is the per-run log file in the run directory.
func LogName(runID string) string {
	return "log." + runID + ".txt"
}

type Store struct {
	dir string
	now func() time.Time
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, RecordName(runID))
}

func (s *Store) Load(runID string) (*Record, error) {
	data, err := os.ReadFile(s.path(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err = json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding run record %s: %w", runID, err)
	}

	return &r, nil
}

// Save stamps UpdatedAt (and CreatedAt on first save) and replaces the record
// atomically.
func (s *Store) Save(r *Record) error {
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(r.RunID) + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing run record: %w", err)
	}
	if err = os.Rename(tmp, s.path(r.RunID)); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("writing run record: %w", err)
	}

	return nil
}

// Latest returns the most recently updated record accepted by keep.
func (s *Store) Latest(keep func(*Record) bool) (*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var latest *Record
	for _, e := range entries {
		runID, ok := strings.CutSuffix(e.Name(), recordSuffix)
		if !ok || !e.Type().IsRegular() {
			continue
		}
		r, err := s.Load(runID)
		if err != nil {
			return nil, err
		}
		if !keep(r) {
			continue
		}
		if latest == nil || r.UpdatedAt.After(latest.UpdatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}

	return latest, nil
}
