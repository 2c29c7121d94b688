// Package runner drives a dump run: it resolves the run, dumps every table in
// order across as many invocations as it takes, and assembles the artifact.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fallen/freebackup/pkg/audit"
)

type Status int64

const (
	Started Status = iota
	Running
	Suspended
	Failed
	Errored
	Succeeded
)

var statusInterval = 30 * time.Second

// ErrNoTables means the database has nothing to dump.
var ErrNoTables = errors.New("no tables found")

// ErrStitch means fragments could not be copied into the artifact. The run
// is left unfinished with all of its fragments.
var ErrStitch = errors.New("could not stitch fragments")

func (s Status) String() string {
	switch s {
	case Started:
		return "started"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Failed:
		return "failed"
	case Errored:
		return "errored"
	case Succeeded:
		return "succeeded"
	}

	return "unknown"
}

func parseStatus(s string) (Status, error) {
	for _, st := range []Status{Started, Running, Suspended, Failed, Errored, Succeeded} {
		if st.String() == s {
			return st, nil
		}
	}

	return Started, fmt.Errorf("unknown status: %s", s)
}

// finished is true once a run produced its artifact. Errored runs produced
// one with some tables incomplete and are not resumed.
func (s Status) finished() bool {
	return s == Succeeded || s == Errored
}

// Result is the outcome of one invocation.
type Result struct {
	RunID    string
	Status   Status
	Path     string
	Checksum string
	Rows     int64
	// Errors are per-table failures; the artifact exists but is incomplete.
	Errors []error
	// Warnings are trigger, routine and cleanup problems.
	Warnings []error
}

func (r *Result) Err() error {
	return errors.Join(r.Errors...)
}

// checkIfSuccessfullyRan returns the record of a run that already produced
// its artifact, or nil.
func checkIfSuccessfullyRan(store *audit.Store, runID string) (*audit.Record, error) {
	rec, err := store.Load(runID)
	if errors.Is(err, audit.ErrNotFound) {
		return nil, nil //nolint:nilnil // no record means a new run
	}
	if err != nil {
		return nil, err
	}
	status, err := parseStatus(rec.Status)
	if err != nil {
		return nil, err
	}
	if status.finished() {
		return rec, nil
	}

	return nil, nil //nolint:nilnil
}

// latestUnfinished returns the id of the most recent run that has not
// produced an artifact yet, or "".
func latestUnfinished(store *audit.Store) (string, error) {
	rec, err := store.Latest(func(r *audit.Record) bool {
		status, err := parseStatus(r.Status)

		return err == nil && !status.finished()
	})
	if errors.Is(err, audit.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	return rec.RunID, nil
}

// Budget tells the driver when to stop starting new work.
type Budget interface {
	Exceeded() bool
}

type deadline struct {
	at time.Time
}

// NewDeadline returns a budget that runs out d from now. A zero d never runs
// out.
func NewDeadline(d time.Duration) Budget {
	if d <= 0 {
		return deadline{}
	}

	return deadline{at: time.Now().Add(d)}
}

func (d deadline) Exceeded() bool {
	return !d.at.IsZero() && time.Now().After(d.at)
}

type Runner interface {
	Run(ctx context.Context) (*Result, error)
	Close() error
}
