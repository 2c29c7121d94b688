package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fallen/freebackup/pkg/archive"
	"github.com/fallen/freebackup/pkg/checkpoint"
	"github.com/fallen/freebackup/pkg/dump"
	"github.com/fallen/freebackup/pkg/order"
	"github.com/fallen/freebackup/pkg/paginate"
	"github.com/fallen/freebackup/pkg/query"
	"github.com/fallen/freebackup/pkg/schema"
	"github.com/fallen/freebackup/pkg/source"
)

// tableOutcome is what happened to one table in this invocation.
type tableOutcome int

const (
	tableDone tableOutcome = iota
	// tableSuspended means the budget ran out or the context ended; the
	// table resumes from its last closed fragment.
	tableSuspended
	// tableSkipped means the table has no final output and is left out of
	// the artifact.
	tableSkipped
)

// dumpAll dumps every table that is not finished yet and, once all are,
// writes the artifact. Only enumeration and artifact creation are fatal.
func (r *DumpRunner) dumpAll(ctx context.Context) (*Result, error) {
	tables, err := r.src.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w in database %s", ErrNoTables, r.src.Database())
	}
	ordered := order.Sort(tables, r.prefix, r.viewReferences(ctx, tables))
	dumpAs, duplicates := order.DumpNames(tables, r.prefix)
	if len(duplicates) > 0 {
		r.logger.Warnf("tables differ only by case, keeping every table name as is: %v", duplicates)
	}
	r.tablesTotal.Store(int64(len(ordered)))

	mgr, err := checkpoint.NewManager(r.runDir, r.runID, r.codec, r.logger)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	skipped := make(map[string]error)
	for _, t := range ordered {
		if mgr.Finished(t.Name) {
			r.tablesDone.Add(1)

			continue
		}
		if ctx.Err() != nil || r.budget.Exceeded() {
			res.Status = Suspended

			return res, nil
		}
		r.setCurrentTable(t.Name)
		outcome, tableErr := r.dumpTable(ctx, mgr, t, dumpAs[t.Name])
		switch outcome {
		case tableSuspended:
			res.Status = Suspended

			return res, nil
		case tableSkipped:
			r.logger.Errorf("skipping table %s: %v", t.Name, tableErr)
			skipped[t.Name] = tableErr
			res.Errors = append(res.Errors, fmt.Errorf("table %s: %w", t.Name, tableErr))
		case tableDone:
			if tableErr != nil {
				r.logger.Errorf("table %s is incomplete: %v", t.Name, tableErr)
				res.Errors = append(res.Errors, fmt.Errorf("table %s: %w", t.Name, tableErr))
			}
		}
		r.tablesDone.Add(1)
	}
	r.setCurrentTable("")

	if err = r.assemble(ctx, mgr, ordered, dumpAs, skipped, res); err != nil {
		return nil, err
	}
	res.Status = Succeeded
	if len(res.Errors) > 0 {
		res.Status = Errored
	}

	return res, nil
}

// viewReferences maps each view to the tables and views it reads from.
// A view whose definition cannot be read or parsed keeps name order.
func (r *DumpRunner) viewReferences(ctx context.Context, tables []source.Table) map[string][]string {
	refs := make(map[string][]string)
	for _, t := range tables {
		if !t.IsView() {
			continue
		}
		create, err := r.src.CreateStatement(ctx, t)
		if err != nil {
			r.logger.Debugf("could not read definition of view %s: %v", t.Name, err)

			continue
		}
		parsed, err := query.ParseCreate(create)
		if err != nil {
			r.logger.Debugf("could not parse definition of view %s: %v", t.Name, err)

			continue
		}
		refs[t.Name] = parsed.References()
	}

	return refs
}

// dumpTable runs the writer over one table until it is done, fails or the
// budget runs out. A non-nil error with tableDone is a page failure that was
// recorded in the table's output.
func (r *DumpRunner) dumpTable(ctx context.Context, mgr *checkpoint.Manager, t source.Table, dumpAs string) (tableOutcome, error) {
	files := mgr.Files(t.Name)
	cur, err := files.Resume()
	if err != nil {
		return tableSkipped, err
	}
	columns, err := r.src.Columns(ctx, t.Name)
	if err != nil {
		if ctx.Err() != nil {
			return tableSuspended, nil
		}

		return tableSkipped, fmt.Errorf("%w: columns: %w", dump.ErrStructure, err)
	}
	plan := paginate.NewPlan(t.Name, columns, r.disablePrimaryKey)
	if mode, ok, _ := files.Mode(); ok {
		if plan, err = plan.WithMode(mode); err != nil {
			return tableSkipped, err
		}
	} else if plan, err = paginate.FitKeyRange(ctx, r.src, plan); err != nil {
		if ctx.Err() != nil {
			return tableSuspended, nil
		}

		return tableSkipped, fmt.Errorf("%w: %w", dump.ErrStructure, err)
	}
	if cur.IsStart() {
		r.logger.Infof("dumping %s %s: mode=%s", t.Kind, t.Name, plan.Mode)
	} else {
		r.logger.Infof("resuming %s %s from %s", t.Kind, t.Name, cur)
	}

	tbl := dump.NewTable(t, dumpAs, columns, plan)
	dc := &dump.Context{
		Source:    r.src,
		Throttler: r.thtl,
		Logger:    r.logger,
		Limits:    r.limits,
	}
	for {
		out, err := mgr.Open(t.Name)
		if err != nil {
			return tableSkipped, fmt.Errorf("%w: %w", dump.ErrOutput, err)
		}
		dc.Out = out
		started := time.Now()
		res := dump.Dump(ctx, dc, tbl, cur)
		r.rows.Add(res.Rows)

		switch res.Outcome {
		case dump.Continue:
			if err = mgr.Commit(out, res.Cursor); err != nil {
				return tableSkipped, fmt.Errorf("%w: %w", dump.ErrOutput, err)
			}
			r.logger.Debugf("checkpoint: table=%s cursor=%s rows=%d took=%s", t.Name, res.Cursor, res.Rows, time.Since(started).Round(time.Millisecond))
			cur = res.Cursor
			if r.budget.Exceeded() {
				return tableSuspended, nil
			}
		case dump.Done:
			if err = mgr.Finish(out); err != nil {
				return tableSkipped, fmt.Errorf("%w: %w", dump.ErrOutput, err)
			}

			return tableDone, nil
		case dump.Failed:
			return r.handleFailure(ctx, mgr, out, tbl, res.Err)
		}
	}
}

func (r *DumpRunner) handleFailure(ctx context.Context, mgr *checkpoint.Manager, out *checkpoint.Output, tbl *dump.Table, cause error) (tableOutcome, error) {
	switch {
	case ctx.Err() != nil || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded):
		mgr.Discard(out)

		return tableSuspended, nil
	case errors.Is(cause, dump.ErrStructure), errors.Is(cause, dump.ErrOutput), errors.Is(cause, paginate.ErrCursorMode):
		mgr.Discard(out)

		return tableSkipped, cause
	}
	if err := dump.WriteFailure(out, tbl, cause); err != nil {
		mgr.Discard(out)

		return tableSkipped, fmt.Errorf("%w: %w", dump.ErrOutput, err)
	}
	if err := mgr.Finish(out); err != nil {
		return tableSkipped, fmt.Errorf("%w: %w", dump.ErrOutput, err)
	}

	return tableDone, cause
}

// assemble writes the artifact: header, every table's fragments in order,
// triggers, routines and footer. When any table fails to stitch the artifact
// is abandoned and every fragment is kept, so the next invocation stitches
// again.
func (r *DumpRunner) assemble(ctx context.Context, mgr *checkpoint.Manager, ordered []source.Table, dumpAs map[string]string, skipped map[string]error, res *Result) error {
	art, err := archive.Create(r.runDir, r.runID, r.codec)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			art.Abort()
		}
	}()

	if err = art.WriteHeader(archive.Header{
		Database: r.src.Database(),
		RunID:    r.runID,
		Prefix:   r.prefix,
		Created:  time.Now(),
	}); err != nil {
		return fmt.Errorf("writing artifact header: %w", err)
	}

	var stitched []string
	var stitchErrs []error
	var refs []schema.TableRef
	for _, t := range ordered {
		if cause, ok := skipped[t.Name]; ok {
			if err = art.WriteSkipped(t.Name, cause); err != nil {
				return fmt.Errorf("writing artifact: %w", err)
			}

			continue
		}
		paths, err := mgr.Stitch(art, t.Name)
		stitched = append(stitched, paths...)
		if err != nil {
			stitchErrs = append(stitchErrs, fmt.Errorf("stitching %s: %w", t.Name, err))
			r.logger.Errorf("could not stitch %s, keeping all fragments of the run: %v", t.Name, err)

			continue
		}
		if !t.IsView() {
			refs = append(refs, schema.TableRef{Name: t.Name, DumpAs: dumpAs[t.Name]})
		}
	}

	if len(stitchErrs) > 0 {
		return fmt.Errorf("%w: %w", ErrStitch, errors.Join(stitchErrs...))
	}

	exporter := schema.NewExporter(r.src, r.logger)
	warnings, err := exporter.WriteTriggers(ctx, art, refs)
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return fmt.Errorf("writing triggers: %w", err)
	}
	warnings, err = exporter.WriteRoutines(ctx, art)
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return fmt.Errorf("writing routines: %w", err)
	}
	if err = art.WriteFooter(); err != nil {
		return fmt.Errorf("writing artifact footer: %w", err)
	}

	closed = true
	summary, err := art.Close()
	if err != nil {
		return err
	}
	res.Path = summary.Path
	res.Checksum = summary.Checksum
	r.logger.Infof("wrote %s: size=%d checksum=%s", summary.Path, summary.Size, summary.Checksum)

	if err = mgr.Cleanup(stitched); err != nil {
		r.logger.Warnf("could not remove fragments: %v", err)
		res.Warnings = append(res.Warnings, err)
	}

	return nil
}
