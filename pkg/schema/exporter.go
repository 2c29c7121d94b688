package schema

import (
	"context"
	"fmt"
	"io"

	"github.com/fallen/freebackup/pkg/source"
	"github.com/siddontang/loggers"
)

// TableRef is a dumped table and the name it is restored under.
type TableRef struct {
	Name   string
	DumpAs string
}

// Exporter writes the trigger and routine blocks. Failing to read a trigger or
// routine is reported as a warning and the object is left out; failing to
// write is an error.
type Exporter struct {
	src    source.Source
	logger loggers.Advanced
}

func NewExporter(src source.Source, logger loggers.Advanced) *Exporter {
	return &Exporter{src: src, logger: logger}
}

// WriteTriggers writes a DROP and CREATE pair for every trigger of tables, in
// table order, between DELIMITER ;; and DELIMITER ;. Nothing is written when
// there are no triggers.
func (e *Exporter) WriteTriggers(ctx context.Context, w io.Writer, tables []TableRef) ([]error, error) {
	var warnings []error
	type tableTriggers struct {
		ref      TableRef
		triggers []source.Trigger
	}
	var found []tableTriggers
	for _, ref := range tables {
		triggers, err := e.src.Triggers(ctx, ref.Name)
		if err != nil {
			e.logger.Warnf("could not read triggers of %s: %v", ref.Name, err)
			warnings = append(warnings, fmt.Errorf("triggers of %s: %w", ref.Name, err))

			continue
		}
		if len(triggers) > 0 {
			found = append(found, tableTriggers{ref: ref, triggers: triggers})
		}
	}
	if len(found) == 0 {
		return warnings, nil
	}

	out := &errWriter{w: w}
	out.printf("DELIMITER ;;\n\n")
	for _, tt := range found {
		out.printf("\n\n# Triggers of %s\n\n", source.Quote(tt.ref.Name))
		dumpAs := tt.ref.DumpAs
		if dumpAs == "" {
			dumpAs = tt.ref.Name
		}
		for _, tr := range tt.triggers {
			out.printf("DROP TRIGGER IF EXISTS %s;;\n", source.Quote(tr.Name))
			out.printf("CREATE TRIGGER %s %s %s ON %s FOR EACH ROW %s;;\n\n",
				source.Quote(tr.Name), tr.Timing, tr.Event, source.Quote(dumpAs), tr.Statement)
		}
	}
	out.printf("DELIMITER ;\n\n")

	return warnings, out.err
}

// WriteRoutines writes functions and procedures of the database, each as a
// DROP and the server's CREATE text, between DELIMITER ;; and DELIMITER ;.
func (e *Exporter) WriteRoutines(ctx context.Context, w io.Writer) ([]error, error) {
	routines, err := e.src.Routines(ctx)
	if err != nil {
		e.logger.Warnf("could not list stored routines: %v", err)

		return []error{fmt.Errorf("listing routines: %w", err)}, nil
	}
	if len(routines) == 0 {
		return nil, nil
	}

	var warnings []error
	out := &errWriter{w: w}
	out.printf("\n\n# Dumping routines for database %s\n\n", source.Quote(e.src.Database()))
	out.printf("DELIMITER ;;\n\n")
	for _, r := range routines {
		def, err := e.src.RoutineDefinition(ctx, r)
		if err != nil {
			e.logger.Warnf("could not read %s %s: %v", r.Type, r.Name, err)
			warnings = append(warnings, fmt.Errorf("%s %s: %w", r.Type, r.Name, err))

			continue
		}
		out.printf("DROP %s IF EXISTS %s;;\n\n", r.Type, source.Quote(r.Name))
		out.printf("%s\n\n;;\n\n", def)
	}
	out.printf("DELIMITER ;\n\n")

	return warnings, out.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...interface{}) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
