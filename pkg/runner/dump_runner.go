package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/block/spirit/pkg/throttler"
	"github.com/fallen/freebackup/pkg/audit"
	"github.com/fallen/freebackup/pkg/boot"
	"github.com/fallen/freebackup/pkg/dump"
	"github.com/fallen/freebackup/pkg/random"
	"github.com/fallen/freebackup/pkg/sink"
	"github.com/fallen/freebackup/pkg/source"
	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type DumpRunner struct {
	src       source.Source
	mysql     *source.MySQL
	replicaDB *sql.DB
	thtl      throttler.Throttler
	budget    Budget
	store     *audit.Store
	logger    loggers.Advanced
	logFile   *os.File
	logOut    io.Writer

	runID             string
	startedBy         string
	runDir            string
	prefix            string
	codec             sink.Codec
	limits            dump.Limits
	disablePrimaryKey bool
	maxRuntime        time.Duration
	dsn               string
	lockWaitTimeout   time.Duration
	replicaDSN        string
	replicaMaxLag     time.Duration
	startTime         time.Time

	// progress, read by writeStatus
	mu           sync.Mutex
	currentTable string
	tablesDone   atomic.Int64
	tablesTotal  atomic.Int64
	rows         atomic.Int64
}

type DumpRunnerConfig struct {
	RunID             string
	StartedBy         string
	RunDir            string
	Prefix            string
	Codec             sink.Codec
	Limits            dump.Limits
	DisablePrimaryKey bool
	MaxRuntime        time.Duration
	DSN               string
	LockWaitTimeout   time.Duration
	ReplicaDSN        string
	ReplicaMaxLag     time.Duration

	// Source replaces the connection made from DSN.
	Source source.Source
	// Budget replaces the one made from MaxRuntime.
	Budget Budget
	// Throttler replaces the one made from ReplicaDSN.
	Throttler throttler.Throttler
}

func NewDumpRunner(c *DumpRunnerConfig, logger loggers.Advanced) (*DumpRunner, error) {
	if c.RunDir == "" {
		return nil, errors.New("run directory is required")
	}
	if c.Source == nil && c.DSN == "" {
		return nil, errors.New("a dsn or a source is required")
	}
	limits := c.Limits
	defaults := dump.DefaultLimits()
	if limits.PageSize <= 0 {
		limits.PageSize = defaults.PageSize
	}
	if limits.PagesPerInvocation <= 0 {
		logger.Warnf("pages-per-invocation not set, using default value of %d", defaults.PagesPerInvocation)
		limits.PagesPerInvocation = defaults.PagesPerInvocation
	}
	if limits.StatementSize <= 0 {
		limits.StatementSize = defaults.StatementSize
	}
	codec := c.Codec
	if codec.Name == "" {
		codec = sink.Gzip
	}

	return &DumpRunner{
		src:               c.Source,
		thtl:              c.Throttler,
		budget:            c.Budget,
		store:             audit.NewStore(c.RunDir),
		logger:            logger,
		runID:             c.RunID,
		startedBy:         c.StartedBy,
		runDir:            c.RunDir,
		prefix:            c.Prefix,
		codec:             codec,
		limits:            limits,
		disablePrimaryKey: c.DisablePrimaryKey,
		maxRuntime:        c.MaxRuntime,
		dsn:               c.DSN,
		lockWaitTimeout:   c.LockWaitTimeout,
		replicaDSN:        c.ReplicaDSN,
		replicaMaxLag:     c.ReplicaMaxLag,
	}, nil
}

// RunID is known once Run has resolved it.
func (r *DumpRunner) RunID() string {
	return r.runID
}

// Run dumps as much as the budget allows. A suspended result means Run should
// be called again later with the same run directory; no error is returned
// for it.
func (r *DumpRunner) Run(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.startTime = time.Now()
	if r.budget == nil {
		r.budget = NewDeadline(r.maxRuntime)
	}
	if err := r.setupSource(ctx); err != nil {
		return nil, err
	}
	if err := r.boot(ctx); err != nil {
		return nil, err
	}
	if err := r.prepare(); err != nil {
		return nil, err
	}
	r.attachLogFile()

	done, err := checkIfSuccessfullyRan(r.store, r.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to check if successfully ran: %w", err)
	}
	if done != nil {
		r.logger.Infof("dump with run-id:%s already %s, skipping", r.runID, done.Status)
		status, _ := parseStatus(done.Status)

		return &Result{
			RunID:    r.runID,
			Status:   status,
			Path:     filepath.Join(r.runDir, done.Artifact),
			Checksum: done.Checksum,
		}, nil
	}

	rec, err := r.startRecord()
	if err != nil {
		return nil, err
	}
	r.logger.Infof("starting dump: run-id=%s try=%d database=%s run-dir=%s codec=%s page-size=%d pages-per-invocation=%d",
		r.runID, rec.TryNum, r.src.Database(), r.runDir, r.codec.Name, r.limits.PageSize, r.limits.PagesPerInvocation)

	if r.thtl == nil {
		if r.thtl, err = r.getThrottler(); err != nil {
			return nil, err
		}
	}

	var res *Result
	var dumpErr error
	g, statusCtx := errgroup.WithContext(ctx)
	statusCtx, stopStatus := context.WithCancel(statusCtx)
	g.Go(func() error {
		r.writeStatus(statusCtx)

		return nil
	})
	g.Go(func() error {
		defer stopStatus()
		res, dumpErr = r.dumpAll(ctx)

		return nil
	})
	_ = g.Wait()

	if dumpErr != nil {
		rec.Status = Failed.String()
		r.saveRecord(rec)
		r.logger.Errorf("dump with run-id: %s failed: %v", r.runID, dumpErr)

		return nil, dumpErr
	}
	res.RunID = r.runID
	res.Rows = r.rows.Load()
	rec.Status = res.Status.String()
	rec.Errors = len(res.Errors)
	rec.Warnings = len(res.Warnings)
	if res.Path != "" {
		rec.Artifact = filepath.Base(res.Path)
		rec.Checksum = res.Checksum
	}
	r.saveRecord(rec)

	switch res.Status {
	case Suspended:
		r.logger.Infof("dump with run-id: %s suspended after %s, %d tables complete; run again to continue",
			r.runID, time.Since(r.startTime).Round(time.Second), r.tablesDone.Load())
	case Errored:
		r.logger.Warnf("dump with run-id: %s wrote %s with %d errors", r.runID, res.Path, len(res.Errors))
	default:
		r.logger.Infof("dump with run-id: %s completed successfully: artifact=%s checksum=%s", r.runID, res.Path, res.Checksum)
	}

	return res, nil
}

func (r *DumpRunner) setupSource(ctx context.Context) error {
	if r.src != nil {
		return nil
	}
	m, err := source.OpenMySQL(ctx, &source.MySQLConfig{
		DSN:             r.dsn,
		LockWaitTimeout: int(r.lockWaitTimeout.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("error setting up db: %w", err)
	}
	r.mysql = m
	r.src = m
	r.replicaDB, err = setupReplicaDB(setupDBConfig(r.lockWaitTimeout), r.replicaDSN)
	if err != nil {
		return fmt.Errorf("error setting up replica-db: %w", err)
	}

	return nil
}

// boot runs the preflight checks and prepares the run directory.
func (r *DumpRunner) boot(ctx context.Context) error {
	var db *sql.DB
	if r.mysql != nil {
		db = r.mysql.DB()
	}
	b := boot.NewDumpBooter(&boot.DumpBooterConfig{
		DB:     db,
		RunDir: r.runDir,
		Logger: r.logger,
	})
	if err := b.PreflightChecks(ctx); err != nil {
		return fmt.Errorf("failed preflight checks: %w", err)
	}
	if err := b.Setup(ctx); err != nil {
		return fmt.Errorf("failed booter setup: %w", err)
	}

	return nil
}

// prepare resumes the latest unfinished run when no run id was given, and
// generates a new id when there is none.
func (r *DumpRunner) prepare() error {
	if r.runID != "" {
		return nil
	}
	id, err := latestUnfinished(r.store)
	if err != nil {
		return fmt.Errorf("reading run records: %w", err)
	}
	if id != "" {
		r.logger.Infof("resuming unfinished run-id=%s", id)
		r.runID = id

		return nil
	}
	r.runID = random.ID()

	return nil
}

func (r *DumpRunner) startRecord() (*audit.Record, error) {
	rec, err := r.store.Load(r.runID)
	switch {
	case errors.Is(err, audit.ErrNotFound):
		rec = &audit.Record{
			RunID:     r.runID,
			TryNum:    1,
			StartedBy: r.startedBy,
			Database:  r.src.Database(),
			Codec:     r.codec.Name,
		}
	case err != nil:
		return nil, err
	default:
		rec.TryNum++
		r.logger.Warnf("resuming %s run with run-id: %s, try_num: %d", rec.Status, r.runID, rec.TryNum)
	}
	rec.Status = Running.String()
	if err = r.store.Save(rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// saveRecord logs instead of failing; the files on disk are what resumption
// relies on.
func (r *DumpRunner) saveRecord(rec *audit.Record) {
	if err := r.store.Save(rec); err != nil {
		r.logger.Errorf("error writing run record: %v", err)
	}
}

// attachLogFile copies the log to log.{run}.txt in the run directory when the
// logger is a logrus logger.
func (r *DumpRunner) attachLogFile() {
	l, ok := r.logger.(*logrus.Logger)
	if !ok || r.logFile != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(r.runDir, audit.LogName(r.runID)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		r.logger.Warnf("could not open run log: %v", err)

		return
	}
	r.logFile = f
	r.logOut = l.Out
	l.SetOutput(io.MultiWriter(l.Out, f))
}

// getThrottler returns a throttler based on the replica connection. Returns a Noop throttler if the replica connection is nil.
func (r *DumpRunner) getThrottler() (throttler.Throttler, error) {
	var err error
	var thtl throttler.Throttler
	if r.replicaDB != nil {
		// A replica that was asked for but cannot be checked is fatal.
		thtl, err = throttler.NewReplicationThrottler(r.replicaDB, r.replicaMaxLag, slog.Default())
		if err != nil {
			r.logger.Warnf("could not create replication throttler: %v", err)

			return nil, err
		}
	} else {
		thtl = &throttler.Noop{}
	}

	err = thtl.Open(context.Background())
	if err != nil {
		r.logger.Warnf("could not open throttler: %v", err)

		return nil, err
	}

	return thtl, nil
}

func (r *DumpRunner) setCurrentTable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentTable = name
}

func (r *DumpRunner) getCurrentTable() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.currentTable
}

func (r *DumpRunner) writeStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logger.Infof("dump status: table=%s tables=%d/%d rows=%d total-time=%s is-throttled=%v",
				r.getCurrentTable(),
				r.tablesDone.Load(),
				r.tablesTotal.Load(),
				r.rows.Load(),
				time.Since(r.startTime).Round(time.Second),
				r.thtl.IsThrottled(),
			)
		}
	}
}

func (r *DumpRunner) Close() error {
	var errs []error
	if r.thtl != nil {
		if err := r.thtl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing throttler: %w", err))
		}
	}
	if r.replicaDB != nil {
		if err := r.replicaDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing the replica connection: %w", err))
		}
	}
	if r.mysql != nil {
		if err := r.mysql.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing the db connection: %w", err))
		}
	}
	if r.logFile != nil {
		if l, ok := r.logger.(*logrus.Logger); ok {
			l.SetOutput(r.logOut)
		}
		if err := r.logFile.Close(); err != nil {
			errs = append(errs, err)
		}
		r.logFile = nil
	}

	return errors.Join(errs...)
}
