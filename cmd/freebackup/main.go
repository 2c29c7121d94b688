package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fallen/freebackup/pkg/config"
	"github.com/fallen/freebackup/pkg/destinations"
	"github.com/fallen/freebackup/pkg/runner"
	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
)

var cli struct {
	Dump   DumpCmd   `cmd:"dump"   help:"Dump the database into the run directory, resuming an unfinished run"`
	Upload UploadCmd `cmd:"upload" help:"Ship the artifact of a finished run to its destination"`
}

// DumpCmd holds the arguments of one dump invocation. Flags that are set
// override the config file.
type DumpCmd struct {
	Config             string        `name:"config" help:"YAML config file" optional:"" type:"existingfile"`
	DSN                string        `name:"dsn" help:"DSN of the database to dump" optional:""`
	RunDir             string        `name:"run-dir" help:"Directory holding the fragments and the artifact of a run" optional:""`
	RunID              string        `name:"run-id" help:"RunID to start or resume; the latest unfinished run is resumed when empty" optional:""`
	StartedBy          string        `name:"started-by" help:"Name of the system/user who started the dump."`
	Prefix             string        `name:"prefix" help:"Table prefix of the application tables" optional:""`
	Codec              string        `name:"codec" help:"Compression of fragments and artifact: none, gzip, zstd or snappy" optional:""`
	PageSize           int           `name:"page-size" help:"Rows per SELECT" optional:""`
	PagesPerInvocation int           `name:"pages-per-invocation" help:"Pages written before a table yields a checkpoint" optional:""`
	StatementSize      int           `name:"statement-size" help:"INSERT length after which a statement is flushed" optional:""`
	DisablePrimaryKey  bool          `name:"disable-primary-key" help:"Paginate every table by offset"`
	MaxRuntime         time.Duration `name:"max-runtime" help:"Suspend the dump once it has run this long" optional:""`
	LockWaitTimeout    time.Duration `name:"lock-wait-timeout" help:"The session lock_wait_timeout" optional:""`
	ReplicaDSN         string        `name:"replica-dsn" help:"A DSN for a replica which (if specified) will be used for lag checking." optional:""`
	ReplicaMaxLag      time.Duration `name:"replica-max-lag" help:"The maximum lag allowed on the replica before the dump throttles." optional:""`
}

// UploadCmd holds the arguments required for shipping an artifact.
type UploadCmd struct {
	Config  string `name:"config" help:"YAML config file" optional:"" type:"existingfile"`
	RunDir  string `name:"run-dir" help:"Directory holding the run" optional:""`
	RunID   string `name:"run-id" help:"RunID to upload; the latest finished run when empty" optional:""`
	DstType string `name:"destination-type" help:"local or s3" optional:""`
	DstPath string `name:"destination-path" help:"Directory, or s3://bucket/prefix" optional:""`
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	return logger
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}

	return config.Load(path)
}

func (d *DumpCmd) overlay(cfg *config.Config) {
	setString(&cfg.DSN, d.DSN)
	setString(&cfg.RunDir, d.RunDir)
	setString(&cfg.RunID, d.RunID)
	setString(&cfg.StartedBy, d.StartedBy)
	setString(&cfg.Prefix, d.Prefix)
	setString(&cfg.Codec, d.Codec)
	setString(&cfg.ReplicaDSN, d.ReplicaDSN)
	setInt(&cfg.PageSize, d.PageSize)
	setInt(&cfg.PagesPerInvocation, d.PagesPerInvocation)
	setInt(&cfg.StatementSize, d.StatementSize)
	setDuration(&cfg.MaxRuntime, d.MaxRuntime)
	setDuration(&cfg.LockWaitTimeout, d.LockWaitTimeout)
	setDuration(&cfg.ReplicaMaxLag, d.ReplicaMaxLag)
	if d.DisablePrimaryKey {
		cfg.DisablePrimaryKey = true
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// Run invokes one dump invocation. A suspended dump exits cleanly; run the
// command again to continue it.
func (d *DumpCmd) Run() error {
	logger := newLogger()
	cfg, err := loadConfig(d.Config)
	if err != nil {
		return err
	}
	d.overlay(&cfg)
	if err = cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dumpRunner, err := runner.NewDumpRunner(&runner.DumpRunnerConfig{
		RunID:             cfg.RunID,
		StartedBy:         cfg.StartedBy,
		RunDir:            cfg.RunDir,
		Prefix:            cfg.Prefix,
		Codec:             cfg.CodecValue(),
		Limits:            cfg.Limits(),
		DisablePrimaryKey: cfg.DisablePrimaryKey,
		MaxRuntime:        cfg.MaxRuntime,
		DSN:               cfg.DSN,
		LockWaitTimeout:   cfg.LockWaitTimeout,
		ReplicaDSN:        cfg.ReplicaDSN,
		ReplicaMaxLag:     cfg.ReplicaMaxLag,
	}, logger)
	if err != nil {
		return fmt.Errorf("error creating dump runner: %w", err)
	}
	defer dumpRunner.Close()

	res, err := dumpRunner.Run(ctx)
	if err != nil {
		return err
	}
	if res.Status == runner.Suspended {
		return nil
	}
	if dst, _ := destinations.Parse(cfg.Upload.Type); dst != destinations.None {
		if err = upload(ctx, logger, &runner.UploadRunnerConfig{
			RunID:   res.RunID,
			RunDir:  cfg.RunDir,
			DstType: cfg.Upload.Type,
			DstPath: cfg.Upload.Path,
		}); err != nil {
			return err
		}
	}
	if res.Status == runner.Errored {
		return fmt.Errorf("dump with run-id %s finished with errors: %w", res.RunID, res.Err())
	}

	return nil
}

// Run uploads a finished run. Blocks until completion.
func (u *UploadCmd) Run() error {
	logger := newLogger()
	cfg, err := loadConfig(u.Config)
	if err != nil {
		return err
	}
	setString(&cfg.RunDir, u.RunDir)
	setString(&cfg.RunID, u.RunID)
	setString(&cfg.Upload.Type, u.DstType)
	setString(&cfg.Upload.Path, u.DstPath)
	dst, err := destinations.Parse(cfg.Upload.Type)
	if err != nil {
		return err
	}
	if dst == destinations.None {
		return fmt.Errorf("%w: a destination type is required", config.ErrInvalid)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return upload(ctx, logger, &runner.UploadRunnerConfig{
		RunID:   cfg.RunID,
		RunDir:  cfg.RunDir,
		DstType: cfg.Upload.Type,
		DstPath: cfg.Upload.Path,
	})
}

func upload(ctx context.Context, logger loggers.Advanced, c *runner.UploadRunnerConfig) error {
	uploadRunner, err := runner.NewUploadRunner(c, logger)
	if err != nil {
		return fmt.Errorf("error creating upload runner: %w", err)
	}
	defer uploadRunner.Close()

	_, err = uploadRunner.Run(ctx)

	return err
}

func main() {
	parsedCmd := kong.Parse(&cli)
	parsedCmd.FatalIfErrorf(parsedCmd.Run())
}
