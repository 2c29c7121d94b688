package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fallen/freebackup/pkg/archive"
	"github.com/fallen/freebackup/pkg/audit"
	"github.com/fallen/freebackup/pkg/upload"
	"github.com/siddontang/loggers"
)

// UploadRunner ships the artifact of a finished run.
type UploadRunner struct {
	store    *audit.Store
	uploader upload.Uploader
	logger   loggers.Advanced

	runID   string
	runDir  string
	dstType string
	dstPath string
	loader  upload.ConfigLoader
}

type UploadRunnerConfig struct {
	RunID   string
	RunDir  string
	DstType string
	DstPath string
	// Uploader replaces the one made from DstType and DstPath.
	Uploader upload.Uploader
}

func NewUploadRunner(c *UploadRunnerConfig, logger loggers.Advanced) (*UploadRunner, error) {
	if c.RunDir == "" {
		return nil, errors.New("run directory is required")
	}

	return &UploadRunner{
		store:    audit.NewStore(c.RunDir),
		uploader: c.Uploader,
		logger:   logger,
		runID:    c.RunID,
		runDir:   c.RunDir,
		dstType:  c.DstType,
		dstPath:  c.DstPath,
		loader:   awsConfigLoader,
	}, nil
}

// Run uploads the artifact recorded for the run, or for the most recent
// finished run when no run id is set. The file is re-hashed first so a
// corrupted artifact is never shipped.
func (u *UploadRunner) Run(ctx context.Context) (*Result, error) {
	rec, err := u.record()
	if err != nil {
		return nil, err
	}
	status, err := parseStatus(rec.Status)
	if err != nil {
		return nil, err
	}
	if !status.finished() || rec.Artifact == "" {
		return nil, fmt.Errorf("run-id %s has no artifact yet, status is %s", rec.RunID, rec.Status)
	}
	path := filepath.Join(u.runDir, rec.Artifact)
	sum, err := archive.Checksum(path)
	if err != nil {
		return nil, err
	}
	if rec.Checksum != "" && sum != rec.Checksum {
		return nil, fmt.Errorf("artifact %s has checksum %s, expected %s", path, sum, rec.Checksum)
	}

	if u.uploader == nil {
		if u.uploader, err = upload.NewUploader(ctx, u.dstType, u.dstPath, u.loader); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	u.logger.Infof("uploading %s to %s %s", path, u.dstType, u.dstPath)
	if err = u.uploader.Upload(ctx, path, sum); err != nil {
		return nil, err
	}
	u.logger.Infof("uploaded %s in %s", path, time.Since(start).Round(time.Millisecond))

	return &Result{RunID: rec.RunID, Status: status, Path: path, Checksum: sum}, nil
}

func (u *UploadRunner) record() (*audit.Record, error) {
	if u.runID != "" {
		return u.store.Load(u.runID)
	}

	return u.store.Latest(func(r *audit.Record) bool {
		status, err := parseStatus(r.Status)

		return err == nil && status.finished()
	})
}

func (u *UploadRunner) Close() error {
	return nil
}

func awsConfigLoader(ctx context.Context, _ ...func(*config.LoadOptions) error) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx)
}
