package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileUploader copies artifacts into a local directory, for example a mounted
// backup volume.
type FileUploader struct {
	dir string
}

func NewFileUploader(dir string) *FileUploader {
	return &FileUploader{
		dir: dir,
	}
}

func (u *FileUploader) Upload(ctx context.Context, path string, _ string) error {
	if err := os.MkdirAll(u.dir, 0o700); err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst := filepath.Join(u.dir, filepath.Base(path))
	tmp, err := os.CreateTemp(u.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	_, err = io.Copy(tmp, &ctxReader{ctx: ctx, r: src})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to copy %s to %s: %w", path, u.dir, err)
	}

	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context //nolint:containedctx
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
