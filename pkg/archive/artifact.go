// Package archive writes the final dump file of a run.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fallen/freebackup/pkg/sink"
	"github.com/fallen/freebackup/pkg/source"
	"github.com/zeebo/xxh3"
)

const tmpSuffix = ".tmp"

// FileName is the artifact's name in the run directory.
func FileName(runID string, codec sink.Codec) string {
	return runID + "-db.sql" + codec.Ext
}

// Header is what the artifact's leading comment block records.
type Header struct {
	Database string
	RunID    string
	Prefix   string
	Created  time.Time
}

// Summary describes a closed artifact. Checksum is the xxh3-64 of the bytes
// on disk, so it matches what an upload ships.
type Summary struct {
	Path     string
	Checksum string
	Size     int64
}

// Artifact is written under a temporary name and renamed on Close, so a
// complete artifact never coexists with a half written one.
type Artifact struct {
	path   string
	tmp    string
	f      *os.File
	w      io.WriteCloser
	hash   *xxh3.Hasher
	size   countingWriter
	closed bool
}

func Create(dir, runID string, codec sink.Codec) (*Artifact, error) {
	path := filepath.Join(dir, FileName(runID, codec))
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating artifact: %w", err)
	}
	a := &Artifact{path: path, tmp: tmp, f: f, hash: xxh3.New()}
	a.w, err = sink.WrapWriter(io.MultiWriter(f, a.hash, &a.size), codec)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)

		return nil, fmt.Errorf("creating artifact: %w", err)
	}

	return a, nil
}

func (a *Artifact) Path() string {
	return a.path
}

func (a *Artifact) Write(p []byte) (int, error) {
	return a.w.Write(p)
}

func (a *Artifact) WriteHeader(h Header) error {
	_, err := fmt.Fprintf(a,
		"# Database dump of %s\n# Run: %s\n# Created: %s\n# Table prefix: %s\n\n"+
			"/*!40101 SET @OLD_CHARACTER_SET_CLIENT=@@CHARACTER_SET_CLIENT */;\n"+
			"/*!40101 SET @OLD_CHARACTER_SET_RESULTS=@@CHARACTER_SET_RESULTS */;\n"+
			"/*!40101 SET @OLD_COLLATION_CONNECTION=@@COLLATION_CONNECTION */;\n"+
			"/*!40101 SET NAMES utf8mb4 */;\n"+
			"/*!40103 SET @OLD_TIME_ZONE=@@TIME_ZONE */;\n"+
			"/*!40103 SET TIME_ZONE='+00:00' */;\n"+
			"/*!40014 SET @OLD_FOREIGN_KEY_CHECKS=@@FOREIGN_KEY_CHECKS, FOREIGN_KEY_CHECKS=0 */;\n"+
			"/*!40101 SET @OLD_SQL_MODE=@@SQL_MODE, SQL_MODE='NO_AUTO_VALUE_ON_ZERO' */;\n\n",
		source.Quote(h.Database), h.RunID, h.Created.UTC().Format(time.RFC3339), h.Prefix)

	return err
}

// WriteSkipped records a table that has no complete output in this run.
func (a *Artifact) WriteSkipped(table string, cause error) error {
	_, err := fmt.Fprintf(a, "\n# Skipped table %s: %s\n\n", source.Quote(table), oneLine(cause))

	return err
}

func (a *Artifact) WriteFooter() error {
	_, err := io.WriteString(a,
		"/*!40101 SET SQL_MODE=@OLD_SQL_MODE */;\n"+
			"/*!40014 SET FOREIGN_KEY_CHECKS=@OLD_FOREIGN_KEY_CHECKS */;\n"+
			"/*!40103 SET TIME_ZONE=@OLD_TIME_ZONE */;\n"+
			"/*!40101 SET CHARACTER_SET_CLIENT=@OLD_CHARACTER_SET_CLIENT */;\n"+
			"/*!40101 SET CHARACTER_SET_RESULTS=@OLD_CHARACTER_SET_RESULTS */;\n"+
			"/*!40101 SET COLLATION_CONNECTION=@OLD_COLLATION_CONNECTION */;\n")

	return err
}

// Close flushes the codec, syncs and renames the artifact into place.
func (a *Artifact) Close() (Summary, error) {
	if a.closed {
		return Summary{}, errors.New("artifact already closed")
	}
	a.closed = true
	err := a.w.Close()
	if err == nil {
		err = a.f.Sync()
	}
	if cerr := a.f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(a.tmp, a.path)
	}
	if err != nil {
		_ = os.Remove(a.tmp)

		return Summary{}, fmt.Errorf("closing artifact: %w", err)
	}

	return Summary{
		Path:     a.path,
		Checksum: FormatChecksum(a.hash.Sum64()),
		Size:     a.size.n,
	}, nil
}

// Abort drops the temporary artifact.
func (a *Artifact) Abort() {
	if a.closed {
		return
	}
	a.closed = true
	_ = a.w.Close()
	_ = a.f.Close()
	_ = os.Remove(a.tmp)
}

func FormatChecksum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// Checksum hashes a file the same way Close does.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxh3.New()
	if _, err = io.Copy(h, f); err != nil {
		return "", err
	}

	return FormatChecksum(h.Sum64()), nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))

	return len(p), nil
}

func oneLine(err error) string {
	if err == nil {
		return "unknown error"
	}

	return strings.NewReplacer("\n", " ", "\r", " ").Replace(err.Error())
}
