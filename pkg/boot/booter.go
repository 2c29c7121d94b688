// Package boot checks that a dump can run and prepares its run directory.
package boot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/siddontang/loggers"
)

const minMySQLVersion = 5

const (
	indexFile    = "index.html"
	htaccessFile = ".htaccess"
	htaccessBody = "deny from all\n"
	probeFile    = ".write-probe"
)

type Booter interface {
	PreflightChecks(ctx context.Context) error
	Setup(ctx context.Context) error
}

type DumpBooter struct {
	db     *sql.DB
	runDir string
	logger loggers.Advanced
}

type DumpBooterConfig struct {
	// DB is nil when the dump reads from something other than a server.
	DB     *sql.DB
	RunDir string
	Logger loggers.Advanced
}

func NewDumpBooter(cfg *DumpBooterConfig) *DumpBooter {
	return &DumpBooter{
		db:     cfg.DB,
		runDir: cfg.RunDir,
		logger: cfg.Logger,
	}
}

// PreflightChecks verifies the server answers and is recent enough, and that
// the run directory exists and is writable.
func (b *DumpBooter) PreflightChecks(ctx context.Context) error {
	if b.db != nil {
		if err := b.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database is not reachable: %w", err)
		}
		version, ok := isMySQLVersionCompatible(ctx, b.db)
		if !ok {
			return fmt.Errorf("MySQL %d.0 or later is required, server reports %q", minMySQLVersion, version)
		}
		b.logger.Infof("connected to server version %s", version)
	}
	if err := os.MkdirAll(b.runDir, 0o700); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}
	probe := filepath.Join(b.runDir, probeFile)
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return fmt.Errorf("run directory %s is not writable: %w", b.runDir, err)
	}

	return os.Remove(probe)
}

// Setup drops the files that keep a web server from listing or serving the
// run directory. Existing files are left alone.
func (b *DumpBooter) Setup(_ context.Context) error {
	for name, body := range map[string]string{indexFile: "", htaccessFile: htaccessBody} {
		path := filepath.Join(b.runDir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return err
		}
		_, err = f.WriteString(body)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// isMySQLVersionCompatible returns the server version and whether its major
// version is at least minMySQLVersion. MariaDB reports 10 and up.
func isMySQLVersionCompatible(ctx context.Context, db *sql.DB) (string, bool) {
	var version string
	if err := db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return "", false // can't tell
	}

	return version, majorVersion(version) >= minMySQLVersion
}

func majorVersion(version string) int {
	major, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0
	}

	return n
}
