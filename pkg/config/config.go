// Package config loads dump settings from a YAML file. Command line flags
// are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/fallen/freebackup/pkg/destinations"
	"github.com/fallen/freebackup/pkg/dump"
	"github.com/fallen/freebackup/pkg/order"
	"github.com/fallen/freebackup/pkg/sink"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

// Run ids prefix every file of a run, so they must not contain the "-" that
// separates the prefix from the table name.
var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

type Upload struct {
	Type string `yaml:"type" json:"type"`
	Path string `yaml:"path" json:"path"`
}

type Config struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	ReplicaDSN      string        `yaml:"replica_dsn" json:"replica_dsn"`
	ReplicaMaxLag   time.Duration `yaml:"replica_max_lag" json:"replica_max_lag"`
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout" json:"lock_wait_timeout"`

	RunDir    string `yaml:"run_dir" json:"run_dir"`
	RunID     string `yaml:"run_id" json:"run_id"`
	StartedBy string `yaml:"started_by" json:"started_by"`
	Prefix    string `yaml:"table_prefix" json:"table_prefix"`
	Codec     string `yaml:"codec" json:"codec"`

	PageSize           int  `yaml:"page_size" json:"page_size"`
	PagesPerInvocation int  `yaml:"pages_per_invocation" json:"pages_per_invocation"`
	StatementSize      int  `yaml:"statement_size" json:"statement_size"`
	DisablePrimaryKey  bool `yaml:"disable_primary_key" json:"disable_primary_key"`

	// MaxRuntime bounds one invocation; zero means no bound.
	MaxRuntime time.Duration `yaml:"max_runtime" json:"max_runtime"`

	Upload Upload `yaml:"upload" json:"upload"`
}

func Default() Config {
	limits := dump.DefaultLimits()

	return Config{
		ReplicaMaxLag:      120 * time.Second,
		LockWaitTimeout:    30 * time.Second,
		RunDir:             "backups",
		Prefix:             order.DefaultPrefix,
		Codec:              sink.Gzip.Name,
		PageSize:           limits.PageSize,
		PagesPerInvocation: limits.PagesPerInvocation,
		StatementSize:      limits.StatementSize,
		Upload:             Upload{Type: destinations.None.String()},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err = dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DSN == "" {
		errs = append(errs, errors.New("dsn is required"))
	}
	if c.RunDir == "" {
		errs = append(errs, errors.New("run_dir is required"))
	}
	if c.RunID != "" && !runIDPattern.MatchString(c.RunID) {
		errs = append(errs, fmt.Errorf("run_id %q may only contain letters, digits and underscores", c.RunID))
	}
	if _, err := sink.ByName(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.PageSize <= 0 {
		errs = append(errs, errors.New("page_size must be positive"))
	}
	if c.PagesPerInvocation <= 0 {
		errs = append(errs, errors.New("pages_per_invocation must be positive"))
	}
	if c.StatementSize <= 0 {
		errs = append(errs, errors.New("statement_size must be positive"))
	}
	if c.MaxRuntime < 0 {
		errs = append(errs, errors.New("max_runtime must not be negative"))
	}
	dst, err := destinations.Parse(c.Upload.Type)
	if err != nil {
		errs = append(errs, err)
	} else if dst != destinations.None && c.Upload.Path == "" {
		errs = append(errs, fmt.Errorf("upload path is required for %s", dst))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}

	return nil
}

// Limits returns the table writer limits of c.
func (c *Config) Limits() dump.Limits {
	return dump.Limits{
		PageSize:           c.PageSize,
		PagesPerInvocation: c.PagesPerInvocation,
		StatementSize:      c.StatementSize,
	}
}

func (c *Config) CodecValue() sink.Codec {
	codec, err := sink.ByName(c.Codec)
	if err != nil {
		return sink.Gzip
	}

	return codec
}
