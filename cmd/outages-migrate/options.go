package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/wickedlab/outages/bolt"
	"github.com/wickedlab/outages/internal/fs"
	"github.com/wickedlab/outages/kit/cli"
	"github.com/wickedlab/outages/migration"
	"github.com/wickedlab/outages/sqlite"
	"go.uber.org/zap/zapcore"
)

const (
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendInmem  = "inmem"

	RelationalNone     = "none"
	RelationalSqlite   = "sqlite"
	RelationalPostgres = "postgres"

	defaultPushJob = "outages_migrate"
)

// migrateOpts holds every setting of the command. Values come from flags,
// OUTAGES_* environment variables or the config file, in that order of precedence.
type migrateOpts struct {
	LogLevel  zapcore.Level
	LogFormat string

	Backend     string
	BoltPath    string
	BoltTimeout time.Duration
	BadgerDir   string

	Relational  string
	SqlitePath  string
	PostgresDSN string

	PageSize    int
	Concurrency int
	ScanPattern string
	RunTimeout  time.Duration

	PushgatewayURL string
	PushgatewayJob string
}

func newOpts(dir string) *migrateOpts {
	return &migrateOpts{
		LogLevel:  zapcore.InfoLevel,
		LogFormat: "auto",

		Backend:     BackendBolt,
		BoltPath:    filepath.Join(dir, bolt.DefaultFilename),
		BoltTimeout: bolt.DefaultOpenTimeout,
		BadgerDir:   filepath.Join(dir, "badger"),

		Relational: RelationalNone,
		SqlitePath: filepath.Join(dir, sqlite.DefaultFilename),

		PageSize:    migration.DefaultPageSize,
		Concurrency: migration.DefaultConcurrency,
		ScanPattern: migration.DefaultScanPattern,

		PushgatewayJob: defaultPushJob,
	}
}

func defaultDir() (string, error) {
	dir, err := fs.OutagesDir()
	if err != nil {
		return "", fmt.Errorf("error fetching default data dir: %w", err)
	}
	return dir, nil
}

func (o *migrateOpts) bindCliOpts() []cli.Opt {
	return []cli.Opt{
		{
			DestP:   &o.LogLevel,
			Flag:    "log-level",
			Default: o.LogLevel,
			Desc:    "supported log levels are debug, info, warn and error",
		},
		{
			DestP:   &o.LogFormat,
			Flag:    "log-format",
			Default: o.LogFormat,
			Desc:    "log encoding, one of auto, console, json or logfmt",
		},
		{
			DestP:   &o.Backend,
			Flag:    "backend",
			Default: o.Backend,
			Desc:    "key store backend, one of bolt, badger or inmem",
			Short:   'b',
		},
		{
			DestP:   &o.BoltPath,
			Flag:    "bolt-path",
			Default: o.BoltPath,
			Desc:    "path to the bolt key store",
		},
		{
			DestP:   &o.BoltTimeout,
			Flag:    "bolt-timeout",
			Default: o.BoltTimeout,
			Desc:    "how long to wait for the bolt file lock",
		},
		{
			DestP:   &o.BadgerDir,
			Flag:    "badger-dir",
			Default: o.BadgerDir,
			Desc:    "directory of the badger key store",
		},
		{
			DestP:   &o.Relational,
			Flag:    "relational",
			Default: o.Relational,
			Desc:    "relational store records are relocated to, one of none, sqlite or postgres",
		},
		{
			DestP:   &o.SqlitePath,
			Flag:    "sqlite-path",
			Default: o.SqlitePath,
			Desc:    "path to the sqlite database",
		},
		{
			DestP: &o.PostgresDSN,
			Flag:  "postgres-dsn",
			Desc:  "postgres connection string",
		},
		{
			DestP:   &o.PageSize,
			Flag:    "page-size",
			Default: o.PageSize,
			Desc:    "keys requested per scan page",
		},
		{
			DestP:   &o.Concurrency,
			Flag:    "concurrency",
			Default: o.Concurrency,
			Desc:    "keys of a page transformed at once",
			Short:   'c',
		},
		{
			DestP:   &o.ScanPattern,
			Flag:    "scan-pattern",
			Default: o.ScanPattern,
			Desc:    "glob limiting the keys each step visits",
		},
		{
			DestP: &o.RunTimeout,
			Flag:  "run-timeout",
			Desc:  "abort the run after this long, 0 waits forever",
		},
		{
			DestP: &o.PushgatewayURL,
			Flag:  "pushgateway-url",
			Desc:  "push migration metrics to this Pushgateway when set",
		},
		{
			DestP:   &o.PushgatewayJob,
			Flag:    "pushgateway-job",
			Default: o.PushgatewayJob,
			Desc:    "job name metrics are pushed under",
		},
	}
}

func (o *migrateOpts) validate() error {
	switch o.Backend {
	case BackendBolt, BackendBadger, BackendInmem:
	default:
		return fmt.Errorf("unknown backend %q", o.Backend)
	}

	switch o.Relational {
	case RelationalNone, "":
	case RelationalSqlite:
	case RelationalPostgres:
		if o.PostgresDSN == "" {
			return fmt.Errorf("--postgres-dsn is required with --relational=%s", RelationalPostgres)
		}
	default:
		return fmt.Errorf("unknown relational store %q", o.Relational)
	}

	if o.PageSize <= 0 {
		return fmt.Errorf("--page-size must be positive")
	}
	if o.Concurrency <= 0 {
		return fmt.Errorf("--concurrency must be positive")
	}
	return nil
}
