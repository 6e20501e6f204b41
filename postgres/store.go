// Package postgres is the production RelationalStore.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/relational"
	"go.uber.org/zap"
)

const (
	DefaultMaxOpenConns    = 8
	DefaultConnMaxLifetime = 5 * time.Minute

	// schemaTableName records the applied schema scripts.
	schemaTableName = "outages_schema_migrations"
)

var _ outages.RelationalStore = (*Store)(nil)

// Config locates the database.
type Config struct {
	// DSN is a lib/pq connection string or URL.
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Store implements outages.RelationalStore for Postgres.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewStore opens a connection pool and verifies the database is reachable.
func NewStore(ctx context.Context, log *zap.Logger, config Config) (*Store, error) {
	if config.DSN == "" {
		return nil, &outages.Error{
			Code: outages.EInvalid,
			Op:   "postgres.NewStore",
			Msg:  "postgres dsn is required",
		}
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, wrapError("postgres.NewStore", err)
	}

	maxOpen := config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenConns
	}
	lifetime := config.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = DefaultConnMaxLifetime
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxLifetime(lifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrapError("postgres.NewStore", err)
	}
	log.Info("Resources opened", zap.Int("max_open_conns", maxOpen))

	return &Store{db: db, log: log}, nil
}

// DB exposes the pool for callers that read the relocated rows.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing postgres: %w", err)
	}
	return nil
}

// Upsert writes fields as a row of table, overwriting the row that shares conflictKey.
func (s *Store) Upsert(ctx context.Context, table, conflictKey string, fields map[string]interface{}) error {
	query, args, err := relational.UpsertQuery(sq.Dollar, table, conflictKey, fields)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return wrapError("postgres.Upsert", err)
	}
	return nil
}

// Up applies the scripts in source that have not been recorded yet, each in
// its own transaction.
func (s *Store) Up(ctx context.Context, source embed.FS) error {
	list, err := source.ReadDir(".")
	if err != nil {
		return err
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`, schemaTableName)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return wrapError("postgres.Up", err)
	}

	var current int
	if err := s.db.GetContext(ctx, &current, fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s`, schemaTableName)); err != nil {
		return wrapError("postgres.Up", err)
	}

	for _, f := range list {
		n := f.Name()
		if !strings.HasSuffix(n, ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.Split(n, "_")[0])
		if err != nil {
			return fmt.Errorf("migration %s is not numbered: %w", n, err)
		}
		if v <= current {
			continue
		}

		b, err := source.ReadFile(n)
		if err != nil {
			return err
		}

		s.log.Info("Executing relational migration", zap.String("migration_name", n))
		if err := s.apply(ctx, v, n, string(b)); err != nil {
			return wrapError("postgres.Up", fmt.Errorf("migration %s: %w", n, err))
		}
		current = v
	}
	return nil
}

func (s *Store) apply(ctx context.Context, version int, name, script string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		tx.Rollback()
		return err
	}
	record := fmt.Sprintf(`INSERT INTO %s (version, name) VALUES ($1, $2)`, schemaTableName)
	if _, err := tx.ExecContext(ctx, record, version, name); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// wrapError classifies err by SQLSTATE class. 08, 53 and 57 mean the server
// is not serving requests, 23 is a constraint violation and 22 bad data.
func wrapError(op string, err error) error {
	code := outages.EInternal
	var perr *pq.Error
	switch {
	case relational.IsConnectivity(err):
		code = outages.EUnavailable
	case errors.As(err, &perr):
		switch perr.Code.Class() {
		case "08", "53", "57":
			code = outages.EUnavailable
		case "23":
			code = outages.EConflict
		case "22":
			code = outages.EInvalid
		}
	}
	return &outages.Error{
		Code: code,
		Op:   op,
		Err:  err,
	}
}
