// Package sqlite is the embedded RelationalStore. It is used for local
// installs and in tests; production deployments point at postgres.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/relational"
	"go.uber.org/zap"
)

const (
	DefaultFilename = "outages.sqlite"
	InmemPath       = ":memory:"
)

var _ outages.RelationalStore = (*SqlStore)(nil)

// SqlStore is a wrapper around the db and provides basic functionality for maintaining the db
// including flushing the data from the db during end-to-end testing.
type SqlStore struct {
	Mu   sync.Mutex
	DB   *sqlx.DB
	log  *zap.Logger
	path string
}

// NewSqlStore opens the database at path, creating it if necessary.
func NewSqlStore(path string, log *zap.Logger) (*SqlStore, error) {
	if path != InmemPath {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("unable to create directory for %s: %w", path, err)
		}
	}

	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	log.Info("Resources opened", zap.String("path", path))

	// an in-memory database only lives as long as its connection.
	if path == InmemPath {
		db.SetMaxOpenConns(1)
	}

	return &SqlStore{
		DB:   db,
		log:  log,
		path: path,
	}, nil
}

// Close the connection to the sqlite database
func (s *SqlStore) Close() error {
	if err := s.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Flush deletes all records for all tables in the database.
func (s *SqlStore) Flush(ctx context.Context) {
	tables, err := s.tableNames()
	if err != nil {
		s.log.Fatal("unable to flush database", zap.Error(err))
	}

	for _, t := range tables {
		stmt := fmt.Sprintf("DELETE FROM %s", t)
		if err := s.execTrans(ctx, stmt); err != nil {
			s.log.Fatal("unable to flush database", zap.Error(err))
		}
	}
	s.log.Debug("sqlite data flushed successfully")
}

// Upsert writes fields as a row of table, overwriting the row that shares conflictKey.
func (s *SqlStore) Upsert(ctx context.Context, table, conflictKey string, fields map[string]interface{}) error {
	query, args, err := relational.UpsertQuery(sq.Question, table, conflictKey, fields)
	if err != nil {
		return err
	}

	s.Mu.Lock()
	defer s.Mu.Unlock()

	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return wrapError("sqlite.Upsert", err)
	}
	return nil
}

func (s *SqlStore) execTrans(ctx context.Context, stmt string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (s *SqlStore) userVersion() (int, error) {
	var version int
	if err := s.DB.QueryRowx(`PRAGMA user_version`).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *SqlStore) tableNames() ([]string, error) {
	return s.queryToStrings(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
}

// queryToStrings runs a query returning a single string column.
func (s *SqlStore) queryToStrings(query string) ([]string, error) {
	var out []string
	if err := s.DB.Select(&out, query); err != nil {
		return nil, err
	}
	return out, nil
}

func wrapError(op string, err error) error {
	code := outages.EInternal
	var serr sqlite3.Error
	switch {
	case relational.IsConnectivity(err):
		code = outages.EUnavailable
	case errors.As(err, &serr):
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			code = outages.EUnavailable
		case sqlite3.ErrConstraint:
			code = outages.EConflict
		}
	}
	return &outages.Error{
		Code: code,
		Op:   op,
		Err:  err,
	}
}
