package main

import (
	"context"
	"fmt"

	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/badger"
	"github.com/wickedlab/outages/bolt"
	"github.com/wickedlab/outages/inmem"
	"github.com/wickedlab/outages/kv"
	"github.com/wickedlab/outages/migration"
	"github.com/wickedlab/outages/migration/all"
	"github.com/wickedlab/outages/postgres"
	pgmigrations "github.com/wickedlab/outages/postgres/migrations"
	"github.com/wickedlab/outages/sqlite"
	sqlitemigrations "github.com/wickedlab/outages/sqlite/migrations"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// stores holds the opened backends of one command invocation.
type stores struct {
	keys    *kv.Service
	rel     outages.RelationalStore
	closers []func() error
}

func (s *stores) Close() error {
	var err error
	// close in reverse order of opening
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}
	return err
}

// steps returns every migration step the configured stores can run.
func (s *stores) steps() []migration.Step {
	return all.Steps(s.rel)
}

func (o *migrateOpts) engine(log *zap.Logger, s *stores) *migration.Engine {
	return migration.NewEngine(
		log.With(zap.String("service", "migration")),
		s.keys,
		migration.WithPageSize(o.PageSize),
		migration.WithConcurrency(o.Concurrency),
		migration.WithScanPattern(o.ScanPattern),
	)
}

// openStores opens the key store and, when withRelational is set and one is
// configured, the relational store.
func (o *migrateOpts) openStores(ctx context.Context, log *zap.Logger, withRelational bool) (_ *stores, err error) {
	if err := o.validate(); err != nil {
		return nil, err
	}

	s := &stores{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.Close())
		}
	}()

	var store kv.SchemaStore
	switch o.Backend {
	case BackendBolt:
		b := bolt.NewKVStore(log.With(zap.String("service", "kvstore-bolt")), o.BoltPath)
		b.WithOpenTimeout(o.BoltTimeout)
		if err := b.Open(ctx); err != nil {
			return nil, fmt.Errorf("failed to open bolt key store: %w", err)
		}
		s.closers = append(s.closers, b.Close)
		store = b
	case BackendBadger:
		b := badger.NewKVStore(log.With(zap.String("service", "kvstore-badger")), badger.Config{Dir: o.BadgerDir})
		if err := b.Open(ctx); err != nil {
			return nil, fmt.Errorf("failed to open badger key store: %w", err)
		}
		s.closers = append(s.closers, b.Close)
		store = b
	case BackendInmem:
		store = inmem.NewKVStore()
	}

	s.keys = kv.NewService(log.With(zap.String("service", "keystore")), store)
	if err := s.keys.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize key store: %w", err)
	}

	if !withRelational {
		return s, nil
	}

	switch o.Relational {
	case RelationalSqlite:
		sl := log.With(zap.String("service", "sqlite"))
		db, err := sqlite.NewSqlStore(o.SqlitePath, sl)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		if err := sqlite.NewMigrator(db, sl).Up(ctx, sqlitemigrations.AllUp); err != nil {
			return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
		}
		s.rel = db
	case RelationalPostgres:
		pg, err := postgres.NewStore(ctx, log.With(zap.String("service", "postgres")), postgres.Config{DSN: o.PostgresDSN})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		s.closers = append(s.closers, pg.Close)
		if err := pg.Up(ctx, pgmigrations.AllUp); err != nil {
			return nil, fmt.Errorf("failed to apply postgres schema: %w", err)
		}
		s.rel = pg
	}
	return s, nil
}
