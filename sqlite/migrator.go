package sqlite

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Migrator brings the relational schema up to the scripts embedded in a source.
// The applied version is tracked in the sqlite user_version pragma.
type Migrator struct {
	store *SqlStore
	log   *zap.Logger
}

func NewMigrator(store *SqlStore, log *zap.Logger) *Migrator {
	return &Migrator{
		store: store,
		log:   log,
	}
}

// Up applies every script newer than the recorded version. Each script and
// its version bump commit in one transaction.
func (m *Migrator) Up(ctx context.Context, source fs.FS) error {
	list, err := fs.ReadDir(source, ".")
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return nil
	}
	// sort the list according to the version number to ensure the migrations are applied in the correct order
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})

	current, err := m.store.userVersion()
	if err != nil {
		return err
	}

	final, err := scriptVersion(list[len(list)-1].Name())
	if err != nil {
		return err
	}

	if final > current {
		m.log.Info("Bringing up relational migrations", zap.Int("migration_count", final-current))
	}

	for _, f := range list {
		n := f.Name()
		v, err := scriptVersion(n)
		if err != nil {
			return err
		}

		// re-read in the loop so an out of order script is never applied after a newer one.
		c, err := m.store.userVersion()
		if err != nil {
			return err
		}
		if v <= c {
			continue
		}

		m.log.Debug("Executing relational migration", zap.String("migration_name", n))
		b, err := fs.ReadFile(source, n)
		if err != nil {
			return err
		}

		if err := m.store.execTrans(ctx, withUserVersion(string(b), v)); err != nil {
			return fmt.Errorf("migration %s: %w", n, err)
		}
	}

	return nil
}

// withUserVersion appends the pragma recording version to script.
// PRAGMA does not accept bound parameters.
func withUserVersion(script string, version int) string {
	script = strings.TrimSpace(script)
	if script != "" && !strings.HasSuffix(script, ";") {
		script += ";"
	}
	return fmt.Sprintf("%s\nPRAGMA user_version = %d;", script, version)
}

// extract the version number as an integer from a file named like "0002_migration_name.sql"
func scriptVersion(filename string) (int, error) {
	vString := strings.Split(filename, "_")[0]
	vInt, err := strconv.Atoi(vString)
	if err != nil {
		return 0, err
	}

	return vInt, nil
}
