package migration

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionGap is returned when the next pending step does not start at
	// the current schema version. Running it would skip or repeat a step.
	ErrVersionGap = errors.New("migration step does not start at the current schema version")

	// ErrDuplicateStep is returned when two steps share a start version.
	ErrDuplicateStep = errors.New("duplicate migration step start version")
)

// VersionError means the schema version could not be read or does not hold a
// non-negative integer. Nothing runs when it is returned.
type VersionError struct {
	Key   string
	Value string
	Err   error
}

func (e *VersionError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("schema version %q holds %q: %v", e.Key, e.Value, e.Err)
	}
	return fmt.Sprintf("reading schema version %q: %v", e.Key, e.Err)
}

func (e *VersionError) Unwrap() error {
	return e.Err
}

// StepError means a step stopped before visiting every key. The schema
// version was not incremented, so the step runs again from the start on the
// next run.
type StepError struct {
	Step        int64
	Description string
	// Cursor is the scan cursor of the page that was being processed.
	Cursor string
	// Scanned is the number of keys fully processed before the failure.
	Scanned int
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("migration step %d (%s) aborted at cursor %s after %d keys: %v",
		e.Step, e.Description, e.Cursor, e.Scanned, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
