package migration

import (
	"context"
	"fmt"

	"github.com/wickedlab/outages"
)

// Step is one schema change of the key space. Steps are applied in ascending
// StartVersion order and each is applied once: after a step has visited every
// key the schema version is incremented by one.
//
// ApplyToKey reports what happened to a key through its Outcome. A non-nil
// error is reserved for failures of the store itself; it aborts the step and
// leaves the schema version where it was.
type Step interface {
	// StartVersion is the schema version the step upgrades from.
	StartVersion() int64
	// Description is a short human readable summary.
	Description() string
	// Prepare runs once before the scan. It must be idempotent.
	Prepare(ctx context.Context, store outages.KeyStore) error
	// ApplyToKey transforms a single key. It must be idempotent.
	ApplyToKey(ctx context.Context, key string, store outages.KeyStore) (Outcome, error)
}

// NoPrepare can be embedded by steps that need no preparation.
type NoPrepare struct{}

// Prepare does nothing.
func (NoPrepare) Prepare(context.Context, outages.KeyStore) error {
	return nil
}

// Status is the per key result of a step.
type Status int

const (
	// StatusSkipped means the key was left alone, usually because it is not
	// in the shape the step transforms.
	StatusSkipped Status = iota
	// StatusMigrated means the key was transformed.
	StatusMigrated
	// StatusFailed means the key could not be transformed and was left untouched.
	StatusFailed
	// StatusOrphaned means the transform stopped half way: the new
	// representation exists and the old one could not be retired.
	StatusOrphaned
)

// String returns the label used in logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusSkipped:
		return "skipped"
	case StatusMigrated:
		return "migrated"
	case StatusFailed:
		return "failed"
	case StatusOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// Outcome is what happened to a single key.
type Outcome struct {
	Key    string
	Status Status
	Reason string
}

// Migrated reports key as transformed.
func Migrated(key string) Outcome {
	return Outcome{Key: key, Status: StatusMigrated}
}

// Skipped reports key as left alone.
func Skipped(key string) Outcome {
	return Outcome{Key: key, Status: StatusSkipped}
}

// Failed reports key as untransformable. The key must be untouched.
func Failed(key string, reason error) Outcome {
	return Outcome{Key: key, Status: StatusFailed, Reason: errorReason(reason)}
}

// Orphaned reports a partial transform of key.
func Orphaned(key string, reason error) Outcome {
	return Outcome{Key: key, Status: StatusOrphaned, Reason: errorReason(reason)}
}

func errorReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return fmt.Sprintf("%s: %s", o.Key, o.Status)
	}
	return fmt.Sprintf("%s: %s: %s", o.Key, o.Status, o.Reason)
}
