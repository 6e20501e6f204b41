package all

import (
	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/migration"
)

// Steps returns every step in start version order. The relocation to the
// relational store is only included when rel is not nil.
func Steps(rel outages.RelationalStore) []migration.Step {
	steps := []migration.Step{
		// legacy bare keys to incident:<id> plus the time index
		Step0000_SortedSetIntroduction,
		// incident:<id> to incidents:<id>
		Step0001_RenamePrefix,
		// drop the stray top level keys and rebuild the time index
		Step0002_RebuildIndex,
	}

	if rel != nil {
		// copy every record into the incidents table
		steps = append(steps, NewRelocateToRelational(rel))
	}

	return steps
}
