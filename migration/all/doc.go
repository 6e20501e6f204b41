// Package all
//
// This package is the canonical location for every step applied to the
// incidents key space.
//
// Steps(rel) returns the ordered list of steps that drives the serial set of
// migration operations. The list is built at the call site; there is no
// global registry.
//
// This package is arranged like so:
//
//	doc.go - this piece of documentation.
//	all.go - definition of Steps, referencing each of the numbered steps below.
//	step.go - helpers shared by the steps.
//	000X_step_name.go - the implementation of each step, X being its start version.
package all
