// Package dag orders builders that depend on each other's outputs.
//
// A Graph is immutable once built. Its order is deterministic: among the
// builders that are ready, the lexically smallest name goes first. Walk
// runs builders serially in that order and blocks the dependents of every
// builder that fails.
package dag
