// Package core decides whether a builder must run and runs it under a
// sandbox.
//
// # Decision
//
// For every invocation the Runner
//
//  1. recovers from a crashed previous run (undo log present),
//  2. loads the previous execution state,
//  3. digests the builder's inputs and declarations,
//  4. compares digest, tracked exception files, previously read properties
//     and classpath against the previous state.
//
// An unchanged builder is skipped and its recorded messages are replayed.
// A changed builder runs: obsolete outputs are deleted, the body executes
// inside an entered sandbox, temporary files are removed and the new state
// is persisted before the undo log is deleted.
//
// # Core Types
//
// Builder: a build step with declared inputs, outputs and permissions.
// Invocation: the handle a running builder body reports messages through.
// Result: what one Run decided and produced.
package core
