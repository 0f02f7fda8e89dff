// Package fspath canonicalizes filesystem paths and tests them for
// membership in include/exclude path sets.
//
// Every path that crosses a component boundary in buildguard (digest keys,
// sandbox checks, recorded outputs, undo log records) is first passed
// through Normalize. Two spellings of the same filesystem object (relative
// vs. absolute, "a/../b", a symlinked parent directory) normalize to the
// same string, so normalized paths can be compared and used as map keys
// directly.
package fspath
