// Package digest computes content-based fingerprints of a builder's inputs.
//
// An InputSet maps member names to Values. Value is a closed sum type with
// one variant per kind of input (File, Directory, Resource, Artifact, List,
// Map, String); the Engine visits each variant in a fixed way and produces a
// Digest holding one Hash per member plus the content Hash of every
// concrete file it touched.
//
// Equality is purely content based: timestamps, sizes and permissions never
// contribute. A nil *Digest stands for "no previous state" and is never
// equal to anything, so the first run of a builder always looks changed.
package digest
