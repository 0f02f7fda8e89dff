// Package sandbox mediates the file, exec, property and network access of
// one builder invocation.
//
// A Sandbox is an explicit capability. It is created from the builder's
// declarations, entered before the builder body runs and left when the
// body returns. The body reaches it through its context.Context (see
// WithSandbox and FromContext) and performs all I/O through the helpers in
// this package. Code that runs without the context, or after the sandbox
// was left, fails closed with ErrNoSandbox or ErrStaleContext.
//
// Denied accesses are recorded as Violations and reported together once the
// body has returned, so that every missing declaration surfaces in a single
// run. Mediation is cooperative: the sandbox does not isolate the process
// at the operating system level, and subprocesses are not observed.
package sandbox
