//go:build unix

package fspath

import "syscall"

// EvalSymlinks reports ENOTDIR when an intermediate component is a regular
// file; for normalization that is the same as "does not exist yet".
var syscallENOTDIR error = syscall.ENOTDIR
