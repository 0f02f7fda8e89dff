//go:build !unix

package fspath

import "os"

var syscallENOTDIR error = os.ErrNotExist
