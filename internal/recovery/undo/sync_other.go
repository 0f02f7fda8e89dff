//go:build !linux

package undo

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
