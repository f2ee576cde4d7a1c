//go:build !(linux || darwin || freebsd || netbsd || openbsd || windows)

package storage

import (
	"errors"
	"os"
)

type mmapRegion struct {
	data []byte
}

func mapRegion(file *os.File, size int64) (*mmapRegion, error) {
	return nil, errors.New("memory-mapped page store is not supported on this platform")
}

func (r *mmapRegion) flush() error { return nil }

func (r *mmapRegion) unmap() error { return nil }
