//go:build windows

package storage

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

type mmapRegion struct {
	mapping windows.Handle
	data    []byte
}

func mapRegion(file *os.File, size int64) (*mmapRegion, error) {
	maxSizeHigh := uint32(size >> 32)
	maxSizeLow := uint32(size & 0xFFFFFFFF)

	mapping, err := windows.CreateFileMapping(
		windows.Handle(file.Fd()),
		nil,
		windows.PAGE_READWRITE,
		maxSizeHigh,
		maxSizeLow,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create file mapping: %w", err)
	}

	addr, err := windows.MapViewOfFile(
		mapping,
		windows.FILE_MAP_READ|windows.FILE_MAP_WRITE,
		0,
		0,
		uintptr(size),
	)
	if err != nil {
		windows.CloseHandle(mapping)
		return nil, fmt.Errorf("failed to map view of file: %w", err)
	}

	return &mmapRegion{
		mapping: mapping,
		data:    unsafe.Slice((*byte)(unsafe.Pointer(addr)), size),
	}, nil
}

func (r *mmapRegion) flush() error {
	if len(r.data) == 0 {
		return nil
	}
	return windows.FlushViewOfFile(uintptr(unsafe.Pointer(&r.data[0])), uintptr(len(r.data)))
}

func (r *mmapRegion) unmap() error {
	if r.data != nil {
		if err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&r.data[0]))); err != nil {
			return fmt.Errorf("failed to unmap view: %w", err)
		}
		r.data = nil
	}
	if r.mapping != 0 {
		err := windows.CloseHandle(r.mapping)
		r.mapping = 0
		return err
	}
	return nil
}
