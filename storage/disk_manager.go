package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// DiskManager is the persistent page store behind the buffer pool.
// Reads and writes move exactly PageSize bytes and block until done.
type DiskManager interface {
	// AllocatePage reserves a page ID that collides with no live page
	AllocatePage() (PageID, error)
	// DeallocatePage releases a page ID for reuse
	DeallocatePage(pageId PageID) error
	// ReadPage fills data with the stored image of pageId
	ReadPage(pageId PageID, data []byte) error
	// WritePage stores data as the image of pageId
	WritePage(pageId PageID, data []byte) error
}

// PageWrite represents a single page write operation
type PageWrite struct {
	PageID PageID
	Data   []byte
}

// BatchWriter is implemented by page stores that can persist several pages
// with a single sync.
type BatchWriter interface {
	WritePagesV(writes []PageWrite) error
}

// FileDiskManager stores page n at offset n*PageSize of a single file
type FileDiskManager struct {
	file       *os.File
	nextPageId PageID
	freeIds    []PageID
	freeSet    map[PageID]struct{}
	mutex      sync.Mutex
}

var (
	_ DiskManager = (*FileDiskManager)(nil)
	_ BatchWriter = (*FileDiskManager)(nil)
)

// NewFileDiskManager opens or creates the page file. Page IDs continue after
// the last page already present in the file.
func NewFileDiskManager(fileName string) (*FileDiskManager, error) {
	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open/create file %s: %w", fileName, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file %s: %w", fileName, err)
	}

	return &FileDiskManager{
		file:       file,
		nextPageId: PageID((info.Size() + PageSize - 1) / PageSize),
		freeSet:    make(map[PageID]struct{}),
	}, nil
}

// AllocatePage hands out a recycled page ID if one exists, else a new one
func (dm *FileDiskManager) AllocatePage() (PageID, error) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if n := len(dm.freeIds); n > 0 {
		pageId := dm.freeIds[n-1]
		dm.freeIds = dm.freeIds[:n-1]
		delete(dm.freeSet, pageId)
		return pageId, nil
	}

	if dm.nextPageId == InvalidPageID {
		return 0, fmt.Errorf("page id space exhausted")
	}
	pageId := dm.nextPageId
	dm.nextPageId++
	return pageId, nil
}

// DeallocatePage puts pageId on the free list. Releasing a free ID is a no-op.
func (dm *FileDiskManager) DeallocatePage(pageId PageID) error {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if pageId >= dm.nextPageId {
		return fmt.Errorf("page %d was never allocated", pageId)
	}
	if _, ok := dm.freeSet[pageId]; ok {
		return nil
	}
	dm.freeSet[pageId] = struct{}{}
	dm.freeIds = append(dm.freeIds, pageId)
	return nil
}

// ReadPage reads a page from disk. Bytes past the end of the file read as zero.
func (dm *FileDiskManager) ReadPage(pageId PageID, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("page buffer must be exactly %d bytes, got %d", PageSize, len(data))
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	offset := int64(pageId) * PageSize
	n, err := dm.file.ReadAt(data, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read page %d: %w", pageId, err)
	}
	clear(data[n:])

	return nil
}

// WritePage writes a page to disk at the specified page ID
func (dm *FileDiskManager) WritePage(pageId PageID, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(data))
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	offset := int64(pageId) * PageSize
	_, err := dm.file.WriteAt(data, offset)
	if err != nil {
		return fmt.Errorf("failed to write page %d: %w", pageId, err)
	}

	return dm.file.Sync()
}

// WritePagesV writes multiple pages and syncs once
func (dm *FileDiskManager) WritePagesV(writes []PageWrite) error {
	if len(writes) == 0 {
		return nil
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	for _, pw := range writes {
		if len(pw.Data) != PageSize {
			return fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(pw.Data))
		}

		offset := int64(pw.PageID) * PageSize
		_, err := dm.file.WriteAt(pw.Data, offset)
		if err != nil {
			return fmt.Errorf("failed to write page %d: %w", pw.PageID, err)
		}
	}

	return dm.file.Sync()
}

// GetNextPageId returns the ID the next fresh allocation would return
func (dm *FileDiskManager) GetNextPageId() PageID {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	return dm.nextPageId
}

// Close closes the disk manager and its underlying file
func (dm *FileDiskManager) Close() error {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.file == nil {
		return nil
	}
	err := dm.file.Close()
	dm.file = nil
	return err
}
