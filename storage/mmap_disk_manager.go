package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
)

// DefaultMmapInitialPages is the initial mapping size in pages (4MB)
const DefaultMmapInitialPages = 1024

// The first page of an mmap file is a header holding the allocation state:
//
//	[0:4)   magic
//	[4:8)   format version
//	[8:12)  next fresh page ID
//	[12:16) number of free IDs that follow
//	[16:)   free page IDs, uint32 each
//
// Page N lives at offset (N+1)*PageSize.
const (
	mmapHeaderMagic   uint32 = 0x484D4150 // "PAMH"
	mmapHeaderVersion uint32 = 1
	mmapHeaderFixed          = 16
	mmapMaxFreeIds           = (PageSize - mmapHeaderFixed) / 4
)

var errMmapClosed = errors.New("mmap disk manager is closed")

// MmapDiskManager serves pages out of a memory-mapped file. The file is
// sized up front and doubled whenever an allocation runs past its end.
// Allocation state lives in a header page so a reopened file never hands
// out a live ID. Free IDs beyond what the header can hold are dropped on
// reopen.
type MmapDiskManager struct {
	file       *os.File
	region     *mmapRegion
	fileSize   int64
	nextPageId PageID
	freeIds    []PageID
	freeSet    map[PageID]struct{}
	mutex      sync.RWMutex
}

var (
	_ DiskManager = (*MmapDiskManager)(nil)
	_ BatchWriter = (*MmapDiskManager)(nil)
)

// NewMmapDiskManager opens or creates a memory-mapped page file of at least
// initialPages pages, header included
func NewMmapDiskManager(fileName string, initialPages uint32) (*MmapDiskManager, error) {
	if initialPages == 0 {
		initialPages = DefaultMmapInitialPages
	}

	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open/create file %s: %w", fileName, err)
	}

	fileInfo, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	fileSize := fileInfo.Size()
	minSize := int64(max(initialPages, 2)) * PageSize
	if fileSize < minSize {
		if err := file.Truncate(minSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to grow file: %w", err)
		}
		fileSize = minSize
	}

	region, err := mapRegion(file, fileSize)
	if err != nil {
		file.Close()
		return nil, err
	}

	dm := &MmapDiskManager{
		file:     file,
		region:   region,
		fileSize: fileSize,
		freeSet:  make(map[PageID]struct{}),
	}
	if err := dm.loadHeader(); err != nil {
		region.unmap()
		file.Close()
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return dm, nil
}

// loadHeader restores the allocation state, or stamps a fresh header on an
// all-zero first page
func (dm *MmapDiskManager) loadHeader() error {
	header := dm.region.data[:PageSize]

	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic == 0 && binary.LittleEndian.Uint32(header[8:12]) == 0 {
		dm.writeHeaderLocked()
		return nil
	}
	if magic != mmapHeaderMagic {
		return fmt.Errorf("not an mmap page file (magic %08x)", magic)
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != mmapHeaderVersion {
		return fmt.Errorf("unsupported mmap page file version %d", v)
	}

	next := PageID(binary.LittleEndian.Uint32(header[8:12]))
	if pageOffset(next) > dm.fileSize {
		return fmt.Errorf("header claims %d pages but file holds %d bytes", next, dm.fileSize)
	}
	dm.nextPageId = next

	count := min(int(binary.LittleEndian.Uint32(header[12:16])), mmapMaxFreeIds)
	for i := range count {
		off := mmapHeaderFixed + 4*i
		id := PageID(binary.LittleEndian.Uint32(header[off : off+4]))
		if id >= next {
			continue
		}
		if _, dup := dm.freeSet[id]; dup {
			continue
		}
		dm.freeSet[id] = struct{}{}
		dm.freeIds = append(dm.freeIds, id)
	}
	return nil
}

// writeHeaderLocked stores the allocation state in the header page. It
// reaches disk with the next flush. Caller holds the write lock.
func (dm *MmapDiskManager) writeHeaderLocked() {
	header := dm.region.data[:PageSize]
	clear(header)
	binary.LittleEndian.PutUint32(header[0:4], mmapHeaderMagic)
	binary.LittleEndian.PutUint32(header[4:8], mmapHeaderVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(dm.nextPageId))

	persisted := dm.freeIds[:min(len(dm.freeIds), mmapMaxFreeIds)]
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(persisted)))
	for i, id := range persisted {
		off := mmapHeaderFixed + 4*i
		binary.LittleEndian.PutUint32(header[off:off+4], uint32(id))
	}
}

// pageOffset returns the file offset of pageId
func pageOffset(pageId PageID) int64 {
	return (int64(pageId) + 1) * PageSize
}

// AllocatePage allocates a page ID, growing the mapping if needed
func (dm *MmapDiskManager) AllocatePage() (PageID, error) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if !dm.mappedLocked() {
		return 0, errMmapClosed
	}

	if n := len(dm.freeIds); n > 0 {
		pageId := dm.freeIds[n-1]
		dm.freeIds = dm.freeIds[:n-1]
		delete(dm.freeSet, pageId)
		dm.writeHeaderLocked()
		return pageId, nil
	}

	if dm.nextPageId == InvalidPageID {
		return 0, fmt.Errorf("page id space exhausted")
	}
	pageId := dm.nextPageId

	requiredSize := pageOffset(pageId) + PageSize
	if requiredSize > dm.fileSize {
		if err := dm.growLocked(max(dm.fileSize*2, requiredSize)); err != nil {
			return 0, err
		}
	}

	dm.nextPageId++
	dm.writeHeaderLocked()
	return pageId, nil
}

// DeallocatePage returns pageId to the free list
func (dm *MmapDiskManager) DeallocatePage(pageId PageID) error {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if !dm.mappedLocked() {
		return errMmapClosed
	}
	if pageId >= dm.nextPageId {
		return fmt.Errorf("page %d was never allocated", pageId)
	}
	if _, ok := dm.freeSet[pageId]; ok {
		return nil
	}
	dm.freeSet[pageId] = struct{}{}
	dm.freeIds = append(dm.freeIds, pageId)
	dm.writeHeaderLocked()
	return nil
}

// growLocked remaps the file at newSize. Caller holds the write lock.
func (dm *MmapDiskManager) growLocked(newSize int64) error {
	if err := dm.region.flush(); err != nil {
		return fmt.Errorf("failed to flush mapping before grow: %w", err)
	}
	if err := dm.region.unmap(); err != nil {
		return fmt.Errorf("failed to unmap: %w", err)
	}

	if err := dm.file.Truncate(newSize); err != nil {
		region, mapErr := mapRegion(dm.file, dm.fileSize)
		if mapErr == nil {
			dm.region = region
		}
		return fmt.Errorf("failed to grow file: %w", err)
	}

	region, err := mapRegion(dm.file, newSize)
	if err != nil {
		if old, mapErr := mapRegion(dm.file, dm.fileSize); mapErr == nil {
			dm.region = old
		}
		return err
	}
	dm.region = region
	dm.fileSize = newSize
	return nil
}

// mappedLocked reports whether the file is mapped. It is not after Close or
// after a grow whose remap failed twice.
func (dm *MmapDiskManager) mappedLocked() bool {
	return dm.region != nil && dm.region.data != nil
}

// pageRangeLocked returns the mapped bytes of pageId. Caller holds a lock.
func (dm *MmapDiskManager) pageRangeLocked(pageId PageID) ([]byte, error) {
	if !dm.mappedLocked() {
		return nil, errMmapClosed
	}
	offset := pageOffset(pageId)
	if offset+PageSize > dm.fileSize {
		return nil, fmt.Errorf("page %d out of bounds (file size: %d)", pageId, dm.fileSize)
	}
	return dm.region.data[offset : offset+PageSize], nil
}

// ReadPage copies a page out of the mapping
func (dm *MmapDiskManager) ReadPage(pageId PageID, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("page buffer must be exactly %d bytes, got %d", PageSize, len(data))
	}

	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	src, err := dm.pageRangeLocked(pageId)
	if err != nil {
		return err
	}
	copy(data, src)
	return nil
}

// WritePage copies a page into the mapping
func (dm *MmapDiskManager) WritePage(pageId PageID, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(data))
	}

	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	dst, err := dm.pageRangeLocked(pageId)
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// WritePagesV copies several pages into the mapping and syncs once
func (dm *MmapDiskManager) WritePagesV(writes []PageWrite) error {
	if len(writes) == 0 {
		return nil
	}

	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	for _, pw := range writes {
		if len(pw.Data) != PageSize {
			return fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(pw.Data))
		}

		dst, err := dm.pageRangeLocked(pw.PageID)
		if err != nil {
			return err
		}
		copy(dst, pw.Data)
	}

	return dm.region.flush()
}

// Flush forces the mapping to disk
func (dm *MmapDiskManager) Flush() error {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	if dm.region == nil {
		return nil
	}
	if err := dm.region.flush(); err != nil {
		return fmt.Errorf("failed to flush mapping: %w", err)
	}
	return dm.file.Sync()
}

// GetFileSize returns the current file size
func (dm *MmapDiskManager) GetFileSize() int64 {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()
	return dm.fileSize
}

// GetNextPageId returns the ID the next fresh allocation would return
func (dm *MmapDiskManager) GetNextPageId() PageID {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()
	return dm.nextPageId
}

// Close flushes, unmaps and closes the file
func (dm *MmapDiskManager) Close() error {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.region == nil {
		return nil
	}

	if err := dm.region.flush(); err != nil {
		return fmt.Errorf("failed to flush mapping: %w", err)
	}
	if err := dm.region.unmap(); err != nil {
		return fmt.Errorf("failed to unmap: %w", err)
	}
	dm.region = nil

	return dm.file.Close()
}
