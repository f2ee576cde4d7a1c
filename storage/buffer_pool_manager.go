package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// LogFlusher is the write-ahead log as seen by the buffer pool: it must be
// flushed before a dirty page reaches the page store.
type LogFlusher interface {
	Flush() error
}

// BufferPoolManager manages a fixed pool of page frames in memory.
//
// Every frame is in exactly one of three states: on the free list, mapped
// and pinned, or mapped with a zero pin count and tracked by the replacer.
// All state below is guarded by latch; each exported method holds it for its
// whole duration, including disk I/O.
type BufferPoolManager struct {
	poolSize    uint32
	pages       []*Page
	pageTable   map[PageID]FrameID
	freeList    []FrameID
	replacer    Replacer
	diskManager DiskManager
	logManager  LogFlusher
	metrics     *Metrics
	logger      *slog.Logger

	latch sync.Mutex
}

// NewBufferPoolManager creates a new buffer pool manager
func NewBufferPoolManager(poolSize uint32, diskManager DiskManager) (*BufferPoolManager, error) {
	if poolSize == 0 {
		return nil, fmt.Errorf("pool size must be greater than 0")
	}
	if diskManager == nil {
		return nil, fmt.Errorf("buffer pool needs a disk manager")
	}

	bpm := &BufferPoolManager{
		poolSize:    poolSize,
		pages:       make([]*Page, poolSize),
		pageTable:   make(map[PageID]FrameID, poolSize),
		freeList:    make([]FrameID, 0, poolSize),
		replacer:    NewLRUReplacer(poolSize),
		diskManager: diskManager,
		metrics:     NewMetrics(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	// Initially, every frame is on the free list
	for i := uint32(0); i < poolSize; i++ {
		bpm.pages[i] = newFramePage()
		bpm.freeList = append(bpm.freeList, FrameID(i))
	}

	return bpm, nil
}

// SetLogManager sets the log flushed ahead of every page write-back
func (bpm *BufferPoolManager) SetLogManager(logManager LogFlusher) {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()
	bpm.logManager = logManager
}

// SetLogger replaces the structured logger
func (bpm *BufferPoolManager) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	bpm.latch.Lock()
	defer bpm.latch.Unlock()
	bpm.logger = logger
}

// FetchPage returns the frame holding pageId, pinned. A resident page is
// returned without disk access; otherwise a frame is freed up and the page is
// read from the disk manager.
func (bpm *BufferPoolManager) FetchPage(pageId PageID) (*Page, error) {
	const op = "FetchPage"
	if pageId == InvalidPageID {
		return nil, ErrInvalidPageID(op, pageId)
	}

	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	if frameId, exists := bpm.pageTable[pageId]; exists {
		bpm.metrics.RecordCacheHit()
		page := bpm.pages[frameId]
		if page.pin() == 1 {
			bpm.replacer.Pin(frameId)
		}
		return page, nil
	}

	bpm.metrics.RecordCacheMiss()
	start := time.Now()

	frameId, err := bpm.acquireFrame(op)
	if err != nil {
		return nil, err
	}

	page := bpm.pages[frameId]
	if err := bpm.diskManager.ReadPage(pageId, page.GetData()); err != nil {
		bpm.metrics.RecordIOError()
		page.zero()
		bpm.freeList = append(bpm.freeList, frameId)
		return nil, ErrDiskRead(op, pageId, err)
	}

	page.assign(pageId)
	bpm.pageTable[pageId] = frameId
	bpm.metrics.RecordPageFetchLatency(time.Since(start))

	return page, nil
}

// UnpinPage drops one pin on pageId and marks it dirty if isDirty is set.
// The dirty flag is sticky until the page is written back.
func (bpm *BufferPoolManager) UnpinPage(pageId PageID, isDirty bool) error {
	const op = "UnpinPage"

	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	frameId, exists := bpm.pageTable[pageId]
	if !exists {
		return ErrPageNotFound(op, pageId)
	}

	page := bpm.pages[frameId]
	if page.GetPinCount() <= 0 {
		return ErrPinUnderflow(op, pageId)
	}

	if isDirty {
		page.setDirty(true)
	}
	if page.unpin() == 0 {
		bpm.replacer.Unpin(frameId)
	}

	return nil
}

// FlushPage writes pageId back if it is dirty
func (bpm *BufferPoolManager) FlushPage(pageId PageID) error {
	const op = "FlushPage"

	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	frameId, exists := bpm.pageTable[pageId]
	if !exists {
		return ErrPageNotFound(op, pageId)
	}

	return bpm.flushFrame(op, frameId)
}

// FlushDirtyPage is FlushPage that also reports whether a write happened
func (bpm *BufferPoolManager) FlushDirtyPage(pageId PageID) (bool, error) {
	const op = "FlushPage"

	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	frameId, exists := bpm.pageTable[pageId]
	if !exists {
		return false, ErrPageNotFound(op, pageId)
	}
	if !bpm.pages[frameId].IsDirty() {
		return false, nil
	}
	if err := bpm.flushFrame(op, frameId); err != nil {
		return false, err
	}
	return true, nil
}

// FlushAllPages writes back every resident dirty page
func (bpm *BufferPoolManager) FlushAllPages() error {
	const op = "FlushAllPages"

	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	dirty := make([]FrameID, 0)
	for _, frameId := range bpm.pageTable {
		if bpm.pages[frameId].IsDirty() {
			dirty = append(dirty, frameId)
		}
	}
	if len(dirty) == 0 {
		return nil
	}

	if bw, ok := bpm.diskManager.(BatchWriter); ok {
		return bpm.flushBatch(op, bw, dirty)
	}

	var errs []error
	for _, frameId := range dirty {
		if err := bpm.flushFrame(op, frameId); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewPage allocates a fresh page ID and pins a zeroed frame for it
func (bpm *BufferPoolManager) NewPage() (*Page, error) {
	const op = "NewPage"

	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	// Checked before allocating so a full pool leaks no page IDs
	if bpm.allPagesPinned() {
		return nil, ErrNoFreePages(op)
	}

	frameId, err := bpm.acquireFrame(op)
	if err != nil {
		return nil, err
	}

	pageId, err := bpm.diskManager.AllocatePage()
	if err != nil {
		bpm.metrics.RecordIOError()
		bpm.freeList = append(bpm.freeList, frameId)
		return nil, ErrDiskAlloc(op, err)
	}

	page := bpm.pages[frameId]
	page.zero()
	page.assign(pageId)
	// The ID may be recycled, so the zero image has to reach the store
	page.setDirty(true)
	bpm.pageTable[pageId] = frameId
	bpm.metrics.RecordPageCreated()

	return page, nil
}

// DeletePage drops pageId from the pool and releases its ID in the disk
// manager. Deleting a page that is not resident succeeds.
func (bpm *BufferPoolManager) DeletePage(pageId PageID) error {
	const op = "DeletePage"

	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	frameId, exists := bpm.pageTable[pageId]
	if !exists {
		return nil
	}

	page := bpm.pages[frameId]
	if pins := page.GetPinCount(); pins > 0 {
		return ErrPagePinned(op, pageId, pins)
	}

	if err := bpm.diskManager.DeallocatePage(pageId); err != nil {
		bpm.metrics.RecordIOError()
		return ErrDiskAlloc(op, err)
	}

	bpm.replacer.Pin(frameId)
	delete(bpm.pageTable, pageId)
	page.reset()
	page.zero()
	bpm.freeList = append(bpm.freeList, frameId)
	bpm.metrics.RecordPageDeleted()

	return nil
}

// allPagesPinned reports whether no frame is free or evictable
func (bpm *BufferPoolManager) allPagesPinned() bool {
	return len(bpm.freeList) == 0 && bpm.replacer.Size() == 0
}

// acquireFrame returns an unmapped, clean frame: from the free list if
// possible, otherwise by evicting the replacer's victim.
func (bpm *BufferPoolManager) acquireFrame(op string) (FrameID, error) {
	if len(bpm.freeList) > 0 {
		frameId := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameId, nil
	}

	// The victim leaves the replacer only once it is evicted, so a failed
	// write-back keeps the eviction order intact
	frameId, ok := bpm.replacer.Peek()
	if !ok {
		return 0, ErrNoFreePages(op)
	}

	if err := bpm.evictFrame(op, frameId); err != nil {
		return 0, err
	}
	bpm.replacer.Pin(frameId)
	return frameId, nil
}

// evictFrame writes the frame back if dirty and only then unmaps it. A
// failed write-back leaves the mapping in place.
func (bpm *BufferPoolManager) evictFrame(op string, frameId FrameID) error {
	page := bpm.pages[frameId]
	victimId := page.GetPageId()

	if err := bpm.flushFrame(op, frameId); err != nil {
		bpm.logger.Warn("victim write-back failed",
			slog.Uint64("page_id", uint64(victimId)),
			slog.Uint64("frame_id", uint64(frameId)),
			slog.Any("error", err),
		)
		return err
	}

	delete(bpm.pageTable, victimId)
	page.reset()
	bpm.metrics.RecordPageEviction()
	bpm.logger.Debug("evicted page",
		slog.Uint64("page_id", uint64(victimId)),
		slog.Uint64("frame_id", uint64(frameId)),
	)

	return nil
}

// flushFrame writes a dirty frame to the disk manager and clears its flag.
// Clean frames are left alone.
func (bpm *BufferPoolManager) flushFrame(op string, frameId FrameID) error {
	page := bpm.pages[frameId]
	if !page.IsDirty() {
		return nil
	}

	pageId := page.GetPageId()
	if err := bpm.flushLog(op, pageId); err != nil {
		return err
	}

	start := time.Now()
	if err := bpm.diskManager.WritePage(pageId, page.GetData()); err != nil {
		bpm.metrics.RecordIOError()
		return ErrDiskWrite(op, pageId, err)
	}

	page.setDirty(false)
	bpm.metrics.RecordDirtyPageFlush()
	bpm.metrics.RecordPageFlushLatency(time.Since(start))
	bpm.logger.Debug("wrote back page", slog.Uint64("page_id", uint64(pageId)))

	return nil
}

// flushBatch writes all dirty frames with a single batched call
func (bpm *BufferPoolManager) flushBatch(op string, bw BatchWriter, frames []FrameID) error {
	if err := bpm.flushLog(op, InvalidPageID); err != nil {
		return err
	}

	writes := make([]PageWrite, 0, len(frames))
	for _, frameId := range frames {
		page := bpm.pages[frameId]
		data := make([]byte, PageSize)
		copy(data, page.GetData())
		writes = append(writes, PageWrite{PageID: page.GetPageId(), Data: data})
	}

	start := time.Now()
	if err := bw.WritePagesV(writes); err != nil {
		bpm.metrics.RecordIOError()
		return NewStorageError(ErrCodeDiskWriteFailed, op,
			fmt.Sprintf("failed to write %d dirty pages", len(writes)), err)
	}

	for _, frameId := range frames {
		bpm.pages[frameId].setDirty(false)
		bpm.metrics.RecordDirtyPageFlush()
	}
	bpm.metrics.RecordPageFlushLatency(time.Since(start))
	bpm.logger.Debug("wrote back dirty pages", slog.Int("count", len(frames)))

	return nil
}

// flushLog enforces the write-ahead rule
func (bpm *BufferPoolManager) flushLog(op string, pageId PageID) error {
	if bpm.logManager == nil {
		return nil
	}
	if err := bpm.logManager.Flush(); err != nil {
		return NewStorageError(ErrCodeDiskWriteFailed, op,
			fmt.Sprintf("failed to flush WAL before writing page %d", pageId), err)
	}
	return nil
}

// GetPoolSize returns the pool size
func (bpm *BufferPoolManager) GetPoolSize() uint32 {
	return bpm.poolSize
}

// GetCapacity returns the total capacity of the buffer pool
func (bpm *BufferPoolManager) GetCapacity() int {
	return int(bpm.poolSize)
}

// EvictableCount returns the number of resident pages nobody has pinned
func (bpm *BufferPoolManager) EvictableCount() uint32 {
	return bpm.replacer.Size()
}

// FreeFrameCount returns the number of frames holding no page
func (bpm *BufferPoolManager) FreeFrameCount() int {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()
	return len(bpm.freeList)
}

// ResidentCount returns the number of pages currently in the pool
func (bpm *BufferPoolManager) ResidentCount() int {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()
	return len(bpm.pageTable)
}

// GetDirtyPageCount returns the number of dirty pages in the buffer pool
func (bpm *BufferPoolManager) GetDirtyPageCount() int {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	count := 0
	for _, frameId := range bpm.pageTable {
		if bpm.pages[frameId].IsDirty() {
			count++
		}
	}
	return count
}

// GetDirtyPages returns up to maxPages dirty page IDs
func (bpm *BufferPoolManager) GetDirtyPages(maxPages int) []PageID {
	if maxPages <= 0 {
		return nil
	}

	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	dirtyPages := make([]PageID, 0, min(maxPages, len(bpm.pageTable)))
	for pageId, frameId := range bpm.pageTable {
		if len(dirtyPages) >= maxPages {
			break
		}
		if bpm.pages[frameId].IsDirty() {
			dirtyPages = append(dirtyPages, pageId)
		}
	}
	return dirtyPages
}

// GetMetrics returns the buffer pool metrics
func (bpm *BufferPoolManager) GetMetrics() *Metrics {
	return bpm.metrics
}
