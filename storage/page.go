package storage

import (
	"math"
	"sync"
	"sync/atomic"
)

// PageSize is the size of a page on disk and of a frame in memory
const PageSize = 4096

// PageID identifies a logical page in the page store
type PageID uint32

// FrameID is the index of a frame in the buffer pool, in [0, poolSize)
type FrameID uint32

// InvalidPageID marks a frame that holds no page
const InvalidPageID PageID = math.MaxUint32

// Page is the handle of one buffer pool frame: the page it currently holds,
// how many callers have it pinned, whether it was modified since the last
// write-back, and its raw bytes.
//
// Pin count and dirty flag are only changed by the BufferPoolManager. The
// data buffer belongs to the caller between FetchPage/NewPage and the
// matching UnpinPage; callers sharing a page coordinate through the latch.
// Write-back of a pinned page copies the bytes without taking the latch.
type Page struct {
	pageId   atomic.Uint32
	pinCount atomic.Int32
	isDirty  atomic.Bool
	data     [PageSize]byte
	latch    sync.RWMutex
}

func newFramePage() *Page {
	p := &Page{}
	p.pageId.Store(uint32(InvalidPageID))
	return p
}

// GetPageId returns the page ID held by the frame
func (p *Page) GetPageId() PageID {
	return PageID(p.pageId.Load())
}

// GetPinCount returns the pin count
func (p *Page) GetPinCount() int32 {
	return p.pinCount.Load()
}

// IsDirty returns whether the page was modified since its last write-back
func (p *Page) IsDirty() bool {
	return p.isDirty.Load()
}

// GetData returns the page contents. The slice aliases the frame buffer.
func (p *Page) GetData() []byte {
	return p.data[:]
}

// RLatch acquires the page latch in shared mode
func (p *Page) RLatch() { p.latch.RLock() }

// RUnlatch releases a shared page latch
func (p *Page) RUnlatch() { p.latch.RUnlock() }

// WLatch acquires the page latch in exclusive mode
func (p *Page) WLatch() { p.latch.Lock() }

// WUnlatch releases an exclusive page latch
func (p *Page) WUnlatch() { p.latch.Unlock() }

func (p *Page) pin() int32 {
	return p.pinCount.Add(1)
}

func (p *Page) unpin() int32 {
	return p.pinCount.Add(-1)
}

func (p *Page) setDirty(dirty bool) {
	p.isDirty.Store(dirty)
}

// assign points an empty frame at pageId with a single pin and a clean flag
func (p *Page) assign(pageId PageID) {
	p.pageId.Store(uint32(pageId))
	p.pinCount.Store(1)
	p.isDirty.Store(false)
}

// reset returns the frame to the free state
func (p *Page) reset() {
	p.pageId.Store(uint32(InvalidPageID))
	p.pinCount.Store(0)
	p.isDirty.Store(false)
}

func (p *Page) zero() {
	clear(p.data[:])
}
