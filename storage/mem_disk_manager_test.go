package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

var errInjected = errors.New("injected failure")

// memDiskManager is a map-backed page store with operation counters and
// switchable failures
type memDiskManager struct {
	mu        sync.Mutex
	pages     map[PageID][]byte
	nextId    PageID
	freeIds   []PageID
	reads     map[PageID]int
	writes    map[PageID]int
	events    *[]string
	failRead  bool
	failWrite bool
	failAlloc bool
	failFree  bool
}

func newMemDiskManager() *memDiskManager {
	return &memDiskManager{
		pages:  make(map[PageID][]byte),
		reads:  make(map[PageID]int),
		writes: make(map[PageID]int),
	}
}

func (m *memDiskManager) AllocatePage() (PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAlloc {
		return InvalidPageID, errInjected
	}
	if n := len(m.freeIds); n > 0 {
		id := m.freeIds[n-1]
		m.freeIds = m.freeIds[:n-1]
		return id, nil
	}
	id := m.nextId
	m.nextId++
	return id, nil
}

func (m *memDiskManager) DeallocatePage(pageId PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFree {
		return errInjected
	}
	delete(m.pages, pageId)
	m.freeIds = append(m.freeIds, pageId)
	return nil
}

func (m *memDiskManager) ReadPage(pageId PageID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRead {
		return errInjected
	}
	m.reads[pageId]++
	clear(data)
	if stored, ok := m.pages[pageId]; ok {
		copy(data, stored)
	}
	return nil
}

func (m *memDiskManager) WritePage(pageId PageID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errInjected
	}
	m.writes[pageId]++
	if m.events != nil {
		*m.events = append(*m.events, fmt.Sprintf("write %d", pageId))
	}
	stored := make([]byte, PageSize)
	copy(stored, data)
	m.pages[pageId] = stored
	return nil
}

func (m *memDiskManager) setFailures(read, write, alloc bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRead, m.failWrite, m.failAlloc = read, write, alloc
}

func (m *memDiskManager) setDeallocFailure(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFree = fail
}

func (m *memDiskManager) readCount(pageId PageID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[pageId]
}

func (m *memDiskManager) writeCount(pageId PageID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[pageId]
}

func (m *memDiskManager) totalWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.writes {
		total += n
	}
	return total
}

func (m *memDiskManager) stored(pageId PageID) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages[pageId]
}

// batchMemDiskManager adds WritePagesV to memDiskManager
type batchMemDiskManager struct {
	*memDiskManager
	batches int
}

func (b *batchMemDiskManager) WritePagesV(writes []PageWrite) error {
	b.mu.Lock()
	b.batches++
	fail := b.failWrite
	b.mu.Unlock()
	if fail {
		return errInjected
	}
	for _, w := range writes {
		if err := b.WritePage(w.PageID, w.Data); err != nil {
			return err
		}
	}
	return nil
}

// recordingLog records flushes into a shared event list
type recordingLog struct {
	events *[]string
	fail   bool
}

func (l *recordingLog) Flush() error {
	if l.fail {
		return errInjected
	}
	*l.events = append(*l.events, "log flush")
	return nil
}

// checkPoolInvariants verifies that every frame is exactly one of free,
// pinned or evictable and that the page table agrees with the frames
func checkPoolInvariants(t *testing.T, bpm *BufferPoolManager) {
	t.Helper()

	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	free := make(map[FrameID]bool, len(bpm.freeList))
	for _, fid := range bpm.freeList {
		if free[fid] {
			t.Errorf("frame %d is on the free list twice", fid)
		}
		free[fid] = true
	}

	evictable := make(map[FrameID]bool)
	for _, fid := range bpm.replacer.(*LRUReplacer).Frames() {
		evictable[fid] = true
	}

	mapped := make(map[FrameID]PageID, len(bpm.pageTable))
	for pageId, fid := range bpm.pageTable {
		if other, dup := mapped[fid]; dup {
			t.Errorf("frame %d mapped to pages %d and %d", fid, other, pageId)
		}
		mapped[fid] = pageId
		if got := bpm.pages[fid].GetPageId(); got != pageId {
			t.Errorf("frame %d holds page %d, table says %d", fid, got, pageId)
		}
	}

	for i := uint32(0); i < bpm.poolSize; i++ {
		fid := FrameID(i)
		page := bpm.pages[fid]
		_, isMapped := mapped[fid]
		pinned := page.GetPinCount() > 0

		switch {
		case free[fid]:
			if isMapped || evictable[fid] {
				t.Errorf("free frame %d is also mapped or evictable", fid)
			}
			if page.GetPageId() != InvalidPageID || page.GetPinCount() != 0 || page.IsDirty() {
				t.Errorf("free frame %d not reset", fid)
			}
		case !isMapped:
			t.Errorf("frame %d is neither free nor mapped", fid)
		case pinned && evictable[fid]:
			t.Errorf("pinned frame %d is evictable", fid)
		case !pinned && !evictable[fid]:
			t.Errorf("unpinned frame %d is not evictable", fid)
		}
		if page.GetPinCount() < 0 {
			t.Errorf("frame %d has negative pin count %d", fid, page.GetPinCount())
		}
	}
}
