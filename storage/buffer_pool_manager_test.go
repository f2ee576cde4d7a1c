package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, poolSize uint32) (*BufferPoolManager, *memDiskManager) {
	t.Helper()
	dm := newMemDiskManager()
	bpm, err := NewBufferPoolManager(poolSize, dm)
	require.NoError(t, err)
	return bpm, dm
}

func TestNewBufferPoolManager(t *testing.T) {
	bpm, _ := newTestPool(t, 3)

	assert.Equal(t, uint32(3), bpm.GetPoolSize())
	assert.Equal(t, 3, bpm.GetCapacity())
	assert.Equal(t, 3, bpm.FreeFrameCount())
	assert.Equal(t, 0, bpm.ResidentCount())
	assert.Equal(t, uint32(0), bpm.EvictableCount())
	checkPoolInvariants(t, bpm)

	_, err := NewBufferPoolManager(0, newMemDiskManager())
	assert.Error(t, err)

	_, err = NewBufferPoolManager(3, nil)
	assert.Error(t, err)
}

func TestFetchPageMissThenHit(t *testing.T) {
	bpm, dm := newTestPool(t, 3)

	page, err := bpm.FetchPage(7)
	require.NoError(t, err)
	assert.Equal(t, PageID(7), page.GetPageId())
	assert.Equal(t, int32(1), page.GetPinCount())
	assert.False(t, page.IsDirty())
	assert.Equal(t, 1, dm.readCount(7))

	again, err := bpm.FetchPage(7)
	require.NoError(t, err)
	assert.Same(t, page, again)
	assert.Equal(t, int32(2), page.GetPinCount())
	assert.Equal(t, 1, dm.readCount(7), "resident page must not be re-read")

	assert.Equal(t, uint64(1), bpm.GetMetrics().GetCacheHits())
	assert.Equal(t, uint64(1), bpm.GetMetrics().GetCacheMisses())
	checkPoolInvariants(t, bpm)
}

func TestFetchInvalidPageID(t *testing.T) {
	bpm, _ := newTestPool(t, 2)

	_, err := bpm.FetchPage(InvalidPageID)
	assert.True(t, IsErrorCode(err, ErrCodeInvalidPageID))
	assert.Equal(t, 2, bpm.FreeFrameCount())
}

func TestFetchUnpinRoundTrip(t *testing.T) {
	bpm, _ := newTestPool(t, 2)

	page, err := bpm.FetchPage(1)
	require.NoError(t, err)
	copy(page.GetData(), "hello buffer pool")
	require.NoError(t, bpm.UnpinPage(1, true))

	// Push page 1 out with two other pages
	for _, id := range []PageID{2, 3} {
		_, err := bpm.FetchPage(id)
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(id, false))
	}

	page, err = bpm.FetchPage(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello buffer pool"), page.GetData()[:17])
	require.NoError(t, bpm.UnpinPage(1, false))
	checkPoolInvariants(t, bpm)
}

// With every frame pinned a further fetch fails without touching the disk
func TestFetchPoolExhausted(t *testing.T) {
	bpm, dm := newTestPool(t, 2)

	_, err := bpm.FetchPage(1)
	require.NoError(t, err)
	_, err = bpm.FetchPage(2)
	require.NoError(t, err)

	_, err = bpm.FetchPage(3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPoolExhausted))
	assert.True(t, IsErrorCode(err, ErrCodeNoFreePages))
	assert.Equal(t, 0, dm.readCount(3))
	assert.Equal(t, 2, bpm.ResidentCount())
	checkPoolInvariants(t, bpm)
}

// A dirty victim is written back before its frame is reused
func TestFetchEvictsDirtyVictim(t *testing.T) {
	bpm, dm := newTestPool(t, 2)

	page, err := bpm.FetchPage(1)
	require.NoError(t, err)
	copy(page.GetData(), "page one")
	require.NoError(t, bpm.UnpinPage(1, true))

	_, err = bpm.FetchPage(2)
	require.NoError(t, err)

	page3, err := bpm.FetchPage(3)
	require.NoError(t, err)
	assert.Equal(t, PageID(3), page3.GetPageId())

	assert.Equal(t, 1, dm.writeCount(1))
	assert.Equal(t, []byte("page one"), dm.stored(1)[:8])
	assert.Equal(t, uint64(1), bpm.GetMetrics().GetPageEvictions())

	// page 3 is clean and fully overwritten by the read
	assert.Equal(t, make([]byte, PageSize), page3.GetData())
	checkPoolInvariants(t, bpm)
}

func TestCleanVictimIsNotWritten(t *testing.T) {
	bpm, dm := newTestPool(t, 1)

	_, err := bpm.FetchPage(1)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(1, false))

	_, err = bpm.FetchPage(2)
	require.NoError(t, err)
	assert.Equal(t, 0, dm.totalWrites())
}

func TestEvictionFollowsUnpinOrder(t *testing.T) {
	bpm, _ := newTestPool(t, 3)

	for _, id := range []PageID{1, 2, 3} {
		_, err := bpm.FetchPage(id)
		require.NoError(t, err)
	}
	// Unpin order decides the victim, not fetch order
	for _, id := range []PageID{2, 3, 1} {
		require.NoError(t, bpm.UnpinPage(id, false))
	}

	_, err := bpm.FetchPage(4)
	require.NoError(t, err)

	bpm.latch.Lock()
	_, has2 := bpm.pageTable[2]
	_, has1 := bpm.pageTable[1]
	bpm.latch.Unlock()
	assert.False(t, has2, "page 2 was unpinned first and should be evicted")
	assert.True(t, has1)
}

func TestUnpinPage(t *testing.T) {
	bpm, _ := newTestPool(t, 2)

	page, err := bpm.FetchPage(1)
	require.NoError(t, err)

	require.NoError(t, bpm.UnpinPage(1, false))
	assert.Equal(t, int32(0), page.GetPinCount())
	assert.False(t, page.IsDirty())
	assert.Equal(t, uint32(1), bpm.EvictableCount())

	// Second unpin underflows and changes nothing
	err = bpm.UnpinPage(1, true)
	assert.True(t, errors.Is(err, ErrPinCountUnderflow))
	assert.Equal(t, int32(0), page.GetPinCount())
	assert.False(t, page.IsDirty())
	assert.Equal(t, uint32(1), bpm.EvictableCount())

	err = bpm.UnpinPage(99, false)
	assert.True(t, errors.Is(err, ErrUnknownPage))
	checkPoolInvariants(t, bpm)
}

func TestUnpinDirtyFlagIsSticky(t *testing.T) {
	bpm, _ := newTestPool(t, 2)

	page, err := bpm.FetchPage(1)
	require.NoError(t, err)
	_, err = bpm.FetchPage(1)
	require.NoError(t, err)

	require.NoError(t, bpm.UnpinPage(1, true))
	require.NoError(t, bpm.UnpinPage(1, false))
	assert.True(t, page.IsDirty())
	assert.Equal(t, 1, bpm.GetDirtyPageCount())
}

func TestRepinRemovesFromReplacer(t *testing.T) {
	bpm, _ := newTestPool(t, 1)

	_, err := bpm.FetchPage(1)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(1, false))
	assert.Equal(t, uint32(1), bpm.EvictableCount())

	_, err = bpm.FetchPage(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), bpm.EvictableCount())

	_, err = bpm.FetchPage(2)
	assert.True(t, errors.Is(err, ErrPoolExhausted))
	checkPoolInvariants(t, bpm)
}

func TestFlushPage(t *testing.T) {
	bpm, dm := newTestPool(t, 2)

	page, err := bpm.FetchPage(1)
	require.NoError(t, err)
	copy(page.GetData(), "flush me")
	require.NoError(t, bpm.UnpinPage(1, true))

	require.NoError(t, bpm.FlushPage(1))
	assert.False(t, page.IsDirty())
	assert.Equal(t, 1, dm.writeCount(1))
	assert.Equal(t, []byte("flush me"), dm.stored(1)[:8])

	// Clean page: no second write
	require.NoError(t, bpm.FlushPage(1))
	assert.Equal(t, 1, dm.writeCount(1))

	err = bpm.FlushPage(42)
	assert.True(t, errors.Is(err, ErrUnknownPage))
}

func TestFlushPinnedPage(t *testing.T) {
	bpm, dm := newTestPool(t, 2)

	page, err := bpm.FetchPage(1)
	require.NoError(t, err)
	_, err = bpm.FetchPage(1)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(1, true))

	require.NoError(t, bpm.FlushPage(1))
	assert.Equal(t, int32(1), page.GetPinCount())
	assert.Equal(t, 1, dm.writeCount(1))
	checkPoolInvariants(t, bpm)
}

func TestFlushAllPages(t *testing.T) {
	bpm, dm := newTestPool(t, 4)

	for _, id := range []PageID{1, 2, 3} {
		page, err := bpm.FetchPage(id)
		require.NoError(t, err)
		page.GetData()[0] = byte(id)
		require.NoError(t, bpm.UnpinPage(id, id != 2))
	}

	require.NoError(t, bpm.FlushAllPages())
	assert.Equal(t, 1, dm.writeCount(1))
	assert.Equal(t, 0, dm.writeCount(2))
	assert.Equal(t, 1, dm.writeCount(3))
	assert.Equal(t, 0, bpm.GetDirtyPageCount())

	require.NoError(t, bpm.FlushAllPages())
	assert.Equal(t, 2, dm.totalWrites())
}

func TestFlushAllPagesBatched(t *testing.T) {
	dm := &batchMemDiskManager{memDiskManager: newMemDiskManager()}
	bpm, err := NewBufferPoolManager(4, dm)
	require.NoError(t, err)

	for _, id := range []PageID{1, 2, 3} {
		_, err := bpm.FetchPage(id)
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(id, true))
	}

	require.NoError(t, bpm.FlushAllPages())
	assert.Equal(t, 1, dm.batches)
	assert.Equal(t, 3, dm.totalWrites())
	assert.Equal(t, 0, bpm.GetDirtyPageCount())

	// A failed batch leaves every page dirty
	for _, id := range []PageID{1, 2} {
		_, err := bpm.FetchPage(id)
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(id, true))
	}
	dm.setFailures(false, true, false)
	err = bpm.FlushAllPages()
	assert.True(t, IsStorageIOError(err))
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, 2, bpm.GetDirtyPageCount())
}

func TestFlushAllPagesReportsFailures(t *testing.T) {
	bpm, dm := newTestPool(t, 2)

	for _, id := range []PageID{1, 2} {
		_, err := bpm.FetchPage(id)
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(id, true))
	}

	dm.setFailures(false, true, false)
	err := bpm.FlushAllPages()
	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)
	assert.True(t, IsErrorCode(err, ErrCodeDiskWriteFailed))
	assert.Equal(t, 2, bpm.GetDirtyPageCount())
}

func TestNewPage(t *testing.T) {
	bpm, dm := newTestPool(t, 2)

	page, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, PageID(0), page.GetPageId())
	assert.Equal(t, int32(1), page.GetPinCount())
	assert.True(t, page.IsDirty(), "new page must reach the store")
	assert.Equal(t, make([]byte, PageSize), page.GetData())
	assert.Equal(t, 0, dm.readCount(0), "new page must not be read")

	second, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, PageID(1), second.GetPageId())
	assert.Equal(t, uint64(2), bpm.GetMetrics().GetPagesCreated())
	checkPoolInvariants(t, bpm)
}

func TestNewPageEvictsAndZeroes(t *testing.T) {
	bpm, dm := newTestPool(t, 1)

	page, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "old contents")
	require.NoError(t, bpm.UnpinPage(page.GetPageId(), true))

	fresh, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Same(t, page, fresh)
	assert.Equal(t, PageID(1), fresh.GetPageId())
	assert.Equal(t, make([]byte, PageSize), fresh.GetData())
	assert.Equal(t, []byte("old contents"), dm.stored(0)[:12])
}

// NewPage on a full pool consumes no page ID
func TestNewPageNoLeakWhenExhausted(t *testing.T) {
	bpm, dm := newTestPool(t, 2)

	for range 2 {
		_, err := bpm.NewPage()
		require.NoError(t, err)
	}

	_, err := bpm.NewPage()
	assert.True(t, errors.Is(err, ErrPoolExhausted))
	assert.Equal(t, PageID(2), dm.nextId, "no page ID may be consumed")
	checkPoolInvariants(t, bpm)
}

func TestNewPageAllocFailure(t *testing.T) {
	bpm, dm := newTestPool(t, 2)

	dm.setFailures(false, false, true)
	_, err := bpm.NewPage()
	assert.True(t, IsStorageIOError(err))
	assert.True(t, IsErrorCode(err, ErrCodeDiskAllocFailed))
	assert.Equal(t, 2, bpm.FreeFrameCount())
	checkPoolInvariants(t, bpm)
}

// Pinned pages cannot be deleted. A deleted page's frame is reused before
// anything is evicted.
func TestDeletePage(t *testing.T) {
	bpm, _ := newTestPool(t, 2)

	first, err := bpm.NewPage()
	require.NoError(t, err)
	firstId := first.GetPageId()

	second, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(second.GetPageId(), false))

	err = bpm.DeletePage(firstId)
	assert.True(t, errors.Is(err, ErrPageInUse))
	assert.Equal(t, 2, bpm.ResidentCount())

	require.NoError(t, bpm.UnpinPage(firstId, false))
	require.NoError(t, bpm.DeletePage(firstId))
	assert.Equal(t, 1, bpm.FreeFrameCount())
	assert.Equal(t, 1, bpm.ResidentCount())
	assert.Equal(t, InvalidPageID, first.GetPageId())
	checkPoolInvariants(t, bpm)

	reused, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Same(t, first, reused, "free frame must be used before eviction")
	assert.Equal(t, 2, bpm.ResidentCount(), "second page must not be evicted")
	assert.Equal(t, uint64(0), bpm.GetMetrics().GetPageEvictions())
	checkPoolInvariants(t, bpm)
}

func TestDeleteNonResidentPage(t *testing.T) {
	bpm, _ := newTestPool(t, 2)

	require.NoError(t, bpm.DeletePage(123))
	assert.Equal(t, 2, bpm.FreeFrameCount())
}

func TestDeletePageDeallocFailure(t *testing.T) {
	bpm, dm := newTestPool(t, 2)

	page, err := bpm.NewPage()
	require.NoError(t, err)
	id := page.GetPageId()
	require.NoError(t, bpm.UnpinPage(id, true))
	freeBefore := bpm.FreeFrameCount()

	dm.setDeallocFailure(true)
	err = bpm.DeletePage(id)
	require.Error(t, err)
	assert.True(t, IsStorageIOError(err))
	assert.ErrorIs(t, err, errInjected)

	assert.Equal(t, id, page.GetPageId(), "page must stay mapped")
	assert.True(t, page.IsDirty())
	assert.Equal(t, 1, bpm.ResidentCount())
	assert.Equal(t, uint32(1), bpm.EvictableCount())
	assert.Equal(t, freeBefore, bpm.FreeFrameCount())
	checkPoolInvariants(t, bpm)

	dm.setDeallocFailure(false)
	require.NoError(t, bpm.DeletePage(id))
	assert.Equal(t, 0, bpm.ResidentCount())
	checkPoolInvariants(t, bpm)
}

func TestDeleteDirtyPageDiscardsData(t *testing.T) {
	bpm, dm := newTestPool(t, 2)

	page, err := bpm.NewPage()
	require.NoError(t, err)
	id := page.GetPageId()
	copy(page.GetData(), "discard")
	require.NoError(t, bpm.UnpinPage(id, true))

	require.NoError(t, bpm.DeletePage(id))
	assert.Equal(t, 0, dm.writeCount(id))
	assert.Equal(t, 0, bpm.GetDirtyPageCount())
}

func TestFetchReadFailureReleasesFrame(t *testing.T) {
	bpm, dm := newTestPool(t, 2)

	dm.setFailures(true, false, false)
	_, err := bpm.FetchPage(5)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeDiskReadFailed))
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, 2, bpm.FreeFrameCount())
	assert.Equal(t, 0, bpm.ResidentCount())
	assert.Equal(t, uint64(1), bpm.GetMetrics().GetIOErrors())
	checkPoolInvariants(t, bpm)

	dm.setFailures(false, false, false)
	page, err := bpm.FetchPage(5)
	require.NoError(t, err)
	assert.Equal(t, PageID(5), page.GetPageId())
}

func TestEvictionWriteFailureKeepsVictim(t *testing.T) {
	bpm, dm := newTestPool(t, 1)

	page, err := bpm.FetchPage(1)
	require.NoError(t, err)
	copy(page.GetData(), "keep me")
	require.NoError(t, bpm.UnpinPage(1, true))

	dm.setFailures(false, true, false)
	_, err = bpm.FetchPage(2)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeDiskWriteFailed))

	// Victim stays mapped, dirty and evictable
	assert.Equal(t, 1, bpm.ResidentCount())
	assert.Equal(t, uint32(1), bpm.EvictableCount())
	assert.True(t, page.IsDirty())
	assert.Equal(t, PageID(1), page.GetPageId())
	checkPoolInvariants(t, bpm)

	dm.setFailures(false, false, false)
	_, err = bpm.FetchPage(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep me"), dm.stored(1)[:7])
}

func TestEvictionWriteFailureKeepsOrder(t *testing.T) {
	bpm, dm := newTestPool(t, 2)

	for _, id := range []PageID{1, 2} {
		_, err := bpm.FetchPage(id)
		require.NoError(t, err)
	}
	require.NoError(t, bpm.UnpinPage(1, true))
	require.NoError(t, bpm.UnpinPage(2, false))

	lru := bpm.replacer.(*LRUReplacer)
	before := lru.Frames()

	dm.setFailures(false, true, false)
	_, err := bpm.FetchPage(3)
	require.Error(t, err)
	assert.Equal(t, before, lru.Frames(), "failed fetch reordered the replacer")
	checkPoolInvariants(t, bpm)

	// The older page 1 is still the one evicted
	dm.setFailures(false, false, false)
	_, err = bpm.FetchPage(3)
	require.NoError(t, err)
	assert.Equal(t, 1, dm.writeCount(1))

	_, err = bpm.FetchPage(2)
	require.NoError(t, err)
	assert.Equal(t, 1, dm.readCount(2), "page 2 should still be resident")
	checkPoolInvariants(t, bpm)
}

func TestLogFlushedBeforePageWrite(t *testing.T) {
	var events []string
	dm := newMemDiskManager()
	dm.events = &events
	bpm, err := NewBufferPoolManager(1, dm)
	require.NoError(t, err)
	bpm.SetLogManager(&recordingLog{events: &events})

	_, err = bpm.FetchPage(1)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(1, true))
	_, err = bpm.FetchPage(2)
	require.NoError(t, err)

	assert.Equal(t, []string{"log flush", "write 1"}, events)
}

func TestLogFlushFailureBlocksWrite(t *testing.T) {
	var events []string
	bpm, dm := newTestPool(t, 2)
	bpm.SetLogManager(&recordingLog{events: &events, fail: true})

	_, err := bpm.FetchPage(1)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(1, true))

	err = bpm.FlushPage(1)
	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, 0, dm.writeCount(1))
	assert.Equal(t, 1, bpm.GetDirtyPageCount())
}

func TestGetDirtyPages(t *testing.T) {
	bpm, _ := newTestPool(t, 4)

	for _, id := range []PageID{1, 2, 3} {
		_, err := bpm.FetchPage(id)
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(id, id != 3))
	}

	assert.ElementsMatch(t, []PageID{1, 2}, bpm.GetDirtyPages(10))
	assert.Len(t, bpm.GetDirtyPages(1), 1)
	assert.Nil(t, bpm.GetDirtyPages(0))
	assert.Equal(t, 2, bpm.GetDirtyPageCount())
}

// TestBufferPoolSample walks a pool of ten frames through creation,
// exhaustion, eviction and reload with a file-backed store
func TestBufferPoolSample(t *testing.T) {
	dm, err := NewFileDiskManager(filepath.Join(t.TempDir(), "sample.db"))
	require.NoError(t, err)
	defer dm.Close()

	const poolSize = 10
	bpm, err := NewBufferPoolManager(poolSize, dm)
	require.NoError(t, err)

	page0, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, PageID(0), page0.GetPageId())

	copy(page0.GetData(), "Hello")
	assert.True(t, bytes.HasPrefix(page0.GetData(), []byte("Hello")))

	for i := 1; i < poolSize; i++ {
		_, err := bpm.NewPage()
		require.NoError(t, err)
	}

	for i := poolSize; i < 2*poolSize; i++ {
		_, err := bpm.NewPage()
		assert.True(t, errors.Is(err, ErrPoolExhausted))
	}

	for i := PageID(0); i < 5; i++ {
		require.NoError(t, bpm.UnpinPage(i, true))
	}
	for range 4 {
		_, err := bpm.NewPage()
		require.NoError(t, err)
	}

	// Page 0 was written back on eviction and reloads with its contents
	page0, err = bpm.FetchPage(0)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(page0.GetData(), []byte("Hello")))

	require.NoError(t, bpm.UnpinPage(0, true))
	_, err = bpm.NewPage()
	require.NoError(t, err)

	_, err = bpm.FetchPage(0)
	assert.True(t, errors.Is(err, ErrPoolExhausted))
	checkPoolInvariants(t, bpm)
}
