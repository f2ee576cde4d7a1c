package storage

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
)

// LRUReplacer implements LRU (Least Recently Used) replacement policy.
// Recency is the order in which frames became evictable.
type LRUReplacer struct {
	capacity uint32
	lru      *simplelru.LRU
	mutex    sync.Mutex
}

var _ Replacer = (*LRUReplacer)(nil)

// NewLRUReplacer creates a new LRU replacer able to track capacity frames
func NewLRUReplacer(capacity uint32) *LRUReplacer {
	if capacity == 0 {
		panic("lru replacer capacity must be greater than 0")
	}

	// Tracked frames are a subset of the pool, so the cache never evicts on Add.
	lru, err := simplelru.NewLRU(int(capacity), nil)
	if err != nil {
		panic(fmt.Sprintf("lru replacer: %v", err))
	}

	return &LRUReplacer{
		capacity: capacity,
		lru:      lru,
	}
}

// Victim selects a frame to evict using LRU policy
func (r *LRUReplacer) Victim() (FrameID, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	key, _, ok := r.lru.RemoveOldest()
	if !ok {
		return 0, false
	}
	return key.(FrameID), true
}

// Peek returns the next victim and leaves it tracked
func (r *LRUReplacer) Peek() (FrameID, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	key, _, ok := r.lru.GetOldest()
	if !ok {
		return 0, false
	}
	return key.(FrameID), true
}

// Pin removes a frame from the replacer
func (r *LRUReplacer) Pin(frameID FrameID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.lru.Remove(frameID)
}

// Unpin makes a frame evictable
func (r *LRUReplacer) Unpin(frameID FrameID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if uint32(frameID) >= r.capacity {
		panic(fmt.Sprintf("lru replacer: frame %d out of range [0, %d)", frameID, r.capacity))
	}

	// Contains does not touch recency; Add on a present key would.
	if r.lru.Contains(frameID) {
		return
	}
	r.lru.Add(frameID, struct{}{})
}

// Size returns the number of evictable frames
func (r *LRUReplacer) Size() uint32 {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return uint32(r.lru.Len())
}

// Frames returns the evictable frames, next victim first
func (r *LRUReplacer) Frames() []FrameID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	keys := r.lru.Keys()
	frames := make([]FrameID, 0, len(keys))
	for _, k := range keys {
		frames = append(frames, k.(FrameID))
	}
	return frames
}
