package storage

// Replacer selects victim frames among the frames that no caller has pinned.
// It knows nothing about page IDs, dirty state or the disk.
type Replacer interface {
	// Victim removes and returns the frame that has been evictable longest.
	// Returns false if no frame is evictable.
	Victim() (FrameID, bool)

	// Peek returns the frame Victim would return without removing it
	Peek() (FrameID, bool)

	// Pin removes a frame from the evictable set. No-op if absent.
	Pin(frameID FrameID)

	// Unpin adds a frame to the evictable set as the most recent one.
	// A frame that is already evictable keeps its position.
	Unpin(frameID FrameID)

	// Size returns the number of evictable frames
	Size() uint32
}
