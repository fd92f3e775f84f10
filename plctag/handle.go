package plctag

import (
	"sync"

	"github.com/yatesdr/plctag/metrics"
)

// handleTable maps externally-visible int32 handles to tags, with monotonic
// allocation wrapping to 1 and reference-counted borrow/release protecting
// against use-after-destroy. Grounded on the mutex-guarded-map idiom the
// teacher repo uses throughout its manager types (a small struct wrapping a
// map behind sync.Mutex, with every access behind a small accessor method);
// the handle-indexed borrow/release semantics themselves are new, since the
// teacher addresses PLCs through one struct per connection, never a shared
// table of opaque integer handles.
type handleTable struct {
	mu     sync.Mutex
	tags   map[int32]*Tag
	next   int32
}

func newHandleTable() *handleTable {
	return &handleTable{
		tags: make(map[int32]*Tag),
		next: 1,
	}
}

// allocate assigns the next free handle to tag and returns it.
func (h *handleTable) allocate(tag *Tag) int32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		handle := h.next
		h.next++
		if h.next <= 0 {
			h.next = 1
		}
		if _, inUse := h.tags[handle]; !inUse {
			h.tags[handle] = tag
			metrics.ActiveTags.Inc()
			return handle
		}
	}
}

// borrow looks up handle and increments its tag's reference count, blocking
// destroy until release is called. Returns nil if the handle is unknown.
func (h *handleTable) borrow(handle int32) *Tag {
	h.mu.Lock()
	defer h.mu.Unlock()

	tag, ok := h.tags[handle]
	if !ok {
		return nil
	}
	tag.refMu.Lock()
	tag.refCount++
	tag.refMu.Unlock()
	return tag
}

// release decrements a tag's reference count, freeing its backing storage
// (and removing it from the table, if not already removed) once the count
// reaches zero and the tag has been destroyed.
func (h *handleTable) release(tag *Tag) {
	tag.refMu.Lock()
	tag.refCount--
	shouldFree := tag.refCount <= 0 && tag.destroyed
	tag.refMu.Unlock()

	if shouldFree {
		h.mu.Lock()
		delete(h.tags, tag.handle)
		h.mu.Unlock()
		metrics.ActiveTags.Dec()
	}
}

// destroy marks handle's tag destroyed and removes it from lookup
// immediately; the tag object itself is freed once outstanding borrows
// release it. Returns NOT_FOUND for an unknown or already-destroyed handle.
func (h *handleTable) destroy(handle int32) *TagError {
	h.mu.Lock()
	tag, ok := h.tags[handle]
	if ok {
		delete(h.tags, handle)
	}
	h.mu.Unlock()

	if !ok {
		return errNotFound("handle %d not found", handle)
	}

	tag.refMu.Lock()
	alreadyDestroyed := tag.destroyed
	tag.destroyed = true
	tag.refMu.Unlock()

	if alreadyDestroyed {
		return errNotFound("handle %d already destroyed", handle)
	}
	return nil
}
