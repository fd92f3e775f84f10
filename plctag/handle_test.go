package plctag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleTableAllocateIsMonotonic(t *testing.T) {
	ht := newHandleTable()

	h1 := ht.allocate(&Tag{})
	h2 := ht.allocate(&Tag{})
	h3 := ht.allocate(&Tag{})

	assert.Equal(t, int32(1), h1)
	assert.Equal(t, int32(2), h2)
	assert.Equal(t, int32(3), h3)
}

func TestHandleTableAllocateWraps(t *testing.T) {
	ht := newHandleTable()
	ht.next = 0x7FFFFFFF

	h1 := ht.allocate(&Tag{})
	h2 := ht.allocate(&Tag{})

	assert.Equal(t, int32(0x7FFFFFFF), h1)
	assert.Equal(t, int32(1), h2, "next wraps back to 1 once it overflows past zero")
}

func TestHandleTableAllocateSkipsHandlesInUse(t *testing.T) {
	ht := newHandleTable()
	ht.next = 5
	ht.tags[5] = &Tag{}

	h := ht.allocate(&Tag{})
	assert.Equal(t, int32(6), h, "allocate must skip a handle that is still occupied")
}

func TestHandleTableBorrowUnknownHandle(t *testing.T) {
	ht := newHandleTable()
	got := ht.borrow(999)
	assert.Nil(t, got)
}

func TestHandleTableBorrowIncrementsRefCount(t *testing.T) {
	ht := newHandleTable()
	tag := &Tag{}
	handle := ht.allocate(tag)
	tag.handle = handle

	got := ht.borrow(handle)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.refCount)

	ht.borrow(handle)
	assert.Equal(t, 2, got.refCount)
}

func TestHandleTableDestroyRemovesFromLookupImmediately(t *testing.T) {
	ht := newHandleTable()
	tag := &Tag{}
	handle := ht.allocate(tag)
	tag.handle = handle

	tagErr := ht.destroy(handle)
	assert.Nil(t, tagErr)
	assert.Nil(t, ht.borrow(handle), "destroyed handle must no longer resolve, even before refs drain")
}

func TestHandleTableDestroyUnknownHandle(t *testing.T) {
	ht := newHandleTable()
	tagErr := ht.destroy(42)
	require.NotNil(t, tagErr)
	assert.Equal(t, StatusErrNotFound, tagErr.Kind)
}

func TestHandleTableDestroyIsIdempotent(t *testing.T) {
	ht := newHandleTable()
	tag := &Tag{}
	handle := ht.allocate(tag)
	tag.handle = handle

	first := ht.destroy(handle)
	assert.Nil(t, first)

	second := ht.destroy(handle)
	require.NotNil(t, second, "a second destroy of the same handle must report NOT_FOUND, not succeed silently")
	assert.Equal(t, StatusErrNotFound, second.Kind)
}

func TestHandleTableReleaseFreesAfterDestroyWithNoOutstandingBorrows(t *testing.T) {
	ht := newHandleTable()
	tag := &Tag{}
	handle := ht.allocate(tag)
	tag.handle = handle

	borrowed := ht.borrow(handle)
	require.NotNil(t, borrowed)

	ht.destroy(handle)
	ht.release(borrowed)

	assert.True(t, borrowed.destroyed)
	assert.LessOrEqual(t, borrowed.refCount, 0)
}

func TestHandleTableReleaseKeepsTagAliveWhileBorrowed(t *testing.T) {
	ht := newHandleTable()
	tag := &Tag{}
	handle := ht.allocate(tag)
	tag.handle = handle

	first := ht.borrow(handle)
	ht.borrow(handle)

	ht.destroy(handle)
	ht.release(first)

	assert.Equal(t, 1, tag.refCount, "one outstanding borrow remains after a single release")
	assert.True(t, tag.destroyed)
}
