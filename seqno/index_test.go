package seqno

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexInsertAndGet(t *testing.T) {
	idx := New[int]()
	assert.True(t, idx.Empty())

	idx.Insert(5, 500)
	idx.Insert(6, 600)
	idx.Insert(8, 800)

	front, ok := idx.IndexFront()
	require.True(t, ok)
	assert.Equal(t, int64(5), front)

	back, ok := idx.IndexBack()
	require.True(t, ok)
	assert.Equal(t, int64(8), back)

	v, ok := idx.Get(6)
	require.True(t, ok)
	assert.Equal(t, 600, v)

	_, ok = idx.Get(7) // hole
	assert.False(t, ok)

	assert.Equal(t, 3, idx.Size())
}

func TestIndexInsertRejectsNonMonotonic(t *testing.T) {
	idx := New[int]()
	idx.Insert(5, 1)
	assert.Panics(t, func() { idx.Insert(5, 2) })
	assert.Panics(t, func() { idx.Insert(4, 2) })
}

func TestIndexEraseUpToGapless(t *testing.T) {
	// S4 scenario shape: {5,6,7,8, hole, 10,11}.
	idx := New[int]()
	for _, s := range []int64{5, 6, 7, 8, 10, 11} {
		idx.Insert(s, int(s))
	}

	idx.EraseUpTo(8)

	front, ok := idx.IndexFront()
	require.True(t, ok)
	assert.Equal(t, int64(10), front)

	back, ok := idx.IndexBack()
	require.True(t, ok)
	assert.Equal(t, int64(11), back)
	assert.Equal(t, 2, idx.Size())
}

func TestIndexEraseUpToEmptiesIndex(t *testing.T) {
	idx := New[int]()
	idx.Insert(1, 1)
	idx.Insert(2, 2)
	idx.EraseUpTo(100)
	assert.True(t, idx.Empty())
}

func TestIndexEraseLeavesHole(t *testing.T) {
	idx := New[int]()
	idx.Insert(1, 1)
	idx.Insert(2, 2)
	idx.Insert(3, 3)

	_, ok := idx.Erase(2)
	require.True(t, ok)

	front, _ := idx.IndexFront()
	back, _ := idx.IndexBack()
	assert.Equal(t, int64(1), front)
	assert.Equal(t, int64(3), back)
	_, ok = idx.Get(2)
	assert.False(t, ok)
}

func TestIndexClear(t *testing.T) {
	idx := New[int]()
	idx.Insert(1, 1)
	idx.Insert(2, 2)
	idx.Clear(50)
	assert.True(t, idx.Empty())
	idx.Insert(51, 9)
	front, _ := idx.IndexFront()
	assert.Equal(t, int64(51), front)
}
