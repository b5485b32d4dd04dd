// Package seqno implements the sparse seqno-indexed map described in
// spec.md §3/§4.F: a "deque-like structure indexed by seqno, dense
// between index_front() and index_back() (holes allowed)". Backed by
// skipmap for ordered, lock-free reads and O(log n) insert/erase —
// the same structure the teacher uses for its blob index
// (index/skipmap_index.go).
package seqno

import (
	"fmt"
	"sync"

	"github.com/zhangyunhao116/skipmap"
)

// Index maps a monotonically-increasing seqno to a caller-defined
// value V (a payload reference: an offset into a RingBuffer, a pointer
// tag for a collaborating store, etc). The map itself never grows
// unbounded in practice: RingBuffer.SeqnoRelease and Recover keep it
// trimmed to the live window.
type Index[V any] struct {
	mu    sync.Mutex // serializes insert/erase bookkeeping; Get/Range stay lock-free
	m     *skipmap.Int64Map[V]
	front int64
	back  int64
	n     int
}

// New returns an empty Index.
func New[V any]() *Index[V] {
	return &Index[V]{m: skipmap.NewInt64[V]()}
}

// Empty reports whether the index has no entries.
func (idx *Index[V]) Empty() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.n == 0
}

// Size returns the number of present (non-hole) entries.
func (idx *Index[V]) Size() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.n
}

// IndexFront returns the smallest seqno currently present.
func (idx *Index[V]) IndexFront() (int64, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.n == 0 {
		return 0, false
	}
	return idx.front, true
}

// IndexBack returns the largest seqno currently present.
func (idx *Index[V]) IndexBack() (int64, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.n == 0 {
		return 0, false
	}
	return idx.back, true
}

// Insert requires the index be empty or s > IndexBack(); this is the
// "SeqnoIndex.insert is globally monotonic" contract of spec.md §5.
// Callers that violate it have a programmer bug, not a runtime
// condition — Insert panics, mirroring the teacher's doRotateUnderLock
// invariant panics in memtable.go.
func (idx *Index[V]) Insert(s int64, v V) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.n > 0 && s <= idx.back {
		panic(fmt.Sprintf("seqno: Insert(%d) not > back %d", s, idx.back))
	}
	idx.m.Store(s, v)
	if idx.n == 0 {
		idx.front = s
	}
	idx.back = s
	idx.n++
}

// Get returns the value stored at seqno s, if present (not a hole).
func (idx *Index[V]) Get(s int64) (V, bool) {
	return idx.m.Load(s)
}

// Erase removes a single seqno, leaving a hole if it was not the
// front or back entry. Returns the erased value, if any.
func (idx *Index[V]) Erase(s int64) (V, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	v, ok := idx.m.LoadAndDelete(s)
	if !ok {
		return v, false
	}
	idx.n--
	if idx.n == 0 {
		idx.front, idx.back = 0, 0
		return v, true
	}
	if s == idx.front {
		idx.front = idx.nextPresentLocked(s)
	}
	if s == idx.back {
		idx.back = idx.prevPresentLocked(s)
	}
	return v, true
}

// EraseUpTo deletes every present entry with seqno <= s and advances
// IndexFront to the next surviving entry (or empties the index if
// none remain). RingBuffer's recovery uses it to drop everything below
// the longest gapless suffix; SeqnoRelease and the slot finder's
// discard erase one seqno at a time with Erase.
func (idx *Index[V]) EraseUpTo(s int64) (erased int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.n == 0 {
		return 0
	}
	var newFront int64
	found := false
	idx.m.Range(func(key int64, _ V) bool {
		if key <= s {
			idx.m.Delete(key)
			erased++
			return true
		}
		newFront = key
		found = true
		return false
	})
	idx.n -= erased
	if !found || idx.n == 0 {
		idx.front, idx.back, idx.n = 0, 0, 0
		return erased
	}
	idx.front = newFront
	return erased
}

// Clear drops every entry and resets the index, as if freshly
// constructed. base is recorded for callers that want to resume
// assigning from a known watermark; the index itself does not use it.
func (idx *Index[V]) Clear(base int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.m = skipmap.NewInt64[V]()
	idx.front, idx.back, idx.n = base, base, 0
}

// Range iterates entries in ascending seqno order. fn returning false
// stops iteration early. Safe for concurrent Insert/Erase per skipmap's
// own guarantees; this mirrors the teacher's idx.blobs.Range usage.
func (idx *Index[V]) Range(fn func(seqno int64, v V) bool) {
	idx.m.Range(fn)
}

// nextPresentLocked returns the smallest present key > after, or
// after unchanged (caller only calls this when n > 0).
func (idx *Index[V]) nextPresentLocked(after int64) int64 {
	next := after
	idx.m.Range(func(key int64, _ V) bool {
		if key > after {
			next = key
			return false
		}
		return true
	})
	return next
}

// prevPresentLocked returns the largest present key < before.
func (idx *Index[V]) prevPresentLocked(before int64) int64 {
	var prev int64
	idx.m.Range(func(key int64, _ V) bool {
		if key >= before {
			return false
		}
		prev = key
		return true
	})
	return prev
}
