package ring

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/galera-project/gcache/encmmap"
	"github.com/galera-project/gcache/masterkey"
	"github.com/galera-project/gcache/preamble"
	"github.com/galera-project/gcache/seqno"
)

// Ptr is an offset into a RingBuffer's mmap'd file, pointing at a
// buffer's payload (immediately past its Header). It replaces the
// original's raw `void*` with a value safely comparable and storable
// without unsafe.Pointer — see DESIGN.md.
type Ptr int64

// NoPtr is returned by Malloc/Realloc on failure.
const NoPtr Ptr = -1

// ReservedHeaderLen is the fixed, currently-unused header slot spec.md
// §6 reserves between the preamble and the ring body
// (`[4096 .. 4096+HDR)`). The original leaves its purpose undocumented
// in the retrieved sources; we carry the slot forward for on-disk
// layout compatibility and do not assign it a meaning.
const ReservedHeaderLen = 64

var instanceSeq atomic.Uint64

// Stats reports RingBuffer space accounting, including the
// HighWaterMark supplemented feature (SPEC_FULL.md §5.4).
type Stats struct {
	SizeCache     int64
	SizeFree      int64
	SizeUsed      int64
	SizeTrail     int64
	HighWaterMark int64
}

// RingBuffer is the GCache ring-buffer allocator: a single mmap'd file
// holding variable-length, seqno-tagged buffers that are appended on
// the hot path and evicted in seqno order. The allocator (Malloc,
// Realloc, Free, AssignSeqno, SeqnoRelease) serializes on mu; holding
// a Ptr and reading through it requires no lock, matching spec.md §5's
// "lock-free on the read side" contract.
type RingBuffer struct {
	mu sync.Mutex

	file     *os.File
	mmap     encmmap.IMMap
	factory  *encmmap.Factory
	registry *encmmap.Registry

	instanceID uint64

	start, end, first, next int64

	sizeCache     int64
	sizeFree      int64
	sizeUsed      int64
	sizeTrail     int64
	highWaterMark int64

	index *seqno.Index[Ptr]
	gid   uuid.UUID

	encrypt    bool
	provider   masterkey.Provider
	rotMu      sync.Mutex
	mkID        int
	mkConstID   uuid.UUID
	mkUUID      uuid.UUID
	fileKey     []byte
	wrappingKey []byte
	headerPlain int64

	progress RecoveryProgress

	lastPreamble preamble.Preamble
	synced       bool
	closed       bool
}

// Open opens (or creates) path as a RingBuffer of sizeCache usable
// bytes. gid identifies the cluster this ring belongs to (spec.md
// §4.E). When WithRecover is set and the file already exists with
// exactly the size sizeCache implies, Recover runs instead of a hard
// Reset; a file of any other size is reset.
func Open(path string, sizeCache int64, gid uuid.UUID, opts ...Option) (*RingBuffer, error) {
	cfg := defaultRingConfig()
	for _, o := range opts {
		o.apply(&cfg)
	}

	bodyStart := int64(preamble.Len + ReservedHeaderLen)
	fileSize := bodyStart + sizeCache + HeaderSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ring: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ring: stat %s: %w", path, err)
	}
	existed := fi.Size() == fileSize
	if fi.Size() < fileSize {
		if err := f.Truncate(fileSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("ring: truncate %s: %w", path, err)
		}
	}

	registry := cfg.registry
	if registry == nil {
		registry = encmmap.NewRegistry()
	}
	factory := encmmap.NewFactory(registry)

	rb := &RingBuffer{
		file:        f,
		factory:     factory,
		registry:    registry,
		instanceID:  instanceSeq.Add(1),
		start:       bodyStart,
		end:         bodyStart + sizeCache,
		first:       bodyStart,
		next:        bodyStart,
		sizeCache:   sizeCache,
		sizeFree:    sizeCache,
		index:       seqno.New[Ptr](),
		gid:         gid,
		encrypt:     cfg.encrypt,
		provider:    cfg.masterKeyProvider,
		progress:    cfg.progress,
		headerPlain: int64(preamble.Len + ReservedHeaderLen),
	}

	if existed {
		var raw [preamble.Len]byte
		if _, err := f.ReadAt(raw[:], 0); err == nil {
			p, warnings := preamble.Decode(raw[:])
			for _, w := range warnings {
				log.Warn("preamble decode warning", "path", path, "warning", w)
			}
			rb.lastPreamble = p
		}
	}

	var key []byte
	if cfg.encrypt {
		key, err = rb.openKeysLocked(existed)
		if err != nil {
			f.Close()
			return nil, err
		}
		rb.fileKey = key
	}

	m, err := factory.Create(int(f.Fd()), fileSize, cfg.encrypt, key, cfg.pageSize, cfg.encCacheSize, true, rb.headerPlain)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ring: map %s: %w", path, err)
	}
	rb.mmap = m
	if cfg.encrypt {
		if em, ok := m.(*encmmap.EncMmap); ok {
			em.SetAccessMode(true)
		}
	}

	if cfg.recover && existed {
		if err := rb.Recover(); err != nil {
			log.Warn("recovery failed, falling back to reset", "path", path, "error", err)
			if err := rb.Reset(); err != nil {
				rb.mmap.Unmap()
				f.Close()
				return nil, err
			}
		}
	} else {
		if err := rb.Reset(); err != nil {
			rb.mmap.Unmap()
			f.Close()
			return nil, err
		}
	}

	return rb, nil
}

// MarkSynced writes a preamble with synced=1, the signal Recover
// checks to decide whether the previous process exited cleanly
// (spec.md §4.G). Cache.MarkSynced forwards here; the ServiceWorker
// does not call it.
func (rb *RingBuffer) MarkSynced() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.writePreambleLocked(true)
}

// Close flushes and unmaps the backing file. Safe to call once;
// subsequent calls are a no-op, matching the root package's
// ErrClosed convention for the rest of the API.
func (rb *RingBuffer) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return nil
	}
	rb.closed = true
	if err := rb.writePreambleLocked(rb.synced); err != nil {
		log.Warn("close: write preamble failed", "error", err)
	}
	var errs []error
	if err := rb.mmap.Unmap(); err != nil {
		errs = append(errs, err)
	}
	if err := rb.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if rb.provider != nil {
		if err := rb.provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadAt and WriteAt expose the mmap'd payload region directly,
// bypassing rb.mu: they are the "lock-free read" side of spec.md §5 —
// EncMmap serializes its page table under its own mutex, FileMmap
// copies straight into the shared mapping without a lock, and a
// caller holding a Ptr never needs the allocator's mutex to use it.
func (rb *RingBuffer) ReadAt(p []byte, off int64) (int, error) {
	return rb.mmap.ReadAt(p, off)
}

func (rb *RingBuffer) WriteAt(p []byte, off int64) (int, error) {
	return rb.mmap.WriteAt(p, off)
}

// Stats reports the current space accounting.
func (rb *RingBuffer) Stats() Stats {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return Stats{
		SizeCache:     rb.sizeCache,
		SizeFree:      rb.sizeFree,
		SizeUsed:      rb.sizeUsed,
		SizeTrail:     rb.sizeTrail,
		HighWaterMark: rb.highWaterMark,
	}
}

// Malloc allocates a buffer and returns a Ptr to its payload area.
// size is the buffer's total on-disk footprint, header included —
// the same unit spec.md §4.E's malloc(size) and Header.Size use
// (see DESIGN.md for why the Go API keeps this rather than hiding the
// header, despite it being unusual for a Go allocator: it's what keeps
// spec.md's own S1-S3 scenario arithmetic checkable verbatim).
// Returns (NoPtr, false) if size exceeds half the cache, or if there
// is not currently enough free/reclaimable space — the data path
// never returns an error, per spec.md §7.
func (rb *RingBuffer) Malloc(size uint32) (Ptr, bool) {
	total := int64(AlignUp(size))
	if total <= HeaderSize {
		return NoPtr, false
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if total > rb.sizeCache/2 {
		return NoPtr, false
	}
	if total > rb.sizeCache-rb.sizeUsed {
		return NoPtr, false
	}

	off, ok := rb.getNewBufferLocked(total)
	if !ok {
		return NoPtr, false
	}
	return Ptr(off + HeaderSize), true
}

// Realloc resizes the buffer at ptr. newSize is, like Malloc's size,
// the total on-disk footprint including the header. Shrinking is a
// no-op that keeps ptr; growing tries to extend in place when ptr is
// the most recent allocation, otherwise falls back to
// allocate+copy+free.
func (rb *RingBuffer) Realloc(ptr Ptr, newSize uint32) (Ptr, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	off := int64(ptr) - HeaderSize
	h, err := rb.headerAt(off)
	if err != nil {
		return NoPtr, false
	}

	newTotal := int64(AlignUp(newSize))
	if newTotal <= HeaderSize {
		return NoPtr, false
	}
	if newTotal > rb.sizeCache/2 {
		return NoPtr, false
	}
	if newTotal <= int64(h.Size) {
		return ptr, true
	}

	if off+int64(h.Size) == rb.next {
		delta := newTotal - int64(h.Size)
		// In two-segment layout (next has already wrapped past start
		// and sits behind first), the live head at first bounds growth,
		// not end: extending next past it would overwrite live data.
		limit := rb.end
		if rb.next < rb.first {
			limit = rb.first
		}
		if limit-rb.next-delta >= HeaderSize {
			h.Size = uint32(newTotal)
			if err := rb.writeHeaderAt(off, h); err != nil {
				return NoPtr, false
			}
			rb.next += delta
			if err := rb.writeClearAt(rb.next); err != nil {
				return NoPtr, false
			}
			rb.sizeUsed += delta
			rb.sizeFree -= delta
			if rb.sizeUsed > rb.highWaterMark {
				rb.highWaterMark = rb.sizeUsed
			}
			return ptr, true
		}
	}

	newOff, ok := rb.getNewBufferLocked(newTotal)
	if !ok {
		return NoPtr, false
	}
	newPtr := Ptr(newOff + HeaderSize)

	payloadLen := int64(h.Size) - HeaderSize
	buf := make([]byte, payloadLen)
	if _, err := rb.mmap.ReadAt(buf, int64(ptr)); err != nil {
		return NoPtr, false
	}
	if _, err := rb.mmap.WriteAt(buf, int64(newPtr)); err != nil {
		return NoPtr, false
	}
	if err := rb.freeLocked(off); err != nil {
		return NoPtr, false
	}
	return newPtr, true
}

// Free releases the buffer at ptr. If it was never ordered
// (AssignSeqno was never called), it is discarded in place
// immediately; otherwise it is left RELEASED for the allocator or
// SeqnoRelease to reclaim later.
func (rb *RingBuffer) Free(ptr Ptr) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.freeLocked(int64(ptr) - HeaderSize)
}

func (rb *RingBuffer) freeLocked(off int64) error {
	h, err := rb.headerAt(off)
	if err != nil {
		return err
	}
	h.Flags |= FlagReleased
	if h.SeqnoG == SeqnoNone {
		h.SeqnoG = SeqnoIll
	}
	if err := rb.writeHeaderAt(off, h); err != nil {
		return err
	}
	rb.sizeUsed -= int64(h.Size)
	rb.sizeFree += int64(h.Size)
	return nil
}

// AssignSeqno orders the buffer at ptr under seqno s. s must be
// strictly greater than the SeqnoIndex's current back (or the index
// must be empty) — callers violating writer-local monotonicity have a
// bug, not a runtime condition (seqno.Index.Insert panics).
func (rb *RingBuffer) AssignSeqno(ptr Ptr, s int64) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	off := int64(ptr) - HeaderSize
	h, err := rb.headerAt(off)
	if err != nil {
		return err
	}
	h.SeqnoG = s
	if err := rb.writeHeaderAt(off, h); err != nil {
		return err
	}
	rb.index.Insert(s, ptr)
	return nil
}

// SeqnoRelease discards every seqno in [IndexFront, s] in order,
// stopping as soon as it reaches a buffer that is not yet RELEASED —
// a pinned buffer holds everything behind it, per spec.md §4.E.
func (rb *RingBuffer) SeqnoRelease(s int64) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for {
		front, ok := rb.index.IndexFront()
		if !ok || front > s {
			return nil
		}
		ptr, ok := rb.index.Get(front)
		if !ok {
			rb.index.Erase(front)
			continue
		}
		off := int64(ptr) - HeaderSize
		h, err := rb.headerAt(off)
		if err != nil {
			return err
		}
		if !h.Released() {
			return nil
		}
		h.SeqnoG = SeqnoIll
		if err := rb.writeHeaderAt(off, h); err != nil {
			return err
		}
		rb.index.Erase(front)
	}
}

// SeqnoReset invalidates every ordered buffer's seqno back to NONE,
// empties the SeqnoIndex, and recomputes first/size accounting by
// walking forward over RELEASED buffers. When zeroOut is true, the
// free regions are memset to zero and fsynced (SPEC_FULL.md §5.5).
func (rb *RingBuffer) SeqnoReset(zeroOut bool) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.index.Range(func(_ int64, ptr Ptr) bool {
		off := int64(ptr) - HeaderSize
		if h, err := rb.headerAt(off); err == nil {
			h.SeqnoG = SeqnoNone
			_ = rb.writeHeaderAt(off, h)
		}
		return true
	})
	rb.index.Clear(SeqnoNone)

	first := rb.first
	for first != rb.next {
		h, err := rb.headerAt(first)
		if err != nil || h.Size == 0 {
			if first != rb.start {
				first = rb.start
				continue
			}
			break
		}
		if !h.Released() {
			break
		}
		first += int64(h.Size)
		if first >= rb.end {
			first = rb.start
		}
	}
	rb.first = first
	rb.estimateSpaceLocked()

	if zeroOut {
		if err := rb.zeroFreeRegionsLocked(); err != nil {
			return err
		}
		return rb.mmap.Sync()
	}
	return nil
}

// Reset hard-resets the ring: drops everything in the SeqnoIndex,
// zeroes the backing region, and moves first/next back to start.
func (rb *RingBuffer) Reset() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if err := rb.writePreambleLocked(false); err != nil {
		return err
	}

	rb.index.Clear(SeqnoNone)
	rb.first = rb.start
	rb.next = rb.start

	if err := rb.zeroBodyLocked(); err != nil {
		return err
	}
	if err := rb.writeClearAt(rb.next); err != nil {
		return err
	}

	rb.sizeFree = rb.sizeCache
	rb.sizeUsed = 0
	rb.sizeTrail = 0

	log.Info("ring buffer reset", "size_cache", rb.sizeCache)
	return rb.mmap.Sync()
}

func (rb *RingBuffer) estimateSpaceLocked() {
	if rb.next >= rb.first {
		rb.sizeTrail = 0
		used := rb.next - rb.first
		rb.sizeUsed = used
		rb.sizeFree = rb.sizeCache - used
	} else {
		used := (rb.end - rb.first) + (rb.next - rb.start)
		rb.sizeUsed = used
		rb.sizeFree = rb.sizeCache - used
	}
}

func (rb *RingBuffer) zeroBodyLocked() error {
	zero := make([]byte, 1<<16)
	off := rb.start
	for off < rb.end+HeaderSize {
		n := int64(len(zero))
		if rb.end+HeaderSize-off < n {
			n = rb.end + HeaderSize - off
		}
		if _, err := rb.mmap.WriteAt(zero[:n], off); err != nil {
			return fmt.Errorf("ring: zero body: %w", err)
		}
		off += n
	}
	return nil
}

// zeroFreeRegionsLocked memsets the ring's currently-free span(s), the
// SeqnoReset(zeroOut=true) behavior original_source's gu_alloc.cpp
// fsyncs after (SPEC_FULL.md §5.5).
func (rb *RingBuffer) zeroFreeRegionsLocked() error {
	zero := make([]byte, 1<<16)
	write := func(from, to int64) error {
		for off := from; off < to; {
			n := int64(len(zero))
			if to-off < n {
				n = to - off
			}
			if _, err := rb.mmap.WriteAt(zero[:n], off); err != nil {
				return fmt.Errorf("ring: zero free region: %w", err)
			}
			off += n
		}
		return nil
	}
	if rb.next >= rb.first {
		if err := write(rb.start, rb.first); err != nil {
			return err
		}
		return write(rb.next, rb.end)
	}
	return write(rb.next, rb.first)
}
