package ring

import "fmt"

// headerAt reads and decodes the header at absolute file offset off.
// Internal callers trust the bytes they wrote themselves; BHTest is
// only used against untrusted bytes during Recover's scan.
func (rb *RingBuffer) headerAt(off int64) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := rb.mmap.ReadAt(buf[:], off); err != nil {
		return Header{}, fmt.Errorf("ring: read header at %d: %w", off, err)
	}
	return DecodeHeader(buf[:]), nil
}

func (rb *RingBuffer) writeHeaderAt(off int64, h Header) error {
	var buf [HeaderSize]byte
	EncodeHeader(buf[:], h)
	if _, err := rb.mmap.WriteAt(buf[:], off); err != nil {
		return fmt.Errorf("ring: write header at %d: %w", off, err)
	}
	return nil
}

func (rb *RingBuffer) writeClearAt(off int64) error {
	var buf [HeaderSize]byte
	EncodeClear(buf[:])
	if _, err := rb.mmap.WriteAt(buf[:], off); err != nil {
		return fmt.Errorf("ring: write clear marker at %d: %w", off, err)
	}
	return nil
}

func (rb *RingBuffer) isClearAt(off int64) (bool, error) {
	var buf [HeaderSize]byte
	if _, err := rb.mmap.ReadAt(buf[:], off); err != nil {
		return false, err
	}
	return IsClear(buf[:]), nil
}

// getNewBufferLocked is the slot finder of spec.md §4.E, translated
// from gcache_rb_store.cpp's get_new_buffer. size is the buffer's
// total span, header included (AlignUp of Malloc's size argument) —
// the same unit Malloc takes (see DESIGN.md) and Header.Size is
// defined in. The finder looks for size+HeaderSize bytes so the clear
// marker written after the buffer also fits.
func (rb *RingBuffer) getNewBufferLocked(size int64) (int64, bool) {
	ret := rb.next
	sizeNext := size + HeaderSize

	if ret >= rb.first {
		endSize := rb.end - ret
		if endSize >= sizeNext {
			return rb.placeLocked(ret, size), true
		}
		rb.sizeTrail = endSize
		ret = rb.start
	}

	for rb.first-ret < sizeNext {
		h, err := rb.headerAt(rb.first)
		if err != nil || !h.Released() {
			if rb.next >= rb.first {
				rb.sizeTrail = 0
			}
			return 0, false
		}
		if h.SeqnoG > SeqnoNone && !rb.discardSeqnoLocked(h.SeqnoG) {
			if rb.next >= rb.first {
				rb.sizeTrail = 0
			}
			return 0, false
		}

		rb.first += int64(h.Size)

		if clear, err := rb.isClearAt(rb.first); err == nil && clear {
			// Segment boundary: wrap first and re-check whether ret
			// now has room before the (possibly wrapped) first.
			rb.first = rb.start
			if rb.end-ret >= sizeNext {
				rb.sizeTrail = 0
				return rb.placeLocked(ret, size), true
			}
			rb.sizeTrail = rb.end - ret
			ret = rb.start
		}
	}

	return rb.placeLocked(ret, size), true
}

// placeLocked writes a fresh, unordered header at ret, advances next,
// and writes a trailing clear marker — step 3 of spec.md §4.E's slot
// finder.
func (rb *RingBuffer) placeLocked(ret, size int64) int64 {
	rb.sizeUsed += size
	rb.sizeFree -= size
	if rb.sizeUsed > rb.highWaterMark {
		rb.highWaterMark = rb.sizeUsed
	}

	h := Header{
		Size:    uint32(size),
		Flags:   0,
		SeqnoG:  SeqnoNone,
		StoreID: StoreRB,
		Ctx:     rb.instanceID,
	}
	_ = rb.writeHeaderAt(ret, h)
	rb.next = ret + size
	_ = rb.writeClearAt(rb.next)
	return ret
}

// discardSeqnoLocked attempts to evict the SeqnoIndex entry at seqno
// s, the single-store (RB-only) specialization of spec.md §4.E's
// discard_seqno: MEM/PAGE dispatch is reserved for collaborating
// stores this module does not implement (see DESIGN.md).
func (rb *RingBuffer) discardSeqnoLocked(s int64) bool {
	ptr, ok := rb.index.Get(s)
	if !ok {
		return true
	}
	off := int64(ptr) - HeaderSize
	h, err := rb.headerAt(off)
	if err != nil || !h.Released() {
		return false
	}
	h.SeqnoG = SeqnoIll
	if err := rb.writeHeaderAt(off, h); err != nil {
		return false
	}
	rb.index.Erase(s)
	return true
}
