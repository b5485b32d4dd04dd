// Package ring implements the GCache ring-buffer allocator: a
// contiguous byte region holding variable-length, seqno-tagged buffers
// that are appended on the hot path and evicted in seqno order.
package ring

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Store discriminates which backing store owns a buffer once it has
// been inserted into a shared SeqnoIndex. Only RB buffers are produced
// by this package; MEM and PAGE are reserved for collaborating stores
// (an in-memory overflow store and a page-cache-backed store) that may
// share the same index, per spec.md's "tagged variant" design note.
type Store uint8

const (
	StoreRB   Store = 0
	StoreMem  Store = 1
	StorePage Store = 2
)

func (s Store) String() string {
	switch s {
	case StoreRB:
		return "RB"
	case StoreMem:
		return "MEM"
	case StorePage:
		return "PAGE"
	default:
		return "UNKNOWN"
	}
}

// Alignment every buffer size is rounded up to.
const Alignment = 8

// HeaderSize is the fixed, tightly-packed on-disk layout: size(4) +
// flags(4) + seqno_g(8) + store(1) + magic(7) + ctx(8) = 32 bytes.
const HeaderSize = 32

// Sentinel seqno values.
const (
	SeqnoNone int64 = 0
	SeqnoIll  int64 = -1
)

// Flag bits.
const (
	FlagReleased uint32 = 1 << 0
)

// Header is the fixed-layout record prefixing every buffer's payload.
// A Header with Size==0 is a "clear marker" terminating a segment; it
// is never magic-checked. Header lives in-band: RingBuffer never hands
// out a raw pointer, only a byte offset into its mmap'd region, and
// the unexported headerAt/writeHeaderAt helpers (Ptr - HeaderSize,
// read and written through the mmap's bounds-checked ReadAt/WriteAt)
// are the boundary between "logical offset" and "raw byte slice",
// replacing the original's `ptr - HEADER_LEN` pointer arithmetic.
type Header struct {
	Size    uint32
	Flags   uint32
	SeqnoG  int64
	StoreID Store
	Ctx     uint64
}

// AlignUp rounds size up to the nearest multiple of Alignment.
func AlignUp(size uint32) uint32 {
	return (size + Alignment - 1) &^ (Alignment - 1)
}

// Released reports whether the RELEASED bit is set.
func (h Header) Released() bool { return h.Flags&FlagReleased != 0 }

// Ordered reports whether a seqno has been assigned.
func (h Header) Ordered() bool { return h.SeqnoG != SeqnoNone && h.SeqnoG != SeqnoIll }

// magic computes the 7-byte integrity tag covering Size, Flags, SeqnoG
// and StoreID (everything except the magic field itself and Ctx, which
// is a free-form back-pointer tag not worth protecting). A truncated
// xxhash is cheap enough to recompute on every scan step without
// becoming the recovery bottleneck, and it doubles as a "this alleged
// header is not just printable garbage" discriminator.
func magic(h Header) [7]byte {
	var buf [17]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Size)
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.SeqnoG))
	buf[16] = byte(h.StoreID)
	sum := xxhash.Sum64(buf[:])
	var m [7]byte
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], sum)
	copy(m[:], tmp[:7])
	return m
}

// EncodeHeader writes h into dst[:HeaderSize].
func EncodeHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Size)
	binary.LittleEndian.PutUint32(dst[4:8], h.Flags)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(h.SeqnoG))
	dst[16] = byte(h.StoreID)
	m := magic(h)
	copy(dst[17:24], m[:])
	binary.LittleEndian.PutUint64(dst[24:32], h.Ctx)
}

// EncodeClear writes an all-zero clear marker into dst[:HeaderSize].
func EncodeClear(dst []byte) {
	for i := range dst[:HeaderSize] {
		dst[i] = 0
	}
}

// IsClear reports whether src[:HeaderSize] is an all-zero clear marker.
// A clear marker always has Size==0; that alone is sufficient because
// a valid header's Size is bounded below by HeaderSize+1 (see BHTest).
func IsClear(src []byte) bool {
	return binary.LittleEndian.Uint32(src[0:4]) == 0
}

// DecodeHeader parses src[:HeaderSize] without validating it. Use
// BHTest first (or check its second return) to distinguish a genuine
// header from a clear marker or random bytes.
func DecodeHeader(src []byte) Header {
	return Header{
		Size:    binary.LittleEndian.Uint32(src[0:4]),
		Flags:   binary.LittleEndian.Uint32(src[4:8]),
		SeqnoG:  int64(binary.LittleEndian.Uint64(src[8:16])),
		StoreID: Store(src[16]),
		Ctx:     binary.LittleEndian.Uint64(src[24:32]),
	}
}

// BHTest is the "buffer header magic test" from spec.md §6: it
// distinguishes a genuine header from a clear marker or arbitrary
// bytes left over from a previous writer's crash. Returns the decoded
// header and whether it passed validation (size bounds + magic match).
// A clear marker (Size==0) is reported as invalid here — callers must
// check IsClear separately, since "clear" and "valid" are disjoint by
// construction.
func BHTest(src []byte) (Header, bool) {
	if len(src) < HeaderSize {
		return Header{}, false
	}
	h := DecodeHeader(src)
	if h.Size == 0 {
		return h, false
	}
	if h.Size < HeaderSize+1 {
		return h, false
	}
	if h.Size%Alignment != 0 {
		return h, false
	}
	want := magic(h)
	var got [7]byte
	copy(got[:], src[17:24])
	if got != want {
		return h, false
	}
	return h, true
}
