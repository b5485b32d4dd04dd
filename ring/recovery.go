package ring

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/galera-project/gcache/masterkey"
	"github.com/galera-project/gcache/preamble"
)

const fileKeyLen = 32

// masterKeyName follows spec.md §4.E's naming convention:
// "GaleraKey-<rb_uuid>@<mk_uuid>-<mk_id>".
func masterKeyName(rbUUID, mkUUID uuid.UUID, mkID int) string {
	return fmt.Sprintf("GaleraKey-%s@%s-%d", rbUUID, mkUUID, mkID)
}

// openKeysLocked resolves the File Key used to encrypt this ring's
// body, per spec.md §4.E Recovery steps 1-2. It is called before the
// EncMmap is constructed, since Factory.Create needs the unwrapped
// key up front; the CRC validation and rotation-abort detection below
// mirror what the original does inline during scan().
func (rb *RingBuffer) openKeysLocked(existed bool) ([]byte, error) {
	p := rb.lastPreamble

	fresh := !existed || !p.EncEncrypted || !p.CRCValid()
	if fresh {
		if existed && p.EncEncrypted && !p.CRCValid() {
			log.Warn("preamble encryption CRC mismatch, starting a fresh key lineage")
		}
		return rb.freshKeyLineageLocked()
	}

	rb.mkID = p.EncMKID
	rb.mkConstID = p.EncMKConstID
	rb.mkUUID = p.EncMKUUID

	name := masterKeyName(p.EncMKConstID, p.EncMKUUID, p.EncMKID)
	nextName := masterKeyName(p.EncMKConstID, p.EncMKUUID, p.EncMKID+1)

	if abortedExists, err := rb.provider.Exists(nextName); err == nil && abortedExists {
		log.Warn("detected an aborted key rotation, starting a fresh key lineage", "name", nextName)
		return rb.freshKeyLineageLocked()
	}

	mk, err := rb.provider.Get(name)
	if err != nil {
		if err == masterkey.ErrNotFound {
			log.Warn("master key missing, starting a fresh key lineage", "name", name)
			return rb.freshKeyLineageLocked()
		}
		return nil, fmt.Errorf("ring: master key lookup %s: %w", name, err)
	}

	fileKey, err := xorWithMasterKey(mk, p.EncFK)
	if err != nil {
		return nil, fmt.Errorf("ring: unwrap file key: %w", err)
	}
	rb.wrappingKey = mk
	return fileKey, nil
}

// freshKeyLineageLocked generates a brand-new Master Key (with a new
// lineage uuid) and a brand-new random File Key, forcing the caller
// toward a full reset since any previously-encrypted body is now
// unreadable.
func (rb *RingBuffer) freshKeyLineageLocked() ([]byte, error) {
	rb.mkID = 0
	rb.mkConstID = uuid.New()
	rb.mkUUID = uuid.New()

	name := masterKeyName(rb.mkConstID, rb.mkUUID, rb.mkID)
	mk, err := rb.provider.Create(name)
	if err != nil {
		return nil, fmt.Errorf("ring: create master key %s: %w", name, err)
	}

	fileKey := make([]byte, fileKeyLen)
	if _, err := rand.Read(fileKey); err != nil {
		return nil, fmt.Errorf("ring: generate file key: %w", err)
	}
	_ = mk // wrapped on next writePreambleLocked via rb.fileKey + rb.mkUUID/.../mk
	rb.wrappingKey = mk
	return fileKey, nil
}

// writePreambleLocked renders and writes the preamble block, per
// spec.md §4.G. synced reflects whether the process believes its
// state is durable: Recover/Reset always write synced=false first
// (SPEC_FULL.md §5's "write a not-synced preamble to mark the cache
// dirty again"), Close writes the final synced value.
func (rb *RingBuffer) writePreambleLocked(synced bool) error {
	p := preamble.Preamble{
		Version:  preamble.Version,
		GID:      rb.gid,
		SeqnoMin: rb.currentSeqnoMinLocked(),
		SeqnoMax: rb.currentSeqnoMaxLocked(),
		Offset:   rb.first - rb.start,
		Synced:   synced,
	}
	if rb.encrypt {
		var wrapped []byte
		if rb.wrappingKey != nil && rb.fileKey != nil {
			w, err := xorWithMasterKey(rb.wrappingKey, rb.fileKey)
			if err != nil {
				return fmt.Errorf("ring: wrap file key: %w", err)
			}
			wrapped = w
		}
		p.EncVersion = 1
		p.EncEncrypted = true
		p.EncMKID = rb.mkID
		p.EncMKConstID = rb.mkConstID
		p.EncMKUUID = rb.mkUUID
		p.EncFK = wrapped
		p.EncCRC = p.ComputeCRC()
	}

	buf := preamble.Encode(p)
	// Through rb.mmap, not rb.file directly: the preamble lives in the
	// plaintext-header region of an EncMmap, but EncMmap may already
	// hold page 0 in its decrypted PagePool working set (faulted in by
	// an earlier header write). A raw fd write here would be clobbered
	// by that page's next flush.
	if _, err := rb.mmap.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("ring: write preamble: %w", err)
	}
	rb.synced = synced
	return nil
}

func (rb *RingBuffer) currentSeqnoMinLocked() int64 {
	if s, ok := rb.index.IndexFront(); ok {
		return s
	}
	return SeqnoNone
}

func (rb *RingBuffer) currentSeqnoMaxLocked() int64 {
	if s, ok := rb.index.IndexBack(); ok {
		return s
	}
	return SeqnoNone
}

// Recover performs the scan described in spec.md §4.E steps 3-8: walk
// the live range in a single pass, from the preamble's hinted offset
// when it is non-zero and otherwise from start (a second segment that
// wrapped around behind the scanned one is not walked), collect
// ordered buffers into the SeqnoIndex, resolve seqno collisions, trim
// to the longest gapless suffix, and recompute space accounting.
func (rb *RingBuffer) Recover() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	p := rb.lastPreamble
	stride := int64(Alignment)
	if p.Version < preamble.Version {
		stride = 1 // SPEC_FULL.md §5.3: pre-ALIGNMENT-era file
	}

	total := rb.end - rb.start
	scanOne := func(from int64) (reachedEnd int64, err error) {
		off := from
		rb.index.Clear(SeqnoNone)
		for off < rb.end {
			if rb.progress != nil {
				rb.progress(off-rb.start, total)
			}
			h, ok := rb.scanHeaderAt(off)
			if !ok {
				// Resync by stepping at the version-gated stride
				// (SPEC_FULL.md §5.3): current-version files are
				// always aligned, so a miss here means end of the
				// live segment; pre-alignment-era files may have a
				// valid header starting at a non-aligned offset.
				if stride == Alignment {
					break
				}
				resynced := false
				for probe := off + stride; probe < rb.end; probe += stride {
					if h2, ok2 := rb.scanHeaderAt(probe); ok2 {
						off, h, ok = probe, h2, true
						resynced = true
						break
					}
				}
				if !resynced {
					break
				}
			}
			nextOff := off + int64(h.Size)
			if _, ok2 := rb.scanHeaderAt(nextOff); !ok2 && nextOff < rb.end {
				// A clear marker after the buffer ends the live segment
				// and still vouches for it; anything else does not.
				if clear, err := rb.isClearAt(nextOff); err != nil || !clear {
					break
				}
			}

			h.Flags |= FlagReleased
			h.Ctx = rb.instanceID
			if err := rb.writeHeaderAt(off, h); err != nil {
				return off, err
			}

			if h.SeqnoG > SeqnoNone {
				if existing, ok := rb.index.Get(h.SeqnoG); ok {
					if !rb.sameBufferLocked(existing, Ptr(off+HeaderSize), h.Size) {
						rb.emptyAt(int64(existing) - HeaderSize)
						rb.emptyAt(off)
					}
				} else {
					rb.index.Insert(h.SeqnoG, Ptr(off+HeaderSize))
				}
			}

			off += int64(h.Size)
		}
		return off, nil
	}

	if p.Offset > 0 && rb.start+p.Offset < rb.end {
		if _, err := scanOne(rb.start + p.Offset); err != nil {
			rb.index.Clear(SeqnoNone)
			return fmt.Errorf("ring: scan from hint: %w", err)
		}
	} else {
		if _, err := scanOne(rb.start); err != nil {
			rb.index.Clear(SeqnoNone)
			return fmt.Errorf("ring: scan from start: %w", err)
		}
	}

	rb.trimToGaplessSuffixLocked()

	if back, ok := rb.index.IndexBack(); ok {
		ptr, _ := rb.index.Get(back)
		off := int64(ptr) - HeaderSize
		h, err := rb.headerAt(off)
		if err == nil {
			rb.next = off + int64(h.Size)
		}
	} else {
		rb.next = rb.start
	}
	if clear, err := rb.isClearAt(rb.next); err != nil || !clear {
		_ = rb.writeClearAt(rb.next)
	}

	if front, ok := rb.index.IndexFront(); ok {
		ptr, _ := rb.index.Get(front)
		rb.first = int64(ptr) - HeaderSize
	} else {
		rb.first = rb.start
	}

	// Step 6: walk the physical live range and free every buffer that
	// never got a seqno (transient at the moment of death).
	for off := rb.first; off != rb.next; {
		h, err := rb.headerAt(off)
		if err != nil || h.Size == 0 {
			break
		}
		if h.SeqnoG == SeqnoNone {
			_ = rb.freeLocked(off)
		}
		off += int64(h.Size)
		if off >= rb.end {
			off = rb.start
		}
	}

	rb.estimateSpaceLocked()

	return rb.writePreambleLocked(false)
}

// trimToGaplessSuffixLocked implements spec.md §4.E step 4: find the
// longest run of consecutive seqnos ending at IndexBack, and discard
// (empty, in index and on disk) everything below it — scenario S4.
func (rb *RingBuffer) trimToGaplessSuffixLocked() {
	var seqnos []int64
	rb.index.Range(func(s int64, _ Ptr) bool {
		seqnos = append(seqnos, s)
		return true
	})
	if len(seqnos) == 0 {
		return
	}

	cut := len(seqnos) - 1
	for cut > 0 && seqnos[cut]-seqnos[cut-1] == 1 {
		cut--
	}
	if cut == 0 {
		return // already gapless all the way to the front
	}

	discardThrough := seqnos[cut-1]
	rb.index.Range(func(s int64, ptr Ptr) bool {
		if s <= discardThrough {
			rb.emptyAt(int64(ptr) - HeaderSize)
		}
		return true
	})
	rb.index.EraseUpTo(discardThrough)
}

// scanHeaderAt reads an untrusted header during recovery and validates
// it with BHTest — the buffer magic test of spec.md §6.
func (rb *RingBuffer) scanHeaderAt(off int64) (Header, bool) {
	if off+HeaderSize > rb.end+HeaderSize {
		return Header{}, false
	}
	var buf [HeaderSize]byte
	if _, err := rb.mmap.ReadAt(buf[:], off); err != nil {
		return Header{}, false
	}
	return BHTest(buf[:])
}

// sameBufferLocked implements spec.md §4.E step 3's collision check:
// two live entries claim the same seqno; keep one if their payload
// hashes (128-bit xxh3, "fast hash") and sizes agree.
func (rb *RingBuffer) sameBufferLocked(a, b Ptr, size uint32) bool {
	ha, err := rb.headerAt(int64(a) - HeaderSize)
	if err != nil || ha.Size != size {
		return false
	}
	payloadLen := int64(size) - HeaderSize
	bufA := make([]byte, payloadLen)
	bufB := make([]byte, payloadLen)
	if _, err := rb.mmap.ReadAt(bufA, int64(a)); err != nil {
		return false
	}
	if _, err := rb.mmap.ReadAt(bufB, int64(b)); err != nil {
		return false
	}
	return xxh3.Hash128(bufA) == xxh3.Hash128(bufB)
}

func (rb *RingBuffer) emptyAt(off int64) {
	h, err := rb.headerAt(off)
	if err != nil {
		return
	}
	h.SeqnoG = SeqnoIll
	_ = rb.writeHeaderAt(off, h)
}

// RotateMasterKey performs the key-rotation protocol of spec.md §4.E:
// wrap the current File Key under a freshly-created next-id Master
// Key, then rewrite the (unsynced) preamble. Returns an error — rather
// than the original's "return true means failure" boolean — on any
// step failing; the caller (an external rotation trigger) decides
// whether to retry.
func (rb *RingBuffer) RotateMasterKey() error {
	rb.rotMu.Lock()
	defer rb.rotMu.Unlock()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.encrypt || rb.provider == nil {
		return fmt.Errorf("ring: rotation requested but encryption is disabled")
	}

	nextID := rb.mkID + 1
	nextName := masterKeyName(rb.mkConstID, rb.mkUUID, nextID)

	nextMK, err := rb.provider.Create(nextName)
	if err != nil {
		return fmt.Errorf("ring: create next master key %s: %w", nextName, err)
	}

	rb.wrappingKey = nextMK
	rb.mkID = nextID

	return rb.writePreambleLocked(false)
}
