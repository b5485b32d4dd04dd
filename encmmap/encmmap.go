package encmmap

import (
	"fmt"
	"sort"
	"sync"
)

// protState models the three protection states spec.md §4.C assigns
// to a virtual page: unmapped (no physical page backing it),
// decrypted-and-readable, or decrypted-and-dirty.
type protState uint8

const (
	protNone protState = iota
	protRead
	protReadWrite
)

// FlushLimit bounds how many mapped pages a single eviction pass
// inspects (spec.md §4.C "Eviction pass").
const FlushLimit = 100

// DefaultReadAhead is the number of sequential pages read-ahead
// touches on a miss while in READ access mode.
const DefaultReadAhead = 100

// EncMmap presents a decrypted view over an AES-CTR-encrypted file,
// backed by a bounded working set of PagePool pages. Every access
// goes through ReadAt/WriteAt, which fault pages in synchronously —
// see the package doc for why this replaces the original's SIGSEGV
// handler.
type EncMmap struct {
	mu sync.Mutex

	file     IMMap
	pool     *PagePool
	registry *Registry

	pageSize             int
	fileSize             int64
	numVPages            int
	headerPlaintextBytes int64

	codec *ctrCodec

	vpageProt []protState
	vpagePhys map[int]*PhysPage

	defaultProt   protState
	readAhead     int
	syncOnDestroy bool
	closed        bool
}

// NewEncMmap constructs an EncMmap over file, sized to file.Size(),
// using a PagePool of cacheSize/pageSize pages drawn from registry.
// key is the File Key (already unwrapped by the caller via a
// masterkey.Provider); headerPlaintextBytes bytes at the start of the
// file are never encrypted (the preamble).
func NewEncMmap(key []byte, file IMMap, pageSize, cacheSize int, syncOnDestroy bool, headerPlaintextBytes int64, registry *Registry) (*EncMmap, error) {
	if registry == nil {
		registry = NewRegistry()
	}
	fileSize := file.Size()
	numVPages := int((fileSize + int64(pageSize) - 1) / int64(pageSize))

	pool, err := registry.Allocate(pageSize, cacheSize)
	if err != nil {
		return nil, err
	}
	if pool.Capacity() < MinPages {
		registry.Release(pool)
		return nil, fmt.Errorf("encmmap: page pool must have at least %d pages: %w", MinPages, ErrInvalid)
	}

	codec, err := newCTRCodec(key)
	if err != nil {
		registry.Release(pool)
		return nil, fmt.Errorf("encmmap: bad file key: %w", err)
	}

	e := &EncMmap{
		file:                 file,
		pool:                 pool,
		registry:             registry,
		pageSize:             pageSize,
		fileSize:             fileSize,
		numVPages:            numVPages,
		headerPlaintextBytes: headerPlaintextBytes,
		codec:                codec,
		vpageProt:            make([]protState, numVPages),
		vpagePhys:            make(map[int]*PhysPage),
		defaultProt:          protRead,
		readAhead:            DefaultReadAhead,
		syncOnDestroy:        syncOnDestroy,
	}
	register(e)
	return e, nil
}

// Size returns the size of the decrypted view, equal to the backing
// file's size.
func (e *EncMmap) Size() int64 { return e.fileSize }

// SetAccessMode sets the protection freshly-faulted pages receive.
// READ mode additionally enables read-ahead on a miss.
func (e *EncMmap) SetAccessMode(readWrite bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if readWrite {
		e.defaultProt = protReadWrite
		e.readAhead = 0
	} else {
		e.defaultProt = protRead
		e.readAhead = DefaultReadAhead
	}
}

// ReadAt decrypts and copies [off, off+len(p)) into p, faulting in
// any virtual pages it spans.
func (e *EncMmap) ReadAt(p []byte, off int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	return e.rwLocked(p, off, false)
}

// WriteAt copies p into the decrypted working set at off, faulting in
// any spanned pages read-write. The write is not durable until Sync.
func (e *EncMmap) WriteAt(p []byte, off int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	return e.rwLocked(p, off, true)
}

func (e *EncMmap) rwLocked(p []byte, off int64, write bool) (int, error) {
	if off < 0 || off+int64(len(p)) > e.fileSize {
		return 0, fmt.Errorf("encmmap: access [%d,%d) out of range (size %d)", off, off+int64(len(p)), e.fileSize)
	}
	need := protRead
	if write {
		need = protReadWrite
	}
	remaining := p
	pos := off
	for len(remaining) > 0 {
		n := int(pos / int64(e.pageSize))
		pageStart := int64(n) * int64(e.pageSize)
		within := int(pos - pageStart)

		pg, err := e.touchLocked(n, need)
		if err != nil {
			return len(p) - len(remaining), err
		}

		chunk := e.pageSize - within
		if chunk > len(remaining) {
			chunk = len(remaining)
		}
		if write {
			copy(pg.Data()[within:within+chunk], remaining[:chunk])
		} else {
			copy(remaining[:chunk], pg.Data()[within:within+chunk])
		}
		remaining = remaining[chunk:]
		pos += int64(chunk)
	}
	return len(p), nil
}

// touchLocked is the Go-call-boundary analogue of spec.md §4.C's
// page-fault handler: on a miss it obtains a PhysPage (evicting if
// the pool is exhausted), decrypts, and maps; on a write to a
// READ-only page it upgrades in place. Caller must hold e.mu.
func (e *EncMmap) touchLocked(n int, need protState) (*PhysPage, error) {
	cur := e.vpageProt[n]
	if cur == protNone {
		pg, ok := e.pool.Alloc()
		if !ok {
			if err := e.evictLocked(FlushLimit); err != nil {
				return nil, err
			}
			pg, ok = e.pool.Alloc()
			if !ok {
				return nil, fmt.Errorf("encmmap: %w", ErrNoFreePage)
			}
		}
		if err := e.decryptPageLocked(n, pg); err != nil {
			e.pool.Free(pg)
			return nil, err
		}
		e.vpagePhys[n] = pg
		e.vpageProt[n] = e.defaultProt
		cur = e.defaultProt
		if e.defaultProt == protRead {
			e.readAheadLocked(n)
		}
	}
	if need == protReadWrite && cur == protRead {
		e.vpageProt[n] = protReadWrite
	}
	return e.vpagePhys[n], nil
}

// readAheadLocked opportunistically decrypts up to e.readAhead
// sequential pages following n, stopping at the first already-mapped
// page or pool exhaustion.
func (e *EncMmap) readAheadLocked(n int) {
	for i := 1; i <= e.readAhead; i++ {
		np := n + i
		if np >= e.numVPages {
			return
		}
		if e.vpageProt[np] != protNone {
			return
		}
		pg, ok := e.pool.Alloc()
		if !ok {
			return
		}
		if err := e.decryptPageLocked(np, pg); err != nil {
			log.Warn("read-ahead decrypt failed", "vpage", np, "error", err)
			e.pool.Free(pg)
			return
		}
		e.vpagePhys[np] = pg
		e.vpageProt[np] = e.defaultProt
	}
}

// decryptPageLocked reads ciphertext page n from the backing file and
// decrypts it in place into pg, honoring headerPlaintextBytes.
func (e *EncMmap) decryptPageLocked(n int, pg *PhysPage) error {
	start := int64(n) * int64(e.pageSize)
	end := start + int64(e.pageSize)
	if end > e.fileSize {
		end = e.fileSize
	}
	length := end - start

	dst := pg.Data()[:length]
	if _, err := e.file.ReadAt(dst, start); err != nil {
		return fmt.Errorf("encmmap: read vpage %d: %w", n, err)
	}
	for i := length; i < int64(len(pg.Data())); i++ {
		pg.Data()[i] = 0
	}

	switch {
	case start >= e.headerPlaintextBytes:
		e.codec.XORAt(dst, dst, start-e.headerPlaintextBytes)
	case end > e.headerPlaintextBytes:
		split := e.headerPlaintextBytes - start
		enc := dst[split:]
		e.codec.XORAt(enc, enc, 0)
	}
	return nil
}

// evictLocked inspects up to limit mapped pages (in vpage order),
// flushing consecutive dirty runs as single encrypt calls, then
// downgrades every inspected page to NONE and returns its PhysPage to
// the pool. Caller must hold e.mu.
func (e *EncMmap) evictLocked(limit int) error {
	keys := e.sortedMappedLocked()
	if len(keys) > limit {
		keys = keys[:limit]
	}
	if len(keys) == 0 {
		return fmt.Errorf("encmmap: %w", ErrNoFreePage)
	}

	i := 0
	for i < len(keys) {
		if e.vpageProt[keys[i]] != protReadWrite {
			e.releasePageLocked(keys[i])
			i++
			continue
		}
		j := i
		for j+1 < len(keys) && keys[j+1] == keys[j]+1 && e.vpageProt[keys[j+1]] == protReadWrite {
			j++
		}
		if err := e.flushRunLocked(keys[i : j+1]); err != nil {
			return err
		}
		for k := i; k <= j; k++ {
			e.releasePageLocked(keys[k])
		}
		i = j + 1
	}
	return nil
}

// flushRunLocked encrypts and writes back a contiguous run of mapped
// vpages as a single file write, amortizing cipher start-up across
// the run (spec.md §4.C's "gluer").
func (e *EncMmap) flushRunLocked(run []int) error {
	first := run[0]
	start := int64(first) * int64(e.pageSize)

	var buf []byte
	for _, n := range run {
		pg := e.vpagePhys[n]
		pageStart := int64(n) * int64(e.pageSize)
		pageEnd := pageStart + int64(e.pageSize)
		if pageEnd > e.fileSize {
			pageEnd = e.fileSize
		}
		buf = append(buf, pg.Data()[:pageEnd-pageStart]...)
	}

	enc := append([]byte(nil), buf...)
	switch {
	case start >= e.headerPlaintextBytes:
		e.codec.XORAt(enc, enc, start-e.headerPlaintextBytes)
	default:
		split := e.headerPlaintextBytes - start
		if split < int64(len(enc)) {
			tail := enc[split:]
			e.codec.XORAt(tail, tail, 0)
		}
	}

	if _, err := e.file.WriteAt(enc, start); err != nil {
		return fmt.Errorf("encmmap: flush vpages %v: %w", run, err)
	}
	return nil
}

func (e *EncMmap) releasePageLocked(n int) {
	pg := e.vpagePhys[n]
	delete(e.vpagePhys, n)
	e.vpageProt[n] = protNone
	if pg != nil {
		e.pool.Free(pg)
	}
}

func (e *EncMmap) sortedMappedLocked() []int {
	keys := make([]int, 0, len(e.vpagePhys))
	for k := range e.vpagePhys {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Sync flushes every dirty page back to the underlying file (without
// releasing its physical page) and msyncs the file range.
func (e *EncMmap) Sync() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncLocked()
}

func (e *EncMmap) syncLocked() error {
	keys := e.sortedMappedLocked()
	i := 0
	for i < len(keys) {
		if e.vpageProt[keys[i]] != protReadWrite {
			i++
			continue
		}
		j := i
		for j+1 < len(keys) && keys[j+1] == keys[j]+1 && e.vpageProt[keys[j+1]] == protReadWrite {
			j++
		}
		if err := e.flushRunLocked(keys[i : j+1]); err != nil {
			return err
		}
		for k := i; k <= j; k++ {
			e.vpageProt[keys[k]] = e.defaultProt
		}
		i = j + 1
	}
	return e.file.Sync()
}

// SetKey installs newKey, discarding every currently mapped page
// without flushing: any mapped plaintext was decrypted under the old
// key, and flushing it now would mix ciphertext domains in the file.
// Callers that need the old data preserved must Sync before rotating.
func (e *EncMmap) SetKey(newKey []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	codec, err := newCTRCodec(newKey)
	if err != nil {
		return fmt.Errorf("encmmap: bad file key: %w", err)
	}
	for _, n := range e.sortedMappedLocked() {
		e.releasePageLocked(n)
	}
	e.codec = codec
	return nil
}

// DontNeed forwards madvise(MADV_DONTNEED) to the underlying file
// mapping.
func (e *EncMmap) DontNeed() error {
	return e.file.DontNeed()
}

// Unmap flushes (if configured), deregisters, and releases all
// resources. Safe to call once; a second call is a no-op.
func (e *EncMmap) Unmap() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	var syncErr error
	if e.syncOnDestroy {
		syncErr = e.syncLocked()
		if syncErr != nil {
			log.Warn("sync on unmap failed", "error", syncErr)
		}
	}
	for _, n := range e.sortedMappedLocked() {
		e.releasePageLocked(n)
	}
	e.closed = true
	deregister(e)
	e.registry.Release(e.pool)
	if err := e.file.Unmap(); err != nil {
		return err
	}
	return syncErr
}

// mappedPageCount reports how many vpages are currently mapped
// (dirty or clean). Exposed for tests and DumpMappings.
func (e *EncMmap) mappedPageCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vpagePhys)
}
