// Package gcache is the GCache ring-buffer storage engine: a single
// mmap'd ring buffer holding variable-length, seqno-tagged buffers,
// optionally envelope-encrypted, with a background ServiceWorker
// detaching eviction bookkeeping from the hot write path.
package gcache

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/galera-project/gcache/ring"
	"github.com/galera-project/gcache/worker"
)

// Cache wires together a RingBuffer, its encryption seam, and a
// ServiceWorker into the single object an embedding application opens
// once per cluster member (spec.md §1, §4, §4.H).
type Cache struct {
	gid uuid.UUID

	rb     *ring.RingBuffer
	worker *worker.ServiceWorker

	mu     sync.Mutex
	closed bool
}

// New opens (or creates) the ring-buffer file at path with sizeCache
// usable bytes, binding a ServiceWorker to collab. gid identifies the
// cluster this cache belongs to and is stamped into the on-disk
// preamble.
func New(path string, sizeCache int64, gid uuid.UUID, collab worker.Collaborator, opts ...Option) (*Cache, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o.apply(&cfg)
	}

	var ringOpts []ring.Option
	ringOpts = append(ringOpts, ring.WithRecover(cfg.recover))
	if cfg.encrypt {
		ringOpts = append(ringOpts, ring.WithEncryption(cfg.masterKeyProvider))
	}
	ringOpts = append(ringOpts, ring.WithEncCacheParams(cfg.pageSize, cfg.encCacheSize))
	if cfg.progress != nil {
		ringOpts = append(ringOpts, ring.WithRecoveryProgress(cfg.progress))
	}
	if cfg.registry != nil {
		ringOpts = append(ringOpts, ring.WithPagePoolRegistry(cfg.registry))
	}

	rb, err := ring.Open(path, sizeCache, gid, ringOpts...)
	if err != nil {
		return nil, fmt.Errorf("gcache: open %s: %w", path, err)
	}

	w := worker.New(rb, collab,
		worker.WithTickInterval(cfg.tickInterval),
		worker.WithQueueLen(cfg.queueLen),
	)

	return &Cache{gid: gid, rb: rb, worker: w}, nil
}

// GID returns the cluster identifier this cache was opened with.
func (c *Cache) GID() uuid.UUID { return c.gid }

// Malloc allocates a buffer and returns a Ptr to its payload area,
// size being the buffer's total on-disk footprint (header included),
// per ring.RingBuffer.Malloc.
func (c *Cache) Malloc(size uint32) (ring.Ptr, bool) {
	return c.rb.Malloc(size)
}

// Realloc resizes the buffer at ptr; see ring.RingBuffer.Realloc.
func (c *Cache) Realloc(ptr ring.Ptr, newSize uint32) (ring.Ptr, bool) {
	return c.rb.Realloc(ptr, newSize)
}

// Free releases the buffer at ptr.
func (c *Cache) Free(ptr ring.Ptr) error {
	return c.rb.Free(ptr)
}

// AssignSeqno orders the buffer at ptr under seqno s.
func (c *Cache) AssignSeqno(ptr ring.Ptr, s int64) error {
	return c.rb.AssignSeqno(ptr, s)
}

// ReadAt and WriteAt expose the ring's mmap'd payload region directly:
// holding a Ptr requires no lock, matching spec.md §5's lock-free read
// side.
func (c *Cache) ReadAt(p []byte, ptr ring.Ptr) (int, error) {
	return c.rb.ReadAt(p, int64(ptr))
}

func (c *Cache) WriteAt(p []byte, ptr ring.Ptr) (int, error) {
	return c.rb.WriteAt(p, int64(ptr))
}

// ReportLastApplied hands seqno to the ServiceWorker for coalesced,
// asynchronous delivery to the group-communication collaborator.
func (c *Cache) ReportLastApplied(seqno int64) {
	c.worker.ReportLastApplied(seqno)
}

// ReleaseSeqno asks the ServiceWorker to release every buffer up
// through seqno.
func (c *Cache) ReleaseSeqno(seqno int64, reset bool) {
	c.worker.ReleaseSeqno(seqno, reset)
}

// Flush drains the ServiceWorker's pending actions and blocks until
// they have been applied (spec.md §4.H, property 10).
func (c *Cache) Flush(id uuid.UUID) {
	c.worker.Flush(id)
}

// SeqnoReset invalidates every ordered buffer's seqno, per
// ring.RingBuffer.SeqnoReset. Callers must ensure no ServiceWorker
// action is in flight (spec.md's external-quiescence precondition,
// carried forward unsynchronized — see DESIGN.md Open Question).
func (c *Cache) SeqnoReset(zeroOut bool) error {
	return c.rb.SeqnoReset(zeroOut)
}

// RotateMasterKey wraps the current File Key under a freshly-created
// Master Key and rewrites the preamble.
func (c *Cache) RotateMasterKey() error {
	return c.rb.RotateMasterKey()
}

// MarkSynced writes a synced preamble; the usual caller is whatever
// drives the ServiceWorker's flush cadence.
func (c *Cache) MarkSynced() error {
	return c.rb.MarkSynced()
}

// Stats reports the current space accounting.
func (c *Cache) Stats() ring.Stats {
	return c.rb.Stats()
}

// SetOption always fails: options are read once at New and immutable
// for the lifetime of a Cache (SPEC_FULL.md §2).
func (c *Cache) SetOption(Option) error {
	return ErrImmutableOption
}

// Close shuts down the ServiceWorker and the RingBuffer. Safe to call
// once; a second call is a no-op.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.worker.Shutdown()
	return c.rb.Close()
}
