package gcache

import (
	"time"

	"github.com/galera-project/gcache/encmmap"
	"github.com/galera-project/gcache/masterkey"
	"github.com/galera-project/gcache/ring"
	"github.com/galera-project/gcache/worker"
)

// config holds Cache construction parameters, read once by New and
// immutable afterward (SPEC_FULL.md §2, mirroring spec.md §6's "read
// once at startup ... immutable at runtime").
type config struct {
	recover           bool
	encrypt           bool
	masterKeyProvider masterkey.Provider
	pageSize          int
	encCacheSize      int
	progress          ring.RecoveryProgress
	registry          *encmmap.Registry
	tickInterval      time.Duration
	queueLen          int
}

// Option configures a Cache at construction time.
type Option interface {
	apply(*config)
}

type funcOpt func(*config)

func (f funcOpt) apply(c *config) { f(c) }

// WithRecover selects RingBuffer.Recover instead of a hard reset when
// New opens an existing file.
func WithRecover(recover bool) Option {
	return funcOpt(func(c *config) { c.recover = recover })
}

// WithEncryption turns on envelope encryption, backed by provider for
// Master Key lookups and rotation. A nil provider disables encryption.
func WithEncryption(provider masterkey.Provider) Option {
	return funcOpt(func(c *config) {
		c.encrypt = provider != nil
		c.masterKeyProvider = provider
	})
}

// WithPageSize sets EncMmap's physical page size, ignored when
// encryption is off.
func WithPageSize(n int) Option {
	return funcOpt(func(c *config) { c.pageSize = n })
}

// WithCacheSize sets EncMmap's working-set page cache size in bytes,
// ignored when encryption is off. Not to be confused with the
// RingBuffer's own sizeCache (the total ring capacity), passed
// directly to New.
func WithCacheSize(n int) Option {
	return funcOpt(func(c *config) { c.encCacheSize = n })
}

// WithRecoveryProgress installs a progress callback for the Recover
// scan.
func WithRecoveryProgress(fn ring.RecoveryProgress) Option {
	return funcOpt(func(c *config) { c.progress = fn })
}

// WithPagePoolRegistry shares a PagePool registry across multiple
// Caches opened in the same process.
func WithPagePoolRegistry(r *encmmap.Registry) Option {
	return funcOpt(func(c *config) { c.registry = r })
}

// WithWorkerTickInterval overrides how often the ServiceWorker pushes
// a pending last-applied seqno absent a Flush.
func WithWorkerTickInterval(d time.Duration) Option {
	return funcOpt(func(c *config) { c.tickInterval = d })
}

// WithWorkerQueueLen overrides the ServiceWorker's command channel
// buffer size.
func WithWorkerQueueLen(n int) Option {
	return funcOpt(func(c *config) { c.queueLen = n })
}

func defaultConfig() config {
	return config{
		recover:      false,
		encrypt:      false,
		pageSize:     1 << 12,
		encCacheSize: 1 << 22,
		tickInterval: worker.DefaultTickInterval,
		queueLen:     worker.DefaultQueueLen,
	}
}
