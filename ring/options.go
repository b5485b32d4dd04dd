package ring

import (
	"github.com/galera-project/gcache/encmmap"
	"github.com/galera-project/gcache/masterkey"
)

// RecoveryProgress reports scan progress at file-size granularity
// during Recover, per SPEC_FULL.md §5.2 (gcache_rb_store.cpp's
// recover_progress_callback). A nil callback is a no-op.
type RecoveryProgress func(done, total int64)

type ringConfig struct {
	recover              bool
	encrypt              bool
	pageSize             int
	encCacheSize         int
	masterKeyProvider    masterkey.Provider
	progress             RecoveryProgress
	registry             *encmmap.Registry
}

// Option configures a RingBuffer at construction time. Mirrors the
// root package's Option/funcOpt pattern in options.go.
type Option interface {
	apply(*ringConfig)
}

type funcOpt func(*ringConfig)

func (f funcOpt) apply(c *ringConfig) { f(c) }

// WithRecover selects the Recover path instead of a hard Reset when
// Open opens an existing file.
func WithRecover(recover bool) Option {
	return funcOpt(func(c *ringConfig) { c.recover = recover })
}

// WithEncryption turns on envelope encryption, backed by provider for
// Master Key lookups and rotation. A nil provider disables encryption
// even if called.
func WithEncryption(provider masterkey.Provider) Option {
	return funcOpt(func(c *ringConfig) {
		c.encrypt = provider != nil
		c.masterKeyProvider = provider
	})
}

// WithEncCacheParams sets EncMmap's physical page size and working-set
// cache size, ignored when encryption is off.
func WithEncCacheParams(pageSize, cacheSize int) Option {
	return funcOpt(func(c *ringConfig) {
		c.pageSize = pageSize
		c.encCacheSize = cacheSize
	})
}

// WithRecoveryProgress installs a progress callback for Recover's scan.
func WithRecoveryProgress(fn RecoveryProgress) Option {
	return funcOpt(func(c *ringConfig) { c.progress = fn })
}

// WithPagePoolRegistry shares a PagePool registry across multiple
// RingBuffers (and their EncMmaps) opened in the same process.
func WithPagePoolRegistry(r *encmmap.Registry) Option {
	return funcOpt(func(c *ringConfig) { c.registry = r })
}

func defaultRingConfig() ringConfig {
	return ringConfig{
		recover:      false,
		encrypt:      false,
		pageSize:     1 << 12,
		encCacheSize: 1 << 22,
	}
}
