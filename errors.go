package gcache

import "errors"

// Sentinel errors of the public API. Of these, only ErrImmutableOption
// is returned by this package (from Cache.SetOption); New and the other
// Cache methods return the ring, encmmap and masterkey packages' own
// errors, wrapped, rather than the sentinels below. The hot data path
// (Malloc/Realloc) never returns an error, only (ring.NoPtr, false) —
// see ring.RingBuffer.
var (
	// ErrOutOfMemory names a PagePool or EncMmap region that could not
	// be allocated from the OS.
	ErrOutOfMemory = errors.New("gcache: out of memory")

	// ErrCorrupt names an inconsistency found by recovery. A failed
	// recovery falls back to a full reset rather than surfacing an
	// error to the caller.
	ErrCorrupt = errors.New("gcache: corrupt ring buffer")

	// ErrEncryptionUnavailable names a Master Key provider that cannot
	// produce a usable key.
	ErrEncryptionUnavailable = errors.New("gcache: master key unavailable")

	// ErrInvalidArgument names a programmer error caught at the call
	// site.
	ErrInvalidArgument = errors.New("gcache: invalid argument")

	// ErrImmutableOption is returned by Cache.SetOption-style calls made
	// after New/Recover has returned.
	ErrImmutableOption = errors.New("gcache: option is immutable after open")

	// ErrClosed names use of a Cache after Close. Cache does not return
	// it: only Close itself tracks the closed state, and a second Close
	// returns nil.
	ErrClosed = errors.New("gcache: cache is closed")
)
