package encmmap

import "errors"

var (
	// ErrOutOfMemory is returned when a PagePool's or EncMmap's
	// backing mmap cannot be allocated from the OS.
	ErrOutOfMemory = errors.New("encmmap: out of memory")

	// ErrInvalid is returned for a malformed construction argument
	// (e.g. a page size that isn't a multiple of the OS page size).
	ErrInvalid = errors.New("encmmap: invalid argument")

	// ErrNoFreePage is returned when a fault cannot be serviced even
	// after an eviction pass; ReadAt/WriteAt callers see it wrapped
	// with an "encmmap:" prefix (errors.Is matches it).
	ErrNoFreePage = errors.New("encmmap: no free physical page")

	// ErrClosed is returned by ReadAt and WriteAt on an EncMmap after
	// Unmap.
	ErrClosed = errors.New("encmmap: mmap is closed")
)
