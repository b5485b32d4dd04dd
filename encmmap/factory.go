package encmmap

import "fmt"

// Factory implements spec.md §4.D's MmapFactory: it returns either a
// plain file mmap or an EncMmap wrapper, depending on whether
// encryption is requested. A Factory owns a shared Registry so
// repeated Create/Close cycles (recovery retries, test setup) reuse
// PagePools instead of paying mmap/mlock cost every time.
type Factory struct {
	registry *Registry
}

// NewFactory returns a Factory backed by registry. A nil registry
// gets a private, unshared one.
func NewFactory(registry *Registry) *Factory {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Factory{registry: registry}
}

// Create maps fd for size bytes. When encrypt is false the result is
// a plain FileMmap. When true, key must be the already-unwrapped File
// Key and the result is an EncMmap with the given working-set
// parameters.
func (f *Factory) Create(fd int, size int64, encrypt bool, key []byte, pageSize, cacheSize int, syncOnDestroy bool, headerPlaintextBytes int64) (IMMap, error) {
	file, err := NewFileMmap(fd, size)
	if err != nil {
		return nil, err
	}
	if !encrypt {
		return file, nil
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("encmmap: encryption requested without a file key: %w", ErrInvalid)
	}
	return NewEncMmap(key, file, pageSize, cacheSize, syncOnDestroy, headerPlaintextBytes, f.registry)
}
