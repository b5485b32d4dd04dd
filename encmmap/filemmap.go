package encmmap

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// IMMap is the common surface RingBuffer reads and writes through,
// whether or not encryption is on. It replaces the original's plain
// pointer dereference with bounds-checked ReadAt/WriteAt — the
// "explicit unsafe boundary" spec.md §9's design note calls for.
type IMMap interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Unmap() error
	Size() int64
	DontNeed() error
}

// FileMmap is a plain SHARED file mmap with no encryption: the
// MmapFactory path taken when encrypt==false. Grounded on the
// teacher's allocate()/MmapBuffer in mempool.go, minus the pooling —
// a RingBuffer's backing file is mapped once for its whole lifetime.
type FileMmap struct {
	raw []byte
}

// NewFileMmap maps fd SHARED for size bytes, read/write.
func NewFileMmap(fd int, size int64) (*FileMmap, error) {
	raw, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("encmmap: mmap fd %d size %d: %w", fd, size, ErrOutOfMemory)
	}
	return &FileMmap{raw: raw}, nil
}

func (m *FileMmap) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.raw)) {
		return 0, fmt.Errorf("encmmap: ReadAt offset %d out of range", off)
	}
	n := copy(p, m.raw[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *FileMmap) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.raw)) {
		return 0, fmt.Errorf("encmmap: WriteAt [%d,%d) out of range (size %d)", off, off+int64(len(p)), len(m.raw))
	}
	return copy(m.raw[off:], p), nil
}

func (m *FileMmap) Sync() error {
	return unix.Msync(m.raw, unix.MS_SYNC)
}

func (m *FileMmap) Unmap() error {
	return unix.Munmap(m.raw)
}

func (m *FileMmap) Size() int64 { return int64(len(m.raw)) }

func (m *FileMmap) DontNeed() error {
	return unix.Madvise(m.raw, unix.MADV_DONTNEED)
}

// Bytes exposes the raw mapped region for callers that need direct
// slice access. Not part of IMMap: EncMmap cannot honor it without
// breaking the decrypt-on-access contract, so it stays a
// FileMmap-only escape hatch.
func (m *FileMmap) Bytes() []byte { return m.raw }
