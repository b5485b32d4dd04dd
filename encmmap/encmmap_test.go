package encmmap

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T, size int64) (*os.File, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ring.dat")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	return f, path
}

func TestEncMmapWriteReadRoundTrip(t *testing.T) {
	f, _ := tempFile(t, 1<<16)
	defer f.Close()

	file, err := NewFileMmap(int(f.Fd()), 1<<16)
	require.NoError(t, err)

	key := make([]byte, 32)
	_, _ = rand.Read(key)

	registry := NewRegistry()
	em, err := NewEncMmap(key, file, os.Getpagesize(), 4*os.Getpagesize(), true, 0, registry)
	require.NoError(t, err)
	em.SetAccessMode(true)

	payload := bytes.Repeat([]byte("gcache-writeset-"), 1024) // 16KiB, crosses pages
	n, err := em.WriteAt(payload, 100)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	_, err = em.ReadAt(got, 100)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, em.Sync())
	require.NoError(t, em.Unmap())
}

// TestEncMmapCiphertextOnDiskDiffersFromPlaintext is scenario S6:
// after Sync, the underlying file holds ciphertext past the
// plaintext header.
func TestEncMmapCiphertextOnDiskDiffersFromPlaintext(t *testing.T) {
	size := int64(1 << 16)
	f, path := tempFile(t, size)
	defer f.Close()

	file, err := NewFileMmap(int(f.Fd()), size)
	require.NoError(t, err)

	key := make([]byte, 32)
	_, _ = rand.Read(key)
	headerPlain := int64(64)

	registry := NewRegistry()
	em, err := NewEncMmap(key, file, os.Getpagesize(), 4*os.Getpagesize(), true, headerPlain, registry)
	require.NoError(t, err)
	em.SetAccessMode(true)

	plaintextHeader := bytes.Repeat([]byte{0xAB}, int(headerPlain))
	_, err = em.WriteAt(plaintextHeader, 0)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("S6-scenario-payload-"), 50)
	_, err = em.WriteAt(payload, headerPlain)
	require.NoError(t, err)

	require.NoError(t, em.Sync())
	require.NoError(t, em.Unmap())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, plaintextHeader, raw[:headerPlain], "header region must remain plaintext")
	assert.NotEqual(t, payload, raw[headerPlain:headerPlain+int64(len(payload))],
		"payload region must be ciphertext on disk")
}

// TestEncMmapTwoPagePoolNoInfiniteLoop is property 8: with a PagePool
// of exactly 2 pages, a read/write spanning a page boundary succeeds.
func TestEncMmapTwoPagePoolNoInfiniteLoop(t *testing.T) {
	pageSize := os.Getpagesize()
	size := int64(8 * pageSize)
	f, _ := tempFile(t, size)
	defer f.Close()

	file, err := NewFileMmap(int(f.Fd()), size)
	require.NoError(t, err)

	key := make([]byte, 32)
	_, _ = rand.Read(key)

	registry := NewRegistry()
	em, err := NewEncMmap(key, file, pageSize, 2*pageSize, false, 0, registry)
	require.NoError(t, err)
	em.SetAccessMode(true)

	boundary := int64(pageSize) - 8
	payload := bytes.Repeat([]byte{0x5A}, 32) // spans the page boundary

	done := make(chan error, 1)
	go func() {
		_, err := em.WriteAt(payload, boundary)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WriteAt across a page boundary did not return: possible infinite evict loop")
	}

	got := make([]byte, len(payload))
	_, err = em.ReadAt(got, boundary)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEncMmapSetKeyDiscardsMappedPages(t *testing.T) {
	size := int64(1 << 16)
	f, _ := tempFile(t, size)
	defer f.Close()

	file, err := NewFileMmap(int(f.Fd()), size)
	require.NoError(t, err)

	key := make([]byte, 32)
	_, _ = rand.Read(key)

	em, err := NewEncMmap(key, file, os.Getpagesize(), 4*os.Getpagesize(), true, 0, NewRegistry())
	require.NoError(t, err)
	em.SetAccessMode(true)

	_, err = em.WriteAt([]byte("before rotation"), 0)
	require.NoError(t, err)
	require.NoError(t, em.Sync())
	assert.Equal(t, 1, em.mappedPageCount(), "Sync flushes but leaves the page mapped, just clean")

	newKey := make([]byte, 32)
	_, _ = rand.Read(newKey)
	require.NoError(t, em.SetKey(newKey))
	assert.Equal(t, 0, em.mappedPageCount(), "SetKey must discard every mapped page")

	require.NoError(t, em.Unmap())
}
