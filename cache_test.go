package gcache

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCollaborator struct {
	mu      sync.Mutex
	applied int64
}

func (c *recordingCollaborator) SetLastApplied(seqno int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = seqno
	return nil
}

func (c *recordingCollaborator) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

func TestCacheMallocAssignAndFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.dat")
	gid := uuid.New()
	collab := &recordingCollaborator{}

	c, err := New(path, 4096, gid, collab)
	require.NoError(t, err)
	defer c.Close()

	ptr, ok := c.Malloc(64)
	require.True(t, ok)
	require.NoError(t, c.AssignSeqno(ptr, 1))

	payload := []byte("hello-gcache")
	_, err = c.WriteAt(payload, ptr)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = c.ReadAt(got, ptr)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	c.ReportLastApplied(1)
	c.Flush(uuid.New())
	assert.Equal(t, int64(1), collab.get())
}

func TestCacheReopenWithRecover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.dat")
	gid := uuid.New()
	collab := &recordingCollaborator{}

	c, err := New(path, 4096, gid, collab)
	require.NoError(t, err)

	ptr, ok := c.Malloc(64)
	require.True(t, ok)
	require.NoError(t, c.AssignSeqno(ptr, 1))
	require.NoError(t, c.MarkSynced())
	require.NoError(t, c.Close())

	c2, err := New(path, 4096, gid, collab, WithRecover(true))
	require.NoError(t, err)
	defer c2.Close()

	stats := c2.Stats()
	assert.Equal(t, stats.SizeCache, stats.SizeFree+stats.SizeUsed)
}

func TestCacheCloseIdempotentAndSetOptionImmutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.dat")
	c, err := New(path, 4096, uuid.New(), &recordingCollaborator{})
	require.NoError(t, err)

	assert.ErrorIs(t, c.SetOption(WithRecover(true)), ErrImmutableOption)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
