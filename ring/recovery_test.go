package ring

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRecoverGaplessSuffixS4 is scenario S4: seqnos {5,6,7,8,hole,10,11}
// (no buffer is ever malloc'd for seqno 9) recover down to the
// trailing gapless run {10,11}, discarding the earlier run even
// though it was itself internally gapless.
func TestRecoverGaplessSuffixS4(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.dat")
	gid := uuid.New()

	rb, err := Open(path, 4096, gid)
	require.NoError(t, err)

	for _, s := range []int64{5, 6, 7, 8, 10, 11} {
		p, ok := rb.Malloc(64)
		require.True(t, ok)
		require.NoError(t, rb.AssignSeqno(p, s))
	}
	require.NoError(t, rb.MarkSynced())
	require.NoError(t, rb.Close())

	rb2, err := Open(path, 4096, gid, WithRecover(true))
	require.NoError(t, err)
	defer rb2.Close()

	front, ok := rb2.index.IndexFront()
	require.True(t, ok)
	back, ok := rb2.index.IndexBack()
	require.True(t, ok)

	assert.Equal(t, int64(10), front)
	assert.Equal(t, int64(11), back)
	assert.Equal(t, 2, rb2.index.Size())
}

// TestRecoverAfterUncleanShutdownS5 is scenario S5: a synced run of
// {1,2,3} followed by an unsynced run of {4,5} still recovers a dense
// index from front to back (some trailing entries may or may not
// survive the scan, but there must be no internal hole).
func TestRecoverAfterUncleanShutdownS5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.dat")
	gid := uuid.New()

	rb, err := Open(path, 4096, gid)
	require.NoError(t, err)

	for _, s := range []int64{1, 2, 3} {
		p, ok := rb.Malloc(64)
		require.True(t, ok)
		require.NoError(t, rb.AssignSeqno(p, s))
	}
	require.NoError(t, rb.MarkSynced())

	for _, s := range []int64{4, 5} {
		p, ok := rb.Malloc(64)
		require.True(t, ok)
		require.NoError(t, rb.AssignSeqno(p, s))
	}
	// No MarkSynced call here: simulates a crash before the next sync.
	require.NoError(t, rb.Close())

	rb2, err := Open(path, 4096, gid, WithRecover(true))
	require.NoError(t, err)
	defer rb2.Close()

	front, ok := rb2.index.IndexFront()
	require.True(t, ok)
	back, ok := rb2.index.IndexBack()
	require.True(t, ok)
	assert.GreaterOrEqual(t, back, int64(3))

	var seen []int64
	rb2.index.Range(func(s int64, _ Ptr) bool {
		seen = append(seen, s)
		return true
	})
	for i := 1; i < len(seen); i++ {
		assert.Equal(t, seen[i-1]+1, seen[i], "index must be dense from front to back, no internal hole")
	}
	assert.Equal(t, front, seen[0])
	assert.Equal(t, back, seen[len(seen)-1])
}

// TestRecoverEncryptedRingRoundTrip is property 9's setup half: a ring
// opened with encryption, written to, synced, and reopened with the
// same Master-Key lineage recovers its buffers intact.
func TestRecoverEncryptedRingRoundTrip(t *testing.T) {
	provider := newEncTestProvider(t)
	path := filepath.Join(t.TempDir(), "ring.dat")
	gid := uuid.New()

	rb, err := Open(path, 1<<16, gid, WithEncryption(provider), WithEncCacheParams(4096, 4*4096))
	require.NoError(t, err)

	p, ok := rb.Malloc(256)
	require.True(t, ok)
	require.NoError(t, rb.AssignSeqno(p, 1))

	payload := []byte("gcache-encrypted-recovery-payload")
	_, err = rb.mmap.WriteAt(payload, int64(p))
	require.NoError(t, err)

	require.NoError(t, rb.MarkSynced())
	require.NoError(t, rb.Close())

	rb2, err := Open(path, 1<<16, gid, WithEncryption(provider), WithEncCacheParams(4096, 4*4096), WithRecover(true))
	require.NoError(t, err)
	defer rb2.Close()

	back, ok := rb2.index.IndexBack()
	require.True(t, ok)
	assert.Equal(t, int64(1), back)

	ptr, ok := rb2.index.Get(back)
	require.True(t, ok)
	got := make([]byte, len(payload))
	_, err = rb2.mmap.ReadAt(got, int64(ptr))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// TestRecoverEncryptedRingSurvivesSecondReopen guards against
// openKeysLocked's non-fresh branch forgetting to carry the unwrapped
// Master Key forward: if it did, the next writePreambleLocked call
// would rewrap the File Key under an empty key, and a third open would
// fail to unwrap it at all.
func TestRecoverEncryptedRingSurvivesSecondReopen(t *testing.T) {
	provider := newEncTestProvider(t)
	path := filepath.Join(t.TempDir(), "ring.dat")
	gid := uuid.New()

	rb, err := Open(path, 1<<16, gid, WithEncryption(provider), WithEncCacheParams(4096, 4*4096))
	require.NoError(t, err)

	p, ok := rb.Malloc(256)
	require.True(t, ok)
	require.NoError(t, rb.AssignSeqno(p, 1))

	payload := []byte("gcache-second-reopen-survives-payload")
	_, err = rb.mmap.WriteAt(payload, int64(p))
	require.NoError(t, err)

	require.NoError(t, rb.MarkSynced())
	require.NoError(t, rb.Close())

	rb2, err := Open(path, 1<<16, gid, WithEncryption(provider), WithEncCacheParams(4096, 4*4096), WithRecover(true))
	require.NoError(t, err)
	require.NoError(t, rb2.MarkSynced())
	require.NoError(t, rb2.Close())

	rb3, err := Open(path, 1<<16, gid, WithEncryption(provider), WithEncCacheParams(4096, 4*4096), WithRecover(true))
	require.NoError(t, err)
	defer rb3.Close()

	back, ok := rb3.index.IndexBack()
	require.True(t, ok)
	assert.Equal(t, int64(1), back)

	ptr, ok := rb3.index.Get(back)
	require.True(t, ok)
	got := make([]byte, len(payload))
	_, err = rb3.mmap.ReadAt(got, int64(ptr))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
