package ring

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRotateMasterKeyThenReopenWithNewKeyOnly is property 9: after
// rotate, a sync followed by a fresh reopen with only the new Master
// Key succeeds and returns the same buffers.
func TestRotateMasterKeyThenReopenWithNewKeyOnly(t *testing.T) {
	provider := newEncTestProvider(t)
	path := filepath.Join(t.TempDir(), "ring.dat")
	gid := uuid.New()

	rb, err := Open(path, 1<<16, gid, WithEncryption(provider), WithEncCacheParams(4096, 4*4096))
	require.NoError(t, err)

	p, ok := rb.Malloc(256)
	require.True(t, ok)
	require.NoError(t, rb.AssignSeqno(p, 1))

	payload := []byte("gcache-rotation-survives-payload")
	_, err = rb.mmap.WriteAt(payload, int64(p))
	require.NoError(t, err)

	oldName := masterKeyName(rb.mkConstID, rb.mkUUID, rb.mkID)

	require.NoError(t, rb.RotateMasterKey())
	require.NoError(t, rb.MarkSynced())
	require.NoError(t, rb.Close())

	// Prove the reopen relies only on the new Master Key: if the
	// rotated-to key were wrong, removing the old one would surface it.
	mockProvider, ok := provider.(*deletableMockProvider)
	require.True(t, ok)
	mockProvider.delete(oldName)

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
