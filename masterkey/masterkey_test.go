package masterkey

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProviderCreateGetExists(t *testing.T) {
	p := NewMockProvider()

	ok, err := p.Exists("GaleraKey-x@y-1")
	require.NoError(t, err)
	assert.False(t, ok)

	key, err := p.Create("GaleraKey-x@y-1")
	require.NoError(t, err)
	assert.Len(t, key, keySize)

	ok, err = p.Exists("GaleraKey-x@y-1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := p.Get("GaleraKey-x@y-1")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestMockProviderGetMissing(t *testing.T) {
	p := NewMockProvider()
	_, err := p.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBitcaskProviderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenBitcaskProvider(filepath.Join(dir, "mk"))
	require.NoError(t, err)
	defer p.Close()

	key, err := p.Create("GaleraKey-abc@def-0")
	require.NoError(t, err)
	assert.Len(t, key, keySize)

	got, err := p.Get("GaleraKey-abc@def-0")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	ok, err := p.Exists("GaleraKey-abc@def-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBitcaskProviderCreateDuplicateFails(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenBitcaskProvider(filepath.Join(dir, "mk"))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Create("dup")
	require.NoError(t, err)
	_, err = p.Create("dup")
	assert.Error(t, err)
}
