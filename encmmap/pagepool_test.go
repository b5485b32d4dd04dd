package encmmap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPagePoolAllocFreeRoundTrip(t *testing.T) {
	pool, err := NewPagePool(4*os.Getpagesize(), os.Getpagesize())
	require.NoError(t, err)
	defer pool.Destroy()

	assert.Equal(t, 4, pool.Capacity())
	assert.Equal(t, 4, pool.Available())

	pg, ok := pool.Alloc()
	require.True(t, ok)
	assert.Equal(t, 3, pool.Available())

	pg.Data()[0] = 0x42
	pool.Free(pg)
	assert.Equal(t, 4, pool.Available())
}

func TestPagePoolExhaustion(t *testing.T) {
	pool, err := NewPagePool(2*os.Getpagesize(), os.Getpagesize())
	require.NoError(t, err)
	defer pool.Destroy()

	p1, ok := pool.Alloc()
	require.True(t, ok)
	p2, ok := pool.Alloc()
	require.True(t, ok)
	assert.NotSame(t, p1, p2)

	_, ok = pool.Alloc()
	assert.False(t, ok, "pool must never grow past its fixed capacity")
}

func TestPagePoolClampsToBounds(t *testing.T) {
	pool, err := NewPagePool(1, os.Getpagesize())
	require.NoError(t, err)
	defer pool.Destroy()
	assert.Equal(t, MinPages, pool.Capacity())

	big, err := NewPagePool(1<<30, os.Getpagesize())
	require.NoError(t, err)
	defer big.Destroy()
	assert.Equal(t, MaxPages, big.Capacity())
}

func TestPagePoolRejectsBadPageSize(t *testing.T) {
	_, err := NewPagePool(4096, 100)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPagePoolFreeAll(t *testing.T) {
	pool, err := NewPagePool(4*os.Getpagesize(), os.Getpagesize())
	require.NoError(t, err)
	defer pool.Destroy()

	_, _ = pool.Alloc()
	_, _ = pool.Alloc()
	assert.Equal(t, 2, pool.Available())

	pool.FreeAll()
	assert.Equal(t, 4, pool.Available())
}
