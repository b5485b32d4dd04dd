package encmmap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReuseOnMatch(t *testing.T) {
	r := NewRegistry()
	pageSize := os.Getpagesize()

	pool, err := r.Allocate(pageSize, 4*pageSize)
	require.NoError(t, err)
	r.Release(pool)
	assert.Equal(t, 1, r.Len())

	reused, err := r.Allocate(pageSize, 4*pageSize)
	require.NoError(t, err)
	assert.Same(t, pool, reused)
	assert.Equal(t, 0, r.Len())

	r.Release(reused)
}

func TestRegistryConstructsFreshWhenNoMatch(t *testing.T) {
	r := NewRegistry()
	pageSize := os.Getpagesize()

	small, err := r.Allocate(pageSize, 2*pageSize)
	require.NoError(t, err)
	r.Release(small)

	bigger, err := r.Allocate(pageSize, 100*pageSize)
	require.NoError(t, err)
	assert.NotSame(t, small, bigger)
	r.Release(bigger)
}

func TestRegistryCapacityBound(t *testing.T) {
	r := NewRegistry()
	pageSize := os.Getpagesize()

	for i := 0; i < registryCapacity+3; i++ {
		pool, err := r.Allocate(pageSize, (2+i)*pageSize)
		require.NoError(t, err)
		r.Release(pool)
	}
	assert.LessOrEqual(t, r.Len(), registryCapacity)
}
