package encmmap

import "sync"

// registryCapacity is K from spec.md §4.B: at most this many idle
// pools are kept around.
const registryCapacity = 10

// pruneAgeLimit is the virtual-age threshold past which an idle pool
// is dropped during the every-K-allocations prune pass.
const pruneAgeLimit = 10

type idlePool struct {
	pool     *PagePool
	size     int
	pageSize int
	age      int
}

// Registry is a process-wide set of at most registryCapacity idle
// PagePools, tagged by (capacity, page_size), that amortizes pool
// construction cost across repeated EncMmap open/close cycles — the
// same rationale as the teacher's MmapPool, just promoted to a
// multi-pool LRU since EncMmap instances can each want a different
// cache size. Callers typically share a single process-wide Registry
// via NewRegistry, dependency-injected rather than a hidden global
// (spec.md §9's design note on process-wide registries).
type Registry struct {
	mu      sync.Mutex
	idle    []*idlePool
	allocs  int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Allocate returns an idle pool whose capacity and page size both
// satisfy the request, detaching it from the registry; otherwise it
// constructs a fresh pool sized exactly to the request. Every
// registryCapacity calls it also prunes pools whose virtual age
// exceeds pruneAgeLimit.
func (r *Registry) Allocate(pageSize, size int) (*PagePool, error) {
	r.mu.Lock()
	r.allocs++
	if r.allocs%registryCapacity == 0 {
		r.pruneLocked()
	}
	for i, ip := range r.idle {
		if ip.size >= size && ip.pageSize >= pageSize {
			r.idle = append(r.idle[:i], r.idle[i+1:]...)
			r.mu.Unlock()
			return ip.pool, nil
		}
	}
	r.mu.Unlock()

	return NewPagePool(size, pageSize)
}

// Release returns pool to the registry if it has spare capacity;
// otherwise the pool is destroyed.
func (r *Registry) Release(pool *PagePool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ip := range r.idle {
		ip.age++
	}

	if len(r.idle) >= registryCapacity {
		_ = pool.Destroy()
		return
	}
	pool.FreeAll()
	r.idle = append(r.idle, &idlePool{
		pool:     pool,
		size:     pool.Capacity() * pool.PageSize(),
		pageSize: pool.PageSize(),
	})
}

// pruneLocked destroys idle pools whose virtual age exceeds
// pruneAgeLimit. Caller must hold r.mu.
func (r *Registry) pruneLocked() {
	kept := r.idle[:0]
	for _, ip := range r.idle {
		if ip.age > pruneAgeLimit {
			_ = ip.pool.Destroy()
			continue
		}
		kept = append(kept, ip)
	}
	r.idle = kept
}

// Len reports the number of idle pools currently held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.idle)
}
