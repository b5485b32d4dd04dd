package encmmap

import (
	"fmt"
	"strings"
	"sync"
)

// debugEnabled gates DumpMappings, matching the original's
// gu_enc_debug.cpp: a diagnostic hook, not a hot-path feature (see
// SPEC_FULL.md §5.7).
var debugEnabled = false

// SetDebug enables or disables DumpMappings output.
func SetDebug(enabled bool) { debugEnabled = enabled }

var liveMmaps struct {
	mu   sync.Mutex
	set  map[*EncMmap]struct{}
}

func register(e *EncMmap) {
	liveMmaps.mu.Lock()
	defer liveMmaps.mu.Unlock()
	if liveMmaps.set == nil {
		liveMmaps.set = make(map[*EncMmap]struct{})
	}
	liveMmaps.set[e] = struct{}{}
}

func deregister(e *EncMmap) {
	liveMmaps.mu.Lock()
	defer liveMmaps.mu.Unlock()
	delete(liveMmaps.set, e)
}

// DumpMappings renders every live EncMmap's virtual-page table, for
// operator debugging. Returns an empty string unless SetDebug(true)
// has been called, mirroring the original's debug-build gate.
func DumpMappings() string {
	if !debugEnabled {
		return ""
	}
	liveMmaps.mu.Lock()
	mmaps := make([]*EncMmap, 0, len(liveMmaps.set))
	for e := range liveMmaps.set {
		mmaps = append(mmaps, e)
	}
	liveMmaps.mu.Unlock()

	var b strings.Builder
	for i, e := range mmaps {
		mapped := e.mappedPageCount()
		fmt.Fprintf(&b, "encmmap[%d]: size=%d pageSize=%d vpages=%d mapped=%d\n",
			i, e.Size(), e.pageSize, e.numVPages, mapped)
	}
	return b.String()
}
