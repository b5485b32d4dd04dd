package gcache

import (
	"log/slog"

	"github.com/galera-project/gcache/encmmap"
	"github.com/galera-project/gcache/ring"
	"github.com/galera-project/gcache/worker"
)

// log is the package-wide logger used by Cache itself. Swap it with
// SetLogger before calling New if the embedding application wants
// cache diagnostics routed through its own handler; SetLogger also
// redirects the ring buffer, the encrypted mmap layer, and the
// service worker, which each keep their own package-level logger.
var log = slog.Default()

// SetLogger replaces the logger used by every gcache subsystem.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	log = l
	ring.SetLogger(l)
	encmmap.SetLogger(l)
	worker.SetLogger(l)
}
