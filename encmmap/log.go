package encmmap

import "log/slog"

// log is the package-wide logger for PagePool/EncMmap diagnostics.
// The top-level gcache.SetLogger call also redirects this one; see
// gcache/log.go.
var log = slog.Default()

// SetLogger replaces the logger used by this package.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	log = l
}
