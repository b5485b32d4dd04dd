package ring

import "log/slog"

// log is the package-level logger, overridable via SetLogger —
// mirrors the root package's log.go for the rest of the module.
var log = slog.Default()

// SetLogger installs l as the ring package's logger.
func SetLogger(l *slog.Logger) {
	if l != nil {
		log = l
	}
}
