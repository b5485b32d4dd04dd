package worker

import "time"

// DefaultTickInterval is how often a pending coalesced last-applied
// seqno is pushed to the Collaborator absent an intervening Flush.
const DefaultTickInterval = 200 * time.Millisecond

// DefaultQueueLen is the command channel's buffer size: large enough
// that ReportLastApplied/ReleaseSeqno from the hot path rarely block
// on a busy worker, small enough that a wedged Collaborator surfaces
// backpressure instead of growing unbounded.
const DefaultQueueLen = 1024

type config struct {
	tickInterval time.Duration
	queueLen     int
}

// Option configures a ServiceWorker at construction time. Mirrors the
// root package's Option/funcOpt pattern.
type Option interface {
	apply(*config)
}

type funcOpt func(*config)

func (f funcOpt) apply(c *config) { f(c) }

// WithTickInterval overrides how often the worker pushes a pending
// last-applied seqno absent a Flush. Zero disables the ticker: the
// Collaborator only hears about a new seqno via an explicit Flush.
func WithTickInterval(d time.Duration) Option {
	return funcOpt(func(c *config) { c.tickInterval = d })
}

// WithQueueLen overrides the command channel's buffer size.
func WithQueueLen(n int) Option {
	return funcOpt(func(c *config) { c.queueLen = n })
}

func defaultConfig() config {
	return config{
		tickInterval: DefaultTickInterval,
		queueLen:     DefaultQueueLen,
	}
}
