// Package worker implements the GCache ServiceWorker: a single
// long-lived background worker that detaches eviction and
// last-applied-seqno bookkeeping from the hot write path.
package worker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SeqnoNone is the sentinel "nothing coalesced yet" value, matching
// ring.SeqnoNone without importing the ring package: ServiceWorker only
// needs the seqno type, not the allocator itself.
const SeqnoNone int64 = 0

// Releaser is the RingBuffer capability report_last_applied/
// release_seqno messages are eventually applied against. A
// *ring.RingBuffer satisfies this with its SeqnoRelease method.
type Releaser interface {
	SeqnoRelease(seqno int64) error
}

// Collaborator is the external group-communication peer that learns
// the coalesced last-applied seqno, per spec.md §4.H. SetLastApplied
// returning a non-nil error is treated the same as the original's
// "negative return": logged, and the value is retried on the next
// tick rather than dropped.
type Collaborator interface {
	SetLastApplied(seqno int64) error
}

// kind discriminates the small command enum ServiceWorker's channel
// carries, replacing the original's condvar-guarded pending-action
// bitmask with ordinary Go channel FIFO ordering.
type kind uint8

const (
	kindReportLastApplied kind = iota
	kindReleaseSeqno
	kindFlush
	kindReset
	kindExit
)

type command struct {
	kind   kind
	seqno  int64
	reset  bool
	uuid   uuid.UUID
	replyc chan struct{}
}

// ServiceWorker is one goroutine per RingBuffer, serializing
// report_last_applied/release_seqno/flush/reset/shutdown against the
// ring and a group-communication Collaborator (spec.md §4.H).
type ServiceWorker struct {
	ring   Releaser
	collab Collaborator

	ch   chan command
	wg   sync.WaitGroup
	once sync.Once

	tickInterval time.Duration

	mu              sync.Mutex
	lastAppliedUUID uuid.UUID
}

// New starts a ServiceWorker bound to ring and collab. The worker
// goroutine runs until Shutdown is called.
func New(ring Releaser, collab Collaborator, opts ...Option) *ServiceWorker {
	cfg := defaultConfig()
	for _, o := range opts {
		o.apply(&cfg)
	}

	w := &ServiceWorker{
		ring:         ring,
		collab:       collab,
		ch:           make(chan command, cfg.queueLen),
		tickInterval: cfg.tickInterval,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// ReportLastApplied coalesces seqno into the pending monotonic max,
// handed to the Collaborator on the next tick or Flush.
func (w *ServiceWorker) ReportLastApplied(seqno int64) {
	w.ch <- command{kind: kindReportLastApplied, seqno: seqno}
}

// ReleaseSeqno asks the RingBuffer to release every buffer up through
// seqno. reset is carried through for parity with the original's
// signature but has no independent effect here: seqno_reset is a
// RingBuffer-level operation callers invoke directly.
func (w *ServiceWorker) ReleaseSeqno(seqno int64, reset bool) {
	w.ch <- command{kind: kindReleaseSeqno, seqno: seqno, reset: reset}
}

// Flush drains every action enqueued before this call, pushes the
// coalesced last-applied seqno to the Collaborator one final time, and
// does not return until that has happened (property 10).
func (w *ServiceWorker) Flush(id uuid.UUID) {
	reply := make(chan struct{})
	w.ch <- command{kind: kindFlush, uuid: id, replyc: reply}
	<-reply
}

// Reset drops the pending coalesced last-applied seqno without
// touching the RingBuffer.
func (w *ServiceWorker) Reset() {
	w.ch <- command{kind: kindReset}
}

// LastAppliedUUID returns the GID recorded by the most recent Flush.
func (w *ServiceWorker) LastAppliedUUID() uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastAppliedUUID
}

// Shutdown stops the worker goroutine and waits for it to exit. Safe
// to call more than once.
func (w *ServiceWorker) Shutdown() {
	w.once.Do(func() {
		w.ch <- command{kind: kindExit}
	})
	w.wg.Wait()
}

func (w *ServiceWorker) run() {
	defer w.wg.Done()

	pending := SeqnoNone
	dirty := false

	var tick <-chan time.Time
	if w.tickInterval > 0 {
		ticker := time.NewTicker(w.tickInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	push := func() {
		if !dirty {
			return
		}
		if err := w.collab.SetLastApplied(pending); err != nil {
			log.Warn("set last applied failed, retrying next tick", "seqno", pending, "error", err)
			return
		}
		dirty = false
	}

	for {
		select {
		case cmd := <-w.ch:
			switch cmd.kind {
			case kindReportLastApplied:
				if cmd.seqno > pending {
					pending = cmd.seqno
					dirty = true
				}
			case kindReleaseSeqno:
				if err := w.ring.SeqnoRelease(cmd.seqno); err != nil {
					log.Warn("seqno release failed", "seqno", cmd.seqno, "error", err)
				}
			case kindReset:
				pending = SeqnoNone
				dirty = false
			case kindFlush:
				push()
				w.mu.Lock()
				w.lastAppliedUUID = cmd.uuid
				w.mu.Unlock()
				close(cmd.replyc)
			case kindExit:
				return
			}
		case <-tick:
			push()
		}
	}
}
