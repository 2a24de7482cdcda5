package xfer

import (
	"container/heap"
	"context"
	"time"
)

// Process is a unit of cooperative work: Step runs to completion and
// returns, yielding control back to the Scheduler. A process that is
// done returns done=true and is dropped from the run queue.
type Process interface {
	Step() (done bool)
}

// ProcessFunc adapts a plain function to the Process interface.
type ProcessFunc func() bool

// Step implements Process.
func (f ProcessFunc) Step() bool { return f() }

// Scheduler is the single-threaded cooperative executor described in
// §5: one goroutine drains a run queue of processes to completion and
// a min-heap of timers, with no preemption and no additional
// concurrency beyond what an individual Process chooses to do with
// channels internally (e.g. waiting on a socket read).
type Scheduler struct {
	runq   chan Process
	timers timerHeap
}

// NewScheduler creates a scheduler with the given run-queue depth.
func NewScheduler(queueDepth int) *Scheduler {
	return &Scheduler{
		runq: make(chan Process, queueDepth),
	}
}

// Schedule enqueues a process to be stepped on the scheduler's next
// turn. This is the Go analogue of the original's "schedule a process"
// reaction to an asynchronous event (e.g. WindowChanged).
func (s *Scheduler) Schedule(p Process) {
	select {
	case s.runq <- p:
	default:
		// Run queue is a soft bound; spawn a buffering goroutine
		// rather than block the caller or drop work.
		go func() { s.runq <- p }()
	}
}

// Timer is a single-shot deadline: Run fires it at most once and never
// rearms it. Expired is invoked on
// the scheduler's own goroutine, never concurrently with a Step.
type Timer struct {
	deadline time.Time
	interval time.Duration // never set or read; Run does not rearm
	expired  func()
	index    int
	stopped  bool
}

// NewTimer constructs a single-shot timer.
func NewTimer(expired func()) *Timer {
	return &Timer{expired: expired}
}

// Stop prevents the timer from firing if it has not already.
func (t *Timer) Stop() { t.stopped = true }

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// StartTimer arms t to fire once after d. Drains are performed by Run.
func (s *Scheduler) StartTimer(t *Timer, d time.Duration) {
	t.deadline = time.Now().Add(d)
	t.stopped = false
	heap.Push(&s.timers, t)
}

// Run drives the scheduler until ctx is cancelled: it pops due timers,
// runs processes to completion, and sleeps until the next deadline or
// the next scheduled process, whichever comes first.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-s.runq:
			for !p.Step() {
			}
		default:
		}

		var wait <-chan time.Time
		var armed *time.Timer
		if len(s.timers) > 0 {
			next := s.timers[0]
			d := time.Until(next.deadline)
			if d <= 0 {
				heap.Pop(&s.timers)
				if !next.stopped && next.expired != nil {
					next.expired()
				}
				continue
			}
			armed = time.NewTimer(d)
			wait = armed.C
		}

		select {
		case <-ctx.Done():
			stopTimer(armed)
			return ctx.Err()
		case p := <-s.runq:
			stopTimer(armed)
			for !p.Step() {
			}
		case <-wait:
		}
	}
}
