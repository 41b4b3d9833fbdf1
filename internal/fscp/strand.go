package fscp

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"
)

// strandJob is a closure queued onto the strand. Every mutation of peer
// and session state runs as a strandJob so the core protocol logic never
// needs its own locking.
type strandJob func(now time.Time)

// Strand is a single-threaded cooperative executor: all server and peer
// state is touched exclusively from the goroutine that drains its job
// channel, so the protocol core reads like single-threaded code even
// though the socket read loop and housekeeping ticker run concurrently.
type Strand struct {
	jobs   chan strandJob
	done   chan struct{}
	wg     conc.WaitGroup
	cancel context.CancelFunc
}

// NewStrand builds a strand with the given job queue depth.
func NewStrand(queueDepth int) *Strand {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Strand{
		jobs: make(chan strandJob, queueDepth),
		done: make(chan struct{}),
	}
}

// Run starts the strand's dispatch loop and a housekeeping ticker that
// enqueues tick onto the strand every interval. It blocks until ctx is
// cancelled or Close is called, then waits for both goroutines to exit —
// a panic in either is recovered and re-panicked on this call per
// conc.WaitGroup semantics, rather than silently killing the process.
func (s *Strand) Run(ctx context.Context, interval time.Duration, tick func(now time.Time)) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Post(func(now time.Time) { tick(now) })
			}
		}
	})

	s.wg.Go(func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				s.drain()
				return
			case job := <-s.jobs:
				job(time.Now())
			}
		}
	})

	<-ctx.Done()
	s.wg.Wait()
}

// drain runs any jobs still queued at shutdown so in-flight callbacks
// complete instead of being silently discarded.
func (s *Strand) drain() {
	for {
		select {
		case job := <-s.jobs:
			job(time.Now())
		default:
			return
		}
	}
}

// Post enqueues a job for execution on the strand. It never blocks the
// caller indefinitely on an unbounded queue: if the job channel is full,
// Post drops the job, as UDP drops a datagram. A dropped job never runs,
// so a caller waiting on its result is released only by its own context
// or the protocol timeout of the operation.
func (s *Strand) Post(job strandJob) {
	select {
	case s.jobs <- job:
	default:
	}
}

// Close stops the strand's goroutines, draining any queued jobs first.
func (s *Strand) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}
