// Package worker runs evaluation steps on a fixed pool of goroutines so
// a slow or runaway evaluation cannot stall unrelated requests.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cunode/cunode/internal/model"
	"github.com/cunode/cunode/pkg/cuerr"
)

// Task is one evaluation step, executed on a pool slot.
type Task func(ctx context.Context) (model.EvaluationOutput, error)

// Result carries a finished task back to its submitter.
type Result struct {
	Output model.EvaluationOutput
	Err    error
}

type job struct {
	ctx    context.Context
	task   Task
	result chan Result
}

// Pool is a fixed-size evaluation pool with a bounded queue. When the
// queue is full, Submit waits at most the busy threshold before shedding
// the request with a Busy error; a zero threshold disables shedding and
// waits for a slot.
type Pool struct {
	queue         chan job
	group         *errgroup.Group
	busyThreshold time.Duration
	log           *slog.Logger

	pending atomic.Int64
	closed  atomic.Bool

	// mu makes queue sends and the close mutually exclusive; a Submit
	// racing Close must never send on the closed channel.
	mu sync.RWMutex
}

// New starts a pool of workers. queueSize bounds the number of submitted
// but unstarted tasks.
func New(workers, queueSize int, busyThreshold time.Duration, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Pool{
		queue:         make(chan job, queueSize),
		group:         &errgroup.Group{},
		busyThreshold: busyThreshold,
		log:           log,
	}
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	return p
}

func (p *Pool) work() error {
	for j := range p.queue {
		out, err := j.task(j.ctx)
		p.pending.Add(-1)
		// The result channel is buffered so delivery never blocks a
		// slot, even when the submitter is gone.
		j.result <- Result{Output: out, Err: err}
	}
	return nil
}

// Submit queues one task and returns the channel its result will arrive
// on. Shed requests fail with a Busy error and run nothing.
func (p *Pool) Submit(ctx context.Context, task Task) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return nil, cuerr.New(cuerr.ClassBusy, "worker pool is shut down")
	}

	j := job{ctx: ctx, task: task, result: make(chan Result, 1)}

	if p.busyThreshold <= 0 {
		select {
		case p.queue <- j:
			p.pending.Add(1)
			return j.result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	timer := time.NewTimer(p.busyThreshold)
	defer timer.Stop()
	select {
	case p.queue <- j:
		p.pending.Add(1)
		return j.result, nil
	case <-timer.C:
		p.log.Warn("request shed by admission control",
			slog.Int64("pending", p.pending.Load()),
			slog.Duration("busy_threshold", p.busyThreshold))
		return nil, cuerr.Newf(cuerr.ClassBusy, "no evaluation slot within %s", p.busyThreshold)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of queued or running tasks.
func (p *Pool) Pending() int64 {
	return p.pending.Load()
}

// Close stops accepting work and waits for queued tasks to finish.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	// Blocked submitters still hold the read lock; the workers keep
	// draining until they send, so this cannot deadlock.
	p.mu.Lock()
	close(p.queue)
	p.mu.Unlock()
	return p.group.Wait()
}
