package calcnode

import (
	"context"
	"errors"
	"sync"

	"github.com/specialistvlad/calcgrid/internal/ctxlog"
)

// ErrPoolClosed is returned by Submit once the pool has been closed.
var ErrPoolClosed = errors.New("calculation node pool is closed")

// Receiver is called exactly once with the result of a submitted job. It
// may be called from any goroutine and must not block for long.
type Receiver func(*JobResult)

// Pool accepts jobs for asynchronous execution. Submit blocks only until
// the job is queued.
type Pool interface {
	Submit(ctx context.Context, job *Job, receive Receiver) error
	Close() error
}

type request struct {
	ctx     context.Context
	job     *Job
	receive Receiver
}

// LocalPool runs jobs on a fixed set of in-process worker goroutines that
// share one Node.
type LocalPool struct {
	node    Node
	queue   chan request
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	workers int
}

var _ Pool = (*LocalPool)(nil)

// NewLocalPool starts workers goroutines. ctx supplies the workers' logger.
func NewLocalPool(ctx context.Context, node Node, workers int) *LocalPool {
	if workers < 1 {
		workers = 1
	}
	p := &LocalPool{node: node, queue: make(chan request, workers), workers: workers}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(ctx, i)
	}
	ctxlog.FromContext(ctx).Debug("Local calculation node pool started.", "node", node.ID(), "workers", workers)
	return p
}

// Workers returns the number of worker goroutines.
func (p *LocalPool) Workers() int { return p.workers }

// Submit queues job. receive is called from a worker goroutine.
func (p *LocalPool) Submit(ctx context.Context, job *Job, receive Receiver) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- request{ctx: ctx, job: job, receive: receive}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *LocalPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *LocalPool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)

	for req := range p.queue {
		workerLogger := logger.With("workerID", workerID, "job", req.job.Spec.JobID.String())
		if err := req.ctx.Err(); err != nil {
			workerLogger.Debug("Job abandoned before execution.", "error", err)
			req.receive(FailedResult(req.job, p.node.ID(), err))
			continue
		}
		workerLogger.Debug("Worker picked up job.", "items", len(req.job.Items))
		req.receive(p.node.Execute(req.ctx, req.job))
	}
	logger.Debug("Worker finished.", "workerID", workerID)
}
