package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/percevia/vision-service/models"
)

const DefaultPoolSize = 4

var ErrPoolClosed = errors.New("worker pool is closed")

// Task is one synchronous detection call.
type Task func(ctx context.Context) ([]models.RawDetection, error)

// Future is the pending result of a submitted Task.
type Future struct {
	done   chan struct{}
	result []models.RawDetection
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(result []models.RawDetection, err error) {
	f.result, f.err = result, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the task finishes or ctx ends. Giving up on a future
// does not cancel the task itself.
func (f *Future) Await(ctx context.Context) ([]models.RawDetection, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type job struct {
	ctx    context.Context
	task   Task
	future *Future
}

// PoolStats is a snapshot of WorkerPool activity.
type PoolStats struct {
	Size      int   `json:"size"`
	Busy      int   `json:"busy"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Skipped   int64 `json:"skipped"`
	Rejected  int64 `json:"rejected"`
}

// WorkerPool runs at most size tasks at once. Extra tasks wait in FIFO order
// without a bound.
type WorkerPool struct {
	size int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	closed bool
	stats  PoolStats

	wg sync.WaitGroup
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	p := &WorkerPool{size: size}
	p.cond = sync.NewCond(&p.mu)
	p.stats.Size = size

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

// Submit queues task. On a stopped pool the returned future already holds
// ErrPoolClosed.
func (p *WorkerPool) Submit(ctx context.Context, task Task) *Future {
	f := newFuture()

	p.mu.Lock()
	if p.closed {
		p.stats.Rejected++
		p.mu.Unlock()
		f.resolve(nil, ErrPoolClosed)
		return f
	}
	p.queue = append(p.queue, job{ctx: ctx, task: task, future: f})
	p.stats.Submitted++
	p.mu.Unlock()

	p.cond.Signal()
	return f
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		j := p.queue[0]
		p.queue[0] = job{}
		p.queue = p.queue[1:]

		if err := j.ctx.Err(); err != nil {
			p.stats.Skipped++
			p.mu.Unlock()
			j.future.resolve(nil, err)
			continue
		}
		p.stats.Busy++
		p.mu.Unlock()

		result, err := run(j)
		j.future.resolve(result, err)

		p.mu.Lock()
		p.stats.Busy--
		p.stats.Completed++
		p.mu.Unlock()
	}
}

func run(j job) (result []models.RawDetection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("detection task panicked: %v", r)
		}
	}()
	return j.task(j.ctx)
}

// Stop lets running tasks finish, fails every queued task with
// ErrPoolClosed and waits for the workers to exit.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	pending := p.queue
	p.queue = nil
	p.stats.Rejected += int64(len(pending))
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, j := range pending {
		j.future.resolve(nil, ErrPoolClosed)
	}
	p.wg.Wait()
}

func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Queued = len(p.queue)
	return s
}
