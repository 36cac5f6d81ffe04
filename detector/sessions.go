package detector

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
	maxRecordedErrors = 10
)

var (
	ErrSessionPoolClosed = errors.New("session pool is closed")
	ErrAcquireTimeout    = errors.New("timeout waiting for available session")
)

// PoolMetrics is a snapshot of session pool usage.
type PoolMetrics struct {
	Size            int           `json:"pool_size"`
	Live            int           `json:"live_sessions"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	Discarded       int64         `json:"discarded"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

// SessionPool hands out exclusive inference sessions. Sessions that fail are
// discarded and replaced by the periodic health check.
type SessionPool[S io.Closer] struct {
	sessions       chan S
	size           int
	factory        func() (S, error)
	acquireTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	live       int
	metrics    PoolMetrics
	lastErrors []error

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSessionPool creates size sessions up front. If any fails, the ones
// already built are closed.
func NewSessionPool[S io.Closer](size int, factory func() (S, error), healthCheck time.Duration) (*SessionPool[S], error) {
	if size <= 0 {
		size = DefaultOptions().Sessions
	}
	p := &SessionPool[S]{
		sessions:       make(chan S, size),
		size:           size,
		factory:        factory,
		acquireTimeout: AcquireTimeout,
		done:           make(chan struct{}),
	}
	p.metrics.Size = size

	for i := 0; i < size; i++ {
		s, err := factory()
		if err != nil {
			return nil, multierr.Append(errors.Wrapf(err, "failed to initialize session %d", i), p.Close())
		}
		p.live++
		p.sessions <- s
	}

	if healthCheck > 0 {
		p.wg.Add(1)
		go p.healthCheck(healthCheck)
	}
	return p, nil
}

func (p *SessionPool[S]) Acquire(ctx context.Context) (S, error) {
	var zero S
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return zero, ErrSessionPoolClosed
	}

	start := time.Now()
	defer func() {
		p.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case s, ok := <-p.sessions:
		if !ok {
			return zero, ErrSessionPoolClosed
		}
		p.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.mu.Unlock()
		return s, nil
	case <-timer.C:
		p.mu.Lock()
		p.metrics.AcquireFailures++
		p.mu.Unlock()
		return zero, ErrAcquireTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Release returns a healthy session to the pool.
func (p *SessionPool[S]) Release(s S) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.InUse--
	p.metrics.TotalReleased++
	if p.closed {
		p.live--
		_ = s.Close()
		return
	}
	p.sessions <- s
}

// Discard destroys a session that failed. The health check builds a
// replacement.
func (p *SessionPool[S]) Discard(s S, cause error) {
	p.mu.Lock()
	p.metrics.InUse--
	p.metrics.Discarded++
	p.live--
	p.recordErrorLocked(cause)
	p.mu.Unlock()

	if err := s.Close(); err != nil {
		p.recordError(err)
	}
}

func (p *SessionPool[S]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.sessions)
	var err error
	for s := range p.sessions {
		p.live--
		err = multierr.Append(err, s.Close())
	}
	return err
}

func (p *SessionPool[S]) healthCheck(period time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish rebuilds discarded sessions until the pool is back to size.
func (p *SessionPool[S]) replenish() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		s, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = s.Close()
			return
		}
		p.live++
		p.sessions <- s
		p.mu.Unlock()
	}
}

func (p *SessionPool[S]) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordErrorLocked(err)
}

func (p *SessionPool[S]) recordErrorLocked(err error) {
	if err == nil {
		return
	}
	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

// LastErrors returns the most recent session failures, oldest first.
func (p *SessionPool[S]) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *SessionPool[S]) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics
	m.Live = p.live
	return m
}
