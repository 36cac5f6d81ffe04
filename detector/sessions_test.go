package detector

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

type fakeSession struct {
	id     int
	closed atomic.Bool
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

func counterFactory() (func() (*fakeSession, error), *int32) {
	var n int32
	return func() (*fakeSession, error) {
		id := atomic.AddInt32(&n, 1)
		return &fakeSession{id: int(id)}, nil
	}, &n
}

func TestSessionPoolAcquireRelease(t *testing.T) {
	factory, _ := counterFactory()
	pool, err := NewSessionPool(2, factory, 0)
	test.That(t, err, test.ShouldBeNil)

	a, err := pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeNil)
	b, err := pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.id, test.ShouldNotEqual, b.id)

	m := pool.Metrics()
	test.That(t, m.InUse, test.ShouldEqual, 2)
	test.That(t, m.TotalAcquired, test.ShouldEqual, int64(2))

	pool.Release(a)
	pool.Release(b)
	m = pool.Metrics()
	test.That(t, m.InUse, test.ShouldEqual, 0)
	test.That(t, m.TotalReleased, test.ShouldEqual, int64(2))

	test.That(t, pool.Close(), test.ShouldBeNil)
	test.That(t, a.closed.Load(), test.ShouldBeTrue)
	test.That(t, b.closed.Load(), test.ShouldBeTrue)

	_, err = pool.Acquire(context.Background())
	test.That(t, errors.Is(err, ErrSessionPoolClosed), test.ShouldBeTrue)
}

func TestSessionPoolAcquireTimeout(t *testing.T) {
	factory, _ := counterFactory()
	pool, err := NewSessionPool(1, factory, 0)
	test.That(t, err, test.ShouldBeNil)
	defer pool.Close()
	pool.acquireTimeout = 20 * time.Millisecond

	s, err := pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeNil)

	_, err = pool.Acquire(context.Background())
	test.That(t, errors.Is(err, ErrAcquireTimeout), test.ShouldBeTrue)
	test.That(t, pool.Metrics().AcquireFailures, test.ShouldEqual, int64(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)

	pool.Release(s)
}

func TestSessionPoolDiscardAndReplenish(t *testing.T) {
	factory, created := counterFactory()
	pool, err := NewSessionPool(1, factory, 0)
	test.That(t, err, test.ShouldBeNil)
	defer pool.Close()

	s, err := pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeNil)
	pool.Discard(s, errors.New("run failed"))
	test.That(t, s.closed.Load(), test.ShouldBeTrue)
	test.That(t, pool.Metrics().Live, test.ShouldEqual, 0)
	test.That(t, pool.LastErrors(), test.ShouldHaveLength, 1)

	pool.replenish()
	test.That(t, atomic.LoadInt32(created), test.ShouldEqual, int32(2))
	replacement, err := pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, replacement.id, test.ShouldEqual, 2)
	pool.Release(replacement)
}

func TestSessionPoolFactoryFailureClosesBuilt(t *testing.T) {
	var built []*fakeSession
	factory := func() (*fakeSession, error) {
		if len(built) == 2 {
			return nil, errors.New("out of memory")
		}
		s := &fakeSession{id: len(built)}
		built = append(built, s)
		return s, nil
	}

	_, err := NewSessionPool(3, factory, 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "session 2")
	for _, s := range built {
		test.That(t, s.closed.Load(), test.ShouldBeTrue)
	}
}
