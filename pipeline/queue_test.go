package pipeline

import (
	"context"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestFrameQueueBound(t *testing.T) {
	q := NewFrameQueue(3)
	test.That(t, q.Cap(), test.ShouldEqual, 3)

	for i := 0; i < 10; i++ {
		q.TryEnqueue(frame(i+1, 1))
		test.That(t, q.Len(), test.ShouldBeLessThanOrEqualTo, 3)
	}
	test.That(t, q.Len(), test.ShouldEqual, 3)
	test.That(t, q.Enqueued(), test.ShouldEqual, int64(3))
	test.That(t, q.Dropped(), test.ShouldEqual, int64(7))
}

func TestFrameQueueFIFO(t *testing.T) {
	q := NewFrameQueue(0)
	test.That(t, q.Cap(), test.ShouldEqual, DefaultQueueCapacity)

	for i := 1; i <= 3; i++ {
		test.That(t, q.TryEnqueue(frame(i, 1)), test.ShouldBeTrue)
	}
	for i := 1; i <= 3; i++ {
		f, ok := q.Dequeue(context.Background(), time.Millisecond)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, f.Original.Width, test.ShouldEqual, i)
	}
}

func TestFrameQueueDequeueIdle(t *testing.T) {
	q := NewFrameQueue(1)

	start := time.Now()
	_, ok := q.Dequeue(context.Background(), 20*time.Millisecond)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, time.Since(start), test.ShouldBeGreaterThanOrEqualTo, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok = q.Dequeue(ctx, time.Hour)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestFrameQueueDequeueWakesOnEnqueue(t *testing.T) {
	q := NewFrameQueue(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.TryEnqueue(frame(7, 7))
	}()

	f, ok := q.Dequeue(context.Background(), time.Second)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, f.Original.Width, test.ShouldEqual, 7)
}
