// Package pipeline holds the concurrent detection pipeline: the frame queue,
// the shared result cache, the synchronous worker pool, the background worker
// and the per-request coordinator.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/percevia/vision-service/models"
)

const DefaultQueueCapacity = 10

// FrameQueue is a bounded FIFO between request handlers and the background
// worker. Producers never block: a full queue drops the new frame.
type FrameQueue struct {
	frames   chan models.Frame
	enqueued atomic.Int64
	dropped  atomic.Int64
}

func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &FrameQueue{frames: make(chan models.Frame, capacity)}
}

// TryEnqueue adds f unless the queue is full. It reports whether f was kept.
func (q *FrameQueue) TryEnqueue(f models.Frame) bool {
	select {
	case q.frames <- f:
		q.enqueued.Inc()
		return true
	default:
		q.dropped.Inc()
		return false
	}
}

// Dequeue waits up to timeout for the oldest frame. ok is false when nothing
// arrived in time or ctx ended.
func (q *FrameQueue) Dequeue(ctx context.Context, timeout time.Duration) (f models.Frame, ok bool) {
	select {
	case f = <-q.frames:
		return f, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f = <-q.frames:
		return f, true
	case <-timer.C:
		return models.Frame{}, false
	case <-ctx.Done():
		return models.Frame{}, false
	}
}

func (q *FrameQueue) Len() int {
	return len(q.frames)
}

func (q *FrameQueue) Cap() int {
	return cap(q.frames)
}

// Enqueued is the number of frames accepted so far.
func (q *FrameQueue) Enqueued() int64 {
	return q.enqueued.Load()
}

// Dropped is the number of frames rejected because the queue was full.
func (q *FrameQueue) Dropped() int64 {
	return q.dropped.Load()
}
