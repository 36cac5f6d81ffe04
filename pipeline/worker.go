package pipeline

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/percevia/vision-service/detections"
	"github.com/percevia/vision-service/metrics"
	"github.com/percevia/vision-service/models"
)

// Inferer is the part of a detector the pipeline needs.
type Inferer interface {
	Infer(ctx context.Context, img image.Image) ([]models.RawDetection, error)
}

// Notifier receives announcement labels after each background update. It
// must not block.
type Notifier interface {
	Notify(labels []string)
}

type nopNotifier struct{}

func (nopNotifier) Notify([]string) {}

// WorkerConfig sets the background loop timings.
type WorkerConfig struct {
	DequeueTimeout time.Duration
	IdleSleep      time.Duration
	ErrorBackoff   time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		DequeueTimeout: time.Second,
		IdleSleep:      100 * time.Millisecond,
		ErrorBackoff:   time.Second,
	}
}

// BackgroundWorker drains the frame queue, runs detection and publishes
// filtered results to the cache. Inference failures are logged and retried
// after a fixed backoff; they never stop the loop.
type BackgroundWorker struct {
	queue    *FrameQueue
	detector Inferer
	cache    *ResultCache
	filter   detections.Postprocessor
	notifier Notifier
	metrics  *metrics.Collectors
	logger   *zap.SugaredLogger
	cfg      WorkerConfig

	running   atomic.Bool
	processed atomic.Int64
	failures  atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBackgroundWorker(
	queue *FrameQueue,
	det Inferer,
	cache *ResultCache,
	filter detections.Postprocessor,
	notifier Notifier,
	m *metrics.Collectors,
	logger *zap.SugaredLogger,
	cfg WorkerConfig,
) *BackgroundWorker {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	d := DefaultWorkerConfig()
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = d.DequeueTimeout
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = d.IdleSleep
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = d.ErrorBackoff
	}
	return &BackgroundWorker{
		queue:    queue,
		detector: det,
		cache:    cache,
		filter:   filter,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start launches the loop. It fails if the worker is already running.
func (w *BackgroundWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("background worker already running")
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)
	w.logger.Info("background worker started")
	return nil
}

// Stop ends the loop, interrupting any sleep, and waits for it to exit.
func (w *BackgroundWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.cancel()
	<-w.done
	w.logger.Infow("background worker stopped", "processed", w.processed.Load(), "failures", w.failures.Load())
}

func (w *BackgroundWorker) Running() bool {
	return w.running.Load()
}

// Processed is the number of frames published to the cache.
func (w *BackgroundWorker) Processed() int64 {
	return w.processed.Load()
}

// Failures is the number of frames whose detection failed.
func (w *BackgroundWorker) Failures() int64 {
	return w.failures.Load()
}

func (w *BackgroundWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		frame, ok := w.queue.Dequeue(ctx, w.cfg.DequeueTimeout)
		if !ok {
			if !sleep(ctx, w.cfg.IdleSleep) {
				return
			}
			continue
		}

		if err := w.process(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.failures.Inc()
			w.metrics.DetectorError(metrics.PathBackground)
			w.logger.Errorw("background detection failed", "error", err, "backoff", w.cfg.ErrorBackoff)
			if !sleep(ctx, w.cfg.ErrorBackoff) {
				return
			}
		}
	}
}

func (w *BackgroundWorker) process(ctx context.Context, frame models.Frame) error {
	start := time.Now()
	raw, err := w.detector.Infer(ctx, frame.Image)
	w.metrics.ObserveInference(metrics.PathBackground, time.Since(start))
	if err != nil {
		return errors.Wrap(err, "inference")
	}

	records := w.filter(detections.Postprocess(raw, frame.Original, models.DimensionsOf(frame.Image)))
	w.cache.Update(records)
	w.processed.Inc()
	w.metrics.CacheUpdated()
	w.logger.Debugw("background results published", "detections", len(records), "queued_for", time.Since(frame.EnqueuedAt))

	w.notifier.Notify(Labels(records))
	return nil
}

// Labels renders records as sorted, de-duplicated "class in quadrant" strings.
func Labels(records []models.DetectionRecord) []string {
	seen := make(map[string]struct{}, len(records))
	labels := make([]string, 0, len(records))
	for _, r := range records {
		l := fmt.Sprintf("%s in %s", r.Class, r.Quadrant)
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
