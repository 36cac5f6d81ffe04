package pipeline

import (
	"context"
	"image"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/percevia/vision-service/detections"
	"github.com/percevia/vision-service/metrics"
	"github.com/percevia/vision-service/models"
	"github.com/percevia/vision-service/preprocess"
)

const (
	DefaultFreshnessWindow = 2 * time.Second
	DefaultSyncTimeout     = 10 * time.Second
)

// ErrSyncTimeout is reported when a synchronous detection does not finish in
// time.
var ErrSyncTimeout = errors.New("synchronous detection timed out")

type CoordinatorConfig struct {
	FreshnessWindow time.Duration
	SyncTimeout     time.Duration
}

// Result is the outcome of one detection request.
type Result struct {
	Records  []models.DetectionRecord
	Original models.Dimensions
	// Processed is the size of the image handed to the detector.
	Processed models.Dimensions
	// Total counts detections before filtering. Cached results were filtered
	// when published, so for them Total equals len(Records).
	Total  int
	Cached bool
	Age    time.Duration
	// DetectorErr is set when synchronous detection failed. Records is
	// empty in that case.
	DetectorErr error
	Timings     models.ProcessingTimings
}

// Coordinator serves each request from fresh background results when it can
// and otherwise runs detection on the worker pool.
type Coordinator struct {
	pre      preprocess.Preprocessor
	queue    *FrameQueue
	cache    *ResultCache
	pool     *WorkerPool
	detector Inferer
	filter   detections.Postprocessor
	clock    clock.Clock
	metrics  *metrics.Collectors
	logger   *zap.SugaredLogger
	cfg      CoordinatorConfig
}

func NewCoordinator(
	pre preprocess.Preprocessor,
	queue *FrameQueue,
	cache *ResultCache,
	pool *WorkerPool,
	det Inferer,
	filter detections.Postprocessor,
	clk clock.Clock,
	m *metrics.Collectors,
	logger *zap.SugaredLogger,
	cfg CoordinatorConfig,
) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	return &Coordinator{
		pre:      pre,
		queue:    queue,
		cache:    cache,
		pool:     pool,
		detector: det,
		filter:   filter,
		clock:    clk,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Handle runs one request. Backend failures (*models.DetectorError) and sync
// timeouts are reported through Result.DetectorErr; any other failure,
// including a preprocessing DecodeError, is returned.
func (c *Coordinator) Handle(ctx context.Context, raw []byte, requestID string) (*Result, error) {
	start := time.Now()
	res := &Result{Timings: models.ProcessingTimings{RequestID: requestID}}

	img, original, err := c.pre.Prepare(raw)
	res.Timings.Preprocess = time.Since(start)
	if err != nil {
		return nil, err
	}
	res.Original = original
	res.Processed = models.DimensionsOf(img)

	accepted := c.queue.TryEnqueue(models.Frame{Image: img, Original: original, EnqueuedAt: c.clock.Now()})
	c.metrics.FrameQueued(accepted)
	if !accepted {
		c.logger.Debugw("frame queue full, frame dropped", "request_id", requestID)
	}

	records, updatedAt := c.cache.Snapshot()
	age := c.clock.Now().Sub(updatedAt)
	if len(records) > 0 && age < c.cfg.FreshnessWindow {
		c.metrics.CacheHit()
		res.Records = records
		res.Total = len(records)
		res.Cached = true
		res.Age = age
		res.Timings.Total = time.Since(start)
		return res, nil
	}

	c.metrics.SyncDetection()
	if err := c.runSync(ctx, img, res); err != nil {
		return nil, err
	}
	res.Timings.Total = time.Since(start)
	return res, nil
}

// detectorFailure reports whether err should be answered with an empty result
// and an error note rather than failing the request.
func detectorFailure(ctx context.Context, err error) bool {
	var detErr *models.DetectorError
	return errors.As(err, &detErr) || errors.Is(err, ErrSyncTimeout) || ctx.Err() != nil
}

func (c *Coordinator) runSync(ctx context.Context, img image.Image, res *Result) error {
	syncCtx, cancel := context.WithTimeout(ctx, c.cfg.SyncTimeout)
	defer cancel()

	inferStart := time.Now()
	future := c.pool.Submit(syncCtx, func(taskCtx context.Context) ([]models.RawDetection, error) {
		return c.detector.Infer(taskCtx, img)
	})
	raw, err := future.Await(syncCtx)
	res.Timings.Inference = time.Since(inferStart)
	c.metrics.ObserveInference(metrics.PathSync, res.Timings.Inference)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = errors.Wrapf(ErrSyncTimeout, "after %s", c.cfg.SyncTimeout)
		}
		c.metrics.DetectorError(metrics.PathSync)
		if !detectorFailure(ctx, err) {
			return errors.Wrap(err, "synchronous detection")
		}
		c.logger.Warnw("synchronous detection failed", "request_id", res.Timings.RequestID, "error", err)
		res.Records = []models.DetectionRecord{}
		res.DetectorErr = err
		return nil
	}

	postStart := time.Now()
	all := detections.Postprocess(raw, res.Original, res.Processed)
	res.Records = c.filter(all)
	res.Total = len(all)
	res.Timings.Postprocess = time.Since(postStart)
	return nil
}
