package main

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/percevia/vision-service/announce"
	"github.com/percevia/vision-service/config"
	"github.com/percevia/vision-service/detections"
	"github.com/percevia/vision-service/detector"
	"github.com/percevia/vision-service/history"
	"github.com/percevia/vision-service/metrics"
	"github.com/percevia/vision-service/pipeline"
	"github.com/percevia/vision-service/preprocess"
)

// AppState holds everything shared between handlers and background tasks.
// It is built once at startup.
type AppState struct {
	Config   *config.Config
	Logger   *zap.SugaredLogger
	Detector detector.Detector
	Metrics  *metrics.Collectors

	Queue       *pipeline.FrameQueue
	Cache       *pipeline.ResultCache
	Pool        *pipeline.WorkerPool
	Worker      *pipeline.BackgroundWorker
	Coordinator *pipeline.Coordinator

	Hub      *announce.Hub
	Tracker  *announce.Tracker
	History  *history.Store
	Recorder *history.Recorder
}

func newAppState(cfg *config.Config, logger *zap.SugaredLogger, det detector.Detector, clk clock.Clock) (*AppState, error) {
	s := &AppState{
		Config:   cfg,
		Logger:   logger,
		Detector: det,
		Metrics:  metrics.New(),
		Queue:    pipeline.NewFrameQueue(cfg.Pipeline.QueueCapacity),
		Cache:    pipeline.NewResultCache(clk),
		Pool:     pipeline.NewWorkerPool(cfg.Pipeline.WorkerPoolSize),
	}

	var notifier pipeline.Notifier
	if cfg.Announce.Enabled {
		s.Hub = announce.NewHub(cfg.Server.AllowedOrigins, logger.Named("hub"))
		sinks := announce.Multi{s.Hub}

		if cfg.History.Path != "" {
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				s.Pool.Stop()
				return nil, errors.Wrap(err, "failed to open announcement history")
			}
			s.History = store
			s.Recorder = history.NewRecorder(store, cfg.History.Retention, logger.Named("history"))
			sinks = append(sinks, s.Recorder)
		}

		s.Tracker = announce.NewTracker(sinks, announce.TrackerConfig{
			RepeatInterval: cfg.Announce.RepeatInterval,
			Spacing:        cfg.Announce.Spacing,
		}, s.Metrics, logger.Named("announce"))
		notifier = s.Tracker
	}

	filter := detections.NewFilter(cfg.Detection.MinArea, cfg.Detection.ConfThreshold)
	pre := preprocess.NewStandard(cfg.Detection.InputSize, cfg.Detection.Enhance, cfg.Detection.Contrast)

	s.Worker = pipeline.NewBackgroundWorker(s.Queue, det, s.Cache, filter, notifier, s.Metrics, logger.Named("worker"), pipeline.DefaultWorkerConfig())
	s.Coordinator = pipeline.NewCoordinator(pre, s.Queue, s.Cache, s.Pool, det, filter, clk, s.Metrics, logger.Named("coordinator"), pipeline.CoordinatorConfig{
		FreshnessWindow: cfg.Pipeline.FreshnessWindow,
		SyncTimeout:     cfg.Pipeline.SyncTimeout,
	})

	s.Metrics.Gauge("queue_length", "Frames waiting for the background worker.", func() float64 {
		return float64(s.Queue.Len())
	})
	s.Metrics.Gauge("pool_busy_workers", "Synchronous detection workers currently running.", func() float64 {
		return float64(s.Pool.Stats().Busy)
	})
	s.Metrics.Gauge("pool_queued_tasks", "Synchronous detections waiting for a worker.", func() float64 {
		return float64(s.Pool.Stats().Queued)
	})
	return s, nil
}

func (s *AppState) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.addMonitoringRoutes(r)
	r.HandleFunc("/api/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleAnnouncements).Methods(http.MethodGet)
	r.Use(requestIDMiddleware)

	return cors.New(cors.Options{
		AllowedOrigins: s.Config.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
	}).Handler(r)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/api/pool", s.handlePoolMetrics).Methods(http.MethodGet)
	r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
}

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return id
	}
	return uuid.NewString()
}

// Run serves HTTP and runs the background tasks until ctx ends or one of
// them fails, then shuts everything down.
func (s *AppState) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := s.Worker.Start(gctx); err != nil {
		return err
	}
	defer s.Worker.Stop()

	if s.Hub != nil {
		g.Go(func() error { return s.Hub.Run(gctx) })
	}
	if s.Tracker != nil {
		g.Go(func() error { return s.Tracker.Run(gctx) })
	}
	if s.Recorder != nil {
		g.Go(func() error { return s.Recorder.Run(gctx, s.Config.History.PruneInterval) })
	}

	srv := &http.Server{
		Handler:      s.routes(),
		Addr:         s.Config.Server.Addr,
		WriteTimeout: s.Config.Server.WriteTimeout,
		ReadTimeout:  s.Config.Server.ReadTimeout,
	}

	g.Go(func() error {
		s.Logger.Infow("starting server", "addr", srv.Addr, "model", s.Detector.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Config.Server.ShutdownTimeout)
		defer cancel()
		s.Logger.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases the worker pool, the detector and the history database.
func (s *AppState) Close() error {
	start := time.Now()
	s.Worker.Stop()
	s.Pool.Stop()

	var err error
	err = multierr.Append(err, s.Detector.Close())
	if s.History != nil {
		err = multierr.Append(err, s.History.Close())
	}
	s.Logger.Infow("resources released", "took", time.Since(start))
	return err
}
