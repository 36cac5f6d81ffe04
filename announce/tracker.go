package announce

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/percevia/vision-service/metrics"
)

const (
	DefaultRepeatInterval = 3 * time.Second
	DefaultSpacing        = 2 * time.Second
)

type TrackerConfig struct {
	// RepeatInterval is how often the current scene is announced again.
	RepeatInterval time.Duration
	// Spacing is the minimum gap between two announcements.
	Spacing time.Duration
}

// Tracker compares successive label sets. Labels that were not in the
// previous set are announced right away; the whole current set is repeated
// every RepeatInterval. Notify never blocks: only the latest set is kept
// until Run picks it up.
type Tracker struct {
	sink    Sink
	cfg     TrackerConfig
	logger  *zap.SugaredLogger
	metrics *metrics.Collectors
	limiter *rate.Limiter

	mu      sync.Mutex
	pending []string
	hasNew  bool
	signal  chan struct{}

	last map[string]struct{}
}

func NewTracker(sink Sink, cfg TrackerConfig, m *metrics.Collectors, logger *zap.SugaredLogger) *Tracker {
	if cfg.RepeatInterval <= 0 {
		cfg.RepeatInterval = DefaultRepeatInterval
	}
	if cfg.Spacing <= 0 {
		cfg.Spacing = DefaultSpacing
	}
	return &Tracker{
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		limiter: rate.NewLimiter(rate.Every(cfg.Spacing), 1),
		signal:  make(chan struct{}, 1),
		last:    map[string]struct{}{},
	}
}

// Notify records the labels seen in the latest background result.
func (t *Tracker) Notify(labels []string) {
	cp := append([]string(nil), labels...)

	t.mu.Lock()
	t.pending = cp
	t.hasNew = true
	t.mu.Unlock()

	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Run delivers announcements until ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.RepeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.signal:
			if fresh := t.update(); len(fresh) > 0 {
				t.emit(ctx, KindNew, fresh)
			}
		case <-ticker.C:
			if current := t.current(); len(current) > 0 {
				t.emit(ctx, KindRepeat, current)
			}
		}
	}
}

// update swaps in the pending set and returns the labels it added.
func (t *Tracker) update() []string {
	t.mu.Lock()
	labels, ok := t.pending, t.hasNew
	t.pending, t.hasNew = nil, false
	t.mu.Unlock()
	if !ok {
		return nil
	}

	next := make(map[string]struct{}, len(labels))
	var fresh []string
	for _, l := range labels {
		if _, dup := next[l]; dup {
			continue
		}
		next[l] = struct{}{}
		if _, seen := t.last[l]; !seen {
			fresh = append(fresh, l)
		}
	}
	t.last = next
	sort.Strings(fresh)
	return fresh
}

func (t *Tracker) current() []string {
	labels := make([]string, 0, len(t.last))
	for l := range t.last {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

func (t *Tracker) emit(ctx context.Context, kind Kind, labels []string) {
	if err := t.limiter.Wait(ctx); err != nil {
		return
	}
	a := newAnnouncement(kind, labels, time.Now())
	if err := t.sink.Announce(ctx, a); err != nil {
		t.logger.Warnw("announcement delivery failed", "kind", kind, "error", err)
		return
	}
	t.metrics.Announced()
	t.logger.Debugw("announced", "kind", kind, "text", a.Text)
}
