package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/percevia/vision-service/announce"
)

// Recorder is an announcement sink that appends to a Store and prunes
// entries older than Retention.
type Recorder struct {
	store     *Store
	retention time.Duration
	logger    *zap.SugaredLogger
}

func NewRecorder(store *Store, retention time.Duration, logger *zap.SugaredLogger) *Recorder {
	return &Recorder{store: store, retention: retention, logger: logger}
}

func (r *Recorder) Announce(_ context.Context, a announce.Announcement) error {
	_, err := r.store.Insert(Entry{
		Kind:   string(a.Kind),
		Text:   a.Text,
		Labels: a.Labels,
		At:     a.At,
	})
	return err
}

// Run prunes old entries every interval until ctx ends.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) error {
	if r.retention <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := r.store.Prune(now.Add(-r.retention))
			if err != nil {
				r.logger.Warnw("history prune failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Debugw("history pruned", "removed", n)
			}
		}
	}
}
