package pipeline

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/percevia/vision-service/models"
)

// ResultCache holds the most recent background detections. Readers always
// see a records/timestamp pair from the same update.
type ResultCache struct {
	clock clock.Clock

	mu    sync.Mutex
	entry models.CacheEntry
}

func NewResultCache(clk clock.Clock) *ResultCache {
	if clk == nil {
		clk = clock.New()
	}
	return &ResultCache{clock: clk}
}

// Update replaces the cached records. The timestamp never moves backwards,
// even if the wall clock does.
func (c *ResultCache) Update(records []models.DetectionRecord) {
	cp := make([]models.DetectionRecord, len(records))
	copy(cp, records)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.entry.UpdatedAt) {
		now = c.entry.UpdatedAt
	}
	c.entry = models.CacheEntry{Records: cp, UpdatedAt: now}
}

// Snapshot returns a copy of the cached records and when they were written.
// A never-written cache returns no records and the zero time.
func (c *ResultCache) Snapshot() ([]models.DetectionRecord, time.Time) {
	c.mu.Lock()
	records, updatedAt := c.entry.Records, c.entry.UpdatedAt
	c.mu.Unlock()

	cp := make([]models.DetectionRecord, len(records))
	copy(cp, records)
	return cp, updatedAt
}
