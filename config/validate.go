package config

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
)

// Validate reports every invalid setting at once.
func Validate(cfg *Config) error {
	var err error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			err = multierr.Append(err, errors.Errorf(format, args...))
		}
	}

	check(cfg.Server.Addr != "", "server.addr is required")
	check(cfg.Server.MaxUploadBytes > 0, "server.max_upload_bytes must be positive")

	d := cfg.Detection
	check(d.ConfThreshold >= 0 && d.ConfThreshold <= 1, "detection.conf_threshold must be in [0,1], got %v", d.ConfThreshold)
	check(d.IouThreshold > 0 && d.IouThreshold <= 1, "detection.iou_threshold must be in (0,1], got %v", d.IouThreshold)
	check(d.MinArea >= 0, "detection.min_area must not be negative, got %d", d.MinArea)
	check(d.InputSize > 0 && d.InputSize%32 == 0, "detection.input_size must be a positive multiple of 32, got %d", d.InputSize)
	check(d.MaxObjects > 0, "detection.max_objects must be positive, got %d", d.MaxObjects)

	p := cfg.Pipeline
	check(p.QueueCapacity > 0, "pipeline.queue_capacity must be positive, got %d", p.QueueCapacity)
	check(p.WorkerPoolSize > 0, "pipeline.worker_pool_size must be positive, got %d", p.WorkerPoolSize)
	check(p.FreshnessWindow > 0, "pipeline.freshness_window must be positive, got %s", p.FreshnessWindow)
	check(p.SyncTimeout > 0, "pipeline.sync_timeout must be positive, got %s", p.SyncTimeout)

	check(len(cfg.Models.Variants) > 0, "models.variants must list at least one model")
	for i, v := range cfg.Models.Variants {
		check(v.Name != "", "models.variants[%d].name is required", i)
		check(v.Path != "", "models.variants[%d].path is required", i)
		check(lo.Contains([]string{BackendONNX, BackendOpenCV}, v.Backend),
			"models.variants[%d].backend must be %q or %q, got %q", i, BackendONNX, BackendOpenCV, v.Backend)
	}

	if cfg.Announce.Enabled {
		check(cfg.Announce.RepeatInterval > 0, "announce.repeat_interval must be positive")
		check(cfg.Announce.Spacing > 0, "announce.spacing must be positive")
	}
	check(lo.Contains([]string{"debug", "info", "warn", "error"}, cfg.Log.Level),
		"log.level must be one of debug, info, warn, error, got %q", cfg.Log.Level)

	return err
}
