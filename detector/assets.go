package detector

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	getter "github.com/hashicorp/go-getter"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const downloadAttempts = 3

// modelGetters copies local sources instead of symlinking them so the model
// file outlives its source.
func modelGetters() map[string]getter.Getter {
	getters := make(map[string]getter.Getter, len(getter.Getters))
	for scheme, g := range getter.Getters {
		getters[scheme] = g
	}
	getters["file"] = &getter.FileGetter{Copy: true}
	return getters
}

// EnsureModel makes sure a model file exists at path, downloading it from src
// when it is missing. Downloads land in a temporary file that is renamed into
// place only once complete.
func EnsureModel(ctx context.Context, logger *zap.SugaredLogger, path, src string) error {
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return nil
	}
	if src == "" {
		return errors.Errorf("model file not found: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create model directory")
	}

	partial := path + ".part"
	defer os.Remove(partial)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, downloadAttempts-1), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		logger.Infow("downloading model", "src", src, "dst", path, "attempt", attempt)
		client := &getter.Client{
			Ctx:     ctx,
			Src:     src,
			Dst:     partial,
			Mode:    getter.ClientModeFile,
			Getters: modelGetters(),
		}
		if err := client.Get(); err != nil {
			logger.Warnw("model download failed", "src", src, "error", err)
			return err
		}
		return nil
	}, retry)
	if err != nil {
		return errors.Wrapf(err, "failed to download model from %s", src)
	}

	if err := os.Rename(partial, path); err != nil {
		return errors.Wrap(err, "failed to move downloaded model into place")
	}
	logger.Infow("model downloaded", "path", path)
	return nil
}
