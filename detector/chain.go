package detector

import (
	"context"
	"image"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	BackendONNX   = backendONNX
	BackendOpenCV = backendOpenCV
)

var ErrNoDetector = errors.New("no detector variant could be loaded")

// Variant is one candidate model in the startup fallback chain.
type Variant struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	// URL, when set, is fetched if Path does not exist yet.
	URL string `yaml:"url"`
}

// Builder constructs a detector for a variant.
type Builder func(v Variant, opts Options) (Detector, error)

func DefaultBuilders() map[string]Builder {
	return map[string]Builder{
		BackendONNX: func(v Variant, opts Options) (Detector, error) {
			return NewONNX(v.Name, v.Path, opts)
		},
		BackendOpenCV: func(v Variant, opts Options) (Detector, error) {
			return NewOpenCV(v.Name, v.Path, opts)
		},
	}
}

// Select walks variants in order and returns the first one that loads and
// survives a warm-up inference on a blank image. The others are never built.
func Select(
	ctx context.Context,
	logger *zap.SugaredLogger,
	variants []Variant,
	opts Options,
	builders map[string]Builder,
) (Detector, error) {
	opts = opts.withDefaults()
	var failures error

	for _, v := range variants {
		det, err := tryVariant(ctx, logger, v, opts, builders)
		if err == nil {
			logger.Infow("detector selected", "model", v.Name, "backend", v.Backend)
			return det, nil
		}
		logger.Warnw("detector variant unavailable", "model", v.Name, "backend", v.Backend, "error", err)
		failures = multierr.Append(failures, errors.Wrapf(err, "%s (%s)", v.Name, v.Backend))
		if ctx.Err() != nil {
			break
		}
	}

	return nil, multierr.Append(ErrNoDetector, failures)
}

func tryVariant(
	ctx context.Context,
	logger *zap.SugaredLogger,
	v Variant,
	opts Options,
	builders map[string]Builder,
) (Detector, error) {
	build, ok := builders[v.Backend]
	if !ok {
		return nil, errors.Errorf("unknown backend %q", v.Backend)
	}

	if v.Path != "" {
		if err := EnsureModel(ctx, logger, v.Path, v.URL); err != nil {
			return nil, err
		}
	}

	det, err := build(v, opts)
	if err != nil {
		return nil, err
	}

	blank := image.NewNRGBA(image.Rect(0, 0, opts.InputSize, opts.InputSize))
	if _, err := det.Infer(ctx, blank); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "warm-up inference failed"), det.Close())
	}
	return det, nil
}
