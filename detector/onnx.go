package detector

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"github.com/percevia/vision-service/detections"
	"github.com/percevia/vision-service/models"
)

const backendONNX = "onnx"

var (
	runtimeMu          sync.Mutex
	runtimeInitialized bool
)

// InitRuntime loads the onnxruntime shared library once per process.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if runtimeInitialized {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "failed to initialize onnxruntime")
	}
	runtimeInitialized = true
	return nil
}

func ShutdownRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if !runtimeInitialized {
		return nil
	}
	runtimeInitialized = false
	return ort.DestroyEnvironment()
}

type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *onnxSession) Close() error {
	var err error
	if s.session != nil {
		err = multierr.Append(err, s.session.Destroy())
	}
	if s.input != nil {
		err = multierr.Append(err, s.input.Destroy())
	}
	if s.output != nil {
		err = multierr.Append(err, s.output.Destroy())
	}
	return err
}

// anchorCount is the number of YOLOv8 prediction cells for a square input:
// three detection heads at strides 8, 16 and 32.
func anchorCount(size int) int {
	total := 0
	for _, stride := range []int{8, 16, 32} {
		n := size / stride
		total += n * n
	}
	return total
}

func newONNXSession(modelPath string, opts Options, anchors int) (*onnxSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating session options")
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(opts.Threads); err != nil {
		return nil, errors.Wrap(err, "error setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, errors.Wrap(err, "error setting inter-op threads")
	}

	size := int64(opts.InputSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(cocoNames)), int64(anchors)))
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "error creating output tensor")
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrap(err, "error creating session")
	}

	return &onnxSession{session: session, input: inputTensor, output: outputTensor}, nil
}

// ONNX runs a YOLOv8 export through onnxruntime. Each concurrent Infer call
// holds its own session, so calls never share tensors.
type ONNX struct {
	name    string
	opts    Options
	anchors int
	packer  *detections.TensorPacker
	pool    *SessionPool[*onnxSession]
}

// NewONNX builds opts.Sessions sessions for the model at modelPath.
// InitRuntime must have succeeded first.
func NewONNX(name, modelPath string, opts Options) (*ONNX, error) {
	opts = opts.withDefaults()
	anchors := anchorCount(opts.InputSize)

	pool, err := NewSessionPool(opts.Sessions, func() (*onnxSession, error) {
		return newONNXSession(modelPath, opts, anchors)
	}, HealthCheckPeriod)
	if err != nil {
		return nil, newError(backendONNX, "failed to create session pool", err)
	}

	return &ONNX{
		name:    name,
		opts:    opts,
		anchors: anchors,
		packer:  detections.NewTensorPacker(opts.InputSize, opts.InputSize),
		pool:    pool,
	}, nil
}

func (d *ONNX) Name() string {
	return d.name
}

func (d *ONNX) Infer(ctx context.Context, img image.Image) ([]models.RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(backendONNX, "inference cancelled", err)
	}

	s, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, newError(backendONNX, "failed to acquire session", err)
	}

	if err := d.packer.Pack(img, s.input.GetData()); err != nil {
		d.pool.Release(s)
		return nil, newError(backendONNX, "prepare input buffer", err)
	}

	if err := s.session.Run(); err != nil {
		d.pool.Discard(s, err)
		return nil, newError(backendONNX, "model inference", err)
	}

	dims := models.DimensionsOf(img)
	raw, err := decodeYOLO(s.output.GetData(), decodeParams{
		Anchors: d.anchors,
		ScaleX:  1,
		ScaleY:  1,
		Width:   float32(dims.Width),
		Height:  float32(dims.Height),
	}, d.opts)
	d.pool.Release(s)
	if err != nil {
		return nil, newError(backendONNX, "process predictions", err)
	}
	return raw, nil
}

// Sessions reports session pool usage.
func (d *ONNX) Sessions() PoolMetrics {
	return d.pool.Metrics()
}

func (d *ONNX) Close() error {
	return d.pool.Close()
}
