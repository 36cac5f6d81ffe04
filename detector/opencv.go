package detector

import (
	"context"
	"image"
	"os"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/percevia/vision-service/models"
)

const backendOpenCV = "opencv"

// OpenCV runs a YOLOv8 ONNX export through the OpenCV DNN module. A gocv.Net
// is not safe for concurrent use, so Infer calls are serialised.
type OpenCV struct {
	name    string
	opts    Options
	anchors int

	mu  sync.Mutex
	net gocv.Net
}

func NewOpenCV(name, modelPath string, opts Options) (*OpenCV, error) {
	opts = opts.withDefaults()
	if _, err := os.Stat(modelPath); err != nil {
		return nil, newError(backendOpenCV, "model file not found", err)
	}

	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, newError(backendOpenCV, "failed to load network", errors.New(modelPath))
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, newError(backendOpenCV, "failed to set preferable backend", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, newError(backendOpenCV, "failed to set preferable target", err)
	}

	return &OpenCV{
		name:    name,
		opts:    opts,
		anchors: anchorCount(opts.InputSize),
		net:     net,
	}, nil
}

func (d *OpenCV) Name() string {
	return d.name
}

func (d *OpenCV) Infer(ctx context.Context, img image.Image) ([]models.RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(backendOpenCV, "inference cancelled", err)
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, newError(backendOpenCV, "failed to convert image", err)
	}
	defer mat.Close()

	size := d.opts.InputSize
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	pred, err := out.DataPtrFloat32()
	if err != nil {
		return nil, newError(backendOpenCV, "failed to read output", err)
	}

	dims := models.DimensionsOf(img)
	raw, err := decodeYOLO(pred, decodeParams{
		Anchors: d.anchors,
		ScaleX:  float32(dims.Width) / float32(size),
		ScaleY:  float32(dims.Height) / float32(size),
		Width:   float32(dims.Width),
		Height:  float32(dims.Height),
	}, d.opts)
	if err != nil {
		return nil, newError(backendOpenCV, "process predictions", err)
	}
	return raw, nil
}

func (d *OpenCV) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
