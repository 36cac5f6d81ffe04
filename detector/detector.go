// Package detector runs YOLO-style object detection models behind a single
// interface and picks a working model variant at startup.
package detector

import (
	"context"
	"image"

	"github.com/percevia/vision-service/detections"
	"github.com/percevia/vision-service/models"
)

// Detector finds objects in an image. Coordinates of the returned boxes are in
// the pixel space of img.
type Detector interface {
	Name() string
	Infer(ctx context.Context, img image.Image) ([]models.RawDetection, error)
	Close() error
}

// Options tune output decoding and runtime resources of a backend.
type Options struct {
	ConfThreshold float32
	IouThreshold  float64
	InputSize     int
	MaxDetections int
	// Sessions is the number of independent inference sessions an ONNX
	// backend keeps, one per concurrent caller.
	Sessions int
	Threads  int
}

func DefaultOptions() Options {
	return Options{
		ConfThreshold: detections.DefaultConfThreshold,
		IouThreshold:  detections.DefaultIouThreshold,
		InputSize:     detections.InputSize,
		MaxDetections: detections.MaxObjects,
		Sessions:      5,
		Threads:       1,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConfThreshold <= 0 {
		o.ConfThreshold = d.ConfThreshold
	}
	if o.IouThreshold <= 0 {
		o.IouThreshold = d.IouThreshold
	}
	if o.InputSize <= 0 {
		o.InputSize = d.InputSize
	}
	if o.MaxDetections <= 0 {
		o.MaxDetections = d.MaxDetections
	}
	if o.Sessions <= 0 {
		o.Sessions = d.Sessions
	}
	if o.Threads <= 0 {
		o.Threads = d.Threads
	}
	return o
}

// Error is returned for any failure inside a detection backend.
type Error = models.DetectorError

func newError(backend, message string, cause error) *Error {
	return &Error{Backend: backend, Message: message, Cause: cause}
}
