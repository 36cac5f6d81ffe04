package models

import (
	"image"
	"time"
)

// Dimensions is an image size in pixels.
type Dimensions struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

// DimensionsOf returns the size of img.
func DimensionsOf(img image.Image) Dimensions {
	b := img.Bounds()
	return Dimensions{Height: b.Dy(), Width: b.Dx()}
}

// Frame is one preprocessed image waiting for the background worker.
type Frame struct {
	Image      image.Image
	Original   Dimensions
	EnqueuedAt time.Time
}

// RawDetection is a detector result in the pixel space of the image that was
// handed to the detector (the processed image, not the original upload).
type RawDetection struct {
	ClassID    int
	ClassName  string
	Confidence float32
	X1, Y1     float32
	X2, Y2     float32
}

// BBox is an axis-aligned box in original-image pixels.
type BBox struct {
	X int
	Y int
	W int
	H int
}

// Area returns W*H.
func (b BBox) Area() int {
	return b.W * b.H
}

type DetectionRecord struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
	Quadrant   string  `json:"quadrant"`
}

// CacheEntry is the latest published set of background detections.
type CacheEntry struct {
	Records   []DetectionRecord
	UpdatedAt time.Time
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
