// Package preprocess turns uploaded image payloads into detector-ready images.
package preprocess

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/percevia/vision-service/models"
)

// DecodeError reports a payload that could not be turned into an image.
type DecodeError struct {
	Message string
	Cause   error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Preprocessor prepares raw image bytes for detection and reports the size of
// the image as uploaded.
type Preprocessor interface {
	Prepare(raw []byte) (image.Image, models.Dimensions, error)
}

// Standard decodes, optionally boosts contrast, and resizes so the longer
// side equals TargetSize while keeping the aspect ratio.
type Standard struct {
	TargetSize int
	// Enhance applies a grayscale contrast boost before resizing.
	Enhance  bool
	Contrast float64
}

func NewStandard(targetSize int, enhance bool, contrast float64) *Standard {
	return &Standard{TargetSize: targetSize, Enhance: enhance, Contrast: contrast}
}

func (s *Standard) Prepare(raw []byte) (image.Image, models.Dimensions, error) {
	if len(raw) == 0 {
		return nil, models.Dimensions{}, &DecodeError{Message: "empty image payload"}
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, models.Dimensions{}, &DecodeError{Message: "failed to decode image", Cause: err}
	}

	original := models.DimensionsOf(img)
	if original.Width == 0 || original.Height == 0 {
		return nil, models.Dimensions{}, &DecodeError{Message: "image has no pixels"}
	}

	if s.Enhance {
		img = enhance(img, s.Contrast)
	}
	return s.resize(img, original), original, nil
}

// enhance approximates contrast-limited equalisation: detection runs on a
// contrast-boosted luminance image replicated across the colour channels.
func enhance(img image.Image, contrast float64) image.Image {
	gray := imaging.Grayscale(img)
	return imaging.AdjustContrast(gray, contrast)
}

func (s *Standard) resize(img image.Image, original models.Dimensions) image.Image {
	if s.TargetSize <= 0 {
		return imaging.Clone(img)
	}
	scale := math.Min(float64(s.TargetSize)/float64(original.Height), float64(s.TargetSize)/float64(original.Width))
	if scale == 1 {
		return imaging.Clone(img)
	}
	w := max(1, int(float64(original.Width)*scale))
	h := max(1, int(float64(original.Height)*scale))
	return imaging.Resize(img, w, h, imaging.Linear)
}

// DecodeBase64 accepts plain or data-URL encoded base64 ("data:image/jpeg;base64,...").
func DecodeBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, &DecodeError{Message: "no image data provided"}
	}
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, &DecodeError{Message: "malformed data URL"}
		}
		payload = payload[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if raw, rawErr := base64.RawStdEncoding.DecodeString(payload); rawErr == nil {
			return raw, nil
		}
		return nil, &DecodeError{Message: "invalid base64 image", Cause: err}
	}
	return data, nil
}
