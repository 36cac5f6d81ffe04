package detections

import (
	"math"

	"github.com/percevia/vision-service/models"
)

// Postprocess maps raw detections from processed-image space back onto the
// original upload and labels each box with its grid quadrant.
//
// Each axis scales independently: scaleW = original.Width/processed.Width and
// scaleH = original.Height/processed.Height. Corners are truncated to whole
// pixels after scaling.
func Postprocess(raw []models.RawDetection, original, processed models.Dimensions) []models.DetectionRecord {
	if len(raw) == 0 || processed.Width == 0 || processed.Height == 0 {
		return []models.DetectionRecord{}
	}

	scaleW := float64(original.Width) / float64(processed.Width)
	scaleH := float64(original.Height) / float64(processed.Height)

	records := make([]models.DetectionRecord, 0, len(raw))
	for _, d := range raw {
		x1 := int(float64(d.X1) * scaleW)
		y1 := int(float64(d.Y1) * scaleH)
		x2 := int(float64(d.X2) * scaleW)
		y2 := int(float64(d.Y2) * scaleH)

		records = append(records, models.DetectionRecord{
			Class:      d.ClassName,
			Confidence: roundConfidence(d.Confidence),
			BBox:       models.BBox{X: x1, Y: y1, W: x2 - x1, H: y2 - y1},
			Quadrant:   Quadrant(floorDiv(x1+x2, 2), floorDiv(y1+y2, 2), original.Width, original.Height),
		})
	}
	return records
}

// Quadrant returns the 3x3 grid cell of point (x, y) in a width x height
// image, numbered row-major from "1" (top-left) to "9" (bottom-right).
func Quadrant(x, y, width, height int) string {
	col := third(float64(x), float64(width))
	row := third(float64(y), float64(height))
	return string(rune('1' + row*3 + col))
}

func third(v, extent float64) int {
	switch {
	case v < extent/3:
		return 0
	case v < 2*extent/3:
		return 1
	default:
		return 2
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func roundConfidence(c float32) float64 {
	return math.Round(float64(c)*10000) / 10000
}
