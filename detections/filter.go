package detections

import (
	"github.com/samber/lo"

	"github.com/percevia/vision-service/models"
)

// Postprocessor filters or rewrites a batch of detection records.
type Postprocessor func([]models.DetectionRecord) []models.DetectionRecord

// NewAreaFilter drops records whose box covers fewer than area pixels.
func NewAreaFilter(area int) Postprocessor {
	return func(in []models.DetectionRecord) []models.DetectionRecord {
		return lo.Filter(in, func(d models.DetectionRecord, _ int) bool {
			return d.BBox.Area() >= area
		})
	}
}

// NewScoreFilter drops records below the confidence threshold.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []models.DetectionRecord) []models.DetectionRecord {
		return lo.Filter(in, func(d models.DetectionRecord, _ int) bool {
			return d.Confidence >= conf
		})
	}
}

// Chain applies each postprocessor in order.
func Chain(steps ...Postprocessor) Postprocessor {
	return func(in []models.DetectionRecord) []models.DetectionRecord {
		out := in
		for _, step := range steps {
			out = step(out)
		}
		return out
	}
}

// NewFilter is the retention rule shared by the background and request
// paths: area >= minArea and confidence >= confThreshold. Input order is kept.
func NewFilter(minArea int, confThreshold float64) Postprocessor {
	return Chain(NewAreaFilter(minArea), NewScoreFilter(confThreshold))
}
