package detections

import (
	"math"
	"sort"

	"github.com/percevia/vision-service/models"
)

// Suppress runs per-class non-maximum suppression and keeps at most limit
// boxes. The result is sorted by descending confidence.
func Suppress(raw []models.RawDetection, iouThreshold float64, limit int) []models.RawDetection {
	if len(raw) == 0 {
		return nil
	}

	sorted := make([]models.RawDetection, len(raw))
	copy(sorted, raw)
	sortByConfidence(sorted)

	kept := make([]models.RawDetection, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		if limit > 0 && len(kept) == limit {
			break
		}
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].ClassID != sorted[i].ClassID {
				continue
			}
			if calculateIOU(sorted[i], sorted[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func calculateIOU(a, b models.RawDetection) float64 {
	x1 := math.Max(float64(a.X1), float64(b.X1))
	y1 := math.Max(float64(a.Y1), float64(b.Y1))
	x2 := math.Min(float64(a.X2), float64(b.X2))
	y2 := math.Min(float64(a.Y2), float64(b.Y2))

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := float64((a.X2 - a.X1) * (a.Y2 - a.Y1))
	area2 := float64((b.X2 - b.X1) * (b.Y2 - b.Y1))
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0.0
	}

	return intersection / union
}

func sortByConfidence(raw []models.RawDetection) {
	sort.SliceStable(raw, func(i, j int) bool {
		return raw[i].Confidence > raw[j].Confidence
	})
}
