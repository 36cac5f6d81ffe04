package detector

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/percevia/vision-service/detections"
	"github.com/percevia/vision-service/models"
)

const decodeChunkSize = 1024

// decodeParams describes how raw YOLOv8 output maps back to image pixels.
type decodeParams struct {
	Anchors int
	// ScaleX and ScaleY convert network input pixels to image pixels.
	ScaleX, ScaleY float32
	// Width and Height clip boxes to the image.
	Width, Height float32
}

// decodeYOLO turns a [1, 4+classes, anchors] prediction tensor into boxes
// after per-class NMS. Each anchor column holds cx, cy, w, h followed by one
// score per class.
func decodeYOLO(pred []float32, p decodeParams, opts Options) ([]models.RawDetection, error) {
	if p.Anchors <= 0 || len(pred)%p.Anchors != 0 {
		return nil, errors.Errorf("unexpected predictions length %d for %d anchors", len(pred), p.Anchors)
	}
	rows := len(pred) / p.Anchors
	if rows <= 4 {
		return nil, errors.Errorf("predictions carry no class scores: %d rows", rows)
	}
	classes := rows - 4

	chunks := (p.Anchors + decodeChunkSize - 1) / decodeChunkSize
	results := make([][]models.RawDetection, chunks)
	jobs := make(chan int, chunks)
	for c := 0; c < chunks; c++ {
		jobs <- c
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < min(runtime.NumCPU(), chunks); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				start := c * decodeChunkSize
				end := min(start+decodeChunkSize, p.Anchors)
				results[c] = decodeRange(pred, start, end, classes, p, opts.ConfThreshold)
			}
		}()
	}
	wg.Wait()

	var candidates []models.RawDetection
	for _, r := range results {
		candidates = append(candidates, r...)
	}
	return detections.Suppress(candidates, opts.IouThreshold, opts.MaxDetections), nil
}

func decodeRange(pred []float32, start, end, classes int, p decodeParams, threshold float32) []models.RawDetection {
	n := p.Anchors
	var out []models.RawDetection
	for i := start; i < end; i++ {
		best, bestScore := 0, float32(0)
		for c := 0; c < classes; c++ {
			if s := pred[(4+c)*n+i]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if bestScore < threshold {
			continue
		}

		cx, cy := pred[i], pred[n+i]
		w, h := pred[2*n+i], pred[3*n+i]
		out = append(out, models.RawDetection{
			ClassID:    best,
			ClassName:  ClassName(best),
			Confidence: bestScore,
			X1:         clamp((cx-w/2)*p.ScaleX, p.Width),
			Y1:         clamp((cy-h/2)*p.ScaleY, p.Height),
			X2:         clamp((cx+w/2)*p.ScaleX, p.Width),
			Y2:         clamp((cy+h/2)*p.ScaleY, p.Height),
		})
	}
	return out
}

func clamp(v, limit float32) float32 {
	if v < 0 {
		return 0
	}
	if limit > 0 && v > limit {
		return limit
	}
	return v
}
