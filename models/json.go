package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// MarshalJSON writes the box as [x, y, w, h], which is what browser clients draw from.
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X, b.Y, b.W, b.H})
}

func (b *BBox) UnmarshalJSON(data []byte) error {
	var v []int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if len(v) != 4 {
		return errors.Errorf("bbox needs 4 values, got %d", len(v))
	}
	b.X, b.Y, b.W, b.H = v[0], v[1], v[2], v[3]
	return nil
}

// MarshalJSON reports durations in milliseconds.
func (t ProcessingTimings) MarshalJSON() ([]byte, error) {
	ms := func(d time.Duration) float64 {
		return float64(d.Microseconds()) / 1000
	}
	return json.Marshal(struct {
		RequestID   string  `json:"request_id"`
		ImageDecode float64 `json:"decode_ms"`
		Preprocess  float64 `json:"preprocess_ms"`
		Inference   float64 `json:"inference_ms"`
		Postprocess float64 `json:"postprocess_ms"`
		Total       float64 `json:"total_ms"`
	}{
		RequestID:   t.RequestID,
		ImageDecode: ms(t.ImageDecode),
		Preprocess:  ms(t.Preprocess),
		Inference:   ms(t.Inference),
		Postprocess: ms(t.Postprocess),
		Total:       ms(t.Total),
	})
}
