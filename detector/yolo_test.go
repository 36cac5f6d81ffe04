package detector

import (
	"testing"

	"go.viam.com/test"
)

// predictions lays out anchors column-major the way YOLOv8 exports do.
func predictions(anchors, classes int, cols ...[]float32) []float32 {
	pred := make([]float32, (4+classes)*anchors)
	for i, col := range cols {
		for row, v := range col {
			pred[row*anchors+i] = v
		}
	}
	return pred
}

func TestDecodeYOLO(t *testing.T) {
	pred := predictions(3, 2,
		[]float32{50, 50, 20, 20, 0.1, 0.9},
		[]float32{52, 50, 20, 20, 0.0, 0.6},
		[]float32{200, 200, 10, 10, 0.3, 0.2},
	)
	opts := DefaultOptions()

	got, err := decodeYOLO(pred, decodeParams{Anchors: 3, ScaleX: 1, ScaleY: 1, Width: 640, Height: 480}, opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldHaveLength, 1)
	test.That(t, got[0].ClassID, test.ShouldEqual, 1)
	test.That(t, got[0].ClassName, test.ShouldEqual, "bicycle")
	test.That(t, got[0].Confidence, test.ShouldEqual, float32(0.9))
	test.That(t, got[0].X1, test.ShouldEqual, float32(40))
	test.That(t, got[0].Y1, test.ShouldEqual, float32(40))
	test.That(t, got[0].X2, test.ShouldEqual, float32(60))
	test.That(t, got[0].Y2, test.ShouldEqual, float32(60))
}

func TestDecodeYOLOScalesAndClips(t *testing.T) {
	pred := predictions(1, 1, []float32{630, 10, 40, 40, 0.8})

	got, err := decodeYOLO(pred, decodeParams{Anchors: 1, ScaleX: 0.5, ScaleY: 2, Width: 320, Height: 1000}, DefaultOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldHaveLength, 1)
	test.That(t, got[0].X1, test.ShouldEqual, float32(305))
	test.That(t, got[0].X2, test.ShouldEqual, float32(320))
	test.That(t, got[0].Y1, test.ShouldEqual, float32(0))
	test.That(t, got[0].Y2, test.ShouldEqual, float32(60))
}

func TestDecodeYOLORejectsBadShapes(t *testing.T) {
	_, err := decodeYOLO(make([]float32, 10), decodeParams{Anchors: 3}, DefaultOptions())
	test.That(t, err, test.ShouldNotBeNil)

	_, err = decodeYOLO(make([]float32, 12), decodeParams{Anchors: 3}, DefaultOptions())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no class scores")
}

func TestAnchorCount(t *testing.T) {
	test.That(t, anchorCount(640), test.ShouldEqual, 8400)
	test.That(t, anchorCount(320), test.ShouldEqual, 2100)
}

func TestClassName(t *testing.T) {
	test.That(t, ClassName(0), test.ShouldEqual, "person")
	test.That(t, ClassName(79), test.ShouldEqual, "toothbrush")
	test.That(t, ClassName(80), test.ShouldEqual, "unknown_80")
	test.That(t, ClassName(-1), test.ShouldEqual, "unknown_-1")
}
