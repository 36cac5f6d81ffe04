package detections

import (
	"testing"

	"go.viam.com/test"

	"github.com/percevia/vision-service/models"
)

func TestSuppressOverlappingSameClass(t *testing.T) {
	raw := []models.RawDetection{
		{ClassID: 0, Confidence: 0.6, X1: 0, Y1: 0, X2: 100, Y2: 100},
		{ClassID: 0, Confidence: 0.9, X1: 5, Y1: 5, X2: 105, Y2: 105},
		{ClassID: 1, Confidence: 0.7, X1: 5, Y1: 5, X2: 105, Y2: 105},
		{ClassID: 0, Confidence: 0.8, X1: 300, Y1: 300, X2: 350, Y2: 350},
	}

	got := Suppress(raw, 0.4, 0)
	test.That(t, got, test.ShouldHaveLength, 3)
	test.That(t, got[0].Confidence, test.ShouldEqual, float32(0.9))
	test.That(t, got[1].Confidence, test.ShouldEqual, float32(0.8))
	test.That(t, got[2].ClassID, test.ShouldEqual, 1)
}

func TestSuppressLimit(t *testing.T) {
	raw := []models.RawDetection{
		{ClassID: 0, Confidence: 0.5, X1: 0, Y1: 0, X2: 10, Y2: 10},
		{ClassID: 0, Confidence: 0.6, X1: 20, Y1: 0, X2: 30, Y2: 10},
		{ClassID: 0, Confidence: 0.7, X1: 40, Y1: 0, X2: 50, Y2: 10},
	}

	got := Suppress(raw, 0.4, 2)
	test.That(t, got, test.ShouldHaveLength, 2)
	test.That(t, got[0].Confidence, test.ShouldEqual, float32(0.7))
	test.That(t, got[1].Confidence, test.ShouldEqual, float32(0.6))
	// input untouched
	test.That(t, raw[0].Confidence, test.ShouldEqual, float32(0.5))
}

func TestCalculateIOU(t *testing.T) {
	a := models.RawDetection{X1: 0, Y1: 0, X2: 10, Y2: 10}
	b := models.RawDetection{X1: 5, Y1: 0, X2: 15, Y2: 10}
	test.That(t, calculateIOU(a, b), test.ShouldAlmostEqual, 50.0/150.0)

	far := models.RawDetection{X1: 20, Y1: 20, X2: 30, Y2: 30}
	test.That(t, calculateIOU(a, far), test.ShouldEqual, 0.0)
}
