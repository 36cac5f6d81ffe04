package detections

import (
	"testing"

	"go.viam.com/test"

	"github.com/percevia/vision-service/models"
)

func record(class string, conf float64, w, h int) models.DetectionRecord {
	return models.DetectionRecord{
		Class:      class,
		Confidence: conf,
		BBox:       models.BBox{W: w, H: h},
		Quadrant:   "5",
	}
}

func TestFilterKeepsQualifyingRecordsInOrder(t *testing.T) {
	in := []models.DetectionRecord{
		record("a", 0.9, 20, 20),
		record("low-conf", 0.49, 20, 20),
		record("b", 0.5, 10, 10),
		record("small", 0.95, 9, 10),
		record("c", 0.7, 50, 2),
	}

	got := NewFilter(100, 0.5)(in)
	test.That(t, got, test.ShouldHaveLength, 3)
	test.That(t, got[0].Class, test.ShouldEqual, "a")
	test.That(t, got[1].Class, test.ShouldEqual, "b")
	test.That(t, got[2].Class, test.ShouldEqual, "c")
}

func TestFilterIdempotent(t *testing.T) {
	in := []models.DetectionRecord{
		record("a", 0.9, 20, 20),
		record("b", 0.2, 20, 20),
		record("c", 0.6, 5, 5),
		record("d", 0.6, 100, 1),
	}
	filter := NewFilter(100, 0.5)

	once := filter(in)
	twice := filter(once)
	test.That(t, twice, test.ShouldResemble, once)
}

func TestFilterSingleObjectScenario(t *testing.T) {
	// one object at 0.8 confidence covering 500 px² survives conf 0.5 / area 100
	in := []models.DetectionRecord{record("dog", 0.8, 25, 20)}

	got := NewFilter(100, 0.5)(in)
	test.That(t, got, test.ShouldHaveLength, 1)
	test.That(t, got[0], test.ShouldResemble, in[0])
}

func TestChainEmpty(t *testing.T) {
	in := []models.DetectionRecord{record("a", 0.1, 1, 1)}
	test.That(t, Chain()(in), test.ShouldResemble, in)
}
