package detections

const (
	// InputSize is the square side the YOLO models are exported with.
	InputSize = 640
	// MaxObjects caps how many boxes a single inference may return.
	MaxObjects = 50

	DefaultConfThreshold = 0.5
	DefaultIouThreshold  = 0.4
	DefaultMinArea       = 100
)
