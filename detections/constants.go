package detections

const (
	// YOLOv8 export geometry: 640x640 input, 8400 anchors, output
	// channels are [cx, cy, w, h, class0..classN-1].
	InputWidth    = 640
	InputHeight   = 640
	NumAnchors    = 8400
	BoxChannels   = 4
	ConfThreshold = 0.25
	IouThreshold  = 0.45
	RetryAttempts = 3
	RetryDelayMs  = 100
)
