package models

import "time"

// Detection is a single predicted object instance in original-image
// pixel space. Box is [x1, y1, x2, y2].
type Detection struct {
	Box        [4]int32
	ClassIndex int
	Confidence float32
}

// PredictionResponse is the wire shape of a /predict result. The three
// lists are parallel and always have NumDetections entries.
type PredictionResponse struct {
	NumDetections int        `json:"num_detections"`
	Boxes         [][4]int32 `json:"boxes"`
	Classes       []string   `json:"classes"`
	Confidences   []float32  `json:"confidences"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Suppression time.Duration
	Total       time.Duration
}
