package detections

import (
	"math"

	"github.com/agrovision/weed-detection-service/models"
)

// SuppressOverlaps runs class-aware non-maximum suppression. Input must
// be sorted by confidence descending; a detection is dropped when a
// higher-confidence detection of the same class overlaps it beyond
// iouThreshold.
func SuppressOverlaps(detections []models.Detection, iouThreshold float64) []models.Detection {
	if len(detections) == 0 {
		return nil
	}

	kept := make([]models.Detection, 0, len(detections))
	suppressed := make([]bool, len(detections))

	for i := range detections {
		if suppressed[i] {
			continue
		}
		kept = append(kept, detections[i])
		for j := i + 1; j < len(detections); j++ {
			if suppressed[j] || detections[j].ClassIndex != detections[i].ClassIndex {
				continue
			}
			if IntersectionOverUnion(detections[i].Box, detections[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

func IntersectionOverUnion(box1, box2 [4]int32) float64 {
	x1 := math.Max(float64(box1[0]), float64(box2[0]))
	y1 := math.Max(float64(box1[1]), float64(box2[1]))
	x2 := math.Min(float64(box1[2]), float64(box2[2]))
	y2 := math.Min(float64(box1[3]), float64(box2[3]))

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := float64((box1[2] - box1[0]) * (box1[3] - box1[1]))
	area2 := float64((box2[2] - box2[0]) * (box2[3] - box2[1]))
	union := area1 + area2 - intersection

	return intersection / union
}
