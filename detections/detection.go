package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/agrovision/weed-detection-service/models"

	"github.com/disintegration/imaging"
)

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error { return e.Cause }

// ProcessImage runs the full pipeline on one image: resize, CHW
// normalize, inference, anchor decode, per-class suppression. Transient
// inference failures are retried a bounded number of times.
func ProcessImage(ctx context.Context, img image.Image, model *ModelSession, timings *models.ProcessingTimings) ([]models.Detection, error) {
	var lastErr error

	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			detections, err := processImageInternal(img, model, timings)
			if err == nil {
				return detections, nil
			}
			lastErr = err

			if attempt < RetryAttempts {
				time.Sleep(time.Duration(attempt) * RetryDelayMs * time.Millisecond)
				continue
			}
		}
	}

	if lastErr != nil {
		return nil, &ProcessingError{Message: "inference failed", Cause: lastErr}
	}
	return nil, errors.New("unknown error")
}

func processImageInternal(img image.Image, model *ModelSession, timings *models.ProcessingTimings) ([]models.Detection, error) {
	resizeStart := time.Now()
	resized := imaging.Resize(img, InputWidth, InputHeight, imaging.Linear)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	prepareInput(resized, model.Input.GetData())
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := model.Session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	detections, err := decodePredictions(model.Output.GetData(), model.NumClasses, img.Bounds().Dx(), img.Bounds().Dy())
	if err != nil {
		return nil, fmt.Errorf("decode predictions: %w", err)
	}
	timings.Postprocess = time.Since(postStart)

	nmsStart := time.Now()
	kept := SuppressOverlaps(detections, IouThreshold)
	timings.Suppression = time.Since(nmsStart)

	return kept, nil
}

// decodePredictions scans the raw YOLO head output. Layout is channel
// major: predictions[ch*NumAnchors+i] for anchor i. Box coordinates are
// center/size in input-pixel units and get scaled back to the original
// image.
func decodePredictions(predictions []float32, numClasses, originalWidth, originalHeight int) ([]models.Detection, error) {
	expectedSize := (BoxChannels + numClasses) * NumAnchors
	if len(predictions) != expectedSize {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(predictions), expectedSize)
	}

	detections := make([]models.Detection, 0, 100)
	const chunkSize = 1024
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	results := make(chan []models.Detection, numWorkers)

	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]models.Detection, 0, 32)

			for start := range jobs {
				end := start + chunkSize
				if end > NumAnchors {
					end = NumAnchors
				}

				for i := start; i < end; i++ {
					classIdx, confidence := bestClass(predictions, i, numClasses)
					if confidence < ConfThreshold {
						continue
					}
					box := scaleBox(
						predictions[i],              // cx
						predictions[NumAnchors+i],   // cy
						predictions[2*NumAnchors+i], // w
						predictions[3*NumAnchors+i], // h
						float32(originalWidth),
						float32(originalHeight),
					)
					local = append(local, models.Detection{
						Box:        box,
						ClassIndex: classIdx,
						Confidence: confidence,
					})
				}
			}

			if len(local) > 0 {
				results <- local
			}
		}()
	}

	go func() {
		for i := 0; i < NumAnchors; i += chunkSize {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for chunk := range results {
		detections = append(detections, chunk...)
	}

	if len(detections) > 0 {
		sortDetectionsByConfidence(detections)
	}

	return detections, nil
}

func bestClass(predictions []float32, anchor, numClasses int) (int, float32) {
	best := 0
	bestScore := predictions[BoxChannels*NumAnchors+anchor]
	for c := 1; c < numClasses; c++ {
		score := predictions[(BoxChannels+c)*NumAnchors+anchor]
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best, bestScore
}

// scaleBox converts a center/size box in input space to clamped corner
// coordinates in original-image space.
func scaleBox(cx, cy, w, h, origWidth, origHeight float32) [4]int32 {
	scaleX := origWidth / InputWidth
	scaleY := origHeight / InputHeight

	x1 := (cx - w/2) * scaleX
	y1 := (cy - h/2) * scaleY
	x2 := (cx + w/2) * scaleX
	y2 := (cy + h/2) * scaleY

	return [4]int32{
		int32(max(0, x1)),
		int32(max(0, y1)),
		int32(min(origWidth, x2)),
		int32(min(origHeight, y2)),
	}
}

func sortDetectionsByConfidence(detections []models.Detection) {
	sort.Slice(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
}
