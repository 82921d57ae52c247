package main

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agrovision/weed-detection-service/config"
	"github.com/agrovision/weed-detection-service/detections"
	"github.com/agrovision/weed-detection-service/labels"
	"github.com/agrovision/weed-detection-service/models"

	"golang.org/x/sync/semaphore"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

//go:embed docs.html
var docsPage []byte

// Detector abstracts the inference pipeline behind the /predict handler.
type Detector interface {
	Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error)
}

type AppState struct {
	Config   *config.Config
	Classes  []string
	Pool     *detections.ModelSessionPool
	Detector Detector
	Sem      *semaphore.Weighted
}

// poolDetector runs inference on a session checked out of the pool.
type poolDetector struct {
	pool  *detections.ModelSessionPool
	debug bool
}

func (d *poolDetector) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer d.pool.Release(session)

	detected, err := detections.ProcessImage(ctx, img, session, timings)
	if err != nil {
		return nil, err
	}
	if d.debug {
		logTimings(timings)
	}
	return detected, nil
}

func (s *AppState) handleIndex(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   serviceName,
		"model":     filepath.Base(s.Config.Model.Path),
		"classes":   len(s.Classes),
		"endpoints": []string{"/health", "/test", "/predict", "/metrics", "/docs"},
	})
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"model_loaded": true,
	})
}

func (s *AppState) handleTest(w http.ResponseWriter, _ *http.Request) {
	poolSize := 0
	if s.Pool != nil {
		poolSize = s.Pool.Size()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":           "API is reachable and the model is loaded",
		"pool_size":         poolSize,
		"max_concurrent":    s.Config.Model.MaxConcurrent,
		"inference_timeout": s.Config.Model.InferenceTimeout.String(),
		"max_upload_bytes":  s.Config.Server.MaxUploadBytes,
	})
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var stats detections.PoolStats
	if s.Pool != nil {
		stats = s.Pool.Stats()
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *AppState) handleDocs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(docsPage)
}

func (s *AppState) handlePredict(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	timings := &models.ProcessingTimings{RequestID: newRequestID()}

	r.Body = http.MaxBytesReader(w, r.Body, s.Config.Server.MaxUploadBytes)

	imgBytes, err := readUpload(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			sendErrorResponse(w, "payload_too_large",
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	if len(imgBytes) == 0 {
		sendErrorResponse(w, "invalid_request", "empty image payload", http.StatusBadRequest)
		return
	}

	decodeStart := time.Now()
	img, err := decodeImage(imgBytes)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		sendErrorResponse(w, "invalid_image", "failed to decode image", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.Config.Model.InferenceTimeout)
	defer cancel()

	// Admission gate: bounded in-flight inference instead of letting a
	// burst of uploads exhaust worker memory.
	if !s.Sem.TryAcquire(1) {
		if err := s.Sem.Acquire(ctx, 1); err != nil {
			sendErrorResponse(w, "server_busy", "all inference slots are busy", http.StatusServiceUnavailable)
			return
		}
	}
	defer s.Sem.Release(1)

	detected, err := s.Detector.Detect(ctx, img, timings)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			sendErrorResponse(w, "inference_timeout", "inference did not finish in time", http.StatusServiceUnavailable)
		case errors.Is(err, detections.ErrPoolBusy), errors.Is(err, detections.ErrPoolClosed):
			sendErrorResponse(w, "server_busy", err.Error(), http.StatusServiceUnavailable)
		default:
			sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
		}
		return
	}

	timings.Total = time.Since(startTotal)

	if s.Config.Server.UploadsDir != "" {
		archiveUpload(s.Config.Server.UploadsDir, timings.RequestID, imgBytes)
	}

	respondJSON(w, http.StatusOK, buildPredictionResponse(detected, s.Classes))
}

// buildPredictionResponse shapes detections into the parallel-array wire
// format. The arrays are allocated even when empty so zero detections
// serialize as [] rather than null.
func buildPredictionResponse(detected []models.Detection, classes []string) models.PredictionResponse {
	resp := models.PredictionResponse{
		NumDetections: len(detected),
		Boxes:         make([][4]int32, 0, len(detected)),
		Classes:       make([]string, 0, len(detected)),
		Confidences:   make([]float32, 0, len(detected)),
	}
	for _, d := range detected {
		resp.Boxes = append(resp.Boxes, d.Box)
		resp.Classes = append(resp.Classes, labels.Name(classes, d.ClassIndex))
		resp.Confidences = append(resp.Confidences, d.Confidence)
	}
	return resp
}

// readUpload extracts image bytes from a multipart form (field "file")
// or a raw request body.
func readUpload(r *http.Request) ([]byte, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("missing file field: %w", err)
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	return io.ReadAll(r.Body)
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// archiveUpload writes the raw upload to the uploads directory. The
// archive is write-only and never read back; failures only log.
func archiveUpload(dir, requestID string, data []byte) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("archive upload: %v", err)
		return
	}
	path := filepath.Join(dir, requestID+".img")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("archive upload: %v", err)
	}
}

func logTimings(t *models.ProcessingTimings) {
	log.Printf("[DEBUG] RequestID: %s - Processing times:\n"+
		"\tImage Decode: %v\n"+
		"\tResize:      %v\n"+
		"\tPreprocess:  %v\n"+
		"\tInference:   %v\n"+
		"\tPostprocess: %v\n"+
		"\tSuppression: %v\n"+
		"\tTotal:       %v",
		t.RequestID,
		t.ImageDecode,
		t.Resize,
		t.Preprocess,
		t.Inference,
		t.Postprocess,
		t.Suppression,
		t.Total)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Code:    code,
		Message: message,
	})
}
