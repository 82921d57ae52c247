package client

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agrovision/weed-detection-service/models"
)

func encodeJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x % 256), G: 90, B: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestPredictRetriesOnGatewayErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" {
			w.WriteHeader(http.StatusOK)
			return
		}
		// Cold-start behavior: two gateway errors, then success.
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.PredictionResponse{
			NumDetections: 1,
			Boxes:         [][4]int32{{1, 2, 3, 4}},
			Classes:       []string{"nutsedge"},
			Confidences:   []float32{0.77},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{
		Retries:      3,
		RetryWait:    10 * time.Millisecond,
		MaxRetryWait: 20 * time.Millisecond,
	})

	result, err := c.Predict(context.Background(), encodeJPEG(t, 64, 48), "field.jpg")
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if result.NumDetections != 1 || result.Classes[0] != "nutsedge" {
		t.Errorf("result = %+v", result)
	}
}

func TestPredictZeroRetriesMakesSingleAttempt(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	// Explicit zero must be honored: one attempt, no backoff. The
	// Docker HEALTHCHECK relies on this to stay inside its own timeout.
	c := New(srv.URL, Options{Retries: 0})
	if _, err := c.Predict(context.Background(), encodeJPEG(t, 32, 32), "x.jpg"); err == nil {
		t.Fatal("expected error from 502")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestPredictDownscalesLargeImages(t *testing.T) {
	type dims struct{ W, H int }
	var got dims
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" {
			w.WriteHeader(http.StatusOK)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		cfg, _, err := image.DecodeConfig(file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got = dims{cfg.Width, cfg.Height}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.PredictionResponse{
			Boxes:       [][4]int32{},
			Classes:     []string{},
			Confidences: []float32{},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{MaxDimension: 640})

	if _, err := c.Predict(context.Background(), encodeJPEG(t, 1600, 1200), "big.jpg"); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got.W > 640 || got.H > 640 {
		t.Errorf("uploaded image is %dx%d, want both edges <= 640", got.W, got.H)
	}
	// Aspect ratio preserved by Fit.
	if got.W != 640 || got.H != 480 {
		t.Errorf("uploaded image is %dx%d, want 640x480", got.W, got.H)
	}
}

func TestPredictSkipsDownscaleForSmallImages(t *testing.T) {
	var uploadedSize int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		buf := &bytes.Buffer{}
		buf.ReadFrom(file)
		uploadedSize = buf.Len()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.PredictionResponse{})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{MaxDimension: 640})
	original := encodeJPEG(t, 320, 240)

	if _, err := c.Predict(context.Background(), original, "small.jpg"); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if uploadedSize != len(original) {
		t.Errorf("uploaded %d bytes, want untouched %d", uploadedSize, len(original))
	}
}

func TestPredictRejectsUndecodableInput(t *testing.T) {
	c := New("http://unused.invalid", Options{})
	if _, err := c.Predict(context.Background(), []byte("not an image"), "x.jpg"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPredictSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(models.ErrorResponse{
			Code:    "invalid_image",
			Message: "failed to decode image",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{})
	_, err := c.Predict(context.Background(), encodeJPEG(t, 32, 32), "x.jpg")
	if err == nil {
		t.Fatal("expected API error")
	}
	if want := "failed to decode image"; !bytes.Contains([]byte(err.Error()), []byte(want)) {
		t.Errorf("error = %v, want it to mention %q", err, want)
	}
}

func TestWakeUpCallsHealthFirst(t *testing.T) {
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, r.URL.Path)
		if r.URL.Path == "/predict" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(models.PredictionResponse{})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, Options{WakeUp: true})
	if _, err := c.Predict(context.Background(), encodeJPEG(t, 32, 32), "x.jpg"); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if _, err := c.Predict(context.Background(), encodeJPEG(t, 32, 32), "x.jpg"); err != nil {
		t.Fatalf("Predict: %v", err)
	}

	if len(order) < 3 || order[0] != "/health" {
		t.Fatalf("request order = %v, want /health first", order)
	}
	// The wake-up happens once, not per predict.
	for _, p := range order[1:] {
		if p == "/health" {
			t.Errorf("extra /health call: %v", order)
		}
	}
}

func TestHealthAndInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/health":
			w.Write([]byte(`{"status":"ok","model_loaded":true}`))
		case "/":
			w.Write([]byte(`{"service":"weed-detection-service","classes":12}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, Options{})
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
	info, err := c.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info["service"] != "weed-detection-service" {
		t.Errorf("info = %v", info)
	}
}
