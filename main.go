package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agrovision/weed-detection-service/config"
	"github.com/agrovision/weed-detection-service/detections"
	"github.com/agrovision/weed-detection-service/labels"

	"github.com/gorilla/mux"
	_ "github.com/joho/godotenv/autoload"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/semaphore"
)

const serviceName = "weed-detection-service"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	classes, err := labels.Load(cfg.Model.LabelsPath)
	if err != nil {
		log.Fatalf("Failed to load class labels: %v", err)
	}
	log.Printf("Loaded %d weed classes", len(classes))

	if cfg.Model.OnnxLibPath != "" {
		ort.SetSharedLibraryPath(cfg.Model.OnnxLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		log.Fatalf("Failed to initialize ONNX environment: %v", err)
	}
	defer ort.DestroyEnvironment()

	pool, err := detections.NewModelSessionPool(cfg.Model.Path, len(classes), cfg.Model.PoolSize)
	if err != nil {
		log.Fatalf("Failed to create model session pool: %v", err)
	}
	defer pool.Destroy()
	log.Printf("Model %s loaded into %d session(s)", cfg.Model.Path, pool.Size())

	state := &AppState{
		Config:   cfg,
		Classes:  classes,
		Pool:     pool,
		Detector: &poolDetector{pool: pool, debug: cfg.Server.Debug},
		Sem:      semaphore.NewWeighted(int64(cfg.Model.MaxConcurrent)),
	}

	srv := &http.Server{
		Handler:      state.Router(),
		Addr:         cfg.Addr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting %s on %s", serviceName, srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigCh:
		log.Printf("Received %v, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// Router wires all routes on a fresh mux router.
func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/test", s.handleTest).Methods("GET")
	r.HandleFunc("/predict", s.handlePredict).Methods("POST")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/docs", s.handleDocs).Methods("GET")
	r.Use(requestLogger)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func newRequestID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
