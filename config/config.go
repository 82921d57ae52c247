package config

import (
	"time"

	"github.com/caarlos0/env/v9"
)

type Config struct {
	Server Server
	Model  Model
}

type Server struct {
	Host         string        `env:"HOST" envDefault:"0.0.0.0"`
	Port         string        `env:"PORT" envDefault:"8000"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
	// MaxUploadBytes caps the /predict request body. Oversize uploads
	// get a 413 instead of exhausting worker memory.
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`
	UploadsDir     string `env:"UPLOADS_DIR"`
	Debug          bool   `env:"DEBUG" envDefault:"false"`
}

type Model struct {
	Path       string `env:"MODEL_PATH" envDefault:"models/best.onnx"`
	LabelsPath string `env:"LABELS_PATH"`
	// OnnxLibPath points at the ONNX Runtime shared library. Empty means
	// the loader default (LD_LIBRARY_PATH).
	OnnxLibPath string `env:"ONNX_LIB_PATH"`
	// PoolSize is the number of model sessions loaded at boot. The
	// memory-constrained free tier runs with POOL_SIZE=1.
	PoolSize int `env:"POOL_SIZE" envDefault:"2"`
	// MaxConcurrent bounds in-flight inferences; 0 means PoolSize.
	MaxConcurrent    int           `env:"MAX_CONCURRENT" envDefault:"0"`
	InferenceTimeout time.Duration `env:"INFERENCE_TIMEOUT" envDefault:"30s"`
}

func New() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.Model.MaxConcurrent <= 0 {
		cfg.Model.MaxConcurrent = cfg.Model.PoolSize
	}
	return cfg, nil
}

func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}
