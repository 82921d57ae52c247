// Package client talks to a deployed weed-detection API. It carries the
// mitigations a free-tier deployment needs from its callers: a long
// timeout for cold starts, bounded retry with growing delay on gateway
// errors, an optional pre-flight health call to wake a sleeping
// instance, and downscaling of large images before upload.
package client

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/agrovision/weed-detection-service/models"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

const (
	DefaultTimeout   = 60 * time.Second
	DefaultRetries   = 3
	DefaultRetryWait = 2 * time.Second
	DefaultMaxWait   = 10 * time.Second
	// DefaultMaxDimension bounds the longer image edge before upload.
	// The model resizes to 640 anyway; shipping more pixels only risks
	// tripping the server's memory budget.
	DefaultMaxDimension = 1280
)

type Options struct {
	Timeout time.Duration
	// Retries is the number of retry attempts on connect and gateway
	// errors. Zero disables retrying; weedctl defaults to
	// DefaultRetries.
	Retries   int
	RetryWait time.Duration
	MaxRetryWait time.Duration
	MaxDimension int
	// WakeUp issues a /health call before the first predict so a
	// sleeping instance reloads its model off the critical path.
	WakeUp bool
}

type Client struct {
	resty   *resty.Client
	baseURL string
	opts    Options
	woken   bool
}

func New(baseURL string, opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryWait == 0 {
		opts.RetryWait = DefaultRetryWait
	}
	if opts.MaxRetryWait == 0 {
		opts.MaxRetryWait = DefaultMaxWait
	}
	if opts.MaxDimension == 0 {
		opts.MaxDimension = DefaultMaxDimension
	}

	restyClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.MaxRetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			switch r.StatusCode() {
			case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				return true
			}
			return false
		})

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	restyClient.SetTransport(transport)

	return &Client{
		resty:   restyClient,
		baseURL: baseURL,
		opts:    opts,
	}
}

// Health checks the liveness route. A 200 means the instance is awake
// and the model is loaded.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.resty.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode())
	}
	return nil
}

// Info fetches the service banner from the root route.
func (c *Client) Info(ctx context.Context) (map[string]interface{}, error) {
	var info map[string]interface{}
	resp, err := c.resty.R().SetContext(ctx).SetResult(&info).Get("/")
	if err != nil {
		return nil, fmt.Errorf("info request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("info: status %d", resp.StatusCode())
	}
	return info, nil
}

// Test hits the diagnostic route and returns its payload.
func (c *Client) Test(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := c.resty.R().SetContext(ctx).SetResult(&out).Get("/test")
	if err != nil {
		return nil, fmt.Errorf("test request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("test: status %d", resp.StatusCode())
	}
	return out, nil
}

// Predict uploads an image and returns the parsed detection result.
// Images larger than MaxDimension on either edge are downscaled and
// re-encoded as JPEG before upload.
func (c *Client) Predict(ctx context.Context, imageData []byte, filename string) (*models.PredictionResponse, error) {
	if c.opts.WakeUp && !c.woken {
		if err := c.Health(ctx); err == nil {
			c.woken = true
		}
	}

	upload, err := c.downscale(imageData)
	if err != nil {
		return nil, err
	}

	var result models.PredictionResponse
	var apiErr models.ErrorResponse

	resp, err := c.resty.R().
		SetContext(ctx).
		SetFileReader("file", filename, bytes.NewReader(upload)).
		SetResult(&result).
		SetError(&apiErr).
		Post("/predict")
	if err != nil {
		return nil, fmt.Errorf("predict request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		if apiErr.Message != "" {
			return nil, fmt.Errorf("predict failed (%d): %s", resp.StatusCode(), apiErr.Message)
		}
		return nil, fmt.Errorf("predict failed: status %d", resp.StatusCode())
	}
	return &result, nil
}

func (c *Client) downscale(imageData []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= c.opts.MaxDimension && bounds.Dy() <= c.opts.MaxDimension {
		return imageData, nil
	}

	fitted := imaging.Fit(img, c.opts.MaxDimension, c.opts.MaxDimension, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("re-encode image: %w", err)
	}
	return buf.Bytes(), nil
}
