package detections

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var (
	// ErrPoolBusy means no session freed up within the acquire timeout.
	ErrPoolBusy = errors.New("no model session available")
	// ErrPoolClosed means the pool was destroyed.
	ErrPoolClosed = errors.New("session pool is closed")
)

// ModelSession bundles one ONNX session with its pre-allocated input and
// output tensors. Sessions are not safe for concurrent Run calls; the
// pool hands each one to a single request at a time.
type ModelSession struct {
	Session    *ort.AdvancedSession
	Input      *ort.Tensor[float32]
	Output     *ort.Tensor[float32]
	NumClasses int
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

func newSession(modelPath string, numClasses int) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())

	inputShape := ort.NewShape(1, 3, InputHeight, InputWidth)
	outputShape := ort.NewShape(1, int64(BoxChannels+numClasses), NumAnchors)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &ModelSession{
		Session:    session,
		Input:      inputTensor,
		Output:     outputTensor,
		NumClasses: numClasses,
	}, nil
}

// validateOutputShape inspects the model file and confirms its output
// head matches the configured class count. With pre-bound static
// tensors a mismatch would otherwise surface only on the first Run,
// after the service already reported healthy.
func validateOutputShape(modelPath string, numClasses int) error {
	_, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return fmt.Errorf("inspect model: %w", err)
	}
	for _, out := range outputs {
		if out.Name == "output0" {
			return checkOutputDims(out.Dimensions, numClasses)
		}
	}
	return fmt.Errorf("model has no output named %q", "output0")
}

// checkOutputDims verifies [1, 4+numClasses, NumAnchors]; dynamic
// dimensions (<= 0) are left to the runtime.
func checkOutputDims(dims []int64, numClasses int) error {
	if len(dims) != 3 {
		return fmt.Errorf("model output has %d dimensions, want 3", len(dims))
	}
	wantChannels := int64(BoxChannels + numClasses)
	if dims[1] > 0 && dims[1] != wantChannels {
		return fmt.Errorf("model output has %d channels, want %d (%d box + %d classes); labels list does not match the model head",
			dims[1], wantChannels, BoxChannels, numClasses)
	}
	if dims[2] > 0 && dims[2] != NumAnchors {
		return fmt.Errorf("model output has %d anchors, want %d", dims[2], NumAnchors)
	}
	return nil
}

// ModelSessionPool owns a fixed set of sessions. Acquire blocks until a
// session is free, the acquire timeout fires, or ctx is done.
type ModelSessionPool struct {
	sessions   chan *ModelSession
	size       int
	modelPath  string
	numClasses int
	mu         sync.Mutex
	closed     bool
	metrics    poolMetrics
	lastErrors []error
}

type poolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	Size            int           `json:"pool_size"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	TotalWaitTime   time.Duration `json:"total_wait_ns"`
}

func NewModelSessionPool(modelPath string, numClasses, size int) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	if err := validateOutputShape(modelPath, numClasses); err != nil {
		return nil, err
	}

	pool := &ModelSessionPool{
		sessions:   make(chan *ModelSession, size),
		size:       size,
		modelPath:  modelPath,
		numClasses: numClasses,
	}

	for i := 0; i < size; i++ {
		session, err := newSession(modelPath, numClasses)
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	go pool.healthCheck()

	return pool, nil
}

func (p *ModelSessionPool) Size() int { return p.size }

func (p *ModelSessionPool) Acquire(ctx context.Context) (*ModelSession, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-time.After(AcquireTimeout):
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, ErrPoolBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a session to the pool. The send happens under p.mu so
// it cannot race Destroy closing the channel; the channel is sized to
// the pool, so the send never blocks while the lock is held.
func (p *ModelSessionPool) Release(session *ModelSession) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		session.Destroy()
		return
	}

	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.sessions <- session
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *ModelSessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ModelSessionPool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if p.isClosed() {
			return
		}

		p.metrics.mu.RLock()
		inUse := p.metrics.inUse
		p.metrics.mu.RUnlock()

		// A session lost to a crashed inference never comes back on
		// its own; recreate the missing slots.
		if idle := len(p.sessions); idle+inUse < p.size {
			p.replenishSessions(p.size - idle - inUse)
		}
	}
}

func (p *ModelSessionPool) replenishSessions(count int) {
	for i := 0; i < count; i++ {
		session, err := newSession(p.modelPath, p.numClasses)
		if err != nil {
			p.recordError(err)
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.sessions <- session
		p.mu.Unlock()
	}
}

func (p *ModelSessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelSessionPool) Stats() PoolStats {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		TotalWaitTime:   p.metrics.waitTime,
	}
}
