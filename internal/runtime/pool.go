package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"detectserver/internal/apperr"
	"detectserver/internal/tensor"
)

// DefaultAcquireTimeout bounds how long Run waits for a free instance.
const DefaultAcquireTimeout = 5 * time.Second

var (
	// ErrPoolClosed is returned by Run after Close.
	ErrPoolClosed = errors.New("runtime pool is closed")
	// ErrAcquireTimeout is returned when no instance frees up in time.
	ErrAcquireTimeout = errors.New("timeout waiting for available runtime instance")
)

// StatsReporter is implemented by runtimes that expose pool usage.
type StatsReporter interface {
	Stats() PoolStats
}

// Factory creates one independent, non-concurrent runtime instance.
type Factory func() (Runtime, error)

// Pool serializes access to runtimes that cannot execute concurrently. Each
// instance is used by at most one caller at a time; a pool of size one is a
// plain mutual-exclusion gate.
type Pool struct {
	instances      chan Runtime
	all            []Runtime
	info           ModelInfo
	acquireTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	running sync.WaitGroup

	metrics PoolMetrics
}

// PoolMetrics counts pool usage.
type PoolMetrics struct {
	mu              sync.Mutex
	InUse           int
	TotalAcquired   int64
	AcquireFailures int64
	WaitTime        time.Duration
}

// PoolStats is a point-in-time copy of PoolMetrics.
type PoolStats struct {
	Size            int           `json:"size"`
	InUse           int           `json:"in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

// NewPool creates size instances with factory. When any instance fails to
// load, the ones already created are closed.
func NewPool(factory Factory, size int, acquireTimeout time.Duration) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}

	p := &Pool{
		instances:      make(chan Runtime, size),
		acquireTimeout: acquireTimeout,
	}

	for i := 0; i < size; i++ {
		rt, err := factory()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to initialize runtime instance %d: %w", i, err)
		}
		if i == 0 {
			p.info = rt.Info()
		}
		p.all = append(p.all, rt)
		p.instances <- rt
	}

	return p, nil
}

// Info returns the metadata of the pooled model.
func (p *Pool) Info() ModelInfo {
	return p.info
}

// Run borrows an instance for one forward pass. Failures to get an instance
// are reported as ModelExecutionErrors wrapping ErrPoolClosed or
// ErrAcquireTimeout.
func (p *Pool) Run(ctx context.Context, input *tensor.Tensor) (*tensor.RawOutput, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, apperr.ModelExecution("no runtime instance", ErrPoolClosed)
	}
	p.running.Add(1)
	p.mu.RUnlock()
	defer p.running.Done()

	rt, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(rt)

	return rt.Run(ctx, input)
}

func (p *Pool) acquire(ctx context.Context) (Runtime, error) {

	start := time.Now()
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case rt, ok := <-p.instances:
		if !ok {
			return nil, apperr.ModelExecution("no runtime instance", ErrPoolClosed)
		}
		p.metrics.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metrics.WaitTime += time.Since(start)
		p.metrics.mu.Unlock()
		return rt, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.AcquireFailures++
		p.metrics.mu.Unlock()
		return nil, apperr.ModelExecution("no runtime instance", ErrAcquireTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(rt Runtime) {
	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.mu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	p.instances <- rt
}

// Stats returns a snapshot of the pool metrics.
func (p *Pool) Stats() PoolStats {
	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()
	return PoolStats{
		Size:            len(p.all),
		InUse:           p.metrics.InUse,
		TotalAcquired:   p.metrics.TotalAcquired,
		AcquireFailures: p.metrics.AcquireFailures,
		WaitTime:        p.metrics.WaitTime,
	}
}

// Close rejects new calls, waits for in-flight Run calls to return and then
// tears down every instance.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.instances)
	p.mu.Unlock()

	p.running.Wait()

	var errs []error
	for _, rt := range p.all {
		if err := rt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
