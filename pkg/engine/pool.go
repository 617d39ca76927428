package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// ErrPoolClosed is returned by DriverPool.Do after Close.
var ErrPoolClosed = errors.New("driver pool closed")

// DriverPool runs driver calls on a fixed number of workers so that a slow
// back-end cannot starve calls made for other applications.
type DriverPool struct {
	jobs        chan *poolJob
	callTimeout time.Duration
	tel         *telemetry.Telemetry

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

type poolJob struct {
	ctx       context.Context
	driver    string
	operation string
	fn        func(ctx context.Context) error
	done      chan error
}

// PoolConfig configures a DriverPool.
type PoolConfig struct {
	// Workers is the number of concurrent driver calls.
	Workers int `mapstructure:"workers" yaml:"workers"`

	// QueueSize bounds the number of calls waiting for a worker.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`

	// CallTimeout bounds a single driver call.
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:     16,
		QueueSize:   256,
		CallTimeout: 2 * time.Minute,
	}
}

// NewDriverPool starts the pool workers.
func NewDriverPool(cfg PoolConfig, tel *telemetry.Telemetry) *DriverPool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultPoolConfig().Workers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultPoolConfig().CallTimeout
	}

	p := &DriverPool{
		jobs:        make(chan *poolJob, cfg.QueueSize),
		callTimeout: cfg.CallTimeout,
		tel:         telemetry.OrNop(tel),
		closed:      make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Do runs fn on a worker and waits for its result. The context passed to fn
// carries the per-call timeout; a call that exceeds it fails with Timeout.
// When ctx is done first, Do returns without waiting for fn, which keeps
// running until it observes the cancellation.
func (p *DriverPool) Do(ctx context.Context, driver, operation string, fn func(ctx context.Context) error) error {
	job := &poolJob{
		ctx:       ctx,
		driver:    driver,
		operation: operation,
		fn:        fn,
		done:      make(chan error, 1),
	}

	p.tel.Metrics.AddDriverPoolQueued(1)
	select {
	case p.jobs <- job:
	case <-ctx.Done():
		p.tel.Metrics.AddDriverPoolQueued(-1)
		return ctx.Err()
	case <-p.closed:
		p.tel.Metrics.AddDriverPoolQueued(-1)
		return ErrPoolClosed
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrPoolClosed
	}
}

func (p *DriverPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.jobs:
			p.tel.Metrics.AddDriverPoolQueued(-1)
			job.done <- p.run(job)
		case <-p.closed:
			return
		}
	}
}

func (p *DriverPool) run(job *poolJob) (err error) {
	if err := job.ctx.Err(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(job.ctx, p.callTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Sprintf("driver panicked: %v", r), nil).
				WithCode(ErrCodeInternal).
				WithOperation(job.operation)
		}
	}()

	err = p.tel.RecordDriverOperation(callCtx, job.driver, job.operation, ErrorCode, func(ctx context.Context) error {
		callErr := job.fn(ctx)
		if callErr != nil && job.ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return NewTimeoutError(job.operation, callErr)
		}
		return ClassifyDriverError(job.operation, callErr)
	})
	return err
}

// Close stops the workers after the calls in progress return.
func (p *DriverPool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()
}
