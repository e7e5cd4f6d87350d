// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/config"
)

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("grep engine stopped")

const (
	defaultQueueSize          = 1000
	defaultConcurrency        = 4
	defaultTransactionTimeout = 30 * time.Second
)

// Stats counts what the engine has done so far.
type Stats struct {
	Submitted int64
	Processed int64
	Failures  int64
}

// GrepEngine fans transactions out to every grep plugin on a pool of workers.
type GrepEngine struct {
	cfg     config.EngineConfig
	logger  *zap.Logger
	plugins []core.GrepPlugin
	scan    *core.ScanContext

	queue chan schemas.Transaction
	wg    sync.WaitGroup

	// stateLock guards the running flags and the queue close.
	stateLock sync.RWMutex
	isRunning bool
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc

	submitted atomic.Int64
	processed atomic.Int64
	failures  atomic.Int64
}

// New creates a GrepEngine. Zero-valued config fields take defaults.
func New(cfg config.EngineConfig, logger *zap.Logger, plugins []core.GrepPlugin, scan *core.ScanContext) (*GrepEngine, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if scan == nil {
		return nil, errors.New("scan context cannot be nil")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = defaultConcurrency
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = defaultTransactionTimeout
	}

	return &GrepEngine{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "grep_engine")),
		plugins: plugins,
		scan:    scan,
		queue:   make(chan schemas.Transaction, cfg.QueueSize),
	}, nil
}

// Start launches the worker pool. Cancelling ctx makes the workers abandon the
// queue; Stop drains it instead.
func (e *GrepEngine) Start(ctx context.Context) {
	e.stateLock.Lock()
	if e.isRunning || e.stopped {
		e.stateLock.Unlock()
		e.logger.Warn("GrepEngine.Start called, but engine is already running or stopped.")
		return
	}
	e.isRunning = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.stateLock.Unlock()

	e.logger.Info("Starting grep engine worker pool",
		zap.Int("concurrency", e.cfg.WorkerConcurrency),
		zap.Int("plugins", len(e.plugins)),
	)
	for i := 0; i < e.cfg.WorkerConcurrency; i++ {
		e.wg.Add(1)
		go e.runWorker(i + 1)
	}
}

// Submit queues tx, blocking while the queue is full. It gives up when ctx or
// the engine's own context is done.
func (e *GrepEngine) Submit(ctx context.Context, tx schemas.Transaction) error {
	// The read lock keeps Stop from closing the queue under a pending send.
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()

	if e.stopped {
		return ErrStopped
	}
	if !e.isRunning {
		return errors.New("grep engine not started")
	}

	select {
	case e.queue <- tx:
		e.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// Stop closes the queue and waits until every queued transaction went through
// the plugins. It is safe to call more than once.
func (e *GrepEngine) Stop() {
	e.stateLock.Lock()
	if e.stopped {
		e.stateLock.Unlock()
		return
	}
	e.stopped = true
	wasRunning := e.isRunning
	close(e.queue)
	e.stateLock.Unlock()

	if !wasRunning {
		return
	}

	e.logger.Info("Stopping grep engine... waiting for workers to drain the queue.")
	e.wg.Wait()
	e.cancel()

	s := e.Stats()
	e.logger.Info("Grep engine stopped gracefully.",
		zap.Int64("processed", s.Processed),
		zap.Int64("failures", s.Failures),
	)
}

// Stats returns a snapshot of the counters.
func (e *GrepEngine) Stats() Stats {
	return Stats{
		Submitted: e.submitted.Load(),
		Processed: e.processed.Load(),
		Failures:  e.failures.Load(),
	}
}

func (e *GrepEngine) runWorker(workerID int) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker goroutine started")

	for {
		select {
		case <-e.ctx.Done():
			logger.Debug("Context cancelled, worker shutting down immediately.", zap.Error(e.ctx.Err()))
			return
		case tx, ok := <-e.queue:
			if !ok {
				logger.Debug("Transaction queue closed and drained, worker shutting down.")
				return
			}
			e.process(tx, logger)
		}
	}
}

// process runs every grep plugin against tx. A failing or panicking plugin is
// logged and never keeps the others from seeing the transaction.
func (e *GrepEngine) process(tx schemas.Transaction, logger *zap.Logger) {
	txCtx, cancel := context.WithTimeout(e.ctx, e.cfg.TransactionTimeout)
	defer cancel()

	for _, p := range e.plugins {
		if txCtx.Err() != nil {
			logger.Warn("Transaction analysis interrupted",
				zap.Uint64("transaction_id", tx.Response.ID),
				zap.Error(txCtx.Err()),
			)
			break
		}
		if err := e.runPlugin(txCtx, p, tx); err != nil {
			e.failures.Add(1)
			logger.Error("Grep plugin failed",
				zap.String("plugin", p.Name()),
				zap.String("uri", tx.Response.URI()),
				zap.Error(err),
			)
		}
	}
	e.processed.Add(1)
}

func (e *GrepEngine) runPlugin(ctx context.Context, p core.GrepPlugin, tx schemas.Transaction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", p.Name(), r, debug.Stack())
		}
	}()
	return p.Grep(ctx, e.scan, tx)
}
