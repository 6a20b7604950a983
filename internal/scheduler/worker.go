package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryWorker periodically re-queues failed tasks whose backoff has elapsed
type RetryWorker struct {
	ctx      context.Context
	cancel   context.CancelFunc
	store    *Store
	logger   *logrus.Entry
	interval time.Duration
	done     chan struct{}
}

// WorkerConfig holds the configuration for the retry worker
type WorkerConfig struct {
	Store       *Store
	Logger      *logrus.Entry
	IntervalSec int
}

// NewRetryWorker creates a new retry worker
func NewRetryWorker(cfg *WorkerConfig) *RetryWorker {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	interval := time.Duration(cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &RetryWorker{
		ctx:      ctx,
		cancel:   cancel,
		store:    cfg.Store,
		logger:   logger.WithField("component", "task-retry-worker"),
		interval: interval,
	}
}

// Start begins the periodic retry sweep
func (w *RetryWorker) Start() {
	w.logger.Infof("Starting task retry worker (interval %s)...", w.interval)
	ticker := time.NewTicker(w.interval)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.RunOnce()
			case <-w.ctx.Done():
				w.logger.Info("Stopping task retry worker...")
				return
			}
		}
	}()
}

// Stop stops the worker and waits for the current sweep to finish
func (w *RetryWorker) Stop() {
	w.cancel()
	if w.done != nil {
		<-w.done
	}
}

// RunOnce runs a single retry sweep
func (w *RetryWorker) RunOnce() int {
	n, err := w.store.RetryDue(w.ctx)
	if err != nil {
		w.logger.Errorf("Retry sweep failed: %v", err)
		return 0
	}
	return n
}
