package liveness

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// OfflineSweeper periodically demotes online machines whose heartbeat expired
type OfflineSweeper struct {
	ctx      context.Context
	cancel   context.CancelFunc
	tracker  *Tracker
	logger   *logrus.Entry
	interval time.Duration
	done     chan struct{}
}

// SweeperConfig holds the configuration for the offline sweeper
type SweeperConfig struct {
	Tracker     *Tracker
	Logger      *logrus.Entry
	IntervalSec int
}

// NewOfflineSweeper creates a new offline sweeper
func NewOfflineSweeper(cfg *SweeperConfig) *OfflineSweeper {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	interval := time.Duration(cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &OfflineSweeper{
		ctx:      ctx,
		cancel:   cancel,
		tracker:  cfg.Tracker,
		logger:   logger.WithField("component", "offline-sweeper"),
		interval: interval,
	}
}

// Start begins the periodic sweep
func (s *OfflineSweeper) Start() {
	s.logger.Infof("Starting offline sweeper (interval %s, threshold %s)...", s.interval, s.tracker.Threshold())
	ticker := time.NewTicker(s.interval)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce()
			case <-s.ctx.Done():
				s.logger.Info("Stopping offline sweeper...")
				return
			}
		}
	}()
}

// Stop stops the sweeper and waits for the running pass
func (s *OfflineSweeper) Stop() {
	s.cancel()
	if s.done != nil {
		<-s.done
	}
}

// RunOnce runs a single sweep
func (s *OfflineSweeper) RunOnce() int64 {
	n, err := s.tracker.MarkOffline(s.ctx)
	if err != nil {
		s.logger.Errorf("Offline sweep failed: %v", err)
		return 0
	}
	return n
}
