// Package poller is the client control loop: register, heartbeat, and pull deployment
// tasks on fixed intervals.
package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go_fleet/agent/engine"
	"go_fleet/agent/identity"
	"go_fleet/internal/agentclient"
	"go_fleet/internal/dto"
)

// ControlPlane is the server as seen by the control loop
type ControlPlane interface {
	Register(ctx context.Context, req dto.RegisterMachineRequest) error
	Heartbeat(ctx context.Context, req dto.HeartbeatRequest) error
	PullTasks(ctx context.Context, machineID string) ([]dto.TaskDTO, error)
}

// TaskRunner executes one deployment task
type TaskRunner interface {
	Run(ctx context.Context, task dto.TaskDTO) engine.Result
}

// Config holds the supervisor settings
type Config struct {
	MachineID     string
	MachineName   string
	ClientVersion string
	Facts         identity.Facts
	// InstalledApps reports the installed application codes, may be nil
	InstalledApps     func() []string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	Logger            *logrus.Entry
}

// Supervisor runs the heartbeat and poll loops
type Supervisor struct {
	cp     ControlPlane
	runner TaskRunner
	cfg    Config
	logger *logrus.Entry

	// processing is set while a poll is running tasks
	processing atomic.Bool
	polls      sync.WaitGroup
}

// NewSupervisor creates the control loop
func NewSupervisor(cp ControlPlane, runner TaskRunner, cfg Config) *Supervisor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		cp:     cp,
		runner: runner,
		cfg:    cfg,
		logger: logger.WithField("component", "poller"),
	}
}

// Busy reports whether tasks are being processed
func (s *Supervisor) Busy() bool {
	return s.processing.Load()
}

// Hold marks the supervisor busy for work done outside a poll, such as a local
// uninstall. Poll ticks are skipped until release is called. ok is false while a
// poll is running.
func (s *Supervisor) Hold() (release func(), ok bool) {
	if !s.processing.CompareAndSwap(false, true) {
		return nil, false
	}
	return func() { s.processing.Store(false) }, true
}

// Run registers the machine, retrying every heartbeat interval, then runs the
// heartbeat and poll loops until ctx is cancelled. In-flight tasks are waited for.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Infof("Starting control loop for machine %s", s.cfg.MachineID)
	for {
		err := s.register(ctx)
		if err == nil {
			break
		}
		s.logger.Warnf("Registration failed, retrying in %s: %v", s.cfg.HeartbeatInterval, err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.HeartbeatInterval):
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.every(gctx, s.cfg.HeartbeatInterval, func() {
			if err := s.HeartbeatOnce(gctx); err != nil {
				s.logger.Warnf("Heartbeat failed: %v", err)
			}
		})
	})
	g.Go(func() error {
		return s.every(gctx, s.cfg.PollInterval, func() {
			s.polls.Add(1)
			go func() {
				defer s.polls.Done()
				s.PollOnce(gctx)
			}()
		})
	})

	err := g.Wait()
	s.polls.Wait()
	s.logger.Info("Control loop stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// every calls fn immediately and then on each tick until ctx is done
func (s *Supervisor) every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fn()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) register(ctx context.Context) error {
	req := dto.RegisterMachineRequest{
		MachineID:     s.cfg.MachineID,
		MachineName:   s.cfg.MachineName,
		IPAddress:     s.cfg.Facts.IPAddress,
		Hostname:      s.cfg.Facts.Hostname,
		OSVersion:     s.cfg.Facts.OSVersion,
		Arch:          s.cfg.Facts.Arch,
		CPUCores:      s.cfg.Facts.CPUCores,
		MemoryBytes:   s.cfg.Facts.MemoryBytes,
		InstalledApps: s.installedApps(),
		ClientVersion: s.cfg.ClientVersion,
	}
	if err := s.cp.Register(ctx, req); err != nil {
		return err
	}
	s.logger.Infof("Registered machine %s (%s)", s.cfg.MachineID, s.cfg.MachineName)
	return nil
}

// HeartbeatOnce sends one heartbeat. A machine unknown to the server is registered again.
func (s *Supervisor) HeartbeatOnce(ctx context.Context) error {
	err := s.cp.Heartbeat(ctx, dto.HeartbeatRequest{
		MachineID:     s.cfg.MachineID,
		IPAddress:     s.cfg.Facts.IPAddress,
		InstalledApps: s.installedApps(),
		ClientVersion: s.cfg.ClientVersion,
		Busy:          s.processing.Load(),
	})
	if errors.Is(err, agentclient.ErrNotFound) {
		s.logger.Warn("Server does not know this machine, registering again")
		return s.register(ctx)
	}
	return err
}

// PollOnce pulls pending tasks and runs them one by one, highest priority first.
// It returns false without pulling when a previous poll is still running.
func (s *Supervisor) PollOnce(ctx context.Context) bool {
	if !s.processing.CompareAndSwap(false, true) {
		s.logger.Debug("Previous poll still running, tick skipped")
		return false
	}
	defer s.processing.Store(false)

	tasks, err := s.cp.PullTasks(ctx, s.cfg.MachineID)
	if err != nil {
		s.logger.Warnf("Failed to pull tasks: %v", err)
		return true
	}
	if len(tasks) == 0 {
		return true
	}

	sortTasks(tasks)
	s.logger.Infof("Pulled %d tasks", len(tasks))
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		s.runner.Run(ctx, task)
	}
	return true
}

func (s *Supervisor) installedApps() []string {
	if s.cfg.InstalledApps == nil {
		return nil
	}
	return s.cfg.InstalledApps()
}

// sortTasks orders by priority desc, then oldest first
func sortTasks(tasks []dto.TaskDTO) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
