// Package executor runs one deployment task on the client: install or staged update,
// verification, then commit or rollback, with progress reported to the control plane.
package executor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"go_fleet/agent/engine"
	"go_fleet/internal/dto"
	"go_fleet/internal/model"
)

// Reporter posts task status to the control plane
type Reporter interface {
	ReportStatus(ctx context.Context, taskID int, report dto.TaskStatusReport) error
}

// Engine is the part of the update engine the executor drives
type Engine interface {
	IsInstalled(app string) bool
	Install(ctx context.Context, app, version string) engine.Result
	Update(ctx context.Context, app, version string) (*engine.Staged, engine.Result)
	Verify(s *engine.Staged) error
	Commit(ctx context.Context, s *engine.Staged) engine.Result
	Rollback(ctx context.Context, s *engine.Staged, cause error) engine.Result
	ReportBlocked(ctx context.Context, res engine.Result)
}

// Progress checkpoints
const (
	progressStarted   = 0
	progressFetching  = 10
	progressStaged    = 60
	progressVerifying = 70
	progressCommit    = 90
	progressDone      = 100
)

// Executor handles deployment task execution
type Executor struct {
	engine    Engine
	reporter  Reporter
	machineID string
	logger    *logrus.Entry
}

// New creates a task executor. Every report is sent on behalf of machineID.
func New(eng Engine, reporter Reporter, machineID string, logger *logrus.Entry) *Executor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		engine:    eng,
		reporter:  reporter,
		machineID: machineID,
		logger:    logger.WithField("component", "executor"),
	}
}

// Run executes task and reports its outcome. A task the server refuses to start is
// skipped without a final report.
func (x *Executor) Run(ctx context.Context, task dto.TaskDTO) engine.Result {
	log := x.logger.WithFields(logrus.Fields{"task": task.ID, "app": task.AppCode})

	// Step 1: claim the task
	if err := x.progress(ctx, task.ID, progressStarted, "starting"); err != nil {
		log.Warnf("Server refused to start task: %v", err)
		return engine.Result{
			AppCode:      task.AppCode,
			Message:      "failed to start task",
			ErrorDetails: err.Error(),
		}
	}

	// Step 2: install, or stage and verify an update
	var res engine.Result
	if !x.engine.IsInstalled(task.AppCode) {
		x.progressBestEffort(ctx, log, task.ID, progressFetching, "installing")
		res = x.engine.Install(ctx, task.AppCode, task.Version)
	} else {
		res = x.update(ctx, log, task)
	}

	// Step 3: final status
	x.finish(ctx, log, task, res)
	return res
}

func (x *Executor) update(ctx context.Context, log *logrus.Entry, task dto.TaskDTO) engine.Result {
	x.progressBestEffort(ctx, log, task.ID, progressFetching, "downloading")
	staged, res := x.engine.Update(ctx, task.AppCode, task.Version)
	if staged == nil {
		if res.Quarantined {
			x.engine.ReportBlocked(ctx, res)
		}
		return res
	}

	x.progressBestEffort(ctx, log, task.ID, progressStaged, "staged "+staged.TargetVersion())
	x.progressBestEffort(ctx, log, task.ID, progressVerifying, "verifying")
	if err := x.engine.Verify(staged); err != nil {
		log.Warnf("Verification of %s failed, rolling back: %v", staged.TargetVersion(), err)
		return x.engine.Rollback(ctx, staged, err)
	}

	x.progressBestEffort(ctx, log, task.ID, progressCommit, "committing")
	return x.engine.Commit(ctx, staged)
}

func (x *Executor) finish(ctx context.Context, log *logrus.Entry, task dto.TaskDTO, res engine.Result) {
	success := res.Success
	report := dto.TaskStatusReport{
		MachineID:         x.machineID,
		Status:            string(model.TaskStatusCompleted),
		IsSuccess:         &success,
		CurrentStep:       res.Message,
		DownloadSizeBytes: res.DownloadSizeBytes,
		NonRetryable:      res.NonRetryable,
	}
	if success {
		report.ProgressPercentage = progressDone
		log.Infof("Task completed: %s", res.Message)
	} else {
		report.Status = string(model.TaskStatusFailed)
		report.ErrorMessage = res.Message
		if res.ErrorDetails != "" {
			report.ErrorMessage = fmt.Sprintf("%s: %s", res.Message, res.ErrorDetails)
		}
		log.Warnf("Task failed: %s", report.ErrorMessage)
	}

	if err := x.reporter.ReportStatus(ctx, task.ID, report); err != nil {
		log.Errorf("Failed to report final status: %v", err)
	}
}

func (x *Executor) progress(ctx context.Context, taskID, pct int, step string) error {
	return x.reporter.ReportStatus(ctx, taskID, dto.TaskStatusReport{
		MachineID:          x.machineID,
		Status:             string(model.TaskStatusInProgress),
		ProgressPercentage: pct,
		CurrentStep:        step,
	})
}

func (x *Executor) progressBestEffort(ctx context.Context, log *logrus.Entry, taskID, pct int, step string) {
	if err := x.progress(ctx, taskID, pct, step); err != nil {
		log.Debugf("Progress report %d%% failed: %v", pct, err)
	}
}
