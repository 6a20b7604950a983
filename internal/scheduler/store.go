// Package scheduler owns the deployment task state machine: enqueueing, pickup
// ordering, progress and completion reports, and the retry/backoff policy.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_fleet/internal/model"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrRetryNotDue       = errors.New("task retry is not due yet")
	ErrInvalidEnqueue    = errors.New("invalid enqueue request")
	ErrNotOwner          = errors.New("task belongs to another machine")
)

const (
	DefaultBackoff    = 5 * time.Minute
	DefaultMaxRetries = 3
)

// Config holds the store settings
type Config struct {
	// Backoff is the linear retry step: attempt n waits Backoff*(n+1)
	Backoff           time.Duration
	DefaultMaxRetries int
	Events            EventPublisher
	Logger            *logrus.Entry
	Now               func() time.Time
}

// Store persists deployment tasks
type Store struct {
	db                *gorm.DB
	backoff           time.Duration
	defaultMaxRetries int
	events            EventPublisher
	logger            *logrus.Entry
	now               func() time.Time
}

// NewStore creates a task store
func NewStore(db *gorm.DB, cfg Config) *Store {
	s := &Store{
		db:                db,
		backoff:           cfg.Backoff,
		defaultMaxRetries: cfg.DefaultMaxRetries,
		events:            cfg.Events,
		logger:            cfg.Logger,
		now:               cfg.Now,
	}
	if s.backoff <= 0 {
		s.backoff = DefaultBackoff
	}
	if s.defaultMaxRetries <= 0 {
		s.defaultMaxRetries = DefaultMaxRetries
	}
	if s.events == nil {
		s.events = NopPublisher{}
	}
	if s.logger == nil {
		s.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s.logger = s.logger.WithField("component", "task-store")
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// EnqueueRequest targets one application version at a set of machines
type EnqueueRequest struct {
	DeploymentHistoryID int        `json:"deploymentHistoryId"`
	AppCode             string     `json:"appCode"`
	AppName             string     `json:"appName"`
	Version             string     `json:"version"`
	MachineIDs          []string   `json:"machineIds"`
	Priority            int        `json:"priority"`
	MaxRetries          *int       `json:"maxRetries,omitempty"`
	ScheduledFor        *time.Time `json:"scheduledFor,omitempty"`
}

// Enqueue creates one queued task per target machine
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) ([]model.DeploymentTask, error) {
	if strings.TrimSpace(req.AppCode) == "" || strings.TrimSpace(req.Version) == "" {
		return nil, fmt.Errorf("%w: appCode and version are required", ErrInvalidEnqueue)
	}
	if len(req.MachineIDs) == 0 {
		return nil, fmt.Errorf("%w: no target machines", ErrInvalidEnqueue)
	}

	maxRetries := s.defaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: maxRetries must not be negative", ErrInvalidEnqueue)
		}
		maxRetries = *req.MaxRetries
	}

	seen := make(map[string]bool, len(req.MachineIDs))
	tasks := make([]model.DeploymentTask, 0, len(req.MachineIDs))
	for _, id := range req.MachineIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		tasks = append(tasks, model.DeploymentTask{
			MachineID:           id,
			DeploymentHistoryID: req.DeploymentHistoryID,
			AppCode:             req.AppCode,
			AppName:             req.AppName,
			Version:             req.Version,
			Status:              model.TaskStatusQueued,
			Priority:            req.Priority,
			ScheduledFor:        req.ScheduledFor,
			MaxRetries:          maxRetries,
		})
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: no target machines", ErrInvalidEnqueue)
	}

	if err := s.db.WithContext(ctx).Create(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to create tasks: %w", err)
	}

	for i := range tasks {
		s.events.PublishTaskEvent(EventQueued, &tasks[i])
	}
	s.logger.Infof("Enqueued %s %s for %d machines", req.AppCode, req.Version, len(tasks))
	return tasks, nil
}

// Pickup returns the tasks a machine should run now: queued or in progress, not
// scheduled in the future, by priority descending then oldest first.
func (s *Store) Pickup(ctx context.Context, machineID string) ([]model.DeploymentTask, error) {
	var tasks []model.DeploymentTask
	err := s.db.WithContext(ctx).
		Where("machine_id = ? AND status IN ?", machineID,
			[]model.TaskStatus{model.TaskStatusQueued, model.TaskStatusInProgress}).
		Where("(scheduled_for IS NULL OR scheduled_for <= ?)", s.now()).
		Order("priority DESC").
		Order("created_at ASC").
		Order("id ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	return tasks, nil
}

// Get loads a task by id
func (s *Store) Get(ctx context.Context, id int) (*model.DeploymentTask, error) {
	var task model.DeploymentTask
	if err := s.db.WithContext(ctx).First(&task, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// Start moves a task to in_progress, resetting progress and stamping startedAt.
// Only the machine the task was enqueued for can start it. The update is conditional
// on owner and status, so a queued task is claimed once and a task already in
// progress is restarted by its own machine after a client crash.
func (s *Store) Start(ctx context.Context, id int, machineID string) (*model.DeploymentTask, error) {
	now := s.now()
	result := s.db.WithContext(ctx).Model(&model.DeploymentTask{}).
		Where("id = ? AND machine_id = ? AND status IN ?", id, machineID,
			[]model.TaskStatus{model.TaskStatusQueued, model.TaskStatusInProgress}).
		Updates(map[string]interface{}{
			"status":              model.TaskStatusInProgress,
			"progress_percentage": 0,
			"current_step":        "",
			"started_at":          now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to start task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, s.transitionError(ctx, id, machineID, "start")
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.events.PublishTaskEvent(EventStarted, task)
	return task, nil
}

// UpdateProgress records client progress while the task is in progress.
// The percentage is clamped to [0,100].
func (s *Store) UpdateProgress(ctx context.Context, id int, machineID string, percentage int, step string) (*model.DeploymentTask, error) {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}

	result := s.db.WithContext(ctx).Model(&model.DeploymentTask{}).
		Where("id = ? AND machine_id = ? AND status = ?", id, machineID, model.TaskStatusInProgress).
		Updates(map[string]interface{}{
			"progress_percentage": percentage,
			"current_step":        step,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, s.transitionError(ctx, id, machineID, "update progress of")
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.events.PublishTaskEvent(EventProgress, task)
	return task, nil
}

// CompletionReport is the terminal outcome of one attempt
type CompletionReport struct {
	Success           bool
	ErrorMessage      string
	ErrorStack        string
	DownloadSizeBytes int64
	// NonRetryable marks failures a retry cannot fix, e.g. a quarantined application
	NonRetryable bool
}

// Complete records the outcome of an in-progress task reported by its machine.
// Failed tasks with retries left get nextRetryAt = completedAt + backoff*(retryCount+1).
func (s *Store) Complete(ctx context.Context, id int, machineID string, report CompletionReport) (*model.DeploymentTask, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.MachineID != machineID {
		return nil, fmt.Errorf("%w: task %d belongs to %s", ErrNotOwner, id, task.MachineID)
	}
	if task.Status != model.TaskStatusInProgress {
		return nil, fmt.Errorf("%w: cannot complete task %d in status %s", ErrInvalidTransition, id, task.Status)
	}

	now := s.now()
	updates := map[string]interface{}{
		"completed_at":        now,
		"is_success":          report.Success,
		"download_size_bytes": report.DownloadSizeBytes,
	}

	event := EventCompleted
	if report.Success {
		updates["status"] = model.TaskStatusCompleted
		updates["progress_percentage"] = 100
		updates["error_message"] = ""
		updates["error_stack"] = ""
		updates["next_retry_at"] = nil
		if task.StartedAt != nil {
			updates["install_duration_seconds"] = now.Sub(*task.StartedAt).Seconds()
		}
	} else {
		event = EventFailed
		updates["status"] = model.TaskStatusFailed
		updates["error_message"] = report.ErrorMessage
		updates["error_stack"] = report.ErrorStack
		updates["non_retryable"] = report.NonRetryable
		if !report.NonRetryable && task.RetryCount < task.MaxRetries {
			updates["next_retry_at"] = s.NextRetryAt(now, task.RetryCount)
		} else {
			updates["next_retry_at"] = nil
		}
	}

	result := s.db.WithContext(ctx).Model(&model.DeploymentTask{}).
		Where("id = ? AND machine_id = ? AND status = ?", id, machineID, model.TaskStatusInProgress).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to complete task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, s.transitionError(ctx, id, machineID, "complete")
	}

	task, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !report.Success {
		s.logger.Warnf("Task %d (%s %s on %s) failed: %s", task.ID, task.AppCode, task.Version, task.MachineID, report.ErrorMessage)
	}
	s.events.PublishTaskEvent(event, task)
	return task, nil
}

// NextRetryAt is the linear backoff schedule for a failure at completedAt
func (s *Store) NextRetryAt(completedAt time.Time, retryCount int) time.Time {
	return completedAt.Add(s.backoff * time.Duration(retryCount+1))
}

// RetryCandidates selects failed tasks whose retry is due
func (s *Store) RetryCandidates(ctx context.Context) ([]model.DeploymentTask, error) {
	var tasks []model.DeploymentTask
	err := s.db.WithContext(ctx).
		Where("status = ? AND non_retryable = ? AND retry_count < max_retries", model.TaskStatusFailed, false).
		Where("(next_retry_at IS NULL OR next_retry_at <= ?)", s.now()).
		Order("id ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query retry candidates: %w", err)
	}
	return tasks, nil
}

// Retry re-queues a failed task: retryCount is incremented and the timing fields,
// progress and success flag are cleared. The last error is kept until the next outcome.
func (s *Store) Retry(ctx context.Context, id int) (*model.DeploymentTask, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.Retryable() {
		return nil, fmt.Errorf("%w: task %d is not retryable (status %s, retries %d/%d)",
			ErrInvalidTransition, id, task.Status, task.RetryCount, task.MaxRetries)
	}
	if task.NextRetryAt != nil && s.now().Before(*task.NextRetryAt) {
		return nil, fmt.Errorf("%w: next retry at %s", ErrRetryNotDue, task.NextRetryAt.Format(time.RFC3339))
	}

	result := s.db.WithContext(ctx).Model(&model.DeploymentTask{}).
		Where("id = ? AND status = ? AND retry_count = ?", id, model.TaskStatusFailed, task.RetryCount).
		Updates(map[string]interface{}{
			"status":                   model.TaskStatusQueued,
			"retry_count":              task.RetryCount + 1,
			"progress_percentage":      0,
			"current_step":             "",
			"started_at":               nil,
			"completed_at":             nil,
			"next_retry_at":            nil,
			"is_success":               nil,
			"install_duration_seconds": nil,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retry task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, s.transitionError(ctx, id, "", "retry")
	}

	task, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.events.PublishTaskEvent(EventRetried, task)
	return task, nil
}

// RetryDue re-queues every due retry candidate and returns how many were re-queued
func (s *Store) RetryDue(ctx context.Context) (int, error) {
	tasks, err := s.RetryCandidates(ctx)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, t := range tasks {
		if _, err := s.Retry(ctx, t.ID); err != nil {
			s.logger.Warnf("Failed to retry task %d: %v", t.ID, err)
			continue
		}
		retried++
	}
	if retried > 0 {
		s.logger.Infof("Re-queued %d failed tasks", retried)
	}
	return retried, nil
}

// Cancel stops a queued, in-progress or still retryable failed task
func (s *Store) Cancel(ctx context.Context, id int) (*model.DeploymentTask, error) {
	result := s.db.WithContext(ctx).Model(&model.DeploymentTask{}).
		Where("id = ?", id).
		Where("(status IN ? OR (status = ? AND non_retryable = ? AND retry_count < max_retries))",
			[]model.TaskStatus{model.TaskStatusQueued, model.TaskStatusInProgress},
			model.TaskStatusFailed, false).
		Updates(map[string]interface{}{
			"status":        model.TaskStatusCancelled,
			"completed_at":  s.now(),
			"next_retry_at": nil,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to cancel task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, s.transitionError(ctx, id, "", "cancel")
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.events.PublishTaskEvent(EventCancelled, task)
	return task, nil
}

// ListFilter narrows List results
type ListFilter struct {
	MachineID string
	AppCode   string
	Status    model.TaskStatus
	Page      int
	PageSize  int
}

// List returns one page of tasks, newest first, and the total match count
func (s *Store) List(ctx context.Context, f ListFilter) ([]model.DeploymentTask, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 500 {
		f.PageSize = 50
	}

	q := s.db.WithContext(ctx).Model(&model.DeploymentTask{})
	if f.MachineID != "" {
		q = q.Where("machine_id = ?", f.MachineID)
	}
	if f.AppCode != "" {
		q = q.Where("app_code = ?", f.AppCode)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	var tasks []model.DeploymentTask
	if err := q.Order("id DESC").Offset((f.Page - 1) * f.PageSize).Limit(f.PageSize).Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, total, nil
}

// Statistics aggregates the task table
type Statistics struct {
	Total                         int64   `json:"total"`
	Queued                        int64   `json:"queued"`
	InProgress                    int64   `json:"inProgress"`
	Completed                     int64   `json:"completed"`
	Failed                        int64   `json:"failed"`
	Cancelled                     int64   `json:"cancelled"`
	SuccessRate                   float64 `json:"successRate"`
	AverageInstallDurationSeconds float64 `json:"averageInstallDurationSeconds"`
}

// Statistics counts tasks by status. successRate = completed / (completed + failed).
func (s *Store) Statistics(ctx context.Context) (*Statistics, error) {
	var rows []struct {
		Status model.TaskStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&model.DeploymentTask{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	stats := &Statistics{}
	for _, r := range rows {
		stats.Total += r.Count
		switch r.Status {
		case model.TaskStatusQueued:
			stats.Queued = r.Count
		case model.TaskStatusInProgress:
			stats.InProgress = r.Count
		case model.TaskStatusCompleted:
			stats.Completed = r.Count
		case model.TaskStatusFailed:
			stats.Failed = r.Count
		case model.TaskStatusCancelled:
			stats.Cancelled = r.Count
		}
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}

	var avg sql.NullFloat64
	err = s.db.WithContext(ctx).Model(&model.DeploymentTask{}).
		Select("AVG(install_duration_seconds)").
		Where("status = ? AND install_duration_seconds IS NOT NULL", model.TaskStatusCompleted).
		Scan(&avg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to average durations: %w", err)
	}
	if avg.Valid {
		stats.AverageInstallDurationSeconds = avg.Float64
	}
	return stats, nil
}

func (s *Store) transitionError(ctx context.Context, id int, machineID, op string) error {
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if machineID != "" && task.MachineID != machineID {
		return fmt.Errorf("%w: task %d belongs to %s", ErrNotOwner, id, task.MachineID)
	}
	return fmt.Errorf("%w: cannot %s task %d in status %s", ErrInvalidTransition, op, id, task.Status)
}
