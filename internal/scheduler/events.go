package scheduler

import "go_fleet/internal/model"

// Task event names
const (
	EventQueued    = "task.queued"
	EventStarted   = "task.started"
	EventProgress  = "task.progress"
	EventCompleted = "task.completed"
	EventFailed    = "task.failed"
	EventRetried   = "task.retried"
	EventCancelled = "task.cancelled"
)

// EventPublisher receives task transitions. Implementations must not block.
type EventPublisher interface {
	PublishTaskEvent(event string, task *model.DeploymentTask)
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) PublishTaskEvent(string, *model.DeploymentTask) {}
