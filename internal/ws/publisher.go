package ws

import (
	"go_fleet/internal/dto"
	"go_fleet/internal/model"
)

// Broadcaster is the subset of the Socket.IO server the publisher needs
type Broadcaster interface {
	BroadcastToNamespace(namespace, event string, args ...interface{}) bool
}

// TaskEventPublisher forwards task lifecycle events to connected dashboards.
// Broadcast failures never affect the task transition that produced them.
type TaskEventPublisher struct {
	b Broadcaster
}

// NewTaskEventPublisher creates a publisher on top of b
func NewTaskEventPublisher(b Broadcaster) *TaskEventPublisher {
	return &TaskEventPublisher{b: b}
}

// PublishTaskEvent broadcasts event with the task as payload
func (p *TaskEventPublisher) PublishTaskEvent(event string, task *model.DeploymentTask) {
	if p.b == nil || task == nil {
		return
	}
	p.b.BroadcastToNamespace("/", event, map[string]interface{}{
		"type": event,
		"data": dto.FromTask(task),
	})
}
