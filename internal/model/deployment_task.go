package model

import "time"

// TaskStatus is the state of a deployment task
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition except retry/cancel is expected
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// DeploymentTask delivers one application version to one machine. Rows are never
// deleted; they are the audit trail of a delivery attempt.
type DeploymentTask struct {
	BaseModel
	MachineID              string     `gorm:"type:varchar(128);not null;index:idx_task_machine_status,priority:1" json:"machineId"`
	DeploymentHistoryID    int        `gorm:"index" json:"deploymentHistoryId"`
	AppCode                string     `gorm:"type:varchar(64);not null;index" json:"appCode"`
	AppName                string     `gorm:"type:varchar(128)" json:"appName"`
	Version                string     `gorm:"type:varchar(64);not null" json:"version"`
	Status                 TaskStatus `gorm:"type:varchar(32);not null;default:'queued';index:idx_task_machine_status,priority:2" json:"status"`
	Priority               int        `gorm:"not null;default:0" json:"priority"`
	ProgressPercentage     int        `gorm:"not null;default:0" json:"progressPercentage"`
	CurrentStep            string     `gorm:"type:varchar(255)" json:"currentStep"`
	ScheduledFor           *time.Time `json:"scheduledFor,omitempty"`
	StartedAt              *time.Time `json:"startedAt,omitempty"`
	CompletedAt            *time.Time `json:"completedAt,omitempty"`
	IsSuccess              *bool      `json:"isSuccess,omitempty"`
	ErrorMessage           string     `gorm:"type:text" json:"errorMessage,omitempty"`
	ErrorStack             string     `gorm:"type:text" json:"errorStack,omitempty"`
	RetryCount             int        `gorm:"not null;default:0" json:"retryCount"`
	MaxRetries             int        `gorm:"not null;default:3" json:"maxRetries"`
	NextRetryAt            *time.Time `gorm:"index" json:"nextRetryAt,omitempty"`
	NonRetryable           bool       `gorm:"not null;default:false" json:"nonRetryable"`
	DownloadSizeBytes      int64      `gorm:"not null;default:0" json:"downloadSizeBytes"`
	InstallDurationSeconds *float64   `json:"installDurationSeconds,omitempty"`
}

// TableName specifies the table name for DeploymentTask
func (DeploymentTask) TableName() string {
	return "deployment_tasks"
}

// Retryable reports whether a failed task may still be retried
func (t *DeploymentTask) Retryable() bool {
	return t.Status == TaskStatusFailed && !t.NonRetryable && t.RetryCount < t.MaxRetries
}
