package dto

import (
	"time"

	"go_fleet/internal/model"
)

// Installation outcome actions
const (
	ActionInstall            = "Install"
	ActionUpdate             = "Update"
	ActionUpdateRollback     = "UpdateRollback"
	ActionUpdateCommitFailed = "UpdateCommitFailed"
	ActionUpdateBlocked      = "UpdateBlocked"
	ActionUninstall          = "Uninstall"
)

// RegisterMachineRequest is posted by a client on startup and on every registration retry
type RegisterMachineRequest struct {
	MachineID     string   `json:"machineId" binding:"required"`
	MachineName   string   `json:"machineName"`
	IPAddress     string   `json:"ipAddress"`
	Hostname      string   `json:"hostname"`
	OSVersion     string   `json:"osVersion"`
	Arch          string   `json:"arch"`
	CPUCores      int      `json:"cpuCores"`
	MemoryBytes   int64    `json:"memoryBytes"`
	InstalledApps []string `json:"installedApps"`
	ClientVersion string   `json:"clientVersion"`
}

// HeartbeatRequest is the lightweight periodic liveness report
type HeartbeatRequest struct {
	MachineID     string   `json:"machineId" binding:"required"`
	IPAddress     string   `json:"ipAddress,omitempty"`
	InstalledApps []string `json:"installedApps,omitempty"`
	ClientVersion string   `json:"clientVersion,omitempty"`
	// Busy is set while the client is processing a deployment task
	Busy bool `json:"busy"`
}

// TaskDTO is a deployment task as handed to a client
type TaskDTO struct {
	ID                 int        `json:"id"`
	MachineID          string     `json:"machineId"`
	AppCode            string     `json:"appCode"`
	AppName            string     `json:"appName"`
	Version            string     `json:"version"`
	Status             string     `json:"status"`
	Priority           int        `json:"priority"`
	ProgressPercentage int        `json:"progressPercentage"`
	RetryCount         int        `json:"retryCount"`
	ScheduledFor       *time.Time `json:"scheduledFor,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// FromTask converts a stored task into its wire form
func FromTask(t *model.DeploymentTask) TaskDTO {
	return TaskDTO{
		ID:                 t.ID,
		MachineID:          t.MachineID,
		AppCode:            t.AppCode,
		AppName:            t.AppName,
		Version:            t.Version,
		Status:             string(t.Status),
		Priority:           t.Priority,
		ProgressPercentage: t.ProgressPercentage,
		RetryCount:         t.RetryCount,
		ScheduledFor:       t.ScheduledFor,
		CreatedAt:          t.CreatedAt,
	}
}

// TaskStatusReport is posted by a client for one task. Status in_progress carries
// progress; completed/failed carry the outcome. MachineID must own the task.
type TaskStatusReport struct {
	MachineID          string `json:"machineId" binding:"required"`
	Status             string `json:"status" binding:"required"`
	ProgressPercentage int    `json:"progressPercentage"`
	CurrentStep        string `json:"currentStep,omitempty"`
	IsSuccess          *bool  `json:"isSuccess,omitempty"`
	ErrorMessage       string `json:"errorMessage,omitempty"`
	ErrorStack         string `json:"errorStack,omitempty"`
	DownloadSizeBytes  int64  `json:"downloadSizeBytes,omitempty"`
	NonRetryable       bool   `json:"nonRetryable,omitempty"`
}

// InstallationReport is the advisory outcome notification of a client operation
type InstallationReport struct {
	AppCode         string  `json:"appCode" binding:"required"`
	Version         string  `json:"version"`
	OldVersion      string  `json:"oldVersion,omitempty"`
	Action          string  `json:"action" binding:"required"`
	UserName        string  `json:"userName"`
	MachineName     string  `json:"machineName"`
	Success         bool    `json:"success"`
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
}
