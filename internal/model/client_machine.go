package model

import (
	"time"

	"gorm.io/datatypes"
)

// MachineStatus represents client machine status
type MachineStatus string

const (
	MachineStatusOnline  MachineStatus = "online"
	MachineStatusOffline MachineStatus = "offline"
	MachineStatusBusy    MachineStatus = "busy"
)

// ClientMachine is a registered fleet endpoint
type ClientMachine struct {
	BaseModel
	MachineID     string         `gorm:"type:varchar(128);uniqueIndex;not null" json:"machineId"`
	MachineName   string         `gorm:"type:varchar(128)" json:"machineName"`
	IPAddress     string         `gorm:"type:varchar(64)" json:"ipAddress"`
	Hostname      string         `gorm:"type:varchar(255)" json:"hostname"`
	OSVersion     string         `gorm:"type:varchar(128)" json:"osVersion"`
	Arch          string         `gorm:"type:varchar(32)" json:"arch"`
	CPUCores      int            `json:"cpuCores"`
	MemoryBytes   int64          `json:"memoryBytes"`
	Status        MachineStatus  `gorm:"type:varchar(16);not null;default:'offline';index" json:"status"`
	LastHeartbeat *time.Time     `gorm:"index" json:"lastHeartbeat,omitempty"`
	RegisteredAt  time.Time      `json:"registeredAt"`
	InstalledApps datatypes.JSON `json:"installedApps"`
	ClientVersion string         `gorm:"type:varchar(64)" json:"clientVersion"`
	Online        bool           `gorm:"-" json:"online"`
}

// TableName specifies the table name for ClientMachine
func (ClientMachine) TableName() string {
	return "client_machines"
}
