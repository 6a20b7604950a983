package model

// InstallationLog stores an advisory install/update outcome reported by a client
type InstallationLog struct {
	BaseModel
	AppCode         string  `gorm:"type:varchar(64);not null;index" json:"appCode"`
	Version         string  `gorm:"type:varchar(64)" json:"version"`
	OldVersion      string  `gorm:"type:varchar(64)" json:"oldVersion,omitempty"`
	Action          string  `gorm:"type:varchar(32);not null" json:"action"`
	UserName        string  `gorm:"type:varchar(128)" json:"userName"`
	MachineName     string  `gorm:"type:varchar(128);index" json:"machineName"`
	Success         bool    `json:"success"`
	Error           string  `gorm:"type:text" json:"error,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// TableName specifies the table name for InstallationLog
func (InstallationLog) TableName() string {
	return "installation_logs"
}
