package model

import "gorm.io/datatypes"

// AppRelease is one published manifest. A release is identified by its app, update
// type and the binary and config versions it delivers; PublishSeq orders releases of
// an app by publish time.
type AppRelease struct {
	BaseModel
	AppCode           string         `gorm:"type:varchar(64);not null;uniqueIndex:uk_release_identity,priority:1;index:idx_release_seq,priority:1" json:"appCode"`
	AppName           string         `gorm:"type:varchar(128)" json:"appName"`
	BinaryVersion     string         `gorm:"type:varchar(64);not null;default:'';uniqueIndex:uk_release_identity,priority:3" json:"binaryVersion"`
	BinaryPackageName string         `gorm:"type:varchar(255)" json:"binaryPackageName"`
	BinaryPackageHash string         `gorm:"type:varchar(128)" json:"binaryPackageHash"`
	ConfigVersion     string         `gorm:"type:varchar(64);not null;default:'';uniqueIndex:uk_release_identity,priority:4" json:"configVersion"`
	ConfigPackageName string         `gorm:"type:varchar(255)" json:"configPackageName"`
	ConfigPackageHash string         `gorm:"type:varchar(128)" json:"configPackageHash"`
	MergeStrategy     string         `gorm:"type:varchar(32)" json:"mergeStrategy"`
	UpdateType        string         `gorm:"type:varchar(16);not null;uniqueIndex:uk_release_identity,priority:2" json:"updateType"`
	ForceUpdate       bool           `gorm:"not null;default:false" json:"forceUpdate"`
	Executable        string         `gorm:"type:varchar(255)" json:"executable"`
	FilePolicies      datatypes.JSON `json:"filePolicies"`
	PublishSeq        int64          `gorm:"not null;default:0;index:idx_release_seq,priority:2" json:"publishSeq"`
}

// TableName specifies the table name for AppRelease
func (AppRelease) TableName() string {
	return "app_releases"
}
