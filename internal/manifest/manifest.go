package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidManifest is returned by Validate for any contract violation.
var ErrInvalidManifest = errors.New("invalid manifest")

// UpdateType selects which packages an update delivers
type UpdateType string

const (
	UpdateTypeBinary UpdateType = "binary"
	UpdateTypeConfig UpdateType = "config"
	UpdateTypeBoth   UpdateType = "both"
)

// MergeStrategy selects how an incoming config package is applied to the local config directory
type MergeStrategy string

const (
	StrategyReplaceAll    MergeStrategy = "ReplaceAll"
	StrategyPreserveLocal MergeStrategy = "PreserveLocal"
	StrategySelective     MergeStrategy = "Selective"
	StrategyMerge         MergeStrategy = "Merge"
)

// UpdatePolicy is the per-file behaviour of a Selective/Merge config update
type UpdatePolicy string

const (
	PolicyReplace  UpdatePolicy = "replace"
	PolicyPreserve UpdatePolicy = "preserve"
	PolicyMerge    UpdatePolicy = "merge"
)

// Priority decides which document wins a merge
type Priority string

const (
	PriorityServer Priority = "server"
	PriorityLocal  Priority = "local"
)

// ConfigFilePolicy describes how a single config file is updated
type ConfigFilePolicy struct {
	Name         string       `json:"name"`
	UpdatePolicy UpdatePolicy `json:"updatePolicy"`
	Priority     Priority     `json:"priority,omitempty"`
}

// EffectivePriority returns the declared priority, defaulting to server.
func (p ConfigFilePolicy) EffectivePriority() Priority {
	if p.Priority == "" {
		return PriorityServer
	}
	return p.Priority
}

// Manifest describes one installable version of an application
type Manifest struct {
	AppCode            string             `json:"appCode"`
	AppName            string             `json:"appName,omitempty"`
	BinaryVersion      string             `json:"binaryVersion"`
	BinaryPackageName  string             `json:"binaryPackageName"`
	BinaryPackageHash  string             `json:"binaryPackageHash,omitempty"`
	ConfigVersion      string             `json:"configVersion,omitempty"`
	ConfigPackageName  string             `json:"configPackageName,omitempty"`
	ConfigPackageHash  string             `json:"configPackageHash,omitempty"`
	MergeStrategy      MergeStrategy      `json:"mergeStrategy"`
	UpdateType         UpdateType         `json:"updateType"`
	ForceUpdate        bool               `json:"forceUpdate"`
	Executable         string             `json:"executable,omitempty"`
	ConfigFilePolicies []ConfigFilePolicy `json:"configFilePolicies"`
}

// HasConfigPackage reports whether the manifest ships a config package
func (m *Manifest) HasConfigPackage() bool {
	return m.ConfigPackageName != ""
}

// WantsBinary reports whether an update of this manifest delivers the binary package
func (m *Manifest) WantsBinary() bool {
	return m.UpdateType == UpdateTypeBinary || m.UpdateType == UpdateTypeBoth
}

// WantsConfig reports whether an update of this manifest delivers the config package
func (m *Manifest) WantsConfig() bool {
	return m.UpdateType != UpdateTypeBinary && m.HasConfigPackage()
}

// ValidStrategy reports whether s is one of the four known merge strategies
func ValidStrategy(s MergeStrategy) bool {
	switch s {
	case StrategyReplaceAll, StrategyPreserveLocal, StrategySelective, StrategyMerge:
		return true
	}
	return false
}

// Validate checks the manifest contract. Unknown merge strategies are rejected here,
// at ingestion time, instead of being silently downgraded on the client.
func (m *Manifest) Validate() error {
	return m.ValidateWith(false)
}

// ValidateWith is Validate with an opt-in to accept unknown merge strategies, for
// clients running with the compatibility flag that degrades them to PreserveLocal.
func (m *Manifest) ValidateWith(allowUnknownStrategy bool) error {
	if strings.TrimSpace(m.AppCode) == "" {
		return fmt.Errorf("%w: appCode is required", ErrInvalidManifest)
	}

	switch m.UpdateType {
	case UpdateTypeBinary, UpdateTypeBoth:
		if m.BinaryPackageName == "" || m.BinaryVersion == "" {
			return fmt.Errorf("%w: updateType %q requires binaryPackageName and binaryVersion", ErrInvalidManifest, m.UpdateType)
		}
	case UpdateTypeConfig:
	default:
		return fmt.Errorf("%w: unknown updateType %q", ErrInvalidManifest, m.UpdateType)
	}

	if m.UpdateType == UpdateTypeConfig && !m.HasConfigPackage() {
		return fmt.Errorf("%w: updateType config requires configPackageName", ErrInvalidManifest)
	}

	if m.HasConfigPackage() && !allowUnknownStrategy && !ValidStrategy(m.MergeStrategy) {
		return fmt.Errorf("%w: unknown mergeStrategy %q", ErrInvalidManifest, m.MergeStrategy)
	}

	for i, p := range m.ConfigFilePolicies {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: configFilePolicies[%d] has no name", ErrInvalidManifest, i)
		}
		switch p.UpdatePolicy {
		case PolicyReplace, PolicyPreserve, PolicyMerge:
		default:
			return fmt.Errorf("%w: configFilePolicies[%d] has unknown updatePolicy %q", ErrInvalidManifest, i, p.UpdatePolicy)
		}
		switch p.Priority {
		case "", PriorityServer, PriorityLocal:
		default:
			return fmt.Errorf("%w: configFilePolicies[%d] has unknown priority %q", ErrInvalidManifest, i, p.Priority)
		}
	}

	return nil
}
