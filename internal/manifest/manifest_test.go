package manifest

import (
	"errors"
	"testing"
)

func validManifest() Manifest {
	return Manifest{
		AppCode:           "X",
		BinaryVersion:     "1.0",
		BinaryPackageName: "x-1.0.zip",
		ConfigVersion:     "1.0",
		ConfigPackageName: "x-config-1.0.zip",
		MergeStrategy:     StrategySelective,
		UpdateType:        UpdateTypeBoth,
		ConfigFilePolicies: []ConfigFilePolicy{
			{Name: "app.json", UpdatePolicy: PolicyMerge, Priority: PriorityLocal},
			{Name: "logging.yaml", UpdatePolicy: PolicyReplace},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *Manifest)
		wantErr bool
	}{
		{"valid", func(m *Manifest) {}, false},
		{"missing app code", func(m *Manifest) { m.AppCode = "" }, true},
		{"unknown update type", func(m *Manifest) { m.UpdateType = "everything" }, true},
		{"binary without package", func(m *Manifest) { m.UpdateType = UpdateTypeBinary; m.BinaryPackageName = "" }, true},
		{"config without config package", func(m *Manifest) {
			m.UpdateType = UpdateTypeConfig
			m.ConfigPackageName = ""
		}, true},
		{"config only without binary", func(m *Manifest) {
			m.UpdateType = UpdateTypeConfig
			m.BinaryPackageName = ""
			m.BinaryVersion = ""
		}, false},
		{"unknown strategy", func(m *Manifest) { m.MergeStrategy = "Smart" }, true},
		{"unknown strategy without config package", func(m *Manifest) {
			m.MergeStrategy = "Smart"
			m.ConfigPackageName = ""
			m.UpdateType = UpdateTypeBinary
		}, false},
		{"policy without name", func(m *Manifest) { m.ConfigFilePolicies[0].Name = " " }, true},
		{"policy with bad update policy", func(m *Manifest) { m.ConfigFilePolicies[0].UpdatePolicy = "append" }, true},
		{"policy with bad priority", func(m *Manifest) { m.ConfigFilePolicies[0].Priority = "user" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidManifest) {
					t.Errorf("Validate() = %v, want ErrInvalidManifest", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestWantsConfig(t *testing.T) {
	m := validManifest()
	m.UpdateType = UpdateTypeBinary
	if m.WantsConfig() {
		t.Error("binary update should not deliver config")
	}
	m.UpdateType = UpdateTypeBoth
	if !m.WantsConfig() || !m.WantsBinary() {
		t.Error("both update should deliver binary and config")
	}
	m.UpdateType = UpdateTypeConfig
	if m.WantsBinary() {
		t.Error("config update should not deliver binary")
	}
}

func TestEffectivePriority(t *testing.T) {
	if got := (ConfigFilePolicy{Name: "a"}).EffectivePriority(); got != PriorityServer {
		t.Errorf("EffectivePriority() = %s, want server", got)
	}
	if got := (ConfigFilePolicy{Name: "a", Priority: PriorityLocal}).EffectivePriority(); got != PriorityLocal {
		t.Errorf("EffectivePriority() = %s, want local", got)
	}
}

func TestValidateWith_UnknownStrategy(t *testing.T) {
	m := validManifest()
	m.MergeStrategy = "Overwrite"
	if err := m.Validate(); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("Validate() = %v, want ErrInvalidManifest", err)
	}
	if err := m.ValidateWith(true); err != nil {
		t.Errorf("ValidateWith(true) unexpected error: %v", err)
	}
}
