package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout resolves the on-disk paths of installed applications:
//
//	{root}/{app}/App/            binary package contents
//	{root}/{app}/App/version.txt current binary version
//	{root}/{app}/Config/         configuration files
//	{root}/{app}/manifest.json   last committed manifest
//	{root}/{app}/.update_failed  quarantine marker
//	{root}/.staging/             per-attempt staging directories
//	{root}/.backups/             per-attempt backups
//	{root}/.machine_id           machine id derived on first start
type Layout struct {
	Root string
}

// ValidAppCode reports whether code can be used as a directory name under the root
func ValidAppCode(code string) bool {
	return code != "" && !strings.HasPrefix(code, ".") && filepath.IsLocal(code) && filepath.Base(code) == code
}

// AppDir returns the per-application directory
func (l Layout) AppDir(app string) string {
	return filepath.Join(l.Root, app)
}

// BinDir returns the binary directory of an application
func (l Layout) BinDir(app string) string {
	return filepath.Join(l.AppDir(app), "App")
}

// ConfigDir returns the configuration directory of an application
func (l Layout) ConfigDir(app string) string {
	return filepath.Join(l.AppDir(app), "Config")
}

// VersionPath returns the binary version record of an application
func (l Layout) VersionPath(app string) string {
	return filepath.Join(l.BinDir(app), "version.txt")
}

// ManifestPath returns the persisted manifest of an application
func (l Layout) ManifestPath(app string) string {
	return filepath.Join(l.AppDir(app), "manifest.json")
}

// MarkerPath returns the quarantine marker of an application
func (l Layout) MarkerPath(app string) string {
	return filepath.Join(l.AppDir(app), ".update_failed")
}

// StagingRoot returns the parent of all staging directories
func (l Layout) StagingRoot() string {
	return filepath.Join(l.Root, ".staging")
}

// BackupRoot returns the parent of all backup directories
func (l Layout) BackupRoot() string {
	return filepath.Join(l.Root, ".backups")
}

// MachineIDPath returns the file holding the persisted machine id
func (l Layout) MachineIDPath() string {
	return filepath.Join(l.Root, ".machine_id")
}

// EnsureDirectories creates the root, staging and backup directories
func (l Layout) EnsureDirectories() error {
	for _, dir := range []string{l.Root, l.StagingRoot(), l.BackupRoot()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
