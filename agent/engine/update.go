package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"go_fleet/agent/config"
	"go_fleet/internal/dto"
	"go_fleet/internal/fsutil"
	"go_fleet/internal/manifest"
)

// ErrVerificationFailed is wrapped by Verify errors
var ErrVerificationFailed = errors.New("staged payload verification failed")

// Staged is an update unpacked next to the live install, waiting for Verify and
// then Commit or Rollback
type Staged struct {
	AppCode          string
	Manifest         *manifest.Manifest
	StagingDir       string
	BackupDir        string
	OldVersion       string
	OldConfigVersion string
	// Binary and Config report which live components the commit replaces
	Binary            bool
	Config            bool
	DownloadSizeBytes int64

	started time.Time
}

// BinDir returns the staged binary directory
func (s *Staged) BinDir() string {
	return filepath.Join(s.StagingDir, "App")
}

// ConfigDir returns the staged configuration directory
func (s *Staged) ConfigDir() string {
	return filepath.Join(s.StagingDir, "Config")
}

// TargetVersion is the version the update installs: the binary version, or the
// config version of a config-only update
func (s *Staged) TargetVersion() string {
	if s.Binary {
		return s.Manifest.BinaryVersion
	}
	return s.Manifest.ConfigVersion
}

// Update stages app at version (latest when empty). The live install is not touched:
// the returned Staged must be passed to Commit after Verify succeeds, or to Rollback
// or Discard otherwise. A nil Staged with a successful Result means nothing to do.
//
// A quarantined application is refused before any request is sent to the server.
func (e *Engine) Update(ctx context.Context, app, version string) (*Staged, Result) {
	start := e.now()
	finish := func(res Result) Result {
		res.Duration = e.now().Sub(start)
		return res
	}

	if !config.ValidAppCode(app) {
		res := failure(app, "update failed", ErrInvalidAppCode)
		res.NonRetryable = true
		return nil, finish(res)
	}
	old, err := e.LocalVersion(app)
	if err != nil {
		return nil, finish(failure(app, "update failed", err))
	}

	marker, err := e.HasUpdateFailedBefore(app)
	if err != nil {
		return nil, finish(failure(app, "failed to read quarantine marker", err))
	}
	if marker != nil {
		e.logger.Warnf("Refusing update of %s: version %s was rolled back at %s (%s)",
			app, marker.FailedVersion, marker.Timestamp.Format(time.RFC3339), marker.ErrorType)
		res := failure(app, ErrQuarantined.Error(),
			fmt.Errorf("version %s failed with %s: %s", marker.FailedVersion, marker.ErrorType, marker.Error))
		res.Version = old
		res.NonRetryable = true
		res.Quarantined = true
		return nil, finish(res)
	}

	m, err := e.server.FetchManifest(ctx, app, version)
	if err != nil {
		res := failure(app, "failed to fetch manifest", err)
		res.Version = old
		return nil, finish(res)
	}
	if err := m.ValidateWith(e.configs.AllowUnknownStrategy); err != nil {
		res := failure(app, "manifest rejected", err)
		res.Version = old
		res.NonRetryable = true
		return nil, finish(res)
	}

	oldConfig := e.LocalConfigVersion(app)
	binary := m.WantsBinary()
	cfg := m.WantsConfig()
	if !m.ForceUpdate && (!binary || m.BinaryVersion == old) && (!cfg || m.ConfigVersion == oldConfig) {
		return nil, finish(Result{
			Success:    true,
			Message:    fmt.Sprintf("%s is already up to date", app),
			AppCode:    app,
			Version:    old,
			OldVersion: old,
		})
	}

	s, err := e.backupAndPrepare(app, start)
	if err != nil {
		res := failure(app, "failed to prepare update", err)
		res.Version = old
		res = finish(res)
		e.report(ctx, dto.ActionUpdate, res)
		return nil, res
	}
	s.Manifest = m
	s.OldVersion = old
	s.OldConfigVersion = oldConfig
	s.Binary = binary
	s.Config = cfg

	if err := e.stage(ctx, s); err != nil {
		e.Discard(s)
		res := failure(app, "failed to stage update", err)
		res.Version = old
		res.OldVersion = old
		res.DownloadSizeBytes = s.DownloadSizeBytes
		res = finish(res)
		e.report(ctx, dto.ActionUpdate, res)
		return nil, res
	}

	e.logger.Infof("Staged %s %s -> %s in %s", app, old, s.TargetVersion(), s.StagingDir)
	return s, finish(Result{
		Success:           true,
		Message:           fmt.Sprintf("staged %s %s", app, s.TargetVersion()),
		AppCode:           app,
		Version:           s.TargetVersion(),
		OldVersion:        old,
		DownloadSizeBytes: s.DownloadSizeBytes,
	})
}

// backupAndPrepare copies the live install into a fresh backup directory and creates
// the staging directory. Both names are unique per attempt.
func (e *Engine) backupAndPrepare(app string, start time.Time) (*Staged, error) {
	if err := e.layout.EnsureDirectories(); err != nil {
		return nil, err
	}

	backup := filepath.Join(e.layout.BackupRoot(),
		fmt.Sprintf("%s-%s-%s", app, start.Format("20060102150405"), uuid.NewString()[:8]))
	if err := fsutil.CopyDir(e.layout.AppDir(app), backup); err != nil {
		e.removeAll(backup)
		return nil, fmt.Errorf("failed to back up %s: %w", app, err)
	}
	// the marker belongs to the live install, never to a backup
	os.Remove(filepath.Join(backup, filepath.Base(e.layout.MarkerPath(app))))

	if size, err := fsutil.DirSize(backup); err == nil {
		e.logger.Debugf("Backed up %s to %s (%d bytes)", app, backup, size)
	}

	staging, err := os.MkdirTemp(e.layout.StagingRoot(), app+"-")
	if err != nil {
		e.removeAll(backup)
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &Staged{AppCode: app, StagingDir: staging, BackupDir: backup, started: start}, nil
}

// stage downloads the packages into the staging directory and runs the config engine
// on a copy of the live configuration
func (e *Engine) stage(ctx context.Context, s *Staged) error {
	var res Result
	defer func() { s.DownloadSizeBytes = res.DownloadSizeBytes }()

	if s.Binary {
		if err := e.unpack(ctx, s.AppCode, s.Manifest.BinaryPackageName, s.Manifest.BinaryPackageHash, s.StagingDir, s.BinDir(), &res); err != nil {
			return fmt.Errorf("binary package: %w", err)
		}
	}

	if s.Config {
		if err := os.MkdirAll(s.ConfigDir(), 0755); err != nil {
			return err
		}
		if live := e.layout.ConfigDir(s.AppCode); fsutil.Exists(live) {
			if err := fsutil.CopyDir(live, s.ConfigDir()); err != nil {
				return fmt.Errorf("failed to copy live config: %w", err)
			}
		}

		incoming := filepath.Join(s.StagingDir, ".incoming-config")
		if err := e.unpack(ctx, s.AppCode, s.Manifest.ConfigPackageName, s.Manifest.ConfigPackageHash, s.StagingDir, incoming, &res); err != nil {
			return fmt.Errorf("config package: %w", err)
		}
		if err := e.configs.Apply(s.ConfigDir(), incoming, s.Manifest.MergeStrategy, s.Manifest.ConfigFilePolicies); err != nil {
			return fmt.Errorf("failed to apply config update: %w", err)
		}
		e.removeAll(incoming)
	}
	return nil
}

// Verify is the gate between staging and commit. The binary directory that will be
// live after the commit must contain the manifest's executable, or any executable
// file when the manifest names none.
func (e *Engine) Verify(s *Staged) error {
	dir := e.layout.BinDir(s.AppCode)
	if s.Binary {
		dir = s.BinDir()
	}

	if exe := s.Manifest.Executable; exe != "" {
		rel := filepath.FromSlash(exe)
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("%w: executable path %q is not inside the install", ErrVerificationFailed, exe)
		}
		if !fsutil.IsFile(filepath.Join(dir, rel)) {
			return fmt.Errorf("%w: executable %s not found", ErrVerificationFailed, exe)
		}
		return nil
	}

	found := false
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if found || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode().Perm()&0111 != 0 || strings.EqualFold(filepath.Ext(path), ".exe") {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if !found {
		return fmt.Errorf("%w: no executable found", ErrVerificationFailed)
	}
	return nil
}

// Commit swaps the staged components into the live install, records the new version
// and manifest, clears the quarantine marker and removes the backup. Any failure
// rolls the install back automatically.
func (e *Engine) Commit(ctx context.Context, s *Staged) Result {
	appDir := e.layout.AppDir(s.AppCode)

	var components []string
	if s.Binary {
		components = append(components, "App")
	}
	if s.Config {
		components = append(components, "Config")
	}
	if err := fsutil.WriteFile(filepath.Join(s.BackupDir, commitIntent), []byte(s.TargetVersion()), 0644); err != nil {
		return e.rollback(ctx, s, fmt.Errorf("failed to record commit intent: %w", err), dto.ActionUpdateCommitFailed)
	}
	for _, comp := range components {
		live := filepath.Join(appDir, comp)
		if err := os.RemoveAll(live); err != nil {
			return e.rollback(ctx, s, fmt.Errorf("failed to remove live %s: %w", comp, err), dto.ActionUpdateCommitFailed)
		}
		if err := e.rename(filepath.Join(s.StagingDir, comp), live); err != nil {
			return e.rollback(ctx, s, fmt.Errorf("failed to move staged %s: %w", comp, err), dto.ActionUpdateCommitFailed)
		}
	}

	version := s.OldVersion
	persisted := *s.Manifest
	if s.Binary {
		version = s.Manifest.BinaryVersion
	} else {
		persisted.BinaryVersion = s.OldVersion
	}
	if !s.Config {
		persisted.ConfigVersion = s.OldConfigVersion
	}
	if err := e.writeLocalState(s.AppCode, version, &persisted); err != nil {
		return e.rollback(ctx, s, err, dto.ActionUpdateCommitFailed)
	}

	if err := e.ClearQuarantine(s.AppCode); err != nil {
		e.logger.Warnf("Failed to clear quarantine of %s: %v", s.AppCode, err)
	}
	e.Discard(s)

	res := Result{
		Success:           true,
		Message:           fmt.Sprintf("updated %s from %s to %s", s.AppCode, s.OldVersion, s.TargetVersion()),
		AppCode:           s.AppCode,
		Version:           version,
		OldVersion:        s.OldVersion,
		DownloadSizeBytes: s.DownloadSizeBytes,
		Duration:          e.now().Sub(s.started),
	}
	e.logger.Info(res.Message)
	e.report(ctx, dto.ActionUpdate, res)
	return res
}

// Rollback restores the live install from the backup and quarantines the target
// version. Used when verification rejects the staged payload.
func (e *Engine) Rollback(ctx context.Context, s *Staged, cause error) Result {
	return e.rollback(ctx, s, cause, dto.ActionUpdateRollback)
}

func (e *Engine) rollback(ctx context.Context, s *Staged, cause error, action string) Result {
	app := s.AppCode
	appDir := e.layout.AppDir(app)
	if cause == nil {
		cause = errors.New("rolled back by caller")
	}

	res := Result{
		AppCode:           app,
		Version:           s.OldVersion,
		OldVersion:        s.OldVersion,
		ErrorDetails:      cause.Error(),
		DownloadSizeBytes: s.DownloadSizeBytes,
		NonRetryable:      true,
	}

	restoreErr := os.RemoveAll(appDir)
	if restoreErr == nil {
		restoreErr = fsutil.CopyDir(s.BackupDir, appDir)
	}
	if restoreErr == nil {
		os.Remove(filepath.Join(appDir, commitIntent))
	}

	marker := FailureMarker{
		FailedVersion: s.TargetVersion(),
		Timestamp:     e.now(),
		ErrorType:     action,
		Error:         cause.Error(),
	}
	if err := e.writeMarker(app, marker); err != nil {
		e.logger.Errorf("Failed to write quarantine marker for %s: %v", app, err)
	}

	if restoreErr != nil {
		// keep the backup for manual recovery
		e.removeAll(s.StagingDir)
		e.logger.Errorf("Rollback of %s failed, backup kept at %s: %v", app, s.BackupDir, restoreErr)
		res.Message = fmt.Sprintf("rollback of %s failed; backup kept at %s", app, s.BackupDir)
		res.ErrorDetails = fmt.Sprintf("%v (restore: %v)", cause, restoreErr)
	} else {
		e.Discard(s)
		res.Message = fmt.Sprintf("update of %s to %s rolled back to %s", app, s.TargetVersion(), s.OldVersion)
		e.logger.Warnf("%s: %v", res.Message, cause)
	}

	res.Duration = e.now().Sub(s.started)
	e.report(ctx, action, res)
	return res
}

// Discard removes the staging and backup directories of an abandoned update
func (e *Engine) Discard(s *Staged) {
	if s == nil {
		return
	}
	e.removeAll(s.StagingDir)
	e.removeAll(s.BackupDir)
}
