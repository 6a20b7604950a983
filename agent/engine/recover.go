package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go_fleet/agent/config"
	"go_fleet/internal/dto"
	"go_fleet/internal/fsutil"
)

// commitIntent is written into the backup when Commit starts touching the live
// install. It holds the target version for Recover.
const commitIntent = ".commit"

// Recover reclaims what interrupted update attempts left behind. It must run before
// any update starts: every staging directory is removed, and every backup is either
// deleted or, when the live install it belongs to was left half swapped, restored and
// the application quarantined. It returns the applications that were restored.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	if err := e.layout.EnsureDirectories(); err != nil {
		return nil, err
	}

	staged, err := os.ReadDir(e.layout.StagingRoot())
	if err != nil {
		return nil, fmt.Errorf("failed to read staging root: %w", err)
	}
	for _, entry := range staged {
		e.removeAll(filepath.Join(e.layout.StagingRoot(), entry.Name()))
	}
	if len(staged) > 0 {
		e.logger.Infof("Removed %d stale staging directories", len(staged))
	}

	entries, err := os.ReadDir(e.layout.BackupRoot())
	if err != nil {
		return nil, fmt.Errorf("failed to read backup root: %w", err)
	}
	backups := map[string][]string{}
	for _, entry := range entries {
		path := filepath.Join(e.layout.BackupRoot(), entry.Name())
		app, ok := backupApp(entry.Name())
		if !entry.IsDir() || !ok {
			e.removeAll(path)
			continue
		}
		backups[app] = append(backups[app], path)
	}

	var restored []string
	var errs []error
	for app, paths := range backups {
		// names carry the attempt timestamp, the newest sorts last
		sort.Strings(paths)
		newest := paths[len(paths)-1]

		if e.damaged(app, newest) {
			if err := e.restore(ctx, app, newest); err != nil {
				errs = append(errs, err)
				continue
			}
			restored = append(restored, app)
		}
		for _, path := range paths {
			e.removeAll(path)
		}
		e.logger.Infof("Removed %d stale backups of %s", len(paths), app)
	}
	sort.Strings(restored)
	return restored, errors.Join(errs...)
}

// damaged reports whether the live install lacks a component its backup has, which
// happens when the process stopped between removing a live component and moving the
// staged one in, or before the version record was rewritten
func (e *Engine) damaged(app, backup string) bool {
	appDir := e.layout.AppDir(app)
	for _, comp := range []string{"App", "Config"} {
		if fsutil.Exists(filepath.Join(backup, comp)) && !fsutil.Exists(filepath.Join(appDir, comp)) {
			return true
		}
	}
	rel, _ := filepath.Rel(appDir, e.layout.VersionPath(app))
	return fsutil.IsFile(filepath.Join(backup, rel)) && !fsutil.IsFile(e.layout.VersionPath(app))
}

func (e *Engine) restore(ctx context.Context, app, backup string) error {
	appDir := e.layout.AppDir(app)
	failed := "unknown"
	if data, err := os.ReadFile(filepath.Join(backup, commitIntent)); err == nil {
		failed = strings.TrimSpace(string(data))
	}

	if err := os.RemoveAll(appDir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", app, err)
	}
	if err := fsutil.CopyDir(backup, appDir); err != nil {
		return fmt.Errorf("failed to restore %s from %s: %w", app, backup, err)
	}
	os.Remove(filepath.Join(appDir, commitIntent))

	cause := "update interrupted before commit completed, restored from backup"
	if err := e.writeMarker(app, FailureMarker{
		FailedVersion: failed,
		Timestamp:     e.now(),
		ErrorType:     dto.ActionUpdateCommitFailed,
		Error:         cause,
	}); err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", app, err)
	}

	version, _ := e.LocalVersion(app)
	e.logger.Warnf("Restored %s %s from %s and quarantined %s", app, version, backup, failed)
	e.report(ctx, dto.ActionUpdateCommitFailed, Result{
		AppCode:      app,
		Version:      version,
		OldVersion:   version,
		Message:      "update interrupted",
		ErrorDetails: cause,
	})
	return nil
}

// backupApp extracts the application code from a {app}-{timestamp}-{id} backup name
func backupApp(name string) (string, bool) {
	i := strings.LastIndex(name, "-")
	if i <= 0 {
		return "", false
	}
	j := strings.LastIndex(name[:i], "-")
	if j <= 0 {
		return "", false
	}
	app := name[:j]
	return app, config.ValidAppCode(app)
}
