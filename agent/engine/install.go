package engine

import (
	"context"
	"fmt"
	"os"

	"go_fleet/agent/config"
	"go_fleet/internal/dto"
	"go_fleet/internal/fsutil"
	"go_fleet/internal/manifest"
)

// Install fetches the manifest of app at version (latest when empty) and unpacks its
// packages straight into the live install path. A failed first install removes the
// partial application directory.
func (e *Engine) Install(ctx context.Context, app, version string) Result {
	start := e.now()
	res := e.install(ctx, app, version)
	res.Duration = e.now().Sub(start)

	if res.Success {
		e.logger.Infof("Installed %s %s", app, res.Version)
	} else {
		e.logger.Warnf("Install of %s failed: %s %s", app, res.Message, res.ErrorDetails)
	}
	if config.ValidAppCode(app) {
		e.report(ctx, dto.ActionInstall, res)
	}
	return res
}

func (e *Engine) install(ctx context.Context, app, version string) Result {
	if !config.ValidAppCode(app) {
		res := failure(app, "install failed", ErrInvalidAppCode)
		res.NonRetryable = true
		return res
	}
	if e.IsInstalled(app) {
		res := failure(app, "application already installed", nil)
		res.NonRetryable = true
		return res
	}

	m, err := e.server.FetchManifest(ctx, app, version)
	if err != nil {
		return failure(app, "failed to fetch manifest", err)
	}
	if err := m.Validate(); err != nil {
		res := failure(app, "manifest rejected", err)
		res.NonRetryable = true
		return res
	}
	if !m.WantsBinary() {
		res := failure(app, "manifest rejected", fmt.Errorf("%w: updateType %s has no binary package to install", manifest.ErrInvalidManifest, m.UpdateType))
		res.NonRetryable = true
		return res
	}

	if err := e.layout.EnsureDirectories(); err != nil {
		return failure(app, "install failed", err)
	}
	appDir := e.layout.AppDir(app)
	existed := fsutil.Exists(appDir)

	res := Result{AppCode: app, Version: m.BinaryVersion}
	fail := func(message string, err error) Result {
		if !existed {
			e.removeAll(appDir)
		}
		f := failure(app, message, err)
		f.Version = m.BinaryVersion
		f.DownloadSizeBytes = res.DownloadSizeBytes
		return f
	}

	if err := e.unpack(ctx, app, m.BinaryPackageName, m.BinaryPackageHash, e.layout.StagingRoot(), e.layout.BinDir(app), &res); err != nil {
		return fail("failed to install binary package", err)
	}
	if m.WantsConfig() {
		if err := e.unpack(ctx, app, m.ConfigPackageName, m.ConfigPackageHash, e.layout.StagingRoot(), e.layout.ConfigDir(app), &res); err != nil {
			return fail("failed to install config package", err)
		}
	}
	if err := e.writeLocalState(app, m.BinaryVersion, m); err != nil {
		return fail("failed to record installation", err)
	}

	res.Success = true
	res.Message = fmt.Sprintf("installed %s %s", app, m.BinaryVersion)
	return res
}

// unpack downloads a package into tmpDir and extracts it into dst, adding its size to res
func (e *Engine) unpack(ctx context.Context, app, file, hash, tmpDir, dst string, res *Result) error {
	archive, n, err := e.fetchPackage(ctx, app, file, hash, tmpDir)
	res.DownloadSizeBytes += n
	if err != nil {
		return err
	}
	defer e.removeAll(archive)
	return extractZip(archive, dst)
}

// Uninstall deletes the whole application directory. No backup is taken.
func (e *Engine) Uninstall(ctx context.Context, app string) Result {
	start := e.now()
	if !config.ValidAppCode(app) {
		return failure(app, "uninstall failed", ErrInvalidAppCode)
	}

	appDir := e.layout.AppDir(app)
	if !fsutil.Exists(appDir) {
		return failure(app, "uninstall failed", ErrNotInstalled)
	}

	version, _ := e.LocalVersion(app)
	res := Result{AppCode: app, Version: version}
	if err := os.RemoveAll(appDir); err != nil {
		res = failure(app, "uninstall failed", err)
		res.Version = version
	} else {
		res.Success = true
		res.Message = fmt.Sprintf("uninstalled %s", app)
		e.logger.Infof("Uninstalled %s %s", app, version)
	}
	res.Duration = e.now().Sub(start)
	e.report(ctx, dto.ActionUninstall, res)
	return res
}
