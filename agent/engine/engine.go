// Package engine installs, updates and removes applications on a fleet machine.
//
// An update never touches the live install until Commit: packages are unpacked into a
// per-attempt staging directory next to a full backup of the live install. A failed
// verification or commit restores the backup and quarantines the application, so a
// crashing release cannot be retried in a loop.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"go_fleet/agent/config"
	"go_fleet/internal/configsync"
	"go_fleet/internal/dto"
	"go_fleet/internal/fsutil"
	"go_fleet/internal/manifest"
)

var (
	// ErrNotInstalled is returned for applications without a local version record
	ErrNotInstalled = errors.New("application not installed")
	// ErrQuarantined is returned when a previous update of the application was rolled back
	ErrQuarantined = errors.New("previous update failed; already rolled back")
	// ErrInvalidAppCode is returned for application codes that are not a plain directory name
	ErrInvalidAppCode = errors.New("invalid application code")
)

// Server is the control plane as seen by the engine
type Server interface {
	FetchManifest(ctx context.Context, appCode, version string) (*manifest.Manifest, error)
	DownloadPackage(ctx context.Context, appCode, file string, w io.Writer) (int64, error)
	ReportInstallation(ctx context.Context, report dto.InstallationReport) error
}

// Result is the outcome of an engine operation
type Result struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	ErrorDetails string `json:"errorDetails,omitempty"`
	AppCode      string `json:"appCode"`
	Version      string `json:"version,omitempty"`
	OldVersion   string `json:"oldVersion,omitempty"`
	// DownloadSizeBytes sums the package bytes fetched by the operation
	DownloadSizeBytes int64 `json:"downloadSizeBytes,omitempty"`
	// NonRetryable is set when retrying cannot change the outcome
	NonRetryable bool `json:"nonRetryable,omitempty"`
	// Quarantined is set when an update was refused because of a quarantine marker
	Quarantined bool          `json:"quarantined,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Config holds the engine dependencies
type Config struct {
	Layout      config.Layout
	Server      Server
	Configs     *configsync.Engine
	Logger      *logrus.Entry
	UserName    string
	MachineName string
	Now         func() time.Time
}

// Engine runs install, update and uninstall operations. Operations on the same
// application must not run concurrently.
type Engine struct {
	layout      config.Layout
	server      Server
	configs     *configsync.Engine
	logger      *logrus.Entry
	userName    string
	machineName string
	now         func() time.Time

	// rename moves staged components into the live install
	rename func(oldpath, newpath string) error
}

// New creates an engine
func New(cfg Config) *Engine {
	e := &Engine{
		layout:      cfg.Layout,
		server:      cfg.Server,
		configs:     cfg.Configs,
		logger:      cfg.Logger,
		userName:    cfg.UserName,
		machineName: cfg.MachineName,
		now:         cfg.Now,
		rename:      os.Rename,
	}
	if e.logger == nil {
		e.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	e.logger = e.logger.WithField("component", "engine")
	if e.configs == nil {
		e.configs = configsync.NewEngine(e.logger)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Layout returns the install layout
func (e *Engine) Layout() config.Layout {
	return e.layout
}

// IsInstalled reports whether app has a local version record
func (e *Engine) IsInstalled(app string) bool {
	return config.ValidAppCode(app) && fsutil.IsFile(e.layout.VersionPath(app))
}

// LocalVersion returns the installed binary version of app
func (e *Engine) LocalVersion(app string) (string, error) {
	if !config.ValidAppCode(app) {
		return "", ErrInvalidAppCode
	}
	data, err := os.ReadFile(e.layout.VersionPath(app))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotInstalled
		}
		return "", fmt.Errorf("failed to read version record: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// LocalManifest returns the last committed manifest of app, or nil if none was persisted
func (e *Engine) LocalManifest(app string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(e.layout.ManifestPath(app))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse local manifest: %w", err)
	}
	return &m, nil
}

// LocalConfigVersion returns the config version of the last committed manifest
func (e *Engine) LocalConfigVersion(app string) string {
	m, err := e.LocalManifest(app)
	if err != nil || m == nil {
		return ""
	}
	return m.ConfigVersion
}

// AppStatus describes one installed application
type AppStatus struct {
	AppCode       string         `json:"appCode"`
	Version       string         `json:"version"`
	ConfigVersion string         `json:"configVersion,omitempty"`
	Quarantine    *FailureMarker `json:"quarantine,omitempty"`
}

// Status returns the local state of every installed application, sorted by code
func (e *Engine) Status() ([]AppStatus, error) {
	apps, err := e.InstalledApps()
	if err != nil {
		return nil, err
	}
	out := make([]AppStatus, 0, len(apps))
	for _, app := range apps {
		version, _ := e.LocalVersion(app)
		marker, _ := e.HasUpdateFailedBefore(app)
		out = append(out, AppStatus{
			AppCode:       app,
			Version:       version,
			ConfigVersion: e.LocalConfigVersion(app),
			Quarantine:    marker,
		})
	}
	return out, nil
}

// InstalledApps lists the codes of installed applications
func (e *Engine) InstalledApps() ([]string, error) {
	entries, err := os.ReadDir(e.layout.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	apps := []string{}
	for _, entry := range entries {
		if !entry.IsDir() || !config.ValidAppCode(entry.Name()) {
			continue
		}
		if e.IsInstalled(entry.Name()) {
			apps = append(apps, entry.Name())
		}
	}
	sort.Strings(apps)
	return apps, nil
}

// writeLocalState records version and manifest after a successful install or commit
func (e *Engine) writeLocalState(app, version string, m *manifest.Manifest) error {
	if err := fsutil.WriteFile(e.layout.VersionPath(app), []byte(version), 0644); err != nil {
		return fmt.Errorf("failed to write version record: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := fsutil.WriteFile(e.layout.ManifestPath(app), data, 0644); err != nil {
		return fmt.Errorf("failed to persist manifest: %w", err)
	}
	return nil
}

// report sends an outcome notification. Failures are logged and ignored.
func (e *Engine) report(ctx context.Context, action string, res Result) {
	report := dto.InstallationReport{
		AppCode:         res.AppCode,
		Version:         res.Version,
		OldVersion:      res.OldVersion,
		Action:          action,
		UserName:        e.userName,
		MachineName:     e.machineName,
		Success:         res.Success,
		DurationSeconds: res.Duration.Seconds(),
	}
	if !res.Success {
		report.Error = res.Message
		if res.ErrorDetails != "" {
			report.Error += ": " + res.ErrorDetails
		}
	}
	if err := e.server.ReportInstallation(ctx, report); err != nil {
		e.logger.Warnf("Failed to report %s of %s: %v", action, res.AppCode, err)
	}
}

// removeAll deletes a temp or backup directory. Failures are logged only.
func (e *Engine) removeAll(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		e.logger.Warnf("Failed to clean up %s: %v", path, err)
	}
}

func failure(app, message string, err error) Result {
	res := Result{AppCode: app, Message: message}
	if err != nil {
		res.ErrorDetails = err.Error()
	}
	return res
}
