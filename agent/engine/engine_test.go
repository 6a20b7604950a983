package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"go_fleet/agent/config"
	"go_fleet/internal/dto"
	"go_fleet/internal/manifest"
)

type fakeServer struct {
	mu        sync.Mutex
	manifests []*manifest.Manifest
	packages  map[string][]byte
	reports   []dto.InstallationReport
	requests  int
}

func newFakeServer() *fakeServer {
	return &fakeServer{packages: map[string][]byte{}}
}

// add publishes m with its packages. Missing hashes are filled in.
func (s *fakeServer) add(m manifest.Manifest, binary, cfg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if binary != nil {
		s.packages[m.AppCode+"/"+m.BinaryPackageName] = binary
		if m.BinaryPackageHash == "" {
			m.BinaryPackageHash = hashOf(binary)
		}
	}
	if cfg != nil {
		s.packages[m.AppCode+"/"+m.ConfigPackageName] = cfg
		if m.ConfigPackageHash == "" {
			m.ConfigPackageHash = hashOf(cfg)
		}
	}
	s.manifests = append(s.manifests, &m)
}

func (s *fakeServer) FetchManifest(_ context.Context, app, version string) (*manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	for i := len(s.manifests) - 1; i >= 0; i-- {
		m := s.manifests[i]
		if m.AppCode != app {
			continue
		}
		if version == "" || m.BinaryVersion == version || m.ConfigVersion == version {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("no manifest for %s %s", app, version)
}

func (s *fakeServer) DownloadPackage(_ context.Context, app, file string, w io.Writer) (int64, error) {
	s.mu.Lock()
	s.requests++
	data, ok := s.packages[app+"/"+file]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("package %s not found", file)
	}
	return io.Copy(w, bytes.NewReader(data))
}

func (s *fakeServer) ReportInstallation(_ context.Context, r dto.InstallationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.reports = append(s.reports, r)
	return nil
}

func (s *fakeServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *fakeServer) lastReport(t *testing.T) dto.InstallationReport {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.reports)
	return s.reports[len(s.reports)-1]
}

func hashOf(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type entry struct {
	name string
	body string
	mode os.FileMode
}

func buildZip(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		hdr.SetMode(e.mode)
		f, err := w.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = f.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func binaryManifest(version string) manifest.Manifest {
	return manifest.Manifest{
		AppCode:           "X",
		BinaryVersion:     version,
		BinaryPackageName: "x-" + version + ".zip",
		UpdateType:        manifest.UpdateTypeBinary,
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeServer) {
	t.Helper()
	srv := newFakeServer()
	e := New(Config{
		Layout:      config.Layout{Root: t.TempDir()},
		Server:      srv,
		UserName:    "tester",
		MachineName: "desk-1",
	})
	return e, srv
}

func installX(t *testing.T, e *Engine, srv *fakeServer) {
	t.Helper()
	srv.add(binaryManifest("1.0"), buildZip(t,
		entry{name: "bin/x", body: "v1", mode: 0755},
		entry{name: "old.dat", body: "only in 1.0", mode: 0644},
	), nil)
	res := e.Install(context.Background(), "X", "1.0")
	require.True(t, res.Success, "install: %s %s", res.Message, res.ErrorDetails)
}

func emptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "%s should be empty", dir)
}

func TestInstallUpdateRollbackQuarantine(t *testing.T) {
	e, srv := newTestEngine(t)
	ctx := context.Background()
	layout := e.Layout()

	installX(t, e, srv)
	v, err := e.LocalVersion("X")
	require.NoError(t, err)
	assert.Equal(t, "1.0", v)
	assert.Equal(t, dto.ActionInstall, srv.lastReport(t).Action)

	// 1.1 ships no executable
	srv.add(binaryManifest("1.1"), buildZip(t, entry{name: "readme.txt", body: "broken", mode: 0644}), nil)

	staged, res := e.Update(ctx, "X", "")
	require.True(t, res.Success, "update: %s %s", res.Message, res.ErrorDetails)
	require.NotNil(t, staged)
	assert.Equal(t, "1.1", staged.TargetVersion())
	assert.Equal(t, "1.0", staged.OldVersion)

	// the live install is untouched while staged
	v, _ = e.LocalVersion("X")
	assert.Equal(t, "1.0", v)

	verr := e.Verify(staged)
	require.ErrorIs(t, verr, ErrVerificationFailed)

	rb := e.Rollback(ctx, staged, verr)
	assert.False(t, rb.Success)
	assert.True(t, rb.NonRetryable)
	assert.Equal(t, "1.0", rb.Version)

	v, _ = e.LocalVersion("X")
	assert.Equal(t, "1.0", v)
	assert.FileExists(t, filepath.Join(layout.BinDir("X"), "bin", "x"))
	assert.NoFileExists(t, filepath.Join(layout.BinDir("X"), "readme.txt"))
	emptyDir(t, layout.StagingRoot())
	emptyDir(t, layout.BackupRoot())

	report := srv.lastReport(t)
	assert.Equal(t, dto.ActionUpdateRollback, report.Action)
	assert.Equal(t, "1.0", report.Version)
	assert.False(t, report.Success)

	marker, err := e.HasUpdateFailedBefore("X")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "1.1", marker.FailedVersion)
	assert.Equal(t, dto.ActionUpdateRollback, marker.ErrorType)

	before := srv.requestCount()
	again, res := e.Update(ctx, "X", "")
	assert.Nil(t, again)
	assert.False(t, res.Success)
	assert.True(t, res.NonRetryable)
	assert.True(t, res.Quarantined)
	assert.Equal(t, ErrQuarantined.Error(), res.Message)
	assert.Equal(t, before, srv.requestCount(), "a quarantined update must not contact the server")

	e.ReportBlocked(ctx, res)
	assert.Equal(t, dto.ActionUpdateBlocked, srv.lastReport(t).Action)

	require.NoError(t, e.ClearQuarantine("X"))
	marker, err = e.HasUpdateFailedBefore("X")
	require.NoError(t, err)
	assert.Nil(t, marker)

	staged, res = e.Update(ctx, "X", "")
	require.True(t, res.Success)
	require.NotNil(t, staged)
	e.Discard(staged)
	emptyDir(t, layout.StagingRoot())
}

func TestUpdateCommit(t *testing.T) {
	e, srv := newTestEngine(t)
	ctx := context.Background()
	layout := e.Layout()
	installX(t, e, srv)

	m := binaryManifest("1.1")
	m.Executable = "bin/x"
	srv.add(m, buildZip(t, entry{name: "bin/x", body: "v2", mode: 0755}), nil)

	staged, res := e.Update(ctx, "X", "1.1")
	require.True(t, res.Success)
	require.NotNil(t, staged)
	assert.Positive(t, staged.DownloadSizeBytes)
	require.NoError(t, e.Verify(staged))

	res = e.Commit(ctx, staged)
	require.True(t, res.Success, "commit: %s %s", res.Message, res.ErrorDetails)
	assert.Equal(t, "1.1", res.Version)
	assert.Equal(t, "1.0", res.OldVersion)

	v, _ := e.LocalVersion("X")
	assert.Equal(t, "1.1", v)
	data, err := os.ReadFile(filepath.Join(layout.BinDir("X"), "bin", "x"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.NoFileExists(t, filepath.Join(layout.BinDir("X"), "old.dat"))

	persisted, err := e.LocalManifest("X")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, "1.1", persisted.BinaryVersion)

	emptyDir(t, layout.StagingRoot())
	emptyDir(t, layout.BackupRoot())

	report := srv.lastReport(t)
	assert.Equal(t, dto.ActionUpdate, report.Action)
	assert.True(t, report.Success)
	assert.Equal(t, "1.0", report.OldVersion)
	assert.Equal(t, "desk-1", report.MachineName)
}

func TestUpdateAlreadyUpToDate(t *testing.T) {
	e, srv := newTestEngine(t)
	installX(t, e, srv)

	before := srv.requestCount()
	staged, res := e.Update(context.Background(), "X", "1.0")
	assert.Nil(t, staged)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "up to date")
	assert.Equal(t, before+1, srv.requestCount(), "only the manifest is fetched")
}

func TestUpdateForceReinstallsSameVersion(t *testing.T) {
	e, srv := newTestEngine(t)
	installX(t, e, srv)

	m := binaryManifest("1.0")
	m.ForceUpdate = true
	srv.add(m, buildZip(t, entry{name: "bin/x", body: "rebuilt", mode: 0755}), nil)

	staged, res := e.Update(context.Background(), "X", "1.0")
	require.True(t, res.Success)
	require.NotNil(t, staged)
	e.Discard(staged)
}

func TestUpdateNotInstalled(t *testing.T) {
	e, srv := newTestEngine(t)

	staged, res := e.Update(context.Background(), "X", "")
	assert.Nil(t, staged)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorDetails, ErrNotInstalled.Error())
	assert.Zero(t, srv.requestCount())
}

func TestUpdateChecksumMismatch(t *testing.T) {
	e, srv := newTestEngine(t)
	layout := e.Layout()
	installX(t, e, srv)

	m := binaryManifest("1.1")
	m.BinaryPackageHash = "deadbeef"
	srv.add(m, buildZip(t, entry{name: "bin/x", body: "v2", mode: 0755}), nil)

	staged, res := e.Update(context.Background(), "X", "1.1")
	assert.Nil(t, staged)
	assert.False(t, res.Success)
	assert.False(t, res.NonRetryable)
	assert.Contains(t, res.ErrorDetails, "checksum mismatch")

	v, _ := e.LocalVersion("X")
	assert.Equal(t, "1.0", v)
	marker, err := e.HasUpdateFailedBefore("X")
	require.NoError(t, err)
	assert.Nil(t, marker, "staging failures do not quarantine")
	emptyDir(t, layout.StagingRoot())
	emptyDir(t, layout.BackupRoot())

	report := srv.lastReport(t)
	assert.Equal(t, dto.ActionUpdate, report.Action)
	assert.False(t, report.Success)
}

func TestUpdateRejectsUnknownStrategy(t *testing.T) {
	e, srv := newTestEngine(t)
	installX(t, e, srv)

	srv.add(manifest.Manifest{
		AppCode:           "X",
		ConfigVersion:     "c2",
		ConfigPackageName: "cfg.zip",
		UpdateType:        manifest.UpdateTypeConfig,
		MergeStrategy:     "Overwrite",
	}, nil, buildZip(t, entry{name: "app.json", body: "{}", mode: 0644}))

	staged, res := e.Update(context.Background(), "X", "c2")
	assert.Nil(t, staged)
	assert.False(t, res.Success)
	assert.True(t, res.NonRetryable)
	assert.Contains(t, res.ErrorDetails, "mergeStrategy")
}

func installBoth(t *testing.T, e *Engine, srv *fakeServer) {
	t.Helper()
	srv.add(manifest.Manifest{
		AppCode:           "X",
		BinaryVersion:     "1.0",
		BinaryPackageName: "x-1.0.zip",
		ConfigVersion:     "c1",
		ConfigPackageName: "cfg-c1.zip",
		UpdateType:        manifest.UpdateTypeBoth,
		MergeStrategy:     manifest.StrategyReplaceAll,
	},
		buildZip(t, entry{name: "x.exe", body: "v1", mode: 0644}),
		buildZip(t, entry{name: "app.json", body: `{"port": 9000}`, mode: 0644}),
	)
	res := e.Install(context.Background(), "X", "1.0")
	require.True(t, res.Success, "install: %s %s", res.Message, res.ErrorDetails)
}

func TestConfigOnlyUpdateMergesLocalEdits(t *testing.T) {
	e, srv := newTestEngine(t)
	ctx := context.Background()
	layout := e.Layout()
	installBoth(t, e, srv)

	cfgPath := filepath.Join(layout.ConfigDir("X"), "app.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"port": 9000, "theme": "dark"}`), 0644))

	srv.add(manifest.Manifest{
		AppCode:           "X",
		ConfigVersion:     "c2",
		ConfigPackageName: "cfg-c2.zip",
		UpdateType:        manifest.UpdateTypeConfig,
		MergeStrategy:     manifest.StrategyMerge,
		ConfigFilePolicies: []manifest.ConfigFilePolicy{
			{Name: "app.json", UpdatePolicy: manifest.PolicyMerge, Priority: manifest.PriorityLocal},
		},
	}, nil, buildZip(t, entry{name: "app.json", body: `{"port": 8080, "timeout": 30}`, mode: 0644}))

	staged, res := e.Update(ctx, "X", "c2")
	require.True(t, res.Success, "update: %s %s", res.Message, res.ErrorDetails)
	require.NotNil(t, staged)
	assert.False(t, staged.Binary)
	assert.True(t, staged.Config)

	// config-only updates verify the live binary, which has a .exe
	require.NoError(t, e.Verify(staged))
	res = e.Commit(ctx, staged)
	require.True(t, res.Success, "commit: %s %s", res.Message, res.ErrorDetails)

	var got map[string]any
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.EqualValues(t, 9000, got["port"])
	assert.Equal(t, "dark", got["theme"])
	assert.EqualValues(t, 30, got["timeout"])

	v, _ := e.LocalVersion("X")
	assert.Equal(t, "1.0", v)
	assert.Equal(t, "c2", e.LocalConfigVersion("X"))
	persisted, err := e.LocalManifest("X")
	require.NoError(t, err)
	assert.Equal(t, "1.0", persisted.BinaryVersion)
}

func TestCommitFailureRollsBack(t *testing.T) {
	for _, failAt := range []int{1, 2} {
		t.Run(fmt.Sprintf("rename %d", failAt), func(t *testing.T) {
			e, srv := newTestEngine(t)
			ctx := context.Background()
			layout := e.Layout()
			installBoth(t, e, srv)

			srv.add(manifest.Manifest{
				AppCode:           "X",
				BinaryVersion:     "1.1",
				BinaryPackageName: "x-1.1.zip",
				ConfigVersion:     "c2",
				ConfigPackageName: "cfg-c2.zip",
				UpdateType:        manifest.UpdateTypeBoth,
				MergeStrategy:     manifest.StrategyReplaceAll,
			},
				buildZip(t, entry{name: "x.exe", body: "v2", mode: 0644}),
				buildZip(t, entry{name: "app.json", body: `{"port": 1}`, mode: 0644}),
			)

			calls := 0
			e.rename = func(oldpath, newpath string) error {
				calls++
				if calls == failAt {
					return errors.New("disk full")
				}
				return os.Rename(oldpath, newpath)
			}

			staged, res := e.Update(ctx, "X", "1.1")
			require.True(t, res.Success)
			require.NoError(t, e.Verify(staged))

			res = e.Commit(ctx, staged)
			assert.False(t, res.Success)
			assert.True(t, res.NonRetryable)
			assert.Contains(t, res.ErrorDetails, "disk full")

			v, _ := e.LocalVersion("X")
			assert.Equal(t, "1.0", v)
			data, err := os.ReadFile(filepath.Join(layout.BinDir("X"), "x.exe"))
			require.NoError(t, err)
			assert.Equal(t, "v1", string(data))
			data, err = os.ReadFile(filepath.Join(layout.ConfigDir("X"), "app.json"))
			require.NoError(t, err)
			assert.Equal(t, `{"port": 9000}`, string(data))

			marker, err := e.HasUpdateFailedBefore("X")
			require.NoError(t, err)
			require.NotNil(t, marker)
			assert.Equal(t, dto.ActionUpdateCommitFailed, marker.ErrorType)
			assert.Equal(t, "1.1", marker.FailedVersion)
			assert.Equal(t, dto.ActionUpdateCommitFailed, srv.lastReport(t).Action)

			emptyDir(t, layout.StagingRoot())
			emptyDir(t, layout.BackupRoot())
		})
	}
}

func TestInstallRejections(t *testing.T) {
	e, srv := newTestEngine(t)
	ctx := context.Background()

	srv.add(manifest.Manifest{
		AppCode:           "C",
		ConfigVersion:     "c1",
		ConfigPackageName: "cfg.zip",
		UpdateType:        manifest.UpdateTypeConfig,
		MergeStrategy:     manifest.StrategyReplaceAll,
	}, nil, buildZip(t, entry{name: "app.json", body: "{}", mode: 0644}))

	res := e.Install(ctx, "C", "")
	assert.False(t, res.Success)
	assert.True(t, res.NonRetryable)
	assert.NoDirExists(t, e.Layout().AppDir("C"))

	res = e.Install(ctx, "../escape", "")
	assert.False(t, res.Success)
	assert.True(t, res.NonRetryable)

	installX(t, e, srv)
	res = e.Install(ctx, "X", "1.0")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "already installed")
}

func TestInstallRemovesPartialDirOnFailure(t *testing.T) {
	e, srv := newTestEngine(t)

	m := binaryManifest("1.0")
	m.BinaryPackageHash = "deadbeef"
	srv.add(m, buildZip(t, entry{name: "bin/x", body: "v1", mode: 0755}), nil)

	res := e.Install(context.Background(), "X", "1.0")
	assert.False(t, res.Success)
	assert.NoDirExists(t, e.Layout().AppDir("X"))
	assert.False(t, srv.lastReport(t).Success)
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(archive,
		buildZip(t, entry{name: "../evil.txt", body: "pwned", mode: 0644}), 0644))

	dst := filepath.Join(dir, "out")
	err := extractZip(archive, dst)
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "evil.txt"))
}

func TestUninstallAndStatus(t *testing.T) {
	e, srv := newTestEngine(t)
	ctx := context.Background()
	installX(t, e, srv)

	apps, err := e.InstalledApps()
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, apps)

	status, err := e.Status()
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, "1.0", status[0].Version)
	assert.Nil(t, status[0].Quarantine)

	res := e.Uninstall(ctx, "X")
	require.True(t, res.Success)
	assert.Equal(t, dto.ActionUninstall, srv.lastReport(t).Action)
	assert.False(t, e.IsInstalled("X"))

	res = e.Uninstall(ctx, "X")
	assert.False(t, res.Success)

	apps, err = e.InstalledApps()
	require.NoError(t, err)
	assert.Empty(t, apps)
}

func TestRecoverRemovesAbandonedAttempts(t *testing.T) {
	e, srv := newTestEngine(t)
	ctx := context.Background()
	layout := e.Layout()
	installX(t, e, srv)
	srv.add(binaryManifest("1.1"), buildZip(t, entry{name: "bin/x", body: "v2", mode: 0755}), nil)

	// each attempt stops after staging, as if the process was killed
	for i := 0; i < 3; i++ {
		staged, res := e.Update(ctx, "X", "1.1")
		require.True(t, res.Success)
		require.NotNil(t, staged)
		e = New(Config{Layout: layout, Server: srv})
	}
	entries, err := os.ReadDir(layout.StagingRoot())
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	entries, err = os.ReadDir(layout.BackupRoot())
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	restored, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, restored)
	emptyDir(t, layout.StagingRoot())
	emptyDir(t, layout.BackupRoot())

	v, _ := e.LocalVersion("X")
	assert.Equal(t, "1.0", v)
	marker, err := e.HasUpdateFailedBefore("X")
	require.NoError(t, err)
	assert.Nil(t, marker)
}

func TestRecoverRestoresInterruptedCommit(t *testing.T) {
	e, srv := newTestEngine(t)
	ctx := context.Background()
	layout := e.Layout()
	installX(t, e, srv)
	srv.add(binaryManifest("1.1"), buildZip(t, entry{name: "bin/x", body: "v2", mode: 0755}), nil)

	staged, res := e.Update(ctx, "X", "1.1")
	require.True(t, res.Success)
	require.NotNil(t, staged)

	// stopped after the live binary directory was removed
	require.NoError(t, os.WriteFile(filepath.Join(staged.BackupDir, commitIntent), []byte("1.1"), 0644))
	require.NoError(t, os.RemoveAll(layout.BinDir("X")))

	e = New(Config{Layout: layout, Server: srv})
	restored, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, restored)

	v, err := e.LocalVersion("X")
	require.NoError(t, err)
	assert.Equal(t, "1.0", v)
	assert.FileExists(t, filepath.Join(layout.BinDir("X"), "bin", "x"))
	assert.NoFileExists(t, filepath.Join(layout.AppDir("X"), commitIntent))
	emptyDir(t, layout.StagingRoot())
	emptyDir(t, layout.BackupRoot())

	marker, err := e.HasUpdateFailedBefore("X")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "1.1", marker.FailedVersion)
	assert.Equal(t, dto.ActionUpdateCommitFailed, marker.ErrorType)
	assert.Equal(t, dto.ActionUpdateCommitFailed, srv.lastReport(t).Action)
}

func TestBackupApp(t *testing.T) {
	for name, want := range map[string]string{
		"X-20260301120000-ab12cd34":      "X",
		"my-app-20260301120000-ab12cd34": "my-app",
		"nodash":                         "",
		"-20260301120000-ab12cd34":       "",
		".hidden-20260301120000-ab12cd3": "",
	} {
		app, ok := backupApp(name)
		assert.Equal(t, want != "", ok, name)
		if ok {
			assert.Equal(t, want, app, name)
		}
	}
}
