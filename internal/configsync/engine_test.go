package configsync

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go_fleet/internal/docmerge"
	"go_fleet/internal/fsutil"
	"go_fleet/internal/manifest"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

func fixture(t *testing.T) (local, incoming string) {
	t.Helper()
	local = filepath.Join(t.TempDir(), "local")
	incoming = filepath.Join(t.TempDir(), "incoming")

	writeFile(t, local, "app.json", `{"port": 9000, "theme": "dark"}`)
	writeFile(t, local, "user.txt", "local edits")
	writeFile(t, local, "only-local.txt", "mine")

	writeFile(t, incoming, "app.json", `{"port": 8080, "timeout": 30}`)
	writeFile(t, incoming, "user.txt", "server default")
	writeFile(t, incoming, "nested/extra.yaml", "a: 1\n")
	return local, incoming
}

func TestApply_ReplaceAllTotality(t *testing.T) {
	local, incoming := fixture(t)
	e := NewEngine(nil)

	if err := e.Apply(local, incoming, manifest.StrategyReplaceAll, nil); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	got, _ := fsutil.Files(local)
	want, _ := fsutil.Files(incoming)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("local files = %v, want %v", got, want)
	}
	if readFile(t, local, "user.txt") != "server default" {
		t.Error("user.txt was not replaced")
	}
}

func TestApply_PreserveLocalIdempotent(t *testing.T) {
	local, incoming := fixture(t)
	e := NewEngine(nil)

	before := map[string]string{}
	files, _ := fsutil.Files(local)
	for _, f := range files {
		before[f] = readFile(t, local, f)
	}

	for i := 0; i < 2; i++ {
		if err := e.Apply(local, incoming, manifest.StrategyPreserveLocal, nil); err != nil {
			t.Fatalf("Apply() run %d failed: %v", i+1, err)
		}
		for f, content := range before {
			if got := readFile(t, local, f); got != content {
				t.Errorf("run %d changed %s: %q", i+1, f, got)
			}
		}
	}

	if readFile(t, local, "nested/extra.yaml") != "a: 1\n" {
		t.Error("missing file was not copied")
	}
}

func TestApply_Selective(t *testing.T) {
	local, incoming := fixture(t)
	writeFile(t, incoming, "new.txt", "fresh")
	e := NewEngine(nil)

	policies := []manifest.ConfigFilePolicy{
		{Name: "user.txt", UpdatePolicy: manifest.PolicyReplace},
		{Name: "new.txt", UpdatePolicy: manifest.PolicyPreserve},
		{Name: "app.json", UpdatePolicy: manifest.PolicyMerge, Priority: manifest.PriorityLocal},
		{Name: "missing.txt", UpdatePolicy: manifest.PolicyReplace},
	}
	if err := e.Apply(local, incoming, manifest.StrategySelective, policies); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if got := readFile(t, local, "user.txt"); got != "server default" {
		t.Errorf("user.txt = %q", got)
	}
	if got := readFile(t, local, "new.txt"); got != "fresh" {
		t.Errorf("new.txt = %q", got)
	}
	if got := readFile(t, local, "only-local.txt"); got != "mine" {
		t.Errorf("only-local.txt = %q", got)
	}
	if fsutil.Exists(filepath.Join(local, "nested", "extra.yaml")) {
		t.Error("file without policy should not be copied")
	}

	merged, err := docmerge.ParseJSON([]byte(readFile(t, local, "app.json")))
	if err != nil {
		t.Fatalf("merged app.json invalid: %v", err)
	}
	want, _ := docmerge.ParseJSON([]byte(`{"port": 9000, "theme": "dark", "timeout": 30}`))
	if !docmerge.Equal(merged, want) {
		t.Errorf("app.json = %s", readFile(t, local, "app.json"))
	}
}

func TestApply_MergeOnlyUsesMergePolicies(t *testing.T) {
	local, incoming := fixture(t)
	e := NewEngine(nil)

	policies := []manifest.ConfigFilePolicy{
		{Name: "user.txt", UpdatePolicy: manifest.PolicyReplace},
		{Name: "app.json", UpdatePolicy: manifest.PolicyMerge},
	}
	if err := e.Apply(local, incoming, manifest.StrategyMerge, policies); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if got := readFile(t, local, "user.txt"); got != "local edits" {
		t.Errorf("replace policy applied under Merge: %q", got)
	}
	merged, _ := docmerge.ParseJSON([]byte(readFile(t, local, "app.json")))
	want, _ := docmerge.ParseJSON([]byte(`{"port": 8080, "timeout": 30, "theme": "dark"}`))
	if !docmerge.Equal(merged, want) {
		t.Errorf("app.json = %s", readFile(t, local, "app.json"))
	}
}

func TestApply_MergeFailureFallsBackToServer(t *testing.T) {
	local, incoming := fixture(t)
	writeFile(t, local, "broken.json", `{"port": `)
	writeFile(t, incoming, "broken.json", `{"port": 1}`)
	writeFile(t, local, "settings.ini", "a=1")
	writeFile(t, incoming, "settings.ini", "a=2")
	e := NewEngine(nil)

	policies := []manifest.ConfigFilePolicy{
		{Name: "broken.json", UpdatePolicy: manifest.PolicyMerge},
		{Name: "settings.ini", UpdatePolicy: manifest.PolicyMerge},
	}
	if err := e.Apply(local, incoming, manifest.StrategySelective, policies); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if got := readFile(t, local, "broken.json"); got != `{"port": 1}` {
		t.Errorf("broken.json = %q", got)
	}
	if got := readFile(t, local, "settings.ini"); got != "a=2" {
		t.Errorf("settings.ini = %q", got)
	}
}

func TestApply_PolicyLookup(t *testing.T) {
	local := filepath.Join(t.TempDir(), "local")
	incoming := t.TempDir()
	writeFile(t, incoming, "conf.d/a.conf", "A")
	writeFile(t, incoming, "conf.d/b.conf", "B")
	writeFile(t, incoming, "deep/dir/settings.txt", "S")
	e := NewEngine(nil)

	policies := []manifest.ConfigFilePolicy{
		{Name: "conf.d/*.conf", UpdatePolicy: manifest.PolicyReplace},
		{Name: "settings.txt", UpdatePolicy: manifest.PolicyReplace},
		{Name: "../escape.txt", UpdatePolicy: manifest.PolicyReplace},
	}
	if err := e.Apply(local, incoming, manifest.StrategySelective, policies); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	got, _ := fsutil.Files(local)
	want := []string{"conf.d/a.conf", "conf.d/b.conf", "deep/dir/settings.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("local files = %v, want %v", got, want)
	}
}

func TestApply_UnknownStrategy(t *testing.T) {
	local, incoming := fixture(t)
	e := NewEngine(nil)

	err := e.Apply(local, incoming, "Bogus", nil)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("Apply() = %v, want ErrUnknownStrategy", err)
	}
	if fsutil.Exists(filepath.Join(local, "nested", "extra.yaml")) {
		t.Error("rejected strategy must not touch local config")
	}

	e.AllowUnknownStrategy = true
	if err := e.Apply(local, incoming, "Bogus", nil); err != nil {
		t.Fatalf("Apply() with compat flag failed: %v", err)
	}
	if readFile(t, local, "user.txt") != "local edits" {
		t.Error("fallback should preserve local files")
	}
	if !fsutil.Exists(filepath.Join(local, "nested", "extra.yaml")) {
		t.Error("fallback should copy missing files")
	}
}

func TestApply_MissingIncomingDir(t *testing.T) {
	e := NewEngine(nil)
	if err := e.Apply(t.TempDir(), filepath.Join(t.TempDir(), "nope"), manifest.StrategyReplaceAll, nil); err == nil {
		t.Error("expected error for missing incoming dir")
	}
}
