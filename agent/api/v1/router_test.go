package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	"go_fleet/agent/engine"
	"go_fleet/internal/httpx"
)

// gate stands in for the supervisor's task slot
type gate struct {
	held atomic.Bool
}

func (g *gate) busy() bool { return g.held.Load() }

func (g *gate) hold() (func(), bool) {
	if !g.held.CompareAndSwap(false, true) {
		return nil, false
	}
	return func() { g.held.Store(false) }, true
}

type fakeApps struct {
	installed   map[string]bool
	quarantined map[string]bool
	uninstalled []string
	gate        *gate
	heldDuring  []bool
}

func (f *fakeApps) Status() ([]engine.AppStatus, error) {
	var out []engine.AppStatus
	for app := range f.installed {
		st := engine.AppStatus{AppCode: app, Version: "1.0"}
		if f.quarantined[app] {
			st.Quarantine = &engine.FailureMarker{FailedVersion: "1.1"}
		}
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeApps) Uninstall(_ context.Context, app string) engine.Result {
	f.uninstalled = append(f.uninstalled, app)
	f.heldDuring = append(f.heldDuring, f.gate != nil && f.gate.busy())
	delete(f.installed, app)
	return engine.Result{Success: true, AppCode: app, Message: "uninstalled " + app}
}

func (f *fakeApps) ClearQuarantine(app string) error {
	delete(f.quarantined, app)
	return nil
}

func (f *fakeApps) IsInstalled(app string) bool {
	return f.installed[app]
}

func setupRouter(apps *fakeApps, busy bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := &gate{}
	g.held.Store(busy)
	apps.gate = g
	SetupRouter(r, Deps{
		Apps:      apps,
		MachineID: "fp-1",
		Busy:      g.busy,
		Hold:      g.hold,
	})
	return r
}

func call(t *testing.T, r *gin.Engine, method, path string) (int, httpx.Response) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)

	var resp httpx.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return w.Code, resp
}

func TestPing(t *testing.T) {
	r := setupRouter(&fakeApps{}, true)
	status, resp := call(t, r, http.MethodGet, "/agent/v1/ping")
	if status != http.StatusOK || resp.Code != httpx.CodeSuccess {
		t.Fatalf("Expected success, got %d %+v", status, resp)
	}
	data := resp.Data.(map[string]interface{})
	if data["machineId"] != "fp-1" || data["busy"] != true {
		t.Errorf("Unexpected ping data: %v", data)
	}
}

func TestListApps(t *testing.T) {
	apps := &fakeApps{installed: map[string]bool{"X": true}, quarantined: map[string]bool{"X": true}}
	r := setupRouter(apps, false)

	_, resp := call(t, r, http.MethodGet, "/agent/v1/apps")
	items := resp.Data.(map[string]interface{})["items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("Expected 1 app, got %d", len(items))
	}
	app := items[0].(map[string]interface{})
	if app["appCode"] != "X" || app["quarantine"] == nil {
		t.Errorf("Unexpected app status: %v", app)
	}
}

func TestClearQuarantine(t *testing.T) {
	apps := &fakeApps{installed: map[string]bool{"X": true}, quarantined: map[string]bool{"X": true}}
	r := setupRouter(apps, false)

	status, resp := call(t, r, http.MethodPost, "/agent/v1/apps/X/clear-quarantine")
	if status != http.StatusOK || resp.Code != httpx.CodeSuccess {
		t.Fatalf("Expected success, got %d %+v", status, resp)
	}
	if apps.quarantined["X"] {
		t.Error("Expected quarantine to be cleared")
	}

	status, resp = call(t, r, http.MethodPost, "/agent/v1/apps/Y/clear-quarantine")
	if status != http.StatusNotFound || resp.Code != httpx.CodeNotFound {
		t.Errorf("Expected not found for unknown app, got %d %+v", status, resp)
	}

	status, _ = call(t, r, http.MethodPost, "/agent/v1/apps/.staging/clear-quarantine")
	if status != http.StatusBadRequest {
		t.Errorf("Expected bad request for hidden directory, got %d", status)
	}
}

func TestUninstall(t *testing.T) {
	apps := &fakeApps{installed: map[string]bool{"X": true}}

	status, resp := call(t, setupRouter(apps, true), http.MethodPost, "/agent/v1/apps/X/uninstall")
	if status != http.StatusConflict || resp.Code != httpx.CodeStateConflict {
		t.Errorf("Expected conflict while busy, got %d %+v", status, resp)
	}
	if len(apps.uninstalled) != 0 {
		t.Fatal("Nothing should be uninstalled while busy")
	}

	apps.installed["Y"] = true
	r := setupRouter(apps, false)
	status, resp = call(t, r, http.MethodPost, "/agent/v1/apps/X/uninstall")
	if status != http.StatusOK || resp.Code != httpx.CodeSuccess {
		t.Fatalf("Expected success, got %d %+v", status, resp)
	}
	if len(apps.uninstalled) != 1 || apps.uninstalled[0] != "X" {
		t.Errorf("Expected X uninstalled, got %v", apps.uninstalled)
	}
	if !apps.heldDuring[0] {
		t.Error("Tasks must be held off while uninstalling")
	}
	if apps.gate.busy() {
		t.Error("Task slot should be released after uninstall")
	}

	status, _ = call(t, r, http.MethodPost, "/agent/v1/apps/Y/uninstall")
	if status != http.StatusOK {
		t.Errorf("Expected a second uninstall to succeed, got %d", status)
	}
}
