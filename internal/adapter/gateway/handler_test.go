package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"toolhost/internal/domain"
	"toolhost/internal/plugin"
	"toolhost/internal/usecase/exthost"
	"toolhost/internal/usecase/lifecycle"
)

// --- handler test doubles ---

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, surfaceID, module, method string, payload json.RawMessage) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, surfaceID+" "+module+"."+method)
	if module == "fs" {
		return nil, &domain.PermissionError{PluginID: "com.example.notes", Module: module, Method: method, Missing: []string{"fs.read"}}
	}
	return map[string]json.RawMessage{"echo": payload}, nil
}

type fakeDirectory struct {
	mu      sync.Mutex
	records map[string]domain.PluginRecord
	reloads int
}

func newFakeDirectory(ids ...string) *fakeDirectory {
	d := &fakeDirectory{records: make(map[string]domain.PluginRecord)}
	for _, id := range ids {
		d.records[id] = domain.PluginRecord{ID: id, Status: domain.PluginStatusStopped, Manifest: domain.Manifest{ID: id, Version: "1.0.0"}}
	}
	return d
}

func (d *fakeDirectory) GetByID(id string) (*domain.PluginRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return nil, false
	}
	return &rec, true
}

func (d *fakeDirectory) GetAll() []domain.PluginRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.PluginRecord, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec)
	}
	return out
}

func (d *fakeDirectory) Reload(context.Context) error {
	d.mu.Lock()
	d.reloads++
	d.mu.Unlock()
	return nil
}

type fakeLifecycle struct {
	mu     sync.Mutex
	refs   map[string]int
	forced []string
	stops  chan string
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{refs: make(map[string]int), stops: make(chan string, 16)}
}

func (l *fakeLifecycle) AcquirePlugin(_ context.Context, id string) (domain.PluginLease, error) {
	if id == "com.example.broken" {
		return nil, domain.NewSubSystemError("backend", "AcquirePlugin", domain.ErrIOFailure, "spawn failed")
	}
	l.mu.Lock()
	l.refs[id]++
	l.mu.Unlock()
	return &fakeLease{l: l, id: id}, nil
}

type fakeLease struct {
	l    *fakeLifecycle
	id   string
	once sync.Once
}

func (f *fakeLease) Release() {
	f.once.Do(func() {
		f.l.mu.Lock()
		if f.l.refs[f.id] > 0 {
			f.l.refs[f.id]--
		}
		f.l.mu.Unlock()
		f.l.stops <- f.id
	})
}

func (f *fakeLease) Active() bool { return true }

func (l *fakeLifecycle) ForceStop(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forced = append(l.forced, id)
	delete(l.refs, id)
	return nil
}

func (l *fakeLifecycle) Session(id string) (lifecycle.SessionInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.refs[id]
	if n == 0 {
		return lifecycle.SessionInfo{}, false
	}
	return lifecycle.SessionInfo{PluginID: id, ChannelID: id + ":chan", RefCount: n, Status: domain.PluginStatusRunning}, true
}

func (l *fakeLifecycle) refCount(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs[id]
}

type fakeInstaller struct {
	mu          sync.Mutex
	installed   []plugin.InstallEntry
	uninstalled []string
	cancelled   []string
}

func (f *fakeInstaller) Install(_ context.Context, entry plugin.InstallEntry, progress plugin.ProgressFunc) (*domain.Manifest, error) {
	f.mu.Lock()
	f.installed = append(f.installed, entry)
	f.mu.Unlock()
	progress(plugin.Progress{PluginID: entry.ID, Stage: plugin.StageDownloading, Percent: 50})
	progress(plugin.Progress{PluginID: entry.ID, Stage: plugin.StageDone, Percent: 100})
	return &domain.Manifest{ID: entry.ID, Version: entry.Version}, nil
}

func (f *fakeInstaller) InstallFromCatalog(ctx context.Context, id string, progress plugin.ProgressFunc) (*domain.Manifest, error) {
	if id == "com.example.missing" {
		return nil, domain.NewSubSystemError("installer", "InstallFromCatalog", domain.ErrNotFound, id)
	}
	return f.Install(ctx, plugin.InstallEntry{ID: id, Version: "2.0.0"}, progress)
}

func (f *fakeInstaller) Uninstall(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalled = append(f.uninstalled, id)
	return nil
}

func (f *fakeInstaller) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

type handlerFixture struct {
	srv       *Server
	addr      string
	host      *fakeDispatcher
	plugins   *fakeDirectory
	lifecycle *fakeLifecycle
	installer *fakeInstaller
	surfaces  *exthost.SurfaceRegistry
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		host:      &fakeDispatcher{},
		plugins:   newFakeDirectory("com.example.notes", "com.example.clock"),
		lifecycle: newFakeLifecycle(),
		installer: &fakeInstaller{},
		surfaces:  exthost.NewSurfaceRegistry(),
	}
	f.srv = NewServer(nil, newTestAuth(), "", Options{}, testLogger())
	RegisterDefaultHandlers(f.srv, f.deps())
	f.addr = serveTest(t, f.srv)
	return f
}

func (f *handlerFixture) deps() HandlerDeps {
	return HandlerDeps{
		Host:      f.host,
		Plugins:   f.plugins,
		Lifecycle: f.lifecycle,
		Installer: f.installer,
		Surfaces:  f.surfaces,
		Logger:    testLogger(),
	}
}

func mustOK(t *testing.T, resp Frame) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("%s: unexpected error %v", resp.Method, resp.Error)
	}
}

func wantCode(t *testing.T, resp Frame, code domain.ErrorCode) {
	t.Helper()
	if resp.Error == nil || resp.Error.Code != code {
		t.Fatalf("error = %+v, want %s", resp.Error, code)
	}
}

// --- tests ---

func TestInvokeRequiresBoundSurface(t *testing.T) {
	f := newHandlerFixture(t)
	ws := dialWS(t, f.addr, "test-token")

	resp, _ := rpc(t, ws, 1, "ext.invoke", invokeRequest{SurfaceID: "panel", Module: "storage", Method: "get"})
	wantCode(t, resp, domain.CodeAccessDenied)

	mustOK(t, first(rpc(t, ws, 2, "surface.bind", bindRequest{SurfaceID: "panel", PluginID: "com.example.notes"})))
	resp, _ = rpc(t, ws, 3, "ext.invoke", invokeRequest{SurfaceID: "panel", Module: "storage", Method: "get", Payload: json.RawMessage(`{"key":"a"}`)})
	mustOK(t, resp)
	if string(resp.Payload) != `{"echo":{"key":"a"}}` {
		t.Errorf("payload = %s", resp.Payload)
	}
	if owner, _ := f.surfaces.Owner("panel"); owner != "com.example.notes" {
		t.Errorf("owner = %q", owner)
	}
}

func TestInvokePermissionErrorCarriesMissing(t *testing.T) {
	f := newHandlerFixture(t)
	ws := dialWS(t, f.addr, "test-token")
	mustOK(t, first(rpc(t, ws, 1, "surface.bind", bindRequest{SurfaceID: "panel", PluginID: "com.example.notes"})))

	resp, _ := rpc(t, ws, 2, "ext.invoke", invokeRequest{SurfaceID: "panel", Module: "fs", Method: "readFile"})
	wantCode(t, resp, domain.CodePluginPermission)
	if len(resp.Error.Missing) != 1 || resp.Error.Missing[0] != "fs.read" {
		t.Errorf("missing = %v", resp.Error.Missing)
	}
}

func TestBindRejectsUnknownPluginAndForeignSurface(t *testing.T) {
	f := newHandlerFixture(t)
	a := dialWS(t, f.addr, "test-token")
	b := dialWS(t, f.addr, "test-token")

	resp, _ := rpc(t, a, 1, "surface.bind", bindRequest{SurfaceID: "panel", PluginID: "com.example.ghost"})
	wantCode(t, resp, domain.CodePluginNotFound)
	resp, _ = rpc(t, a, 2, "surface.bind", bindRequest{SurfaceID: "panel"})
	wantCode(t, resp, domain.CodeInvalidInput)

	mustOK(t, first(rpc(t, a, 3, "surface.bind", bindRequest{SurfaceID: "panel", PluginID: "com.example.notes"})))
	resp, _ = rpc(t, b, 1, "surface.bind", bindRequest{SurfaceID: "panel", PluginID: "com.example.clock"})
	wantCode(t, resp, domain.CodeAccessDenied)
	if owner, _ := f.surfaces.Owner("panel"); owner != "com.example.notes" {
		t.Errorf("owner = %q", owner)
	}
}

func TestUnbindReleasesSurface(t *testing.T) {
	f := newHandlerFixture(t)
	ws := dialWS(t, f.addr, "test-token")
	mustOK(t, first(rpc(t, ws, 1, "surface.bind", bindRequest{SurfaceID: "panel", PluginID: "com.example.notes"})))
	mustOK(t, first(rpc(t, ws, 2, "surface.unbind", bindRequest{SurfaceID: "panel"})))

	if _, ok := f.surfaces.Owner("panel"); ok {
		t.Error("surface still bound in the registry")
	}
	if f.srv.SurfaceCount() != 0 {
		t.Errorf("server surfaces = %d", f.srv.SurfaceCount())
	}
}

func TestStartStopReferences(t *testing.T) {
	f := newHandlerFixture(t)
	ws := dialWS(t, f.addr, "test-token")

	resp, _ := rpc(t, ws, 1, "plugin.start", idRequest{ID: "com.example.notes"})
	mustOK(t, resp)
	var info lifecycle.SessionInfo
	if err := json.Unmarshal(resp.Payload, &info); err != nil {
		t.Fatal(err)
	}
	if info.RefCount != 1 || info.ChannelID == "" {
		t.Errorf("session = %+v", info)
	}

	resp, _ = rpc(t, ws, 2, "plugin.stop", idRequest{ID: "com.example.notes"})
	mustOK(t, resp)
	if string(resp.Payload) != `{"released":true}` {
		t.Errorf("payload = %s", resp.Payload)
	}
	// A second stop holds nothing and must not touch another client's reference.
	resp, _ = rpc(t, ws, 3, "plugin.stop", idRequest{ID: "com.example.notes"})
	if string(resp.Payload) != `{"released":false}` {
		t.Errorf("payload = %s", resp.Payload)
	}

	resp, _ = rpc(t, ws, 4, "plugin.start", idRequest{ID: "com.example.broken"})
	wantCode(t, resp, domain.CodeIOFailure)
	resp, _ = rpc(t, ws, 5, "plugin.start", idRequest{})
	wantCode(t, resp, domain.CodeInvalidInput)
}

func TestDisconnectReleasesStartReferences(t *testing.T) {
	f := newHandlerFixture(t)
	ws := dialWS(t, f.addr, "test-token")
	mustOK(t, first(rpc(t, ws, 1, "plugin.start", idRequest{ID: "com.example.notes"})))
	mustOK(t, first(rpc(t, ws, 2, "plugin.start", idRequest{ID: "com.example.notes"})))
	if n := f.lifecycle.refCount("com.example.notes"); n != 2 {
		t.Fatalf("refs = %d", n)
	}

	ws.Close(1000, "bye")
	for range 2 {
		select {
		case <-f.lifecycle.stops:
		case <-time.After(3 * time.Second):
			t.Fatal("start references were not released")
		}
	}
	if n := f.lifecycle.refCount("com.example.notes"); n != 0 {
		t.Errorf("refs = %d after disconnect", n)
	}
}

func TestPluginList(t *testing.T) {
	f := newHandlerFixture(t)
	ws := dialWS(t, f.addr, "test-token")
	mustOK(t, first(rpc(t, ws, 1, "plugin.start", idRequest{ID: "com.example.clock"})))

	resp, _ := rpc(t, ws, 2, "plugin.list", nil)
	mustOK(t, resp)
	var list []PluginInfo
	if err := json.Unmarshal(resp.Payload, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %+v", list)
	}
	for _, p := range list {
		switch p.ID {
		case "com.example.clock":
			if p.Session == nil || p.Session.RefCount != 1 {
				t.Errorf("clock session = %+v", p.Session)
			}
		case "com.example.notes":
			if p.Session != nil {
				t.Errorf("notes should have no session, got %+v", p.Session)
			}
		}
	}
}

func TestInstallStreamsProgress(t *testing.T) {
	f := newHandlerFixture(t)
	ws := dialWS(t, f.addr, "test-token")

	entry := plugin.InstallEntry{ID: "com.example.weather", Version: "1.2.0", URL: "https://plugins.example.com/weather.zip", SHA256: "ab"}
	resp, events := rpc(t, ws, 1, "plugin.install", entry)
	mustOK(t, resp)

	var stages []plugin.InstallStage
	for _, ev := range events {
		if ev.Method != "install.progress" {
			continue
		}
		var p plugin.Progress
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatal(err)
		}
		stages = append(stages, p.Stage)
	}
	if len(stages) != 2 || stages[1] != plugin.StageDone {
		t.Errorf("stages = %v", stages)
	}
	var m domain.Manifest
	json.Unmarshal(resp.Payload, &m)
	if m.ID != "com.example.weather" || m.Version != "1.2.0" {
		t.Errorf("manifest = %+v", m)
	}
	f.plugins.mu.Lock()
	defer f.plugins.mu.Unlock()
	if f.plugins.reloads != 1 {
		t.Errorf("reloads = %d", f.plugins.reloads)
	}
}

func TestInstallWithoutURLUsesCatalog(t *testing.T) {
	f := newHandlerFixture(t)
	ws := dialWS(t, f.addr, "test-token")

	mustOK(t, first(rpc(t, ws, 1, "plugin.install", idRequest{ID: "com.example.weather"})))
	f.installer.mu.Lock()
	got := f.installer.installed
	f.installer.mu.Unlock()
	if len(got) != 1 || got[0].Version != "2.0.0" {
		t.Errorf("installed = %+v", got)
	}

	resp, _ := rpc(t, ws, 2, "plugin.install", idRequest{ID: "com.example.missing"})
	wantCode(t, resp, domain.CodeNotFound)
}

func TestUninstallStopsAndUnbinds(t *testing.T) {
	f := newHandlerFixture(t)
	ws := dialWS(t, f.addr, "test-token")
	mustOK(t, first(rpc(t, ws, 1, "surface.bind", bindRequest{SurfaceID: "panel", PluginID: "com.example.notes"})))
	mustOK(t, first(rpc(t, ws, 2, "plugin.start", idRequest{ID: "com.example.notes"})))

	mustOK(t, first(rpc(t, ws, 3, "plugin.uninstall", idRequest{ID: "com.example.notes"})))

	f.lifecycle.mu.Lock()
	defer f.lifecycle.mu.Unlock()
	f.installer.mu.Lock()
	defer f.installer.mu.Unlock()

	if len(f.lifecycle.forced) != 1 || f.lifecycle.forced[0] != "com.example.notes" {
		t.Errorf("forced = %v", f.lifecycle.forced)
	}
	if len(f.installer.uninstalled) != 1 {
		t.Errorf("uninstalled = %v", f.installer.uninstalled)
	}
	if _, ok := f.surfaces.Owner("panel"); ok {
		t.Error("surface still bound after uninstall")
	}
	if f.srv.SurfaceCount() != 0 {
		t.Errorf("server surfaces = %d", f.srv.SurfaceCount())
	}
}

func TestCancelInstall(t *testing.T) {
	f := newHandlerFixture(t)
	ws := dialWS(t, f.addr, "test-token")
	mustOK(t, first(rpc(t, ws, 1, "plugin.cancel", idRequest{ID: "com.example.weather"})))
	f.installer.mu.Lock()
	defer f.installer.mu.Unlock()
	if len(f.installer.cancelled) != 1 {
		t.Errorf("cancelled = %v", f.installer.cancelled)
	}
}

func TestInstallMethodsNeedInstaller(t *testing.T) {
	srv := NewServer(nil, newTestAuth(), "", Options{}, testLogger())
	deps := HandlerDeps{
		Host:      &fakeDispatcher{},
		Plugins:   newFakeDirectory(),
		Lifecycle: newFakeLifecycle(),
		Surfaces:  exthost.NewSurfaceRegistry(),
		Logger:    testLogger(),
	}
	RegisterDefaultHandlers(srv, deps)
	ws := dialWS(t, serveTest(t, srv), "test-token")

	resp, _ := rpc(t, ws, 1, "plugin.install", idRequest{ID: "x"})
	wantCode(t, resp, domain.CodeRPCMethodNotFound)
}

func TestDecodeInvalidPayload(t *testing.T) {
	_, err := decode[idRequest]("plugin.start", json.RawMessage(`{"id":`))
	if !errors.Is(err, domain.ErrRPCInvalidPayload) {
		t.Errorf("err = %v", err)
	}
	v, err := decode[idRequest]("plugin.start", nil)
	if err != nil || v.ID != "" {
		t.Errorf("empty payload: %+v %v", v, err)
	}
}

func first(f Frame, _ []Frame) Frame { return f }
