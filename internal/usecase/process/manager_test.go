package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"toolhost/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()               { return func() {} }
func (b *recordingBus) Close()                                                {}

func (b *recordingBus) count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, bus domain.EventBus) *Manager {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process tests use /bin/sh")
	}
	pm := NewManager(ManagerConfig{
		MaxSessions:     3,
		SessionTTL:      10 * time.Minute,
		OutputBufferMax: 1024 * 1024,
		CleanupInterval: 1 * time.Hour, // don't auto-cleanup during tests
	}, bus, newTestLogger())
	t.Cleanup(func() { pm.Stop(context.Background()) })
	return pm
}

func sh(pluginID, script string) domain.ProcessRequest {
	return domain.ProcessRequest{PluginID: pluginID, Command: "sh", Args: []string{"-c", script}}
}

func TestManagerRun(t *testing.T) {
	pm := newTestManager(t, nil)
	res, err := pm.Run(context.Background(), sh("p", "echo out; echo err >&2; exit 3"), 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "out\n" || res.Stderr != "err\n" {
		t.Errorf("output = %q / %q", res.Stdout, res.Stderr)
	}
	if res.ExitCode != 3 || res.TimedOut {
		t.Errorf("exit = %d timedOut = %v", res.ExitCode, res.TimedOut)
	}
}

func TestManagerRunStdinAndDir(t *testing.T) {
	pm := newTestManager(t, nil)
	dir := t.TempDir()
	req := sh("p", "cat; pwd")
	req.Stdin = "piped\n"
	req.Dir = dir
	req.Env = []string{"PATH=/usr/bin:/bin"}

	res, err := pm.Run(context.Background(), req, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(res.Stdout, "piped\n") || !strings.Contains(res.Stdout, dir) {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestManagerRunTimeout(t *testing.T) {
	pm := newTestManager(t, nil)
	res, err := pm.Run(context.Background(), sh("p", "sleep 10"), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Errorf("expected timeout, got %+v", res)
	}
}

func TestManagerRunCanceled(t *testing.T) {
	pm := newTestManager(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := pm.Run(ctx, sh("p", "sleep 10"), time.Minute)
	if !errors.Is(err, domain.ErrCanceled) {
		t.Errorf("expected ErrCanceled, got %v", err)
	}
}

func TestManagerRunTruncates(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	pm := NewManager(ManagerConfig{OutputBufferMax: 8, CleanupInterval: time.Hour}, nil, newTestLogger())
	defer pm.Stop(context.Background())

	res, err := pm.Run(context.Background(), sh("p", "printf 0123456789abcdef"), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "89abcdef" || !res.Truncated {
		t.Errorf("stdout = %q truncated = %v", res.Stdout, res.Truncated)
	}
}

func TestManagerRunErrors(t *testing.T) {
	pm := newTestManager(t, nil)
	if _, err := pm.Run(context.Background(), domain.ProcessRequest{PluginID: "p"}, time.Second); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("empty command: %v", err)
	}
	_, err := pm.Run(context.Background(), domain.ProcessRequest{PluginID: "p", Command: "/nonexistent/binary"}, time.Second)
	if !errors.Is(err, domain.ErrIOFailure) {
		t.Errorf("missing binary: %v", err)
	}
}

func TestManagerStartPollAndComplete(t *testing.T) {
	bus := &recordingBus{}
	pm := newTestManager(t, bus)
	ctx := context.Background()

	session, err := pm.Start(ctx, sh("com.example.a", "echo stdout_data; echo stderr_data >&2"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if session.ID == "" || session.PID == 0 {
		t.Errorf("session = %+v", session)
	}
	if session.Status != domain.ProcessStatusRunning {
		t.Errorf("status = %q, want running", session.Status)
	}
	waitForSession(t, pm, session.ID, 2*time.Second)

	result, err := pm.Poll("com.example.a", session.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if result.Stdout != "stdout_data\n" || result.Stderr != "stderr_data\n" {
		t.Errorf("poll = %+v", result)
	}
	if result.Status != domain.ProcessStatusCompleted || result.ExitCode == nil || *result.ExitCode != 0 {
		t.Errorf("status = %q exit = %v", result.Status, result.ExitCode)
	}

	again, _ := pm.Poll("com.example.a", session.ID)
	if again.Stdout != "" || again.Stderr != "" {
		t.Errorf("second poll should be empty, got %+v", again)
	}

	if bus.count(domain.EventProcessStarted) != 1 || bus.count(domain.EventProcessCompleted) != 1 {
		t.Error("expected started and completed events")
	}
}

func TestManagerFailedExitCode(t *testing.T) {
	pm := newTestManager(t, nil)
	session, _ := pm.Start(context.Background(), sh("p", "exit 1"))
	waitForSession(t, pm, session.ID, 2*time.Second)

	got, err := pm.Get("p", session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProcessStatusFailed || got.ExitCode == nil || *got.ExitCode != 1 {
		t.Errorf("session = %+v", got)
	}
}

func TestManagerSessionsArePluginScoped(t *testing.T) {
	pm := newTestManager(t, nil)
	ctx := context.Background()

	session, err := pm.Start(ctx, sh("owner", "sleep 10"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := pm.Poll("intruder", session.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Poll by other plugin: %v", err)
	}
	if err := pm.Kill(ctx, "intruder", session.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Kill by other plugin: %v", err)
	}
	if err := pm.Write("intruder", session.ID, "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Write by other plugin: %v", err)
	}
	if n := len(pm.List("intruder")); n != 0 {
		t.Errorf("List(intruder) = %d sessions", n)
	}
	if n := len(pm.List("owner")); n != 1 {
		t.Errorf("List(owner) = %d sessions", n)
	}
}

func TestManagerMaxSessionsPerPlugin(t *testing.T) {
	pm := newTestManager(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := pm.Start(ctx, sh("a", "sleep 10")); err != nil {
			t.Fatalf("Start[%d]: %v", i, err)
		}
	}
	_, err := pm.Start(ctx, sh("a", "true"))
	if !errors.Is(err, domain.ErrLimitReached) || domain.ErrorCodeOf(err) != domain.CodeProcessMax {
		t.Errorf("expected PROCESS_MAX_SESSIONS, got %v", err)
	}
	if _, err := pm.Start(ctx, sh("b", "true")); err != nil {
		t.Errorf("other plugin should not be limited: %v", err)
	}
}

func TestManagerWrite(t *testing.T) {
	pm := newTestManager(t, nil)
	session, err := pm.Start(context.Background(), sh("p", "read line; echo got:$line"))
	if err != nil {
		t.Fatal(err)
	}
	if err := pm.Write("p", session.ID, "hello\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitForSession(t, pm, session.ID, 2*time.Second)

	res, _ := pm.Poll("p", session.ID)
	if res.Stdout != "got:hello\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if err := pm.Write("p", session.ID, "late"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("write after exit: %v", err)
	}
}

func TestManagerKill(t *testing.T) {
	bus := &recordingBus{}
	pm := newTestManager(t, bus)
	ctx := context.Background()

	session, _ := pm.Start(ctx, sh("p", "sleep 60"))
	if err := pm.Kill(ctx, "p", session.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	got, _ := pm.Get("p", session.ID)
	if got.Status != domain.ProcessStatusKilled {
		t.Errorf("status after kill = %q", got.Status)
	}
	if err := pm.Kill(ctx, "p", session.ID); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("second kill: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if bus.count(domain.EventProcessKilled) != 1 {
		t.Error("expected one killed event")
	}
	if bus.count(domain.EventProcessCompleted) != 0 {
		t.Error("killed sessions must not emit completion")
	}
}

func TestManagerRemove(t *testing.T) {
	pm := newTestManager(t, nil)
	ctx := context.Background()

	running, _ := pm.Start(ctx, sh("p", "sleep 60"))
	finished, _ := pm.Start(ctx, sh("p", "true"))
	waitForSession(t, pm, finished.ID, 2*time.Second)

	for _, id := range []string{running.ID, finished.ID} {
		if err := pm.Remove(ctx, "p", id); err != nil {
			t.Fatalf("Remove(%s): %v", id, err)
		}
	}
	if n := len(pm.List("")); n != 0 {
		t.Errorf("List() after remove = %d entries", n)
	}
	if err := pm.Remove(ctx, "p", "nonexistent"); domain.ErrorCodeOf(err) != domain.CodeProcessNotFound {
		t.Errorf("expected PROCESS_NOT_FOUND, got %v", err)
	}
}

func TestManagerKillPlugin(t *testing.T) {
	pm := newTestManager(t, nil)
	ctx := context.Background()
	pm.Start(ctx, sh("a", "sleep 60"))
	pm.Start(ctx, sh("a", "sleep 60"))
	other, _ := pm.Start(ctx, sh("b", "sleep 60"))

	if n := pm.KillPlugin(ctx, "a"); n != 2 {
		t.Errorf("KillPlugin killed %d, want 2", n)
	}
	got, _ := pm.Get("b", other.ID)
	if got.Status != domain.ProcessStatusRunning {
		t.Error("other plugin's session must survive")
	}
}

func TestManagerStopSetsKilledStatus(t *testing.T) {
	pm := newTestManager(t, nil)
	ctx := context.Background()
	pm.Start(ctx, sh("p", "sleep 60"))
	pm.Start(ctx, sh("q", "sleep 60"))

	pm.Stop(ctx)

	for _, e := range pm.List("") {
		if e.Status != domain.ProcessStatusKilled {
			t.Errorf("session %s status = %q after Stop", e.ID, e.Status)
		}
	}
}

func TestManagerCleanupExpired(t *testing.T) {
	pm := newTestManager(t, nil)
	session, _ := pm.Start(context.Background(), sh("p", "true"))
	waitForSession(t, pm, session.ID, 2*time.Second)

	pm.mu.Lock()
	old := time.Now().Add(-time.Hour)
	pm.sessions[session.ID].session.EndedAt = &old
	pm.mu.Unlock()

	pm.cleanupExpired()
	if n := len(pm.List("")); n != 0 {
		t.Errorf("expired session not removed, %d left", n)
	}
}

func TestManagerIDsAreMonotonic(t *testing.T) {
	pm := newTestManager(t, nil)
	pm.mu.Lock()
	a, b := pm.newID(), pm.newID()
	pm.mu.Unlock()
	if len(a) != 26 || a >= b {
		t.Errorf("ids %q, %q are not increasing ULIDs", a, b)
	}
}

func waitForSession(t *testing.T, pm *Manager, sessionID string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for session %s to complete", sessionID)
		default:
			pm.mu.Lock()
			entry, ok := pm.sessions[sessionID]
			if ok && entry.session.Status != domain.ProcessStatusRunning {
				pm.mu.Unlock()
				return
			}
			pm.mu.Unlock()
			time.Sleep(20 * time.Millisecond)
		}
	}
}
