package capability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolhost/internal/domain"
)

type fakeProcs struct {
	mu       sync.Mutex
	runs     []domain.ProcessRequest
	timeouts []time.Duration
	starts   []domain.ProcessRequest
	result   func(req domain.ProcessRequest) (*domain.ExecResult, error)
	killed   []string
}

func (f *fakeProcs) Run(_ context.Context, req domain.ProcessRequest, timeout time.Duration) (*domain.ExecResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	f.timeouts = append(f.timeouts, timeout)
	f.mu.Unlock()
	if f.result != nil {
		return f.result(req)
	}
	return &domain.ExecResult{Stdout: "ok"}, nil
}

func (f *fakeProcs) Start(_ context.Context, req domain.ProcessRequest) (*domain.ProcessSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	return &domain.ProcessSession{ID: "sess-1", PluginID: req.PluginID, Command: req.Command, Status: domain.ProcessStatusRunning}, nil
}

func (f *fakeProcs) List(pluginID string) []domain.ProcessSession {
	return []domain.ProcessSession{{ID: "sess-1", PluginID: pluginID}}
}

func (f *fakeProcs) Poll(pluginID, id string) (*domain.ProcessPollResult, error) {
	if id != "sess-1" {
		return nil, domain.NewSubSystemError("process", "Manager.Poll", domain.ErrNotFound, "session "+id)
	}
	return &domain.ProcessPollResult{SessionID: id, Stdout: "tick"}, nil
}

func (f *fakeProcs) Write(pluginID, id, input string) error { return nil }

func (f *fakeProcs) Kill(_ context.Context, pluginID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pluginID+"/"+id)
	return nil
}

type recordedAction struct {
	typ      domain.AuditEventType
	pluginID string
	action   string
	err      error
}

type fakeAuditor struct {
	mu      sync.Mutex
	actions []recordedAction
}

func (a *fakeAuditor) LogAction(_ context.Context, typ domain.AuditEventType, pluginID, action string, err error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, recordedAction{typ, pluginID, action, err})
	return nil
}

func TestShellExec(t *testing.T) {
	procs, audit := &fakeProcs{}, &fakeAuditor{}
	sh := NewShell(procs, audit, 5*time.Second)
	call := newCall(t, "shell", "")

	res, err := invoke(t, sh, call, "exec", map[string]any{"command": "git", "args": []string{"status"}, "stdin": "in"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.(*domain.ExecResult).Stdout)

	require.Len(t, procs.runs, 1)
	req := procs.runs[0]
	assert.Equal(t, "com.example.notes", req.PluginID)
	assert.Equal(t, []string{"status"}, req.Args)
	assert.Equal(t, call.DataDir, req.Dir)
	assert.Equal(t, "in", req.Stdin)
	assert.Contains(t, req.Env, "TOOLHOST_PLUGIN_ID=com.example.notes")
	assert.Equal(t, 5*time.Second, procs.timeouts[0])

	require.Len(t, audit.actions, 1)
	assert.Equal(t, recordedAction{domain.AuditShellExec, "com.example.notes", "exec git", nil}, audit.actions[0])
}

func TestShellExecTimeoutIsCapped(t *testing.T) {
	procs := &fakeProcs{}
	sh := NewShell(procs, nil, 0)
	call := newCall(t, "shell", "")

	_, err := invoke(t, sh, call, "exec", map[string]any{"command": "sleep", "timeoutMs": 250})
	require.NoError(t, err)
	_, err = invoke(t, sh, call, "exec", map[string]any{"command": "sleep", "timeoutMs": 24 * 3600 * 1000})
	require.NoError(t, err)
	_, err = invoke(t, sh, call, "exec", map[string]any{"command": "sleep"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, MaxExecTimeout, DefaultExecTimeout}, procs.timeouts)
}

func TestShellCwdConfined(t *testing.T) {
	procs := &fakeProcs{}
	sh := NewShell(procs, nil, 0)
	call := newCall(t, "shell", "")
	require.NoError(t, os.Mkdir(filepath.Join(call.DataDir, "work"), 0o700))

	_, err := invoke(t, sh, call, "exec", map[string]any{"command": "ls", "cwd": "work"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(call.DataDir, "work"), procs.runs[0].Dir)

	_, err = invoke(t, sh, call, "exec", map[string]any{"command": "ls", "cwd": call.Plugin.Path})
	require.NoError(t, err)

	_, err = invoke(t, sh, call, "exec", map[string]any{"command": "ls", "cwd": "/"})
	assert.ErrorIs(t, err, domain.ErrPathOutsideSandbox)
	_, err = invoke(t, sh, call, "spawn", map[string]any{"command": "ls", "cwd": "../.."})
	assert.ErrorIs(t, err, domain.ErrPathOutsideSandbox)
	assert.Len(t, procs.runs, 2)
	assert.Empty(t, procs.starts)
}

func TestShellSessions(t *testing.T) {
	procs, audit := &fakeProcs{}, &fakeAuditor{}
	sh := NewShell(procs, audit, 0)
	call := newCall(t, "shell", "")

	res, err := invoke(t, sh, call, "spawn", map[string]any{"command": "tail", "args": []string{"-f", "log"}})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", res.(*domain.ProcessSession).ID)
	assert.Equal(t, "spawn tail", audit.actions[0].action)

	res, err = invoke(t, sh, call, "poll", map[string]any{"id": "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "tick", res.(*domain.ProcessPollResult).Stdout)

	_, err = invoke(t, sh, call, "poll", map[string]any{"id": "other"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = invoke(t, sh, call, "poll", map[string]any{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = invoke(t, sh, call, "write", map[string]any{"id": "sess-1", "input": "q\n"})
	require.NoError(t, err)
	_, err = invoke(t, sh, call, "kill", map[string]any{"id": "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.notes/sess-1"}, procs.killed)

	res, err = invoke(t, sh, call, "list", nil)
	require.NoError(t, err)
	assert.Len(t, res.(map[string]any)["sessions"], 1)
}

func TestShellAuditsFailures(t *testing.T) {
	boom := errors.New("exec failed")
	procs := &fakeProcs{result: func(domain.ProcessRequest) (*domain.ExecResult, error) { return nil, boom }}
	audit := &fakeAuditor{}
	sh := NewShell(procs, audit, 0)

	_, err := invoke(t, sh, newCall(t, "shell", ""), "exec", map[string]any{"command": "nope"})
	assert.ErrorIs(t, err, boom)
	require.Len(t, audit.actions, 1)
	assert.ErrorIs(t, audit.actions[0].err, boom)

	_, err = invoke(t, sh, newCall(t, "shell", ""), "exec", map[string]any{"command": ""})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Len(t, audit.actions, 1, "rejected requests never reach the audit log")
}
