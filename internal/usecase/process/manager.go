package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"toolhost/internal/domain"
)

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	MaxSessions     int           // max concurrent running sessions per plugin (default: 8)
	SessionTTL      time.Duration // auto-cleanup finished sessions after this (default: 30m)
	OutputBufferMax int           // max bytes of output to buffer per stream (default: 1MB)
	CleanupInterval time.Duration // how often to run TTL cleanup (default: 1m)
	WaitDelay       time.Duration // how long Wait waits for pipes after the process exits (default: 2s)
}

// processEntry holds the runtime state for a single background process session.
type processEntry struct {
	session         domain.ProcessSession
	cmd             *exec.Cmd
	cancel          context.CancelFunc
	stdin           io.WriteCloser
	stdout          *ringBuffer
	stderr          *ringBuffer
	stdoutPollIndex int64 // total-bytes offset already returned by Poll
	stderrPollIndex int64
	done            chan struct{}
}

// Manager runs plugin shell commands: one-shot executions via Run and
// background sessions via Start. Sessions are in-memory and owned by the
// plugin that started them; lookups by another plugin report not found.
type Manager struct {
	sessions map[string]*processEntry
	mu       sync.Mutex
	config   ManagerConfig
	bus      domain.EventBus
	logger   *slog.Logger
	entropy  *ulid.MonotonicEntropy
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a Manager and starts the TTL cleanup goroutine.
func NewManager(cfg ManagerConfig, bus domain.EventBus, logger *slog.Logger) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 8
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = 1024 * 1024
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 1 * time.Minute
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 2 * time.Second
	}

	pm := &Manager{
		sessions: make(map[string]*processEntry),
		config:   cfg,
		bus:      bus,
		logger:   logger,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		stopCh:   make(chan struct{}),
	}
	go pm.cleanupLoop()
	return pm
}

// Run executes req to completion. A timeout is not an error: the process is
// killed and the result reports TimedOut. Output beyond OutputBufferMax keeps
// the tail and sets Truncated.
func (pm *Manager) Run(ctx context.Context, req domain.ProcessRequest, timeout time.Duration) (*domain.ExecResult, error) {
	if req.Command == "" {
		return nil, domain.NewSubSystemError("process", "Manager.Run", domain.ErrInvalidInput, "command is required")
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := pm.command(runCtx, req)
	stdout := newRingBuffer(pm.config.OutputBufferMax)
	stderr := newRingBuffer(pm.config.OutputBufferMax)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	started := time.Now()
	err := cmd.Run()
	res := &domain.ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(started).Milliseconds(),
		Truncated:  stdout.Dropped() || stderr.Dropped(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = -1
	case ctx.Err() != nil:
		return nil, domain.NewSubSystemError("process", "Manager.Run", domain.ErrCanceled, ctx.Err().Error())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, domain.NewSubSystemError("process", "Manager.Run", domain.ErrIOFailure, err.Error())
	}

	pm.logger.Debug("process run", "plugin", req.PluginID, "command", req.Command,
		"exit_code", res.ExitCode, "timed_out", res.TimedOut, "duration_ms", res.DurationMS)
	return res, nil
}

// Start launches a background process and returns the session immediately.
func (pm *Manager) Start(ctx context.Context, req domain.ProcessRequest) (*domain.ProcessSession, error) {
	if req.Command == "" {
		return nil, domain.NewSubSystemError("process", "Manager.Start", domain.ErrInvalidInput, "command is required")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	activeCount := 0
	for _, entry := range pm.sessions {
		if entry.session.PluginID == req.PluginID && entry.session.Status == domain.ProcessStatusRunning {
			activeCount++
		}
	}
	if activeCount >= pm.config.MaxSessions {
		return nil, domain.NewSubSystemError("process", "Manager.Start", domain.ErrLimitReached,
			fmt.Sprintf("plugin %q has %d/%d active sessions", req.PluginID, activeCount, pm.config.MaxSessions))
	}

	sessionID := pm.newID()

	// Detached from ctx so the session outlives the request that started it.
	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := pm.command(cmdCtx, req)

	stdoutBuf := newRingBuffer(pm.config.OutputBufferMax)
	stderrBuf := newRingBuffer(pm.config.OutputBufferMax)
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, domain.NewSubSystemError("process", "Manager.Start", domain.ErrIOFailure, "stdin pipe: "+err.Error())
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, domain.NewSubSystemError("process", "Manager.Start", domain.ErrIOFailure, "start: "+err.Error())
	}

	session := domain.ProcessSession{
		ID:        sessionID,
		PluginID:  req.PluginID,
		Command:   req.Command,
		Args:      req.Args,
		Dir:       req.Dir,
		PID:       cmd.Process.Pid,
		Status:    domain.ProcessStatusRunning,
		StartedAt: time.Now(),
	}

	entry := &processEntry{
		session: session,
		cmd:     cmd,
		cancel:  cancel,
		stdin:   stdinPipe,
		stdout:  stdoutBuf,
		stderr:  stderrBuf,
		done:    make(chan struct{}),
	}
	pm.sessions[sessionID] = entry

	go pm.waitForCompletion(entry)

	pm.emitEvent(ctx, domain.EventProcessStarted, session)
	pm.logger.Info("process started", "plugin", req.PluginID, "session_id", sessionID, "command", req.Command)

	return &session, nil
}

// List returns snapshots of a plugin's sessions; an empty pluginID lists all.
func (pm *Manager) List(pluginID string) []domain.ProcessSession {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	out := make([]domain.ProcessSession, 0, len(pm.sessions))
	for _, e := range pm.sessions {
		if pluginID != "" && e.session.PluginID != pluginID {
			continue
		}
		out = append(out, e.session)
	}
	return out
}

// Get returns a snapshot of one session.
func (pm *Manager) Get(pluginID, sessionID string) (*domain.ProcessSession, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	entry, err := pm.lookup("Manager.Get", pluginID, sessionID)
	if err != nil {
		return nil, err
	}
	s := entry.session
	return &s, nil
}

// Poll returns output produced since the previous poll and the current status.
func (pm *Manager) Poll(pluginID, sessionID string) (*domain.ProcessPollResult, error) {
	pm.mu.Lock()
	entry, err := pm.lookup("Manager.Poll", pluginID, sessionID)
	if err != nil {
		pm.mu.Unlock()
		return nil, err
	}
	prevStdout := entry.stdoutPollIndex
	prevStderr := entry.stderrPollIndex
	pm.mu.Unlock()

	newOut, nextStdout := entry.stdout.ReadSince(prevStdout)
	newErr, nextStderr := entry.stderr.ReadSince(prevStderr)

	pm.mu.Lock()
	entry.stdoutPollIndex = nextStdout
	entry.stderrPollIndex = nextStderr
	status := entry.session.Status
	exitCode := entry.session.ExitCode
	pm.mu.Unlock()

	return &domain.ProcessPollResult{
		SessionID: sessionID,
		Status:    status,
		Stdout:    newOut,
		Stderr:    newErr,
		ExitCode:  exitCode,
	}, nil
}

// Write sends data to the process's stdin.
func (pm *Manager) Write(pluginID, sessionID, input string) error {
	pm.mu.Lock()
	entry, err := pm.lookup("Manager.Write", pluginID, sessionID)
	if err != nil {
		pm.mu.Unlock()
		return err
	}
	if entry.session.Status != domain.ProcessStatusRunning {
		pm.mu.Unlock()
		return domain.NewSubSystemError("process", "Manager.Write", domain.ErrInvalidInput, "process is not running")
	}
	stdin := entry.stdin
	pm.mu.Unlock()

	if _, err := io.WriteString(stdin, input); err != nil {
		return domain.NewSubSystemError("process", "Manager.Write", domain.ErrIOFailure, err.Error())
	}
	return nil
}

// Kill terminates a running process and waits for it to exit.
func (pm *Manager) Kill(ctx context.Context, pluginID, sessionID string) error {
	pm.mu.Lock()
	entry, err := pm.lookup("Manager.Kill", pluginID, sessionID)
	if err != nil {
		pm.mu.Unlock()
		return err
	}
	if entry.session.Status != domain.ProcessStatusRunning {
		pm.mu.Unlock()
		return domain.NewSubSystemError("process", "Manager.Kill", domain.ErrInvalidInput, "process is not running")
	}
	// Set status BEFORE cancel so waitForCompletion sees it and skips status update.
	entry.session.Status = domain.ProcessStatusKilled
	now := time.Now()
	entry.session.EndedAt = &now
	session := entry.session
	pm.mu.Unlock()

	entry.cancel()
	<-entry.done

	pm.emitEvent(ctx, domain.EventProcessKilled, session)
	pm.logger.Info("process killed", "plugin", pluginID, "session_id", sessionID)
	return nil
}

// Remove kills a running session if needed and forgets it.
func (pm *Manager) Remove(ctx context.Context, pluginID, sessionID string) error {
	pm.mu.Lock()
	entry, err := pm.lookup("Manager.Remove", pluginID, sessionID)
	if err != nil {
		pm.mu.Unlock()
		return err
	}
	running := entry.session.Status == domain.ProcessStatusRunning
	pm.mu.Unlock()

	if running {
		if err := pm.Kill(ctx, pluginID, sessionID); err != nil && !errors.Is(err, domain.ErrInvalidInput) {
			return err
		}
	}

	pm.mu.Lock()
	delete(pm.sessions, sessionID)
	pm.mu.Unlock()
	return nil
}

// KillPlugin kills every running session owned by pluginID. The lifecycle
// controller calls it when a plugin is torn down.
func (pm *Manager) KillPlugin(ctx context.Context, pluginID string) int {
	killed := 0
	for _, s := range pm.List(pluginID) {
		if s.Status != domain.ProcessStatusRunning {
			continue
		}
		if err := pm.Kill(ctx, pluginID, s.ID); err == nil {
			killed++
		}
	}
	return killed
}

// Stop shuts down the cleanup goroutine and kills all running processes.
func (pm *Manager) Stop(ctx context.Context) {
	pm.stopOnce.Do(func() {
		close(pm.stopCh)
	})

	pm.mu.Lock()
	var running []*processEntry
	now := time.Now()
	for _, e := range pm.sessions {
		if e.session.Status == domain.ProcessStatusRunning {
			e.session.Status = domain.ProcessStatusKilled
			e.session.EndedAt = &now
			running = append(running, e)
		}
	}
	pm.mu.Unlock()

	for _, e := range running {
		e.cancel()
		<-e.done
	}
}

// --- internal ---

func (pm *Manager) command(ctx context.Context, req domain.ProcessRequest) *exec.Cmd {
	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env
	cmd.WaitDelay = pm.config.WaitDelay
	return cmd
}

// lookup must be called with pm.mu held.
func (pm *Manager) lookup(op, pluginID, sessionID string) (*processEntry, error) {
	entry, ok := pm.sessions[sessionID]
	if !ok || (pluginID != "" && entry.session.PluginID != pluginID) {
		return nil, domain.NewSubSystemError("process", op, domain.ErrNotFound, "session "+sessionID)
	}
	return entry, nil
}

func (pm *Manager) waitForCompletion(entry *processEntry) {
	err := entry.cmd.Wait()
	close(entry.done)

	pm.mu.Lock()
	// Only update status and emit completion event if Kill()/Stop() hasn't already set it.
	emitCompletion := entry.session.Status == domain.ProcessStatusRunning
	if emitCompletion {
		now := time.Now()
		entry.session.EndedAt = &now
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			entry.session.Status = domain.ProcessStatusCompleted
			code := 0
			entry.session.ExitCode = &code
		case errors.As(err, &exitErr):
			entry.session.Status = domain.ProcessStatusFailed
			code := exitErr.ExitCode()
			entry.session.ExitCode = &code
		default:
			entry.session.Status = domain.ProcessStatusFailed
		}
	}
	entry.stdin.Close()
	session := entry.session
	pm.mu.Unlock()

	if emitCompletion {
		pm.emitEvent(context.Background(), domain.EventProcessCompleted, session)
	}
	pm.logger.Info("process finished", "plugin", session.PluginID, "session_id", session.ID, "status", session.Status)
}

func (pm *Manager) cleanupLoop() {
	ticker := time.NewTicker(pm.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stopCh:
			return
		case <-ticker.C:
			pm.cleanupExpired()
		}
	}
}

func (pm *Manager) cleanupExpired() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	cutoff := time.Now().Add(-pm.config.SessionTTL)
	for id, entry := range pm.sessions {
		if entry.session.Status != domain.ProcessStatusRunning && entry.session.EndedAt != nil {
			if entry.session.EndedAt.Before(cutoff) {
				delete(pm.sessions, id)
				pm.logger.Debug("process session expired", "session_id", id)
			}
		}
	}
}

func (pm *Manager) emitEvent(ctx context.Context, eventType domain.EventType, session domain.ProcessSession) {
	if pm.bus == nil {
		return
	}
	pm.bus.Publish(ctx, domain.NewEvent(eventType, session.PluginID, session))
}

// newID must be called with pm.mu held; the monotonic entropy source is not
// safe for concurrent use.
func (pm *Manager) newID() string {
	return ulid.MustNew(ulid.Now(), pm.entropy).String()
}
