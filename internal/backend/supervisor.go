package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"toolhost/internal/domain"
	"toolhost/internal/infra/tracer"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultCallTimeout = 30 * time.Second
	DefaultKillGrace   = 3 * time.Second
	portProbeInterval  = 100 * time.Millisecond
)

// Config configures a Supervisor.
type Config struct {
	Python          string // interpreter override; empty means python3 from PATH
	Node            string
	DataDir         string // per-plugin data dirs live at <DataDir>/plugins/<id>
	KillGrace       time.Duration
	CallTimeout     time.Duration
	WASMMaxMemoryMB int
	Audit           domain.AuditLogger // optional
}

// ExitInfo describes a backend that has exited, for whatever reason.
type ExitInfo struct {
	PluginID  string
	ChannelID string
	Code      int
	Err       error
	Disposed  bool // exit followed Dispose
}

// Supervisor spawns plugin backends and owns their channels.
type Supervisor struct {
	cfg      Config
	launcher *launcher
	logger   *slog.Logger

	channels sync.Map // channelID -> *channel
	configs  sync.Map // channelID -> domain.BackendConfig

	hookMu sync.RWMutex
	hooks  []func(ExitInfo)

	wasmOnce sync.Once
	wasm     *wasmRuntime
	wasmErr  error

	// spawn is replaceable in tests.
	spawn func(ctx context.Context, pluginID, channelID, root string, cfg domain.BackendConfig) (proc, error)
}

var _ domain.Backends = (*Supervisor)(nil)

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	s := &Supervisor{
		cfg:      cfg,
		launcher: newLauncher(cfg.Python, cfg.Node),
		logger:   logger.With("component", "supervisor"),
	}
	s.spawn = s.spawnProcess
	return s
}

// DataDir returns the private data directory of a plugin.
func (s *Supervisor) DataDir(pluginID string) string {
	if s.cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(s.cfg.DataDir, "plugins", pluginID)
}

// OnExit registers a hook called after every backend exit.
func (s *Supervisor) OnExit(fn func(ExitInfo)) {
	s.hookMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hookMu.Unlock()
}

// Register spawns the backend described by cfg and returns its handle. The
// backend is not yet ready; see WaitForReady.
func (s *Supervisor) Register(ctx context.Context, pluginID, rootPath string, cfg domain.BackendConfig) (*domain.BackendHandle, error) {
	ctx, span := tracer.StartSpan(ctx, "backend.register")
	span.SetAttributes(tracer.PluginAttr(pluginID), tracer.StringAttr("backend.type", string(cfg.Type)))

	channelID := pluginID + ":" + ulid.Make().String()
	p, err := s.spawn(ctx, pluginID, channelID, rootPath, cfg)
	s.audit(ctx, pluginID, channelID, cfg, err)
	if err != nil {
		tracer.End(span, err)
		return nil, err
	}

	c := newChannel(channelID, pluginID, cfg.Type, p, s.logger.With("plugin", pluginID))
	s.channels.Store(channelID, c)
	s.configs.Store(channelID, cfg)
	c.start(func(code int, err error) { s.exited(c, code, err) })

	c.logger.Info("backend started", "type", cfg.Type, "pid", p.PID())
	tracer.End(span, nil)
	return &domain.BackendHandle{PluginID: pluginID, ChannelID: channelID, PID: p.PID(), Type: cfg.Type}, nil
}

func (s *Supervisor) spawnProcess(ctx context.Context, pluginID, channelID, root string, cfg domain.BackendConfig) (proc, error) {
	dataDir := s.DataDir(pluginID)
	if cfg.Type == domain.BackendWASM {
		entry, err := confine(root, cfg.Entry)
		if err != nil {
			return nil, err
		}
		rt, err := s.wasmRuntime(ctx)
		if err != nil {
			return nil, err
		}
		env := s.launcher.env(pluginID, channelID, wasmPluginMount, wasmDataMount, cfg)
		return rt.start(ctx, entry, root, dataDir, cfg.Args, env)
	}

	spec, err := s.launcher.build(pluginID, channelID, root, dataDir, cfg)
	if err != nil {
		return nil, err
	}
	p, err := startOS(spec)
	if err != nil {
		return nil, domain.NewSubSystemError("supervisor", "backend.spawn", domain.ErrIOFailure,
			fmt.Sprintf("start %s: %v", spec.Path, err))
	}
	return p, nil
}

func (s *Supervisor) wasmRuntime(ctx context.Context) (*wasmRuntime, error) {
	s.wasmOnce.Do(func() {
		s.wasm, s.wasmErr = newWASMRuntime(context.WithoutCancel(ctx), s.cfg.WASMMaxMemoryMB, s.logger)
	})
	return s.wasm, s.wasmErr
}

func (s *Supervisor) audit(ctx context.Context, pluginID, channelID string, cfg domain.BackendConfig, err error) {
	if s.cfg.Audit == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
	}
	ev := domain.AuditEvent{
		Timestamp: time.Now(),
		Type:      domain.AuditBackendStart,
		PluginID:  pluginID,
		Action:    "backend.register",
		Outcome:   outcome,
		Detail:    map[string]string{"channel": channelID, "type": string(cfg.Type)},
	}
	if aerr := s.cfg.Audit.Log(ctx, ev); aerr != nil {
		s.logger.Warn("audit write failed", "error", aerr)
	}
}

func (s *Supervisor) exited(c *channel, code int, err error) {
	s.channels.Delete(c.id)
	s.configs.Delete(c.id)
	info := ExitInfo{PluginID: c.pluginID, ChannelID: c.id, Code: code, Err: err, Disposed: c.disposing.Load()}

	s.hookMu.RLock()
	hooks := slices.Clone(s.hooks)
	s.hookMu.RUnlock()
	for _, h := range hooks {
		h(info)
	}
}

func (s *Supervisor) channel(op, channelID string) (*channel, error) {
	v, ok := s.channels.Load(channelID)
	if !ok {
		return nil, domain.NewSubSystemError("supervisor", op, domain.ErrChannelNotFound, channelID)
	}
	return v.(*channel), nil
}

// WaitForReady blocks until the backend is ready according to its readiness
// mode. It fails fast if the backend exits first.
func (s *Supervisor) WaitForReady(ctx context.Context, channelID string, timeout time.Duration) (*domain.ReadyInfo, error) {
	c, err := s.channel("backend.waitForReady", channelID)
	if err != nil {
		return nil, err
	}
	cfgV, _ := s.configs.Load(channelID)
	cfg, _ := cfgV.(domain.BackendConfig)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	switch readyModeOf(cfg) {
	case domain.ReadyNone:
		return &domain.ReadyInfo{}, nil
	case domain.ReadyPort:
		return s.probePort(ctx, c, cfg.Port, timer.C)
	}

	select {
	case <-c.ready:
		return c.readyInfo, nil
	case <-c.done:
		// A backend may announce itself and exit straight away.
		select {
		case <-c.ready:
			return c.readyInfo, nil
		default:
		}
		return nil, domain.NewSubSystemError("ready", "backend.waitForReady", domain.ErrProcessCrash,
			fmt.Sprintf("backend exited with code %d before ready", c.exitCode))
	case <-timer.C:
		return nil, domain.NewSubSystemError("ready", "backend.waitForReady", domain.ErrTimeout,
			"no $ready within "+timeout.String())
	case <-ctx.Done():
		return nil, domain.NewDomainError("backend.waitForReady", domain.ErrCanceled, ctx.Err().Error())
	}
}

func readyModeOf(cfg domain.BackendConfig) domain.ReadyMode {
	if cfg.Ready != "" {
		return cfg.Ready
	}
	return domain.ReadyHandshake
}

// probePort dials 127.0.0.1:port until it accepts a connection.
func (s *Supervisor) probePort(ctx context.Context, c *channel, port int, deadline <-chan time.Time) (*domain.ReadyInfo, error) {
	if port <= 0 {
		return nil, domain.NewSubSystemError("ready", "backend.waitForReady", domain.ErrInvalidInput, "port readiness without a port")
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ticker := time.NewTicker(portProbeInterval)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("tcp", addr, portProbeInterval)
		if err == nil {
			conn.Close()
			return &domain.ReadyInfo{}, nil
		}
		select {
		case <-ticker.C:
		case <-c.done:
			return nil, domain.NewSubSystemError("ready", "backend.waitForReady", domain.ErrProcessCrash,
				fmt.Sprintf("backend exited with code %d before listening on %s", c.exitCode, addr))
		case <-deadline:
			return nil, domain.NewSubSystemError("ready", "backend.waitForReady", domain.ErrTimeout,
				"nothing listening on "+addr)
		case <-ctx.Done():
			return nil, domain.NewDomainError("backend.waitForReady", domain.ErrCanceled, ctx.Err().Error())
		}
	}
}

// Call sends a request and waits for the correlated response. A zero timeout
// uses the configured default.
func (s *Supervisor) Call(ctx context.Context, channelID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c, err := s.channel("backend.call", channelID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}
	return c.call(ctx, method, params, timeout)
}

// Notify sends a request that expects no response.
func (s *Supervisor) Notify(channelID, method string, params any) error {
	c, err := s.channel("backend.notify", channelID)
	if err != nil {
		return err
	}
	return c.notify(method, params)
}

// Subscribe registers handler for every unsolicited message on the channel,
// including the final exit or error message.
func (s *Supervisor) Subscribe(channelID string, handler func(domain.ChannelMessage)) (func(), error) {
	c, err := s.channel("backend.subscribe", channelID)
	if err != nil {
		return nil, err
	}
	return c.subscribe(handler), nil
}

// Dispose stops a backend: stdin is closed, then SIGTERM, then a kill once
// the grace period has passed. Disposing an unknown channel is a no-op.
func (s *Supervisor) Dispose(ctx context.Context, channelID string) error {
	v, ok := s.channels.Load(channelID)
	if !ok {
		return nil
	}
	c := v.(*channel)
	if !c.disposing.CompareAndSwap(false, true) {
		<-c.done
		return nil
	}
	defer func() {
		s.channels.Delete(channelID)
		s.configs.Delete(channelID)
	}()

	c.closeStdin()
	if err := c.proc.Terminate(); err != nil {
		c.logger.Debug("terminate failed", "error", err)
	}

	grace := time.NewTimer(s.cfg.KillGrace)
	defer grace.Stop()
	select {
	case <-c.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	c.logger.Warn("backend did not stop in time, killing", "grace", s.cfg.KillGrace)
	if err := c.proc.Kill(); err != nil {
		return domain.NewSubSystemError("supervisor", "backend.dispose", domain.ErrIOFailure, err.Error())
	}
	<-c.done
	return nil
}

// ChannelInfo is a snapshot of one live channel.
type ChannelInfo struct {
	ChannelID string             `json:"channelId"`
	PluginID  string             `json:"pluginId"`
	PID       int                `json:"pid"`
	Type      domain.BackendType `json:"type"`
	StartedAt time.Time          `json:"startedAt"`
}

// Channels lists live channels.
func (s *Supervisor) Channels() []ChannelInfo {
	var out []ChannelInfo
	s.channels.Range(func(_, v any) bool {
		c := v.(*channel)
		out = append(out, ChannelInfo{ChannelID: c.id, PluginID: c.pluginID, PID: c.proc.PID(), Type: c.typ, StartedAt: c.started})
		return true
	})
	return out
}

// Shutdown disposes every channel in parallel and closes the WASI runtime.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	s.channels.Range(func(k, _ any) bool {
		id := k.(string)
		g.Go(func() error { return s.Dispose(ctx, id) })
		return true
	})
	err := g.Wait()
	if s.wasm != nil {
		if cerr := s.wasm.close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.logger.Info("supervisor shut down")
	return err
}
