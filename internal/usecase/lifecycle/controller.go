// Package lifecycle starts and stops plugins on behalf of UI surfaces.
//
// Every surface that needs a plugin takes a reference with StartPlugin and
// releases it with StopPlugin. A plugin's backend runs while at least one
// reference is held; after the last release it is torn down once the stop
// debounce elapses, unless a new start arrives first.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"toolhost/internal/backend"
	"toolhost/internal/domain"
	"toolhost/internal/infra/tracer"
	"toolhost/internal/usecase/eventbus"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultStopDebounce = 1200 * time.Millisecond
	DefaultReadyTimeout = 10 * time.Second
)

// Config tunes the controller.
type Config struct {
	StopDebounce time.Duration
	ReadyTimeout time.Duration
	CallTimeout  time.Duration // zero uses the supervisor default
}

// Plugins is the registry surface the controller needs.
type Plugins interface {
	domain.PluginLookup
	domain.StatusWriter
}

// ProcessKiller stops shell sessions a plugin left running.
type ProcessKiller interface {
	KillPlugin(ctx context.Context, pluginID string) int
}

// Deps are the controller's collaborators. Procs and Bus are optional; a
// private bus is created when Bus is nil.
type Deps struct {
	Plugins  Plugins
	Backends domain.Backends
	Procs    ProcessKiller
	Bus      domain.EventBus
}

// SessionInfo is a snapshot of a plugin session.
type SessionInfo struct {
	PluginID  string              `json:"pluginId"`
	ChannelID string              `json:"channelId,omitempty"`
	PID       int                 `json:"pid,omitempty"`
	RefCount  int                 `json:"refCount"`
	Status    domain.PluginStatus `json:"status"`
	StartedAt time.Time           `json:"startedAt"`
}

// session is the runtime state of one started plugin. It is removed from
// the controller when torn down or when the backend dies; a removed session
// is never reused.
type session struct {
	mu        sync.Mutex
	pluginID  string
	status    domain.PluginStatus
	refCount  int
	client    *backend.Client // nil for frontend-only plugins
	loading   chan struct{}   // closed when the start attempt finishes
	startErr  error
	teardown  *time.Timer
	gen       int // bumped whenever a pending teardown is armed or cancelled
	stopping  bool
	exited    bool
	exitCode  int
	removed   bool
	startedAt time.Time
}

// Controller is the reference-counted plugin lifecycle state machine.
type Controller struct {
	cfg      Config
	plugins  Plugins
	backends domain.Backends
	procs    ProcessKiller
	bus      domain.EventBus
	ownBus   bool
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewController creates a Controller.
func NewController(cfg Config, deps Deps, logger *slog.Logger) *Controller {
	if cfg.StopDebounce <= 0 {
		cfg.StopDebounce = DefaultStopDebounce
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	c := &Controller{
		cfg:      cfg,
		plugins:  deps.Plugins,
		backends: deps.Backends,
		procs:    deps.Procs,
		bus:      deps.Bus,
		logger:   logger.With("component", "lifecycle"),
		sessions: make(map[string]*session),
	}
	if c.bus == nil {
		c.bus = eventbus.New(logger)
		c.ownBus = true
	}
	return c
}

// Bus returns the bus status changes are published on.
func (c *Controller) Bus() domain.EventBus { return c.bus }

// SubscribeStatus calls fn for every plugin status change.
func (c *Controller) SubscribeStatus(fn func(domain.PluginStatusChange)) func() {
	return c.bus.Subscribe(domain.EventPluginStatus, func(_ context.Context, ev domain.Event) {
		var change domain.PluginStatusChange
		if err := json.Unmarshal(ev.Payload, &change); err != nil {
			c.logger.Warn("malformed status event", "error", err)
			return
		}
		fn(change)
	})
}

func (c *Controller) getOrCreate(id string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		s = &session{pluginID: id, status: domain.PluginStatusStopped}
		c.sessions[id] = s
	}
	return s
}

func (c *Controller) get(id string) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// remove must be called with s.mu held.
func (c *Controller) remove(s *session) {
	s.removed = true
	c.mu.Lock()
	if c.sessions[s.pluginID] == s {
		delete(c.sessions, s.pluginID)
	}
	c.mu.Unlock()
}

// StartPlugin takes a reference on the plugin and makes sure it is running.
// Concurrent starts share a single spawn. A start that arrives while a
// teardown is pending cancels it.
func (c *Controller) StartPlugin(ctx context.Context, id string) error {
	_, err := c.start(ctx, id)
	return err
}

// AcquirePlugin is StartPlugin returning the reference as a lease. Releasing
// a lease taken before a crash does not touch the session started after it.
func (c *Controller) AcquirePlugin(ctx context.Context, id string) (domain.PluginLease, error) {
	s, err := c.start(ctx, id)
	if err != nil {
		return nil, err
	}
	return &lease{c: c, s: s}, nil
}

type lease struct {
	c    *Controller
	s    *session
	once sync.Once
}

func (l *lease) Release() { l.once.Do(func() { l.c.release(l.s) }) }

func (l *lease) Active() bool {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return !l.s.removed
}

func (c *Controller) start(ctx context.Context, id string) (*session, error) {
	rec, ok := c.plugins.GetByID(id)
	if !ok {
		return nil, domain.NewSubSystemError("registry", "lifecycle.start", domain.ErrNotFound, id)
	}

	for {
		s := c.getOrCreate(id)
		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}
		if s.teardown != nil {
			s.teardown.Stop()
			s.teardown = nil
			s.gen++
			c.logger.Debug("pending teardown cancelled", "plugin", id)
		}
		s.refCount++

		switch s.status {
		case domain.PluginStatusRunning:
			s.mu.Unlock()
			return s, nil
		case domain.PluginStatusLoading:
			wait := s.loading
			s.mu.Unlock()
			return s, c.awaitStart(ctx, s, wait)
		}

		s.status = domain.PluginStatusLoading
		s.loading = make(chan struct{})
		s.startedAt = time.Now()
		wait := s.loading
		s.mu.Unlock()

		c.setStatus(ctx, id, domain.PluginStatusLoading, "")
		go c.spawn(context.WithoutCancel(ctx), s, rec)
		return s, c.awaitStart(ctx, s, wait)
	}
}

// awaitStart waits for the start attempt. A caller that gives up releases
// its reference.
func (c *Controller) awaitStart(ctx context.Context, s *session, wait <-chan struct{}) error {
	select {
	case <-wait:
		s.mu.Lock()
		err := s.startErr
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		c.release(s)
		return domain.NewDomainError("lifecycle.start", domain.ErrCanceled, ctx.Err().Error())
	}
}

func (c *Controller) spawn(ctx context.Context, s *session, rec *domain.PluginRecord) {
	ctx, span := tracer.StartSpan(ctx, "lifecycle.start")
	span.SetAttributes(tracer.PluginAttr(rec.ID), tracer.StringAttr("plugin.mode", string(rec.Mode)))

	var client *backend.Client
	var err error
	if cfg := backendSpec(rec.Manifest); cfg != nil {
		client = backend.NewClient(c.backends, rec.ID, rec.Path, *cfg, backend.ClientOptions{
			ReadyTimeout: c.cfg.ReadyTimeout,
			CallTimeout:  c.cfg.CallTimeout,
		})
		client.On(backend.KindExit, func(m domain.ChannelMessage) { c.backendExited(s, client, m) })
		client.On(backend.KindError, func(m domain.ChannelMessage) { c.backendExited(s, client, m) })
		_, err = client.Connect(ctx)
	}

	s.mu.Lock()
	if err == nil && s.exited {
		err = domain.NewSubSystemError("ready", "lifecycle.start", domain.ErrProcessCrash,
			fmt.Sprintf("backend exited with code %d right after start", s.exitCode))
	}
	if err != nil {
		s.status = domain.PluginStatusError
		s.startErr = err
		s.refCount = 0
		c.remove(s)
		close(s.loading)
		s.mu.Unlock()

		if client != nil {
			client.Disconnect(ctx)
		}
		c.logger.Warn("plugin failed to start", "plugin", rec.ID, "error", err)
		c.setStatus(ctx, rec.ID, domain.PluginStatusError, err.Error())
		tracer.End(span, err)
		return
	}

	s.status = domain.PluginStatusRunning
	s.client = client
	s.startErr = nil
	close(s.loading)
	if s.refCount == 0 {
		c.armTeardown(s)
	}
	s.mu.Unlock()

	c.logger.Info("plugin running", "plugin", rec.ID, "backend", client != nil)
	c.setStatus(ctx, rec.ID, domain.PluginStatusRunning, "")
	tracer.End(span, nil)
}

func backendSpec(m domain.Manifest) *domain.BackendConfig {
	if m.Runtime == nil {
		return nil
	}
	return m.Runtime.BackendSpec()
}

// StopPlugin releases one reference. Releasing the last reference arms the
// debounced teardown. Stopping a plugin that is not started is a no-op.
func (c *Controller) StopPlugin(id string) {
	if s, ok := c.get(id); ok {
		c.release(s)
	}
}

func (c *Controller) release(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.refCount == 0 {
		return
	}
	s.refCount--
	if s.refCount == 0 && s.status == domain.PluginStatusRunning {
		c.armTeardown(s)
	}
}

// armTeardown must be called with s.mu held.
func (c *Controller) armTeardown(s *session) {
	if s.teardown != nil {
		return
	}
	s.gen++
	gen := s.gen
	s.teardown = time.AfterFunc(c.cfg.StopDebounce, func() { c.fireTeardown(s, gen) })
	c.logger.Debug("teardown armed", "plugin", s.pluginID, "after", c.cfg.StopDebounce)
}

func (c *Controller) fireTeardown(s *session, gen int) {
	s.mu.Lock()
	if s.gen != gen || s.teardown == nil || s.refCount > 0 || s.removed {
		s.mu.Unlock()
		return
	}
	s.teardown = nil
	c.detach(s)
	s.mu.Unlock()
	c.shutdown(context.Background(), s)
}

// detach marks s as going away and removes it. Must be called with s.mu held.
func (c *Controller) detach(s *session) {
	s.stopping = true
	s.refCount = 0
	c.remove(s)
}

// shutdown stops the backend and any shell sessions of a detached session.
func (c *Controller) shutdown(ctx context.Context, s *session) error {
	var err error
	if s.client != nil {
		if err = s.client.Disconnect(ctx); err != nil {
			c.logger.Warn("backend dispose failed", "plugin", s.pluginID, "error", err)
		}
	}
	if c.procs != nil {
		if n := c.procs.KillPlugin(ctx, s.pluginID); n > 0 {
			c.logger.Info("killed leftover shell sessions", "plugin", s.pluginID, "count", n)
		}
	}
	s.mu.Lock()
	s.status = domain.PluginStatusStopped
	s.mu.Unlock()

	c.logger.Info("plugin stopped", "plugin", s.pluginID)
	c.setStatus(ctx, s.pluginID, domain.PluginStatusStopped, "")
	return err
}

// backendExited handles the exit of a session's backend. Exits caused by
// teardown are expected; anything else while running is a crash.
func (c *Controller) backendExited(s *session, client *backend.Client, m domain.ChannelMessage) {
	code := -1
	if m.ExitCode != nil {
		code = *m.ExitCode
	}

	s.mu.Lock()
	if s.stopping || s.removed {
		s.mu.Unlock()
		return
	}
	if s.status == domain.PluginStatusLoading {
		s.exited = true
		s.exitCode = code
		s.mu.Unlock()
		return
	}
	if s.client != client {
		s.mu.Unlock()
		return
	}
	if s.teardown != nil {
		s.teardown.Stop()
		s.teardown = nil
	}
	s.status = domain.PluginStatusError
	s.refCount = 0
	c.remove(s)
	s.mu.Unlock()

	msg := fmt.Sprintf("backend exited unexpectedly with code %d", code)
	if m.Message != "" {
		msg += ": " + m.Message
	}
	c.logger.Error("plugin crashed", "plugin", s.pluginID, "exit_code", code)

	ctx := context.Background()
	// The channel is already gone; this only clears the client's listeners.
	client.Disconnect(ctx)
	if c.procs != nil {
		c.procs.KillPlugin(ctx, s.pluginID)
	}
	c.bus.Publish(ctx, domain.NewEvent(domain.EventPluginCrashed, s.pluginID, map[string]any{
		"exitCode": code,
		"error":    msg,
	}))
	c.setStatus(ctx, s.pluginID, domain.PluginStatusError, msg)
}

func (c *Controller) setStatus(ctx context.Context, id string, status domain.PluginStatus, errMsg string) {
	if err := c.plugins.UpdateStatus(id, status, errMsg); err != nil {
		c.logger.Debug("status update for unknown plugin", "plugin", id, "error", err)
	}
	c.bus.Publish(ctx, domain.NewEvent(domain.EventPluginStatus, id, domain.PluginStatusChange{
		PluginID: id,
		Status:   status,
		Error:    errMsg,
	}))
}

// running returns the client of a running plugin with a backend.
func (c *Controller) running(op, id string) (*backend.Client, error) {
	s, ok := c.get(id)
	if ok {
		s.mu.Lock()
		client, status := s.client, s.status
		s.mu.Unlock()
		if status == domain.PluginStatusRunning && client != nil {
			return client, nil
		}
		if status == domain.PluginStatusRunning {
			return nil, domain.NewDomainError(op, domain.ErrInvalidInput, id+" has no backend")
		}
	}
	return nil, domain.NewSubSystemError("supervisor", op, domain.ErrProcessNotRunning, id+" is not running")
}

// CallBackend calls a method on a running plugin's backend.
func (c *Controller) CallBackend(ctx context.Context, id, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	client, err := c.running("lifecycle.call", id)
	if err != nil {
		return nil, err
	}
	return c.backends.Call(ctx, client.ChannelID(), method, params, timeout)
}

// NotifyBackend sends a notification to a running plugin's backend.
func (c *Controller) NotifyBackend(id, method string, params any) error {
	client, err := c.running("lifecycle.notify", id)
	if err != nil {
		return err
	}
	return client.Notify(method, params)
}

// OnBackendEvent listens for a backend event of a running plugin. The
// listener is dropped automatically when the backend stops.
func (c *Controller) OnBackendEvent(id, event string, fn func(domain.ChannelMessage)) (func(), error) {
	client, err := c.running("lifecycle.on", id)
	if err != nil {
		return nil, err
	}
	return client.On(event, fn), nil
}

// Channel returns the backend channel of a running plugin.
func (c *Controller) Channel(id string) (string, bool) {
	client, err := c.running("lifecycle.channel", id)
	if err != nil {
		return "", false
	}
	return client.ChannelID(), true
}

// Session returns a snapshot of the plugin's session.
func (c *Controller) Session(id string) (SessionInfo, bool) {
	s, ok := c.get(id)
	if !ok {
		return SessionInfo{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{PluginID: id, RefCount: s.refCount, Status: s.status, StartedAt: s.startedAt}
	if s.client != nil {
		if h := s.client.Handle(); h != nil {
			info.ChannelID = h.ChannelID
			info.PID = h.PID
		}
	}
	return info, true
}

// Sessions lists every tracked session.
func (c *Controller) Sessions() []SessionInfo {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	out := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := c.Session(id); ok {
			out = append(out, info)
		}
	}
	return out
}

// StopAll tears down every session in parallel, ignoring references and
// pending debounces. Starts still in flight are waited for first.
func (c *Controller) StopAll(ctx context.Context) error {
	c.mu.Lock()
	all := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		all = append(all, s)
	}
	c.mu.Unlock()

	// A failed stop must not cancel its siblings.
	var g errgroup.Group
	for _, s := range all {
		g.Go(func() error { return c.stopNow(ctx, s) })
	}
	err := g.Wait()
	c.logger.Info("all plugins stopped", "count", len(all))
	return err
}

// ForceStop tears down one plugin regardless of its references, waiting
// for an in-flight start first. Stopping a plugin that is not started is a
// no-op.
func (c *Controller) ForceStop(ctx context.Context, id string) error {
	s, ok := c.get(id)
	if !ok {
		return nil
	}
	return c.stopNow(ctx, s)
}

func (c *Controller) stopNow(ctx context.Context, s *session) error {
	s.mu.Lock()
	if s.status == domain.PluginStatusLoading {
		wait := s.loading
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	if s.removed || s.status != domain.PluginStatusRunning {
		s.mu.Unlock()
		return nil
	}
	if s.teardown != nil {
		s.teardown.Stop()
		s.teardown = nil
	}
	c.detach(s)
	s.mu.Unlock()
	return c.shutdown(ctx, s)
}

// Close stops every plugin and closes the controller's own bus.
func (c *Controller) Close(ctx context.Context) error {
	err := c.StopAll(ctx)
	if c.ownBus {
		c.bus.Close()
	}
	return err
}
