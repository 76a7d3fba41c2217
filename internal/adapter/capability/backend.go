package capability

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"toolhost/internal/domain"
	"toolhost/internal/usecase/exthost"
)

// Lifecycle is the part of the lifecycle controller the backend module
// needs.
type Lifecycle interface {
	AcquirePlugin(ctx context.Context, id string) (domain.PluginLease, error)
	CallBackend(ctx context.Context, id, method string, params any, timeout time.Duration) (json.RawMessage, error)
	NotifyBackend(id, method string, params any) error
	OnBackendEvent(id, event string, fn func(domain.ChannelMessage)) (func(), error)
}

// Backend is the backend.* capability. A surface may only drive the backend
// of the plugin that owns it. Each surface holds at most one start
// reference and its event forwards are dropped when it is released. A
// reference whose session has crashed is stale: registering again takes a
// fresh one.
type Backend struct {
	lc       Lifecycle
	notifier exthost.Notifier
	logger   *slog.Logger

	mu         sync.Mutex
	registered map[string]*surfaceRef
	forwards   map[string]map[string]func() // surface -> event -> unsubscribe
}

// NewBackend creates the backend module.
func NewBackend(lc Lifecycle, notifier exthost.Notifier, logger *slog.Logger) *Backend {
	return &Backend{
		lc:         lc,
		notifier:   notifier,
		logger:     logger.With("component", "capability.backend"),
		registered: make(map[string]*surfaceRef),
		forwards:   make(map[string]map[string]func()),
	}
}

func (b *Backend) Name() string { return "backend" }

type backendCallParams struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int             `json:"timeoutMs,omitempty"`
}

type eventParams struct {
	Event string `json:"event"`
}

// BackendEvent is what a surface receives for a forwarded backend event.
type BackendEvent struct {
	PluginID string          `json:"pluginId"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data,omitempty"`
	ExitCode *int            `json:"exitCode,omitempty"`
	Message  string          `json:"message,omitempty"`
}

func (b *Backend) Methods() map[string]exthost.Handler {
	return map[string]exthost.Handler{
		"register": method(b.register),
		"dispose":  method(b.dispose),
		"call":     method(b.call),
		"notify":   method(b.notify),
		"on":       method(b.on),
		"off":      method(b.off),
	}
}

// surfaceRef is a surface's start reference. lease is nil while the start
// is in flight.
type surfaceRef struct {
	pluginID string
	lease    domain.PluginLease
}

func (b *Backend) register(ctx context.Context, call *exthost.Call, _ struct{}) (any, error) {
	b.mu.Lock()
	if held, ok := b.registered[call.Surface]; ok && (held.lease == nil || held.lease.Active()) {
		b.mu.Unlock()
		return okResult{true}, nil
	}
	ref := &surfaceRef{pluginID: call.PluginID()}
	b.registered[call.Surface] = ref
	b.mu.Unlock()

	l, err := b.lc.AcquirePlugin(ctx, ref.pluginID)
	b.mu.Lock()
	current := b.registered[call.Surface] == ref
	if err != nil {
		if current {
			delete(b.registered, call.Surface)
		}
		b.mu.Unlock()
		return nil, err
	}
	if current {
		ref.lease = l
	}
	b.mu.Unlock()
	if !current {
		// Released while starting.
		l.Release()
	}
	return okResult{true}, nil
}

func (b *Backend) dispose(_ context.Context, call *exthost.Call, _ struct{}) (any, error) {
	b.ReleaseSurface(call.Surface)
	return okResult{true}, nil
}

func (b *Backend) call(ctx context.Context, call *exthost.Call, p backendCallParams) (any, error) {
	if err := requireFields("backend.call", "method", p.Method); err != nil {
		return nil, err
	}
	var timeout time.Duration
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}
	return b.lc.CallBackend(ctx, call.PluginID(), p.Method, params(p.Params), timeout)
}

func (b *Backend) notify(_ context.Context, call *exthost.Call, p backendCallParams) (any, error) {
	if err := requireFields("backend.notify", "method", p.Method); err != nil {
		return nil, err
	}
	return okResult{true}, b.lc.NotifyBackend(call.PluginID(), p.Method, params(p.Params))
}

// params passes raw JSON through untouched, or nil when absent.
func params(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (b *Backend) on(_ context.Context, call *exthost.Call, p eventParams) (any, error) {
	if err := requireFields("backend.on", "event", p.Event); err != nil {
		return nil, err
	}
	surface, pluginID := call.Surface, call.PluginID()
	b.mu.Lock()
	if _, dup := b.forwards[surface][p.Event]; dup {
		b.mu.Unlock()
		return okResult{true}, nil
	}
	b.mu.Unlock()

	unsub, err := b.lc.OnBackendEvent(pluginID, p.Event, func(m domain.ChannelMessage) {
		ev := BackendEvent{PluginID: pluginID, Event: m.Event, Data: m.Data, ExitCode: m.ExitCode, Message: m.Message}
		if ev.Event == "" {
			ev.Event = m.Kind
		}
		if err := b.notifier.NotifySurface(surface, "backend:"+p.Event, ev); err != nil {
			b.logger.Debug("forward backend event failed", "surface", surface, "event", p.Event, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.forwards[surface][p.Event]; dup {
		unsub()
		return okResult{true}, nil
	}
	if b.forwards[surface] == nil {
		b.forwards[surface] = make(map[string]func())
	}
	b.forwards[surface][p.Event] = unsub
	return okResult{true}, nil
}

func (b *Backend) off(_ context.Context, call *exthost.Call, p eventParams) (any, error) {
	b.mu.Lock()
	var unsubs []func()
	if p.Event == "" {
		for _, u := range b.forwards[call.Surface] {
			unsubs = append(unsubs, u)
		}
		delete(b.forwards, call.Surface)
	} else if u, ok := b.forwards[call.Surface][p.Event]; ok {
		unsubs = append(unsubs, u)
		delete(b.forwards[call.Surface], p.Event)
	}
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	return map[string]any{"removed": len(unsubs)}, nil
}

// ReleaseSurface drops the surface's event forwards and its start
// reference. The gateway calls it when a surface goes away.
func (b *Backend) ReleaseSurface(surfaceID string) {
	b.mu.Lock()
	ref := b.registered[surfaceID]
	delete(b.registered, surfaceID)
	fwd := b.forwards[surfaceID]
	delete(b.forwards, surfaceID)
	b.mu.Unlock()

	for _, u := range fwd {
		u()
	}
	if ref != nil && ref.lease != nil {
		ref.lease.Release()
	}
}
