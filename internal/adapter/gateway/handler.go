package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"toolhost/internal/domain"
	"toolhost/internal/plugin"
	"toolhost/internal/usecase/exthost"
	"toolhost/internal/usecase/lifecycle"
)

// Dispatcher is the extension host entry point.
type Dispatcher interface {
	Dispatch(ctx context.Context, surfaceID, module, method string, payload json.RawMessage) (any, error)
}

// PluginDirectory lists known plugins and rescans their sources.
type PluginDirectory interface {
	domain.PluginLookup
	Reload(ctx context.Context) error
}

// Lifecycle starts and stops plugins.
type Lifecycle interface {
	AcquirePlugin(ctx context.Context, id string) (domain.PluginLease, error)
	ForceStop(ctx context.Context, id string) error
	Session(id string) (lifecycle.SessionInfo, bool)
}

// PluginInstaller installs and removes plugin archives.
type PluginInstaller interface {
	Install(ctx context.Context, entry plugin.InstallEntry, progress plugin.ProgressFunc) (*domain.Manifest, error)
	InstallFromCatalog(ctx context.Context, id string, progress plugin.ProgressFunc) (*domain.Manifest, error)
	Uninstall(ctx context.Context, id string) error
	Cancel(id string) error
}

// HandlerDeps holds dependencies needed by RPC handlers. Installer may be
// nil, which disables the install methods.
type HandlerDeps struct {
	Host      Dispatcher
	Plugins   PluginDirectory
	Lifecycle Lifecycle
	Installer PluginInstaller
	Surfaces  *exthost.SurfaceRegistry
	Logger    *slog.Logger
}

// decode unmarshals an RPC payload.
func decode[T any](method string, payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, domain.NewDomainError(method, domain.ErrRPCInvalidPayload, err.Error())
	}
	return v, nil
}

func requireID(method, id string) error {
	if id == "" {
		return domain.NewDomainError(method, domain.ErrInvalidInput, "id is required")
	}
	return nil
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server
// and releases connection-held resources on disconnect.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	h := &handlers{srv: s, deps: deps}

	s.RegisterHandler("ext.invoke", h.invoke)
	s.RegisterHandler("surface.bind", h.bind)
	s.RegisterHandler("surface.unbind", h.unbind)
	s.RegisterHandler("plugin.list", h.list)
	s.RegisterHandler("plugin.start", h.start)
	s.RegisterHandler("plugin.stop", h.stop)
	if deps.Installer != nil {
		s.RegisterHandler("plugin.install", h.install)
		s.RegisterHandler("plugin.uninstall", h.uninstall)
		s.RegisterHandler("plugin.cancel", h.cancel)
	}

	s.OnSurfaceClosed(func(surfaceID string) { deps.Surfaces.Unbind(surfaceID) })
	s.OnDisconnect(h.releaseStarts)
}

type handlers struct {
	srv  *Server
	deps HandlerDeps
}

type invokeRequest struct {
	SurfaceID string          `json:"surfaceId"`
	Module    string          `json:"module"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (h *handlers) invoke(ctx context.Context, conn *Conn, payload json.RawMessage) (any, error) {
	req, err := decode[invokeRequest]("ext.invoke", payload)
	if err != nil {
		return nil, err
	}
	if !conn.Owns(req.SurfaceID) {
		return nil, domain.NewSubSystemError("exthost", "ext.invoke", domain.ErrAccessDenied,
			fmt.Sprintf("surface %q is not bound by this client", req.SurfaceID))
	}
	return h.deps.Host.Dispatch(ctx, req.SurfaceID, req.Module, req.Method, req.Payload)
}

type bindRequest struct {
	SurfaceID string `json:"surfaceId"`
	PluginID  string `json:"pluginId"`
}

func (h *handlers) bind(_ context.Context, conn *Conn, payload json.RawMessage) (any, error) {
	req, err := decode[bindRequest]("surface.bind", payload)
	if err != nil {
		return nil, err
	}
	if req.SurfaceID == "" || req.PluginID == "" {
		return nil, domain.NewDomainError("surface.bind", domain.ErrInvalidInput, "surfaceId and pluginId are required")
	}
	if _, ok := h.deps.Plugins.GetByID(req.PluginID); !ok {
		return nil, domain.NewSubSystemError("registry", "surface.bind", domain.ErrNotFound, req.PluginID)
	}
	if owner, ok := h.deps.Surfaces.Owner(req.SurfaceID); ok && owner != req.PluginID && conn.Owns(req.SurfaceID) {
		// Rebinding to another plugin drops what the old owner held.
		h.srv.ReleaseSurface(req.SurfaceID)
	}
	if err := h.srv.BindSurface(conn, req.SurfaceID); err != nil {
		return nil, err
	}
	h.deps.Surfaces.Bind(req.SurfaceID, req.PluginID)
	return map[string]any{"surfaceId": req.SurfaceID, "pluginId": req.PluginID}, nil
}

func (h *handlers) unbind(_ context.Context, conn *Conn, payload json.RawMessage) (any, error) {
	req, err := decode[bindRequest]("surface.unbind", payload)
	if err != nil {
		return nil, err
	}
	if conn.Owns(req.SurfaceID) {
		h.srv.ReleaseSurface(req.SurfaceID)
	}
	return map[string]bool{"ok": true}, nil
}

// PluginInfo is one entry of plugin.list.
type PluginInfo struct {
	domain.PluginRecord
	Session *lifecycle.SessionInfo `json:"session,omitempty"`
}

func (h *handlers) list(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	recs := h.deps.Plugins.GetAll()
	out := make([]PluginInfo, 0, len(recs))
	for _, rec := range recs {
		info := PluginInfo{PluginRecord: rec}
		if s, ok := h.deps.Lifecycle.Session(rec.ID); ok {
			info.Session = &s
		}
		out = append(out, info)
	}
	return out, nil
}

type idRequest struct {
	ID string `json:"id"`
}

func (h *handlers) start(ctx context.Context, conn *Conn, payload json.RawMessage) (any, error) {
	req, err := decode[idRequest]("plugin.start", payload)
	if err != nil {
		return nil, err
	}
	if err := requireID("plugin.start", req.ID); err != nil {
		return nil, err
	}
	lease, err := h.deps.Lifecycle.AcquirePlugin(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	conn.mu.Lock()
	conn.starts[req.ID] = append(conn.starts[req.ID], lease)
	conn.mu.Unlock()
	info, _ := h.deps.Lifecycle.Session(req.ID)
	return info, nil
}

func (h *handlers) stop(_ context.Context, conn *Conn, payload json.RawMessage) (any, error) {
	req, err := decode[idRequest]("plugin.stop", payload)
	if err != nil {
		return nil, err
	}
	conn.mu.Lock()
	var lease domain.PluginLease
	if held := conn.starts[req.ID]; len(held) > 0 {
		lease = held[len(held)-1]
		if held = held[:len(held)-1]; len(held) == 0 {
			delete(conn.starts, req.ID)
		} else {
			conn.starts[req.ID] = held
		}
	}
	conn.mu.Unlock()
	if lease != nil {
		lease.Release()
	}
	return map[string]bool{"released": lease != nil}, nil
}

// releaseStarts drops every start reference a departing client held.
func (h *handlers) releaseStarts(conn *Conn) {
	conn.mu.Lock()
	starts := conn.starts
	conn.starts = make(map[string][]domain.PluginLease)
	conn.mu.Unlock()
	for _, leases := range starts {
		for _, l := range leases {
			l.Release()
		}
	}
}

type installRequest struct {
	plugin.InstallEntry
}

func (h *handlers) install(ctx context.Context, conn *Conn, payload json.RawMessage) (any, error) {
	req, err := decode[installRequest]("plugin.install", payload)
	if err != nil {
		return nil, err
	}
	if err := requireID("plugin.install", req.ID); err != nil {
		return nil, err
	}
	progress := func(p plugin.Progress) {
		// Progress is best effort; the bus carries it too.
		conn.Event("install.progress", p)
	}
	// Installs outlive the requesting connection; plugin.cancel aborts them.
	ctx = context.WithoutCancel(ctx)

	var m *domain.Manifest
	if req.URL == "" {
		m, err = h.deps.Installer.InstallFromCatalog(ctx, req.ID, progress)
	} else {
		m, err = h.deps.Installer.Install(ctx, req.InstallEntry, progress)
	}
	if err != nil {
		return nil, err
	}
	if err := h.deps.Plugins.Reload(ctx); err != nil {
		h.deps.Logger.Warn("registry reload after install failed", "plugin", m.ID, "error", err)
	}
	return m, nil
}

func (h *handlers) uninstall(ctx context.Context, _ *Conn, payload json.RawMessage) (any, error) {
	req, err := decode[idRequest]("plugin.uninstall", payload)
	if err != nil {
		return nil, err
	}
	if err := requireID("plugin.uninstall", req.ID); err != nil {
		return nil, err
	}
	if err := h.deps.Lifecycle.ForceStop(ctx, req.ID); err != nil {
		return nil, err
	}
	for _, surfaceID := range h.deps.Surfaces.Surfaces(req.ID) {
		h.srv.ReleaseSurface(surfaceID)
	}
	h.deps.Surfaces.UnbindPlugin(req.ID)
	if err := h.deps.Installer.Uninstall(ctx, req.ID); err != nil {
		return nil, err
	}
	if err := h.deps.Plugins.Reload(ctx); err != nil {
		h.deps.Logger.Warn("registry reload after uninstall failed", "plugin", req.ID, "error", err)
	}
	return map[string]bool{"ok": true}, nil
}

func (h *handlers) cancel(_ context.Context, _ *Conn, payload json.RawMessage) (any, error) {
	req, err := decode[idRequest]("plugin.cancel", payload)
	if err != nil {
		return nil, err
	}
	if err := requireID("plugin.cancel", req.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, h.deps.Installer.Cancel(req.ID)
}
