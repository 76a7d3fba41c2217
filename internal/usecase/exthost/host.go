// Package exthost is the trust boundary between UI surfaces and the host.
// Every capability call names the calling surface; the host resolves the
// surface to its owning plugin, checks the plugin's declared permissions,
// and only then runs the capability method.
package exthost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"toolhost/internal/domain"
	"toolhost/internal/infra/middleware"
	"toolhost/internal/infra/tracer"
	"toolhost/internal/plugin"
)

// DenialRecorder records refused capability calls.
type DenialRecorder interface {
	LogDenied(ctx context.Context, pluginID, action string, missing []string) error
}

// Config tunes the host.
type Config struct {
	DataDir        string  // plugin data dirs are created under <DataDir>/plugins
	CallsPerSecond float64 // per plugin; zero disables limiting
	Burst          int
}

// Host dispatches capability calls.
type Host struct {
	cfg      Config
	plugins  domain.PluginLookup
	surfaces *SurfaceRegistry
	limiter  *middleware.Limiter
	audit    DenialRecorder
	logger   *slog.Logger

	mu      sync.RWMutex
	modules map[string]Module

	dirMu sync.Mutex
	dirs  map[string]string
}

// NewHost creates a Host. audit may be nil. The rate limiter's sweeper
// stops with ctx.
func NewHost(ctx context.Context, cfg Config, plugins domain.PluginLookup, surfaces *SurfaceRegistry, audit DenialRecorder, logger *slog.Logger) *Host {
	return &Host{
		cfg:      cfg,
		plugins:  plugins,
		surfaces: surfaces,
		limiter:  middleware.NewLimiter(ctx, cfg.CallsPerSecond, cfg.Burst),
		audit:    audit,
		logger:   logger.With("component", "exthost"),
		modules:  make(map[string]Module),
		dirs:     make(map[string]string),
	}
}

// Register adds a capability module, replacing one with the same name.
func (h *Host) Register(m Module) {
	h.mu.Lock()
	h.modules[m.Name()] = m
	h.mu.Unlock()
}

// Modules returns the registered module names, sorted.
func (h *Host) Modules() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.modules))
	for n := range h.modules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Surfaces returns the surface ownership registry.
func (h *Host) Surfaces() *SurfaceRegistry { return h.surfaces }

// Dispatch runs module.method on behalf of the plugin owning surfaceID.
func (h *Host) Dispatch(ctx context.Context, surfaceID, module, method string, payload json.RawMessage) (result any, err error) {
	ctx, span := tracer.StartSpan(ctx, "exthost.dispatch")
	span.SetAttributes(
		tracer.StringAttr("exthost.module", module),
		tracer.StringAttr("exthost.method", method),
	)
	pluginID := ""
	defer func() {
		if err != nil {
			err = normalize(module, method, err)
			h.logger.Warn("capability call failed",
				"plugin", pluginID, "module", module, "method", method,
				"code", domain.ErrorCodeOf(err), "error", err)
		}
		tracer.End(span, err)
	}()

	rec, err := h.resolvePlugin(surfaceID)
	if err != nil {
		return nil, err
	}
	pluginID = rec.ID
	span.SetAttributes(tracer.PluginAttr(pluginID))

	handler, err := h.lookup(module, method)
	if err != nil {
		return nil, err
	}
	if err := h.ensurePermissions(ctx, rec, module, method); err != nil {
		return nil, err
	}
	if !h.limiter.Allow(pluginID) {
		return nil, domain.NewSubSystemError("exthost", module+"."+method, domain.ErrLimitReached,
			"capability call rate exceeded")
	}
	dataDir, err := h.dataDir(pluginID)
	if err != nil {
		return nil, err
	}

	call := &Call{
		Plugin:  *rec,
		Surface: surfaceID,
		Module:  module,
		Method:  method,
		DataDir: dataDir,
		Logger:  h.logger.With("plugin", pluginID, "module", module, "method", method),
	}
	result, err = h.invoke(ctx, handler, call, payload)
	if err != nil {
		return nil, err
	}

	// The surface may have been torn down while the call ran.
	if owner, ok := h.surfaces.Owner(surfaceID); !ok || owner != pluginID {
		return nil, domain.NewSubSystemError("exthost", "exthost.dispatch", domain.ErrAccessDenied,
			"surface was unbound during the call")
	}
	return result, nil
}

// resolvePlugin maps a surface to its owner. It fails closed.
func (h *Host) resolvePlugin(surfaceID string) (*domain.PluginRecord, error) {
	pluginID, ok := h.surfaces.Owner(surfaceID)
	if !ok {
		return nil, domain.NewSubSystemError("exthost", "exthost.resolvePlugin", domain.ErrAccessDenied,
			fmt.Sprintf("surface %q has no owning plugin", surfaceID))
	}
	rec, ok := h.plugins.GetByID(pluginID)
	if !ok {
		return nil, domain.NewSubSystemError("exthost", "exthost.resolvePlugin", domain.ErrAccessDenied,
			fmt.Sprintf("plugin %q is no longer loaded", pluginID))
	}
	return rec, nil
}

func (h *Host) lookup(module, method string) (Handler, error) {
	h.mu.RLock()
	m, ok := h.modules[module]
	h.mu.RUnlock()
	if !ok {
		return nil, domain.NewSubSystemError("exthost", "exthost.lookup", domain.ErrNotFound,
			fmt.Sprintf("unknown module %q", module))
	}
	handler, ok := m.Methods()[method]
	if !ok {
		return nil, domain.NewSubSystemError("exthost", "exthost.lookup", domain.ErrNotFound,
			fmt.Sprintf("unknown method %s.%s", module, method))
	}
	return handler, nil
}

// ensurePermissions rejects the call unless every required permission is
// declared. The error lists exactly the missing permissions.
func (h *Host) ensurePermissions(ctx context.Context, rec *domain.PluginRecord, module, method string) error {
	required, ok := RequiredPermissions(module, method)
	if !ok {
		return domain.NewSubSystemError("exthost", "exthost.ensurePermissions", domain.ErrPermissionDenied,
			fmt.Sprintf("%s.%s is not a gated capability", module, method))
	}
	missing := plugin.MissingPermissions(rec.Manifest, required)
	if len(missing) == 0 {
		return nil
	}
	if h.audit != nil {
		if err := h.audit.LogDenied(ctx, rec.ID, module+"."+method, missing); err != nil {
			h.logger.Warn("audit write failed", "error", err)
		}
	}
	return domain.NewPermissionError(rec.ID, module, method, missing)
}

// dataDir creates the plugin's private data directory on first use.
func (h *Host) dataDir(pluginID string) (string, error) {
	if h.cfg.DataDir == "" {
		return "", nil
	}
	h.dirMu.Lock()
	defer h.dirMu.Unlock()
	if dir, ok := h.dirs[pluginID]; ok {
		return dir, nil
	}
	dir := filepath.Join(h.cfg.DataDir, "plugins", pluginID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", domain.NewDomainError("exthost.dataDir", domain.ErrIOFailure, err.Error())
	}
	h.dirs[pluginID] = dir
	h.logger.Debug("plugin data dir created", "plugin", pluginID, "dir", dir)
	return dir, nil
}

// DataDir returns the plugin's data directory, creating it if needed.
func (h *Host) DataDir(pluginID string) (string, error) { return h.dataDir(pluginID) }

func (h *Host) invoke(ctx context.Context, handler Handler, call *Call, payload json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability panicked: %v", r)
		}
	}()
	return handler(ctx, call, payload)
}

// normalize makes sure every error leaving the host carries a domain
// sentinel and the capability it came from.
func normalize(module, method string, err error) error {
	var de *domain.DomainError
	var pe *domain.PermissionError
	switch {
	case errors.As(err, &de), errors.As(err, &pe):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewDomainError(module+"."+method, domain.ErrTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return domain.NewDomainError(module+"."+method, domain.ErrCanceled, err.Error())
	case domain.ErrorCodeOf(err) != domain.CodeUnknown:
		return domain.WrapOp(module+"."+method, err)
	case errors.Is(err, os.ErrNotExist):
		return domain.NewDomainError(module+"."+method, domain.ErrNotFound, err.Error())
	case errors.Is(err, os.ErrPermission):
		return domain.NewDomainError(module+"."+method, domain.ErrAccessDenied, err.Error())
	default:
		return domain.NewDomainError(module+"."+method, domain.ErrIOFailure, err.Error())
	}
}
