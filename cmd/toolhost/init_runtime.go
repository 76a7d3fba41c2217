package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"toolhost/internal/adapter/capability"
	"toolhost/internal/backend"
	"toolhost/internal/domain"
	"toolhost/internal/infra/config"
	"toolhost/internal/usecase/exthost"
	"toolhost/internal/usecase/lifecycle"
	"toolhost/internal/usecase/process"
)

// storageKeyEnv names the variable holding the storage passphrase.
const storageKeyEnv = "TOOLHOST_STORAGE_KEY"

// RuntimeComponents holds everything that runs plugin code.
type RuntimeComponents struct {
	Supervisor *backend.Supervisor
	Lifecycle  *lifecycle.Controller
	Procs      *process.Manager
	Host       *exthost.Host
	Surfaces   *exthost.SurfaceRegistry
	Backend    *capability.Backend
	Store      *capability.Store
}

// initRuntime wires the supervisor, the lifecycle controller and the
// extension host with every capability module. notifier delivers backend
// events to UI surfaces.
func initRuntime(ctx context.Context, cfg *config.Config, plugins *PluginComponents, sec *SecurityComponents,
	bus domain.EventBus, notifier exthost.Notifier, log *slog.Logger) (*RuntimeComponents, error) {
	if err := os.MkdirAll(cfg.Host.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	supCfg := backend.Config{
		Python:          cfg.Runtime.Python,
		Node:            cfg.Runtime.Node,
		DataDir:         cfg.Host.DataDir,
		KillGrace:       cfg.Runtime.KillGrace,
		CallTimeout:     cfg.Runtime.CallTimeout,
		WASMMaxMemoryMB: cfg.Runtime.WASMMaxMemoryMB,
	}
	if sec.Audit != nil {
		supCfg.Audit = sec.Audit
	}
	sup := backend.NewSupervisor(supCfg, log)
	sup.OnExit(func(info backend.ExitInfo) {
		if !info.Disposed {
			log.Warn("backend exited unexpectedly", "plugin", info.PluginID, "channel", info.ChannelID, "code", info.Code, "error", info.Err)
		}
	})

	procs := process.NewManager(process.ManagerConfig{
		MaxSessions:     cfg.Shell.MaxSessions,
		SessionTTL:      cfg.Shell.SessionTTL,
		OutputBufferMax: cfg.Shell.OutputBufferMax,
	}, bus, log.With("component", "process"))

	lc := lifecycle.NewController(lifecycle.Config{
		StopDebounce: cfg.Runtime.StopDebounce,
		ReadyTimeout: cfg.Runtime.ReadyTimeout,
		CallTimeout:  cfg.Runtime.CallTimeout,
	}, lifecycle.Deps{
		Plugins:  plugins.Registry,
		Backends: sup,
		Procs:    procs,
		Bus:      bus,
	}, log)

	surfaces := exthost.NewSurfaceRegistry()
	var denials exthost.DenialRecorder
	var actions capability.ActionAuditor
	if sec.Audit != nil {
		denials = sec.Audit
		actions = sec.Audit
	}
	host := exthost.NewHost(ctx, exthost.Config{
		DataDir:        cfg.Host.DataDir,
		CallsPerSecond: cfg.Limits.CallsPerSecond,
		Burst:          cfg.Limits.Burst,
	}, plugins.Registry, surfaces, denials, log)

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	backendModule := capability.NewBackend(lc, notifier, log)
	host.Register(capability.NewWindow(capability.NewHeadlessWindows(log)))
	host.Register(capability.NewFS(capability.DefaultMaxReadBytes))
	host.Register(capability.NewStorage(store))
	host.Register(capability.NewShell(procs, actions, cfg.Shell.ExecTimeout))
	host.Register(capability.NewPython(procs, cfg.Runtime.Python, cfg.Shell.ExecTimeout))
	host.Register(backendModule)
	host.Register(capability.NewTelemetry())

	return &RuntimeComponents{
		Supervisor: sup,
		Lifecycle:  lc,
		Procs:      procs,
		Host:       host,
		Surfaces:   surfaces,
		Backend:    backendModule,
		Store:      store,
	}, nil
}

// openStore opens the storage database, encrypted when configured.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*capability.Store, error) {
	var passphrase string
	if cfg.Storage.Encrypt {
		passphrase = os.Getenv(storageKeyEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("storage.encrypt is on but %s is not set", storageKeyEnv)
		}
	}
	store, err := capability.OpenStore(ctx, filepath.Join(cfg.Host.DataDir, "storage.db"), passphrase)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("plugin storage opened", "encrypted", store.Encrypted())
	return store, nil
}

// Close stops every plugin, then the process manager, supervisor and store.
func (rt *RuntimeComponents) Close(ctx context.Context) error {
	errs := []error{rt.Lifecycle.Close(ctx)}
	rt.Procs.Stop(ctx)
	errs = append(errs, rt.Supervisor.Shutdown(ctx), rt.Store.Close())
	return errors.Join(errs...)
}
