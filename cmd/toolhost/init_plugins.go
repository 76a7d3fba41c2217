package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"toolhost/internal/domain"
	"toolhost/internal/infra/config"
	"toolhost/internal/plugin"
	"toolhost/internal/security"
)

// PluginComponents holds discovery and install state.
type PluginComponents struct {
	Registry  *plugin.Registry
	Catalog   *plugin.Catalog
	Installer *plugin.Installer
}

// initPlugins builds the registry over every configured source, the remote
// catalog and the installer, then loads the registry. bus may be nil.
func initPlugins(ctx context.Context, cfg *config.Config, bus domain.EventBus, log *slog.Logger) (*PluginComponents, error) {
	installedDir := cfg.InstalledDir()
	if err := os.MkdirAll(installedDir, 0o755); err != nil {
		return nil, fmt.Errorf("create installed dir: %w", err)
	}

	sources := []plugin.Source{{Dir: installedDir, Kind: domain.SourceInstalled}}
	for _, d := range cfg.Plugins.UserDirs {
		sources = append(sources, plugin.Source{Dir: d, Kind: domain.SourceUser})
	}
	for _, d := range cfg.Plugins.DevDirs {
		sources = append(sources, plugin.Source{Dir: d, Kind: domain.SourceDev})
	}
	registry := plugin.NewRegistry(plugin.RegistryConfig{
		HostProtocol: cfg.Host.ProtocolVersion,
		MaxDepth:     cfg.Plugins.ScanDepth,
		Policy: plugin.PermissionPolicy{
			Allowed: cfg.Plugins.AllowPermissions,
			Denied:  cfg.Plugins.DenyPermissions,
		},
		Sources: sources,
	}, bus, log.With("component", "registry"))

	policy := security.URLPolicy{
		AllowPrivate: cfg.Installer.AllowPrivateHosts,
		RequireHTTPS: cfg.Installer.RequireHTTPS,
	}
	catalog := plugin.NewCatalog(plugin.CatalogConfig{
		URL:      cfg.Installer.CatalogURL,
		CacheDir: filepath.Join(cfg.Host.DataDir, "cache"),
		CacheTTL: cfg.Installer.CatalogCacheTTL,
		Client:   policy.Client(0),
	}, log.With("component", "catalog"))
	installer := plugin.NewInstaller(plugin.InstallerConfig{
		PluginDir:       installedDir,
		MaxArchiveBytes: int64(cfg.Installer.MaxArchiveMB) << 20,
		Client:          policy.Client(cfg.Installer.DownloadTimeout),
		CheckURL:        policy.Check,
	}, catalog, bus, log.With("component", "installer"))

	if err := registry.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return &PluginComponents{Registry: registry, Catalog: catalog, Installer: installer}, nil
}
