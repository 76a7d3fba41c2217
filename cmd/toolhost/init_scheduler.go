package main

import (
	"context"
	"log/slog"
	"time"

	"toolhost/internal/infra/config"
	"toolhost/internal/usecase/scheduling"
)

// auditRetentionSchedule is how often audit retention runs.
const auditRetentionSchedule = "@hourly"

// initScheduler registers the host's maintenance tasks: catalog refresh,
// audit retention and registry rescans. Tasks without configuration are
// left out. The caller starts and stops the scheduler.
func initScheduler(cfg *config.Config, sec *SecurityComponents, plugins *PluginComponents, log *slog.Logger) (*scheduling.Scheduler, error) {
	sched := scheduling.NewScheduler(log.With("component", "scheduler"))

	if cfg.Installer.CatalogURL != "" && cfg.Installer.CatalogRefresh != "" {
		sched.RegisterAction(scheduling.ActionCatalogRefresh, plugins.Catalog.Refresh)
		if err := sched.AddTask(scheduling.Task{
			Name:     "catalog-refresh",
			Schedule: cfg.Installer.CatalogRefresh,
			Action:   scheduling.ActionCatalogRefresh,
			Timeout:  time.Minute,
		}); err != nil {
			return nil, err
		}
	}

	if sec.Audit != nil && sec.Retention {
		sched.RegisterAction(scheduling.ActionAuditRetention, func(ctx context.Context) error {
			n, err := sec.Audit.EnforceRetention(ctx)
			if n > 0 {
				log.Info("audit retention applied", "removed", n)
			}
			return err
		})
		if err := sched.AddTask(scheduling.Task{
			Name:     "audit-retention",
			Schedule: auditRetentionSchedule,
			Action:   scheduling.ActionAuditRetention,
			RunNow:   true,
		}); err != nil {
			return nil, err
		}
	}

	if cfg.Plugins.Rescan != "" {
		sched.RegisterAction(scheduling.ActionRegistryRescan, plugins.Registry.Reload)
		if err := sched.AddTask(scheduling.Task{
			Name:     "registry-rescan",
			Schedule: cfg.Plugins.Rescan,
			Action:   scheduling.ActionRegistryRescan,
			Timeout:  30 * time.Second,
		}); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
