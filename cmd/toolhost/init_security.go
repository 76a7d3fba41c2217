package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"toolhost/internal/infra/config"
	"toolhost/internal/security"
)

// SecurityComponents holds the audit log. Audit is nil when auditing is
// disabled; callers must check before wiring it into interfaces.
type SecurityComponents struct {
	Audit     *security.FileAuditLogger
	Retention bool // a retention policy is set and should be enforced periodically
}

// initSecurity opens the audit log and applies its retention policy.
// Returns the components and a cleanup function.
func initSecurity(cfg *config.Config, log *slog.Logger) (*SecurityComponents, func(), error) {
	comp := &SecurityComponents{}
	if !cfg.Audit.Enabled {
		return comp, func() {}, nil
	}

	policy, err := retentionPolicy(cfg.Audit.Retention)
	if err != nil {
		return nil, nil, err
	}

	path := cfg.AuditPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create audit dir: %w", err)
	}
	audit, err := security.NewFileAuditLogger(path)
	if err != nil {
		return nil, nil, fmt.Errorf("audit logger: %w", err)
	}
	if policy.MaxAge > 0 || policy.MaxSize > 0 {
		audit.SetRetention(policy)
		comp.Retention = true
	}
	comp.Audit = audit

	log.Info("audit logging enabled", "path", path, "retention", comp.Retention)
	return comp, func() { audit.Close() }, nil
}

func retentionPolicy(rc config.RetentionConfig) (security.RetentionPolicy, error) {
	var p security.RetentionPolicy
	if rc.MaxAge != "" {
		d, err := time.ParseDuration(rc.MaxAge)
		if err != nil {
			return p, fmt.Errorf("parse audit retention max_age: %w", err)
		}
		p.MaxAge = d
	}
	if rc.MaxSize != "" {
		n, err := security.ParseRetentionMaxSize(rc.MaxSize)
		if err != nil {
			return p, fmt.Errorf("parse audit retention max_size: %w", err)
		}
		p.MaxSize = n
	}
	return p, nil
}
