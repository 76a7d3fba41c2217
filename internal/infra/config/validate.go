package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateHost(cfg, ve)
	validatePlugins(cfg, ve)
	validateRuntime(cfg, ve)
	validateInstaller(cfg, ve)
	validateLimits(cfg, ve)
	validateShell(cfg, ve)
	validateGateway(cfg, ve)
	validateAudit(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateHost(cfg *Config, ve *ValidationError) {
	if cfg.Host.DataDir == "" {
		ve.Add("host.data_dir is required")
	}
	if _, err := semver.NewVersion(cfg.Host.ProtocolVersion); err != nil {
		ve.Add("host.protocol_version %q is not a semantic version", cfg.Host.ProtocolVersion)
	}
}

func validatePlugins(cfg *Config, ve *ValidationError) {
	if cfg.Plugins.ScanDepth < 1 || cfg.Plugins.ScanDepth > 8 {
		ve.Add("plugins.scan_depth must be between 1 and 8 (got %d)", cfg.Plugins.ScanDepth)
	}
	deny := make(map[string]bool, len(cfg.Plugins.DenyPermissions))
	for _, p := range cfg.Plugins.DenyPermissions {
		deny[p] = true
	}
	for _, p := range cfg.Plugins.AllowPermissions {
		if deny[p] {
			ve.Add("plugins: permission %q is both allowed and denied", p)
		}
	}
	if cfg.Plugins.Rescan != "" && !validSchedule(cfg.Plugins.Rescan) {
		ve.Add("plugins.rescan %q is neither a duration nor a cron spec", cfg.Plugins.Rescan)
	}
}

// validSchedule accepts a positive duration or a five-field cron spec.
func validSchedule(spec string) bool {
	if d, err := time.ParseDuration(spec); err == nil {
		return d > 0
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := parser.Parse(spec)
	return err == nil
}

func validateRuntime(cfg *Config, ve *ValidationError) {
	r := cfg.Runtime
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"runtime.call_timeout", r.CallTimeout},
		{"runtime.ready_timeout", r.ReadyTimeout},
		{"runtime.kill_grace", r.KillGrace},
	}
	for _, p := range positive {
		if p.d <= 0 {
			ve.Add("%s must be > 0", p.name)
		}
	}
	if r.StopDebounce < 0 {
		ve.Add("runtime.stop_debounce must be >= 0")
	}
	if r.WASMMaxMemoryMB < 1 || r.WASMMaxMemoryMB > 4096 {
		ve.Add("runtime.wasm_max_memory_mb must be between 1 and 4096 (got %d)", r.WASMMaxMemoryMB)
	}
}

func validateInstaller(cfg *Config, ve *ValidationError) {
	in := cfg.Installer
	if in.CatalogURL != "" {
		u, err := url.Parse(in.CatalogURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			ve.Add("installer.catalog_url %q is not an http(s) URL", in.CatalogURL)
		}
	}
	if in.CatalogRefresh != "" {
		if in.CatalogURL == "" {
			ve.Add("installer.catalog_refresh requires installer.catalog_url")
		}
		if !validSchedule(in.CatalogRefresh) {
			ve.Add("installer.catalog_refresh %q is neither a duration nor a cron spec", in.CatalogRefresh)
		}
	}
	if in.DownloadTimeout <= 0 {
		ve.Add("installer.download_timeout must be > 0")
	}
	if in.MaxArchiveMB <= 0 {
		ve.Add("installer.max_archive_mb must be > 0")
	}
}

func validateLimits(cfg *Config, ve *ValidationError) {
	if cfg.Limits.CallsPerSecond < 0 {
		ve.Add("limits.calls_per_second must be >= 0")
	}
	if cfg.Limits.CallsPerSecond > 0 && cfg.Limits.Burst < 1 {
		ve.Add("limits.burst must be >= 1 when limiting is enabled")
	}
}

func validateShell(cfg *Config, ve *ValidationError) {
	if cfg.Shell.ExecTimeout <= 0 {
		ve.Add("shell.exec_timeout must be > 0")
	}
	if cfg.Shell.MaxSessions <= 0 {
		ve.Add("shell.max_sessions must be > 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	host, _, err := net.SplitHostPort(cfg.Gateway.Addr)
	if err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
		return
	}
	if len(cfg.Gateway.Tokens) == 0 && !isLoopback(host) {
		ve.Add("gateway.tokens are required when gateway.addr is not a loopback address")
	}
	for i, tok := range cfg.Gateway.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.tokens[%d].token is empty", i)
		}
		if strings.HasPrefix(tok.Token, "enc:") {
			ve.Add("gateway.tokens[%d] is encrypted but TOOLHOST_CONFIG_KEY is not set", i)
		}
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if cfg.Audit.Retention.MaxAge != "" {
		if _, err := time.ParseDuration(cfg.Audit.Retention.MaxAge); err != nil {
			ve.Add("audit.retention.max_age %q is not a valid duration", cfg.Audit.Retention.MaxAge)
		}
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported (want stdout or noop)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}
