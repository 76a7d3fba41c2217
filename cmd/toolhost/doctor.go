package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"toolhost/internal/infra/config"
	"toolhost/internal/security"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Data directory", Fn: checkDataDir},
		{Name: "Python", Fn: checkInterpreter("python", []string{"python3", "python"})},
		{Name: "Node.js", Fn: checkInterpreter("node", []string{"node"})},
		{Name: "Plugins", Fn: checkPlugins},
		{Name: "Catalog", Fn: checkCatalog},
		{Name: "Gateway", Fn: checkGateway},
		{Name: "Storage", Fn: checkStorage},
		{Name: "Disk space", Fn: checkDiskSpace},
	}
	return reportChecks(os.Stdout, cfg, checks)
}

func reportChecks(w io.Writer, cfg *config.Config, checks []Check) error {
	fmt.Fprintln(w, "toolhost doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Fprintln(w, "\nFix the FAIL issues above before running toolhost.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Fprintln(w, "\ntoolhost should work, but consider addressing the warnings.")
	} else {
		fmt.Fprintln(w, "\nAll checks passed! toolhost is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file loaded. A missing file is
// only a warning since defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check %s syntax and permissions (must not be group/world writable)", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s; using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkDataDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
	}
	dir := cfg.Host.DataDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Set host.data_dir or TOOLHOST_DATA_DIR to a writable directory",
		}
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     "Set host.data_dir or TOOLHOST_DATA_DIR to a writable directory",
		}
	}
	probe.Close()
	os.Remove(probe.Name())
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is writable", dir)}
}

// checkInterpreter looks up the configured interpreter for kind, or the
// first of candidates on PATH. A missing interpreter only disables backends
// of that type.
func checkInterpreter(kind string, candidates []string) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		names := candidates
		if cfg != nil {
			override := cfg.Runtime.Python
			if kind == "node" {
				override = cfg.Runtime.Node
			}
			if override != "" {
				names = []string{override}
			}
		}
		for _, name := range names {
			if p, err := exec.LookPath(name); err == nil {
				return CheckResult{Status: StatusPass, Message: p}
			}
		}
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s not found; %s backends cannot start", strings.Join(names, "/"), kind),
			Fix:     fmt.Sprintf("Install %s or set runtime.%s", kind, kind),
		}
	}
}

func checkPlugins(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
	}
	for _, d := range append(append([]string(nil), cfg.Plugins.UserDirs...), cfg.Plugins.DevDirs...) {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("plugin source %s is not a directory", d),
				Fix:     "Remove it from plugins.user_dirs/dev_dirs or create it",
			}
		}
	}
	plugins, err := initPlugins(context.Background(), cfg, nil, discardLogger())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	n := len(plugins.Registry.GetAll())
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d plugin(s) across %d source(s)", n, len(plugins.Registry.Sources())),
	}
}

func checkCatalog(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Installer.CatalogURL == "" {
		return CheckResult{Status: StatusPass, Message: "no catalog configured; skipped"}
	}
	policy := security.URLPolicy{
		AllowPrivate: cfg.Installer.AllowPrivateHosts,
		RequireHTTPS: cfg.Installer.RequireHTTPS,
	}
	if err := policy.Check(cfg.Installer.CatalogURL); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Use a public https catalog URL or set installer.allow_private_hosts",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.Installer.CatalogURL, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	resp, err := policy.Client(5 * time.Second).Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("catalog unreachable: %v", err),
			Fix:     "Check network access; cached catalog entries are used meanwhile",
		}
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("catalog returned HTTP %d", resp.StatusCode),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s reachable", cfg.Installer.CatalogURL)}
}

// checkGateway fails when the gateway listens beyond loopback without tokens.
func checkGateway(cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}
	host, _, err := net.SplitHostPort(cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bad gateway.addr: %v", err)}
	}
	if len(cfg.Gateway.Tokens) > 0 {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("%s with %d token(s)", cfg.Gateway.Addr, len(cfg.Gateway.Tokens)),
		}
	}
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s (loopback, no tokens)", cfg.Gateway.Addr)}
	}
	return CheckResult{
		Status:  StatusFail,
		Message: fmt.Sprintf("%s is reachable off-host but no tokens are configured", cfg.Gateway.Addr),
		Fix:     "Add gateway.tokens or set TOOLHOST_GATEWAY_TOKEN",
	}
}

func checkStorage(cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Storage.Encrypt {
		return CheckResult{Status: StatusPass, Message: "plugin storage unencrypted"}
	}
	if os.Getenv(storageKeyEnv) == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "storage.encrypt is on but no key is set",
			Fix:     fmt.Sprintf("Export %s before starting toolhost", storageKeyEnv),
		}
	}
	return CheckResult{Status: StatusPass, Message: "encrypted, key present"}
}

func checkDiskSpace(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "config not loaded; space check skipped"}
	}
	absDir, _ := filepath.Abs(cfg.Host.DataDir)
	if info, err := os.Stat(absDir); err != nil || !info.IsDir() {
		return CheckResult{Status: StatusPass, Message: "data directory does not exist yet; space check skipped"}
	}

	out, err := exec.Command("df", "-h", absDir).Output()
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "could not determine disk space (df command failed)"}
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	fields := strings.Fields(lines[len(lines)-1])
	if len(lines) < 2 || len(fields) < 5 {
		return CheckResult{Status: StatusWarn, Message: "unexpected df output format"}
	}

	available, usePercent := fields[3], fields[4]
	var pct int
	fmt.Sscanf(strings.TrimSuffix(usePercent, "%"), "%d", &pct)
	switch {
	case pct >= 95:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("disk almost full: %s used, %s available", usePercent, available),
			Fix:     "Free up disk space or move host.data_dir to another partition",
		}
	case pct >= 85:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("disk usage high: %s used, %s available", usePercent, available),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("disk usage: %s used, %s available", usePercent, available),
	}
}
