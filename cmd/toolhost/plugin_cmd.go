package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/tetratelabs/wazero"

	"toolhost/internal/domain"
	"toolhost/internal/infra/config"
	"toolhost/internal/plugin"
)

func runPlugin(args []string) error {
	args = stripConfigFlag(args)
	if len(args) == 0 {
		printPluginUsage(os.Stdout)
		return nil
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx := context.Background()

	switch args[0] {
	case "list":
		return runPluginList(ctx, os.Stdout, cfg)
	case "validate":
		if len(args) < 2 {
			return fmt.Errorf("usage: toolhost plugin validate <path>")
		}
		return runPluginValidate(ctx, os.Stdout, cfg, args[1])
	case "search":
		if len(args) < 2 {
			return fmt.Errorf("usage: toolhost plugin search <query>")
		}
		return runPluginSearch(ctx, os.Stdout, cfg, strings.Join(args[1:], " "))
	case "install":
		switch len(args) {
		case 2:
			return runPluginInstall(ctx, os.Stdout, cfg, args[1], nil)
		case 4:
			return runPluginInstall(ctx, os.Stdout, cfg, args[1],
				&plugin.InstallEntry{ID: args[1], URL: args[2], SHA256: args[3]})
		default:
			return fmt.Errorf("usage: toolhost plugin install <id> [<url> <sha256>]")
		}
	case "update":
		if len(args) < 2 {
			return fmt.Errorf("usage: toolhost plugin update <id>")
		}
		return runPluginUpdate(ctx, os.Stdout, cfg, args[1])
	case "uninstall", "remove":
		if len(args) < 2 {
			return fmt.Errorf("usage: toolhost plugin uninstall <id>")
		}
		return runPluginUninstall(ctx, os.Stdout, cfg, args[1])
	default:
		return fmt.Errorf("unknown plugin subcommand: %s\n\nRun 'toolhost plugin' for usage", args[0])
	}
}

func printPluginUsage(w io.Writer) {
	fmt.Fprintln(w, `toolhost plugin - Plugin management tools

USAGE:
    toolhost plugin <COMMAND>

COMMANDS:
    list                          List plugins from every configured source
    validate <path>               Validate a plugin directory
    search <query>                Search the plugin catalog
    install <id> [<url> <sha256>] Install from the catalog, or from a URL
    update <id>                   Reinstall the catalog's current version
    uninstall <id>                Remove an installed plugin (data is kept)`)
}

// stripConfigFlag drops --config and its value so subcommand arguments
// stay positional.
func stripConfigFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config":
			i++
		case strings.HasPrefix(args[i], "--config="):
		default:
			out = append(out, args[i])
		}
	}
	return out
}

func runPluginList(ctx context.Context, w io.Writer, cfg *config.Config) error {
	plugins, err := initPlugins(ctx, cfg, nil, discardLogger())
	if err != nil {
		return err
	}
	records := plugins.Registry.GetAll()
	if len(records) == 0 {
		fmt.Fprintln(w, "No plugins found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tMODE\tSOURCE\tBACKEND\tPERMISSIONS")
	for _, r := range records {
		backend := "-"
		if spec := r.Manifest.Runtime.BackendSpec(); spec != nil {
			backend = string(spec.Type)
		}
		perms := "-"
		if len(r.Manifest.Permissions) > 0 {
			perms = strings.Join(r.Manifest.Permissions, ", ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Manifest.Version, r.Mode, r.Source, backend, perms)
	}
	return tw.Flush()
}

// runPluginValidate checks a plugin directory the same way the registry
// would load it, then checks the backend entry point.
func runPluginValidate(ctx context.Context, w io.Writer, cfg *config.Config, path string) error {
	dir, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(dir, domain.ManifestFile))
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	m, err := plugin.ParseManifest(data, filepath.Base(dir))
	if err != nil {
		fmt.Fprintf(w, "FAIL: %v\n", err)
		return fmt.Errorf("validation failed")
	}

	var issues []string
	if err := plugin.CheckProtocol(cfg.Host.ProtocolVersion, m.Protocol); err != nil {
		issues = append(issues, err.Error())
	}
	policy := plugin.PermissionPolicy{Allowed: cfg.Plugins.AllowPermissions, Denied: cfg.Plugins.DenyPermissions}
	if err := policy.Validate(m); err != nil {
		issues = append(issues, err.Error())
	}
	for _, p := range m.Permissions {
		if !plugin.IsKnownPermission(p) {
			fmt.Fprintf(w, "WARN: unknown permission %q is ignored by the host\n", p)
		}
	}

	if spec := m.Runtime.BackendSpec(); spec != nil {
		issues = append(issues, validateBackend(ctx, w, dir, spec)...)
	}

	if len(issues) > 0 {
		fmt.Fprintln(w, "Validation results:")
		for _, issue := range issues {
			fmt.Fprintf(w, "  FAIL: %s\n", issue)
		}
		return fmt.Errorf("validation failed with %d issues", len(issues))
	}

	fmt.Fprintf(w, "PASS: plugin %q v%s is valid (%s)\n", m.ID, m.Version, m.Mode())
	return nil
}

func validateBackend(ctx context.Context, w io.Writer, dir string, spec *domain.BackendConfig) []string {
	if spec.Command != "" || spec.Entry == "" {
		return nil
	}
	entry := filepath.Join(dir, spec.Entry)
	if _, err := os.Stat(entry); err != nil {
		return []string{fmt.Sprintf("backend entry not found: %s", spec.Entry)}
	}
	if spec.Type != domain.BackendWASM {
		return nil
	}

	code, err := os.ReadFile(entry)
	if err != nil {
		return []string{fmt.Sprintf("read wasm module: %v", err)}
	}
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	if _, err := rt.CompileModule(ctx, code); err != nil {
		return []string{fmt.Sprintf("wasm compile failed: %v", err)}
	}
	fmt.Fprintln(w, "PASS: WASM module compiles successfully")
	return nil
}

func runPluginSearch(ctx context.Context, w io.Writer, cfg *config.Config, query string) error {
	plugins, err := initPlugins(ctx, cfg, nil, discardLogger())
	if err != nil {
		return err
	}
	results, err := plugins.Catalog.Search(ctx, query)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		fmt.Fprintf(w, "No plugins found for %q.\n", query)
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tDESCRIPTION\tVERIFIED")
	for _, e := range results {
		verified := " "
		if e.Verified {
			verified = "yes"
		}
		desc := e.Description
		if len(desc) > 50 {
			desc = desc[:47] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Version, desc, verified)
	}
	return tw.Flush()
}

// runPluginInstall installs id from the catalog, or from direct when given.
func runPluginInstall(ctx context.Context, w io.Writer, cfg *config.Config, id string, direct *plugin.InstallEntry) error {
	plugins, err := initPlugins(ctx, cfg, nil, discardLogger())
	if err != nil {
		return err
	}
	progress := printProgress(w)

	var m *domain.Manifest
	if direct != nil {
		m, err = plugins.Installer.Install(ctx, *direct, progress)
	} else {
		m, err = plugins.Installer.InstallFromCatalog(ctx, id, progress)
	}
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	fmt.Fprintf(w, "Plugin %q v%s installed successfully.\n", m.ID, m.Version)
	return nil
}

func runPluginUpdate(ctx context.Context, w io.Writer, cfg *config.Config, id string) error {
	plugins, err := initPlugins(ctx, cfg, nil, discardLogger())
	if err != nil {
		return err
	}
	entry, err := plugins.Catalog.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	m, err := plugins.Installer.Update(ctx, entry.InstallEntry(), printProgress(w))
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	fmt.Fprintf(w, "Plugin %q updated to v%s.\n", m.ID, m.Version)
	return nil
}

func runPluginUninstall(ctx context.Context, w io.Writer, cfg *config.Config, id string) error {
	plugins, err := initPlugins(ctx, cfg, nil, discardLogger())
	if err != nil {
		return err
	}
	if err := plugins.Installer.Uninstall(ctx, id); err != nil {
		return fmt.Errorf("uninstall: %w", err)
	}
	fmt.Fprintf(w, "Plugin %q removed. Its data directory was kept.\n", id)
	return nil
}

func printProgress(w io.Writer) plugin.ProgressFunc {
	last := ""
	return func(p plugin.Progress) {
		line := fmt.Sprintf("  %-12s %3d%%", p.Stage, p.Percent)
		if line == last {
			return
		}
		last = line
		fmt.Fprintln(w, line)
	}
}
