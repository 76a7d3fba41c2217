package backend

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"toolhost/internal/domain"
)

// Environment variables every backend receives.
const (
	EnvPluginID  = "TOOLHOST_PLUGIN_ID"
	EnvChannelID = "TOOLHOST_CHANNEL_ID"
	EnvPluginDir = "TOOLHOST_PLUGIN_DIR"
	EnvDataDir   = "TOOLHOST_DATA_DIR"
)

// inheritedEnv is the allow-list of host variables passed through to
// backends. Everything else in the host environment is withheld.
var inheritedEnv = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL", "LANG", "LC_ALL", "LC_CTYPE", "TZ",
	"TMPDIR", "TEMP", "TMP",
	// Windows needs these to start most programs.
	"SYSTEMROOT", "SYSTEMDRIVE", "WINDIR", "COMSPEC", "PATHEXT", "USERPROFILE",
	"APPDATA", "LOCALAPPDATA", "PROGRAMDATA",
}

// launchSpec is a fully resolved command line.
type launchSpec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// launcher resolves interpreters and builds isolated environments.
type launcher struct {
	python   string
	node     string
	lookPath func(string) (string, error)
	environ  func() []string
}

func newLauncher(python, node string) *launcher {
	return &launcher{python: python, node: node, lookPath: exec.LookPath, environ: os.Environ}
}

// build resolves how to start cfg for the plugin rooted at root.
func (l *launcher) build(pluginID, channelID, root, dataDir string, cfg domain.BackendConfig) (launchSpec, error) {
	spec := launchSpec{Dir: root}

	var entry string
	if cfg.Entry != "" {
		e, err := confine(root, cfg.Entry)
		if err != nil {
			return spec, err
		}
		entry = e
	}

	if cfg.Command == "" && entry == "" {
		return spec, domain.NewSubSystemError("supervisor", "launcher.build", domain.ErrInvalidInput, "backend entry is required")
	}

	switch {
	case cfg.Command != "":
		path, err := l.resolveCommand(root, cfg.Command)
		if err != nil {
			return spec, err
		}
		spec.Path = path
		spec.Args = append([]string(nil), cfg.Args...)
		if len(cfg.Args) == 0 && entry != "" {
			spec.Args = []string{entry}
		}
	case cfg.Type == domain.BackendPython:
		path, err := l.resolvePython(root)
		if err != nil {
			return spec, err
		}
		spec.Path = path
		spec.Args = append([]string{"-u", entry}, cfg.Args...)
	case cfg.Type == domain.BackendNode:
		path, err := l.resolveTool(l.node, "node")
		if err != nil {
			return spec, err
		}
		spec.Path = path
		spec.Args = append([]string{entry}, cfg.Args...)
	case cfg.Type == domain.BackendBinary:
		if _, err := os.Stat(entry); err != nil {
			return spec, domain.NewSubSystemError("supervisor", "launcher.build", domain.ErrNotFound, "backend entry "+cfg.Entry)
		}
		spec.Path = entry
		spec.Args = append([]string(nil), cfg.Args...)
	default:
		return spec, domain.NewSubSystemError("supervisor", "launcher.build", domain.ErrInvalidInput,
			fmt.Sprintf("unsupported backend type %q", cfg.Type))
	}

	spec.Env = l.env(pluginID, channelID, root, dataDir, cfg)
	return spec, nil
}

// resolvePython prefers the plugin's own virtualenv.
func (l *launcher) resolvePython(root string) (string, error) {
	for _, venv := range []string{".venv", "venv"} {
		p := venvPython(filepath.Join(root, venv))
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	if l.python != "" {
		return l.resolveTool(l.python, "")
	}
	if p, err := l.lookPath("python3"); err == nil {
		return p, nil
	}
	return l.resolveTool("python", "")
}

// venvPython returns the interpreter path inside a virtualenv directory.
func venvPython(venv string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venv, "Scripts", "python.exe")
	}
	return filepath.Join(venv, "bin", "python")
}

func (l *launcher) resolveTool(configured, fallback string) (string, error) {
	name := configured
	if name == "" {
		name = fallback
	}
	p, err := l.lookPath(name)
	if err != nil {
		return "", domain.NewSubSystemError("supervisor", "launcher.resolve", domain.ErrNotFound,
			fmt.Sprintf("interpreter %q: %v", name, err))
	}
	return p, nil
}

// resolveCommand looks up an explicit program. Names containing a path
// separator resolve against the plugin root and must stay inside it.
func (l *launcher) resolveCommand(root, command string) (string, error) {
	if strings.ContainsAny(command, `/\`) && !filepath.IsAbs(command) {
		return confine(root, command)
	}
	return l.resolveTool(command, "")
}

// env builds the backend environment: the inherited allow-list, then the
// manifest's env, then host variables that plugins cannot override.
func (l *launcher) env(pluginID, channelID, root, dataDir string, cfg domain.BackendConfig) []string {
	vars := make(map[string]string)
	host := make(map[string]string)
	for _, kv := range l.environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			host[strings.ToUpper(k)] = v
			if runtime.GOOS != "windows" {
				host[k] = v
			}
		}
	}
	for _, k := range inheritedEnv {
		if v, ok := host[k]; ok {
			vars[k] = v
		}
	}
	for k, v := range cfg.Env {
		vars[k] = v
	}

	vars[EnvPluginID] = pluginID
	vars[EnvChannelID] = channelID
	vars[EnvPluginDir] = root
	vars[EnvDataDir] = dataDir

	switch cfg.Type {
	case domain.BackendPython:
		vars["PYTHONPATH"] = root
		vars["PYTHONNOUSERSITE"] = "1"
		vars["PYTHONUNBUFFERED"] = "1"
		vars["PYTHONIOENCODING"] = "utf-8"
	case domain.BackendNode:
		vars["NODE_PATH"] = filepath.Join(root, "node_modules")
	}

	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// confine resolves rel against root and rejects anything escaping it.
func confine(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", domain.NewSubSystemError("supervisor", "launcher.confine", domain.ErrInvalidInput,
			fmt.Sprintf("backend path %q must be relative to the plugin directory", rel))
	}
	p := filepath.Join(root, rel)
	r, err := filepath.Rel(root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", domain.NewSubSystemError("supervisor", "launcher.confine", domain.ErrInvalidInput,
			fmt.Sprintf("backend path %q escapes the plugin directory", rel))
	}
	return p, nil
}
