package capability

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"toolhost/internal/domain"
	"toolhost/internal/security"
	"toolhost/internal/usecase/exthost"
)

const (
	venvDir            = ".venv"
	pipInstallTimeout  = 10 * time.Minute
	venvCreateTimeout  = 2 * time.Minute
	pythonQueryTimeout = 10 * time.Second
)

// Python is the python.* capability. Each plugin gets a private virtual
// environment under its data directory.
type Python struct {
	procs       Processes
	interpreter string
	lookPath    func(string) (string, error)
	execTimeout time.Duration
}

// NewPython creates the python module. interpreter "" resolves python3 or
// python from PATH at call time.
func NewPython(procs Processes, interpreter string, execTimeout time.Duration) *Python {
	if execTimeout <= 0 {
		execTimeout = DefaultExecTimeout
	}
	return &Python{procs: procs, interpreter: interpreter, lookPath: exec.LookPath, execTimeout: execTimeout}
}

func (py *Python) Name() string { return "python" }

type installParams struct {
	Packages     []string `json:"packages,omitempty"`
	Requirements string   `json:"requirements,omitempty"` // path inside the plugin dir
}

type codeParams struct {
	Code      string `json:"code"`
	Stdin     string `json:"stdin,omitempty"`
	TimeoutMS int    `json:"timeoutMs,omitempty"`
}

type scriptParams struct {
	Script    string   `json:"script"`
	Args      []string `json:"args,omitempty"`
	Stdin     string   `json:"stdin,omitempty"`
	TimeoutMS int      `json:"timeoutMs,omitempty"`
}

// PythonStatus reports interpreter and venv state for a plugin.
type PythonStatus struct {
	Available   bool   `json:"available"`
	Interpreter string `json:"interpreter,omitempty"`
	Version     string `json:"version,omitempty"`
	Venv        string `json:"venv"`
	VenvReady   bool   `json:"venvReady"`
}

func (py *Python) Methods() map[string]exthost.Handler {
	return map[string]exthost.Handler{
		"getStatus":   method(func(ctx context.Context, call *exthost.Call, _ struct{}) (any, error) { return py.status(ctx, call), nil }),
		"ensure":      method(func(ctx context.Context, call *exthost.Call, _ struct{}) (any, error) { return py.ensure(ctx, call) }),
		"installDeps": method(py.installDeps),
		"runCode":     method(py.runCode),
		"runScript":   method(py.runScript),
	}
}

func venvPython(dataDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(dataDir, venvDir, "Scripts", "python.exe")
	}
	return filepath.Join(dataDir, venvDir, "bin", "python")
}

// system resolves the host interpreter used to create venvs.
func (py *Python) system() (string, error) {
	if py.interpreter != "" {
		return py.lookPath(py.interpreter)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := py.lookPath(name); err == nil {
			return p, nil
		}
	}
	return "", domain.NewDomainError("python.resolve", domain.ErrNotFound, "no python interpreter on PATH")
}

// interpreterFor prefers the plugin's venv over the host interpreter.
func (py *Python) interpreterFor(call *exthost.Call) (string, error) {
	if p := venvPython(call.DataDir); fileExists(p) {
		return p, nil
	}
	return py.system()
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func (py *Python) status(ctx context.Context, call *exthost.Call) PythonStatus {
	st := PythonStatus{Venv: filepath.Join(call.DataDir, venvDir), VenvReady: fileExists(venvPython(call.DataDir))}
	interp, err := py.interpreterFor(call)
	if err != nil {
		return st
	}
	st.Interpreter = interp
	res, err := py.procs.Run(ctx, domain.ProcessRequest{
		PluginID: call.PluginID(),
		Command:  interp,
		Args:     []string{"--version"},
		Dir:      call.DataDir,
	}, pythonQueryTimeout)
	if err != nil || res.ExitCode != 0 {
		return st
	}
	st.Available = true
	// Python 2 printed its version on stderr.
	st.Version = strings.TrimPrefix(strings.TrimSpace(res.Stdout+res.Stderr), "Python ")
	return st
}

func (py *Python) ensure(ctx context.Context, call *exthost.Call) (PythonStatus, error) {
	if !fileExists(venvPython(call.DataDir)) {
		sys, err := py.system()
		if err != nil {
			return PythonStatus{}, err
		}
		res, err := py.procs.Run(ctx, domain.ProcessRequest{
			PluginID: call.PluginID(),
			Command:  sys,
			Args:     []string{"-m", "venv", filepath.Join(call.DataDir, venvDir)},
			Dir:      call.DataDir,
		}, venvCreateTimeout)
		if err := resultErr("python.ensure", res, err); err != nil {
			return PythonStatus{}, err
		}
	}
	return py.status(ctx, call), nil
}

func (py *Python) installDeps(ctx context.Context, call *exthost.Call, p installParams) (any, error) {
	if len(p.Packages) == 0 && p.Requirements == "" {
		return nil, requireFields("python.installDeps", "packages", "")
	}
	for _, pkg := range p.Packages {
		if strings.HasPrefix(pkg, "-") {
			return nil, domain.NewDomainError("python.installDeps", domain.ErrInvalidInput, "options are not allowed in package names: "+pkg)
		}
	}
	if _, err := py.ensure(ctx, call); err != nil {
		return nil, err
	}
	args := []string{"-m", "pip", "install", "--disable-pip-version-check"}
	if p.Requirements != "" {
		req, err := pluginFile(call, p.Requirements)
		if err != nil {
			return nil, err
		}
		args = append(args, "-r", req)
	}
	args = append(args, p.Packages...)
	res, err := py.procs.Run(ctx, domain.ProcessRequest{
		PluginID: call.PluginID(),
		Command:  venvPython(call.DataDir),
		Args:     args,
		Dir:      call.DataDir,
		Env:      pluginEnv(call),
	}, pipInstallTimeout)
	if err := resultErr("python.installDeps", res, err); err != nil {
		return nil, err
	}
	return res, nil
}

func (py *Python) timeout(ms int) time.Duration {
	if ms <= 0 {
		return py.execTimeout
	}
	return min(time.Duration(ms)*time.Millisecond, MaxExecTimeout)
}

func (py *Python) runCode(ctx context.Context, call *exthost.Call, p codeParams) (any, error) {
	if err := requireFields("python.runCode", "code", p.Code); err != nil {
		return nil, err
	}
	interp, err := py.interpreterFor(call)
	if err != nil {
		return nil, err
	}
	return py.procs.Run(ctx, domain.ProcessRequest{
		PluginID: call.PluginID(),
		Command:  interp,
		Args:     []string{"-c", p.Code},
		Dir:      call.DataDir,
		Env:      pluginEnv(call),
		Stdin:    p.Stdin,
	}, py.timeout(p.TimeoutMS))
}

func (py *Python) runScript(ctx context.Context, call *exthost.Call, p scriptParams) (any, error) {
	if err := requireFields("python.runScript", "script", p.Script); err != nil {
		return nil, err
	}
	script, err := pluginFile(call, p.Script)
	if err != nil {
		return nil, err
	}
	interp, err := py.interpreterFor(call)
	if err != nil {
		return nil, err
	}
	return py.procs.Run(ctx, domain.ProcessRequest{
		PluginID: call.PluginID(),
		Command:  interp,
		Args:     append([]string{script}, p.Args...),
		Dir:      call.Plugin.Path,
		Env:      pluginEnv(call),
		Stdin:    p.Stdin,
	}, py.timeout(p.TimeoutMS))
}

// pluginFile resolves rel inside the plugin's install directory.
func pluginFile(call *exthost.Call, rel string) (string, error) {
	if call.Plugin.Path == "" {
		return "", domain.NewDomainError("python.resolve", domain.ErrNotFound, "plugin has no install directory")
	}
	sb, err := security.NewSandbox(call.Plugin.Path)
	if err != nil {
		return "", err
	}
	path, err := sb.ValidatePath(rel)
	if err != nil {
		return "", err
	}
	if !fileExists(path) {
		return "", domain.NewDomainError("python.resolve", domain.ErrNotFound, rel)
	}
	return path, nil
}

// resultErr turns a failed or timed-out run into an error carrying stderr.
func resultErr(op string, res *domain.ExecResult, err error) error {
	switch {
	case err != nil:
		return err
	case res.TimedOut:
		return domain.NewDomainError(op, domain.ErrTimeout, "command timed out")
	case res.ExitCode != 0:
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return domain.NewDomainError(op, domain.ErrIOFailure, msg)
	}
	return nil
}
