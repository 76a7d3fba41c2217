package capability

import (
	"context"
	"os"
	"time"

	"toolhost/internal/domain"
	"toolhost/internal/usecase/exthost"
)

// Shell timeouts.
const (
	DefaultExecTimeout = 60 * time.Second
	MaxExecTimeout     = 10 * time.Minute
)

// Processes runs plugin commands; process.Manager implements it.
type Processes interface {
	Run(ctx context.Context, req domain.ProcessRequest, timeout time.Duration) (*domain.ExecResult, error)
	Start(ctx context.Context, req domain.ProcessRequest) (*domain.ProcessSession, error)
	List(pluginID string) []domain.ProcessSession
	Poll(pluginID, sessionID string) (*domain.ProcessPollResult, error)
	Write(pluginID, sessionID, input string) error
	Kill(ctx context.Context, pluginID, sessionID string) error
}

// Shell is the shell.* capability. Working directories are confined to the
// plugin's data and install directories.
type Shell struct {
	procs       Processes
	audit       ActionAuditor
	execTimeout time.Duration
}

// NewShell creates the shell module. audit may be nil.
func NewShell(procs Processes, audit ActionAuditor, execTimeout time.Duration) *Shell {
	if execTimeout <= 0 {
		execTimeout = DefaultExecTimeout
	}
	return &Shell{procs: procs, audit: audit, execTimeout: execTimeout}
}

func (s *Shell) Name() string { return "shell" }

type commandParams struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Stdin     string   `json:"stdin,omitempty"`
	TimeoutMS int      `json:"timeoutMs,omitempty"`
}

type sessionParams struct {
	ID    string `json:"id"`
	Input string `json:"input,omitempty"`
}

func (s *Shell) Methods() map[string]exthost.Handler {
	return map[string]exthost.Handler{
		"exec":  method(s.exec),
		"spawn": method(s.spawn),
		"poll": method(func(ctx context.Context, call *exthost.Call, p sessionParams) (any, error) {
			if err := requireFields("shell.poll", "id", p.ID); err != nil {
				return nil, err
			}
			return s.procs.Poll(call.PluginID(), p.ID)
		}),
		"write": method(func(ctx context.Context, call *exthost.Call, p sessionParams) (any, error) {
			if err := requireFields("shell.write", "id", p.ID); err != nil {
				return nil, err
			}
			return okResult{true}, s.procs.Write(call.PluginID(), p.ID, p.Input)
		}),
		"kill": method(func(ctx context.Context, call *exthost.Call, p sessionParams) (any, error) {
			if err := requireFields("shell.kill", "id", p.ID); err != nil {
				return nil, err
			}
			return okResult{true}, s.procs.Kill(ctx, call.PluginID(), p.ID)
		}),
		"list": method(func(ctx context.Context, call *exthost.Call, _ struct{}) (any, error) {
			return map[string]any{"sessions": s.procs.List(call.PluginID())}, nil
		}),
	}
}

// request validates p and builds the process request for call.
func (s *Shell) request(op string, call *exthost.Call, p commandParams) (domain.ProcessRequest, error) {
	if err := requireFields(op, "command", p.Command); err != nil {
		return domain.ProcessRequest{}, err
	}
	dir, err := workDir(call, p.Cwd)
	if err != nil {
		return domain.ProcessRequest{}, err
	}
	return domain.ProcessRequest{
		PluginID: call.PluginID(),
		Command:  p.Command,
		Args:     p.Args,
		Dir:      dir,
		Env:      pluginEnv(call),
		Stdin:    p.Stdin,
	}, nil
}

func (s *Shell) exec(ctx context.Context, call *exthost.Call, p commandParams) (any, error) {
	req, err := s.request("shell.exec", call, p)
	if err != nil {
		return nil, err
	}
	timeout := s.execTimeout
	if p.TimeoutMS > 0 {
		timeout = min(time.Duration(p.TimeoutMS)*time.Millisecond, MaxExecTimeout)
	}
	res, err := s.procs.Run(ctx, req, timeout)
	s.record(ctx, call, "exec "+p.Command, err)
	return res, err
}

func (s *Shell) spawn(ctx context.Context, call *exthost.Call, p commandParams) (any, error) {
	req, err := s.request("shell.spawn", call, p)
	if err != nil {
		return nil, err
	}
	sess, err := s.procs.Start(ctx, req)
	s.record(ctx, call, "spawn "+p.Command, err)
	return sess, err
}

func (s *Shell) record(ctx context.Context, call *exthost.Call, action string, err error) {
	if s.audit == nil {
		return
	}
	if aerr := s.audit.LogAction(ctx, domain.AuditShellExec, call.PluginID(), action, err); aerr != nil {
		call.Logger.Warn("audit write failed", "error", aerr)
	}
}

// workDir confines cwd to the plugin's readable roots, defaulting to the
// data directory.
func workDir(call *exthost.Call, cwd string) (string, error) {
	if cwd == "" {
		return call.DataDir, nil
	}
	sb, err := sandboxFor(call)
	if err != nil {
		return "", err
	}
	return sb.ValidatePath(cwd)
}

// pluginEnv is the host environment plus the plugin's identity and paths.
func pluginEnv(call *exthost.Call) []string {
	return append(os.Environ(),
		"TOOLHOST_PLUGIN_ID="+call.PluginID(),
		"TOOLHOST_PLUGIN_DIR="+call.Plugin.Path,
		"TOOLHOST_DATA_DIR="+call.DataDir,
	)
}
