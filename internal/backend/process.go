package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// proc is a running backend: an OS child process or a WASI instance.
// Wait is called exactly once, by the channel's watcher.
type proc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	PID() int
	// Wait blocks until exit. A non-zero exit status is reported through
	// the code, not the error; err is set only when the exit could not be
	// observed.
	Wait() (code int, err error)
	// Terminate asks the backend to stop; Kill forces it.
	Terminate() error
	Kill() error
	// Close releases the read ends of stdout and stderr so readers blocked
	// on a pipe held open by a grandchild return.
	Close() error
}

// osProcess is a child process whose stdout and stderr are plain OS pipes,
// so exec does not run copy goroutines and Wait never closes a pipe while a
// reader still has buffered lines to consume.
type osProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdoutR *os.File
	stderrR *os.File
}

func startOS(spec launchSpec) (*osProcess, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stderrR.Close()
		return nil, err
	}
	return &osProcess{cmd: cmd, stdin: stdin, stdoutR: stdoutR, stderrR: stderrR}, nil
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *osProcess) Stderr() io.Reader     { return p.stderrR }
func (p *osProcess) PID() int              { return p.cmd.Process.Pid }

func (p *osProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

// Terminate sends SIGTERM. Platforms without it (Windows) get Kill.
func (p *osProcess) Terminate() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return p.Kill()
	}
	return nil
}

func (p *osProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *osProcess) Close() error {
	return errors.Join(p.stdoutR.Close(), p.stderrR.Close())
}
