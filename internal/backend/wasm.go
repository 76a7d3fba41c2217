package backend

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"toolhost/internal/domain"
)

// Guest paths of the directories a WASI backend sees.
const (
	wasmPluginMount = "/plugin" // read-only
	wasmDataMount   = "/data"
)

// wasmRuntime is the wazero runtime shared by every WASI backend of a
// supervisor. Modules are compiled once per path.
type wasmRuntime struct {
	rt     wazero.Runtime
	logger *slog.Logger

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

func newWASMRuntime(ctx context.Context, maxMemoryMB int, logger *slog.Logger) (*wasmRuntime, error) {
	if maxMemoryMB <= 0 {
		maxMemoryMB = 64
	}
	rtCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(uint32(maxMemoryMB) * 16) // 16 pages of 64KiB per MiB

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	logger.Info("wasm runtime created", "max_memory_mb", maxMemoryMB)
	return &wasmRuntime{rt: rt, logger: logger, compiled: make(map[string]wazero.CompiledModule)}, nil
}

func (w *wasmRuntime) compile(ctx context.Context, path string) (wazero.CompiledModule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m, ok := w.compiled[path]; ok {
		return m, nil
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewSubSystemError("supervisor", "wasm.compile", domain.ErrNotFound, err.Error())
	}
	m, err := w.rt.CompileModule(ctx, code)
	if err != nil {
		return nil, domain.NewSubSystemError("supervisor", "wasm.compile", domain.ErrInvalidInput, err.Error())
	}
	w.compiled[path] = m
	return m, nil
}

func (w *wasmRuntime) close(ctx context.Context) error {
	return w.rt.Close(ctx)
}

// wasmProcess runs a WASI command module on its own goroutine, wired to the
// same line protocol as OS processes through in-memory pipes.
type wasmProcess struct {
	cancel  context.CancelFunc
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stderrR *io.PipeReader
	done    chan struct{}
	code    int
	err     error
}

// start instantiates the module at entry. The guest sees the plugin dir
// read-only at /plugin and its data dir at /data; env is passed through.
func (w *wasmRuntime) start(ctx context.Context, entry, root, dataDir string, args, env []string) (*wasmProcess, error) {
	compiled, err := w.compile(ctx, entry)
	if err != nil {
		return nil, err
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	fsCfg := wazero.NewFSConfig().WithReadOnlyDirMount(root, wasmPluginMount)
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o700); err == nil {
			fsCfg = fsCfg.WithDirMount(dataDir, wasmDataMount)
		}
	}

	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{entry}, args...)...).
		WithStdin(stdinR).
		WithStdout(stdoutW).
		WithStderr(stderrW).
		WithFSConfig(fsCfg).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			modCfg = modCfg.WithEnv(k, v)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &wasmProcess{
		cancel:  cancel,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stderrR: stderrR,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		mod, err := w.rt.InstantiateModule(runCtx, compiled, modCfg)
		if mod != nil {
			mod.Close(context.Background())
		}
		var exitErr *sys.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			p.code = int(exitErr.ExitCode())
		default:
			p.code = -1
			fmt.Fprintf(stderrW, "wasm: %v\n", err)
		}
		stdinR.Close()
		stdoutW.Close()
		stderrW.Close()
	}()
	return p, nil
}

func (p *wasmProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *wasmProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *wasmProcess) Stderr() io.Reader     { return p.stderrR }

// PID is 0: WASI backends run inside the host process.
func (p *wasmProcess) PID() int { return 0 }

func (p *wasmProcess) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

// Terminate and Kill both cancel the guest; WASI has no signals.
func (p *wasmProcess) Terminate() error { p.cancel(); return nil }
func (p *wasmProcess) Kill() error      { p.cancel(); return nil }

func (p *wasmProcess) Close() error {
	p.stdoutR.Close()
	p.stderrR.Close()
	return nil
}
