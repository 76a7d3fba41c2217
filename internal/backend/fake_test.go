package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"toolhost/internal/domain"
)

// fakeProc is an in-memory backend driven by the test.
type fakeProc struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exitCh     chan int
	exitOnce   sync.Once
	ignoreTerm bool
	killed     atomic.Bool
	writeMu    sync.Mutex

	reqs chan fakeRequest
}

type fakeRequest struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func newFakeProc() *fakeProc {
	f := &fakeProc{exitCh: make(chan int, 1), reqs: make(chan fakeRequest, 64)}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	f.stderrR, f.stderrW = io.Pipe()
	go func() {
		defer close(f.reqs)
		sc := bufio.NewScanner(f.stdinR)
		for sc.Scan() {
			var r fakeRequest
			if err := json.Unmarshal(sc.Bytes(), &r); err == nil {
				f.reqs <- r
			}
		}
	}()
	return f
}

func (f *fakeProc) Stdin() io.WriteCloser { return f.stdinW }
func (f *fakeProc) Stdout() io.Reader     { return f.stdoutR }
func (f *fakeProc) Stderr() io.Reader     { return f.stderrR }
func (f *fakeProc) PID() int              { return 4242 }

func (f *fakeProc) Wait() (int, error) { return <-f.exitCh, nil }

func (f *fakeProc) Terminate() error {
	if !f.ignoreTerm {
		f.exit(143)
	}
	return nil
}

func (f *fakeProc) Kill() error {
	f.killed.Store(true)
	f.exit(137)
	return nil
}

func (f *fakeProc) Close() error {
	f.stdoutR.Close()
	f.stderrR.Close()
	return nil
}

// exit simulates the process ending with code.
func (f *fakeProc) exit(code int) {
	f.exitOnce.Do(func() {
		f.stdoutW.Close()
		f.stderrW.Close()
		f.stdinR.Close()
		f.exitCh <- code
	})
}

// send writes one raw line to the host.
func (f *fakeProc) send(t *testing.T, line string) {
	t.Helper()
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if _, err := io.WriteString(f.stdoutW, line+"\n"); err != nil {
		t.Errorf("fake backend write: %v", err)
	}
}

func (f *fakeProc) reply(t *testing.T, id int64, result any) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"id": id, "result": result})
	if err != nil {
		t.Fatal(err)
	}
	f.send(t, string(data))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFakeSupervisor returns a supervisor whose spawns hand out procs in order.
func newFakeSupervisor(t *testing.T, procs ...*fakeProc) *Supervisor {
	t.Helper()
	s := NewSupervisor(Config{KillGrace: 200 * time.Millisecond}, testLogger())
	var mu sync.Mutex
	s.spawn = func(ctx context.Context, pluginID, channelID, root string, cfg domain.BackendConfig) (proc, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(procs) == 0 {
			t.Fatal("unexpected spawn")
		}
		p := procs[0]
		procs = procs[1:]
		return p, nil
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func register(t *testing.T, s *Supervisor) *domain.BackendHandle {
	t.Helper()
	h, err := s.Register(context.Background(), "demo", t.TempDir(), domain.BackendConfig{Type: domain.BackendNode, Entry: "main.js"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return h
}
