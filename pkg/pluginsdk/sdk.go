// Package pluginsdk is a client SDK for writing toolhost plugin backends.
//
// A backend is a process (or WASI module) the host launches with piped
// stdio. It registers method handlers, announces itself with a $ready
// message and then serves line-delimited JSON-RPC calls until stdin closes.
//
// Example:
//
//	b := pluginsdk.New(pluginsdk.WithVersion("1.0.0"))
//	b.Handle("sum", func(ctx context.Context, params json.RawMessage) (any, error) {
//	    p, err := pluginsdk.Bind[struct{ A, B int }](params)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return p.A + p.B, nil
//	})
//	if err := b.Serve(context.Background()); err != nil {
//	    os.Exit(1)
//	}
package pluginsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"
)

// MaxLineBytes is the largest line the host accepts from a backend.
const MaxLineBytes = 4 << 20

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// HandlerFunc serves one method. The result is marshalled as the response
// result; returning an *Error controls the error code sent to the host.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Errorf builds an *Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Bind decodes call params into T. Malformed params yield CodeInvalidParams.
func Bind[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 || string(params) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, Errorf(CodeInvalidParams, "invalid params: %v", err)
	}
	return v, nil
}

// Backend dispatches host calls to registered handlers.
type Backend struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	version string
	env     Env
	in      io.Reader
	out     io.Writer
	outMu   sync.Mutex
	logger  *slog.Logger // local diagnostics, written to stderr
}

// New creates a Backend that talks over stdin and stdout.
func New(opts ...Option) *Backend {
	b := &Backend{
		handlers: make(map[string]HandlerFunc),
		version:  "0.0.0",
		env:      LoadEnv(),
		in:       os.Stdin,
		out:      os.Stdout,
		logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Env returns the launch environment the host provided.
func (b *Backend) Env() Env { return b.env }

// Handle registers the handler for method, replacing any previous one.
func (b *Backend) Handle(method string, h HandlerFunc) {
	b.mu.Lock()
	b.handlers[method] = h
	b.mu.Unlock()
}

// Methods returns the registered method names in sorted order.
func (b *Backend) Methods() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handlers))
	for m := range b.handlers {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// HandleInvocation runs the handler for method directly.
func (b *Backend) HandleInvocation(ctx context.Context, method string, params json.RawMessage) (any, error) {
	b.mu.RLock()
	h, ok := b.handlers[method]
	b.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeMethodNotFound, "method %q not found", method)
	}
	return h(ctx, params)
}

type readyMessage struct {
	Type    string   `json:"type"`
	Version string   `json:"version"`
	Methods []string `json:"methods"`
}

type eventMessage struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type logMessage struct {
	Type      string `json:"type"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type callMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type responseMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Emit sends an unsolicited event to the host.
func (b *Backend) Emit(event string, data any) error {
	return b.send(eventMessage{Type: "$event", Event: event, Data: data})
}

// Log sends a log line to the host.
func (b *Backend) Log(level slog.Level, msg string) error {
	return b.send(logMessage{Type: "$log", Level: levelName(level), Message: msg, Timestamp: time.Now().UnixMilli()})
}

func (b *Backend) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	b.outMu.Lock()
	defer b.outMu.Unlock()
	_, err = b.out.Write(data)
	return err
}

// Serve announces readiness and handles calls until the input closes or
// ctx is cancelled. Calls run concurrently; Serve waits for in-flight calls
// before returning.
func (b *Backend) Serve(ctx context.Context) error {
	if err := b.send(readyMessage{Type: "$ready", Version: b.version, Methods: b.Methods()}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(b.in)
		sc.Buffer(make([]byte, 64*1024), MaxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read input: %w", err)
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.serveLine(ctx, line)
			}()
		}
	}
}

func (b *Backend) serveLine(ctx context.Context, line []byte) {
	var call callMessage
	if err := json.Unmarshal(line, &call); err != nil {
		b.logger.Warn("malformed call", "error", err)
		return
	}
	notify := len(call.ID) == 0 || string(call.ID) == "null"
	if call.Method == "" {
		if !notify {
			b.reply(call.ID, nil, Errorf(CodeInvalidRequest, "missing method"))
		}
		return
	}

	result, err := b.invoke(ctx, call)
	if notify {
		if err != nil {
			b.logger.Warn("notification handler failed", "method", call.Method, "error", err)
		}
		return
	}
	b.reply(call.ID, result, err)
}

func (b *Backend) invoke(ctx context.Context, call callMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf(CodeInternal, "handler panic: %v", r)
		}
	}()
	return b.HandleInvocation(ctx, call.Method, call.Params)
}

func (b *Backend) reply(id json.RawMessage, result any, err error) {
	resp := responseMessage{JSONRPC: "2.0", ID: id}
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeInternal, Message: err.Error()}
		}
		resp.Error = rpcErr
	} else if result == nil {
		// A response needs a result or an error.
		resp.Result = struct{}{}
	} else {
		resp.Result = result
	}
	if err := b.send(resp); err != nil {
		b.logger.Warn("write response failed", "error", err)
	}
}
