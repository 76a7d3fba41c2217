package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"toolhost/internal/domain"
	"toolhost/internal/infra/logger"
)

const (
	// eventQueueSize bounds unsolicited messages waiting for listeners.
	eventQueueSize = 256
	// drainTimeout is how long the watcher waits for the reader to consume
	// output already buffered when the process exits.
	drainTimeout = 500 * time.Millisecond
)

// channel is one live backend: its process, the pending-call table, and the
// listeners for unsolicited messages.
type channel struct {
	id       string
	pluginID string
	typ      domain.BackendType
	proc     proc
	logger   *slog.Logger
	started  time.Time

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[int64]chan *response
	listeners map[int]func(domain.ChannelMessage)
	nextLsn   int
	final     *domain.ChannelMessage // exit message, once dispatched

	events       chan domain.ChannelMessage
	readerDone   chan struct{}
	dispatchDone chan struct{}
	done       chan struct{} // closed once the process has exited
	exitCode   int

	readyOnce sync.Once
	ready     chan struct{}
	readyInfo *domain.ReadyInfo

	disposing   atomic.Bool
	stdinClosed atomic.Bool
}

func newChannel(id, pluginID string, typ domain.BackendType, p proc, l *slog.Logger) *channel {
	return &channel{
		id:           id,
		pluginID:     pluginID,
		typ:          typ,
		proc:         p,
		logger:       l.With("channel", id),
		started:      time.Now(),
		pending:      make(map[int64]chan *response),
		listeners:    make(map[int]func(domain.ChannelMessage)),
		events:       make(chan domain.ChannelMessage, eventQueueSize),
		readerDone:   make(chan struct{}),
		dispatchDone: make(chan struct{}),
		done:         make(chan struct{}),
		ready:        make(chan struct{}),
	}
}

// start launches the reader, stderr drain, dispatcher, and watcher. onExit
// runs after listeners have seen the exit message.
func (c *channel) start(onExit func(code int, err error)) {
	go c.readStdout()
	go logger.Drain(c.proc.Stderr(), c.logger, slog.LevelDebug, "backend stderr")
	go c.dispatch()
	go c.watch(onExit)
}

func (c *channel) readStdout() {
	defer close(c.readerDone)
	r := bufio.NewReaderSize(c.proc.Stdout(), 64*1024)
	var buf []byte
	oversize := false
	for {
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 && !oversize {
			if len(buf)+len(chunk) > MaxLineBytes {
				c.logger.Warn("backend line exceeds limit, discarded", "limit", MaxLineBytes)
				oversize = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == nil:
			if !oversize {
				c.handleLine(buf)
			}
			buf = buf[:0]
			oversize = false
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if len(buf) > 0 && !oversize {
				c.handleLine(buf)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debug("backend stdout closed", "error", err)
			}
			return
		}
	}
}

func (c *channel) handleLine(line []byte) {
	resp, msg, err := decodeLine(line)
	if err != nil {
		c.logger.Warn("invalid backend line", "error", err)
		return
	}
	switch {
	case resp != nil:
		c.resolve(resp)
	case msg != nil:
		c.handleMessage(msg)
	}
}

func (c *channel) resolve(resp *response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping response for unknown call", "id", resp.ID)
		return
	}
	ch <- resp
}

func (c *channel) handleMessage(m *message) {
	out := domain.ChannelMessage{ChannelID: c.id, PluginID: c.pluginID, Kind: m.Type}
	switch m.Type {
	case TypeReady:
		info := &domain.ReadyInfo{Version: m.Version, Methods: m.Methods}
		c.readyOnce.Do(func() {
			c.readyInfo = info
			close(c.ready)
		})
		out.Ready = info
	case TypeEvent:
		out.Event = m.Event
		out.Data = m.Data
	case TypeLog:
		out.Level = m.Level
		out.Message = m.Message
		c.logger.Log(context.Background(), logLevel(m.Level), m.Message, "source", "backend")
	}
	c.enqueue(out)
}

func (c *channel) enqueue(m domain.ChannelMessage) {
	select {
	case c.events <- m:
	default:
		c.logger.Warn("channel event queue full, dropping message", "kind", m.Kind)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// dispatch delivers queued messages to listeners in order.
func (c *channel) dispatch() {
	defer close(c.dispatchDone)
	for m := range c.events {
		c.mu.Lock()
		if m.Kind == KindExit || m.Kind == KindError {
			final := m
			c.final = &final
		}
		handlers := make([]func(domain.ChannelMessage), 0, len(c.listeners))
		for _, h := range c.listeners {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()
		for _, h := range handlers {
			c.deliver(h, m)
		}
	}
}

func (c *channel) deliver(h func(domain.ChannelMessage), m domain.ChannelMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("channel listener panicked", "kind", m.Kind, "panic", r)
		}
	}()
	h(m)
}

// watch waits for the process, fails outstanding calls, and tells listeners.
func (c *channel) watch(onExit func(code int, err error)) {
	code, err := c.proc.Wait()

	select {
	case <-c.readerDone:
	case <-time.After(drainTimeout):
	}
	c.proc.Close()
	<-c.readerDone

	c.exitCode = code
	close(c.done)

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *response)
	c.mu.Unlock()
	for id := range pending {
		c.logger.Debug("failing pending call, backend exited", "id", id)
	}

	exit := domain.ChannelMessage{ChannelID: c.id, PluginID: c.pluginID, Kind: KindExit, ExitCode: &code}
	if err != nil {
		exit.Kind = KindError
		exit.Message = err.Error()
	}
	c.events <- exit // blocking: listeners must see the exit
	close(c.events)
	<-c.dispatchDone

	if c.disposing.Load() {
		c.logger.Info("backend stopped", "exit_code", code)
	} else {
		c.logger.Warn("backend exited", "exit_code", code, "error", err)
	}
	if onExit != nil {
		onExit(code, err)
	}
}

// call sends a request and waits for its response.
func (c *channel) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if c.exited() || c.stdinClosed.Load() {
		return nil, c.notRunning("call")
	}
	id := c.nextID.Add(1)
	ch := make(chan *response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return nil, c.notRunning("call")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resultOf(resp)
	case <-c.done:
		select {
		case resp := <-ch:
			return resultOf(resp)
		default:
		}
		return nil, c.notRunning("call")
	case <-timer.C:
		c.forget(id)
		return nil, domain.NewSubSystemError("supervisor", "backend.call", domain.ErrTimeout,
			method+" did not respond within "+timeout.String())
	case <-ctx.Done():
		c.forget(id)
		return nil, domain.NewDomainError("backend.call", domain.ErrCanceled, ctx.Err().Error())
	}
}

func resultOf(resp *response) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (c *channel) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *channel) notify(method string, params any) error {
	if c.exited() || c.stdinClosed.Load() {
		return c.notRunning("notify")
	}
	if err := c.write(request{JSONRPC: "2.0", Method: method, Params: params}); err != nil {
		return c.notRunning("notify")
	}
	return nil
}

func (c *channel) write(req request) error {
	line, err := encodeLine(req)
	if err != nil {
		return domain.NewDomainError("backend.write", domain.ErrInvalidInput, err.Error())
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.proc.Stdin().Write(line)
	return err
}

func (c *channel) closeStdin() {
	if c.stdinClosed.CompareAndSwap(false, true) {
		c.writeMu.Lock()
		c.proc.Stdin().Close()
		c.writeMu.Unlock()
	}
}

// subscribe adds a listener. A listener added after the exit message went
// out receives it right away.
func (c *channel) subscribe(h func(domain.ChannelMessage)) func() {
	c.mu.Lock()
	if final := c.final; final != nil {
		c.mu.Unlock()
		c.deliver(h, *final)
		return func() {}
	}
	id := c.nextLsn
	c.nextLsn++
	c.listeners[id] = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *channel) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *channel) notRunning(op string) error {
	return domain.NewSubSystemError("supervisor", "backend."+op, domain.ErrProcessNotRunning, "channel "+c.id)
}
